package selector

import "github.com/onsmartai/llm-dispatch/internal/backend"

// Axis names the ten scoring dimensions. Characteristic values live in
// [0,10]; fingerprint weights in [0.5,2.5].
type Axis string

const (
	AxisCreativity      Axis = "creativity"
	AxisFactualAccuracy Axis = "factual_accuracy"
	AxisCodeQuality     Axis = "code_quality"
	AxisReasoning       Axis = "reasoning"
	AxisComputation     Axis = "computation"
	AxisConciseness     Axis = "conciseness"
	AxisLanguageQuality Axis = "language_quality"
	AxisCostEfficiency  Axis = "cost_efficiency"
	AxisSpeed           Axis = "speed"
	AxisContextLength   Axis = "context_length"
)

// Axes lists every axis in a fixed order.
var Axes = []Axis{
	AxisCreativity,
	AxisFactualAccuracy,
	AxisCodeQuality,
	AxisReasoning,
	AxisComputation,
	AxisConciseness,
	AxisLanguageQuality,
	AxisCostEfficiency,
	AxisSpeed,
	AxisContextLength,
}

// Characteristics is a backend's scoring profile.
type Characteristics map[Axis]float64

// seedByKind holds the static per-kind profiles. Values are hand-tuned
// priors; live metrics adjust the final score, not these.
var seedByKind = map[backend.Kind]Characteristics{
	backend.KindChat: {
		AxisCreativity:      8,
		AxisFactualAccuracy: 8,
		AxisCodeQuality:     8.5,
		AxisReasoning:       8.5,
		AxisComputation:     7,
		AxisConciseness:     7,
		AxisLanguageQuality: 8.5,
		AxisCostEfficiency:  5,
		AxisSpeed:           6,
		AxisContextLength:   8,
	},
	backend.KindAnthropic: {
		AxisCreativity:      8.5,
		AxisFactualAccuracy: 8.5,
		AxisCodeQuality:     8.5,
		AxisReasoning:       9,
		AxisComputation:     7,
		AxisConciseness:     7.5,
		AxisLanguageQuality: 9,
		AxisCostEfficiency:  4.5,
		AxisSpeed:           5.5,
		AxisContextLength:   9,
	},
	backend.KindCompletion: {
		AxisCreativity:      6.5,
		AxisFactualAccuracy: 6.5,
		AxisCodeQuality:     6,
		AxisReasoning:       6,
		AxisComputation:     5.5,
		AxisConciseness:     6,
		AxisLanguageQuality: 6.5,
		AxisCostEfficiency:  7,
		AxisSpeed:           7,
		AxisContextLength:   5.5,
	},
	backend.KindProxy: {
		AxisCreativity:      7,
		AxisFactualAccuracy: 7,
		AxisCodeQuality:     7,
		AxisReasoning:       7,
		AxisComputation:     6.5,
		AxisConciseness:     6.5,
		AxisLanguageQuality: 7,
		AxisCostEfficiency:  6.5,
		AxisSpeed:           6,
		AxisContextLength:   7,
	},
	backend.KindLocal: {
		AxisCreativity:      5,
		AxisFactualAccuracy: 5,
		AxisCodeQuality:     4.5,
		AxisReasoning:       4.5,
		AxisComputation:     4,
		AxisConciseness:     5.5,
		AxisLanguageQuality: 5,
		AxisCostEfficiency:  9.5,
		AxisSpeed:           8.5,
		AxisContextLength:   4,
	},
}

// CharacteristicsForKind returns a copy of the profile seeded for kind.
// Unknown kinds get a flat mid-range profile.
func CharacteristicsForKind(kind backend.Kind) Characteristics {
	seed, ok := seedByKind[kind]
	if !ok {
		seed = Characteristics{}
		for _, axis := range Axes {
			seed[axis] = 5
		}
	}

	out := make(Characteristics, len(Axes))
	for _, axis := range Axes {
		out[axis] = seed[axis]
	}
	return out
}
