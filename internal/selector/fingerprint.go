package selector

import (
	"regexp"
	"strings"
)

// Complexity classes for a prompt.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Intent classes detected from the prompt.
type Intent string

const (
	IntentCode          Intent = "code"
	IntentCreative      Intent = "creative"
	IntentFactual       Intent = "factual"
	IntentReasoning     Intent = "reasoning"
	IntentComputational Intent = "computational"
)

// Fingerprint is the per-request feature vector driving backend scoring.
type Fingerprint struct {
	Complexity Complexity
	Intents    []Intent
	Weights    map[Axis]float64
}

const (
	highTokenThreshold = 100
	lowTokenThreshold  = 4

	minWeight = 0.5
	maxWeight = 2.5
)

// Keyword tables are English by default and replaceable through Config so a
// deployment can classify prompts in its own language.
var (
	defaultHighComplexity = []string{
		`(?i)\b(architecture|refactor|prove|formal(ly)?|trade-?offs?)\b`,
		`(?i)\b(design|implement|build)\b.*\b(system|service|pipeline|protocol)\b`,
		`(?i)\b(compare|analy[sz]e|evaluate)\b.*\band\b`,
		`(?i)\bstep[ -]by[ -]step\b`,
	}
	defaultMediumComplexity = []string{
		`(?i)\b(explain|describe|summari[sz]e|how does|how do|why)\b`,
		`(?i)\b(write|draft|translate|convert)\b`,
		`(?i)\b(list|outline|enumerate)\b`,
	}
	defaultLowComplexity = []string{
		`(?i)\b(what is|who is|when|where|define)\b`,
		`(?i)\b(yes or no|true or false)\b`,
	}

	defaultIntents = map[Intent][]string{
		IntentCode: {
			`(?i)\b(code|function|bug|compile|debug|refactor|class|method|api|regex|sql|script)\b`,
			"```",
		},
		IntentCreative: {
			`(?i)\b(story|poem|song|fiction|creative|imagine|character|plot)\b`,
		},
		IntentFactual: {
			`(?i)\b(what is|who is|when did|where is|capital of|definition|fact|history of)\b`,
		},
		IntentReasoning: {
			`(?i)\b(why|reason|logic|deduce|infer|conclude|argument|prove)\b`,
		},
		IntentComputational: {
			`(?i)\b(calculate|compute|sum|multiply|divide|equation|percentage|average)\b`,
			`\d+\s*[-+*/^]\s*\d+`,
		},
	}
)

// PatternTable is one compiled keyword table.
type PatternTable []*regexp.Regexp

func compileTable(patterns []string) PatternTable {
	out := make(PatternTable, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

func (t PatternTable) match(prompt string) bool {
	for _, re := range t {
		if re.MatchString(prompt) {
			return true
		}
	}
	return false
}

// Classifier turns a prompt into a Fingerprint using configurable keyword
// tables.
type Classifier struct {
	high    PatternTable
	medium  PatternTable
	low     PatternTable
	intents map[Intent]PatternTable
}

// ClassifierConfig overrides the default keyword tables. Empty slices keep
// the defaults.
type ClassifierConfig struct {
	HighComplexityPatterns   []string
	MediumComplexityPatterns []string
	LowComplexityPatterns    []string
	IntentPatterns           map[Intent][]string
}

// NewClassifier compiles the configured tables, falling back to the English
// defaults for any table left empty.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	pick := func(custom, def []string) PatternTable {
		if len(custom) > 0 {
			return compileTable(custom)
		}
		return compileTable(def)
	}

	c := &Classifier{
		high:    pick(cfg.HighComplexityPatterns, defaultHighComplexity),
		medium:  pick(cfg.MediumComplexityPatterns, defaultMediumComplexity),
		low:     pick(cfg.LowComplexityPatterns, defaultLowComplexity),
		intents: make(map[Intent]PatternTable),
	}

	for intent, def := range defaultIntents {
		if custom, ok := cfg.IntentPatterns[intent]; ok && len(custom) > 0 {
			c.intents[intent] = compileTable(custom)
		} else {
			c.intents[intent] = compileTable(def)
		}
	}

	return c
}

// Fingerprint computes the complexity class, detected intents, and per-axis
// weights for prompt.
func (c *Classifier) Fingerprint(prompt string) Fingerprint {
	fp := Fingerprint{
		Complexity: c.complexity(prompt),
		Weights:    make(map[Axis]float64, len(Axes)),
	}
	for _, axis := range Axes {
		fp.Weights[axis] = 1.0
	}

	for _, intent := range []Intent{IntentCode, IntentCreative, IntentFactual, IntentReasoning, IntentComputational} {
		if c.intents[intent].match(prompt) {
			fp.Intents = append(fp.Intents, intent)
			applyIntentBoost(fp.Weights, intent)
		}
	}

	switch fp.Complexity {
	case ComplexityHigh:
		raiseTo(fp.Weights, AxisContextLength, 2.0)
		raiseTo(fp.Weights, AxisReasoning, 1.5)
	case ComplexityLow:
		raiseTo(fp.Weights, AxisSpeed, 1.5)
		raiseTo(fp.Weights, AxisCostEfficiency, 1.5)
	}

	for axis, w := range fp.Weights {
		if w < minWeight {
			fp.Weights[axis] = minWeight
		}
		if w > maxWeight {
			fp.Weights[axis] = maxWeight
		}
	}

	return fp
}

// complexity classifies by token count first, then by the keyword tables
// (high before medium before low; first match wins).
func (c *Classifier) complexity(prompt string) Complexity {
	tokens := len(strings.Fields(prompt))
	if tokens > highTokenThreshold {
		return ComplexityHigh
	}
	if tokens <= lowTokenThreshold {
		return ComplexityLow
	}

	switch {
	case c.high.match(prompt):
		return ComplexityHigh
	case c.medium.match(prompt):
		return ComplexityMedium
	case c.low.match(prompt):
		return ComplexityLow
	}
	return ComplexityMedium
}

func applyIntentBoost(weights map[Axis]float64, intent Intent) {
	switch intent {
	case IntentCode:
		weights[AxisCodeQuality] *= 2.5
		weights[AxisReasoning] *= 1.5
		weights[AxisFactualAccuracy] *= 1.5
		weights[AxisCreativity] *= 0.5
	case IntentCreative:
		weights[AxisCreativity] *= 2.5
		weights[AxisLanguageQuality] *= 1.5
		weights[AxisFactualAccuracy] *= 0.5
	case IntentFactual:
		weights[AxisFactualAccuracy] *= 2.5
		weights[AxisReasoning] *= 1.5
		weights[AxisCreativity] *= 0.5
	case IntentReasoning:
		weights[AxisReasoning] *= 2.5
		weights[AxisFactualAccuracy] *= 1.5
		weights[AxisComputation] *= 1.2
	case IntentComputational:
		weights[AxisComputation] *= 2.5
		weights[AxisReasoning] *= 1.5
		weights[AxisFactualAccuracy] *= 1.2
	}
}

func raiseTo(weights map[Axis]float64, axis Axis, floor float64) {
	if weights[axis] < floor {
		weights[axis] = floor
	}
}
