// Package selector scores registered backends per request and picks the one
// to dispatch to. Scoring combines a static per-kind characteristics profile
// with live success-rate and latency metrics; availability is enforced with
// a rate-limit probe so a hammered backend drops out of rotation.
//
// The selector never fails a request: when no backend qualifies it returns
// the registry default.
package selector

import (
	"context"
	"log/slog"
	"time"

	"github.com/onsmartai/llm-dispatch/internal/metrics"
	"github.com/onsmartai/llm-dispatch/internal/ratelimit"
	"github.com/onsmartai/llm-dispatch/internal/registry"
)

const (
	probeCategory = "check"
	probeLimit    = 100
	probeWindow   = 60 * time.Second

	// A backend with at least this many requests and a success rate below
	// failureRateFloor is considered down and excluded from rotation.
	failureMinRequests = 5
	failureRateFloor   = 20.0
)

// Probe is the availability check, satisfied by ratelimit.Limiter.
type Probe interface {
	CheckAndConsume(ctx context.Context, category, key string, limit int, window time.Duration) ratelimit.Decision
}

// MetricsSource supplies live per-backend performance data, satisfied by
// metrics.Recorder.
type MetricsSource interface {
	BackendSnapshot(ctx context.Context, backend string) metrics.Snapshot
}

// Selector picks backends for dispatch.
type Selector struct {
	registry   *registry.Registry
	probe      Probe
	metricsSrc MetricsSource
	classifier *Classifier
	prom       *metrics.Registry

	chars map[string]Characteristics
}

// Config carries selector construction options.
type Config struct {
	Classifier ClassifierConfig
}

// New builds a Selector over reg. Characteristic profiles are seeded from
// each backend's kind at construction and read-only afterwards. prom may be
// nil.
func New(reg *registry.Registry, probe Probe, metricsSrc MetricsSource, prom *metrics.Registry, cfg Config) *Selector {
	chars := make(map[string]Characteristics)
	for _, d := range reg.List() {
		chars[d.ID] = CharacteristicsForKind(d.Kind)
	}

	return &Selector{
		registry:   reg,
		probe:      probe,
		metricsSrc: metricsSrc,
		classifier: NewClassifier(cfg.Classifier),
		prom:       prom,
		chars:      chars,
	}
}

// SelectBackend returns the backend id to dispatch (prompt, operation) to.
// A preferred id present in the registry always wins. Otherwise available
// backends are scored and the best one returned; with nothing available the
// registry default is returned so dispatch can still be attempted.
func (s *Selector) SelectBackend(ctx context.Context, prompt, operation, preferred string) string {
	if preferred != "" && s.registry.Has(preferred) {
		s.recordChoice(preferred)
		return preferred
	}

	available := s.availableBackends(ctx)
	if len(available) == 0 {
		def := s.registry.DefaultID()
		slog.WarnContext(ctx, "selector_no_backend_available",
			slog.String("fallback", def),
		)
		s.recordChoice(def)
		return def
	}

	// Embedding quality differences are not modeled; first available wins.
	if operation == "embed" {
		s.recordChoice(available[0])
		return available[0]
	}

	ranked := s.rank(ctx, prompt, available)
	if len(ranked) == 0 {
		def := s.registry.DefaultID()
		s.recordChoice(def)
		return def
	}

	s.recordChoice(ranked[0])
	return ranked[0]
}

// Rank returns the available backends ordered best-first for (prompt,
// operation). Used by the dispatcher to build its fallback candidate list.
func (s *Selector) Rank(ctx context.Context, prompt, operation string) []string {
	available := s.availableBackends(ctx)
	if len(available) == 0 {
		if def := s.registry.DefaultID(); def != "" {
			return []string{def}
		}
		return nil
	}
	if operation == "embed" {
		return available
	}
	return s.rank(ctx, prompt, available)
}

// availableBackends filters the registry by rate-limit probe and sustained
// failure, preserving registration order.
func (s *Selector) availableBackends(ctx context.Context) []string {
	var out []string
	for _, id := range s.registry.IDs() {
		d := s.probe.CheckAndConsume(ctx, probeCategory, id, probeLimit, probeWindow)
		if !d.Allowed {
			continue
		}

		snap := s.metricsSrc.BackendSnapshot(ctx, id)
		if snap.Requests >= failureMinRequests && snap.SuccessRate < failureRateFloor {
			slog.DebugContext(ctx, "selector_backend_failing",
				slog.String("backend", id),
				slog.Float64("success_rate", snap.SuccessRate),
			)
			continue
		}

		out = append(out, id)
	}
	return out
}

// rank scores candidates for prompt and sorts best-first. The sort is a
// stable insertion over registration order so ties keep that order.
func (s *Selector) rank(ctx context.Context, prompt string, candidates []string) []string {
	fp := s.classifier.Fingerprint(prompt)

	type scored struct {
		id    string
		score float64
	}
	list := make([]scored, 0, len(candidates))

	for _, id := range candidates {
		score := s.score(ctx, id, fp)
		list = append(list, scored{id: id, score: score})
	}

	// Insertion sort keeps ties in registration order.
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].score > list[j-1].score; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}

	out := make([]string, len(list))
	for i, sc := range list {
		out[i] = sc.id
	}
	return out
}

// score computes the weighted characteristic average adjusted by live
// success rate and latency, clamped to at least 0.1.
func (s *Selector) score(ctx context.Context, id string, fp Fingerprint) float64 {
	chars, ok := s.chars[id]
	if !ok {
		chars = CharacteristicsForKind("")
	}

	var sum, weightSum float64
	for _, axis := range Axes {
		w := fp.Weights[axis]
		sum += chars[axis] * w
		weightSum += w
	}
	score := sum / weightSum

	snap := s.metricsSrc.BackendSnapshot(ctx, id)

	successFactor := snap.SuccessRate / 100
	score *= clamp(successFactor, 0.1, 1.0)

	latencySec := snap.AvgLatencyMS / 1000
	if latencySec <= 0 {
		latencySec = 1.0
	}
	score *= clamp(1/latencySec, 0.1, 2.0)

	if score < 0.1 {
		score = 0.1
	}
	return score
}

func (s *Selector) recordChoice(id string) {
	if s.prom != nil && id != "" {
		s.prom.RecordSelectorChoice(id)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
