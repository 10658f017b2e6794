package dispatch

import (
	"sync"
	"time"
)

// breakerState is the operational state of a per-backend circuit breaker.
//
//	breakerClosed   — normal operation; all requests pass through.
//	breakerOpen     — backend is failing; requests are rejected immediately.
//	breakerHalfOpen — recovery probe; one request is allowed through.
type breakerState int

const (
	breakerClosed   breakerState = 0
	breakerOpen     breakerState = 1
	breakerHalfOpen breakerState = 2
)

const (
	defaultErrorThreshold  = 5
	defaultTimeWindow      = 60 * time.Second
	defaultHalfOpenTimeout = 30 * time.Second
)

// BreakerConfig holds circuit breaker tuning parameters. Zero values fall
// back to the package defaults.
type BreakerConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

func (c *BreakerConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultErrorThreshold
}

func (c *BreakerConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultTimeWindow
}

func (c *BreakerConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultHalfOpenTimeout
}

// backendBreaker holds per-backend breaker state.
type backendBreaker struct {
	mu sync.Mutex

	state         breakerState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// circuitBreaker manages independent breakers per backend id. Safe for
// concurrent use.
type circuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*backendBreaker
	cfg      BreakerConfig
}

func newCircuitBreaker(backendIDs []string, cfg BreakerConfig) *circuitBreaker {
	cb := &circuitBreaker{
		breakers: make(map[string]*backendBreaker, len(backendIDs)),
		cfg:      cfg,
	}
	for _, id := range backendIDs {
		cb.breakers[id] = &backendBreaker{
			state:       breakerClosed,
			windowStart: time.Now(),
		}
	}
	return cb
}

// Allow reports whether the named backend should receive the next request.
//
//   - Closed → always true.
//   - Open → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
//
// Returns true for unknown backends.
func (cb *circuitBreaker) Allow(backendID string) bool {
	b := cb.get(backendID)
	if b == nil {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true

	case breakerOpen:
		if time.Since(b.openedAt) >= cb.cfg.halfOpenTimeout() {
			b.state = breakerHalfOpen
			b.probeInflight = true
			return true
		}
		return false

	case breakerHalfOpen:
		if b.probeInflight {
			return false
		}
		b.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the breaker to Closed regardless of its previous
// state.
func (cb *circuitBreaker) RecordSuccess(backendID string) {
	b := cb.get(backendID)
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = breakerClosed
	b.errorCount = 0
	b.probeInflight = false
	b.windowStart = time.Now()
}

// RecordFailure counts one error; the breaker opens when the count reaches
// the threshold within the rolling window.
func (cb *circuitBreaker) RecordFailure(backendID string) {
	b := cb.get(backendID)
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Sub(b.windowStart) > cb.cfg.timeWindow() {
		b.errorCount = 0
		b.windowStart = now
	}

	b.errorCount++
	b.probeInflight = false

	if b.errorCount >= cb.cfg.errorThreshold() {
		b.state = breakerOpen
		b.openedAt = now
	}
}

// State returns the current breaker state for metrics export.
func (cb *circuitBreaker) State(backendID string) breakerState {
	b := cb.get(backendID)
	if b == nil {
		return breakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StateLabel returns "closed", "open", or "half_open".
func (cb *circuitBreaker) StateLabel(backendID string) string {
	switch cb.State(backendID) {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *circuitBreaker) get(backendID string) *backendBreaker {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[backendID]
}
