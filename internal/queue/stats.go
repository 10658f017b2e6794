package queue

import (
	"sync"
	"time"
)

const recentWindow = 1000

// BackendStats is the rolling per-backend execution summary.
type BackendStats struct {
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Timeouts     int     `json:"timeouts"`
	AvgWaitMS    float64 `json:"avg_wait_ms"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// completion is one finished task, kept in the recent ring.
type completion struct {
	backendID string
	status    Status
	waited    time.Duration
	elapsed   time.Duration
	at        time.Time
}

// statsTable aggregates worker outcomes. Writers are the workers; readers
// are Status and the stats emitter.
type statsTable struct {
	mu       sync.Mutex
	backends map[string]*backendAccum

	recent []completion
	next   int
	filled bool
}

type backendAccum struct {
	completed  int
	failed     int
	timeouts   int
	waitSum    time.Duration
	elapsedSum time.Duration
}

func newStatsTable() *statsTable {
	return &statsTable{
		backends: make(map[string]*backendAccum),
		recent:   make([]completion, recentWindow),
	}
}

func (s *statsTable) record(backendID string, status Status, waited, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.backends[backendID]
	if !ok {
		acc = &backendAccum{}
		s.backends[backendID] = acc
	}

	switch status {
	case StatusCompleted:
		acc.completed++
	case StatusTimeout:
		acc.timeouts++
	default:
		acc.failed++
	}
	acc.waitSum += waited
	acc.elapsedSum += elapsed

	s.recent[s.next] = completion{
		backendID: backendID,
		status:    status,
		waited:    waited,
		elapsed:   elapsed,
		at:        time.Now(),
	}
	s.next = (s.next + 1) % recentWindow
	if s.next == 0 {
		s.filled = true
	}
}

func (s *statsTable) snapshot() map[string]BackendStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]BackendStats, len(s.backends))
	for id, acc := range s.backends {
		total := acc.completed + acc.failed + acc.timeouts
		st := BackendStats{
			Completed: acc.completed,
			Failed:    acc.failed,
			Timeouts:  acc.timeouts,
		}
		if total > 0 {
			st.AvgWaitMS = float64(acc.waitSum.Milliseconds()) / float64(total)
			st.AvgLatencyMS = float64(acc.elapsedSum.Milliseconds()) / float64(total)
		}
		out[id] = st
	}
	return out
}

// recentCount returns how many completions the ring currently holds.
func (s *statsTable) recentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filled {
		return recentWindow
	}
	return s.next
}
