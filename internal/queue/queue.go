// Package queue implements the bounded-concurrency priority scheduler that
// executes dispatch tasks.
//
// Ordering is (priority ascending, enqueue order): priority 1 runs before
// priority 10, and equal priorities run FIFO. A single dispatcher goroutine
// owns the heap; it acquires a concurrency slot before popping so that a
// high-priority task enqueued while the dispatcher waits is still picked
// first when a slot frees up.
//
// Tasks carry two deadlines: the admission deadline (time allowed in the
// heap before execution starts) and the execution deadline (whatever is left
// of the task timeout once a worker picks it up, floored at 100ms).
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/onsmartai/llm-dispatch/internal/metrics"
)

// Status is a task's terminal state.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

const (
	DefaultMaxConcurrent = 5
	DefaultExecTimeout   = 500 * time.Second
	DefaultStatsInterval = 30 * time.Second

	// minExecBudget is the floor for the execution deadline: a task that
	// barely survives admission still gets a real chance to run.
	minExecBudget = 100 * time.Millisecond

	minPriority = 1
	maxPriority = 10
)

// ErrStopped is delivered to tasks still pending when the queue shuts down.
var ErrStopped = errors.New("queue: stopped")

// AdmissionTimeoutError means the task expired in the heap before a worker
// picked it up; its work closure was never invoked.
type AdmissionTimeoutError struct {
	TaskID string
	Waited time.Duration
}

func (e *AdmissionTimeoutError) Error() string {
	return fmt.Sprintf("queue: task %s expired after %s in queue", e.TaskID, e.Waited)
}

// ExecutionTimeoutError means the work closure ran out of its execution
// budget.
type ExecutionTimeoutError struct {
	TaskID string
	Budget time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("queue: task %s exceeded execution budget %s", e.TaskID, e.Budget)
}

// Work is the task body. The context carries the execution deadline and the
// enqueuer's cancellation; implementations must honor it.
type Work func(ctx context.Context) (any, error)

// Result is delivered exactly once per task on its sink channel.
type Result struct {
	Status  Status
	Value   any
	Err     error
	Waited  time.Duration
	Elapsed time.Duration
}

type task struct {
	id          string
	ctx         context.Context
	priority    int
	created     time.Time
	seq         uint64
	execTimeout time.Duration
	backendID   string
	kind        string
	work        Work
	result      chan Result
}

// taskHeap orders by (priority asc, seq asc). seq is a monotonic enqueue
// counter, so equal priorities stay FIFO.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Queue is the scheduler.
type Queue struct {
	mu    sync.Mutex
	heap  taskHeap
	seq   uint64
	stats *statsTable

	sem           *semaphore.Weighted
	maxConcurrent int
	inFlight      atomic.Int64

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool

	prom          *metrics.Registry
	statsInterval time.Duration
}

// Config carries queue construction options. Zero values fall back to
// defaults.
type Config struct {
	MaxConcurrent int
	StatsInterval time.Duration
}

// New creates a Queue. prom may be nil.
func New(cfg Config, prom *metrics.Registry) *Queue {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	statsInterval := cfg.StatsInterval
	if statsInterval <= 0 {
		statsInterval = DefaultStatsInterval
	}

	return &Queue{
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: maxConcurrent,
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
		stats:         newStatsTable(),
		prom:          prom,
		statsInterval: statsInterval,
	}
}

// Start launches the dispatcher and stats emitter. Idempotent.
func (q *Queue) Start() {
	if q.started.Swap(true) {
		return
	}
	go q.dispatch()
	go q.emitStats()
}

// Enqueue adds a task and returns its id plus the single-consumer result
// sink. Auto-starts the queue on first use. ctx is carried onto the task:
// cancelling it cancels a run already in progress. priority is clamped to
// [1,10] and a non-positive execTimeout falls back to the default.
func (q *Queue) Enqueue(ctx context.Context, work Work, priority int, execTimeout time.Duration, backendID, kind string) (string, <-chan Result, error) {
	if work == nil {
		return "", nil, errors.New("queue: nil work")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if priority < minPriority {
		priority = minPriority
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	if execTimeout <= 0 {
		execTimeout = DefaultExecTimeout
	}

	t := &task{
		id:          uuid.NewString(),
		ctx:         ctx,
		priority:    priority,
		created:     time.Now(),
		execTimeout: execTimeout,
		backendID:   backendID,
		kind:        kind,
		work:        work,
		result:      make(chan Result, 1),
	}

	// The stopped check must share the heap lock: Stop drains the heap under
	// q.mu, so a push that sneaks in after the drain would strand its sink.
	q.mu.Lock()
	if q.stopped.Load() {
		q.mu.Unlock()
		return "", nil, ErrStopped
	}
	q.seq++
	t.seq = q.seq
	heap.Push(&q.heap, t)
	depth := q.heap.Len()
	q.mu.Unlock()

	if q.prom != nil {
		q.prom.SetQueueDepth(depth)
	}

	q.Start()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return t.id, t.result, nil
}

// dispatch is the single goroutine that owns heap pops. It holds a
// concurrency slot before popping so the freshest priorities win the slot.
func (q *Queue) dispatch() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-q.done
		cancel()
	}()

	for {
		select {
		case <-q.done:
			return
		default:
		}

		if !q.hasPending() {
			select {
			case <-q.notify:
			case <-time.After(50 * time.Millisecond):
			case <-q.done:
				return
			}
			continue
		}

		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}

		t := q.pop()
		if t == nil {
			q.sem.Release(1)
			continue
		}

		waited := time.Since(t.created)
		if t.ctx.Err() != nil {
			q.sem.Release(1)
			q.discard(t, waited)
			continue
		}
		if waited > t.execTimeout {
			q.sem.Release(1)
			q.expire(t, waited)
			continue
		}

		q.wg.Add(1)
		q.inFlight.Add(1)
		if q.prom != nil {
			q.prom.SetQueueInFlight(int(q.inFlight.Load()))
			q.prom.ObserveQueueWait(fmt.Sprint(t.priority), waited)
		}
		go q.run(t, waited)
	}
}

func (q *Queue) hasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len() > 0
}

func (q *Queue) pop() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil
	}
	t := heap.Pop(&q.heap).(*task)
	if q.prom != nil {
		q.prom.SetQueueDepth(q.heap.Len())
	}
	return t
}

// expire marks a task queue-expired without invoking its work.
func (q *Queue) expire(t *task, waited time.Duration) {
	err := &AdmissionTimeoutError{TaskID: t.id, Waited: waited}
	q.stats.record(t.backendID, StatusTimeout, waited, 0)
	slog.Warn("queue_task_expired",
		slog.String("task_id", t.id),
		slog.String("backend", t.backendID),
		slog.Duration("waited", waited),
	)
	t.result <- Result{Status: StatusTimeout, Err: err, Waited: waited}
}

// discard drops a task whose enqueuer cancelled while it sat in the heap;
// its work is never invoked.
func (q *Queue) discard(t *task, waited time.Duration) {
	q.stats.record(t.backendID, StatusFailed, waited, 0)
	t.result <- Result{Status: StatusFailed, Err: t.ctx.Err(), Waited: waited}
}

// run executes one task with whatever budget its timeout has left.
func (q *Queue) run(t *task, waited time.Duration) {
	defer func() {
		q.inFlight.Add(-1)
		if q.prom != nil {
			q.prom.SetQueueInFlight(int(q.inFlight.Load()))
		}
		q.sem.Release(1)
		q.wg.Done()
	}()

	budget := t.execTimeout - waited
	if budget < minExecBudget {
		budget = minExecBudget
	}

	ctx, cancel := context.WithTimeout(t.ctx, budget)
	defer cancel()

	start := time.Now()
	value, err := t.work(ctx)
	elapsed := time.Since(start)

	res := Result{Value: value, Err: err, Waited: waited, Elapsed: elapsed}
	switch {
	case err == nil:
		res.Status = StatusCompleted
	case t.ctx.Err() != nil:
		// The enqueuer cancelled (or its own deadline fired) mid-run; not an
		// execution-budget timeout.
		res.Status = StatusFailed
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.Err = &ExecutionTimeoutError{TaskID: t.id, Budget: budget}
	default:
		res.Status = StatusFailed
	}

	q.stats.record(t.backendID, res.Status, waited, elapsed)
	t.result <- res
}

// Stop refuses new tasks, fails everything still pending, and waits for
// in-flight workers to finish.
func (q *Queue) Stop() {
	if q.stopped.Swap(true) {
		return
	}

	q.mu.Lock()
	pending := make([]*task, len(q.heap))
	copy(pending, q.heap)
	q.heap = q.heap[:0]
	q.mu.Unlock()

	close(q.done)

	for _, t := range pending {
		t.result <- Result{Status: StatusFailed, Err: ErrStopped}
	}

	q.wg.Wait()
}

// StatusSnapshot is the queue's externally visible state.
type StatusSnapshot struct {
	Pending       int                     `json:"pending"`
	InFlight      int                     `json:"in_flight"`
	MaxConcurrent int                     `json:"max_concurrent"`
	Backends      map[string]BackendStats `json:"backends"`
}

// Status reports pending count, in-flight count, and per-backend stats.
func (q *Queue) Status() StatusSnapshot {
	q.mu.Lock()
	pending := q.heap.Len()
	q.mu.Unlock()

	return StatusSnapshot{
		Pending:       pending,
		InFlight:      int(q.inFlight.Load()),
		MaxConcurrent: q.maxConcurrent,
		Backends:      q.stats.snapshot(),
	}
}

// emitStats logs a scheduler snapshot every statsInterval.
func (q *Queue) emitStats() {
	ticker := time.NewTicker(q.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			st := q.Status()
			slog.Info("queue_stats",
				slog.Int("pending", st.Pending),
				slog.Int("in_flight", st.InFlight),
				slog.Int("max_concurrent", st.MaxConcurrent),
				slog.Float64("slot_utilization", float64(st.InFlight)/float64(st.MaxConcurrent)),
				slog.Int("backends", len(st.Backends)),
			)
		}
	}
}
