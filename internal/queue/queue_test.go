package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, maxConcurrent int) *Queue {
	t.Helper()
	q := New(Config{MaxConcurrent: maxConcurrent, StatsInterval: time.Hour}, nil)
	t.Cleanup(q.Stop)
	return q
}

// blockSlot enqueues a task that holds one concurrency slot until release is
// closed, and returns once the task is running.
func blockSlot(t *testing.T, q *Queue) (release chan struct{}) {
	t.Helper()

	release = make(chan struct{})
	running := make(chan struct{})

	_, res, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		close(running)
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, 5, time.Minute, "blocker", "generate")
	if err != nil {
		t.Fatalf("enqueue blocker: %v", err)
	}
	go func() { <-res }()

	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker never started")
	}
	return release
}

func TestEnqueueAndComplete(t *testing.T) {
	q := newTestQueue(t, 2)

	id, res, err := q.Enqueue(context.Background(), func(context.Context) (any, error) {
		return "hello", nil
	}, 5, time.Minute, "b1", "generate")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty task id")
	}

	r := <-res
	if r.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed (err: %v)", r.Status, r.Err)
	}
	if r.Value != "hello" {
		t.Fatalf("Value = %v, want hello", r.Value)
	}
}

func TestWorkErrorMarksFailed(t *testing.T) {
	q := newTestQueue(t, 1)

	boom := errors.New("boom")
	_, res, err := q.Enqueue(context.Background(), func(context.Context) (any, error) {
		return nil, boom
	}, 5, time.Minute, "b1", "generate")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := <-res
	if r.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", r.Status)
	}
	if !errors.Is(r.Err, boom) {
		t.Fatalf("Err = %v, want boom", r.Err)
	}
}

// TestPriorityOrdering pins the single slot, enqueues priority 7 then two
// priority 3 tasks, and expects execution order 3, 3, 7 with the equal
// priorities FIFO.
func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(t, 1)
	release := blockSlot(t, q)

	var mu sync.Mutex
	var order []string

	enqueue := func(name string, priority int) <-chan Result {
		_, res, err := q.Enqueue(context.Background(), func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}, priority, time.Minute, "b1", "generate")
		if err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
		return res
	}

	resA := enqueue("A", 7)
	resB := enqueue("B", 3)
	resC := enqueue("C", 3)

	close(release)

	for name, res := range map[string]<-chan Result{"A": resA, "B": resB, "C": resC} {
		select {
		case r := <-res:
			if r.Status != StatusCompleted {
				t.Fatalf("task %s status = %s", name, r.Status)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("task %s never finished", name)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"B", "C", "A"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := newTestQueue(t, 1)
	release := blockSlot(t, q)

	var mu sync.Mutex
	var order []int
	var sinks []<-chan Result

	for i := 0; i < 5; i++ {
		i := i
		_, res, err := q.Enqueue(context.Background(), func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}, 5, time.Minute, "b1", "generate")
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		sinks = append(sinks, res)
	}

	close(release)
	for _, res := range sinks {
		<-res
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 5; i++ {
		if order[i] != i {
			t.Fatalf("order = %v, want enqueue order", order)
		}
	}
}

// TestAdmissionTimeout verifies that a task expiring in the heap is marked
// timeout without its work ever being invoked.
func TestAdmissionTimeout(t *testing.T) {
	q := newTestQueue(t, 1)
	release := blockSlot(t, q)

	var invoked atomic.Bool
	_, res, err := q.Enqueue(context.Background(), func(context.Context) (any, error) {
		invoked.Store(true)
		return nil, nil
	}, 5, 100*time.Millisecond, "b1", "generate")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	close(release)

	r := <-res
	if r.Status != StatusTimeout {
		t.Fatalf("Status = %s, want timeout", r.Status)
	}
	var ate *AdmissionTimeoutError
	if !errors.As(r.Err, &ate) {
		t.Fatalf("Err = %T, want AdmissionTimeoutError", r.Err)
	}
	if invoked.Load() {
		t.Fatal("work was invoked for an expired task")
	}
}

func TestExecutionTimeout(t *testing.T) {
	q := newTestQueue(t, 1)

	_, res, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 5, 200*time.Millisecond, "b1", "generate")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := <-res
	if r.Status != StatusTimeout {
		t.Fatalf("Status = %s, want timeout", r.Status)
	}
	var ete *ExecutionTimeoutError
	if !errors.As(r.Err, &ete) {
		t.Fatalf("Err = %T, want ExecutionTimeoutError", r.Err)
	}
}

// TestCancelReachesRunningWork cancels the enqueuer's context while the task
// is executing and expects the work context to be cancelled with it.
func TestCancelReachesRunningWork(t *testing.T) {
	q := newTestQueue(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	running := make(chan struct{})
	_, res, err := q.Enqueue(ctx, func(ctx context.Context) (any, error) {
		close(running)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, errors.New("work never saw cancellation")
		}
	}, 5, time.Minute, "b1", "generate")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}
	cancel()

	select {
	case r := <-res:
		if r.Status != StatusFailed {
			t.Fatalf("Status = %s, want failed", r.Status)
		}
		if !errors.Is(r.Err, context.Canceled) {
			t.Fatalf("Err = %v, want context.Canceled", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result after cancellation")
	}
}

// TestCancelledBeforeRunSkipsWork enqueues with an already-cancelled context
// and expects the work to never be invoked.
func TestCancelledBeforeRunSkipsWork(t *testing.T) {
	q := newTestQueue(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var invoked atomic.Bool
	_, res, err := q.Enqueue(ctx, func(context.Context) (any, error) {
		invoked.Store(true)
		return nil, nil
	}, 5, time.Minute, "b1", "generate")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := <-res
	if r.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", r.Status)
	}
	if !errors.Is(r.Err, context.Canceled) {
		t.Fatalf("Err = %v, want context.Canceled", r.Err)
	}
	if invoked.Load() {
		t.Fatal("work was invoked for a cancelled task")
	}
}

// TestStopRacesEnqueue hammers Enqueue while Stop runs: every accepted task
// must still deliver a result, and every rejection must be ErrStopped.
func TestStopRacesEnqueue(t *testing.T) {
	q := New(Config{MaxConcurrent: 2, StatsInterval: time.Hour}, nil)
	q.Start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, res, err := q.Enqueue(context.Background(), func(context.Context) (any, error) {
					return nil, nil
				}, 5, time.Minute, "b1", "generate")
				if err != nil {
					if !errors.Is(err, ErrStopped) {
						t.Errorf("Enqueue error = %v, want ErrStopped", err)
					}
					return
				}
				select {
				case <-res:
				case <-time.After(5 * time.Second):
					t.Error("accepted task never delivered a result")
					return
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Stop()
	wg.Wait()
}

// TestConcurrencyCeiling runs more tasks than slots and checks that the
// observed parallelism never exceeds max_concurrent.
func TestConcurrencyCeiling(t *testing.T) {
	const slots = 2
	q := newTestQueue(t, slots)

	var current, peak atomic.Int64
	var sinks []<-chan Result

	for i := 0; i < 8; i++ {
		_, res, err := q.Enqueue(context.Background(), func(context.Context) (any, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			current.Add(-1)
			return nil, nil
		}, 5, time.Minute, "b1", "generate")
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		sinks = append(sinks, res)
	}

	for _, res := range sinks {
		<-res
	}

	if p := peak.Load(); p > slots {
		t.Fatalf("observed %d concurrent tasks, ceiling is %d", p, slots)
	}
}

func TestStopFailsPending(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, StatsInterval: time.Hour}, nil)
	release := blockSlot(t, q)

	_, res, err := q.Enqueue(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	}, 5, time.Minute, "b1", "generate")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stopDone := make(chan struct{})
	go func() {
		q.Stop()
		close(stopDone)
	}()

	r := <-res
	if r.Status != StatusFailed {
		t.Fatalf("pending task status = %s, want failed", r.Status)
	}
	if !errors.Is(r.Err, ErrStopped) {
		t.Fatalf("Err = %v, want ErrStopped", r.Err)
	}

	close(release)
	<-stopDone

	if _, _, err := q.Enqueue(context.Background(), func(context.Context) (any, error) { return nil, nil }, 5, time.Minute, "b1", "generate"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop = %v, want ErrStopped", err)
	}
}

func TestStatus(t *testing.T) {
	q := newTestQueue(t, 1)
	release := blockSlot(t, q)

	_, res, err := q.Enqueue(context.Background(), func(context.Context) (any, error) { return nil, nil }, 5, time.Minute, "b1", "generate")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	st := q.Status()
	if st.InFlight != 1 {
		t.Fatalf("InFlight = %d, want 1", st.InFlight)
	}
	if st.Pending != 1 {
		t.Fatalf("Pending = %d, want 1", st.Pending)
	}
	if st.MaxConcurrent != 1 {
		t.Fatalf("MaxConcurrent = %d, want 1", st.MaxConcurrent)
	}

	close(release)
	<-res

	st = q.Status()
	if b, ok := st.Backends["b1"]; !ok || b.Completed != 1 {
		t.Fatalf("Backends[b1] = %+v, want 1 completion", b)
	}
}
