package local

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onsmartai/llm-dispatch/internal/backend"
)

// newSlowUpstream serves completions with an artificial delay while tracking
// the peak number of concurrent requests.
func newSlowUpstream(t *testing.T, delay time.Duration) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var inflight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}

		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"text": "ok", "finish_reason": "stop"}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &peak
}

func TestGenerateBoundsLocalConcurrency(t *testing.T) {
	srv, peak := newSlowUpstream(t, 50*time.Millisecond)

	c := New(backend.Config{
		ID:                  "local-1",
		Kind:                backend.KindLocal,
		Endpoint:            srv.URL,
		Model:               "local-model",
		MaxLocalConcurrency: 1,
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Generate(context.Background(), &backend.GenerateRequest{Prompt: "hi"}); err != nil {
				t.Errorf("Generate: %v", err)
			}
		}()
	}
	wg.Wait()

	if p := peak.Load(); p != 1 {
		t.Fatalf("peak upstream concurrency = %d, want 1", p)
	}
}

func TestGenerateAcquireHonorsContext(t *testing.T) {
	srv, _ := newSlowUpstream(t, 200*time.Millisecond)

	c := New(backend.Config{
		ID:                  "local-2",
		Endpoint:            srv.URL,
		Model:               "local-model",
		MaxLocalConcurrency: 1,
	})

	// Occupy the only slot.
	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = c.Generate(context.Background(), &backend.GenerateRequest{Prompt: "slow"})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Generate(ctx, &backend.GenerateRequest{Prompt: "blocked"})
	if err == nil {
		t.Fatal("expected context error while waiting for a slot")
	}
}

func TestKindAndID(t *testing.T) {
	c := New(backend.Config{ID: "local-3", Endpoint: "http://unused", Model: "m"})
	if c.ID() != "local-3" {
		t.Fatalf("ID = %s", c.ID())
	}
	if c.Kind() != backend.KindLocal {
		t.Fatalf("Kind = %s", c.Kind())
	}
}
