package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/onsmartai/llm-dispatch/internal/backend"
	"github.com/onsmartai/llm-dispatch/internal/cache"
	"github.com/onsmartai/llm-dispatch/internal/metrics"
	"github.com/onsmartai/llm-dispatch/internal/queue"
	"github.com/onsmartai/llm-dispatch/internal/ratelimit"
	"github.com/onsmartai/llm-dispatch/internal/registry"
	"github.com/onsmartai/llm-dispatch/internal/selector"
)

// fakeBackend is an httptest server speaking the completions protocol, with
// call counting and an optional failure mode.
type fakeBackend struct {
	srv   *httptest.Server
	calls atomic.Int64
	fail  atomic.Bool
	reply string
}

func newFakeBackend(t *testing.T, reply string) *fakeBackend {
	t.Helper()

	f := &fakeBackend{reply: reply}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)

		if f.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"upstream exploded"}}`)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/completions":
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"text": f.reply, "finish_reason": "stop"}},
				"usage":   map[string]int{"prompt_tokens": 5, "completion_tokens": 3},
			})
		case "/embeddings":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"index": 0, "embedding": []float32{0.1, 0.2, 0.3}}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

type testEnv struct {
	dispatcher *Dispatcher
	cache      *cache.RedisCache
	queue      *queue.Queue
	recorder   *metrics.Recorder
	mr         *miniredis.Miniredis
}

// newTestEnv wires a full dispatcher over miniredis and the given fake
// backends, registered in order under ids b1, b2, ...
func newTestEnv(t *testing.T, backends ...*fakeBackend) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := cache.NewRedisCacheFromClient(rdb)
	limiter := ratelimit.New(rdb, nil)
	recorder := metrics.NewRecorder(rdb, nil)

	reg := registry.New()
	for i, fb := range backends {
		err := reg.Register(backend.Config{
			ID:             fmt.Sprintf("b%d", i+1),
			Kind:           backend.KindCompletion,
			Endpoint:       fb.srv.URL,
			Model:          "test-model",
			EmbeddingModel: "test-embed",
		})
		if err != nil {
			t.Fatalf("register b%d: %v", i+1, err)
		}
	}

	sel := selector.New(reg, limiter, recorder, nil, selector.Config{})
	q := queue.New(queue.Config{MaxConcurrent: 5, StatsInterval: time.Hour}, nil)
	t.Cleanup(q.Stop)

	d := New(reg, sel, q, c, limiter, recorder, nil, nil, nil, Config{})

	return &testEnv{dispatcher: d, cache: c, queue: q, recorder: recorder, mr: mr}
}

func TestGenerateRoundTrip(t *testing.T) {
	fb := newFakeBackend(t, "the answer")
	env := newTestEnv(t, fb)

	out, err := env.dispatcher.SmartGenerate(context.Background(), GenerateOptions{
		Prompt:    "say something",
		MaxTokens: 16,
		UseCache:  true,
		Priority:  5,
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("SmartGenerate: %v", err)
	}
	if out.Text != "the answer" {
		t.Fatalf("Text = %q, want %q", out.Text, "the answer")
	}
	if out.BackendID != "b1" {
		t.Fatalf("BackendID = %s, want b1", out.BackendID)
	}
	if out.Cached {
		t.Fatal("first call should not be cached")
	}
	if fb.calls.Load() != 1 {
		t.Fatalf("backend called %d times, want 1", fb.calls.Load())
	}
}

// TestCacheHitShortCircuit pre-populates the cache and verifies the hit
// returns without touching the queue or the backend.
func TestCacheHitShortCircuit(t *testing.T) {
	fb := newFakeBackend(t, "should never be called")
	env := newTestEnv(t, fb)
	ctx := context.Background()

	key := generateKey("", "what is 2+2", 16, 0)
	if err := env.cache.Set(ctx, key, []byte("4"), time.Hour); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	out, err := env.dispatcher.SmartGenerate(ctx, GenerateOptions{
		Prompt:    "what is 2+2",
		MaxTokens: 16,
		UseCache:  true,
		Priority:  5,
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("SmartGenerate: %v", err)
	}
	if out.Text != "4" {
		t.Fatalf("Text = %q, want 4", out.Text)
	}
	if !out.Cached {
		t.Fatal("expected cached result")
	}
	if fb.calls.Load() != 0 {
		t.Fatalf("backend called %d times, want 0", fb.calls.Load())
	}

	st := env.queue.Status()
	if len(st.Backends) != 0 {
		t.Fatalf("queue executed tasks on a cache hit: %+v", st.Backends)
	}
}

func TestSecondCallServedFromCache(t *testing.T) {
	fb := newFakeBackend(t, "cache me")
	env := newTestEnv(t, fb)
	ctx := context.Background()

	opts := GenerateOptions{
		Prompt:   "repeatable prompt",
		UseCache: true,
		Priority: 5,
		Timeout:  5 * time.Second,
	}

	if _, err := env.dispatcher.SmartGenerate(ctx, opts); err != nil {
		t.Fatalf("first SmartGenerate: %v", err)
	}
	out, err := env.dispatcher.SmartGenerate(ctx, opts)
	if err != nil {
		t.Fatalf("second SmartGenerate: %v", err)
	}
	if !out.Cached {
		t.Fatal("second call should hit the cache")
	}
	if fb.calls.Load() != 1 {
		t.Fatalf("backend called %d times, want 1", fb.calls.Load())
	}
}

// TestRateLimitTrip issues 61 non-cached generates for one caller and
// expects the 61st to be denied with a usable retry_after.
func TestRateLimitTrip(t *testing.T) {
	fb := newFakeBackend(t, "ok")
	env := newTestEnv(t, fb)
	ctx := context.Background()

	for i := 1; i <= 60; i++ {
		_, err := env.dispatcher.SmartGenerate(ctx, GenerateOptions{
			Prompt:   fmt.Sprintf("prompt %d", i),
			CallerID: "u1",
			Priority: 5,
			Timeout:  5 * time.Second,
		})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	_, err := env.dispatcher.SmartGenerate(ctx, GenerateOptions{
		Prompt:   "prompt 61",
		CallerID: "u1",
		Priority: 5,
		Timeout:  5 * time.Second,
	})

	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("call 61 error = %v, want RateLimitedError", err)
	}
	if ra := rle.RetryAfter(); ra <= 0 || ra > 60 {
		t.Fatalf("RetryAfter = %d, want in (0, 60]", ra)
	}
	if fb.calls.Load() != 60 {
		t.Fatalf("backend called %d times, want 60", fb.calls.Load())
	}
}

func TestResetRateLimit(t *testing.T) {
	fb := newFakeBackend(t, "ok")
	env := newTestEnv(t, fb)
	ctx := context.Background()

	cfg := env.dispatcher.cfg
	for i := 0; i < cfg.GenerateLimit; i++ {
		if _, err := env.dispatcher.SmartGenerate(ctx, GenerateOptions{
			Prompt:   fmt.Sprintf("p%d", i),
			CallerID: "u2",
			Priority: 5,
			Timeout:  5 * time.Second,
		}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	if err := env.dispatcher.ResetRateLimit(ctx, "u2"); err != nil {
		t.Fatalf("ResetRateLimit: %v", err)
	}

	if _, err := env.dispatcher.SmartGenerate(ctx, GenerateOptions{
		Prompt:   "after reset",
		CallerID: "u2",
		Priority: 5,
		Timeout:  5 * time.Second,
	}); err != nil {
		t.Fatalf("call after reset: %v", err)
	}
}

// TestBackendFallback fails b1 with a 5xx and expects the request to be
// served by b2, with metrics recorded for both attempts.
func TestBackendFallback(t *testing.T) {
	b1 := newFakeBackend(t, "from b1")
	b2 := newFakeBackend(t, "from b2")
	b1.fail.Store(true)

	env := newTestEnv(t, b1, b2)
	ctx := context.Background()

	out, err := env.dispatcher.SmartGenerate(ctx, GenerateOptions{
		Prompt:   "hi",
		Priority: 5,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("SmartGenerate: %v", err)
	}
	if out.Text != "from b2" {
		t.Fatalf("Text = %q, want from b2", out.Text)
	}
	if out.BackendID != "b2" {
		t.Fatalf("BackendID = %s, want b2", out.BackendID)
	}
	if b1.calls.Load() != 1 || b2.calls.Load() != 1 {
		t.Fatalf("calls = (b1: %d, b2: %d), want (1, 1)", b1.calls.Load(), b2.calls.Load())
	}

	date := time.Now().UTC().Format("2006-01-02")
	aggB1, err := env.recorder.GetAggregates(ctx, "b1", "generate", date)
	if err != nil {
		t.Fatalf("aggregates b1: %v", err)
	}
	if aggB1.Requests != 1 || aggB1.Successes != 0 {
		t.Fatalf("b1 aggregates = %+v, want 1 request, 0 successes", aggB1)
	}

	aggB2, err := env.recorder.GetAggregates(ctx, "b2", "generate", date)
	if err != nil {
		t.Fatalf("aggregates b2: %v", err)
	}
	if aggB2.Requests != 1 || aggB2.Successes != 1 {
		t.Fatalf("b2 aggregates = %+v, want 1 successful request", aggB2)
	}
}

// TestNonRetryableStopsFallback returns a 400 from b1 and expects no attempt
// against b2.
func TestNonRetryableStopsFallback(t *testing.T) {
	b1srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad prompt"}}`)
	}))
	t.Cleanup(b1srv.Close)
	b1 := &fakeBackend{srv: b1srv}
	b2 := newFakeBackend(t, "from b2")

	env := newTestEnv(t, b1, b2)

	_, err := env.dispatcher.SmartGenerate(context.Background(), GenerateOptions{
		Prompt:   "hi",
		Priority: 5,
		Timeout:  5 * time.Second,
	})
	if err == nil {
		t.Fatal("expected error from non-retryable failure")
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error = %T, want ExhaustedError", err)
	}
	if b2.calls.Load() != 0 {
		t.Fatalf("b2 called %d times after a 4xx, want 0", b2.calls.Load())
	}
}

func TestPreferredBackendWins(t *testing.T) {
	b1 := newFakeBackend(t, "from b1")
	b2 := newFakeBackend(t, "from b2")
	env := newTestEnv(t, b1, b2)

	out, err := env.dispatcher.SmartGenerate(context.Background(), GenerateOptions{
		Prompt:           "hi",
		PreferredBackend: "b2",
		Priority:         5,
		Timeout:          5 * time.Second,
	})
	if err != nil {
		t.Fatalf("SmartGenerate: %v", err)
	}
	if out.BackendID != "b2" {
		t.Fatalf("BackendID = %s, want preferred b2", out.BackendID)
	}
	if b1.calls.Load() != 0 {
		t.Fatalf("b1 called %d times, want 0", b1.calls.Load())
	}
}

func TestEmbedRoundTripAndCache(t *testing.T) {
	fb := newFakeBackend(t, "unused")
	env := newTestEnv(t, fb)
	ctx := context.Background()

	opts := EmbedOptions{
		Texts:    []string{"embed this"},
		UseCache: true,
		Priority: 5,
		Timeout:  5 * time.Second,
	}

	out, err := env.dispatcher.SmartEmbed(ctx, opts)
	if err != nil {
		t.Fatalf("SmartEmbed: %v", err)
	}
	if out.Dimensions != 3 {
		t.Fatalf("Dimensions = %d, want 3", out.Dimensions)
	}
	if out.Cached {
		t.Fatal("first embed should not be cached")
	}

	out, err = env.dispatcher.SmartEmbed(ctx, opts)
	if err != nil {
		t.Fatalf("second SmartEmbed: %v", err)
	}
	if !out.Cached {
		t.Fatal("second embed should hit the cache")
	}
	if len(out.Vectors) != 1 || len(out.Vectors[0]) != 3 {
		t.Fatalf("cached vectors shape = %dx%d, want 1x3", len(out.Vectors), len(out.Vectors[0]))
	}
	if fb.calls.Load() != 1 {
		t.Fatalf("backend called %d times, want 1", fb.calls.Load())
	}
}

func TestFlushTenant(t *testing.T) {
	fb := newFakeBackend(t, "tenant data")
	env := newTestEnv(t, fb)
	ctx := context.Background()

	// Two tenants, one cached generate each.
	for _, caller := range []string{"t1", "t2"} {
		if _, err := env.dispatcher.SmartGenerate(ctx, GenerateOptions{
			Prompt:   "shared prompt",
			CallerID: caller,
			UseCache: true,
			Priority: 5,
			Timeout:  5 * time.Second,
		}); err != nil {
			t.Fatalf("generate for %s: %v", caller, err)
		}
	}

	n, err := env.dispatcher.FlushTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("FlushTenant: %v", err)
	}
	if n != 1 {
		t.Fatalf("flushed %d keys, want 1", n)
	}

	// t1 misses the cache now; t2 still hits.
	out, err := env.dispatcher.SmartGenerate(ctx, GenerateOptions{
		Prompt:   "shared prompt",
		CallerID: "t1",
		UseCache: true,
		Priority: 5,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("t1 regenerate: %v", err)
	}
	if out.Cached {
		t.Fatal("t1 should miss after flush")
	}

	out, err = env.dispatcher.SmartGenerate(ctx, GenerateOptions{
		Prompt:   "shared prompt",
		CallerID: "t2",
		UseCache: true,
		Priority: 5,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("t2 regenerate: %v", err)
	}
	if !out.Cached {
		t.Fatal("t2 cache should survive t1's flush")
	}
}

// TestCancelReachesBackendCall cancels the caller context while the backend
// is mid-request and expects the upstream HTTP call to be torn down rather
// than run to completion.
func TestCancelReachesBackendCall(t *testing.T) {
	started := make(chan struct{})
	sawCancel := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		close(started)
		select {
		case <-r.Context().Done():
			close(sawCancel)
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	env := newTestEnv(t, &fakeBackend{srv: srv})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := env.dispatcher.SmartGenerate(ctx, GenerateOptions{
		Prompt:   "slow request",
		Priority: 5,
		Timeout:  10 * time.Second,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SmartGenerate error = %v, want context.Canceled", err)
	}

	select {
	case <-sawCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("backend request ran on after the caller cancelled")
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 1},
		{"one", 2},
		{"a b c", 4},
		{"one two three four five six seven eight nine ten", 13},
	}
	for _, tc := range cases {
		if got := estimateTokens(tc.text); got != tc.want {
			t.Fatalf("estimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}
