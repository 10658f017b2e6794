// Package dispatch implements the smart dispatcher: the single entry point
// that glues cache, rate limiting, backend selection, the priority queue,
// and the adapters into SmartGenerate / SmartEmbed.
//
// Non-streaming requests flow cache → rate limit → selection → queue →
// adapter, with bounded fallback across ranked backends. Streaming requests
// bypass the queue and the cache and never fall back once chunks are
// flowing.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onsmartai/llm-dispatch/internal/backend"
	"github.com/onsmartai/llm-dispatch/internal/cache"
	"github.com/onsmartai/llm-dispatch/internal/logger"
	"github.com/onsmartai/llm-dispatch/internal/metrics"
	"github.com/onsmartai/llm-dispatch/internal/queue"
	"github.com/onsmartai/llm-dispatch/internal/ratelimit"
	"github.com/onsmartai/llm-dispatch/internal/registry"
	"github.com/onsmartai/llm-dispatch/internal/selector"
)

const (
	categoryGenerate = "generate"
	categoryEmbed    = "embed"

	DefaultGenerateLimit = 60
	DefaultEmbedLimit    = 120
	DefaultLimitWindow   = time.Minute
	DefaultGenerateTTL   = time.Hour
	DefaultEmbedTTL      = 24 * time.Hour
	DefaultMaxAttempts   = 3
)

// Config tunes the dispatcher. Zero values fall back to the defaults above.
type Config struct {
	GenerateLimit       int
	EmbedLimit          int
	LimitWindow         time.Duration
	GenerateTTL         time.Duration
	EmbedTTL            time.Duration
	MaxFallbackAttempts int
	Breaker             BreakerConfig
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.GenerateLimit <= 0 {
		out.GenerateLimit = DefaultGenerateLimit
	}
	if out.EmbedLimit <= 0 {
		out.EmbedLimit = DefaultEmbedLimit
	}
	if out.LimitWindow <= 0 {
		out.LimitWindow = DefaultLimitWindow
	}
	if out.GenerateTTL <= 0 {
		out.GenerateTTL = DefaultGenerateTTL
	}
	if out.EmbedTTL <= 0 {
		out.EmbedTTL = DefaultEmbedTTL
	}
	if out.MaxFallbackAttempts <= 0 {
		out.MaxFallbackAttempts = DefaultMaxAttempts
	}
	return out
}

// GenerateOptions are the SmartGenerate parameters.
type GenerateOptions struct {
	Prompt           string
	PreferredBackend string
	MaxTokens        int
	Temperature      float64
	Stream           bool
	UseCache         bool
	CallerID         string
	Priority         int
	Timeout          time.Duration
	Extra            map[string]string
}

// GenerateOutput is the SmartGenerate result.
type GenerateOutput struct {
	Text          string
	BackendID     string
	TokenEstimate int
	Cached        bool
	Elapsed       time.Duration

	// Stream is set instead of Text for streaming requests.
	Stream <-chan backend.StreamChunk
}

// EmbedOptions are the SmartEmbed parameters.
type EmbedOptions struct {
	Texts            []string
	PreferredBackend string
	UseCache         bool
	CallerID         string
	Priority         int
	Timeout          time.Duration
}

// EmbedOutput is the SmartEmbed result.
type EmbedOutput struct {
	Vectors    [][]float32
	BackendID  string
	Dimensions int
	Cached     bool
	Elapsed    time.Duration
}

// attemptResult travels through the queue's result sink.
type attemptResult struct {
	backendID string
	requestID string
	text      string
	vectors   [][]float32
	tokensIn  int
	tokensOut int
}

// Dispatcher wires the core components together.
type Dispatcher struct {
	reg        *registry.Registry
	sel        *selector.Selector
	queue      *queue.Queue
	cache      cache.Cache
	limiter    *ratelimit.Limiter
	recorder   *metrics.Recorder
	prom       *metrics.Registry
	reqlog     *logger.Logger
	exclusions *cache.ExclusionList
	breaker    *circuitBreaker
	cfg        Config
}

// New builds a Dispatcher. prom, reqlog, and exclusions may be nil.
func New(
	reg *registry.Registry,
	sel *selector.Selector,
	q *queue.Queue,
	c cache.Cache,
	limiter *ratelimit.Limiter,
	recorder *metrics.Recorder,
	prom *metrics.Registry,
	reqlog *logger.Logger,
	exclusions *cache.ExclusionList,
	cfg Config,
) *Dispatcher {
	return &Dispatcher{
		reg:        reg,
		sel:        sel,
		queue:      q,
		cache:      c,
		limiter:    limiter,
		recorder:   recorder,
		prom:       prom,
		reqlog:     reqlog,
		exclusions: exclusions,
		breaker:    newCircuitBreaker(reg.IDs(), cfg.Breaker),
		cfg:        cfg.withDefaults(),
	}
}

// estimateTokens approximates the token count of text from its word count.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	est := int(math.Ceil(float64(words) * 1.3))
	if est < 1 {
		est = 1
	}
	return est
}

// SmartGenerate runs the full generation path for opts.
func (d *Dispatcher) SmartGenerate(ctx context.Context, opts GenerateOptions) (*GenerateOutput, error) {
	if opts.Stream {
		return d.streamGenerate(ctx, opts)
	}

	start := time.Now()
	key := generateKey(opts.CallerID, opts.Prompt, opts.MaxTokens, opts.Temperature)

	cacheable := opts.UseCache && !d.exclusions.Matches("", opts.Prompt)
	switch {
	case cacheable:
		if raw, ok := d.cache.Get(ctx, key); ok {
			d.promCacheHit()
			return &GenerateOutput{
				Text:          string(raw),
				TokenEstimate: estimateTokens(string(raw)),
				Cached:        true,
				Elapsed:       time.Since(start),
			}, nil
		}
		d.promCacheMiss()
	case opts.UseCache:
		d.promCacheBypass()
	}

	if err := d.admit(ctx, opts.CallerID, categoryGenerate, d.cfg.GenerateLimit); err != nil {
		return nil, err
	}

	candidates := d.candidates(ctx, opts.Prompt, categoryGenerate, opts.PreferredBackend)

	work := func(workCtx context.Context) (any, error) {
		return d.executeGenerate(workCtx, candidates, opts)
	}

	res, err := d.await(ctx, work, opts.Priority, opts.Timeout, candidates[0], categoryGenerate)
	if err != nil {
		return nil, err
	}

	if cacheable && !d.exclusions.Matches(res.backendID, opts.Prompt) {
		if err := d.cache.Set(ctx, key, []byte(res.text), d.cfg.GenerateTTL); err == nil {
			d.promCacheSet()
		}
	}

	elapsed := time.Since(start)
	estimate := estimateTokens(res.text)
	d.logRequest(res, categoryGenerate, opts.CallerID, true, false, elapsed, "")

	return &GenerateOutput{
		Text:          res.text,
		BackendID:     res.backendID,
		TokenEstimate: estimate,
		Elapsed:       elapsed,
	}, nil
}

// streamGenerate bypasses cache and queue: select, call, forward chunks.
// Metrics for the request close when the stream drains.
func (d *Dispatcher) streamGenerate(ctx context.Context, opts GenerateOptions) (*GenerateOutput, error) {
	id := d.sel.SelectBackend(ctx, opts.Prompt, categoryGenerate, opts.PreferredBackend)

	adapter, err := d.reg.Get(id)
	if err != nil {
		return nil, err
	}

	reqID := d.recorder.RecordStart(ctx, id, categoryGenerate, estimateTokens(opts.Prompt))
	start := time.Now()

	res, err := adapter.Generate(ctx, &backend.GenerateRequest{
		Prompt:      opts.Prompt,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      true,
		Extra:       opts.Extra,
	})
	if err != nil {
		d.recorder.RecordEnd(ctx, reqID, id, categoryGenerate, false, 0, 0, time.Since(start))
		d.recordAttempt(id, categoryGenerate, "error", time.Since(start), err)
		return nil, err
	}
	d.recordAttempt(id, categoryGenerate, "stream_start", time.Since(start), nil)

	out := make(chan backend.StreamChunk, 64)
	go func() {
		defer close(out)
		var chunks int
		for chunk := range res.Stream {
			chunks++
			out <- chunk
		}
		d.recorder.RecordEnd(ctx, reqID, id, categoryGenerate, true, estimateTokens(opts.Prompt), chunks, time.Since(start))
	}()

	return &GenerateOutput{BackendID: id, Stream: out}, nil
}

// SmartEmbed runs the embedding path for opts.
func (d *Dispatcher) SmartEmbed(ctx context.Context, opts EmbedOptions) (*EmbedOutput, error) {
	start := time.Now()
	key := embedKey(opts.CallerID, opts.Texts)

	if opts.UseCache {
		if raw, ok := d.cache.Get(ctx, key); ok {
			var vectors [][]float32
			if err := json.Unmarshal(raw, &vectors); err == nil {
				d.promCacheHit()
				return &EmbedOutput{
					Vectors:    vectors,
					Dimensions: dims(vectors),
					Cached:     true,
					Elapsed:    time.Since(start),
				}, nil
			}
		}
		d.promCacheMiss()
	}

	if err := d.admit(ctx, opts.CallerID, categoryEmbed, d.cfg.EmbedLimit); err != nil {
		return nil, err
	}

	prompt := strings.Join(opts.Texts, " ")
	candidates := d.candidates(ctx, prompt, categoryEmbed, opts.PreferredBackend)

	work := func(workCtx context.Context) (any, error) {
		return d.executeEmbed(workCtx, candidates, opts)
	}

	res, err := d.await(ctx, work, opts.Priority, opts.Timeout, candidates[0], categoryEmbed)
	if err != nil {
		return nil, err
	}

	if opts.UseCache {
		if raw, err := json.Marshal(res.vectors); err == nil {
			if err := d.cache.Set(ctx, key, raw, d.cfg.EmbedTTL); err == nil {
				d.promCacheSet()
			}
		}
	}

	elapsed := time.Since(start)
	d.logRequest(res, categoryEmbed, opts.CallerID, true, false, elapsed, "")

	return &EmbedOutput{
		Vectors:    res.vectors,
		BackendID:  res.backendID,
		Dimensions: dims(res.vectors),
		Elapsed:    elapsed,
	}, nil
}

func dims(vectors [][]float32) int {
	if len(vectors) == 0 {
		return 0
	}
	return len(vectors[0])
}

// admit consumes one rate-limit slot for callerID. Anonymous callers are not
// limited.
func (d *Dispatcher) admit(ctx context.Context, callerID, category string, limit int) error {
	if callerID == "" {
		return nil
	}

	dec := d.limiter.CheckAndConsume(ctx, category, callerID, limit, d.cfg.LimitWindow)
	if !dec.Allowed {
		if d.prom != nil {
			d.prom.RecordRateLimit("denied")
		}
		return &RateLimitedError{CallerID: callerID, Category: category, ResetAt: dec.ResetAt}
	}
	if d.prom != nil {
		d.prom.RecordRateLimit("allowed")
	}
	return nil
}

// candidates returns the fallback-ordered backend list for this request,
// capped at the attempt budget. A valid preferred backend is the sole
// candidate.
func (d *Dispatcher) candidates(ctx context.Context, prompt, operation, preferred string) []string {
	if preferred != "" && d.reg.Has(preferred) {
		return []string{preferred}
	}

	ranked := d.sel.Rank(ctx, prompt, operation)
	if len(ranked) == 0 {
		ranked = []string{d.reg.DefaultID()}
	}
	if len(ranked) > d.cfg.MaxFallbackAttempts {
		ranked = ranked[:d.cfg.MaxFallbackAttempts]
	}
	return ranked
}

// await enqueues work and blocks on its result sink or ctx. The caller's ctx
// rides along on the task, so cancelling here also cancels a run already in
// progress.
func (d *Dispatcher) await(ctx context.Context, work queue.Work, priority int, timeout time.Duration, backendID, kind string) (*attemptResult, error) {
	_, sink, err := d.queue.Enqueue(ctx, work, priority, timeout, backendID, kind)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-sink:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Value.(*attemptResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// executeGenerate walks the candidate list until a backend succeeds or the
// budget is spent. Non-retryable errors stop the walk immediately.
func (d *Dispatcher) executeGenerate(ctx context.Context, candidates []string, opts GenerateOptions) (*attemptResult, error) {
	primary := candidates[0]
	promptTokens := estimateTokens(opts.Prompt)

	var lastErr error
	attempts := 0

	for i, id := range candidates {
		if !d.allowBreaker(ctx, id) {
			continue
		}

		adapter, err := d.reg.Get(id)
		if err != nil {
			lastErr = err
			continue
		}

		reqID := d.recorder.RecordStart(ctx, id, categoryGenerate, promptTokens)
		start := time.Now()
		res, err := adapter.Generate(ctx, &backend.GenerateRequest{
			Prompt:      opts.Prompt,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
			Extra:       opts.Extra,
		})
		dur := time.Since(start)
		attempts++

		if err == nil {
			tokensIn, tokensOut := res.TokensIn, res.TokensOut
			if tokensIn == 0 {
				tokensIn = promptTokens
			}
			if tokensOut == 0 {
				tokensOut = estimateTokens(res.Text)
			}

			d.recorder.RecordEnd(ctx, reqID, id, categoryGenerate, true, tokensIn, tokensOut, dur)
			d.recordAttempt(id, categoryGenerate, "success", dur, nil)
			d.breaker.RecordSuccess(id)
			d.setBreakerMetric(id)
			if d.prom != nil {
				d.prom.AddTokens(id, categoryGenerate, tokensIn, tokensOut, false)
				if id != primary {
					d.prom.RecordFallbackSuccess(primary, id)
				}
			}

			return &attemptResult{
				backendID: id,
				requestID: reqID,
				text:      res.Text,
				tokensIn:  tokensIn,
				tokensOut: tokensOut,
			}, nil
		}

		d.recorder.RecordEnd(ctx, reqID, id, categoryGenerate, false, 0, 0, dur)
		d.recordAttempt(id, categoryGenerate, "error", dur, err)
		d.breaker.RecordFailure(id)
		d.setBreakerMetric(id)
		lastErr = err

		if !backend.IsRetryable(err) {
			break
		}
		if next := i + 1; next < len(candidates) && d.prom != nil {
			d.prom.RecordFallback(primary, id, candidates[next], backend.ClassifyError(err))
		}
	}

	if d.prom != nil {
		d.prom.RecordFallbackExhausted(primary)
	}
	return nil, &ExhaustedError{Primary: primary, Attempts: attempts, Last: lastErr}
}

// executeEmbed mirrors executeGenerate for the embedding operation.
func (d *Dispatcher) executeEmbed(ctx context.Context, candidates []string, opts EmbedOptions) (*attemptResult, error) {
	primary := candidates[0]
	inputTokens := estimateTokens(strings.Join(opts.Texts, " "))

	var lastErr error
	attempts := 0

	for i, id := range candidates {
		if !d.allowBreaker(ctx, id) {
			continue
		}

		adapter, err := d.reg.Get(id)
		if err != nil {
			lastErr = err
			continue
		}

		reqID := d.recorder.RecordStart(ctx, id, categoryEmbed, inputTokens)
		start := time.Now()
		vectors, err := adapter.Embed(ctx, opts.Texts)
		dur := time.Since(start)
		attempts++

		if err == nil {
			d.recorder.RecordEnd(ctx, reqID, id, categoryEmbed, true, inputTokens, 0, dur)
			d.recordAttempt(id, categoryEmbed, "success", dur, nil)
			d.breaker.RecordSuccess(id)
			d.setBreakerMetric(id)
			if d.prom != nil && id != primary {
				d.prom.RecordFallbackSuccess(primary, id)
			}

			return &attemptResult{
				backendID: id,
				requestID: reqID,
				vectors:   vectors,
				tokensIn:  inputTokens,
			}, nil
		}

		d.recorder.RecordEnd(ctx, reqID, id, categoryEmbed, false, 0, 0, dur)
		d.recordAttempt(id, categoryEmbed, "error", dur, err)
		d.breaker.RecordFailure(id)
		d.setBreakerMetric(id)
		lastErr = err

		if !backend.IsRetryable(err) {
			break
		}
		if next := i + 1; next < len(candidates) && d.prom != nil {
			d.prom.RecordFallback(primary, id, candidates[next], backend.ClassifyError(err))
		}
	}

	if d.prom != nil {
		d.prom.RecordFallbackExhausted(primary)
	}
	return nil, &ExhaustedError{Primary: primary, Attempts: attempts, Last: lastErr}
}

// allowBreaker consults the circuit breaker and records rejections.
func (d *Dispatcher) allowBreaker(ctx context.Context, id string) bool {
	if d.breaker.Allow(id) {
		return true
	}

	slog.WarnContext(ctx, "circuit_breaker_open", slog.String("backend", id))
	if d.prom != nil {
		d.prom.RecordCircuitBreakerRejection(id, d.breaker.StateLabel(id))
		d.prom.SetCircuitBreaker(id, int64(d.breaker.State(id)))
	}
	return false
}

func (d *Dispatcher) setBreakerMetric(id string) {
	if d.prom != nil {
		d.prom.SetCircuitBreaker(id, int64(d.breaker.State(id)))
	}
}

func (d *Dispatcher) recordAttempt(id, operation, outcome string, dur time.Duration, err error) {
	if d.prom == nil {
		return
	}
	d.prom.ObserveBackendAttempt(id, operation, outcome, dur)
	if err != nil {
		d.prom.RecordError(id, backend.ClassifyError(err))
	}
}

// FlushTenant removes every cached entry belonging to tenantID.
func (d *Dispatcher) FlushTenant(ctx context.Context, tenantID string) (int, error) {
	n, err := d.cache.DeleteByPrefix(ctx, TenantPrefix(tenantID))
	if d.prom != nil {
		if err != nil {
			d.prom.CacheFlush("error")
		} else {
			d.prom.CacheFlush("ok")
		}
	}
	return n, err
}

// ResetRateLimit clears both windows for callerID.
func (d *Dispatcher) ResetRateLimit(ctx context.Context, callerID string) error {
	if err := d.limiter.Reset(ctx, categoryGenerate, callerID); err != nil {
		return err
	}
	return d.limiter.Reset(ctx, categoryEmbed, callerID)
}

// QueueStatus exposes the scheduler state for the status endpoint.
func (d *Dispatcher) QueueStatus() queue.StatusSnapshot {
	return d.queue.Status()
}

func (d *Dispatcher) logRequest(res *attemptResult, operation, callerID string, success, cached bool, elapsed time.Duration, errMsg string) {
	if d.reqlog == nil || res == nil {
		return
	}

	id, err := uuid.Parse(res.requestID)
	if err != nil {
		id = uuid.New()
	}

	d.reqlog.Log(logger.RequestLog{
		ID:        id,
		Backend:   res.backendID,
		Operation: operation,
		CallerID:  callerID,
		TokensIn:  uint32(res.tokensIn),
		TokensOut: uint32(res.tokensOut),
		LatencyMs: uint32(elapsed.Milliseconds()),
		Success:   success,
		Cached:    cached,
		Error:     errMsg,
		CreatedAt: time.Now(),
	})
}

func (d *Dispatcher) promCacheHit() {
	if d.prom != nil {
		d.prom.CacheGetHit()
	}
}

func (d *Dispatcher) promCacheMiss() {
	if d.prom != nil {
		d.prom.CacheGetMiss()
	}
}

func (d *Dispatcher) promCacheBypass() {
	if d.prom != nil {
		d.prom.CacheGetBypass()
	}
}

func (d *Dispatcher) promCacheSet() {
	if d.prom != nil {
		d.prom.CacheSetOK()
	}
}
