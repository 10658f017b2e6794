// Package server exposes the dispatch core over HTTP using fasthttp.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/onsmartai/llm-dispatch/internal/dispatch"
	"github.com/onsmartai/llm-dispatch/internal/metrics"
	"github.com/onsmartai/llm-dispatch/internal/queue"
	"github.com/onsmartai/llm-dispatch/internal/registry"
	"github.com/onsmartai/llm-dispatch/pkg/apierr"
)

const (
	defaultReadTimeout = 60 * time.Second
	maxRequestBody     = 10 << 20 // 10 MiB
)

// Config holds the HTTP surface settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
	Version        string

	// DefaultTimeout applies when a request omits timeout_s.
	DefaultTimeout time.Duration
}

// Server routes HTTP traffic into the dispatcher.
type Server struct {
	cfg      Config
	disp     *dispatch.Dispatcher
	reg      *registry.Registry
	recorder *metrics.Recorder
	prom     *metrics.Registry

	srv *fasthttp.Server
}

// New builds the server. prom may be nil.
func New(cfg Config, disp *dispatch.Dispatcher, reg *registry.Registry, recorder *metrics.Recorder, prom *metrics.Registry) *Server {
	return &Server{
		cfg:      cfg,
		disp:     disp,
		reg:      reg,
		recorder: recorder,
		prom:     prom,
	}
}

// Handler returns the fully wired request handler, routes plus middleware.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/generate", s.handleGenerate)
	r.POST("/embed", s.handleEmbed)
	r.GET("/metrics", s.handleMetrics)
	r.GET("/models", s.handleModels)
	r.POST("/reset-rate-limit", s.handleResetRateLimit)
	r.POST("/cache/flush-tenant", s.handleFlushTenant)
	r.GET("/queue/status", s.handleQueueStatus)
	r.GET("/health", s.handleHealth)

	if s.prom != nil {
		r.GET("/metrics/prometheus", s.prom.Handler())
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.CodeInvalidRequest,
			"no such route", "unknown endpoint", nil)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		httpMetrics(s.prom),
		corsHandler(s.cfg.AllowedOrigins),
		securityHeaders,
	)
}

// Start blocks serving on cfg.Addr until Shutdown is called.
func (s *Server) Start() error {
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "llm-dispatch",
		ReadTimeout:        defaultReadTimeout,
		MaxRequestBodySize: maxRequestBody,
		// WriteTimeout stays unset so SSE streams are not cut off.
	}

	slog.Info("http_listen", slog.String("addr", s.cfg.Addr))
	return s.srv.ListenAndServe(s.cfg.Addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownWithContext(ctx)
}

type (
	generateRequest struct {
		Prompt      string            `json:"prompt"`
		ModelID     string            `json:"model_id"`
		MaxTokens   int               `json:"max_tokens"`
		Temperature float64           `json:"temperature"`
		Stream      bool              `json:"stream"`
		UseCache    *bool             `json:"use_cache"`
		UserID      string            `json:"user_id"`
		Priority    int               `json:"priority"`
		TimeoutS    float64           `json:"timeout_s"`
		Extra       map[string]string `json:"extra"`
	}

	generateResponse struct {
		Text           string  `json:"text"`
		ModelUsed      string  `json:"model_used"`
		ProcessingTime float64 `json:"processing_time"`
		TokenEstimate  int     `json:"token_estimate"`
		Cached         bool    `json:"cached"`
	}

	embedRequest struct {
		Text     string   `json:"text"`
		Texts    []string `json:"texts"`
		ModelID  string   `json:"model_id"`
		UseCache *bool    `json:"use_cache"`
		UserID   string   `json:"user_id"`
		Priority int      `json:"priority"`
		TimeoutS float64  `json:"timeout_s"`
	}

	embedResponse struct {
		Embedding      []float32   `json:"embedding"`
		Embeddings     [][]float32 `json:"embeddings,omitempty"`
		ModelUsed      string      `json:"model_used"`
		ProcessingTime float64     `json:"processing_time"`
		Dimensions     int         `json:"dimensions"`
		Cached         bool        `json:"cached"`
	}

	streamFrame struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason,omitempty"`
	}

	modelsResponse struct {
		Models       any    `json:"models"`
		DefaultModel string `json:"default_model"`
	}

	resetResponse struct {
		Message string `json:"message"`
		UserID  string `json:"user_id"`
	}

	flushResponse struct {
		Message  string `json:"message"`
		TenantID string `json:"tenant_id"`
		Deleted  int    `json:"deleted"`
	}

	healthResponse struct {
		Status        string `json:"status"`
		Backends      int    `json:"backends"`
		Version       string `json:"version"`
		StoreHealthy  bool   `json:"store_healthy"`
		QueuePending  int    `json:"queue_pending"`
		QueueInFlight int    `json:"queue_in_flight"`
	}

	modelMetrics struct {
		Requests     int     `json:"requests"`
		SuccessRate  float64 `json:"success_rate"`
		TokensIn     int     `json:"tokens_in"`
		TokensOut    int     `json:"tokens_out"`
		AvgLatencyMS float64 `json:"avg_latency_ms"`
		P95LatencyMS float64 `json:"p95_latency_ms"`
		P99LatencyMS float64 `json:"p99_latency_ms"`
	}

	metricsResponse struct {
		Period        string                  `json:"period"`
		Models        map[string]modelMetrics `json:"models"`
		TotalRequests int                     `json:"total_requests"`
		SuccessRate   float64                 `json:"success_rate"`
		AvgLatencyMS  float64                 `json:"avg_latency"`
	}
)

func (s *Server) handleGenerate(ctx *fasthttp.RequestCtx) {
	var req generateRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
			"malformed JSON body: "+err.Error(), "request body must be valid JSON", nil)
		return
	}
	if req.Prompt == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
			"prompt is required", "prompt must not be empty", nil)
		return
	}
	if req.ModelID != "" && !s.reg.Has(req.ModelID) {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeNoSuchBackend,
			fmt.Sprintf("unknown model %q", req.ModelID), "the requested model is not configured", nil)
		return
	}

	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	out, err := s.disp.SmartGenerate(ctx, dispatch.GenerateOptions{
		Prompt:           req.Prompt,
		PreferredBackend: req.ModelID,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		Stream:           req.Stream,
		UseCache:         useCache,
		CallerID:         req.UserID,
		Priority:         req.Priority,
		Timeout:          s.requestTimeout(req.TimeoutS),
		Extra:            req.Extra,
	})
	if err != nil {
		writeDispatchError(ctx, err)
		return
	}

	if out.Stream != nil {
		s.writeSSE(ctx, out)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, generateResponse{
		Text:           out.Text,
		ModelUsed:      out.BackendID,
		ProcessingTime: out.Elapsed.Seconds(),
		TokenEstimate:  out.TokenEstimate,
		Cached:         out.Cached,
	})
}

// writeSSE streams chunks as server-sent events, one data: frame per chunk,
// terminated by the [DONE] sentinel.
func (s *Server) writeSSE(ctx *fasthttp.RequestCtx, out *dispatch.GenerateOutput) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	stream := out.Stream
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		for chunk := range stream {
			frame, err := json.Marshal(streamFrame{
				Text:         chunk.Content,
				FinishReason: chunk.FinishReason,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			if err := w.Flush(); err != nil {
				// Client went away; drain so the backend call finishes cleanly.
				for range stream {
				}
				return
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()
	})
}

func (s *Server) handleEmbed(ctx *fasthttp.RequestCtx) {
	var req embedRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
			"malformed JSON body: "+err.Error(), "request body must be valid JSON", nil)
		return
	}

	texts := req.Texts
	if len(texts) == 0 && req.Text != "" {
		texts = []string{req.Text}
	}
	if len(texts) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
			"text is required", "text must not be empty", nil)
		return
	}
	if req.ModelID != "" && !s.reg.Has(req.ModelID) {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeNoSuchBackend,
			fmt.Sprintf("unknown model %q", req.ModelID), "the requested model is not configured", nil)
		return
	}

	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	out, err := s.disp.SmartEmbed(ctx, dispatch.EmbedOptions{
		Texts:            texts,
		PreferredBackend: req.ModelID,
		UseCache:         useCache,
		CallerID:         req.UserID,
		Priority:         req.Priority,
		Timeout:          s.requestTimeout(req.TimeoutS),
	})
	if err != nil {
		writeDispatchError(ctx, err)
		return
	}

	resp := embedResponse{
		ModelUsed:      out.BackendID,
		ProcessingTime: out.Elapsed.Seconds(),
		Dimensions:     out.Dimensions,
		Cached:         out.Cached,
	}
	if len(out.Vectors) > 0 {
		resp.Embedding = out.Vectors[0]
	}
	if len(out.Vectors) > 1 {
		resp.Embeddings = out.Vectors
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	modelID := string(ctx.QueryArgs().Peek("model_id"))
	period := string(ctx.QueryArgs().Peek("period"))
	if period == "" {
		period = "today"
	}

	dates, ok := periodDates(period, time.Now())
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
			fmt.Sprintf("unknown period %q", period),
			"period must be one of today, yesterday, week, month", nil)
		return
	}

	ids := s.reg.IDs()
	if modelID != "" {
		if !s.reg.Has(modelID) {
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeNoSuchBackend,
				fmt.Sprintf("unknown model %q", modelID), "the requested model is not configured", nil)
			return
		}
		ids = []string{modelID}
	}

	resp := metricsResponse{
		Period: period,
		Models: make(map[string]modelMetrics, len(ids)),
	}

	var totalSuccess int
	var totalLatency, totalLatencyWeight float64
	for _, id := range ids {
		var m modelMetrics
		var latencyWeight float64
		for _, date := range dates {
			for _, op := range []string{"generate", "embed"} {
				agg, err := s.recorder.GetAggregates(ctx, id, op, date)
				if err != nil {
					continue
				}
				m.Requests += agg.Requests
				m.TokensIn += agg.TokensIn
				m.TokensOut += agg.TokensOut
				totalSuccess += agg.Successes
				m.SuccessRate += float64(agg.Successes)
				if agg.Requests > 0 {
					w := float64(agg.Requests)
					m.AvgLatencyMS += agg.AvgLatencyMS * w
					latencyWeight += w
				}
				// Percentiles only exist for today's rolling window; keep
				// the freshest non-zero values.
				if agg.P95LatencyMS > 0 {
					m.P95LatencyMS = agg.P95LatencyMS
					m.P99LatencyMS = agg.P99LatencyMS
				}
			}
		}
		if m.Requests > 0 {
			m.SuccessRate = m.SuccessRate / float64(m.Requests) * 100
		} else {
			m.SuccessRate = 0
		}
		if latencyWeight > 0 {
			totalLatency += m.AvgLatencyMS
			totalLatencyWeight += latencyWeight
			m.AvgLatencyMS /= latencyWeight
		}
		resp.Models[id] = m
		resp.TotalRequests += m.Requests
	}

	if resp.TotalRequests > 0 {
		resp.SuccessRate = float64(totalSuccess) / float64(resp.TotalRequests) * 100
	}
	if totalLatencyWeight > 0 {
		resp.AvgLatencyMS = totalLatency / totalLatencyWeight
	}

	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, modelsResponse{
		Models:       s.reg.List(),
		DefaultModel: s.reg.DefaultID(),
	})
}

func (s *Server) handleResetRateLimit(ctx *fasthttp.RequestCtx) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.UserID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
			"user_id is required", "provide the user_id to reset", nil)
		return
	}

	if err := s.disp.ResetRateLimit(ctx, req.UserID); err != nil {
		apierr.WriteInternal(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, resetResponse{
		Message: "rate limit reset",
		UserID:  req.UserID,
	})
}

func (s *Server) handleFlushTenant(ctx *fasthttp.RequestCtx) {
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.TenantID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeInvalidRequest,
			"tenant_id is required", "provide the tenant_id to flush", nil)
		return
	}

	n, err := s.disp.FlushTenant(ctx, req.TenantID)
	if err != nil {
		apierr.WriteInternal(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, flushResponse{
		Message:  "tenant cache flushed",
		TenantID: req.TenantID,
		Deleted:  n,
	})
}

func (s *Server) handleQueueStatus(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, s.disp.QueueStatus())
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	qs := s.disp.QueueStatus()
	writeJSON(ctx, fasthttp.StatusOK, healthResponse{
		Status:        "ok",
		Backends:      s.reg.Len(),
		Version:       s.cfg.Version,
		StoreHealthy:  s.recorder.StoreHealthy(ctx),
		QueuePending:  qs.Pending,
		QueueInFlight: qs.InFlight,
	})
}

// requestTimeout converts the request's timeout_s to a duration, falling
// back to the configured default.
func (s *Server) requestTimeout(timeoutS float64) time.Duration {
	if timeoutS > 0 {
		return time.Duration(timeoutS * float64(time.Second))
	}
	return s.cfg.DefaultTimeout
}

// periodDates maps a period name to the list of daily rollup dates it covers,
// newest first.
func periodDates(period string, now time.Time) ([]string, bool) {
	day := func(offset int) string {
		return now.AddDate(0, 0, -offset).UTC().Format("2006-01-02")
	}
	switch period {
	case "today":
		return []string{day(0)}, true
	case "yesterday":
		return []string{day(1)}, true
	case "week":
		out := make([]string, 7)
		for i := range out {
			out[i] = day(i)
		}
		return out, true
	case "month":
		out := make([]string, 30)
		for i := range out {
			out[i] = day(i)
		}
		return out, true
	}
	return nil, false
}

// writeDispatchError maps dispatcher errors onto the API error envelope.
func writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	var (
		rateLimited *dispatch.RateLimitedError
		noBackend   *registry.NoSuchBackendError
		admission   *queue.AdmissionTimeoutError
		execution   *queue.ExecutionTimeoutError
		exhausted   *dispatch.ExhaustedError
	)

	switch {
	case errors.As(err, &rateLimited):
		apierr.WriteRateLimited(ctx, rateLimited.ResetAt)

	case errors.As(err, &noBackend):
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeNoSuchBackend,
			err.Error(), "the requested model is not configured", nil)

	case errors.As(err, &admission):
		apierr.Write(ctx, fasthttp.StatusGatewayTimeout, apierr.CodeQueueTimeout,
			err.Error(), "the request waited too long in the queue, please retry", nil)

	case errors.As(err, &execution):
		apierr.Write(ctx, fasthttp.StatusGatewayTimeout, apierr.CodeExecutionTimeout,
			err.Error(), "the backend did not answer in time, please retry", nil)

	case errors.As(err, &exhausted):
		apierr.Write(ctx, fasthttp.StatusBadGateway, apierr.CodeBackendError,
			err.Error(), "all backends failed for this request, please retry later", nil)

	case errors.Is(err, queue.ErrStopped):
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, apierr.CodeInternalError,
			err.Error(), "the service is shutting down", nil)

	default:
		apierr.WriteInternal(ctx, err)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, err := json.Marshal(v)
	if err != nil {
		apierr.WriteInternal(ctx, err)
		return
	}
	ctx.SetBody(body)
}
