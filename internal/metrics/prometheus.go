// Package metrics provides the Prometheus registry and the Redis-backed
// request metrics recorder for the dispatcher.
//
// Prometheus metrics live in a private registry (not the global default) so
// they don't interfere with host-level metrics when the dispatcher is
// embedded in other applications. The /metrics/prometheus handler is exposed
// via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// dispatch_inflight_requests
	inFlight prometheus.Gauge

	// dispatch_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// dispatch_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// dispatch_requests_total{backend,status}
	requestsTotal *prometheus.CounterVec

	// dispatch_backend_attempts_total{backend,operation,outcome}
	backendAttempts *prometheus.CounterVec

	// dispatch_backend_attempt_duration_seconds{backend,operation,outcome}
	backendDuration *prometheus.HistogramVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// dispatch_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// dispatch_backend_errors_total{backend,error_type}
	backendErrors *prometheus.CounterVec

	// circuit_breaker_state{backend} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// dispatch_circuit_breaker_transitions_total{backend,to_state}
	cbTransitions *prometheus.CounterVec

	// dispatch_circuit_breaker_rejections_total{backend,state}
	cbRejections *prometheus.CounterVec

	// dispatch_fallback_events_total{primary,from,to,reason}
	fallbackEvents *prometheus.CounterVec

	// dispatch_fallback_success_total{primary,to}
	fallbackSuccess *prometheus.CounterVec

	// dispatch_fallback_exhausted_total{primary}
	fallbackExhausted *prometheus.CounterVec

	// dispatch_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// dispatch_ratelimit_overshoot_total
	rateLimitOvershoot prometheus.Counter

	// dispatch_tokens_total{backend,operation,direction,cache}
	tokensTotal *prometheus.CounterVec

	// dispatch_queue_depth / dispatch_queue_inflight
	queueDepth    prometheus.Gauge
	queueInFlight prometheus.Gauge

	// dispatch_queue_wait_seconds{priority}
	queueWait *prometheus.HistogramVec

	// dispatch_selector_choices_total{backend}
	selectorChoices *prometheus.CounterVec

	// dispatch_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the dispatcher",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_http_requests_total",
				Help: "Total number of HTTP requests handled by the dispatcher",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes queue + backend)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_requests_total",
				Help: "Total number of dispatched requests",
			},
			[]string{"backend", "status"},
		),

		backendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_backend_attempts_total",
				Help: "Total backend attempts (includes fallbacks)",
			},
			[]string{"backend", "operation", "outcome"},
		),

		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_backend_attempt_duration_seconds",
				Help:    "Backend attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"backend", "operation", "outcome"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_backend_errors_total",
				Help: "Total backend errors by type",
			},
			[]string{"backend", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"backend"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"backend", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_circuit_breaker_rejections_total",
				Help: "Requests rejected due to circuit breaker state",
			},
			[]string{"backend", "state"},
		),

		fallbackEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_fallback_events_total",
				Help: "Fallback events between backends (emitted when switching to a different backend)",
			},
			[]string{"primary", "from", "to", "reason"},
		),

		fallbackSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_fallback_success_total",
				Help: "Successful fallbacks (request served by a non-primary backend)",
			},
			[]string{"primary", "to"},
		),

		fallbackExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_fallback_exhausted_total",
				Help: "Requests that exhausted fallback attempts without success",
			},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		rateLimitOvershoot: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_ratelimit_overshoot_total",
			Help: "Denied requests that incremented a window counter past its limit",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_tokens_total",
				Help: "Token usage totals derived from backend usage fields",
			},
			[]string{"backend", "operation", "direction", "cache"},
		),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Number of tasks waiting in the priority queue",
		}),

		queueInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_queue_inflight",
			Help: "Number of tasks currently executing",
		}),

		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_queue_wait_seconds",
				Help:    "Time tasks spent waiting in the queue before execution",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"priority"},
		),

		selectorChoices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_selector_choices_total",
				Help: "Backend choices made by the model selector",
			},
			[]string{"backend"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.backendAttempts,
		r.backendDuration,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.backendErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.fallbackEvents,
		r.fallbackSuccess,
		r.fallbackExhausted,
		r.rateLimitTotal,
		r.rateLimitOvershoot,
		r.tokensTotal,
		r.queueDepth,
		r.queueInFlight,
		r.queueWait,
		r.selectorChoices,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) RecordRequest(backend string, statusCode int) {
	r.requestsTotal.WithLabelValues(backend, strconv.Itoa(statusCode)).Inc()
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveBackendAttempt records one backend attempt.
func (r *Registry) ObserveBackendAttempt(backend, operation, outcome string, dur time.Duration) {
	r.backendAttempts.WithLabelValues(backend, operation, outcome).Inc()
	r.backendDuration.WithLabelValues(backend, operation, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFallback(primary, from, to, reason string) {
	r.fallbackEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordFallbackSuccess(primary, to string) {
	r.fallbackSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFallbackExhausted(primary string) {
	r.fallbackExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// RateLimitOvershoot returns the counter wired into the limiter.
func (r *Registry) RateLimitOvershoot() prometheus.Counter {
	return r.rateLimitOvershoot
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheFlush(result string) {
	r.cacheOps.WithLabelValues("flush", result).Inc()
}

func (r *Registry) AddTokens(backend, operation string, inputTokens, outputTokens int, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, operation, "input", cache).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, operation, "output", cache).Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, operation, "total", cache).Add(float64(inputTokens + outputTokens))
	}
}

func (r *Registry) SetQueueDepth(n int)    { r.queueDepth.Set(float64(n)) }
func (r *Registry) SetQueueInFlight(n int) { r.queueInFlight.Set(float64(n)) }

func (r *Registry) ObserveQueueWait(priority string, wait time.Duration) {
	r.queueWait.WithLabelValues(priority).Observe(wait.Seconds())
}

func (r *Registry) RecordSelectorChoice(backend string) {
	r.selectorChoices.WithLabelValues(backend).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(backend, errType string) {
	r.backendErrors.WithLabelValues(backend, errType).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(backend string, state int64) {
	r.circuitBreakerState.WithLabelValues(backend).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[backend]
	if !ok || prev != float64(state) {
		r.lastCBState[backend] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(backend, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(backend, state string) {
	r.cbRejections.WithLabelValues(backend, state).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
