package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	llm_metrics:request:<id>                    per-request hash, 24h TTL
//	llm_metrics:end:<id>                        idempotency marker for RecordEnd
//	llm_metrics:daily:<date>                    daily hash, fields <backend>|<op>|<name>
//	llm_metrics:latency:<backend>:<op>:<date>   latency sample list, capped at 1000
const (
	requestKeyPrefix = "llm_metrics:request:"
	endKeyPrefix     = "llm_metrics:end:"
	dailyKeyPrefix   = "llm_metrics:daily:"
	latencyKeyPrefix = "llm_metrics:latency:"

	requestTTL    = 24 * time.Hour
	dailyTTL      = 7 * 24 * time.Hour
	latencyMaxLen = 1000
)

// ErrRequestNotFound is returned by GetRequest for an unknown or expired
// request id.
var ErrRequestNotFound = errors.New("metrics: request not found")

// RequestRecord is the stored per-request record. EndedAt is zero while the
// request is still in flight.
type RequestRecord struct {
	ID              string    `json:"id"`
	Backend         string    `json:"backend"`
	Operation       string    `json:"operation"`
	Status          string    `json:"status"`
	PromptTokensEst int       `json:"prompt_tokens_est"`
	TokensIn        int       `json:"tokens_in"`
	TokensOut       int       `json:"tokens_out"`
	LatencyMS       int64     `json:"latency_ms"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at,omitzero"`
}

// Snapshot summarizes one backend's recent performance for routing
// decisions.
type Snapshot struct {
	Requests     int
	SuccessRate  float64 // percent, 0..100
	AvgLatencyMS float64
}

// Aggregates is the per-backend, per-operation daily rollup.
type Aggregates struct {
	Backend      string  `json:"backend"`
	Operation    string  `json:"operation"`
	Date         string  `json:"date"`
	Requests     int     `json:"requests"`
	Successes    int     `json:"successes"`
	SuccessRate  float64 `json:"success_rate"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	P95LatencyMS float64 `json:"p95_latency_ms"`
	P99LatencyMS float64 `json:"p99_latency_ms"`
}

// memStats is the in-process fallback used when Redis is unreachable, so the
// selector still sees live success rates during an outage.
type memStats struct {
	requests   int
	successes  int
	latencySum float64
}

// Recorder persists per-request metrics to Redis and keeps an in-memory
// mirror for graceful degradation. All write paths are fail-open: a Redis
// outage costs history, never a request.
type Recorder struct {
	rdb  *redis.Client
	prom *Registry

	mu  sync.RWMutex
	mem map[string]*memStats // keyed by backend id
}

// NewRecorder creates a Recorder. prom may be nil in tests.
func NewRecorder(rdb *redis.Client, prom *Registry) *Recorder {
	return &Recorder{
		rdb:  rdb,
		prom: prom,
		mem:  make(map[string]*memStats),
	}
}

func dateOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

func dailyField(backend, operation, name string) string {
	return backend + "|" + operation + "|" + name
}

// RecordStart registers the beginning of a dispatch and returns its request
// id for the matching RecordEnd.
func (r *Recorder) RecordStart(ctx context.Context, backend, operation string, promptTokens int) string {
	id := uuid.NewString()

	err := r.rdb.HSet(ctx, requestKeyPrefix+id, map[string]any{
		"backend":           backend,
		"operation":         operation,
		"prompt_tokens_est": promptTokens,
		"started_at":        time.Now().UTC().Format(time.RFC3339Nano),
		"status":            "started",
	}).Err()
	if err == nil {
		err = r.rdb.Expire(ctx, requestKeyPrefix+id, requestTTL).Err()
	}
	if err != nil {
		slog.WarnContext(ctx, "metrics_record_start_error",
			slog.String("backend", backend),
			slog.String("error", err.Error()),
		)
	}

	return id
}

// RecordEnd completes the request record and folds it into the daily
// aggregates. Calling it twice for the same id is a no-op: the first call
// wins via a SETNX marker.
func (r *Recorder) RecordEnd(ctx context.Context, id, backend, operation string, success bool, tokensIn, tokensOut int, latency time.Duration) {
	first, err := r.rdb.SetNX(ctx, endKeyPrefix+id, 1, requestTTL).Result()
	if err != nil {
		r.recordEndMemory(backend, success, latency)
		slog.WarnContext(ctx, "metrics_record_end_error",
			slog.String("backend", backend),
			slog.String("error", err.Error()),
		)
		return
	}
	if !first {
		return
	}

	r.recordEndMemory(backend, success, latency)

	now := time.Now()
	date := dateOf(now)
	latencyMS := latency.Milliseconds()

	status := "error"
	if success {
		status = "success"
	}

	pipe := r.rdb.Pipeline()

	pipe.HSet(ctx, requestKeyPrefix+id, map[string]any{
		"status":     status,
		"tokens_in":  tokensIn,
		"tokens_out": tokensOut,
		"latency_ms": latencyMS,
		"ended_at":   now.UTC().Format(time.RFC3339Nano),
	})

	dailyKey := dailyKeyPrefix + date
	pipe.HIncrBy(ctx, dailyKey, dailyField(backend, operation, "requests"), 1)
	if success {
		pipe.HIncrBy(ctx, dailyKey, dailyField(backend, operation, "successes"), 1)
	}
	pipe.HIncrBy(ctx, dailyKey, dailyField(backend, operation, "tokens_in"), int64(tokensIn))
	pipe.HIncrBy(ctx, dailyKey, dailyField(backend, operation, "tokens_out"), int64(tokensOut))
	pipe.Expire(ctx, dailyKey, dailyTTL)

	latencyKey := latencyKeyPrefix + backend + ":" + operation + ":" + date
	pipe.LPush(ctx, latencyKey, latencyMS)
	pipe.LTrim(ctx, latencyKey, 0, latencyMaxLen-1)
	pipe.Expire(ctx, latencyKey, dailyTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "metrics_record_end_error",
			slog.String("backend", backend),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Recorder) recordEndMemory(backend string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.mem[backend]
	if !ok {
		s = &memStats{}
		r.mem[backend] = s
	}
	s.requests++
	if success {
		s.successes++
	}
	s.latencySum += float64(latency.Milliseconds())
}

// GetRequest reads back the per-request record written by RecordStart and
// RecordEnd. A missing or expired id yields ErrRequestNotFound.
func (r *Recorder) GetRequest(ctx context.Context, id string) (*RequestRecord, error) {
	fields, err := r.rdb.HGetAll(ctx, requestKeyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("metrics: request %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrRequestNotFound
	}

	rec := &RequestRecord{
		ID:              id,
		Backend:         fields["backend"],
		Operation:       fields["operation"],
		Status:          fields["status"],
		PromptTokensEst: atoi(fields["prompt_tokens_est"]),
		TokensIn:        atoi(fields["tokens_in"]),
		TokensOut:       atoi(fields["tokens_out"]),
		LatencyMS:       int64(atoi(fields["latency_ms"])),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["started_at"]); err == nil {
		rec.StartedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["ended_at"]); err == nil {
		rec.EndedAt = ts
	}
	return rec, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// GetAggregates returns the daily rollup for (backend, operation, date).
// Percentiles are computed from the capped latency sample list.
func (r *Recorder) GetAggregates(ctx context.Context, backend, operation, date string) (*Aggregates, error) {
	dailyKey := dailyKeyPrefix + date

	fields, err := r.rdb.HMGet(ctx, dailyKey,
		dailyField(backend, operation, "requests"),
		dailyField(backend, operation, "successes"),
		dailyField(backend, operation, "tokens_in"),
		dailyField(backend, operation, "tokens_out"),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("metrics: daily %s: %w", dailyKey, err)
	}

	agg := &Aggregates{
		Backend:   backend,
		Operation: operation,
		Date:      date,
		Requests:  toInt(fields[0]),
		Successes: toInt(fields[1]),
		TokensIn:  toInt(fields[2]),
		TokensOut: toInt(fields[3]),
	}
	if agg.Requests > 0 {
		agg.SuccessRate = 100 * float64(agg.Successes) / float64(agg.Requests)
	}

	latencyKey := latencyKeyPrefix + backend + ":" + operation + ":" + date
	raw, err := r.rdb.LRange(ctx, latencyKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("metrics: latency %s: %w", latencyKey, err)
	}

	samples := make([]float64, 0, len(raw))
	sum := 0.0
	for _, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		samples = append(samples, v)
		sum += v
	}
	if len(samples) > 0 {
		sort.Float64s(samples)
		agg.AvgLatencyMS = sum / float64(len(samples))
		agg.P95LatencyMS = percentile(samples, 0.95)
		agg.P99LatencyMS = percentile(samples, 0.99)
	}

	return agg, nil
}

// percentile returns the p-quantile of sorted samples using nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func toInt(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}

// BackendSnapshot returns today's performance summary for a backend across
// generate and embed operations. Falls back to the in-memory mirror when
// Redis is unavailable; an unknown backend reports a perfect snapshot so a
// cold start never penalizes routing.
func (r *Recorder) BackendSnapshot(ctx context.Context, backend string) Snapshot {
	date := dateOf(time.Now())

	var (
		requests, successes int
		latencySum          float64
		latencyCount        int
		redisOK             = true
	)

	for _, op := range []string{"generate", "embed"} {
		agg, err := r.GetAggregates(ctx, backend, op, date)
		if err != nil {
			redisOK = false
			break
		}
		requests += agg.Requests
		successes += agg.Successes
		if agg.Requests > 0 && agg.AvgLatencyMS > 0 {
			latencySum += agg.AvgLatencyMS * float64(agg.Requests)
			latencyCount += agg.Requests
		}
	}

	if !redisOK {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if s, ok := r.mem[backend]; ok && s.requests > 0 {
			return Snapshot{
				Requests:     s.requests,
				SuccessRate:  100 * float64(s.successes) / float64(s.requests),
				AvgLatencyMS: s.latencySum / float64(s.requests),
			}
		}
		return Snapshot{SuccessRate: 100}
	}

	if requests == 0 {
		return Snapshot{SuccessRate: 100}
	}

	snap := Snapshot{
		Requests:    requests,
		SuccessRate: 100 * float64(successes) / float64(requests),
	}
	if latencyCount > 0 {
		snap.AvgLatencyMS = latencySum / float64(latencyCount)
	}
	return snap
}

// StoreHealthy reports whether the metrics store answers a PING. Used by the
// health endpoint; routing never depends on it.
func (r *Recorder) StoreHealthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return r.rdb.Ping(pingCtx).Err() == nil
}
