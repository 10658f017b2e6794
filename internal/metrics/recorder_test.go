package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRecorder(t *testing.T) (*Recorder, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRecorder(rdb, nil), mr
}

func today() string { return time.Now().UTC().Format("2006-01-02") }

func TestRecordStartAssignsIDs(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	a := r.RecordStart(ctx, "openai-main", "generate", 42)
	b := r.RecordStart(ctx, "openai-main", "generate", 42)
	if a == "" || b == "" {
		t.Fatal("expected non-empty request ids")
	}
	if a == b {
		t.Fatal("request ids must be unique")
	}
}

func TestGetRequestLifecycle(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	id := r.RecordStart(ctx, "openai-main", "generate", 42)

	rec, err := r.GetRequest(ctx, id)
	if err != nil {
		t.Fatalf("GetRequest after start: %v", err)
	}
	if rec.Status != "started" {
		t.Fatalf("Status = %q, want started", rec.Status)
	}
	if rec.Backend != "openai-main" || rec.Operation != "generate" {
		t.Fatalf("record = %+v, want openai-main/generate", rec)
	}
	if rec.PromptTokensEst != 42 {
		t.Fatalf("PromptTokensEst = %d, want 42", rec.PromptTokensEst)
	}
	if rec.StartedAt.IsZero() {
		t.Fatal("StartedAt not set")
	}
	if !rec.EndedAt.IsZero() {
		t.Fatal("EndedAt set before RecordEnd")
	}

	r.RecordEnd(ctx, id, "openai-main", "generate", true, 10, 20, 150*time.Millisecond)

	rec, err = r.GetRequest(ctx, id)
	if err != nil {
		t.Fatalf("GetRequest after end: %v", err)
	}
	if rec.Status != "success" {
		t.Fatalf("Status = %q, want success", rec.Status)
	}
	if rec.TokensIn != 10 || rec.TokensOut != 20 {
		t.Fatalf("tokens = (%d, %d), want (10, 20)", rec.TokensIn, rec.TokensOut)
	}
	if rec.LatencyMS != 150 {
		t.Fatalf("LatencyMS = %d, want 150", rec.LatencyMS)
	}
	if rec.EndedAt.IsZero() {
		t.Fatal("EndedAt not set after RecordEnd")
	}
}

func TestGetRequestUnknownID(t *testing.T) {
	r, _ := newTestRecorder(t)

	_, err := r.GetRequest(context.Background(), "no-such-id")
	if !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("err = %v, want ErrRequestNotFound", err)
	}
}

func TestRecordEndAggregates(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	latencies := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	for i, lat := range latencies {
		id := r.RecordStart(ctx, "openai-main", "generate", 10)
		success := i != 2
		r.RecordEnd(ctx, id, "openai-main", "generate", success, 10, 20, lat)
	}

	agg, err := r.GetAggregates(ctx, "openai-main", "generate", today())
	if err != nil {
		t.Fatalf("GetAggregates: %v", err)
	}

	if agg.Requests != 3 {
		t.Fatalf("Requests = %d, want 3", agg.Requests)
	}
	if agg.Successes != 2 {
		t.Fatalf("Successes = %d, want 2", agg.Successes)
	}
	if agg.SuccessRate < 66 || agg.SuccessRate > 67 {
		t.Fatalf("SuccessRate = %f, want ~66.7", agg.SuccessRate)
	}
	if agg.TokensIn != 30 || agg.TokensOut != 60 {
		t.Fatalf("tokens = (%d, %d), want (30, 60)", agg.TokensIn, agg.TokensOut)
	}
	if agg.AvgLatencyMS != 200 {
		t.Fatalf("AvgLatencyMS = %f, want 200", agg.AvgLatencyMS)
	}
}

func TestRecordEndIdempotent(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	id := r.RecordStart(ctx, "openai-main", "generate", 10)
	r.RecordEnd(ctx, id, "openai-main", "generate", true, 10, 20, 100*time.Millisecond)
	r.RecordEnd(ctx, id, "openai-main", "generate", true, 10, 20, 100*time.Millisecond)
	r.RecordEnd(ctx, id, "openai-main", "generate", false, 99, 99, time.Second)

	agg, err := r.GetAggregates(ctx, "openai-main", "generate", today())
	if err != nil {
		t.Fatalf("GetAggregates: %v", err)
	}
	if agg.Requests != 1 {
		t.Fatalf("duplicate RecordEnd counted: Requests = %d, want 1", agg.Requests)
	}
	if agg.Successes != 1 {
		t.Fatalf("Successes = %d, want 1", agg.Successes)
	}
}

func TestLatencyListCapped(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	for i := 0; i < latencyMaxLen+50; i++ {
		id := r.RecordStart(ctx, "b", "generate", 1)
		r.RecordEnd(ctx, id, "b", "generate", true, 1, 1, time.Millisecond)
	}

	n, err := r.rdb.LLen(ctx, latencyKeyPrefix+"b:generate:"+today()).Result()
	if err != nil {
		t.Fatalf("LLEN: %v", err)
	}
	if n != latencyMaxLen {
		t.Fatalf("latency list length = %d, want %d", n, latencyMaxLen)
	}
}

func TestPercentiles(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	// 1..100 ms, one sample each.
	for i := 1; i <= 100; i++ {
		id := r.RecordStart(ctx, "b", "generate", 1)
		r.RecordEnd(ctx, id, "b", "generate", true, 1, 1, time.Duration(i)*time.Millisecond)
	}

	agg, err := r.GetAggregates(ctx, "b", "generate", today())
	if err != nil {
		t.Fatalf("GetAggregates: %v", err)
	}
	if agg.P95LatencyMS != 95 {
		t.Fatalf("P95 = %f, want 95", agg.P95LatencyMS)
	}
	if agg.P99LatencyMS != 99 {
		t.Fatalf("P99 = %f, want 99", agg.P99LatencyMS)
	}
}

func TestBackendSnapshot(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	// Unknown backend starts perfect.
	snap := r.BackendSnapshot(ctx, "fresh")
	if snap.SuccessRate != 100 {
		t.Fatalf("cold snapshot SuccessRate = %f, want 100", snap.SuccessRate)
	}

	for i := 0; i < 4; i++ {
		id := r.RecordStart(ctx, "b", "generate", 1)
		r.RecordEnd(ctx, id, "b", "generate", i < 3, 1, 1, 100*time.Millisecond)
	}

	snap = r.BackendSnapshot(ctx, "b")
	if snap.Requests != 4 {
		t.Fatalf("Requests = %d, want 4", snap.Requests)
	}
	if snap.SuccessRate != 75 {
		t.Fatalf("SuccessRate = %f, want 75", snap.SuccessRate)
	}
}

// TestSnapshotFallsBackToMemory verifies the in-memory mirror serves routing
// data during a Redis outage.
func TestSnapshotFallsBackToMemory(t *testing.T) {
	r, mr := newTestRecorder(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		id := r.RecordStart(ctx, "b", "generate", 1)
		r.RecordEnd(ctx, id, "b", "generate", i == 0, 1, 1, 50*time.Millisecond)
	}

	mr.Close()

	snap := r.BackendSnapshot(ctx, "b")
	if snap.Requests != 2 {
		t.Fatalf("fallback Requests = %d, want 2", snap.Requests)
	}
	if snap.SuccessRate != 50 {
		t.Fatalf("fallback SuccessRate = %f, want 50", snap.SuccessRate)
	}
}
