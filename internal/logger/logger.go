// Package logger implements a non-blocking, batched request logger.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine — so logging never blocks the dispatch hot path.
// If the channel fills up (> 10 000 entries), new entries are dropped and
// counted in DroppedLogs. Batches go to a pluggable Sink: structured slog
// output by default, ClickHouse when configured.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one completed dispatch.
type RequestLog struct {
	ID        uuid.UUID
	Backend   string
	Operation string
	CallerID  string
	TokensIn  uint32
	TokensOut uint32
	LatencyMs uint32
	Success   bool
	Cached    bool
	Error     string
	CreatedAt time.Time
}

// Sink receives flushed batches. Implementations must tolerate being called
// from a single background goroutine.
type Sink interface {
	WriteBatch(ctx context.Context, entries []RequestLog) error
}

// Logger is the async batching front of a Sink.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// New creates a Logger flushing to sink. A nil sink falls back to slog
// output.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = &SlogSink{Log: slogger}
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues one entry, dropping it if the buffer is full.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the channel, flushes the final batch, and stops the
// background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.WriteBatch(ctx, batch); err != nil {
			l.log.WarnContext(ctx, "request_log_flush_error",
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// SlogSink writes entries as structured log lines.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) WriteBatch(ctx context.Context, entries []RequestLog) error {
	for _, e := range entries {
		s.Log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("backend", e.Backend),
			slog.String("operation", e.Operation),
			slog.String("caller_id", e.CallerID),
			slog.Uint64("tokens_in", uint64(e.TokensIn)),
			slog.Uint64("tokens_out", uint64(e.TokensOut)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Bool("success", e.Success),
			slog.Bool("cached", e.Cached),
			slog.String("error", e.Error),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
