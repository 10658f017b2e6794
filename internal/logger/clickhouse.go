package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const insertRequestLogs = `
	INSERT INTO request_logs (
		id, backend, operation, caller_id,
		tokens_in, tokens_out, latency_ms,
		success, cached, error, created_at
	)`

// ClickHouseSink persists request logs to a ClickHouse table via native
// batched inserts.
type ClickHouseSink struct {
	conn driver.Conn
}

// ClickHouseConfig carries connection settings for the sink.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewClickHouseSink opens a connection and verifies it with a ping.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, insertRequestLogs)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}

	for _, e := range entries {
		err := batch.Append(
			e.ID,
			e.Backend,
			e.Operation,
			e.CallerID,
			e.TokensIn,
			e.TokensOut,
			e.LatencyMs,
			e.Success,
			e.Cached,
			e.Error,
			normalizeTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
