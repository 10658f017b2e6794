// Package ratelimit implements per-key request limiting using Redis fixed
// window counters with an atomic Lua script.
//
// Key format: rate_limit:<category>:<key>, e.g. rate_limit:generate:acme.
// The window resets on its boundary rather than sliding; this keeps the hot
// path a single INCR and makes remaining-count math exact.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically increments the window counter and arms its
// expiry on first use.
// KEYS[1] = Redis key
// ARGV[1] = window size in milliseconds
// Returns: {count after increment, remaining window ttl in ms}.
var fixedWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local window = tonumber(ARGV[1])

		local count = redis.call('INCR', key)
		if count == 1 then
			redis.call('PEXPIRE', key, window)
		end

		local ttl = redis.call('PTTL', key)
		if ttl < 0 then
			redis.call('PEXPIRE', key, window)
			ttl = window
		end
		return {count, ttl}
`)

// Decision is the outcome of one CheckAndConsume call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Count     int
}

// Limiter enforces fixed-window limits against Redis.
//
// Every call consumes one slot before the limit is compared, so a burst that
// races past the limit is still counted; the overshoot counter tracks how
// many denied requests incremented a window beyond its limit.
//
// Fail-open: when Redis is unavailable the request is allowed with a full
// window reported, and the outage is logged once until Redis recovers.
type Limiter struct {
	rdb       *redis.Client
	overshoot prometheus.Counter

	degraded atomic.Bool
}

// New creates a Limiter. overshoot may be nil when the metric is not wired.
func New(rdb *redis.Client, overshoot prometheus.Counter) *Limiter {
	return &Limiter{rdb: rdb, overshoot: overshoot}
}

func windowKey(category, key string) string {
	return "rate_limit:" + category + ":" + key
}

// CheckAndConsume consumes one slot from the window for (category, key) and
// reports whether the request is within limit. limit must be > 0.
func (l *Limiter) CheckAndConsume(ctx context.Context, category, key string, limit int, window time.Duration) Decision {
	now := time.Now()

	res, err := fixedWindowScript.Run(ctx, l.rdb,
		[]string{windowKey(category, key)},
		window.Milliseconds(),
	).Int64Slice()
	if err != nil || len(res) != 2 {
		l.failOpen(ctx, err)
		return Decision{
			Allowed:   true,
			Remaining: limit,
			ResetAt:   now.Add(window),
		}
	}

	if l.degraded.Swap(false) {
		slog.InfoContext(ctx, "ratelimit_redis_recovered")
	}

	count := int(res[0])
	resetAt := now.Add(time.Duration(res[1]) * time.Millisecond)

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	allowed := count <= limit
	if !allowed && l.overshoot != nil {
		l.overshoot.Inc()
	}

	return Decision{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
		Count:     count,
	}
}

// failOpen records the degraded state and logs the transition once.
func (l *Limiter) failOpen(ctx context.Context, err error) {
	if !l.degraded.Swap(true) {
		slog.WarnContext(ctx, "ratelimit_redis_unavailable",
			slog.String("error", fmt.Sprint(err)),
		)
	}
}

// GetUsage returns the current count and reset time for (category, key)
// without consuming a slot. A missing window reports zero usage.
func (l *Limiter) GetUsage(ctx context.Context, category, key string) (int, time.Time, error) {
	rkey := windowKey(category, key)

	pipe := l.rdb.Pipeline()
	getCmd := pipe.Get(ctx, rkey)
	ttlCmd := pipe.PTTL(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: usage %s: %w", rkey, err)
	}

	count, err := getCmd.Int()
	if err == redis.Nil {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: usage %s: %w", rkey, err)
	}

	ttl, _ := ttlCmd.Result()
	return count, time.Now().Add(ttl), nil
}

// Reset clears the window for (category, key). The next request starts a
// fresh window.
func (l *Limiter) Reset(ctx context.Context, category, key string) error {
	if err := l.rdb.Del(ctx, windowKey(category, key)).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset %s:%s: %w", category, key, err)
	}
	return nil
}
