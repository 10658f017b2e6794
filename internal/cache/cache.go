package cache

import (
	"context"
	"time"
)

// Cache is the response cache contract shared by the Redis, in-memory, and
// sharded backends.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes every key starting with prefix and returns the
	// number of entries removed. Tenant flushes go through this.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}
