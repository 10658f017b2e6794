package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ShardStrategy selects which part of the key drives shard placement.
type ShardStrategy string

const (
	// StrategyByTenant hashes the tenant segment of the key, so every entry
	// of one tenant lands on the same shard and a tenant flush hits exactly
	// one node.
	StrategyByTenant ShardStrategy = "by-tenant"

	// StrategyByKey hashes the full key for even distribution; tenant
	// flushes then fan out to every shard.
	StrategyByKey ShardStrategy = "by-key"
)

// Valid reports whether s is a known strategy.
func (s ShardStrategy) Valid() bool {
	return s == StrategyByTenant || s == StrategyByKey
}

// ShardedCache distributes entries across a fixed set of Cache shards using
// xxhash. The shard list is fixed at construction; resharding is a restart.
type ShardedCache struct {
	shards   []Cache
	strategy ShardStrategy
}

// NewShardedCache wraps shards with the given placement strategy.
func NewShardedCache(shards []Cache, strategy ShardStrategy) (*ShardedCache, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("cache: sharded cache needs at least one shard")
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("cache: unknown shard strategy %q", strategy)
	}
	return &ShardedCache{shards: shards, strategy: strategy}, nil
}

// shardFor picks the shard for key according to the strategy.
func (c *ShardedCache) shardFor(key string) Cache {
	selector := key
	if c.strategy == StrategyByTenant {
		selector = tenantSelector(key)
	}
	idx := xxhash.Sum64String(selector) % uint64(len(c.shards))
	return c.shards[idx]
}

// tenantSelector extracts the "tenant:<id>" prefix from a cache key. Keys
// without a tenant prefix hash as-is.
func tenantSelector(key string) string {
	if !strings.HasPrefix(key, "tenant:") {
		return key
	}
	rest := key[len("tenant:"):]
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		return key
	}
	return key[:len("tenant:")+i]
}

func (c *ShardedCache) Get(ctx context.Context, key string) ([]byte, bool) {
	return c.shardFor(key).Get(ctx, key)
}

func (c *ShardedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.shardFor(key).Set(ctx, key, value, ttl)
}

func (c *ShardedCache) Delete(ctx context.Context, key string) error {
	return c.shardFor(key).Delete(ctx, key)
}

// DeleteByPrefix removes all keys under prefix. Under the by-tenant strategy
// a tenant-shaped prefix lives on exactly one shard; everything else fans out
// to all shards and sums the counts. A shard error aborts the fan-out but
// reports what was already deleted.
func (c *ShardedCache) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if c.strategy == StrategyByTenant && strings.HasPrefix(prefix, "tenant:") {
		return c.shardFor(prefix).DeleteByPrefix(ctx, prefix)
	}

	total := 0
	for i, shard := range c.shards {
		n, err := shard.DeleteByPrefix(ctx, prefix)
		total += n
		if err != nil {
			return total, fmt.Errorf("cache: shard %d: %w", i, err)
		}
	}
	return total, nil
}

// ShardCount returns the number of shards.
func (c *ShardedCache) ShardCount() int {
	return len(c.shards)
}
