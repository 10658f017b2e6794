// Package config loads and validates all runtime configuration for the
// dispatch service.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// The backend list can only be expressed in YAML (`backends:`); everything
// else follows the usual UPPER_SNAKE_CASE env var convention.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/onsmartai/llm-dispatch/internal/backend"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Backends is the ordered list of configured model backends. The first
	// entry is the default unless a later one sets `default: true`. At least
	// one backend is required.
	Backends []backend.Config

	// Redis holds the connection URL backing rate limits, metrics, and the
	// single-node cache. Always required; the service degrades gracefully
	// when the node goes away at runtime, but needs an address to start.
	Redis RedisConfig

	// Cache controls the response cache.
	Cache CacheConfig

	// RateLimit controls per-caller request budgets.
	RateLimit RateLimitConfig

	// Queue controls the priority queue and worker pool.
	Queue QueueConfig

	// Dispatch controls fallback and circuit breaker behaviour.
	Dispatch DispatchConfig

	// ClickHouse configures the async request-log sink. Leave Addr empty to
	// log request records to slog instead.
	ClickHouse ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any
	// origin (default).
	CORSOrigins []string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"   — single Redis node (uses REDIS_URL).
	//   "sharded" — multiple Redis nodes (requires CACHE_SHARD_URLS).
	//   "memory"  — in-process TTL cache; not shared across replicas.
	// Default: "redis".
	Mode string

	// ShardURLs lists the Redis URLs for "sharded" mode, one per shard.
	ShardURLs []string

	// ShardStrategy is "by-tenant" (default) or "by-key". By-tenant keeps a
	// tenant's entries on one shard so a tenant flush touches one node.
	ShardStrategy string

	// GenerateTTL is the TTL for cached generations. Default: 1h.
	GenerateTTL time.Duration

	// EmbedTTL is the TTL for cached embeddings. Default: 24h.
	EmbedTTL time.Duration

	// ExcludeExact lists backend ids whose responses must never be cached.
	ExcludeExact []string

	// ExcludePatterns lists Go regular expressions matched against prompts.
	// Matching requests bypass the cache.
	ExcludePatterns []string
}

// RateLimitConfig controls per-caller request budgets.
type RateLimitConfig struct {
	// GeneratePerMinute is the per-caller generate budget. Default: 60.
	GeneratePerMinute int

	// EmbedPerMinute is the per-caller embed budget. Default: 120.
	EmbedPerMinute int
}

// QueueConfig controls the worker pool.
type QueueConfig struct {
	// MaxConcurrent is the number of tasks executing at once. Default: 5.
	MaxConcurrent int

	// ExecTimeout is the default per-task budget covering queue wait plus
	// execution. Default: 500s.
	ExecTimeout time.Duration

	// StatsInterval is how often queue stats are logged. Default: 30s.
	StatsInterval time.Duration
}

// DispatchConfig controls fallback and circuit breaker behaviour.
type DispatchConfig struct {
	// MaxFallbackAttempts caps the number of backends tried per request.
	// Default: 3.
	MaxFallbackAttempts int

	// CBErrorThreshold is the error count that opens a backend's breaker.
	// Default: 5.
	CBErrorThreshold int

	// CBTimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	CBTimeWindow time.Duration

	// CBHalfOpenTimeout is how long a breaker stays open before a probe.
	// Default: 30s.
	CBHalfOpenTimeout time.Duration
}

// ClickHouseConfig holds the request-log sink settings.
type ClickHouseConfig struct {
	// Addr is the native-protocol host:port. Empty disables ClickHouse.
	Addr     string
	Database string
	Username string
	Password string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CACHE_SHARD_STRATEGY", "by-tenant")
	v.SetDefault("CACHE_GENERATE_TTL", "1h")
	v.SetDefault("CACHE_EMBED_TTL", "24h")

	v.SetDefault("RATE_LIMIT_GENERATE", 60)
	v.SetDefault("RATE_LIMIT_EMBED", 120)

	v.SetDefault("MAX_CONCURRENT", 5)
	v.SetDefault("DEFAULT_EXEC_TIMEOUT", "500s")
	v.SetDefault("STATS_LOG_INTERVAL", "30s")

	v.SetDefault("MAX_FALLBACK_ATTEMPTS", 3)
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			ShardURLs:       v.GetStringSlice("CACHE_SHARD_URLS"),
			ShardStrategy:   strings.ToLower(v.GetString("CACHE_SHARD_STRATEGY")),
			GenerateTTL:     v.GetDuration("CACHE_GENERATE_TTL"),
			EmbedTTL:        v.GetDuration("CACHE_EMBED_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			GeneratePerMinute: v.GetInt("RATE_LIMIT_GENERATE"),
			EmbedPerMinute:    v.GetInt("RATE_LIMIT_EMBED"),
		},

		Queue: QueueConfig{
			MaxConcurrent: v.GetInt("MAX_CONCURRENT"),
			ExecTimeout:   v.GetDuration("DEFAULT_EXEC_TIMEOUT"),
			StatsInterval: v.GetDuration("STATS_LOG_INTERVAL"),
		},

		Dispatch: DispatchConfig{
			MaxFallbackAttempts: v.GetInt("MAX_FALLBACK_ATTEMPTS"),
			CBErrorThreshold:    v.GetInt("CB_ERROR_THRESHOLD"),
			CBTimeWindow:        v.GetDuration("CB_TIME_WINDOW"),
			CBHalfOpenTimeout:   v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if cfg.Cache.Mode == "" {
		cfg.Cache.Mode = "redis"
	}

	if err := v.UnmarshalKey("backends", &cfg.Backends); err != nil {
		return nil, fmt.Errorf("config: parse backends: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one backend is required (backends: in config.yaml)")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("config: backends[%d]: id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("config: duplicate backend id %q", b.ID)
		}
		seen[b.ID] = true
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required (rate limits and metrics are Redis-backed)")
	}

	switch c.Cache.Mode {
	case "redis", "sharded", "memory":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, sharded, memory", c.Cache.Mode)
	}
	if c.Cache.Mode == "sharded" && len(c.Cache.ShardURLs) == 0 {
		return fmt.Errorf("config: CACHE_SHARD_URLS is required when CACHE_MODE=sharded")
	}
	switch c.Cache.ShardStrategy {
	case "by-tenant", "by-key":
	default:
		return fmt.Errorf("config: invalid CACHE_SHARD_STRATEGY %q; must be by-tenant or by-key", c.Cache.ShardStrategy)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.RateLimit.GeneratePerMinute < 1 || c.RateLimit.EmbedPerMinute < 1 {
		return fmt.Errorf("config: rate limits must be ≥ 1, got generate=%d embed=%d",
			c.RateLimit.GeneratePerMinute, c.RateLimit.EmbedPerMinute)
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT must be ≥ 1, got %d", c.Queue.MaxConcurrent)
	}
	if c.Dispatch.MaxFallbackAttempts < 1 {
		return fmt.Errorf("config: MAX_FALLBACK_ATTEMPTS must be ≥ 1, got %d", c.Dispatch.MaxFallbackAttempts)
	}
	if c.Dispatch.CBErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.Dispatch.CBErrorThreshold)
	}
	if c.Dispatch.CBTimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
