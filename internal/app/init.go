package app

import (
	"context"
	"fmt"
	"log/slog"

	dcache "github.com/onsmartai/llm-dispatch/internal/cache"
	"github.com/onsmartai/llm-dispatch/internal/dispatch"
	"github.com/onsmartai/llm-dispatch/internal/logger"
	"github.com/onsmartai/llm-dispatch/internal/metrics"
	"github.com/onsmartai/llm-dispatch/internal/queue"
	"github.com/onsmartai/llm-dispatch/internal/ratelimit"
	"github.com/onsmartai/llm-dispatch/internal/registry"
	"github.com/onsmartai/llm-dispatch/internal/selector"
	"github.com/onsmartai/llm-dispatch/internal/server"
)

// initInfra establishes the primary Redis connection. Rate limits, metrics
// rollups, and the single-node cache all share this client.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb

	return nil
}

// initServices creates the Prometheus registry, the metrics recorder, the
// rate limiter, and the cache backend.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.recorder = metrics.NewRecorder(a.rdb, a.prom)
	a.limiter = ratelimit.New(a.rdb, a.prom.RateLimitOvershoot())

	switch a.cfg.Cache.Mode {
	case "redis":
		a.cache = dcache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "sharded":
		shards := make([]dcache.Cache, 0, len(a.cfg.Cache.ShardURLs))
		for i, url := range a.cfg.Cache.ShardURLs {
			s, err := dcache.NewRedisCacheFromURL(ctx, url)
			if err != nil {
				return fmt.Errorf("cache shard %d: %w", i, err)
			}
			a.shards = append(a.shards, s)
			shards = append(shards, s)
		}

		strategy := dcache.StrategyByTenant
		if a.cfg.Cache.ShardStrategy == "by-key" {
			strategy = dcache.StrategyByKey
		}

		sharded, err := dcache.NewShardedCache(shards, strategy)
		if err != nil {
			return fmt.Errorf("sharded cache: %w", err)
		}
		a.cache = sharded
		a.log.Info("cache backend: sharded redis",
			slog.Int("shards", len(shards)),
			slog.String("strategy", a.cfg.Cache.ShardStrategy),
		)

	case "memory":
		a.memCache = dcache.NewMemoryCache(a.baseCtx)
		a.cache = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	return nil
}

// initBackends registers every configured backend. Config validation already
// guarantees at least one entry and unique ids.
func (a *App) initBackends(_ context.Context) error {
	a.reg = registry.New()

	for _, bc := range a.cfg.Backends {
		if err := a.reg.Register(bc); err != nil {
			return fmt.Errorf("backend %q: %w", bc.ID, err)
		}
	}

	a.log.Info("backends registered",
		slog.Any("ids", a.reg.IDs()),
		slog.String("default", a.reg.DefaultID()),
	)

	return nil
}

// initDispatch wires the selector, queue, request logger, and dispatcher.
func (a *App) initDispatch(ctx context.Context) error {
	a.sel = selector.New(a.reg, a.limiter, a.recorder, a.prom, selector.Config{})

	a.queue = queue.New(queue.Config{
		MaxConcurrent: a.cfg.Queue.MaxConcurrent,
		StatsInterval: a.cfg.Queue.StatsInterval,
	}, a.prom)

	// Request log sink: ClickHouse when configured, slog otherwise.
	var sink logger.Sink
	if a.cfg.ClickHouse.Addr != "" {
		chs, err := logger.NewClickHouseSink(ctx, logger.ClickHouseConfig{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
		})
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = chs
		a.log.Info("request log sink: clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))
	}

	reqLogger, err := logger.New(a.baseCtx, sink, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	var exclusions *dcache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		exclusions, err = dcache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.log.Info("cache exclusions loaded", slog.Int("rules", exclusions.Len()))
	}

	a.disp = dispatch.New(
		a.reg, a.sel, a.queue, a.cache, a.limiter, a.recorder,
		a.prom, a.reqLogger, exclusions,
		dispatch.Config{
			GenerateLimit:       a.cfg.RateLimit.GeneratePerMinute,
			EmbedLimit:          a.cfg.RateLimit.EmbedPerMinute,
			GenerateTTL:         a.cfg.Cache.GenerateTTL,
			EmbedTTL:            a.cfg.Cache.EmbedTTL,
			MaxFallbackAttempts: a.cfg.Dispatch.MaxFallbackAttempts,
			Breaker: dispatch.BreakerConfig{
				ErrorThreshold:  a.cfg.Dispatch.CBErrorThreshold,
				TimeWindow:      a.cfg.Dispatch.CBTimeWindow,
				HalfOpenTimeout: a.cfg.Dispatch.CBHalfOpenTimeout,
			},
		},
	)

	return nil
}

// initServer builds the HTTP surface.
func (a *App) initServer(_ context.Context) error {
	a.srv = server.New(server.Config{
		Addr:           fmt.Sprintf(":%d", a.cfg.Port),
		AllowedOrigins: a.cfg.CORSOrigins,
		Version:        a.version,
		DefaultTimeout: a.cfg.Queue.ExecTimeout,
	}, a.disp, a.reg, a.recorder, a.prom)

	return nil
}
