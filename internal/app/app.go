// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — Redis connections (primary + cache shards)
//  2. initServices — Prometheus registry, recorder, rate limiter, cache
//  3. initBackends — backend registry from configuration
//  4. initDispatch — selector, queue, request logger, dispatcher
//  5. initServer   — HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	dcache "github.com/onsmartai/llm-dispatch/internal/cache"
	"github.com/onsmartai/llm-dispatch/internal/config"
	"github.com/onsmartai/llm-dispatch/internal/dispatch"
	"github.com/onsmartai/llm-dispatch/internal/logger"
	"github.com/onsmartai/llm-dispatch/internal/metrics"
	"github.com/onsmartai/llm-dispatch/internal/queue"
	"github.com/onsmartai/llm-dispatch/internal/ratelimit"
	"github.com/onsmartai/llm-dispatch/internal/registry"
	"github.com/onsmartai/llm-dispatch/internal/selector"
	"github.com/onsmartai/llm-dispatch/internal/server"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	rdb      *redis.Client
	shards   []*dcache.RedisCache
	memCache *dcache.MemoryCache

	prom     *metrics.Registry
	recorder *metrics.Recorder
	limiter  *ratelimit.Limiter
	cache    dcache.Cache

	reg       *registry.Registry
	sel       *selector.Selector
	queue     *queue.Queue
	reqLogger *logger.Logger
	disp      *dispatch.Dispatcher

	srv *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"backends", a.initBackends},
		{"dispatch", a.initDispatch},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting dispatcher",
		slog.String("version", a.version),
		slog.Int("port", a.cfg.Port),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("backends", a.reg.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Stop()
		a.queue = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("request logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	for _, s := range a.shards {
		if err := s.Close(); err != nil {
			a.log.Error("shard close error", slog.String("error", err.Error()))
		}
	}
	a.shards = nil
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING. A ping
// failure is reported but the client is still returned; every Redis-backed
// subsystem degrades gracefully while the node is away.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unreachable at startup, starting degraded",
			slog.String("error", err.Error()))
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
