// Command worker runs the queue runner loop in a dedicated process: claim,
// dispatch, heartbeat, repeat. Metrics are exposed on a side port.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/commercekit/vendbridge/internal/adapter/observability"
	"github.com/commercekit/vendbridge/internal/adapter/repo/postgres"
	"github.com/commercekit/vendbridge/internal/adapter/vend"
	"github.com/commercekit/vendbridge/internal/config"
	obsx "github.com/commercekit/vendbridge/internal/observability"
	"github.com/commercekit/vendbridge/internal/runner"
	"github.com/commercekit/vendbridge/internal/service/flags"
	"github.com/commercekit/vendbridge/internal/service/ratelimiter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobs := postgres.NewJobRepo(pool)
	webhooks := postgres.NewWebhookRepo(pool)
	settings := postgres.NewSettingsRepo(pool)
	cursors := postgres.NewCursorRepo(pool)
	breakerStore := postgres.NewBreakerRepo(pool)
	lock := postgres.NewAdvisoryLock(pool)

	reg := flags.NewRegistry(settings)

	perMin, _ := reg.Int(ctx, flags.VendRateLimitPerMin, cfg.VendRateLimitPerMin)
	buckets := map[string]ratelimiter.BucketConfig{
		ratelimiter.BucketKeyVendHTTP: ratelimiter.NewBucketConfigFromPerMinute(perMin),
	}
	var limiter ratelimiter.Limiter
	if cfg.RedisURL != "" {
		opt, rErr := redis.ParseURL(cfg.RedisURL)
		if rErr != nil {
			slog.Error("redis url parse failed", slog.Any("error", rErr))
			os.Exit(1)
		}
		lua := ratelimiter.NewRedisLuaLimiter(redis.NewClient(opt), ratelimiter.NewPostgresMirror(pool), buckets)
		if wErr := lua.WarmFromPostgres(ctx); wErr != nil {
			slog.Warn("limiter warm from postgres failed", slog.Any("error", wErr))
		}
		limiter = lua
	} else {
		limiter = ratelimiter.NewPostgresMinuteLimiter(pool, map[string]int{
			ratelimiter.BucketKeyVendHTTP: perMin,
		})
	}

	breaker := obsx.NewCircuitBreaker("vend", 5, time.Minute, breakerStore)
	tokens := vend.NewTokenSource(cfg)
	client := vend.NewClient(cfg, reg, tokens, limiter, breaker)

	handlers := runner.NewHandlerSet(cfg, client, jobs, webhooks, cursors, reg)
	run := runner.New(cfg, jobs, reg, lock, handlers)

	// Claim loop: one pass per tick; each pass internally loops until the
	// soft deadline when the continuous flag is on.
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping")
			return
		case <-tick.C:
			sum, rErr := run.Run(ctx, cfg.RunnerBatchLimit, "")
			if rErr != nil {
				slog.Error("runner pass failed", slog.Any("error", rErr))
				continue
			}
			if sum.Claimed > 0 {
				slog.Info("runner pass",
					slog.Int("claimed", sum.Claimed),
					slog.Int("completed", sum.Completed),
					slog.Int("retried", sum.Retried),
					slog.Int("dead_lettered", sum.DeadLettered))
			}
		}
	}
}
