// Command server starts the vendbridge HTTP server: admin control surface,
// webhook intake, background reaper and watchdog loops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/commercekit/vendbridge/internal/adapter/httpserver"
	"github.com/commercekit/vendbridge/internal/adapter/observability"
	"github.com/commercekit/vendbridge/internal/adapter/repo/postgres"
	"github.com/commercekit/vendbridge/internal/adapter/vend"
	"github.com/commercekit/vendbridge/internal/app"
	"github.com/commercekit/vendbridge/internal/config"
	"github.com/commercekit/vendbridge/internal/grader"
	obsx "github.com/commercekit/vendbridge/internal/observability"
	"github.com/commercekit/vendbridge/internal/runner"
	"github.com/commercekit/vendbridge/internal/service/flags"
	"github.com/commercekit/vendbridge/internal/service/ratelimiter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
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

	// Repositories
	jobs := postgres.NewJobRepo(pool)
	webhooks := postgres.NewWebhookRepo(pool)
	settings := postgres.NewSettingsRepo(pool)
	cursors := postgres.NewCursorRepo(pool)
	grades := postgres.NewGradeRepo(pool)
	breakerStore := postgres.NewBreakerRepo(pool)
	lock := postgres.NewAdvisoryLock(pool)

	reg := flags.NewRegistry(settings)

	// Rate limiter: Redis token bucket mirrored to Postgres, or the
	// Postgres minute counter alone when Redis is not configured.
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
		rdb := redis.NewClient(opt)
		lua := ratelimiter.NewRedisLuaLimiter(rdb, ratelimiter.NewPostgresMirror(pool), buckets)
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
	watchdog := grader.New(cfg, jobs, webhooks, reg, grades, nil, breaker)

	srv := httpserver.NewServer(cfg, reg, jobs, webhooks, settings, run, watchdog, breaker, app.DBCheck(pool), tokens)
	handler := app.BuildRouter(cfg, srv)

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go app.RunReaper(loopCtx, cfg, jobs)
	go app.RunWatchdog(loopCtx, cfg, watchdog)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.Any("error", err))
		}
	}

	stopLoops()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
	}
	slog.Info("server stopped")
}
