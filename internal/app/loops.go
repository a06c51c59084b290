package app

import (
	"context"
	"log/slog"
	"time"

	obs "github.com/commercekit/vendbridge/internal/adapter/observability"
	"github.com/commercekit/vendbridge/internal/config"
	"github.com/commercekit/vendbridge/internal/domain"
	"github.com/commercekit/vendbridge/internal/grader"
)

// RunReaper periodically resets expired leases until ctx is cancelled.
func RunReaper(ctx context.Context, cfg config.Config, jobs domain.JobRepository) {
	t := time.NewTicker(cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := jobs.Reap(ctx, cfg.ReapOlderThan)
			if err != nil {
				slog.Error("reap cycle failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				obs.JobsReapedTotal.Add(float64(n))
				slog.Warn("expired leases reaped", slog.Int64("count", n))
			}
		}
	}
}

// RunWatchdog drives grading cycles at the watchdog cadence until ctx is
// cancelled.
func RunWatchdog(ctx context.Context, cfg config.Config, g *grader.Grader) {
	t := time.NewTicker(cfg.WatchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := g.RunCycle(ctx); err != nil {
				slog.Error("watchdog cycle failed", slog.Any("error", err))
			}
		}
	}
}
