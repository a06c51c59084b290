// Package runner claims queued jobs and drives them through their handlers.
// Full runner passes are serialized across processes by a pg advisory lock;
// within a pass, per-type concurrency caps bound parallelism.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	obs "github.com/commercekit/vendbridge/internal/adapter/observability"
	"github.com/commercekit/vendbridge/internal/config"
	"github.com/commercekit/vendbridge/internal/domain"
	"github.com/commercekit/vendbridge/internal/observability"
	"github.com/commercekit/vendbridge/internal/service/flags"
)

// Locker serializes full runner passes across processes.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Summary reports one runner pass.
type Summary struct {
	Claimed      int           `json:"claimed"`
	Completed    int           `json:"completed"`
	Retried      int           `json:"retried"`
	DeadLettered int           `json:"dead_lettered"`
	SkippedLock  bool          `json:"skipped_lock"`
	KillSwitch   bool          `json:"kill_switch"`
	Elapsed      time.Duration `json:"elapsed_ms"`
}

// Runner is the queue worker loop.
type Runner struct {
	cfg      config.Config
	jobs     domain.JobRepository
	flags    *flags.Registry
	lock     Locker
	handlers *HandlerSet

	mu      sync.Mutex
	running bool
}

// New constructs a Runner. lock may be nil to disable cross-process
// singleflight (tests, explicit multi-runner deployments).
func New(cfg config.Config, jobs domain.JobRepository, reg *flags.Registry, lock Locker, handlers *HandlerSet) *Runner {
	return &Runner{cfg: cfg, jobs: jobs, flags: reg, lock: lock, handlers: handlers}
}

// Run executes one runner pass: claim up to limit jobs (optionally one type)
// and process them. With the continuous flag on, it keeps claiming until the
// soft deadline or an empty claim.
func (r *Runner) Run(ctx context.Context, limit int, jobType string) (Summary, error) {
	tracer := otel.Tracer("runner")
	ctx, span := tracer.Start(ctx, "runner.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("run.limit", limit), attribute.String("run.type", jobType))

	start := time.Now()
	var sum Summary

	if limit <= 0 {
		limit = r.cfg.RunnerBatchLimit
	}

	killed, err := r.killSwitchOn(ctx)
	if err != nil {
		return sum, err
	}
	if killed {
		sum.KillSwitch = true
		sum.Elapsed = time.Since(start)
		return sum, nil
	}

	// Only one full pass at a time, in-process and across processes.
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		sum.SkippedLock = true
		return sum, nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	// Operators can drop the cross-process singleflight at runtime, letting
	// several runner processes claim in parallel. SKIP LOCKED keeps the
	// claims disjoint either way.
	noSingleflight, _ := r.flags.Bool(ctx, flags.QueueDisableSingleflight, false)
	if r.lock != nil && !noSingleflight {
		got, err := r.lock.TryAcquire(ctx)
		if err != nil {
			return sum, fmt.Errorf("op=runner.run lock: %w", err)
		}
		if !got {
			sum.SkippedLock = true
			sum.Elapsed = time.Since(start)
			return sum, nil
		}
		defer func() {
			if err := r.lock.Release(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("runner lock release failed", slog.Any("error", err))
			}
		}()
	}

	continuous, _ := r.flags.Bool(ctx, flags.QueueContinuous, true)
	deadline := start.Add(r.cfg.RunnerSoftDeadline)

	for {
		claimed, err := r.claimOnce(ctx, limit-sum.Claimed, jobType)
		if err != nil {
			return sum, err
		}
		if len(claimed) == 0 {
			break
		}
		sum.Claimed += len(claimed)
		r.processBatch(ctx, claimed, &sum)

		if !continuous || sum.Claimed >= limit || time.Now().After(deadline) || ctx.Err() != nil {
			break
		}
		// Kill switch may flip mid-pass; honor it before claiming again.
		if killed, _ := r.killSwitchOn(ctx); killed {
			sum.KillSwitch = true
			break
		}
	}

	sum.Elapsed = time.Since(start)
	slog.Info("runner pass done",
		slog.Int("claimed", sum.Claimed),
		slog.Int("completed", sum.Completed),
		slog.Int("retried", sum.Retried),
		slog.Int("dead_lettered", sum.DeadLettered),
		slog.Duration("elapsed", sum.Elapsed))
	return sum, nil
}

func (r *Runner) killSwitchOn(ctx context.Context) (bool, error) {
	kill, err := r.flags.Bool(ctx, flags.QueueKillAll, false)
	if err != nil {
		return false, fmt.Errorf("op=runner.run flags: %w", err)
	}
	if kill {
		slog.Warn("runner refused: queue.kill_all set")
		return true, nil
	}
	enabled, err := r.flags.Bool(ctx, flags.QueueRunnerEnabled, true)
	if err != nil {
		return false, fmt.Errorf("op=runner.run flags: %w", err)
	}
	if !enabled {
		slog.Info("runner disabled: queue.runner.enabled=false")
		return true, nil
	}
	return false, nil
}

// claimOnce claims up to remaining jobs across types, honoring pause flags
// and per-type caps (cap minus currently working rows).
func (r *Runner) claimOnce(ctx context.Context, remaining int, jobType string) ([]domain.Job, error) {
	if remaining <= 0 {
		return nil, nil
	}

	types := domain.JobTypes
	if jobType != "" {
		types = []string{jobType}
	}

	working, err := r.jobs.WorkingCountByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=runner.claim: %w", err)
	}

	var claimed []domain.Job
	for _, t := range types {
		if remaining <= 0 {
			break
		}
		paused, err := r.flags.Paused(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("op=runner.claim flags: %w", err)
		}
		if paused {
			continue
		}
		cap, err := r.flags.MaxConcurrency(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("op=runner.claim flags: %w", err)
		}
		slots := cap - int(working[t])
		if slots <= 0 {
			continue
		}
		if slots > remaining {
			slots = remaining
		}
		batch, err := r.jobs.ClaimBatch(ctx, domain.ClaimOptions{
			Limit:    slots,
			Type:     t,
			LeaseTTL: r.cfg.LeaseTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("op=runner.claim type=%s: %w", t, err)
		}
		claimed = append(claimed, batch...)
		remaining -= len(batch)
	}
	return claimed, nil
}

// processBatch runs claimed jobs concurrently. Claim sizes already respect
// per-type caps, so a plain WaitGroup suffices.
func (r *Runner) processBatch(ctx context.Context, batch []domain.Job, sum *Summary) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, job := range batch {
		wg.Add(1)
		go func(j domain.Job) {
			defer wg.Done()
			res := r.processOne(ctx, j)
			mu.Lock()
			switch res {
			case resultCompleted:
				sum.Completed++
			case resultRetried:
				sum.Retried++
			case resultDeadLettered:
				sum.DeadLettered++
			}
			mu.Unlock()
		}(job)
	}
	wg.Wait()
}

type result int

const (
	resultCompleted result = iota
	resultRetried
	resultDeadLettered
)

func (r *Runner) processOne(ctx context.Context, job domain.Job) result {
	tracer := otel.Tracer("runner")
	ctx, span := tracer.Start(ctx, "runner.processOne")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", job.ID), attribute.String("job.type", job.Type))

	lg := observability.LoggerFromContext(ctx).With(
		slog.Int64("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempt", job.Attempts))
	ctx = observability.ContextWithLogger(ctx, lg)
	if job.CorrelationID != "" {
		ctx = observability.ContextWithRequestID(ctx, job.CorrelationID)
	}

	obs.StartWorkingJob(job.Type)
	_ = r.jobs.AppendLog(ctx, domain.JobLog{
		JobID: job.ID, Level: "info",
		Message:       fmt.Sprintf("job.claimed attempt=%d/%d", job.Attempts, job.MaxAttempts),
		CorrelationID: job.CorrelationID,
	})

	// The lease must outlive slow handlers (rate-limit waits, verify polls).
	hbCtx, stopHB := context.WithCancel(ctx)
	go r.heartbeatLoop(hbCtx, job.ID)

	err := r.handlers.Dispatch(ctx, job)
	stopHB()

	if err == nil || errors.Is(err, domain.ErrDuplicate) {
		if errors.Is(err, domain.ErrDuplicate) {
			lg.Info("duplicate coerced to success")
			_ = r.jobs.AppendLog(ctx, domain.JobLog{
				JobID: job.ID, Level: "info", Message: "job.duplicate",
				CorrelationID: job.CorrelationID,
			})
		}
		if cErr := r.jobs.Complete(ctx, job.ID); cErr != nil {
			lg.Error("complete failed", slog.Any("error", cErr))
		}
		obs.CompleteJob(job.Type)
		return resultCompleted
	}

	lg.Warn("job failed", slog.Any("error", err), slog.String("fail_code", domain.FailCode(err)))
	if fErr := r.jobs.Fail(ctx, job.ID, err); fErr != nil {
		lg.Error("fail transition failed", slog.Any("error", fErr))
	}
	maxAttempts := job.MaxAttempts
	if domain.FailCode(err) == "internal" && maxAttempts > 2 {
		maxAttempts = 2
	}
	if domain.Retriable(err) && job.Attempts < maxAttempts {
		obs.RetryJob(job.Type)
		return resultRetried
	}
	obs.DLQJob(job.Type, domain.FailCode(err))
	return resultDeadLettered
}

func (r *Runner) heartbeatLoop(ctx context.Context, jobID int64) {
	t := time.NewTicker(r.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.jobs.Heartbeat(ctx, jobID, r.cfg.LeaseTTL); err != nil {
				slog.Warn("heartbeat failed", slog.Int64("job_id", jobID), slog.Any("error", err))
				return
			}
		}
	}
}
