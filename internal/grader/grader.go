// Package grader computes the discrete health grade from queue, webhook and
// vendor telemetry, applies the matching degrade or restore actions through
// the flag registry, and records an audit row per cycle.
package grader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	obs "github.com/commercekit/vendbridge/internal/adapter/observability"
	"github.com/commercekit/vendbridge/internal/config"
	"github.com/commercekit/vendbridge/internal/domain"
	"github.com/commercekit/vendbridge/internal/service/flags"
)

// BreakerProbe exposes the vendor circuit breaker state.
type BreakerProbe interface {
	Tripped() (bool, time.Time)
}

// AuditSink persists one grading cycle.
type AuditSink interface {
	Record(ctx context.Context, a domain.GradeAudit) error
}

// RatesFunc returns the vendor 5xx and 429 rates over the grading window.
type RatesFunc func() (rate5xx, rate429 float64)

// Observations is the full metric snapshot one grading cycle runs on.
type Observations struct {
	Pending           int64
	Working           int64
	DonePerMin        int64
	OldestPendingAgeS int64
	StuckWorking15m   int64
	DLQ               int64
	LastEventAgeS     int64 // -1 when no webhook was ever ingested
	Rate5xx           float64
	Rate429           float64
	BreakerTripped    bool
	VendorConfigOK    bool
}

// Result is what one grading cycle decided and did.
type Result struct {
	Grade   domain.Grade       `json:"grade"`
	Score   int                `json:"score"`
	Reasons []string           `json:"reasons"`
	Metrics map[string]float64 `json:"metrics"`
	Actions []string           `json:"actions"`
}

// Grader runs the watchdog cycle.
type Grader struct {
	cfg      config.Config
	jobs     domain.JobRepository
	webhooks domain.WebhookRepository
	flags    *flags.Registry
	audits   AuditSink
	rates    RatesFunc
	breaker  BreakerProbe
}

// New wires a Grader. audits and breaker may be nil; rates defaults to the
// in-process vendor window.
func New(cfg config.Config, jobs domain.JobRepository, webhooks domain.WebhookRepository, reg *flags.Registry, audits AuditSink, rates RatesFunc, breaker BreakerProbe) *Grader {
	if rates == nil {
		rates = obs.VendRates5m
	}
	return &Grader{
		cfg:      cfg,
		jobs:     jobs,
		webhooks: webhooks,
		flags:    reg,
		audits:   audits,
		rates:    rates,
		breaker:  breaker,
	}
}

// RunCycle performs one grading pass: observe, evaluate, apply, audit.
func (g *Grader) RunCycle(ctx context.Context) (Result, error) {
	o, err := g.observe(ctx)
	if err != nil {
		return Result{}, err
	}

	grade, reasons, score := Evaluate(o)
	actions := g.apply(ctx, grade)

	res := Result{
		Grade:   grade,
		Score:   score,
		Reasons: reasons,
		Metrics: o.metrics(),
		Actions: actions,
	}

	obs.SetGrade(string(grade))
	obs.QueueDepth.WithLabelValues("pending").Set(float64(o.Pending))
	obs.QueueDepth.WithLabelValues("working").Set(float64(o.Working))
	obs.QueueDepth.WithLabelValues("dlq").Set(float64(o.DLQ))
	obs.OldestPendingAge.Set(float64(o.OldestPendingAgeS))

	slog.Info("grading cycle",
		slog.String("grade", string(grade)),
		slog.Int("score", score),
		slog.Any("reasons", reasons),
		slog.Any("actions", actions))

	if g.audits != nil {
		if aErr := g.audits.Record(ctx, domain.GradeAudit{
			Grade:   grade,
			Score:   score,
			Reasons: reasons,
			Metrics: res.Metrics,
			Actions: actions,
		}); aErr != nil {
			slog.Error("grade audit write failed", slog.Any("error", aErr))
		}
	}
	return res, nil
}

func (g *Grader) observe(ctx context.Context) (Observations, error) {
	counts, err := g.jobs.Counts(ctx)
	if err != nil {
		return Observations{}, fmt.Errorf("op=grader.observe counts: %w", err)
	}

	lastEventAge := int64(-1)
	if age, aErr := g.webhooks.LastEventAge(ctx); aErr == nil {
		lastEventAge = int64(age / time.Second)
	} else if !errors.Is(aErr, domain.ErrNotFound) {
		slog.Warn("webhook age probe failed", slog.Any("error", aErr))
	}

	rate5xx, rate429 := g.rates()

	tripped := false
	if g.breaker != nil {
		tripped, _ = g.breaker.Tripped()
	}

	return Observations{
		Pending:           counts.Pending,
		Working:           counts.Working,
		DonePerMin:        counts.DonePerMin,
		OldestPendingAgeS: counts.OldestPendingAgeS,
		StuckWorking15m:   counts.StuckWorking15m,
		DLQ:               counts.DLQ,
		LastEventAgeS:     lastEventAge,
		Rate5xx:           rate5xx,
		Rate429:           rate429,
		BreakerTripped:    tripped,
		VendorConfigOK:    vendorConfigOK(g.cfg),
	}, nil
}

// Evaluate applies the grading rules to one snapshot. RED triggers win over
// AMBER; an empty reason list grades GREEN.
func Evaluate(o Observations) (domain.Grade, []string, int) {
	var red, amber []string

	if o.Pending > 5000 {
		red = append(red, "pending_gt_5000")
	}
	if o.OldestPendingAgeS > 1800 {
		red = append(red, "oldest_pending_gt_1800")
	}
	if o.DonePerMin == 0 && o.Pending > 0 && o.OldestPendingAgeS > 600 {
		red = append(red, "no_throughput")
	}
	if o.Rate5xx > 0.15 {
		red = append(red, "rate_5xx_gt_15pct")
	}
	if o.Rate429 > 0.20 {
		red = append(red, "rate_429_gt_20pct")
	}
	if o.LastEventAgeS > 900 {
		red = append(red, "webhook_silence_gt_900")
	}
	if !o.VendorConfigOK {
		red = append(red, "vendor_config_invalid")
	}
	if len(red) > 0 {
		return domain.GradeRed, red, score(red, nil)
	}

	if o.Pending > 1000 {
		amber = append(amber, "pending_gt_1000")
	}
	if o.OldestPendingAgeS > 600 {
		amber = append(amber, "oldest_pending_gt_600")
	}
	if o.Rate5xx > 0.05 {
		amber = append(amber, "rate_5xx_gt_5pct")
	}
	if o.Rate429 > 0.05 {
		amber = append(amber, "rate_429_gt_5pct")
	}
	if o.LastEventAgeS > 300 {
		amber = append(amber, "webhook_silence_gt_300")
	}
	if o.BreakerTripped {
		amber = append(amber, "breaker_tripped")
	}
	if len(amber) > 0 {
		return domain.GradeAmber, amber, score(nil, amber)
	}

	return domain.GradeGreen, nil, 100
}

func score(red, amber []string) int {
	s := 100 - 30*len(red) - 10*len(amber)
	if s < 0 {
		s = 0
	}
	return s
}

const (
	amberBanner = "Sync degraded: elevated queue depth or vendor errors. Writes continue with reduced concurrency."
	redBanner   = "Sync halted: system health is RED. Writes are disabled until the queue recovers."

	// The cap AMBER puts on inventory.command. GREEN removes the override
	// only when it still holds this value, so an operator-set cap survives.
	amberInventoryCap = "2"
)

// apply drives the flag changes for the decided grade and returns what it
// changed, in "key=value" form for the audit row.
func (g *Grader) apply(ctx context.Context, grade domain.Grade) []string {
	var actions []string
	set := func(key, value string) {
		if err := g.flags.Set(ctx, key, value); err != nil {
			slog.Error("grade action failed", slog.String("key", key), slog.Any("error", err))
			return
		}
		actions = append(actions, key+"="+value)
	}
	unset := func(key string) {
		if err := g.flags.Delete(ctx, key); err != nil {
			slog.Error("grade action failed", slog.String("key", key), slog.Any("error", err))
			return
		}
		actions = append(actions, key+"=cleared")
	}

	capKey := flags.ConcurrencyKey(domain.TypeInventoryCommand)
	switch grade {
	case domain.GradeRed:
		set(flags.UIReadonly, "true")
		set(flags.UIBanner, redBanner)
		set(flags.QueueKillAll, "true")
		set(flags.WebhookFanoutEnabled, "false")

	case domain.GradeAmber:
		set(flags.UIBanner, amberBanner)
		set(capKey, amberInventoryCap)

	default: // GREEN restores everything the grader may have degraded.
		set(flags.UIReadonly, "false")
		unset(flags.UIBanner)
		set(flags.QueueKillAll, "false")
		set(flags.WebhookFanoutEnabled, "true")
		if v, err := g.flags.String(ctx, capKey, ""); err == nil && v == amberInventoryCap {
			unset(capKey)
		}
	}
	return actions
}

// vendorConfigOK reports whether outbound vendor auth can work at all:
// either a permanent token or a complete OAuth refresh triple.
func vendorConfigOK(cfg config.Config) bool {
	if cfg.VendPermanentToken != "" {
		return true
	}
	return cfg.VendClientID != "" && cfg.VendClientSecret != "" && cfg.VendRefreshToken != ""
}

func (o Observations) metrics() map[string]float64 {
	tripped := 0.0
	if o.BreakerTripped {
		tripped = 1
	}
	return map[string]float64{
		"pending":              float64(o.Pending),
		"working":              float64(o.Working),
		"done_1m":              float64(o.DonePerMin),
		"oldest_pending_age_s": float64(o.OldestPendingAgeS),
		"stuck_working_15m":    float64(o.StuckWorking15m),
		"dlq":                  float64(o.DLQ),
		"last_event_age_s":     float64(o.LastEventAgeS),
		"rate_5xx_5m":          o.Rate5xx,
		"rate_429_5m":          o.Rate429,
		"breaker_tripped":      tripped,
	}
}
