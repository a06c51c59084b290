package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/commercekit/vendbridge/internal/domain"
	"github.com/commercekit/vendbridge/internal/service/flags"
)

func (h *HandlerSet) pushInventoryAdjustment(ctx context.Context, job domain.Job, p *domain.PushInventoryAdjustmentPayload) error {
	idem := fmt.Sprintf("invadj:%s:%s:%d", p.ProductID, p.OutletID, p.Count)
	body := map[string]any{
		"product_id": p.ProductID,
		"outlet_id":  p.OutletID,
		"count":      p.Count,
		"note":       p.Note,
	}
	if err := h.api.AdjustInventory(ctx, body, idem); err != nil {
		return err
	}
	return h.jobs.AppendLog(ctx, domain.JobLog{
		JobID: job.ID, Level: "info",
		Message:       fmt.Sprintf("inventory.adjusted product=%s outlet=%s count=%d", p.ProductID, p.OutletID, p.Count),
		CorrelationID: job.CorrelationID,
	})
}

func (h *HandlerSet) pushProductUpdate(ctx context.Context, job domain.Job, p *domain.PushProductUpdatePayload) error {
	idem := fmt.Sprintf("product:%s:update:%d", p.ProductID, job.ID)
	if err := h.api.UpdateProduct(ctx, p.ProductID, p.Data, idem); err != nil {
		return err
	}
	return h.jobs.AppendLog(ctx, domain.JobLog{
		JobID: job.ID, Level: "info",
		Message:       "product.updated id=" + p.ProductID,
		CorrelationID: job.CorrelationID,
	})
}

// inventoryCommand sets an absolute on-hand level and verifies it by polling
// the read-back endpoint until the observed count matches or the verify
// window closes. An unverified write is treated as transient so the tight
// attempt budget for this type can retry it.
func (h *HandlerSet) inventoryCommand(ctx context.Context, job domain.Job, p *domain.InventoryCommandPayload) error {
	if killed, err := h.flags.Bool(ctx, flags.InventoryKillAll, false); err == nil && killed {
		h.log(ctx).Warn("inventory.command no-op: inventory.kill_all set",
			slog.String("product_id", p.ProductID))
		return h.jobs.AppendLog(ctx, domain.JobLog{
			JobID: job.ID, Level: "warn",
			Message:       "inventory.command.skipped inventory.kill_all",
			CorrelationID: job.CorrelationID,
		})
	}

	idem := fmt.Sprintf("invcmd:%s:%s:%d", p.ProductID, p.OutletID, p.Target)
	if p.TraceID != "" {
		idem = "invcmd:" + p.TraceID
	}
	if err := h.api.SetInventoryLevel(ctx, p.ProductID, p.OutletID, float64(p.Target), idem); err != nil {
		return err
	}

	verified, observed, attempts := h.verifyInventory(ctx, p)

	msg := fmt.Sprintf("inventory.command.verify {expected: %d, observed: %g, attempts: %d, verified: %t}",
		p.Target, observed, attempts, verified)
	level := "info"
	if !verified {
		level = "warn"
	}
	_ = h.jobs.AppendLog(ctx, domain.JobLog{
		JobID: job.ID, Level: level, Message: msg, CorrelationID: job.CorrelationID,
	})
	h.log(ctx).Log(ctx, slog.LevelInfo, "inventory verify",
		slog.Int64("expected", p.Target),
		slog.Float64("observed", observed),
		slog.Int("attempts", attempts),
		slog.Bool("verified", verified))

	if !verified {
		return fmt.Errorf("op=runner.inventory_command: unverified after %d reads (expected=%d observed=%g): %w",
			attempts, p.Target, observed, domain.ErrTransientVendor)
	}
	return nil
}

// verifyInventory polls the read-back endpoint inside the verify window.
func (h *HandlerSet) verifyInventory(ctx context.Context, p *domain.InventoryCommandPayload) (bool, float64, int) {
	window := h.cfg.VerifyWindow
	if window <= 0 {
		window = 10 * time.Second
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	expo.MaxElapsedTime = window

	var observed float64
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		lvl, err := h.api.GetInventoryLevel(ctx, p.ProductID, p.OutletID)
		if err != nil {
			return err
		}
		observed = lvl
		if int64(lvl) != p.Target {
			return fmt.Errorf("observed %g != target %d", lvl, p.Target)
		}
		return nil
	}, backoff.WithContext(expo, ctx))

	return err == nil, observed, attempts
}
