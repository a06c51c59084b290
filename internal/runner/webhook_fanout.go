package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/commercekit/vendbridge/internal/domain"
)

// webhookEvent routes one ingested vendor event into downstream typed jobs.
// The routing is by event family: entity-changing events trigger the matching
// pull so local state converges; unrecognized types complete without fanout.
func (h *HandlerSet) webhookEvent(ctx context.Context, job domain.Job, p *domain.WebhookEventPayload) error {
	event, err := h.webhooks.GetByWebhookID(ctx, p.WebhookID)
	if err != nil {
		// The event row is written before the fanout job; a missing row
		// means it was purged and there is nothing left to process.
		return fmt.Errorf("op=runner.webhook_event id=%s: %w: %v", p.WebhookID, domain.ErrValidation, err)
	}

	if err := h.webhooks.SetStatus(ctx, event.ID, domain.WebhookProcessing, ""); err != nil {
		h.log(ctx).Warn("webhook status update failed", slog.Any("error", err))
	}

	downstream := routeWebhook(p.WebhookType)
	spawned := 0
	for _, jobType := range downstream {
		idem := fmt.Sprintf("webhook:%s:%s", p.WebhookID, jobType)
		payload, _ := json.Marshal(domain.PullPayload{})
		id, err := h.jobs.Enqueue(ctx, domain.Job{
			IdemKey:       &idem,
			Type:          jobType,
			Payload:       payload,
			Priority:      domain.DefaultPriority,
			CorrelationID: job.CorrelationID,
		})
		if err != nil {
			_ = h.webhooks.SetStatus(ctx, event.ID, domain.WebhookFailed, err.Error())
			_ = h.webhooks.BumpStats(ctx, p.WebhookType, true)
			return fmt.Errorf("op=runner.webhook_event enqueue type=%s: %w: %v", jobType, domain.ErrInternal, err)
		}
		spawned++
		h.log(ctx).Info("webhook fanout",
			slog.String("webhook_id", p.WebhookID),
			slog.String("downstream_type", jobType),
			slog.Int64("downstream_job_id", id))
	}

	if err := h.webhooks.SetStatus(ctx, event.ID, domain.WebhookCompleted, ""); err != nil {
		h.log(ctx).Warn("webhook status update failed", slog.Any("error", err))
	}
	_ = h.webhooks.BumpStats(ctx, p.WebhookType, false)

	return h.jobs.AppendLog(ctx, domain.JobLog{
		JobID: job.ID, Level: "info",
		Message:       fmt.Sprintf("webhook.fanout id=%s type=%s spawned=%d", p.WebhookID, p.WebhookType, spawned),
		CorrelationID: job.CorrelationID,
	})
}

// routeWebhook maps a vendor event type to the downstream jobs it spawns.
func routeWebhook(webhookType string) []string {
	switch {
	case strings.HasPrefix(webhookType, "inventory."):
		return []string{domain.TypePullInventory}
	case strings.HasPrefix(webhookType, "product."):
		return []string{domain.TypePullProducts}
	case strings.HasPrefix(webhookType, "consignment."):
		return []string{domain.TypePullConsignments}
	case strings.HasPrefix(webhookType, "sale."):
		// Sales move stock: refresh inventory.
		return []string{domain.TypePullInventory}
	default:
		return nil
	}
}
