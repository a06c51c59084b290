package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/commercekit/vendbridge/internal/adapter/vend"
	"github.com/commercekit/vendbridge/internal/config"
	"github.com/commercekit/vendbridge/internal/domain"
	"github.com/commercekit/vendbridge/internal/observability"
	"github.com/commercekit/vendbridge/internal/service/flags"
)

// VendorAPI is the slice of the vendor client the handlers call.
type VendorAPI interface {
	CreateConsignment(ctx context.Context, body any, idemKey string) (json.RawMessage, error)
	UpdateConsignment(ctx context.Context, id string, body any, idemKey string) (json.RawMessage, error)
	CancelConsignment(ctx context.Context, id, idemKey string) error
	UpsertConsignmentLine(ctx context.Context, consignmentID string, line any, idemKey string) error
	UpdateProduct(ctx context.Context, id string, body any, idemKey string) error
	AdjustInventory(ctx context.Context, body any, idemKey string) error
	SetInventoryLevel(ctx context.Context, productID, outletID string, count float64, idemKey string) error
	GetInventoryLevel(ctx context.Context, productID, outletID string) (float64, error)
	ListPage(ctx context.Context, entity, after string) (vend.Page, error)
}

// HandlerSet routes a claimed job to its type handler after payload
// validation. Validation failures are terminal.
type HandlerSet struct {
	cfg      config.Config
	api      VendorAPI
	jobs     domain.JobRepository
	webhooks domain.WebhookRepository
	cursors  domain.CursorRepository
	flags    *flags.Registry
}

// NewHandlerSet wires the handlers' dependencies.
func NewHandlerSet(cfg config.Config, api VendorAPI, jobs domain.JobRepository, webhooks domain.WebhookRepository, cursors domain.CursorRepository, reg *flags.Registry) *HandlerSet {
	return &HandlerSet{
		cfg:      cfg,
		api:      api,
		jobs:     jobs,
		webhooks: webhooks,
		cursors:  cursors,
		flags:    reg,
	}
}

// Dispatch decodes the payload and invokes the type handler.
func (h *HandlerSet) Dispatch(ctx context.Context, job domain.Job) error {
	payload, err := domain.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return err
	}

	switch job.Type {
	case domain.TypeCreateConsignment:
		return h.createConsignment(ctx, job, payload.(*domain.CreateConsignmentPayload))
	case domain.TypeUpdateConsignment:
		return h.updateConsignment(ctx, job, payload.(*domain.UpdateConsignmentPayload))
	case domain.TypeCancelConsignment:
		return h.cancelConsignment(ctx, job, payload.(*domain.CancelConsignmentPayload))
	case domain.TypeEditConsignmentLines:
		return h.editConsignmentLines(ctx, job, payload.(*domain.EditConsignmentLinesPayload))
	case domain.TypeMarkTransferPartial:
		return h.markTransferPartial(ctx, job, payload.(*domain.MarkTransferPartialPayload))
	case domain.TypePushInventoryAdjustment:
		return h.pushInventoryAdjustment(ctx, job, payload.(*domain.PushInventoryAdjustmentPayload))
	case domain.TypePushProductUpdate:
		return h.pushProductUpdate(ctx, job, payload.(*domain.PushProductUpdatePayload))
	case domain.TypeInventoryCommand:
		return h.inventoryCommand(ctx, job, payload.(*domain.InventoryCommandPayload))
	case domain.TypePullProducts:
		return h.pull(ctx, job, "products")
	case domain.TypePullInventory:
		return h.pull(ctx, job, "inventory")
	case domain.TypePullConsignments:
		return h.pull(ctx, job, "consignments")
	case domain.TypeWebhookEvent:
		return h.webhookEvent(ctx, job, payload.(*domain.WebhookEventPayload))
	case domain.TypeReconcileDiscrepancies:
		return h.reconcile(ctx, job, payload.(*domain.ReconcilePayload))
	default:
		return fmt.Errorf("op=runner.dispatch: unknown type %q: %w", job.Type, domain.ErrValidation)
	}
}

func (h *HandlerSet) log(ctx context.Context) *slog.Logger {
	return observability.LoggerFromContext(ctx)
}
