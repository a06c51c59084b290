package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/commercekit/vendbridge/internal/domain"
)

// Consignment handlers. The 409-as-success coercion happens in the runner
// loop (ErrDuplicate), so these only translate payloads into vendor calls.

func (h *HandlerSet) createConsignment(ctx context.Context, job domain.Job, p *domain.CreateConsignmentPayload) error {
	idem := p.IdempotencyKey
	if idem == "" {
		idem = fmt.Sprintf("transfer:%d:create", p.TransferPK)
	}

	body := map[string]any{
		"type":             "OUTLET",
		"outlet_id":        p.DestOutletID,
		"source_outlet_id": p.SourceOutletID,
		"status":           "OPEN",
		"name":             fmt.Sprintf("Transfer %d", p.TransferPK),
	}
	created, err := h.api.CreateConsignment(ctx, body, idem)
	if err != nil {
		return err
	}

	var consignment struct {
		ID string `json:"id"`
	}
	if jErr := json.Unmarshal(created, &consignment); jErr != nil || consignment.ID == "" {
		return fmt.Errorf("op=runner.create_consignment: vendor response missing id: %w", domain.ErrTransientVendor)
	}

	// Lines are sequenced one call per product so a mid-flight failure can
	// resume idempotently on retry.
	for i, line := range p.Lines {
		lineIdem := fmt.Sprintf("%s:line:%s", idem, line.ProductID)
		lineBody := map[string]any{"product_id": line.ProductID, "count": line.Quantity}
		if err := h.api.UpsertConsignmentLine(ctx, consignment.ID, lineBody, lineIdem); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				continue
			}
			return fmt.Errorf("op=runner.create_consignment line=%d: %w", i, err)
		}
	}

	h.log(ctx).Info("consignment created",
		slog.String("consignment_id", consignment.ID),
		slog.Int64("transfer_pk", p.TransferPK),
		slog.Int("lines", len(p.Lines)))
	_ = h.jobs.AppendLog(ctx, domain.JobLog{
		JobID: job.ID, Level: "info",
		Message:       fmt.Sprintf("consignment.created vendor_id=%s lines=%d", consignment.ID, len(p.Lines)),
		CorrelationID: job.CorrelationID,
	})
	return nil
}

func (h *HandlerSet) updateConsignment(ctx context.Context, job domain.Job, p *domain.UpdateConsignmentPayload) error {
	idem := fmt.Sprintf("consignment:%s:update:%s", p.ConsignmentID, p.Status)

	body := map[string]any{}
	if p.Status != "" {
		body["status"] = p.Status
	}
	if _, err := h.api.UpdateConsignment(ctx, p.ConsignmentID, body, idem); err != nil {
		return err
	}
	for _, line := range p.Lines {
		lineIdem := fmt.Sprintf("%s:line:%s", idem, line.ProductID)
		lineBody := map[string]any{"product_id": line.ProductID, "count": line.Quantity}
		if err := h.api.UpsertConsignmentLine(ctx, p.ConsignmentID, lineBody, lineIdem); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				continue
			}
			return err
		}
	}
	_ = h.jobs.AppendLog(ctx, domain.JobLog{
		JobID: job.ID, Level: "info",
		Message:       fmt.Sprintf("consignment.updated id=%s status=%s", p.ConsignmentID, p.Status),
		CorrelationID: job.CorrelationID,
	})
	return nil
}

func (h *HandlerSet) cancelConsignment(ctx context.Context, job domain.Job, p *domain.CancelConsignmentPayload) error {
	idem := fmt.Sprintf("consignment:%s:cancel", p.ConsignmentID)
	if err := h.api.CancelConsignment(ctx, p.ConsignmentID, idem); err != nil {
		return err
	}
	_ = h.jobs.AppendLog(ctx, domain.JobLog{
		JobID: job.ID, Level: "info",
		Message:       "consignment.cancelled id=" + p.ConsignmentID,
		CorrelationID: job.CorrelationID,
	})
	return nil
}

func (h *HandlerSet) editConsignmentLines(ctx context.Context, job domain.Job, p *domain.EditConsignmentLinesPayload) error {
	// Sequenced per line: each call is idempotent by key, so a retry resumes
	// where the previous attempt stopped.
	for _, line := range p.Add {
		idem := fmt.Sprintf("consignment:%s:add:%s", p.ConsignmentID, line.ProductID)
		body := map[string]any{"product_id": line.ProductID, "count": line.Quantity}
		if err := h.api.UpsertConsignmentLine(ctx, p.ConsignmentID, body, idem); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				continue
			}
			return err
		}
	}
	for _, line := range p.Remove {
		idem := fmt.Sprintf("consignment:%s:remove:%s", p.ConsignmentID, line.ProductID)
		body := map[string]any{"product_id": line.ProductID, "count": 0}
		if err := h.api.UpsertConsignmentLine(ctx, p.ConsignmentID, body, idem); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				continue
			}
			return err
		}
	}
	_ = h.jobs.AppendLog(ctx, domain.JobLog{
		JobID: job.ID, Level: "info",
		Message:       fmt.Sprintf("consignment.lines_edited id=%s add=%d remove=%d", p.ConsignmentID, len(p.Add), len(p.Remove)),
		CorrelationID: job.CorrelationID,
	})
	return nil
}

func (h *HandlerSet) markTransferPartial(ctx context.Context, job domain.Job, p *domain.MarkTransferPartialPayload) error {
	// Local bookkeeping: record the outstanding lines so the platform can
	// surface a partial receipt. No vendor call is required.
	h.log(ctx).Info("transfer marked partial",
		slog.Int64("transfer_pk", p.TransferPK),
		slog.Int("outstanding", len(p.OutstandingLines)))
	return h.jobs.AppendLog(ctx, domain.JobLog{
		JobID: job.ID, Level: "info",
		Message:       fmt.Sprintf("transfer.partial pk=%d outstanding=%d", p.TransferPK, len(p.OutstandingLines)),
		CorrelationID: job.CorrelationID,
	})
}
