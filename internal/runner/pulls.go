package runner

import (
	"context"
	"fmt"
	"strconv"

	"log/slog"

	"github.com/commercekit/vendbridge/internal/domain"
)

// pull walks the vendor collection from the stored cursor, advancing the
// cursor after every page so a failed pull resumes at the last committed
// position instead of restarting.
func (h *HandlerSet) pull(ctx context.Context, job domain.Job, entity string) error {
	cursor, err := h.cursors.Get(ctx, entity)
	if err != nil {
		return fmt.Errorf("op=runner.pull entity=%s: %w: %v", entity, domain.ErrInternal, err)
	}

	// An explicit cursor in the payload overrides the stored one (manual
	// re-pull from a known position).
	if payload, dErr := domain.DecodePayload(job.Type, job.Payload); dErr == nil {
		if p, ok := payload.(*domain.PullPayload); ok && p.Cursor != "" {
			cursor = p.Cursor
		}
	}

	pages, items := 0, 0
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("op=runner.pull entity=%s: %w: %v", entity, domain.ErrTransientVendor, ctx.Err())
		}
		page, err := h.api.ListPage(ctx, entity, cursor)
		if err != nil {
			return err
		}
		if len(page.Data) == 0 {
			break
		}
		pages++
		items += len(page.Data)

		next := strconv.FormatInt(page.Version.Max, 10)
		if err := h.cursors.Advance(ctx, entity, next); err != nil {
			return fmt.Errorf("op=runner.pull advance entity=%s: %w: %v", entity, domain.ErrInternal, err)
		}
		cursor = next
	}

	h.log(ctx).Info("pull done",
		slog.String("entity", entity),
		slog.Int("pages", pages),
		slog.Int("items", items),
		slog.String("cursor", cursor))
	return h.jobs.AppendLog(ctx, domain.JobLog{
		JobID: job.ID, Level: "info",
		Message:       fmt.Sprintf("pull.done entity=%s pages=%d items=%d cursor=%s", entity, pages, items, cursor),
		CorrelationID: job.CorrelationID,
	})
}
