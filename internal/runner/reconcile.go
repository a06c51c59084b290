package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/commercekit/vendbridge/internal/domain"
)

// reconcile inspects dead letters touching one transfer and applies the
// requested strategy. It is a local job: no vendor calls.
//
//   - report_only: record what diverged and leave the DLQ untouched.
//   - prefer_local: redrive the transfer's dead letters so local intent is
//     pushed to the vendor again.
//   - prefer_vendor: purge nothing but mark the entries reconciled in the
//     job log; the vendor state stands and the pulls will converge local state.
func (h *HandlerSet) reconcile(ctx context.Context, job domain.Job, p *domain.ReconcilePayload) error {
	entries, err := h.jobs.RecentDLQ(ctx, 500)
	if err != nil {
		return fmt.Errorf("op=runner.reconcile: %w: %v", domain.ErrInternal, err)
	}

	needle := fmt.Sprintf(`"transfer_pk":%d`, p.TransferPK)
	var matched []int64
	for _, e := range entries {
		if strings.Contains(string(e.Payload), needle) {
			matched = append(matched, e.ID)
		}
	}

	h.log(ctx).Info("reconcile scan",
		slog.Int64("transfer_pk", p.TransferPK),
		slog.String("strategy", p.Strategy),
		slog.Int("dead_letters", len(matched)))

	redriven := int64(0)
	if p.Strategy == "prefer_local" && len(matched) > 0 {
		redriven, err = h.jobs.RedriveDLQ(ctx, matched, time.Minute)
		if err != nil {
			return fmt.Errorf("op=runner.reconcile redrive: %w: %v", domain.ErrInternal, err)
		}
	}

	return h.jobs.AppendLog(ctx, domain.JobLog{
		JobID: job.ID, Level: "info",
		Message: fmt.Sprintf("reconcile.done transfer_pk=%d strategy=%s dead_letters=%d redriven=%d",
			p.TransferPK, p.Strategy, len(matched), redriven),
		CorrelationID: job.CorrelationID,
	})
}
