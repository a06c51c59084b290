package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/commercekit/vendbridge/internal/domain"
)

// WebhookRepo persists inbound vendor events and their delivery stats.
type WebhookRepo struct{ Pool PgxPool }

// NewWebhookRepo constructs a WebhookRepo with the given pool.
func NewWebhookRepo(p PgxPool) *WebhookRepo { return &WebhookRepo{Pool: p} }

const webhookColumns = `id, webhook_id, webhook_type, raw_payload, payload, headers, source_ip,
	status, received_at, processed_at, processing_attempts, error_message,
	queue_job_id, replayed_from`

func scanWebhookEvent(row pgx.Row) (domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	err := row.Scan(&e.ID, &e.WebhookID, &e.WebhookType, &e.RawPayload, &e.Payload,
		&e.Headers, &e.SourceIP, &e.Status, &e.ReceivedAt, &e.ProcessedAt,
		&e.ProcessingAttempts, &e.ErrorMessage, &e.QueueJobID, &e.ReplayedFrom)
	return e, err
}

// Insert stores an event. The vendor-supplied webhook_id is unique; when a
// row already holds it the existing id is returned with duplicate=true so the
// receiver can acknowledge without re-ingesting.
func (r *WebhookRepo) Insert(ctx context.Context, e domain.WebhookEvent) (int64, bool, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "webhook_events"),
		attribute.String("webhook.type", e.WebhookType),
	)

	// Rejected deliveries persist as failed rows with the verification error,
	// so the entity's status and message must survive the insert.
	if e.Status == "" {
		e.Status = domain.WebhookReceived
	}
	q := `INSERT INTO webhook_events (webhook_id, webhook_type, raw_payload, payload, headers,
		source_ip, status, received_at, processing_attempts, error_message, replayed_from)
	VALUES ($1,$2,$3,$4,$5,$6,$7,now(),0,$8,$9)
	ON CONFLICT (webhook_id) DO NOTHING
	RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, e.WebhookID, e.WebhookType, e.RawPayload, e.Payload,
		e.Headers, e.SourceIP, string(e.Status), e.ErrorMessage, e.ReplayedFrom).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if err != pgx.ErrNoRows {
		return 0, false, fmt.Errorf("op=webhook.insert: %w", err)
	}
	q = `SELECT id FROM webhook_events WHERE webhook_id=$1`
	if err := r.Pool.QueryRow(ctx, q, e.WebhookID).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("op=webhook.insert lookup: %w", err)
	}
	return id, true, nil
}

// LinkJob records the fanout job spawned for an event.
func (r *WebhookRepo) LinkJob(ctx context.Context, eventID, jobID int64) error {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.LinkJob")
	defer span.End()

	q := `UPDATE webhook_events SET queue_job_id=$2 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, eventID, jobID)
	if err != nil {
		return fmt.Errorf("op=webhook.link_job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=webhook.link_job id=%d: %w", eventID, domain.ErrNotFound)
	}
	return nil
}

// SetStatus moves an event through its lifecycle. Completed and failed set
// processed_at; failed additionally bumps processing_attempts.
func (r *WebhookRepo) SetStatus(ctx context.Context, eventID int64, status domain.WebhookStatus, errMsg string) error {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.SetStatus")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.status", string(status)))

	q := `UPDATE webhook_events SET
		status=$2,
		error_message=$3,
		processed_at=CASE WHEN $2 IN ('completed','failed') THEN now() ELSE processed_at END,
		processing_attempts=processing_attempts + CASE WHEN $2='failed' THEN 1 ELSE 0 END
	WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, eventID, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("op=webhook.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=webhook.set_status id=%d: %w", eventID, domain.ErrNotFound)
	}
	return nil
}

// Get loads one event by internal id.
func (r *WebhookRepo) Get(ctx context.Context, eventID int64) (domain.WebhookEvent, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.Get")
	defer span.End()

	q := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE id=$1`
	e, err := scanWebhookEvent(r.Pool.QueryRow(ctx, q, eventID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.WebhookEvent{}, fmt.Errorf("op=webhook.get id=%d: %w", eventID, domain.ErrNotFound)
		}
		return domain.WebhookEvent{}, fmt.Errorf("op=webhook.get: %w", err)
	}
	return e, nil
}

// GetByWebhookID loads one event by the vendor-supplied id.
func (r *WebhookRepo) GetByWebhookID(ctx context.Context, webhookID string) (domain.WebhookEvent, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.GetByWebhookID")
	defer span.End()

	q := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE webhook_id=$1`
	e, err := scanWebhookEvent(r.Pool.QueryRow(ctx, q, webhookID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.WebhookEvent{}, fmt.Errorf("op=webhook.get_by_webhook_id: %w", domain.ErrNotFound)
		}
		return domain.WebhookEvent{}, fmt.Errorf("op=webhook.get_by_webhook_id: %w", err)
	}
	return e, nil
}

// ListForReplay returns non-replayed events received since the given time,
// oldest first, for the replay endpoint.
func (r *WebhookRepo) ListForReplay(ctx context.Context, since time.Time, limit int) ([]domain.WebhookEvent, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.ListForReplay")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + webhookColumns + ` FROM webhook_events
	WHERE received_at >= $1 AND status <> 'replayed' AND replayed_from IS NULL
	ORDER BY received_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, since, limit)
	if err != nil {
		return nil, fmt.Errorf("op=webhook.list_for_replay: %w", err)
	}
	defer rows.Close()
	var out []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("op=webhook.list_for_replay scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=webhook.list_for_replay rows: %w", err)
	}
	return out, nil
}

// MarkReplayed flags the source event as replayed and points it at the copy.
func (r *WebhookRepo) MarkReplayed(ctx context.Context, fromEventID, newEventID int64) error {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.MarkReplayed")
	defer span.End()

	q := `UPDATE webhook_events SET status='replayed' WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, fromEventID); err != nil {
		return fmt.Errorf("op=webhook.mark_replayed: %w", err)
	}
	q = `UPDATE webhook_events SET replayed_from=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, newEventID, fromEventID); err != nil {
		return fmt.Errorf("op=webhook.mark_replayed link: %w", err)
	}
	return nil
}

// LastEventAge returns the time since the newest received event. Returns
// ErrNotFound when no event was ever received.
func (r *WebhookRepo) LastEventAge(ctx context.Context) (time.Duration, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.LastEventAge")
	defer span.End()

	q := `SELECT EXTRACT(EPOCH FROM now() - MAX(received_at)) FROM webhook_events`
	var seconds *float64
	if err := r.Pool.QueryRow(ctx, q).Scan(&seconds); err != nil {
		return 0, fmt.Errorf("op=webhook.last_event_age: %w", err)
	}
	if seconds == nil {
		return 0, domain.ErrNotFound
	}
	return time.Duration(*seconds * float64(time.Second)), nil
}

// BumpStats upserts the daily per-type delivery counters.
func (r *WebhookRepo) BumpStats(ctx context.Context, webhookType string, failed bool) error {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.BumpStats")
	defer span.End()

	q := `INSERT INTO webhook_stats (webhook_type, day, received, failed)
	VALUES ($1, CURRENT_DATE, 1, CASE WHEN $2 THEN 1 ELSE 0 END)
	ON CONFLICT (webhook_type, day) DO UPDATE SET
		received = webhook_stats.received + 1,
		failed = webhook_stats.failed + CASE WHEN $2 THEN 1 ELSE 0 END`
	if _, err := r.Pool.Exec(ctx, q, webhookType, failed); err != nil {
		return fmt.Errorf("op=webhook.bump_stats: %w", err)
	}
	return nil
}
