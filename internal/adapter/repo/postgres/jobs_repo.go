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

// JobRepo persists and leases queue jobs using a minimal pgx pool.
//
// Claiming uses FOR UPDATE SKIP LOCKED so concurrent runners never hand the
// same pending row to two workers. Leases are advisory: a working row whose
// heartbeat goes stale is reset to pending by Reap.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, idem_key, type, priority, payload, status, attempts, max_attempts,
	last_error, correlation_id, next_run_at, leased_until, heartbeat_at,
	started_at, finished_at, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.IdemKey, &j.Type, &j.Priority, &j.Payload, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.CorrelationID,
		&j.NextRunAt, &j.LeasedUntil, &j.HeartbeatAt,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// Enqueue inserts a pending job and returns its id. An idempotency key is
// bound for the lifetime of its job: while a live row (pending or working)
// holds the key the enqueue coalesces onto it, and after the job completed a
// re-submission returns the done row's id instead of queueing the work again.
// Only a DLQ move frees the key for a fresh job.
//
// Priority is stored as given; callers set the default explicitly (0 is the
// highest priority, not absence).
func (r *JobRepo) Enqueue(ctx context.Context, j domain.Job) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.type", j.Type),
	)

	if j.MaxAttempts == 0 {
		j.MaxAttempts = domain.MaxAttemptsFor(j.Type)
	}
	now := time.Now().UTC()

	if j.IdemKey != nil {
		q := `SELECT id FROM jobs WHERE idem_key=$1 AND status IN ('pending','working','done')
		ORDER BY id DESC LIMIT 1`
		var id int64
		err := r.Pool.QueryRow(ctx, q, *j.IdemKey).Scan(&id)
		if err == nil {
			return id, nil
		}
		if err != pgx.ErrNoRows {
			return 0, fmt.Errorf("op=job.enqueue lookup: %w", err)
		}
	}

	q := `INSERT INTO jobs (idem_key, type, priority, payload, status, attempts, max_attempts,
		last_error, correlation_id, next_run_at, created_at, updated_at)
	VALUES ($1,$2,$3,$4,'pending',0,$5,'',$6,$7,$8,$8)
	ON CONFLICT (idem_key) WHERE status IN ('pending','working') DO NOTHING
	RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, j.IdemKey, j.Type, j.Priority, j.Payload,
		j.MaxAttempts, j.CorrelationID, j.NextRunAt, now).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("op=job.enqueue: %w", err)
	}
	// The insert raced another enqueue that claimed the key first; surface
	// the live row it created.
	if j.IdemKey == nil {
		return 0, fmt.Errorf("op=job.enqueue: %w", err)
	}
	q = `SELECT id FROM jobs WHERE idem_key=$1 AND status IN ('pending','working') LIMIT 1`
	if err := r.Pool.QueryRow(ctx, q, *j.IdemKey).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=job.enqueue lookup: %w", err)
	}
	return id, nil
}

// ClaimBatch atomically leases up to opts.Limit runnable pending jobs.
// Runnable means next_run_at is unset or due. Claimed rows move to working
// with attempts incremented, so attempts counts started attempts.
func (r *JobRepo) ClaimBatch(ctx context.Context, opts domain.ClaimOptions) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
		attribute.Int("claim.limit", opts.Limit),
	)

	if opts.Limit <= 0 {
		opts.Limit = 1
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}

	q := `UPDATE jobs SET
		status='working',
		attempts=attempts+1,
		leased_until=now()+$1::interval,
		heartbeat_at=now(),
		started_at=COALESCE(started_at, now()),
		updated_at=now()
	WHERE id IN (
		SELECT id FROM jobs
		WHERE status='pending'
		  AND (next_run_at IS NULL OR next_run_at <= now())
		  AND ($2 = '' OR type = $2)
		ORDER BY priority ASC, updated_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + jobColumns
	rows, err := r.Pool.Query(ctx, q, opts.LeaseTTL.String(), opts.Type, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.claim_batch: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.claim_batch scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.claim_batch rows: %w", err)
	}
	return out, nil
}

// Heartbeat extends the lease on a working job. ErrNotFound means the lease
// was lost (reaped or completed elsewhere) and the worker must abandon it.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID int64, leaseTTL time.Duration) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Heartbeat")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", jobID))

	q := `UPDATE jobs SET heartbeat_at=now(), leased_until=now()+$2::interval, updated_at=now()
		WHERE id=$1 AND status='working'`
	tag, err := r.Pool.Exec(ctx, q, jobID, leaseTTL.String())
	if err != nil {
		return fmt.Errorf("op=job.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.heartbeat id=%d: %w", jobID, domain.ErrNotFound)
	}
	return nil
}

// Complete marks a working job done.
func (r *JobRepo) Complete(ctx context.Context, jobID int64) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", jobID))

	q := `UPDATE jobs SET status='done', finished_at=now(), leased_until=NULL,
		heartbeat_at=NULL, last_error='', updated_at=now()
		WHERE id=$1 AND status='working'`
	tag, err := r.Pool.Exec(ctx, q, jobID)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete id=%d: %w", jobID, domain.ErrNotFound)
	}
	return r.AppendLog(ctx, domain.JobLog{JobID: jobID, Level: "info", Message: "job.completed"})
}

// Fail records a failed attempt. Transient failures with budget left return
// the job to pending with exponential backoff; everything else freezes the
// job into the dead letter queue.
func (r *JobRepo) Fail(ctx context.Context, jobID int64, failErr error) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", jobID))

	msg := ""
	if failErr != nil {
		msg = failErr.Error()
	}

	var attempts, maxAttempts int
	q := `SELECT attempts, max_attempts FROM jobs WHERE id=$1 AND status='working'`
	if err := r.Pool.QueryRow(ctx, q, jobID).Scan(&attempts, &maxAttempts); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=job.fail id=%d: %w", jobID, domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.fail load: %w", err)
	}

	// Unexpected internal errors get one retry, then dead-letter.
	if domain.FailCode(failErr) == "internal" && maxAttempts > 2 {
		maxAttempts = 2
	}
	if domain.Retriable(failErr) && attempts < maxAttempts {
		delay := domain.RetryBackoff(attempts)
		q = `UPDATE jobs SET status='pending', last_error=$2,
			next_run_at=now()+$3::interval, leased_until=NULL, heartbeat_at=NULL,
			updated_at=now()
			WHERE id=$1 AND status='working'`
		if _, err := r.Pool.Exec(ctx, q, jobID, msg, delay.String()); err != nil {
			return fmt.Errorf("op=job.fail retry: %w", err)
		}
		return r.AppendLog(ctx, domain.JobLog{JobID: jobID, Level: "warn",
			Message: fmt.Sprintf("job.retry code=%s attempt=%d/%d", domain.FailCode(failErr), attempts, maxAttempts)})
	}
	if err := r.MoveToDLQ(ctx, jobID, domain.FailCode(failErr), msg); err != nil {
		return err
	}
	return r.AppendLog(ctx, domain.JobLog{JobID: jobID, Level: "error",
		Message: fmt.Sprintf("job.dead_letter code=%s attempt=%d/%d", domain.FailCode(failErr), attempts, maxAttempts)})
}

// Reap resets working jobs whose heartbeat is older than olderThan back to
// pending. ClaimBatch increments attempts on claim; Reap refunds that
// increment, so a reaped row carries the same attempts it had before the
// lost claim and the crash does not consume retry budget. Returns the number
// of rows reset.
func (r *JobRepo) Reap(ctx context.Context, olderThan time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Reap")
	defer span.End()
	span.SetAttributes(attribute.String("reap.older_than", olderThan.String()))

	q := `UPDATE jobs SET status='pending', attempts=GREATEST(attempts-1, 0),
		leased_until=NULL, heartbeat_at=NULL, next_run_at=now(), updated_at=now()
		WHERE status='working' AND COALESCE(heartbeat_at, updated_at) < now()-$1::interval`
	tag, err := r.Pool.Exec(ctx, q, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("op=job.reap: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MoveToDLQ freezes a job into jobs_dlq and removes it from the live table.
// A job is never in both places: either live with attempts budget left, or
// dead-lettered.
func (r *JobRepo) MoveToDLQ(ctx context.Context, jobID int64, failCode, failMessage string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MoveToDLQ")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", jobID), attribute.String("fail.code", failCode))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.move_to_dlq begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO jobs_dlq (job_id, idem_key, type, priority, payload, attempts,
		max_attempts, fail_code, fail_message, moved_at)
	SELECT id, idem_key, type, priority, payload, attempts, max_attempts, $2, $3, now()
	FROM jobs WHERE id=$1`
	tag, err := tx.Exec(ctx, q, jobID, failCode, failMessage)
	if err != nil {
		return fmt.Errorf("op=job.move_to_dlq insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.move_to_dlq id=%d: %w", jobID, domain.ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, jobID); err != nil {
		return fmt.Errorf("op=job.move_to_dlq delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.move_to_dlq commit: %w", err)
	}
	return nil
}

// RedriveDLQ inserts fresh pending rows for dead letters and drops them from
// the DLQ. The attempt that killed the job is refunded and the retry is
// delayed so a redrive cannot hammer a still-broken dependency. Idempotency
// keys stay bound: a live row already holding the key absorbs the redrive.
// An empty ids slice redrives everything.
func (r *JobRepo) RedriveDLQ(ctx context.Context, ids []int64, delay time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RedriveDLQ")
	defer span.End()
	span.SetAttributes(attribute.Int("redrive.ids", len(ids)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=job.redrive_dlq begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO jobs (idem_key, type, priority, payload, status, attempts, max_attempts,
		last_error, correlation_id, next_run_at, created_at, updated_at)
	SELECT idem_key, type, priority, payload, 'pending', GREATEST(attempts-1, 0), max_attempts,
		'', '', now()+$2::interval, now(), now()
	FROM jobs_dlq WHERE cardinality($1::bigint[]) = 0 OR id = ANY($1)
	ON CONFLICT (idem_key) WHERE status IN ('pending','working') DO NOTHING`
	tag, err := tx.Exec(ctx, q, ids, delay.String())
	if err != nil {
		return 0, fmt.Errorf("op=job.redrive_dlq insert: %w", err)
	}
	q = `DELETE FROM jobs_dlq WHERE cardinality($1::bigint[]) = 0 OR id = ANY($1)`
	if _, err := tx.Exec(ctx, q, ids); err != nil {
		return 0, fmt.Errorf("op=job.redrive_dlq delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=job.redrive_dlq commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeDLQ deletes dead letters older than olderThan.
func (r *JobRepo) PurgeDLQ(ctx context.Context, olderThan time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.PurgeDLQ")
	defer span.End()

	q := `DELETE FROM jobs_dlq WHERE moved_at < now()-$1::interval`
	tag, err := r.Pool.Exec(ctx, q, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("op=job.purge_dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Counts returns the operator snapshot behind /queue.status.
func (r *JobRepo) Counts(ctx context.Context) (domain.QueueCounts, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Counts")
	defer span.End()

	var c domain.QueueCounts
	q := `SELECT
		COUNT(*) FILTER (WHERE status='pending'),
		COUNT(*) FILTER (WHERE status='working'),
		COUNT(*) FILTER (WHERE status='done'),
		COUNT(*) FILTER (WHERE status='done' AND finished_at > now() - interval '1 minute'),
		COALESCE(EXTRACT(EPOCH FROM now() - MIN(created_at) FILTER (WHERE status='pending'))::bigint, 0),
		COUNT(*) FILTER (WHERE status='working' AND COALESCE(heartbeat_at, updated_at) < now() - interval '15 minutes')
	FROM jobs`
	row := r.Pool.QueryRow(ctx, q)
	if err := row.Scan(&c.Pending, &c.Working, &c.Done, &c.DonePerMin, &c.OldestPendingAgeS, &c.StuckWorking15m); err != nil {
		return domain.QueueCounts{}, fmt.Errorf("op=job.counts: %w", err)
	}
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs_dlq`).Scan(&c.DLQ); err != nil {
		return domain.QueueCounts{}, fmt.Errorf("op=job.counts dlq: %w", err)
	}
	byType, err := r.WorkingCountByType(ctx)
	if err != nil {
		return domain.QueueCounts{}, err
	}
	c.WorkingByType = byType
	return c, nil
}

// WorkingCountByType returns the number of working jobs per type.
func (r *JobRepo) WorkingCountByType(ctx context.Context) (map[string]int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.WorkingCountByType")
	defer span.End()

	q := `SELECT type, COUNT(*) FROM jobs WHERE status='working' GROUP BY type`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=job.working_by_type: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("op=job.working_by_type scan: %w", err)
		}
		out[t] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.working_by_type rows: %w", err)
	}
	return out, nil
}

// RecentDLQ returns the newest dead letters, newest first.
func (r *JobRepo) RecentDLQ(ctx context.Context, limit int) ([]domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecentDLQ")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, job_id, idem_key, type, priority, payload, attempts, max_attempts,
		fail_code, fail_message, moved_at
	FROM jobs_dlq ORDER BY moved_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.recent_dlq: %w", err)
	}
	defer rows.Close()
	var out []domain.DLQEntry
	for rows.Next() {
		var e domain.DLQEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.IdemKey, &e.Type, &e.Priority, &e.Payload,
			&e.Attempts, &e.MaxAttempts, &e.FailCode, &e.FailMessage, &e.MovedAt); err != nil {
			return nil, fmt.Errorf("op=job.recent_dlq scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.recent_dlq rows: %w", err)
	}
	return out, nil
}

// AppendLog writes one append-only breadcrumb for a job.
func (r *JobRepo) AppendLog(ctx context.Context, l domain.JobLog) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AppendLog")
	defer span.End()

	q := `INSERT INTO job_logs (job_id, level, message, correlation_id, created_at)
		VALUES ($1,$2,$3,$4,now())`
	if _, err := r.Pool.Exec(ctx, q, l.JobID, l.Level, l.Message, l.CorrelationID); err != nil {
		return fmt.Errorf("op=job.append_log: %w", err)
	}
	return nil
}
