package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// BreakerRepo persists circuit breaker transitions so the grader and the
// sibling process can see trips they did not cause.
type BreakerRepo struct{ Pool PgxPool }

// NewBreakerRepo constructs a BreakerRepo with the given pool.
func NewBreakerRepo(p PgxPool) *BreakerRepo { return &BreakerRepo{Pool: p} }

// Persist upserts one breaker's state. Best effort: the in-process breaker
// decision never waits on this write.
func (r *BreakerRepo) Persist(ctx context.Context, name string, tripped bool, until time.Time, failures int) {
	var untilArg *time.Time
	if !until.IsZero() {
		untilArg = &until
	}
	q := `INSERT INTO breaker_state (name, tripped, until_at, failures, updated_at)
	VALUES ($1,$2,$3,$4,now())
	ON CONFLICT (name) DO UPDATE SET
		tripped=EXCLUDED.tripped, until_at=EXCLUDED.until_at,
		failures=EXCLUDED.failures, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, name, tripped, untilArg, failures); err != nil {
		slog.Error("failed to persist breaker state", slog.String("breaker", name), slog.Any("error", err))
	}
}

// Tripped reports whether the named breaker is tripped right now according to
// the persisted state. Unknown breakers read as closed.
func (r *BreakerRepo) Tripped(ctx context.Context, name string) (bool, error) {
	var tripped bool
	var until *time.Time
	q := `SELECT tripped, until_at FROM breaker_state WHERE name=$1`
	err := r.Pool.QueryRow(ctx, q, name).Scan(&tripped, &until)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if tripped && until != nil && time.Now().After(*until) {
		return false, nil
	}
	return tripped, nil
}
