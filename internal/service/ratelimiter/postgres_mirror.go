package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgPool is the minimal pgx surface the Postgres pieces need.
type PgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresMirror persists Redis bucket state so limits survive a Redis flush.
type PostgresMirror struct{ Pool PgPool }

// NewPostgresMirror constructs a mirror over the pool.
func NewPostgresMirror(p PgPool) *PostgresMirror { return &PostgresMirror{Pool: p} }

// Save upserts one bucket snapshot. Mirror writes are best effort; a failed
// mirror never blocks the admission decision.
func (m *PostgresMirror) Save(ctx context.Context, key string, cfg BucketConfig, tokens, lastRefillSec float64) {
	sec := int64(lastRefillSec)
	nsec := int64((lastRefillSec - float64(sec)) * 1e9)
	if nsec < 0 {
		nsec = 0
	}
	lastRefill := time.Unix(sec, nsec)

	_, err := m.Pool.Exec(ctx,
		`INSERT INTO rate_limit_buckets (bucket_key, capacity, refill_rate, tokens, last_refill)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bucket_key) DO UPDATE SET
		   capacity = EXCLUDED.capacity,
		   refill_rate = EXCLUDED.refill_rate,
		   tokens = EXCLUDED.tokens,
		   last_refill = EXCLUDED.last_refill`,
		key, cfg.Capacity, cfg.RefillRate, tokens, lastRefill,
	)
	if err != nil {
		slog.Error("failed to mirror rate limit bucket to postgres", slog.String("key", key), slog.Any("error", err))
	}
}

// Load returns every persisted bucket snapshot.
func (m *PostgresMirror) Load(ctx context.Context) (map[string]BucketState, error) {
	rows, err := m.Pool.Query(ctx, `SELECT bucket_key, tokens, EXTRACT(EPOCH FROM last_refill) FROM rate_limit_buckets`)
	if err != nil {
		return nil, fmt.Errorf("op=ratelimiter.load: %w", err)
	}
	defer rows.Close()

	out := map[string]BucketState{}
	for rows.Next() {
		var key string
		var tokens, lastRefillSec float64
		if err := rows.Scan(&key, &tokens, &lastRefillSec); err != nil {
			return nil, fmt.Errorf("op=ratelimiter.load scan: %w", err)
		}
		out[key] = BucketState{Tokens: tokens, LastRefillSec: lastRefillSec}
	}
	return out, rows.Err()
}

// PostgresMinuteLimiter is the Redis-free fallback: a counter per
// (bucket, minute) row. Coarser than the token bucket but sufficient to keep
// a single instance under the vendor's per-minute cap.
type PostgresMinuteLimiter struct {
	Pool      PgPool
	PerMinute map[string]int
}

// NewPostgresMinuteLimiter constructs the fallback limiter.
func NewPostgresMinuteLimiter(p PgPool, perMinute map[string]int) *PostgresMinuteLimiter {
	if perMinute == nil {
		perMinute = map[string]int{}
	}
	return &PostgresMinuteLimiter{Pool: p, PerMinute: perMinute}
}

// Allow increments the current minute's counter and refuses once the cap is
// reached. retryAfter points at the next minute boundary.
func (l *PostgresMinuteLimiter) Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error) {
	cap, ok := l.PerMinute[key]
	if !ok || cap <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	q := `INSERT INTO rate_limit_counters (bucket_key, minute, taken)
	VALUES ($1, date_trunc('minute', now()), $2)
	ON CONFLICT (bucket_key, minute) DO UPDATE SET taken = rate_limit_counters.taken + $2
	RETURNING taken`
	var taken int64
	if err := l.Pool.QueryRow(ctx, q, key, cost).Scan(&taken); err != nil {
		// Fail open like the Redis path.
		slog.Error("postgres rate limiter error", slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}
	if taken <= int64(cap) {
		return true, 0, nil
	}
	now := time.Now()
	next := now.Truncate(time.Minute).Add(time.Minute)
	return false, next.Sub(now), nil
}
