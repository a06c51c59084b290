package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Runner singleflight is a session-scoped pg advisory lock: only one runner
// pass executes at a time across every process sharing the database.
const runnerLockKey = "ls_runner:all"

// lockSession is the pinned connection a held lock lives on. pg advisory
// locks are session scoped, so the unlock must run on the exact connection
// that locked; a pooled QueryRow would land on an arbitrary session.
type lockSession interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Release()
}

// AdvisoryLock holds the runner lock on a dedicated pooled connection. The
// connection is acquired on TryAcquire and returned to the pool only after
// the unlock ran on it.
type AdvisoryLock struct {
	acquire func(ctx context.Context) (lockSession, error)

	mu   sync.Mutex
	held lockSession
}

// NewAdvisoryLock constructs an AdvisoryLock over the pool.
func NewAdvisoryLock(pool *pgxpool.Pool) *AdvisoryLock {
	return &AdvisoryLock{acquire: func(ctx context.Context) (lockSession, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}}
}

// TryAcquire attempts the runner lock without blocking. Returns false when
// another session holds it. On success the underlying connection stays pinned
// until Release.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("op=lock.try_acquire conn: %w", err)
	}
	var got bool
	q := `SELECT pg_try_advisory_lock(hashtext($1))`
	if err := conn.QueryRow(ctx, q, runnerLockKey).Scan(&got); err != nil {
		conn.Release()
		return false, fmt.Errorf("op=lock.try_acquire: %w", err)
	}
	if !got {
		conn.Release()
		return false, nil
	}
	l.mu.Lock()
	l.held = conn
	l.mu.Unlock()
	return true, nil
}

// Release unlocks on the pinned connection and returns it to the pool. An
// unlock that reports false means the session no longer owned the lock
// (connection died and was re-established mid-pass); that is surfaced as an
// error because a second runner may already be inside the pass.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	conn := l.held
	l.held = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	defer conn.Release()

	var released bool
	q := `SELECT pg_advisory_unlock(hashtext($1))`
	if err := conn.QueryRow(ctx, q, runnerLockKey).Scan(&released); err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	if !released {
		return fmt.Errorf("op=lock.release: session no longer owned %q", runnerLockKey)
	}
	return nil
}
