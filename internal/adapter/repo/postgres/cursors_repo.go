package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// CursorRepo tracks the last consumed vendor position per pull entity
// (products, inventory, consignments). Cursors only move forward; a retried
// pull resumes from the last committed page.
type CursorRepo struct{ Pool PgxPool }

// NewCursorRepo constructs a CursorRepo with the given pool.
func NewCursorRepo(p PgxPool) *CursorRepo { return &CursorRepo{Pool: p} }

// Get returns the stored cursor for entity, or "" when none exists yet.
func (r *CursorRepo) Get(ctx context.Context, entity string) (string, error) {
	tracer := otel.Tracer("repo.cursors")
	ctx, span := tracer.Start(ctx, "cursors.Get")
	defer span.End()
	span.SetAttributes(attribute.String("cursor.entity", entity))

	var cur string
	err := r.Pool.QueryRow(ctx, `SELECT cursor FROM sync_cursors WHERE entity=$1`, entity).Scan(&cur)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("op=cursor.get: %w", err)
	}
	return cur, nil
}

// Advance commits a new cursor position for entity.
func (r *CursorRepo) Advance(ctx context.Context, entity, cursor string) error {
	tracer := otel.Tracer("repo.cursors")
	ctx, span := tracer.Start(ctx, "cursors.Advance")
	defer span.End()
	span.SetAttributes(attribute.String("cursor.entity", entity))

	q := `INSERT INTO sync_cursors (entity, cursor, updated_at) VALUES ($1,$2,now())
	ON CONFLICT (entity) DO UPDATE SET cursor=EXCLUDED.cursor, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, entity, cursor); err != nil {
		return fmt.Errorf("op=cursor.advance: %w", err)
	}
	return nil
}
