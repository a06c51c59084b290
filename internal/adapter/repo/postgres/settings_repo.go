package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// SettingsRepo is the Postgres-backed key/value store behind runtime flags,
// webhook secrets and operational thresholds. Keys are dot-namespaced
// (vend.*, queue.*, webhook.*, ui.*).
type SettingsRepo struct{ Pool PgxPool }

// NewSettingsRepo constructs a SettingsRepo with the given pool.
func NewSettingsRepo(p PgxPool) *SettingsRepo { return &SettingsRepo{Pool: p} }

// Get returns the value for key and whether it exists.
func (r *SettingsRepo) Get(ctx context.Context, key string) (string, bool, error) {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Get")
	defer span.End()
	span.SetAttributes(attribute.String("settings.key", key))

	var v string
	err := r.Pool.QueryRow(ctx, `SELECT value FROM app_config WHERE key=$1`, key).Scan(&v)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=settings.get: %w", err)
	}
	return v, true, nil
}

// Set upserts a key.
func (r *SettingsRepo) Set(ctx context.Context, key, value string) error {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Set")
	defer span.End()
	span.SetAttributes(attribute.String("settings.key", key))

	q := `INSERT INTO app_config (key, value, updated_at) VALUES ($1,$2,now())
	ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("op=settings.set: %w", err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (r *SettingsRepo) Delete(ctx context.Context, key string) error {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Delete")
	defer span.End()

	if _, err := r.Pool.Exec(ctx, `DELETE FROM app_config WHERE key=$1`, key); err != nil {
		return fmt.Errorf("op=settings.delete: %w", err)
	}
	return nil
}

// Snapshot returns all keys under a prefix. An empty prefix returns every key.
func (r *SettingsRepo) Snapshot(ctx context.Context, prefix string) (map[string]string, error) {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Snapshot")
	defer span.End()
	span.SetAttributes(attribute.String("settings.prefix", prefix))

	q := `SELECT key, value FROM app_config WHERE $1 = '' OR key LIKE $1 || '%'`
	rows, err := r.Pool.Query(ctx, q, prefix)
	if err != nil {
		return nil, fmt.Errorf("op=settings.snapshot: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("op=settings.snapshot scan: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=settings.snapshot rows: %w", err)
	}
	return out, nil
}
