package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/vendbridge/internal/adapter/repo/postgres"
)

func TestSettingsRepo_GetMissing(t *testing.T) {
	ctx := context.Background()
	pool := &poolStub{rows: []rowStub{{scan: func(_ ...any) error { return pgx.ErrNoRows }}}}
	repo := postgres.NewSettingsRepo(pool)

	v, ok, err := repo.Get(ctx, "vend.http.enabled")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestSettingsRepo_GetSet(t *testing.T) {
	ctx := context.Background()
	pool := &poolStub{rows: []rowStub{{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "true"
		return nil
	}}}}
	repo := postgres.NewSettingsRepo(pool)

	v, ok, err := repo.Get(ctx, "vend.http.enabled")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	require.NoError(t, repo.Set(ctx, "vend.http.enabled", "false"))
	assert.Contains(t, pool.execSQL[0], "ON CONFLICT (key)")
}

func TestSettingsRepo_Snapshot(t *testing.T) {
	ctx := context.Background()
	pool := &poolStub{queryRes: &rowsStub{scans: []func(dest ...any) error{
		func(dest ...any) error {
			*(dest[0].(*string)) = "vend.http.enabled"
			*(dest[1].(*string)) = "true"
			return nil
		},
		func(dest ...any) error {
			*(dest[0].(*string)) = "vend.retry_attempts"
			*(dest[1].(*string)) = "3"
			return nil
		},
	}}}
	repo := postgres.NewSettingsRepo(pool)

	snap, err := repo.Snapshot(ctx, "vend.")
	require.NoError(t, err)
	assert.Len(t, snap, 2)
	assert.Equal(t, "3", snap["vend.retry_attempts"])
}

func TestCursorRepo(t *testing.T) {
	ctx := context.Background()
	pool := &poolStub{rows: []rowStub{{scan: func(_ ...any) error { return pgx.ErrNoRows }}}}
	repo := postgres.NewCursorRepo(pool)

	cur, err := repo.Get(ctx, "products")
	require.NoError(t, err)
	assert.Empty(t, cur)

	require.NoError(t, repo.Advance(ctx, "products", "v2:page:17"))
	assert.Contains(t, pool.execSQL[0], "ON CONFLICT (entity)")
}
