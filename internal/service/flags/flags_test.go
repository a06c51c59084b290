package flags_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/vendbridge/internal/service/flags"
)

// storeStub is an in-memory settings store that counts reads.
type storeStub struct {
	mu   sync.Mutex
	kv   map[string]string
	gets int
}

func newStoreStub() *storeStub { return &storeStub{kv: map[string]string{}} }

func (s *storeStub) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *storeStub) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

func (s *storeStub) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *storeStub) Snapshot(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for k, v := range s.kv {
		if prefix == "" || len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on", " On "} {
		assert.True(t, flags.ParseBool(v), v)
	}
	for _, v := range []string{"0", "false", "off", "no", "", "2", "enabled"} {
		assert.False(t, flags.ParseBool(v), v)
	}
}

func TestRegistry_Defaults(t *testing.T) {
	ctx := context.Background()
	reg := flags.NewRegistry(newStoreStub())

	on, err := reg.Bool(ctx, flags.VendHTTPEnabled, false)
	require.NoError(t, err)
	assert.True(t, on, "vend.http.enabled defaults true")

	kill, err := reg.Bool(ctx, flags.QueueKillAll, true)
	require.NoError(t, err)
	assert.False(t, kill, "queue.kill_all defaults false")

	n, err := reg.Int(ctx, flags.VendRetryAttempts, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tol, err := reg.Duration(ctx, flags.WebhookToleranceS, 0)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, tol)
}

func TestRegistry_WriteThroughInvalidation(t *testing.T) {
	ctx := context.Background()
	store := newStoreStub()
	reg := flags.NewRegistry(store)

	on, err := reg.Bool(ctx, flags.QueueRunnerEnabled, true)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, reg.SetBool(ctx, flags.QueueRunnerEnabled, false))

	// The cached true must not survive the write.
	on, err = reg.Bool(ctx, flags.QueueRunnerEnabled, true)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestRegistry_CacheBoundsReads(t *testing.T) {
	ctx := context.Background()
	store := newStoreStub()
	store.kv[flags.QueueKillAll] = "false"
	reg := flags.NewRegistry(store)

	for i := 0; i < 50; i++ {
		_, err := reg.Bool(ctx, flags.QueueKillAll, false)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.gets)
}

func TestRegistry_PerTypeKeys(t *testing.T) {
	ctx := context.Background()
	store := newStoreStub()
	store.kv["vend.queue.max_concurrency.inventory.command"] = "4"
	store.kv["vend_queue_pause.pull_products"] = "yes"
	reg := flags.NewRegistry(store)

	n, err := reg.MaxConcurrency(ctx, "inventory.command")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = reg.MaxConcurrency(ctx, "create_consignment")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "cap defaults to 1")

	paused, err := reg.Paused(ctx, "pull_products")
	require.NoError(t, err)
	assert.True(t, paused)
}

func TestRegistry_MalformedIntFallsBack(t *testing.T) {
	ctx := context.Background()
	store := newStoreStub()
	store.kv[flags.VendRetryAttempts] = "many"
	reg := flags.NewRegistry(store)

	n, err := reg.Int(ctx, flags.VendRetryAttempts, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRegistry_OpenMode(t *testing.T) {
	ctx := context.Background()
	store := newStoreStub()
	reg := flags.NewRegistry(store)

	active, err := reg.OpenModeActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)

	store.kv[flags.WebhookOpenMode] = "true"
	store.kv[flags.WebhookOpenModeUntil] = strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	reg = flags.NewRegistry(store)
	active, err = reg.OpenModeActive(ctx)
	require.NoError(t, err)
	assert.True(t, active)

	store.kv[flags.WebhookOpenModeUntil] = strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	reg = flags.NewRegistry(store)
	active, err = reg.OpenModeActive(ctx)
	require.NoError(t, err)
	assert.False(t, active, "expired deadline closes open mode")
}
