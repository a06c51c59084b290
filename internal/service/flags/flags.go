// Package flags is the typed feature-flag registry layered on the settings
// store. Every flag read in the codebase goes through an accessor here, so
// defaults and normalization live in exactly one place.
package flags

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/commercekit/vendbridge/internal/domain"
)

// Flag keys. Per-type keys are built with PauseKey and ConcurrencyKey.
const (
	QueueKillAll             = "queue.kill_all"
	QueueRunnerEnabled       = "queue.runner.enabled"
	QueueContinuous          = "vend.queue.continuous.enabled"
	QueueAutoKick            = "vend.queue.auto_kick.enabled"
	QueueDisableSingleflight = "vend_queue_disable_singleflight"
	InventoryKillAll         = "inventory.kill_all"

	VendHTTPEnabled     = "vend.http.enabled"
	VendRetryAttempts   = "vend.retry_attempts"
	VendRateLimitPerMin = "vend.http.rate_limit_per_min"
	VendTimeoutSeconds  = "vend.timeout_seconds"

	WebhookEnabled       = "webhook.enabled"
	WebhookFanoutEnabled = "webhook.fanout.enabled"
	WebhookHMACRequired  = "vend.webhook.hmac_required"
	WebhookToleranceS    = "vend.webhook.tolerance_s"
	WebhookOpenMode      = "vend.webhook.open_mode"
	WebhookOpenModeUntil = "vend.webhook.open_mode_until"
	WebhookSecret        = "vend.webhook.secret"
	WebhookSecretPrev    = "vend.webhook.secret_prev"
	WebhookSecretPrevExp = "vend.webhook.secret_prev_expires_at"

	UIReadonly = "ui.readonly"
	UIBanner   = "ui.banner"
)

// Defaults applied when a key is absent from the store.
var defaults = map[string]string{
	QueueKillAll:             "false",
	QueueRunnerEnabled:       "true",
	QueueContinuous:          "true",
	QueueAutoKick:            "true",
	QueueDisableSingleflight: "false",
	InventoryKillAll:         "false",
	VendHTTPEnabled:          "true",
	VendRetryAttempts:        "3",
	VendRateLimitPerMin:      "120",
	VendTimeoutSeconds:       "30",
	WebhookEnabled:           "true",
	WebhookFanoutEnabled:     "true",
	WebhookHMACRequired:      "true",
	WebhookToleranceS:        "300",
	WebhookOpenMode:          "false",
	UIReadonly:               "false",
}

// PauseKey returns the pause flag for one job type.
func PauseKey(jobType string) string { return "vend_queue_pause." + jobType }

// ConcurrencyKey returns the per-type concurrency cap flag.
func ConcurrencyKey(jobType string) string { return "vend.queue.max_concurrency." + jobType }

// UIDisableKey returns the degrade flag for one UI feature.
func UIDisableKey(feature string) string { return "ui.disable." + feature }

const cacheTTL = 3 * time.Second

type cached struct {
	value string
	found bool
	at    time.Time
}

// Registry reads flags through a short TTL cache so hot paths (runner loop,
// vendor client pre-flight) do not hit Postgres per job. Writes go through
// the registry and invalidate immediately.
type Registry struct {
	store domain.SettingsStore

	mu    sync.Mutex
	cache map[string]cached
	now   func() time.Time
}

// NewRegistry constructs a Registry over the settings store.
func NewRegistry(store domain.SettingsStore) *Registry {
	return &Registry{store: store, cache: map[string]cached{}, now: time.Now}
}

func (r *Registry) lookup(ctx context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	if c, ok := r.cache[key]; ok && r.now().Sub(c.at) < cacheTTL {
		r.mu.Unlock()
		return c.value, c.found, nil
	}
	r.mu.Unlock()

	v, found, err := r.store.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("op=flags.lookup key=%s: %w", key, err)
	}
	r.mu.Lock()
	r.cache[key] = cached{value: v, found: found, at: r.now()}
	r.mu.Unlock()
	return v, found, nil
}

// String returns the raw value, falling back to the registered default and
// then to def.
func (r *Registry) String(ctx context.Context, key, def string) (string, error) {
	v, found, err := r.lookup(ctx, key)
	if err != nil {
		return def, err
	}
	if !found {
		if d, ok := defaults[key]; ok {
			return d, nil
		}
		return def, nil
	}
	return v, nil
}

// Bool normalizes 1/true/yes/on (any case) to true; everything else is false.
func (r *Registry) Bool(ctx context.Context, key string, def bool) (bool, error) {
	v, err := r.String(ctx, key, strconv.FormatBool(def))
	if err != nil {
		return def, err
	}
	return ParseBool(v), nil
}

// Int returns the value as an integer, or def when absent or malformed.
func (r *Registry) Int(ctx context.Context, key string, def int) (int, error) {
	v, err := r.String(ctx, key, strconv.Itoa(def))
	if err != nil {
		return def, err
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(v))
	if convErr != nil {
		return def, nil
	}
	return n, nil
}

// Duration reads a flag holding whole seconds.
func (r *Registry) Duration(ctx context.Context, key string, def time.Duration) (time.Duration, error) {
	secs, err := r.Int(ctx, key, int(def/time.Second))
	if err != nil {
		return def, err
	}
	return time.Duration(secs) * time.Second, nil
}

// Set writes through to the store and drops the cache entry so the next read
// observes the new value.
func (r *Registry) Set(ctx context.Context, key, value string) error {
	if err := r.store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("op=flags.set key=%s: %w", key, err)
	}
	r.invalidate(key)
	return nil
}

// SetBool writes a normalized boolean.
func (r *Registry) SetBool(ctx context.Context, key string, v bool) error {
	return r.Set(ctx, key, strconv.FormatBool(v))
}

// Delete removes a key, restoring its default.
func (r *Registry) Delete(ctx context.Context, key string) error {
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("op=flags.delete key=%s: %w", key, err)
	}
	r.invalidate(key)
	return nil
}

func (r *Registry) invalidate(key string) {
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
}

// Snapshot returns all stored flags under a prefix, uncached.
func (r *Registry) Snapshot(ctx context.Context, prefix string) (map[string]string, error) {
	snap, err := r.store.Snapshot(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("op=flags.snapshot: %w", err)
	}
	return snap, nil
}

// MaxConcurrency returns the per-type claim cap (default 1).
func (r *Registry) MaxConcurrency(ctx context.Context, jobType string) (int, error) {
	n, err := r.Int(ctx, ConcurrencyKey(jobType), 1)
	if err != nil {
		return 1, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// Paused reports whether one job type is paused.
func (r *Registry) Paused(ctx context.Context, jobType string) (bool, error) {
	return r.Bool(ctx, PauseKey(jobType), false)
}

// OpenModeActive reports whether unsigned webhook submissions are accepted
// right now: the flag must be on and the deadline unexpired.
func (r *Registry) OpenModeActive(ctx context.Context) (bool, error) {
	on, err := r.Bool(ctx, WebhookOpenMode, false)
	if err != nil || !on {
		return false, err
	}
	until, err := r.String(ctx, WebhookOpenModeUntil, "")
	if err != nil {
		return false, err
	}
	if until == "" {
		return false, nil
	}
	ts, convErr := strconv.ParseInt(strings.TrimSpace(until), 10, 64)
	if convErr != nil {
		return false, nil
	}
	return r.now().Unix() < ts, nil
}

// ParseBool normalizes the accepted truthy spellings.
func ParseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
