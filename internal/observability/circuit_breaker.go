package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	obs "github.com/commercekit/vendbridge/internal/adapter/observability"
)

// BreakerStore persists breaker transitions so both processes (server and
// worker) and the grader observe the same state.
type BreakerStore interface {
	Persist(ctx context.Context, name string, tripped bool, until time.Time, failures int)
}

// CircuitBreaker guards the outbound vendor client. Consecutive transient
// failures (5xx, 429, connection errors) trip it; while tripped and inside
// the cooldown every call fails fast with breaker_open. A single success
// after the cooldown closes it.
type CircuitBreaker struct {
	mu sync.Mutex

	name        string
	maxFailures int
	cooldown    time.Duration
	store       BreakerStore

	tripped  bool
	until    time.Time
	failures int

	now func() time.Time
}

// NewCircuitBreaker creates a breaker tripping after maxFailures consecutive
// failures, fast-failing for cooldown. store may be nil.
func NewCircuitBreaker(name string, maxFailures int, cooldown time.Duration, store BreakerStore) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		store:       store,
		now:         time.Now,
	}
}

// CanExecute reports whether a call may proceed. A tripped breaker past its
// cooldown admits one probe; the probe's outcome decides the next state.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		return true
	}
	return !cb.now().Before(cb.until)
}

// RecordSuccess resets the failure streak and closes a tripped breaker.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	wasTripped := cb.tripped
	cb.tripped = false
	cb.until = time.Time{}
	cb.failures = 0
	cb.mu.Unlock()

	if wasTripped {
		slog.Info("circuit breaker closed", slog.String("breaker", cb.name))
		obs.SetBreakerTripped(false)
		cb.persist(ctx)
	}
}

// RecordFailure counts one transient failure and trips the breaker once the
// streak reaches the threshold. A failure while tripped restarts the cooldown.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	cb.failures++
	trip := cb.failures >= cb.maxFailures || cb.tripped
	if trip {
		cb.tripped = true
		cb.until = cb.now().Add(cb.cooldown)
	}
	failures := cb.failures
	until := cb.until
	cb.mu.Unlock()

	if trip {
		slog.Warn("circuit breaker tripped",
			slog.String("breaker", cb.name),
			slog.Int("failures", failures),
			slog.Time("until", until))
		obs.SetBreakerTripped(true)
		cb.persist(ctx)
	}
}

// Tripped reports the current state and, when tripped, the cooldown deadline.
func (cb *CircuitBreaker) Tripped() (bool, time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped, cb.until
}

// Reset force-closes the breaker (operator action).
func (cb *CircuitBreaker) Reset(ctx context.Context) {
	cb.mu.Lock()
	cb.tripped = false
	cb.until = time.Time{}
	cb.failures = 0
	cb.mu.Unlock()

	slog.Info("circuit breaker reset", slog.String("breaker", cb.name))
	obs.SetBreakerTripped(false)
	cb.persist(ctx)
}

func (cb *CircuitBreaker) persist(ctx context.Context) {
	if cb.store == nil {
		return
	}
	cb.mu.Lock()
	tripped, until, failures := cb.tripped, cb.until, cb.failures
	cb.mu.Unlock()
	cb.store.Persist(ctx, cb.name, tripped, until, failures)
}
