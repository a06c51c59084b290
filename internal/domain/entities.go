// Package domain holds the core entities, error taxonomy and ports of the
// vendbridge sync queue. Adapters depend on this package, never the reverse.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"
)

// Error taxonomy (sentinels). Handlers return errors wrapped around one of
// these; the runner maps the sentinel to a retry/DLQ decision.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrBreakerOpen     = errors.New("breaker open")
	ErrTransientVendor = errors.New("transient vendor error")
	ErrDuplicate       = errors.New("duplicate")
	ErrValidation      = errors.New("validation rejected")
	ErrHTTPDisabled    = errors.New("outbound http disabled")
	ErrInternal        = errors.New("internal error")
)

// Retriable reports whether an error classifies as transient under the
// queue's retry policy. Duplicate is handled separately (coerced to success).
func Retriable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrBreakerOpen),
		errors.Is(err, ErrTransientVendor),
		errors.Is(err, ErrInternal):
		return true
	}
	return false
}

// FailCode maps an error to the fail_code recorded in job logs and DLQ rows.
func FailCode(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrBreakerOpen):
		return "breaker_open"
	case errors.Is(err, ErrTransientVendor):
		return "transient_vendor"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrHTTPDisabled):
		return "http_disabled"
	default:
		return "internal"
	}
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobWorking JobStatus = "working"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job type catalogue.
const (
	TypeCreateConsignment       = "create_consignment"
	TypeUpdateConsignment       = "update_consignment"
	TypeCancelConsignment       = "cancel_consignment"
	TypeEditConsignmentLines    = "edit_consignment_lines"
	TypeMarkTransferPartial     = "mark_transfer_partial"
	TypePushInventoryAdjustment = "push_inventory_adjustment"
	TypePushProductUpdate       = "push_product_update"
	TypeInventoryCommand        = "inventory.command"
	TypePullProducts            = "pull_products"
	TypePullInventory           = "pull_inventory"
	TypePullConsignments        = "pull_consignments"
	TypeWebhookEvent            = "webhook.event"
	TypeReconcileDiscrepancies  = "reconcile_discrepancies"
)

// JobTypes lists every known job type; the runner enumerates it for per-type
// concurrency caps and pause flags.
var JobTypes = []string{
	TypeCreateConsignment,
	TypeUpdateConsignment,
	TypeCancelConsignment,
	TypeEditConsignmentLines,
	TypeMarkTransferPartial,
	TypePushInventoryAdjustment,
	TypePushProductUpdate,
	TypeInventoryCommand,
	TypePullProducts,
	TypePullInventory,
	TypePullConsignments,
	TypeWebhookEvent,
	TypeReconcileDiscrepancies,
}

// KnownType reports whether t is a registered job type.
func KnownType(t string) bool {
	for _, k := range JobTypes {
		if k == t {
			return true
		}
	}
	return false
}

const (
	DefaultMaxAttempts = 6
	DefaultPriority    = 5
)

// MaxAttemptsFor returns the per-type attempt budget.
// inventory.command is tight because verification already polls; pulls are
// cheap and cursor-safe so they get a longer leash.
func MaxAttemptsFor(jobType string) int {
	switch jobType {
	case TypeInventoryCommand:
		return 4
	case TypePullProducts, TypePullInventory, TypePullConsignments:
		return 10
	default:
		return DefaultMaxAttempts
	}
}

// Job is a unit of work in the durable queue.
// Invariants: at most one live row per non-nil IdemKey; Attempts <= MaxAttempts;
// a working row is either actively leased or reapable.
type Job struct {
	ID            int64
	IdemKey       *string
	Type          string
	Priority      int
	Payload       json.RawMessage
	Status        JobStatus
	Attempts      int
	MaxAttempts   int
	LastError     string
	CorrelationID string
	NextRunAt     *time.Time
	LeasedUntil   *time.Time
	HeartbeatAt   *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JobLog is an append-only breadcrumb keyed by job id.
type JobLog struct {
	ID            int64
	JobID         int64
	Level         string
	Message       string
	CorrelationID string
	CreatedAt     time.Time
}

// DLQEntry is a frozen copy of a job at the moment of permanent failure.
type DLQEntry struct {
	ID          int64
	JobID       int64
	IdemKey     *string
	Type        string
	Priority    int
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
	FailCode    string
	FailMessage string
	MovedAt     time.Time
}

type WebhookStatus string

const (
	WebhookReceived   WebhookStatus = "received"
	WebhookProcessing WebhookStatus = "processing"
	WebhookCompleted  WebhookStatus = "completed"
	WebhookFailed     WebhookStatus = "failed"
	WebhookReplayed   WebhookStatus = "replayed"
)

// WebhookEvent is a persisted vendor event. WebhookID is vendor-supplied and
// unique; a collision means the event was already ingested.
type WebhookEvent struct {
	ID                 int64
	WebhookID          string
	WebhookType        string
	RawPayload         []byte
	Payload            json.RawMessage
	Headers            json.RawMessage
	SourceIP           string
	Status             WebhookStatus
	ReceivedAt         time.Time
	ProcessedAt        *time.Time
	ProcessingAttempts int
	ErrorMessage       string
	QueueJobID         *int64
	ReplayedFrom       *int64
}

// SyncCursor marks the last successfully consumed vendor position per entity.
type SyncCursor struct {
	Entity    string
	Cursor    string
	UpdatedAt time.Time
}

// Grade is the discrete health level driving degrade actions.
type Grade string

const (
	GradeGreen Grade = "GREEN"
	GradeAmber Grade = "AMBER"
	GradeRed   Grade = "RED"
)

// GradeAudit is the persisted record of one grading cycle.
type GradeAudit struct {
	ID       int64
	GradedAt time.Time
	Grade    Grade
	Score    int
	Reasons  []string
	Metrics  map[string]float64
	Actions  []string
}

// Retry backoff policy: min(base*2^(attempts-1), cap) + jitter(0..base).
const (
	BackoffBase = 10 * time.Second
	BackoffCap  = 300 * time.Second
)

// RetryBackoff computes the delay before the next attempt. attempts is the
// number already consumed (>= 1 on first failure).
func RetryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= BackoffCap {
			d = BackoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(BackoffBase))) //nolint:gosec // Jitter needs no cryptographic strength.
	return d + jitter
}

// ClaimOptions narrows a claim_batch call.
type ClaimOptions struct {
	Limit    int
	Type     string // empty claims any type
	LeaseTTL time.Duration
}

// QueueCounts is the operator-visible snapshot returned by /queue.status.
type QueueCounts struct {
	Pending           int64
	Working           int64
	Done              int64
	DLQ               int64
	DonePerMin        int64
	OldestPendingAgeS int64
	WorkingByType     map[string]int64
	StuckWorking15m   int64
}

// Repositories (ports)

type JobRepository interface {
	Enqueue(ctx context.Context, j Job) (int64, error)
	ClaimBatch(ctx context.Context, opts ClaimOptions) ([]Job, error)
	Heartbeat(ctx context.Context, jobID int64, leaseTTL time.Duration) error
	Complete(ctx context.Context, jobID int64) error
	Fail(ctx context.Context, jobID int64, failErr error) error
	Reap(ctx context.Context, olderThan time.Duration) (int64, error)
	MoveToDLQ(ctx context.Context, jobID int64, failCode, failMessage string) error
	RedriveDLQ(ctx context.Context, ids []int64, delay time.Duration) (int64, error)
	PurgeDLQ(ctx context.Context, olderThan time.Duration) (int64, error)
	Counts(ctx context.Context) (QueueCounts, error)
	WorkingCountByType(ctx context.Context) (map[string]int64, error)
	RecentDLQ(ctx context.Context, limit int) ([]DLQEntry, error)
	AppendLog(ctx context.Context, l JobLog) error
}

type WebhookRepository interface {
	Insert(ctx context.Context, e WebhookEvent) (int64, bool, error) // (id, duplicate, err)
	LinkJob(ctx context.Context, eventID, jobID int64) error
	SetStatus(ctx context.Context, eventID int64, status WebhookStatus, errMsg string) error
	Get(ctx context.Context, eventID int64) (WebhookEvent, error)
	GetByWebhookID(ctx context.Context, webhookID string) (WebhookEvent, error)
	ListForReplay(ctx context.Context, since time.Time, limit int) ([]WebhookEvent, error)
	MarkReplayed(ctx context.Context, fromEventID, newEventID int64) error
	LastEventAge(ctx context.Context) (time.Duration, error)
	BumpStats(ctx context.Context, webhookType string, failed bool) error
}

type CursorRepository interface {
	Get(ctx context.Context, entity string) (string, error)
	Advance(ctx context.Context, entity, cursor string) error
}

// SettingsStore is the namespaced key/value config store. Typed flag access
// layers on top of it in service/flags.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Snapshot(ctx context.Context, prefix string) (map[string]string, error)
}
