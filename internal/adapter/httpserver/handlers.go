package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	obs "github.com/commercekit/vendbridge/internal/adapter/observability"
	"github.com/commercekit/vendbridge/internal/config"
	"github.com/commercekit/vendbridge/internal/domain"
	"github.com/commercekit/vendbridge/internal/grader"
	"github.com/commercekit/vendbridge/internal/runner"
	"github.com/commercekit/vendbridge/internal/service/flags"
)

// RunnerKicker triggers a manual worker burst.
type RunnerKicker interface {
	Run(ctx context.Context, limit int, jobType string) (runner.Summary, error)
}

// WatchdogRunner invokes one grading cycle.
type WatchdogRunner interface {
	RunCycle(ctx context.Context) (grader.Result, error)
}

// TokenExpiry exposes the vendor token deadline for the health probe.
type TokenExpiry interface {
	ExpiresAt() time.Time
}

// BreakerProbe exposes breaker state for /queue.status and /health.
type BreakerProbe interface {
	Tripped() (bool, time.Time)
}

// Server aggregates handler dependencies.
type Server struct {
	cfg      config.Config
	flags    *flags.Registry
	jobs     domain.JobRepository
	webhooks domain.WebhookRepository
	settings domain.SettingsStore
	runner   RunnerKicker
	grader   WatchdogRunner
	breaker  BreakerProbe
	dbCheck  func(context.Context) error
	tokens   TokenExpiry
}

// NewServer wires the handler set. runner, grader, breaker, dbCheck and
// tokens may each be nil; the affected endpoints then report accordingly.
func NewServer(cfg config.Config, reg *flags.Registry, jobs domain.JobRepository, webhooks domain.WebhookRepository, settings domain.SettingsStore, rk RunnerKicker, wd WatchdogRunner, breaker BreakerProbe, dbCheck func(context.Context) error, tokens TokenExpiry) *Server {
	return &Server{
		cfg:      cfg,
		flags:    reg,
		jobs:     jobs,
		webhooks: webhooks,
		settings: settings,
		runner:   rk,
		grader:   wd,
		breaker:  breaker,
		dbCheck:  dbCheck,
		tokens:   tokens,
	}
}

// Guard returns the bearer guard for the admin route group.
func (s *Server) Guard() *BearerGuard { return NewBearerGuard(s.cfg, s.settings) }

// EnqueueHandler accepts a platform job submission.
func (s *Server) EnqueueHandler() http.HandlerFunc {
	type request struct {
		Type           string          `json:"type"`
		Payload        json.RawMessage `json:"payload"`
		IdempotencyKey string          `json:"idempotency_key"`
		Priority       *int            `json:"priority"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if !domain.KnownType(req.Type) {
			writeError(w, fmt.Errorf("op=http.enqueue: unknown type %q: %w", req.Type, domain.ErrInvalidInput))
			return
		}
		// Reject payloads the handler would dead-letter immediately.
		if _, err := domain.DecodePayload(req.Type, req.Payload); err != nil {
			writeError(w, err)
			return
		}

		// Priority 0 is valid (and the highest), so absence is decided here,
		// not by the zero value downstream.
		job := domain.Job{
			Type:          req.Type,
			Payload:       req.Payload,
			Priority:      domain.DefaultPriority,
			CorrelationID: uuid.NewString(),
		}
		if req.IdempotencyKey != "" {
			job.IdemKey = &req.IdempotencyKey
		}
		if req.Priority != nil {
			if *req.Priority < 0 || *req.Priority > 9 {
				writeError(w, fmt.Errorf("op=http.enqueue: priority must be 0..9: %w", domain.ErrInvalidInput))
				return
			}
			job.Priority = *req.Priority
		}
		id, err := s.jobs.Enqueue(r.Context(), job)
		if err != nil {
			writeError(w, err)
			return
		}
		obs.EnqueueJob(req.Type)
		s.autoKick(r.Context(), req.Type)
		LoggerFrom(r).Info("job enqueued",
			slog.Int64("job_id", id), slog.String("job_type", req.Type))
		writeOK(w, map[string]any{"job_id": id, "status": string(domain.JobPending)})
	}
}

// autoKick fires one background worker burst for the just-enqueued type, so
// a submission is claimed within seconds even between poll ticks. Gated by
// the auto-kick flag and skipped in processes without a runner.
func (s *Server) autoKick(ctx context.Context, jobType string) {
	enabled, _ := s.flags.Bool(ctx, flags.QueueAutoKick, true)
	if !enabled || s.runner == nil {
		return
	}
	kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	go func() {
		defer cancel()
		if _, err := s.runner.Run(kctx, 0, jobType); err != nil {
			slog.Warn("auto kick failed",
				slog.String("job_type", jobType), slog.Any("error", err))
		}
	}()
}

// QueueStatusHandler reports counts, per-type pause/cap state and breaker.
func (s *Server) QueueStatusHandler() http.HandlerFunc {
	type typeStatus struct {
		Paused         bool  `json:"paused"`
		MaxConcurrency int   `json:"max_concurrency"`
		Working        int64 `json:"working"`
	}
	type recentFailure struct {
		ID          int64  `json:"id"`
		JobID       int64  `json:"job_id"`
		Type        string `json:"type"`
		FailCode    string `json:"fail_code"`
		FailMessage string `json:"fail_message"`
		MovedAt     string `json:"moved_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		counts, err := s.jobs.Counts(ctx)
		if err != nil {
			writeError(w, err)
			return
		}

		types := map[string]typeStatus{}
		for _, t := range domain.JobTypes {
			paused, _ := s.flags.Paused(ctx, t)
			cap, _ := s.flags.MaxConcurrency(ctx, t)
			types[t] = typeStatus{Paused: paused, MaxConcurrency: cap, Working: counts.WorkingByType[t]}
		}

		recent := []recentFailure{}
		if entries, dErr := s.jobs.RecentDLQ(ctx, 10); dErr == nil {
			for _, e := range entries {
				recent = append(recent, recentFailure{
					ID: e.ID, JobID: e.JobID, Type: e.Type,
					FailCode: e.FailCode, FailMessage: e.FailMessage,
					MovedAt: e.MovedAt.UTC().Format(time.RFC3339),
				})
			}
		}

		data := map[string]any{
			"pending":              counts.Pending,
			"working":              counts.Working,
			"done":                 counts.Done,
			"dlq":                  counts.DLQ,
			"done_1m":              counts.DonePerMin,
			"oldest_pending_age_s": counts.OldestPendingAgeS,
			"stuck_working_15m":    counts.StuckWorking15m,
			"types":                types,
			"recent_failures":      recent,
		}
		if s.breaker != nil {
			tripped, until := s.breaker.Tripped()
			data["breaker"] = map[string]any{"tripped": tripped, "until": until}
		}
		writeOK(w, data)
	}
}

// QueuePauseHandler pauses claiming for one job type (or all with type "").
func (s *Server) QueuePauseHandler() http.HandlerFunc {
	return s.pauseHandler(true)
}

// QueueResumeHandler resumes claiming for one job type.
func (s *Server) QueueResumeHandler() http.HandlerFunc {
	return s.pauseHandler(false)
}

func (s *Server) pauseHandler(pause bool) http.HandlerFunc {
	type request struct {
		Type string `json:"type"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if !domain.KnownType(req.Type) {
			writeError(w, fmt.Errorf("op=http.queue_pause: unknown type %q: %w", req.Type, domain.ErrInvalidInput))
			return
		}
		var err error
		if pause {
			err = s.flags.SetBool(r.Context(), flags.PauseKey(req.Type), true)
		} else {
			err = s.flags.Delete(r.Context(), flags.PauseKey(req.Type))
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]any{"type": req.Type, "paused": pause})
	}
}

// QueueConcurrencyHandler updates one type's claim cap.
func (s *Server) QueueConcurrencyHandler() http.HandlerFunc {
	type request struct {
		Type           string `json:"type"`
		MaxConcurrency int    `json:"max_concurrency"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if !domain.KnownType(req.Type) || req.MaxConcurrency < 0 || req.MaxConcurrency > 64 {
			writeError(w, fmt.Errorf("op=http.queue_concurrency: %w", domain.ErrInvalidInput))
			return
		}
		if err := s.flags.Set(r.Context(), flags.ConcurrencyKey(req.Type), strconv.Itoa(req.MaxConcurrency)); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]any{"type": req.Type, "max_concurrency": req.MaxConcurrency})
	}
}

// DLQRedriveHandler re-enqueues dead letters (all, or an explicit id list).
func (s *Server) DLQRedriveHandler() http.HandlerFunc {
	type request struct {
		IDs    []int64 `json:"ids"`
		DelayS int     `json:"delay_s"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		n, err := s.jobs.RedriveDLQ(r.Context(), req.IDs, time.Duration(req.DelayS)*time.Second)
		if err != nil {
			writeError(w, err)
			return
		}
		LoggerFrom(r).Info("dlq redriven", slog.Int64("count", n))
		writeOK(w, map[string]any{"redriven": n})
	}
}

// DLQPurgeHandler deletes dead letters older than the given age.
func (s *Server) DLQPurgeHandler() http.HandlerFunc {
	type request struct {
		OlderThanS int `json:"older_than_s"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		n, err := s.jobs.PurgeDLQ(r.Context(), time.Duration(req.OlderThanS)*time.Second)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]any{"purged": n})
	}
}

// WebhookTestHandler runs a signed self-test through the real verify and
// ingest path, proving the configured secret round-trips.
func (s *Server) WebhookTestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		secret, _ := s.flags.String(ctx, flags.WebhookSecret, "")
		if secret == "" {
			writeError(w, fmt.Errorf("op=http.webhook_test: no webhook secret configured: %w", domain.ErrInvalidInput))
			return
		}

		webhookID := "selftest-" + uuid.NewString()
		body := []byte(fmt.Sprintf(`{"self_test":true,"webhook_id":%q}`, webhookID))
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		signature := SignWebhook(secret, timestamp, body)

		if err := s.verifyWebhook(ctx, body, timestamp, signature); err != nil {
			writeError(w, fmt.Errorf("op=http.webhook_test: self-test signature rejected: %w", err))
			return
		}

		eventID, _, err := s.webhooks.Insert(ctx, domain.WebhookEvent{
			WebhookID:   webhookID,
			WebhookType: "system.self_test",
			RawPayload:  body,
			Payload:     body,
			SourceIP:    r.RemoteAddr,
			Status:      domain.WebhookReceived,
		})
		if err != nil {
			writeError(w, fmt.Errorf("op=http.webhook_test insert: %w", domain.ErrInternal))
			return
		}
		writeOK(w, map[string]any{"webhook_id": webhookID, "event_id": eventID, "verified": true})
	}
}

// WebhookReplayHandler re-ingests stored events: each replay inserts a fresh
// event row (suffixed id) and fans it out again.
func (s *Server) WebhookReplayHandler() http.HandlerFunc {
	type request struct {
		SinceS int `json:"since_s"`
		Limit  int `json:"limit"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.SinceS <= 0 {
			req.SinceS = 3600
		}
		if req.Limit <= 0 || req.Limit > 500 {
			req.Limit = 100
		}

		ctx := r.Context()
		events, err := s.webhooks.ListForReplay(ctx, time.Now().Add(-time.Duration(req.SinceS)*time.Second), req.Limit)
		if err != nil {
			writeError(w, err)
			return
		}

		replayed := 0
		for _, e := range events {
			replayID := fmt.Sprintf("%s:replay:%s", e.WebhookID, ulid.Make().String())
			from := e.ID
			newID, _, iErr := s.webhooks.Insert(ctx, domain.WebhookEvent{
				WebhookID:    replayID,
				WebhookType:  e.WebhookType,
				RawPayload:   e.RawPayload,
				Payload:      e.Payload,
				Headers:      e.Headers,
				SourceIP:     e.SourceIP,
				Status:       domain.WebhookReceived,
				ReplayedFrom: &from,
			})
			if iErr != nil {
				LoggerFrom(r).Warn("replay insert failed",
					slog.String("webhook_id", e.WebhookID), slog.Any("error", iErr))
				continue
			}
			s.fanout(ctx, newID, replayID, e.WebhookType)
			if mErr := s.webhooks.MarkReplayed(ctx, e.ID, newID); mErr != nil {
				LoggerFrom(r).Warn("mark replayed failed", slog.Any("error", mErr))
			}
			replayed++
		}
		writeOK(w, map[string]any{"candidates": len(events), "replayed": replayed})
	}
}

// RunnerKickHandler runs one synchronous worker burst.
func (s *Server) RunnerKickHandler() http.HandlerFunc {
	type request struct {
		Limit int    `json:"limit"`
		Type  string `json:"type"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if s.runner == nil {
			writeError(w, fmt.Errorf("op=http.runner_kick: no runner in this process: %w", domain.ErrInvalidInput))
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Type != "" && !domain.KnownType(req.Type) {
			writeError(w, fmt.Errorf("op=http.runner_kick: unknown type %q: %w", req.Type, domain.ErrInvalidInput))
			return
		}
		sum, err := s.runner.Run(r.Context(), req.Limit, req.Type)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, sum)
	}
}

// RunnerContinuousHandler toggles the continuous claim loop flag.
func (s *Server) RunnerContinuousHandler() http.HandlerFunc {
	type request struct {
		Enabled bool `json:"enabled"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := s.flags.SetBool(r.Context(), flags.QueueContinuous, req.Enabled); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]any{"continuous": req.Enabled})
	}
}

// ReapHandler resets expired leases to pending.
func (s *Server) ReapHandler() http.HandlerFunc {
	type request struct {
		OlderThanS int `json:"older_than_s"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		olderThan := s.cfg.ReapOlderThan
		if req.OlderThanS > 0 {
			olderThan = time.Duration(req.OlderThanS) * time.Second
		}
		n, err := s.jobs.Reap(r.Context(), olderThan)
		if err != nil {
			writeError(w, err)
			return
		}
		obs.JobsReapedTotal.Add(float64(n))
		LoggerFrom(r).Info("leases reaped", slog.Int64("count", n))
		writeOK(w, map[string]any{"reaped": n})
	}
}

// ReapEmergencyHandler resets every working row regardless of lease age.
// Operators use it when a whole worker fleet died mid-lease.
func (s *Server) ReapEmergencyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.jobs.Reap(r.Context(), 0)
		if err != nil {
			writeError(w, err)
			return
		}
		obs.JobsReapedTotal.Add(float64(n))
		LoggerFrom(r).Warn("emergency reap executed", slog.Int64("count", n))
		writeOK(w, map[string]any{"reaped": n})
	}
}

// KeysRotateHandler rotates the admin bearer token or the webhook secret
// with an overlap window so in-flight consumers keep working.
func (s *Server) KeysRotateHandler() http.HandlerFunc {
	type request struct {
		Rotate   string `json:"rotate"` // "admin" or "webhook"
		NewValue string `json:"new_value"`
		OverlapS int    `json:"overlap_s"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.OverlapS <= 0 {
			req.OverlapS = 3600
		}
		if req.NewValue == "" {
			req.NewValue = newSecret()
		}
		expiresAt := time.Now().Add(time.Duration(req.OverlapS) * time.Second).Unix()

		ctx := r.Context()
		switch req.Rotate {
		case "webhook":
			current, _ := s.flags.String(ctx, flags.WebhookSecret, "")
			if current != "" {
				if err := s.flags.Set(ctx, flags.WebhookSecretPrev, current); err != nil {
					writeError(w, err)
					return
				}
				if err := s.flags.Set(ctx, flags.WebhookSecretPrevExp, strconv.FormatInt(expiresAt, 10)); err != nil {
					writeError(w, err)
					return
				}
			}
			if err := s.flags.Set(ctx, flags.WebhookSecret, req.NewValue); err != nil {
				writeError(w, err)
				return
			}

		case "admin":
			current, found, _ := s.settings.Get(ctx, adminTokenKey)
			if !found {
				current = s.cfg.AdminBearerToken
			}
			if current != "" {
				if err := s.settings.Set(ctx, adminTokenPrevKey, current); err != nil {
					writeError(w, err)
					return
				}
				if err := s.settings.Set(ctx, adminTokenPrevExpKey, strconv.FormatInt(expiresAt, 10)); err != nil {
					writeError(w, err)
					return
				}
			}
			if err := s.settings.Set(ctx, adminTokenKey, req.NewValue); err != nil {
				writeError(w, err)
				return
			}

		default:
			writeError(w, fmt.Errorf("op=http.keys_rotate: rotate must be admin or webhook: %w", domain.ErrInvalidInput))
			return
		}

		LoggerFrom(r).Info("secret rotated",
			slog.String("kind", req.Rotate), slog.Int("overlap_s", req.OverlapS))
		writeOK(w, map[string]any{
			"rotated":         req.Rotate,
			"new_value":       req.NewValue,
			"prev_expires_at": expiresAt,
		})
	}
}

// WatchdogHandler invokes one grading cycle and returns its result.
func (s *Server) WatchdogHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.grader == nil {
			writeError(w, fmt.Errorf("op=http.watchdog: no grader in this process: %w", domain.ErrInvalidInput))
			return
		}
		res, err := s.grader.RunCycle(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, res)
	}
}

// HealthHandler reports liveness plus a DB probe, vendor token expiry and
// the stored flag snapshot.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		data := map[string]any{"status": "ok", "env": s.cfg.AppEnv}

		if s.dbCheck != nil {
			if err := s.dbCheck(ctx); err != nil {
				data["status"] = "degraded"
				data["db"] = err.Error()
			} else {
				data["db"] = "ok"
			}
		}
		if s.tokens != nil {
			if exp := s.tokens.ExpiresAt(); !exp.IsZero() {
				data["vendor_token_expires_at"] = exp.UTC().Format(time.RFC3339)
			}
		}
		if snap, err := s.flags.Snapshot(ctx, ""); err == nil {
			redactSecrets(snap)
			data["flags"] = snap
		}

		status := http.StatusOK
		if data["status"] != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, envelope{OK: status == http.StatusOK, Data: data})
	}
}

// redactSecrets strips secret-bearing flags from the health snapshot.
func redactSecrets(snap map[string]string) {
	for k := range snap {
		switch k {
		case flags.WebhookSecret, flags.WebhookSecretPrev, adminTokenKey, adminTokenPrevKey:
			snap[k] = "<redacted>"
		}
	}
}

func newSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return ulid.Make().String()
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
