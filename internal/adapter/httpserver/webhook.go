package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	obs "github.com/commercekit/vendbridge/internal/adapter/observability"
	"github.com/commercekit/vendbridge/internal/domain"
	"github.com/commercekit/vendbridge/internal/service/flags"
)

const webhookMaxBody = 1 << 20

// WebhookHandler ingests one signed vendor event: verify, persist, fan out.
// The receiver only acknowledges receipt; downstream handler failures never
// surface here.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		enabled, _ := s.flags.Bool(ctx, flags.WebhookEnabled, true)
		if !enabled {
			writeError(w, fmt.Errorf("op=http.webhook: intake disabled: %w", domain.ErrHTTPDisabled))
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBody))
		if err != nil {
			writeError(w, fmt.Errorf("op=http.webhook read: %w", domain.ErrInvalidInput))
			return
		}

		webhookID := r.Header.Get("X-LS-Webhook-Id")
		eventType := r.Header.Get("X-LS-Event-Type")
		timestamp := r.Header.Get("X-LS-Timestamp")
		if webhookID == "" || eventType == "" {
			writeError(w, fmt.Errorf("op=http.webhook: missing webhook headers: %w", domain.ErrInvalidInput))
			return
		}

		if vErr := s.verifyWebhook(ctx, raw, timestamp, signatureFrom(r)); vErr != nil {
			s.recordWebhookFailure(ctx, r, raw, webhookID, eventType, vErr)
			writeError(w, vErr)
			return
		}

		payload := extractPayload(r.Header.Get("Content-Type"), raw)
		headers, _ := json.Marshal(map[string]string{
			"X-LS-Webhook-Id": webhookID,
			"X-LS-Event-Type": eventType,
			"X-LS-Timestamp":  timestamp,
		})

		eventID, duplicate, err := s.webhooks.Insert(ctx, domain.WebhookEvent{
			WebhookID:   webhookID,
			WebhookType: eventType,
			RawPayload:  raw,
			Payload:     payload,
			Headers:     headers,
			SourceIP:    r.RemoteAddr,
			Status:      domain.WebhookReceived,
		})
		if err != nil {
			writeError(w, fmt.Errorf("op=http.webhook insert: %w", domain.ErrInternal))
			return
		}
		if duplicate {
			// Replayed delivery; already ingested, acknowledge without work.
			obs.WebhooksReceivedTotal.WithLabelValues(eventType, "duplicate").Inc()
			writeOK(w, map[string]any{"webhook_id": webhookID, "duplicate": true})
			return
		}

		jobID := s.fanout(ctx, eventID, webhookID, eventType)

		_ = s.webhooks.BumpStats(ctx, eventType, false)
		obs.WebhooksReceivedTotal.WithLabelValues(eventType, "accepted").Inc()
		LoggerFrom(r).Info("webhook accepted",
			slog.String("webhook_id", webhookID),
			slog.String("event_type", eventType),
			slog.Int64("event_id", eventID),
			slog.Int64("job_id", jobID))
		writeOK(w, map[string]any{"webhook_id": webhookID, "event_id": eventID, "job_id": jobID})
	}
}

// fanout enqueues the webhook.event job and links it. A zero return means
// fanout is off or the enqueue failed; the event stays ingested either way.
func (s *Server) fanout(ctx context.Context, eventID int64, webhookID, eventType string) int64 {
	fanout, _ := s.flags.Bool(ctx, flags.WebhookFanoutEnabled, true)
	if !fanout {
		return 0
	}

	idem := "webhook:" + webhookID
	payload, _ := json.Marshal(domain.WebhookEventPayload{WebhookID: webhookID, WebhookType: eventType})
	jobID, err := s.jobs.Enqueue(ctx, domain.Job{
		IdemKey:       &idem,
		Type:          domain.TypeWebhookEvent,
		Payload:       payload,
		Priority:      domain.DefaultPriority,
		CorrelationID: webhookID,
	})
	if err != nil {
		slog.Error("webhook fanout enqueue failed",
			slog.String("webhook_id", webhookID), slog.Any("error", err))
		return 0
	}
	obs.EnqueueJob(domain.TypeWebhookEvent)
	if lErr := s.webhooks.LinkJob(ctx, eventID, jobID); lErr != nil {
		slog.Warn("webhook job link failed", slog.Any("error", lErr))
	}
	if sErr := s.webhooks.SetStatus(ctx, eventID, domain.WebhookProcessing, ""); sErr != nil {
		slog.Warn("webhook status update failed", slog.Any("error", sErr))
	}
	return jobID
}

// verifyWebhook enforces signature and timestamp policy per the flag set.
func (s *Server) verifyWebhook(ctx context.Context, raw []byte, timestamp, signature string) error {
	required, _ := s.flags.Bool(ctx, flags.WebhookHMACRequired, true)
	if !required {
		return nil
	}
	if open, _ := s.flags.OpenModeActive(ctx); open {
		slog.Warn("webhook accepted unsigned: open mode active")
		return nil
	}

	tolerance, _ := s.flags.Duration(ctx, flags.WebhookToleranceS, 300*time.Second)
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("op=http.webhook: bad timestamp: %w", domain.ErrUnauthorized)
	}
	skew := time.Now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(tolerance/time.Second) {
		return fmt.Errorf("op=http.webhook: timestamp skew %ds exceeds tolerance: %w", skew, domain.ErrUnauthorized)
	}

	if signature == "" {
		return fmt.Errorf("op=http.webhook: missing signature: %w", domain.ErrUnauthorized)
	}

	secret, _ := s.flags.String(ctx, flags.WebhookSecret, "")
	if secret != "" && signatureValid(secret, raw, timestamp, signature) {
		return nil
	}

	// Previous secret stays valid through its overlap window.
	prev, _ := s.flags.String(ctx, flags.WebhookSecretPrev, "")
	prevExp, _ := s.flags.String(ctx, flags.WebhookSecretPrevExp, "")
	if prev != "" {
		exp, convErr := strconv.ParseInt(strings.TrimSpace(prevExp), 10, 64)
		if convErr == nil && time.Now().Unix() < exp && signatureValid(prev, raw, timestamp, signature) {
			return nil
		}
	}
	return fmt.Errorf("op=http.webhook: signature mismatch: %w", domain.ErrUnauthorized)
}

// signatureValid checks both digest constructions the vendor has shipped:
// HMAC over the raw body, and over timestamp + "." + body.
func signatureValid(secret string, raw []byte, timestamp, presented string) bool {
	supplied, err := base64.StdEncoding.DecodeString(strings.TrimSpace(presented))
	if err != nil {
		return false
	}
	bodyMac := hmac.New(sha256.New, []byte(secret))
	bodyMac.Write(raw)
	if hmac.Equal(bodyMac.Sum(nil), supplied) {
		return true
	}
	tsMac := hmac.New(sha256.New, []byte(secret))
	tsMac.Write([]byte(timestamp))
	tsMac.Write([]byte("."))
	tsMac.Write(raw)
	return hmac.Equal(tsMac.Sum(nil), supplied)
}

// SignWebhook computes the timestamped digest used by /webhook.test.
func SignWebhook(secret string, timestamp string, raw []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(raw)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signatureFrom reads either signature header form:
// X-LS-Signature: <b64>, or X-Signature: signature=<b64>, algorithm=HMAC-SHA256.
func signatureFrom(r *http.Request) string {
	if v := r.Header.Get("X-LS-Signature"); v != "" {
		return v
	}
	v := r.Header.Get("X-Signature")
	if v == "" {
		return ""
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "signature=") {
			return strings.TrimPrefix(part, "signature=")
		}
	}
	return ""
}

// extractPayload returns the JSON payload: form bodies carry it in the
// `payload` field, JSON bodies are the payload.
func extractPayload(contentType string, raw []byte) json.RawMessage {
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if values, err := url.ParseQuery(string(raw)); err == nil {
			if p := values.Get("payload"); p != "" {
				return json.RawMessage(p)
			}
		}
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

func (s *Server) recordWebhookFailure(ctx context.Context, r *http.Request, raw []byte, webhookID, eventType string, vErr error) {
	obs.WebhooksReceivedTotal.WithLabelValues(eventType, "rejected").Inc()
	_ = s.webhooks.BumpStats(ctx, eventType, true)
	_, _, err := s.webhooks.Insert(ctx, domain.WebhookEvent{
		WebhookID:    webhookID,
		WebhookType:  eventType,
		RawPayload:   raw,
		SourceIP:     r.RemoteAddr,
		Status:       domain.WebhookFailed,
		ErrorMessage: vErr.Error(),
	})
	if err != nil {
		slog.Warn("webhook failure row write failed", slog.Any("error", err))
	}
}
