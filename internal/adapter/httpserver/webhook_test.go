package httpserver

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/vendbridge/internal/config"
	"github.com/commercekit/vendbridge/internal/domain"
	"github.com/commercekit/vendbridge/internal/service/flags"
)

const testSecret = "whsec-test"

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func webhookRequest(body []byte, webhookID, eventType, timestamp, signature string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-LS-Webhook-Id", webhookID)
	r.Header.Set("X-LS-Event-Type", eventType)
	r.Header.Set("X-LS-Timestamp", timestamp)
	if signature != "" {
		r.Header.Set("X-LS-Signature", signature)
	}
	return r
}

func newWebhookServer() (*Server, *memStore, *jobsStub, *webhooksStub) {
	store := newMemStore()
	store.kv[flags.WebhookSecret] = testSecret
	jobs := newJobsStub()
	webhooks := newWebhooksStub()
	return testServer(config.Config{}, store, jobs, webhooks), store, jobs, webhooks
}

func TestWebhook_AcceptsTimestampedSignature(t *testing.T) {
	srv, _, jobs, webhooks := newWebhookServer()

	body := []byte(`{"type":"inventory.update","id":"p-1"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := webhookRequest(body, "wh-1", "inventory.update", ts, SignWebhook(testSecret, ts, body))
	rec := httptest.NewRecorder()
	srv.WebhookHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, jobs.enqueued, 1)
	assert.Equal(t, domain.TypeWebhookEvent, jobs.enqueued[0].Type)
	require.NotNil(t, jobs.enqueued[0].IdemKey)
	assert.Equal(t, "webhook:wh-1", *jobs.enqueued[0].IdemKey)

	e := webhooks.events["wh-1"]
	assert.Equal(t, domain.WebhookProcessing, webhooks.statuses[e.ID])
	assert.Equal(t, jobs.nextID, webhooks.linked[e.ID])
}

func TestWebhook_AcceptsBodyOnlySignatureViaXSignature(t *testing.T) {
	srv, _, _, _ := newWebhookServer()

	body := []byte(`{"type":"product.update"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := webhookRequest(body, "wh-2", "product.update", ts, "")
	req.Header.Set("X-Signature", "signature="+signBody(testSecret, body)+", algorithm=HMAC-SHA256")
	rec := httptest.NewRecorder()
	srv.WebhookHandler()(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	srv, _, jobs, webhooks := newWebhookServer()

	body := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := webhookRequest(body, "wh-3", "inventory.update", ts, SignWebhook("wrong-secret", ts, body))
	rec := httptest.NewRecorder()
	srv.WebhookHandler()(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, jobs.enqueued)
	assert.Equal(t, domain.WebhookFailed, webhooks.events["wh-3"].Status, "rejection persists a failed row")
	assert.Contains(t, webhooks.stats, "inventory.update:failed")
}

func TestWebhook_RejectsStaleTimestamp(t *testing.T) {
	srv, _, _, _ := newWebhookServer()

	body := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req := webhookRequest(body, "wh-4", "inventory.update", ts, SignWebhook(testSecret, ts, body))
	rec := httptest.NewRecorder()
	srv.WebhookHandler()(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_SkewWithinToleranceAccepted(t *testing.T) {
	srv, _, _, _ := newWebhookServer()

	body := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().Add(-299*time.Second).Unix(), 10)
	req := webhookRequest(body, "wh-5", "inventory.update", ts, SignWebhook(testSecret, ts, body))
	rec := httptest.NewRecorder()
	srv.WebhookHandler()(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestWebhook_PrevSecretDuringOverlap(t *testing.T) {
	srv, store, _, _ := newWebhookServer()
	store.kv[flags.WebhookSecret] = "whsec-new"
	store.kv[flags.WebhookSecretPrev] = testSecret
	store.kv[flags.WebhookSecretPrevExp] = strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)

	body := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := webhookRequest(body, "wh-6", "inventory.update", ts, SignWebhook(testSecret, ts, body))
	rec := httptest.NewRecorder()
	srv.WebhookHandler()(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "old secret accepted inside the overlap window")
}

func TestWebhook_PrevSecretAfterExpiryRejected(t *testing.T) {
	srv, store, _, _ := newWebhookServer()
	store.kv[flags.WebhookSecret] = "whsec-new"
	store.kv[flags.WebhookSecretPrev] = testSecret
	store.kv[flags.WebhookSecretPrevExp] = strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)

	body := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := webhookRequest(body, "wh-7", "inventory.update", ts, SignWebhook(testSecret, ts, body))
	rec := httptest.NewRecorder()
	srv.WebhookHandler()(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_DuplicateDeliveryIdempotent(t *testing.T) {
	srv, _, jobs, _ := newWebhookServer()

	body := []byte(`{"n":1}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	for i := 0; i < 2; i++ {
		req := webhookRequest(body, "wh-8", "inventory.update", ts, SignWebhook(testSecret, ts, body))
		rec := httptest.NewRecorder()
		srv.WebhookHandler()(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		if i == 1 {
			assert.Contains(t, rec.Body.String(), `"duplicate":true`)
		}
	}
	assert.Len(t, jobs.enqueued, 1, "second delivery must not fan out again")
}

func TestWebhook_DisabledReturns403(t *testing.T) {
	srv, store, _, _ := newWebhookServer()
	store.kv[flags.WebhookEnabled] = "false"

	req := webhookRequest([]byte(`{}`), "wh-9", "inventory.update", "0", "")
	rec := httptest.NewRecorder()
	srv.WebhookHandler()(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhook_OpenModeAcceptsUnsigned(t *testing.T) {
	srv, store, _, _ := newWebhookServer()
	store.kv[flags.WebhookOpenMode] = "true"
	store.kv[flags.WebhookOpenModeUntil] = strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)

	req := webhookRequest([]byte(`{}`), "wh-10", "inventory.update", "", "")
	rec := httptest.NewRecorder()
	srv.WebhookHandler()(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestWebhook_FormEncodedPayloadExtracted(t *testing.T) {
	srv, _, _, webhooks := newWebhookServer()

	payload := `{"type":"inventory.update","count":3}`
	form := url.Values{"payload": {payload}}
	body := []byte(form.Encode())
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := webhookRequest(body, "wh-11", "inventory.update", ts, SignWebhook(testSecret, ts, body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.WebhookHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, payload, string(webhooks.events["wh-11"].Payload))
}

func TestWebhook_MissingHeadersRejected(t *testing.T) {
	srv, _, _, _ := newWebhookServer()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.WebhookHandler()(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignatureFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	r.Header.Set("X-Signature", "algorithm=HMAC-SHA256, signature=abc123")
	assert.Equal(t, "abc123", signatureFrom(r))

	r2 := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	r2.Header.Set("X-LS-Signature", "direct==")
	assert.Equal(t, "direct==", signatureFrom(r2))
}

func TestExtractPayload_NonJSONBodyQuoted(t *testing.T) {
	out := extractPayload("text/plain", []byte("plain text"))
	var s string
	require.NoError(t, json.Unmarshal(out, &s))
	assert.Equal(t, "plain text", s)
}
