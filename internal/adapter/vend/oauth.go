// Package vend implements the outbound Lightspeed X-Series client: OAuth
// token management plus the retry/limiter/breaker policy every call goes
// through.
package vend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/commercekit/vendbridge/internal/config"
	"github.com/commercekit/vendbridge/internal/domain"
)

// TokenSource hands out a bearer token for vendor calls. Installations with a
// permanent personal token never refresh; OAuth installations refresh lazily
// on expiry and on demand after a 401.
type TokenSource struct {
	cfg               config.Config
	hc                *http.Client
	refreshMaxElapsed time.Duration

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// NewTokenSource constructs a TokenSource from config.
func NewTokenSource(cfg config.Config) *TokenSource {
	return &TokenSource{
		cfg:               cfg,
		hc:                &http.Client{Timeout: 15 * time.Second},
		refreshMaxElapsed: 30 * time.Second,
	}
}

// Token returns a bearer token, refreshing first when the cached one is
// expired or missing.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	if ts.cfg.VendPermanentToken != "" {
		return ts.cfg.VendPermanentToken, nil
	}
	ts.mu.Lock()
	tok, exp := ts.accessToken, ts.expiresAt
	ts.mu.Unlock()
	if tok != "" && time.Now().Before(exp.Add(-30*time.Second)) {
		return tok, nil
	}
	return ts.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new access token. Transient
// failures retry with exponential backoff bounded at 30s elapsed.
func (ts *TokenSource) Refresh(ctx context.Context) (string, error) {
	if ts.cfg.VendPermanentToken != "" {
		return ts.cfg.VendPermanentToken, nil
	}
	if ts.cfg.VendTokenURL == "" || ts.cfg.VendRefreshToken == "" {
		return "", fmt.Errorf("op=vendor.refresh: token endpoint or refresh token not configured: %w", domain.ErrUnauthorized)
	}

	var token string
	op := func() error {
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", ts.cfg.VendRefreshToken)
		form.Set("client_id", ts.cfg.VendClientID)
		form.Set("client_secret", ts.cfg.VendClientSecret)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.cfg.VendTokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := ts.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("token endpoint %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("token endpoint %d: %w", resp.StatusCode, domain.ErrUnauthorized))
		}

		var out struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int64  `json:"expires_in"`
			Expires     int64  `json:"expires"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode token response: %w", err))
		}
		if out.AccessToken == "" {
			return backoff.Permanent(fmt.Errorf("empty access token: %w", domain.ErrUnauthorized))
		}

		exp := time.Now().Add(time.Hour)
		if out.ExpiresIn > 0 {
			exp = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
		} else if out.Expires > 0 {
			exp = time.Unix(out.Expires, 0)
		}

		ts.mu.Lock()
		ts.accessToken = out.AccessToken
		ts.expiresAt = exp
		ts.mu.Unlock()
		token = out.AccessToken
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = ts.refreshMaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		slog.Error("vendor token refresh failed", slog.Any("error", err))
		// Only a rejected exchange is a credential problem. Exhausting
		// retries against a 5xx-ing endpoint is a vendor outage and must
		// stay retriable, or the owning job dead-letters on the spot.
		if errors.Is(err, domain.ErrUnauthorized) {
			return "", fmt.Errorf("op=vendor.refresh: %w", err)
		}
		return "", fmt.Errorf("op=vendor.refresh: %w: %v", domain.ErrTransientVendor, err)
	}
	slog.Info("vendor token refreshed")
	return token, nil
}

// ExpiresAt reports the cached token expiry for the health surface. Zero for
// permanent-token installations.
func (ts *TokenSource) ExpiresAt() time.Time {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.expiresAt
}
