package vend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/commercekit/vendbridge/internal/adapter/observability"
	"github.com/commercekit/vendbridge/internal/config"
	"github.com/commercekit/vendbridge/internal/domain"
	"github.com/commercekit/vendbridge/internal/service/flags"
	"github.com/commercekit/vendbridge/internal/service/ratelimiter"
)

// Breaker is the slice of the circuit breaker the client consumes.
type Breaker interface {
	CanExecute() bool
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
}

// RequestOptions tune one call through the policy layer.
type RequestOptions struct {
	// IdempotencyKey is sent on mutating calls so a retried request cannot
	// apply twice on the vendor side.
	IdempotencyKey string
	// WaitForLimiter sleeps until the limiter window opens instead of
	// failing fast with rate_limited. Workers wait; interactive callers don't.
	WaitForLimiter bool
}

// Client is the policy layer every outbound vendor call goes through:
// kill-switch pre-flight, breaker consult, limiter token, bearer auth,
// bounded retries with 401-refresh and 429/5xx backoff.
type Client struct {
	cfg     config.Config
	flags   *flags.Registry
	tokens  *TokenSource
	limiter ratelimiter.Limiter
	breaker Breaker
	hc      *http.Client

	sleep func(context.Context, time.Duration) error
}

// NewClient constructs the vendor client. limiter and breaker may be nil in
// tests; nil disables that policy.
func NewClient(cfg config.Config, reg *flags.Registry, tokens *TokenSource, limiter ratelimiter.Limiter, breaker Breaker) *Client {
	return &Client{
		cfg:     cfg,
		flags:   reg,
		tokens:  tokens,
		limiter: limiter,
		breaker: breaker,
		hc:      &http.Client{Timeout: cfg.VendTimeout},
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do performs one vendor call and decodes a JSON response into out (which may
// be nil). pathOrURL may be a bare path resolved against vend.api_base or a
// full URL passed through.
func (c *Client) Do(ctx context.Context, method, pathOrURL string, body any, out any, opts RequestOptions) error {
	tracer := otel.Tracer("adapter.vend")
	ctx, span := tracer.Start(ctx, "vend.Do")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("vend.path", pathOrURL),
	)

	// Kill switch first: nothing leaves the process while outbound HTTP is off.
	enabled, err := c.flags.Bool(ctx, flags.VendHTTPEnabled, true)
	if err != nil {
		slog.Warn("flag read failed, assuming outbound enabled", slog.Any("error", err))
	}
	if !enabled {
		return fmt.Errorf("op=vend.do: %w", domain.ErrHTTPDisabled)
	}

	if c.breaker != nil && !c.breaker.CanExecute() {
		return fmt.Errorf("op=vend.do: %w", domain.ErrBreakerOpen)
	}

	if err := c.takeToken(ctx, opts.WaitForLimiter); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=vend.do marshal: %w: %v", domain.ErrInvalidInput, err)
		}
	}

	target, err := c.normalizeURL(pathOrURL)
	if err != nil {
		return fmt.Errorf("op=vend.do url: %w: %v", domain.ErrInvalidInput, err)
	}

	maxAttempts, err := c.flags.Int(ctx, flags.VendRetryAttempts, c.cfg.VendRetryAttempts)
	if err != nil || maxAttempts <= 0 {
		maxAttempts = c.cfg.VendRetryAttempts
	}

	refreshed := false
	attempts := 0
	for {
		attempts++
		status, respBody, reqErr := c.once(ctx, method, target, payload, opts.IdempotencyKey)

		switch classify(status, reqErr) {
		case outcomeSuccess:
			if c.breaker != nil {
				c.breaker.RecordSuccess(ctx)
			}
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("op=vend.do decode: %w: %v", domain.ErrInternal, err)
				}
			}
			return nil

		case outcomeDuplicate:
			if c.breaker != nil {
				c.breaker.RecordSuccess(ctx)
			}
			return fmt.Errorf("op=vend.do status=409: %w", domain.ErrDuplicate)

		case outcomeUnauthorized:
			// One refresh per call: the extra attempt rides on top of the
			// normal retry budget.
			if !refreshed {
				refreshed = true
				_, rErr := c.tokens.Refresh(ctx)
				if rErr == nil {
					continue
				}
				if errors.Is(rErr, domain.ErrTransientVendor) {
					return fmt.Errorf("op=vend.do status=401: %w", rErr)
				}
			}
			return fmt.Errorf("op=vend.do status=401: %w", domain.ErrUnauthorized)

		case outcomeFatal:
			return fmt.Errorf("op=vend.do status=%d body=%s: %w", status, snippet(respBody), domain.ErrValidation)

		case outcomeRateLimited, outcomeTransient:
			if c.breaker != nil {
				c.breaker.RecordFailure(ctx)
			}
			if attempts >= maxAttempts {
				if status == http.StatusTooManyRequests {
					return fmt.Errorf("op=vend.do status=429 attempts=%d: %w", attempts, domain.ErrRateLimited)
				}
				return fmt.Errorf("op=vend.do status=%d attempts=%d: %w: %v", status, attempts, domain.ErrTransientVendor, reqErr)
			}
			if err := c.sleep(ctx, retryDelay(attempts)); err != nil {
				return fmt.Errorf("op=vend.do: %w: %v", domain.ErrTransientVendor, err)
			}
		}
	}
}

// retryDelay is the in-call backoff between vendor attempts:
// min(250ms*attempts + rand(0..250ms), 1200ms).
func retryDelay(attempts int) time.Duration {
	d := time.Duration(attempts)*250*time.Millisecond +
		time.Duration(rand.Int63n(int64(250*time.Millisecond))) //nolint:gosec // Jitter needs no cryptographic strength.
	if d > 1200*time.Millisecond {
		d = 1200 * time.Millisecond
	}
	return d
}

func (c *Client) takeToken(ctx context.Context, wait bool) error {
	if c.limiter == nil {
		return nil
	}
	for {
		allowed, retryAfter, err := c.limiter.Allow(ctx, ratelimiter.BucketKeyVendHTTP, 1)
		if err != nil || allowed {
			return nil // limiter fails open
		}
		if !wait {
			return fmt.Errorf("op=vend.do limiter retry_after=%s: %w", retryAfter, domain.ErrRateLimited)
		}
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		if err := c.sleep(ctx, retryAfter); err != nil {
			return fmt.Errorf("op=vend.do: %w: %v", domain.ErrRateLimited, err)
		}
	}
}

// once performs a single HTTP attempt. status 0 means the request never got a
// response.
func (c *Client) once(ctx context.Context, method, target string, payload []byte, idemKey string) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return 0, nil, err
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" && method != http.MethodGet {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		observability.ObserveVendRequest(method, 0, elapsed)
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveVendRequest(method, resp.StatusCode, elapsed)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) normalizeURL(pathOrURL string) (string, error) {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		return pathOrURL, nil
	}
	base, err := url.Parse(c.cfg.VendAPIBase)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(pathOrURL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeDuplicate
	outcomeUnauthorized
	outcomeRateLimited
	outcomeTransient
	outcomeFatal
)

// classify maps one attempt's result to the error taxonomy. Connection
// errors and 408/425/429/5xx are transient; 409 is a duplicate (success for
// idempotent submissions); remaining 4xx are fatal.
func classify(status int, err error) outcome {
	if err != nil || status == 0 {
		return outcomeTransient
	}
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == http.StatusConflict:
		return outcomeDuplicate
	case status == http.StatusUnauthorized:
		return outcomeUnauthorized
	case status == http.StatusTooManyRequests:
		return outcomeRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly:
		return outcomeTransient
	case status >= 500:
		return outcomeTransient
	default:
		return outcomeFatal
	}
}

func snippet(b []byte) string {
	const n = 256
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
