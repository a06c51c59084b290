package observability

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Same(t, slog.Default(), LoggerFromContext(ctx))

	lg := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx = ContextWithLogger(ctx, lg)
	assert.Same(t, lg, LoggerFromContext(ctx))

	// A nil logger must not clobber the stored one.
	assert.Same(t, lg, LoggerFromContext(ContextWithLogger(ctx, nil)))
}

func TestLoggerFallbackStampsRequestID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	ctx := ContextWithRequestID(context.Background(), "req-123")
	LoggerFromContext(ctx).Info("hello")

	require.Contains(t, buf.String(), "request_id=req-123")
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Equal(t, "req-9", RequestIDFromContext(ContextWithRequestID(ctx, "req-9")))
	// Empty ids are ignored rather than erasing an earlier one.
	ctx = ContextWithRequestID(ctx, "req-9")
	assert.Equal(t, "req-9", RequestIDFromContext(ContextWithRequestID(ctx, "")))
}
