package observability

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	ctxKeyLogger ctxKey = iota
	ctxKeyRequestID
)

// ContextWithLogger attaches a request- or job-scoped logger. A nil logger
// leaves the context untouched.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if lg == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyLogger, lg)
}

// LoggerFromContext returns the scoped logger. Without one it falls back to
// the default logger, stamped with the context's correlation id when present
// so deep call sites still log correlatable lines.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if lg, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok {
		return lg
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		return slog.Default().With(slog.String("request_id", rid))
	}
	return slog.Default()
}

// ContextWithRequestID records the correlation id (HTTP request id, or a
// job's correlation id in the runner) for downstream log lines.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// RequestIDFromContext returns the correlation id, or "" when unset.
func RequestIDFromContext(ctx context.Context) string {
	rid, _ := ctx.Value(ctxKeyRequestID).(string)
	return rid
}
