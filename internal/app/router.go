// Package app wires application components and startup helpers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/commercekit/vendbridge/internal/adapter/httpserver"
	"github.com/commercekit/vendbridge/internal/adapter/observability"
	"github.com/commercekit/vendbridge/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. Empty input allows any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(60 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Admin control surface: bearer auth plus a per-route minute bucket.
	guard := srv.Guard()
	r.Group(func(ar chi.Router) {
		ar.Use(httprate.Limit(cfg.RateLimitPerMin, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint)))
		ar.Use(guard.Middleware)

		ar.Post("/job", srv.EnqueueHandler())
		ar.Get("/queue.status", srv.QueueStatusHandler())
		ar.Post("/queue.pause", srv.QueuePauseHandler())
		ar.Post("/queue.resume", srv.QueueResumeHandler())
		ar.Post("/queue.concurrency.update", srv.QueueConcurrencyHandler())
		ar.Post("/dlq.redrive", srv.DLQRedriveHandler())
		ar.Post("/dlq.purge", srv.DLQPurgeHandler())
		ar.Post("/webhook.test", srv.WebhookTestHandler())
		ar.Post("/webhook.replay", srv.WebhookReplayHandler())
		ar.Post("/runner.kick", srv.RunnerKickHandler())
		ar.Post("/runner.continuous", srv.RunnerContinuousHandler())
		ar.Post("/reap", srv.ReapHandler())
		ar.Post("/reap.emergency", srv.ReapEmergencyHandler())
		ar.Post("/keys.rotate", srv.KeysRotateHandler())
	})

	// Webhook intake authenticates by HMAC, not bearer; its own bucket is
	// wider because the vendor bursts deliveries.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin*10, time.Minute))
		wr.Post("/webhook", srv.WebhookHandler())
	})

	// The watchdog may be driven by an external scheduler without credentials.
	r.Get("/watchdog", srv.WatchdogHandler())
	r.Post("/watchdog", srv.WatchdogHandler())

	r.Get("/health", srv.HealthHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
