package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	VendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vend_http_requests_total",
			Help: "Total number of outbound vendor requests by method and status class",
		},
		[]string{"method", "class"},
	)
	VendRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vend_http_latency_bucket_ms",
			Help:    "Vendor request latency in milliseconds (rolling per-minute scrape)",
			Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"method"},
	)
	VendBreakerTripped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vend_breaker_tripped",
			Help: "1 while the vendor circuit breaker is tripped",
		},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsWorking = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_working",
			Help: "Number of jobs currently leased by this process",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of job attempts returned to pending with backoff",
		},
		[]string{"type"},
	)
	JobsDLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dlq_total",
			Help: "Total number of jobs moved to the dead letter queue",
		},
		[]string{"type", "fail_code"},
	)
	JobsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_reaped_total",
			Help: "Total number of expired leases reset to pending",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Queue depth by status (pending, working, dlq)",
		},
		[]string{"status"},
	)
	OldestPendingAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_oldest_pending_age_seconds",
			Help: "Age of the oldest pending job in seconds",
		},
	)

	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Total number of webhook deliveries by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	HealthGrade = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_grade",
			Help: "Current health grade (0=GREEN, 1=AMBER, 2=RED)",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(VendRequestsTotal)
	prometheus.MustRegister(VendRequestLatency)
	prometheus.MustRegister(VendBreakerTripped)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsWorking)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsDLQTotal)
	prometheus.MustRegister(JobsReapedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(OldestPendingAge)
	prometheus.MustRegister(WebhooksReceivedTotal)
	prometheus.MustRegister(HealthGrade)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

func StartWorkingJob(jobType string) {
	JobsWorking.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string) {
	JobsWorking.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

func RetryJob(jobType string) {
	JobsWorking.WithLabelValues(jobType).Dec()
	JobsRetriedTotal.WithLabelValues(jobType).Inc()
}

func DLQJob(jobType, failCode string) {
	JobsWorking.WithLabelValues(jobType).Dec()
	JobsDLQTotal.WithLabelValues(jobType, failCode).Inc()
}

// ObserveVendRequest records one outbound vendor attempt.
func ObserveVendRequest(method string, status int, elapsed time.Duration) {
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status == 429:
		class = "429"
	case status >= 400:
		class = "4xx"
	case status == 0:
		class = "conn"
	}
	VendRequestsTotal.WithLabelValues(method, class).Inc()
	VendRequestLatency.WithLabelValues(method).Observe(float64(elapsed.Milliseconds()))
	defaultVendWindow.record(status)
}

// SetBreakerTripped reflects the breaker state on the gauge.
func SetBreakerTripped(tripped bool) {
	if tripped {
		VendBreakerTripped.Set(1)
		return
	}
	VendBreakerTripped.Set(0)
}

// SetGrade reflects the grader output on the gauge.
func SetGrade(grade string) {
	switch grade {
	case "AMBER":
		HealthGrade.Set(1)
	case "RED":
		HealthGrade.Set(2)
	default:
		HealthGrade.Set(0)
	}
}
