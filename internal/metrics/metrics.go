// Package metrics registers the Prometheus collectors shared by the API and
// worker binaries.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConversionsTotal counts finished conversion jobs by category and outcome
	// (completed, failed, retried).
	ConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaharbor_conversions_total",
			Help: "Conversion jobs finished, by media category and outcome.",
		},
		[]string{"category", "outcome"},
	)

	// ConversionDuration observes wall-clock conversion time per category.
	ConversionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaharbor_conversion_duration_seconds",
			Help:    "Wall-clock duration of media conversions.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"category"},
	)

	// FetchAttemptsTotal counts remote fetch attempts by player client and outcome.
	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaharbor_fetch_attempts_total",
			Help: "Remote fetch attempts, by client identity strategy and outcome.",
		},
		[]string{"client", "outcome"},
	)

	// NotificationsTotal counts batch notification resolutions by outcome
	// (sent, failed, quota_exceeded).
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaharbor_notifications_total",
			Help: "Batch completion notifications, by outcome.",
		},
		[]string{"outcome"},
	)

	// JobsInFlight tracks conversion jobs currently being processed.
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaharbor_jobs_in_flight",
			Help: "Conversion jobs currently held by this worker.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaharbor_http_requests_total",
			Help: "HTTP requests served by the API.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaharbor_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Handler exposes the default registry for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency per route pattern. The
// pattern (not the raw path) keeps label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		pattern := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
