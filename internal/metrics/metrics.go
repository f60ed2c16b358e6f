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
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changegate",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by method, path, and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "changegate",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	PlanValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changegate",
		Name:      "plan_validations_total",
		Help:      "Total plan validations by outcome (validated, rejected).",
	}, []string{"outcome"})

	ApprovalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changegate",
		Name:      "approvals_total",
		Help:      "Total approval gate outcomes by status (approved, denied, expired, cancelled).",
	}, []string{"status"})

	StepAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changegate",
		Name:      "step_attempts_total",
		Help:      "Total platform call attempts by operation and outcome.",
	}, []string{"operation", "outcome"})

	StepAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "changegate",
		Name:      "step_attempt_duration_seconds",
		Help:      "Platform call latency in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"operation"})

	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changegate",
		Name:      "executions_total",
		Help:      "Total plan executions by terminal status.",
	}, []string{"status"})

	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changegate",
		Name:      "oauth_token_refreshes_total",
		Help:      "Total OAuth token refreshes by outcome.",
	}, []string{"outcome"})

	ReconciliationAnomalies = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "changegate",
		Name:      "reconciliation_anomalies",
		Help:      "Unacknowledged attempted-without-result steps found by the last reconciliation.",
	})
)

// Handler returns an http.Handler that serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware wraps an http.Handler to record request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start).Seconds()

		path := normalizePath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath buckets URL paths to avoid high cardinality.
// It keeps the first two path segments and replaces the rest with a placeholder.
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	// Keep known static paths
	switch {
	case p == "/healthz" || p == "/readyz" || p == "/metrics":
		return p
	}
	// For API paths like /v1/plans/plan_abc/approve, keep /v1/plans
	segments := 0
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			segments++
			if segments >= 2 {
				return p[:i]
			}
		}
	}
	return p
}
