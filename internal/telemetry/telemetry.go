// Package telemetry exposes Prometheus collectors for the recovery service.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	recoverJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recover_jobs_total",
			Help: "Total number of recovery jobs finished, labeled by terminal state.",
		},
		[]string{"state"},
	)

	recoverJobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recover_job_duration_seconds",
			Help:    "Histogram of recovery job durations, labeled by terminal state.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"state"},
	)

	recoverActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recover_active_jobs",
			Help: "Number of recovery jobs currently running.",
		},
	)

	recoverFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recover_files_total",
			Help: "Total number of staged files processed, labeled by result.",
		},
		[]string{"result"},
	)

	recoverToolDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recover_tool_duration_seconds",
			Help:    "Histogram of repair tool invocation durations, labeled by mode and outcome.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"mode", "outcome"},
	)

	recoverArchiveBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recover_archive_bytes",
			Help:    "Histogram of produced archive sizes in bytes.",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8),
		},
	)

	recoverRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recover_rate_limited_total",
			Help: "Total number of recovery requests rejected by the per-client rate limit.",
		},
	)

	recoverWorkspacesSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recover_workspaces_swept_total",
			Help: "Total number of stale workspaces removed by the sweeper.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
		},
		[]string{"method", "route"},
	)
)

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob records a job reaching a terminal state.
func ObserveJob(state string, duration time.Duration) {
	recoverJobsTotal.WithLabelValues(state).Inc()
	recoverJobDurationSeconds.WithLabelValues(state).Observe(duration.Seconds())
}

// IncActiveJobs increments the running job gauge.
func IncActiveJobs() {
	recoverActiveJobs.Inc()
}

// DecActiveJobs decrements the running job gauge.
func DecActiveJobs() {
	recoverActiveJobs.Dec()
}

// ObserveFile records the per-file result: recovered, empty, unchanged or failed.
func ObserveFile(result string) {
	recoverFilesTotal.WithLabelValues(result).Inc()
}

// ObserveToolRun records one invocation of the repair tool.
func ObserveToolRun(mode, outcome string, duration time.Duration) {
	recoverToolDurationSeconds.WithLabelValues(mode, outcome).Observe(duration.Seconds())
}

// ObserveArchive records the size of a produced archive.
func ObserveArchive(bytes int64) {
	recoverArchiveBytes.Observe(float64(bytes))
}

// ObserveSweep records removed stale workspaces.
func ObserveSweep(removed int) {
	recoverWorkspacesSweptTotal.Add(float64(removed))
}

// ObserveRateLimited records a request rejected by the job admission limiter.
func ObserveRateLimited() {
	recoverRateLimitedTotal.Inc()
}
