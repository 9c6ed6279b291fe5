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

	JobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asr_jobs_created_total",
			Help: "Total number of jobs accepted at intake",
		},
		[]string{"task_type", "priority"},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "asr_jobs_processing",
			Help: "Number of jobs currently in processing",
		},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asr_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"engine"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asr_jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"engine", "stage"},
	)

	InferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "asr_inference_duration_seconds",
			Help:    "Wall-clock duration of inference runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"engine"},
	)

	ModelPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "asr_model_pool_size",
			Help: "Current number of workers owned by the model pool",
		},
	)
	ModelPoolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "asr_model_pool_idle",
			Help: "Current number of idle workers in the model pool",
		},
	)

	CallbackAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asr_callback_attempts_total",
			Help: "Total callback delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	StagedBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asr_staged_bytes_total",
			Help: "Total bytes written into the staging directory",
		},
		[]string{"source"},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsCreatedTotal,
		JobsProcessing,
		JobsCompletedTotal,
		JobsFailedTotal,
		InferenceDuration,
		ModelPoolSize,
		ModelPoolIdle,
		CallbackAttemptsTotal,
		StagedBytesTotal,
	)
}

// HTTPMetricsMiddleware records request counts and latency per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
