// Package metrics instruments the gateway's HTTP surface with prometheus
// counters and latency histograms.
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	// Namespace prefixes every metric name. Defaults to "paket".
	Namespace string
	// LogRequests emits a per-request debug line.
	LogRequests bool
}

// Recorder owns the metric vectors and the registry they live in. Each
// gateway process builds one Recorder and threads its Middleware through the
// router.
type Recorder struct {
	cfg       Config
	logger    *slog.Logger
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	registry  *prometheus.Registry
}

func NewRecorder(cfg Config, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "paket"
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the gateway.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	registry.MustRegister(requests, durations)
	return &Recorder{
		cfg:       cfg,
		logger:    logger,
		requests:  requests,
		durations: durations,
		registry:  registry,
	}
}

// Middleware wraps a handler with request counting and latency observation
// under the given route label.
func (rec *Recorder) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			duration := time.Since(start).Seconds()
			rec.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
			rec.durations.WithLabelValues(route, r.Method).Observe(duration)
			if rec.cfg.LogRequests {
				rec.logger.Debug("request served",
					"method", r.Method,
					"route", route,
					"status", recorder.status,
					"duration_ms", duration*1000)
			}
		})
	}
}

// Handler serves the /metrics scrape endpoint for this recorder's registry.
func (rec *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(rec.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
