package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the HTTP surface and the ledger
// write path.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	movements       *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	retried         *prometheus.CounterVec
	invalidations   prometheus.Counter
	cacheVersion    prometheus.Gauge

	mu          sync.Mutex
	lastVersion int64
}

// NewMetrics initialises the registry and its collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_ledger_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_movements_total",
		Help: "Journaled movements by kind.",
	}, []string{"kind"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_operations_rejected_total",
		Help: "Rejected ledger operations by operation and reason.",
	}, []string{"operation", "reason"})
	retried := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_operations_retried_total",
		Help: "Ledger transactions replayed after a concurrent modification.",
	}, []string{"operation"})
	invalidations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_ledger_cache_invalidations_total",
		Help: "Ledger cache version bumps observed on the invalidation channel.",
	})
	cacheVersion := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odyssey_ledger_cache_version",
		Help: "Latest ledger cache version seen by this process.",
	})
	registry.MustRegister(requests, duration, movements, rejected, retried, invalidations, cacheVersion,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		movements:       movements,
		rejected:        rejected,
		retried:         retried,
		invalidations:   invalidations,
		cacheVersion:    cacheVersion,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// MovementRecorded counts a committed movement.
func (m *Metrics) MovementRecorded(kind string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(kind).Inc()
}

// OperationRejected counts an operation that failed for reason.
func (m *Metrics) OperationRejected(operation, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(operation, reason).Inc()
}

// OperationRetried counts a replayed transaction.
func (m *Metrics) OperationRetried(operation string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(operation).Inc()
}

// CacheInvalidated records a ledger cache bump published by any instance.
// Notices can arrive out of order; the gauge keeps the highest version.
func (m *Metrics) CacheInvalidated(version int64) {
	if m == nil {
		return
	}
	m.invalidations.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	if version > m.lastVersion {
		m.lastVersion = version
		m.cacheVersion.Set(float64(version))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streamed responses flowing through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
