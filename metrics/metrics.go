// Package metrics exposes Prometheus collectors for the HTTP surface, the
// ledger operations and the write-through worker.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chat997709/nexus/ledger"
)

const namespace = "nexus"

type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	operations *prometheus.CounterVec

	writes        *prometheus.CounterVec
	writeDuration prometheus.Histogram
	writeAttempts prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by kind and outcome.",
		}, []string{"operation", "outcome"}),

		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writethrough",
			Name:      "jobs_total",
			Help:      "Write-through jobs by result.",
		}, []string{"result"}),
		writeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "writethrough",
			Name:      "job_duration_seconds",
			Help:      "Time from submission to completion of a write-through job.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		}),
		writeAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "writethrough",
			Name:      "job_attempts",
			Help:      "Store attempts per write-through job.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}),
	}

	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.operations,
		m.writes,
		m.writeDuration,
		m.writeAttempts,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SessionsGauge publishes the value of active on every scrape.
func (m *Metrics) SessionsGauge(active func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Currently active sessions.",
	}, func() float64 { return float64(active()) }))
}

// =============================================================================
// HTTP
// =============================================================================

// Instrument is chi middleware. Requests are labelled by route pattern so
// path parameters do not explode cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Metrics) RecordPurchase(code ledger.ResultCode) {
	m.operations.WithLabelValues("purchase", strings.ToLower(string(code))).Inc()
}

// RecordCredit counts a top-up or bonus by outcome.
func (m *Metrics) RecordCredit(kind ledger.TransactionKind, err error) {
	m.operations.WithLabelValues(strings.ToLower(string(kind)), outcome(err)).Inc()
}

// RecordWrite is a ledger.WriterConfig.OnComplete callback.
func (m *Metrics) RecordWrite(res ledger.WriteResult) {
	m.writes.WithLabelValues(outcome(res.Err)).Inc()
	m.writeDuration.Observe(res.Duration.Seconds())
	m.writeAttempts.Observe(float64(res.Attempts))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return "replayed"
	case errors.Is(err, ledger.ErrWriteQueueFull):
		return "dropped"
	case errors.Is(err, ledger.ErrWriterClosed):
		return "closed"
	case ledger.IsClientError(err), errors.Is(err, ledger.ErrNotAuthenticated):
		return "rejected"
	default:
		return "error"
	}
}
