package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mutation outcomes counted by zeke_mutations_total.
const (
	resultApplied  = "applied"
	resultReplayed = "replayed"
	resultRejected = "rejected"
	resultConflict = "conflict"
	resultFailed   = "failed"
)

// metrics holds the server's Prometheus instruments. Each Server gets
// its own registry, so tests can run servers side by side without
// duplicate-registration errors.
type metrics struct {
	registry *prometheus.Registry

	mutationsTotal   *prometheus.CounterVec
	kvExpiredRemoved prometheus.Counter
	requestDuration  *prometheus.HistogramVec
}

func newMetrics(clientCount func() int) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),

		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zeke_mutations_total",
			Help: "Mutations processed, by outcome",
		}, []string{"result"}),

		kvExpiredRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zeke_kv_expired_removed_total",
			Help: "Expired KV entries removed by cleanup sweeps",
		}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zeke_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(m.mutationsTotal)
	m.registry.MustRegister(m.kvExpiredRemoved)
	m.registry.MustRegister(m.requestDuration)
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "zeke_channel_clients",
		Help: "Connected invalidation channel clients",
	}, func() float64 { return float64(clientCount()) }))

	return m
}

// handler serves the /metrics endpoint for this server's registry.
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the status code a handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records request latency labeled by the chi route pattern,
// so /v1/sessions/{id} counts as one route, not one per session.
func (m *metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		m.requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
