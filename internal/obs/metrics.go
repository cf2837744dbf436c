package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports. Each instance owns its
// registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	queryDuration       *prometheus.HistogramVec
	slowQueries         prometheus.Counter

	registrations *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	signIns       *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
// POST: Returned Metrics is ready for use and exposes Go runtime collectors too
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database call latencies in seconds.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		slowQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Database calls slower than the configured threshold.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duemari_registrations_submitted_total",
			Help: "Registration requests received, by outcome.",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duemari_registration_decisions_total",
			Help: "Admin decisions on registrations, by decision and outcome.",
		}, []string{"decision", "outcome"}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duemari_sign_ins_total",
			Help: "Sign-in attempts, by method and outcome.",
		}, []string{"method", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duemari_outbox_deliveries_total",
			Help: "Outbox delivery attempts, by action type and outcome.",
		}, []string{"action_type", "outcome"}),
	}
	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.queryDuration, m.slowQueries,
		m.registrations, m.decisions, m.signIns, m.deliveries,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveQuery records a database call. A nil receiver is a no-op.
func (m *Metrics) ObserveQuery(op string, d time.Duration, slow bool) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(op).Observe(d.Seconds())
	if slow {
		m.slowQueries.Inc()
	}
}

// RegistrationSubmitted counts an intake attempt.
func (m *Metrics) RegistrationSubmitted(outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

// RegistrationDecided counts an approve or reject attempt.
func (m *Metrics) RegistrationDecided(decision, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision, outcome).Inc()
}

// SignIn counts a sign-in attempt. method is "admin" or "fiscal_code".
func (m *Metrics) SignIn(method, outcome string) {
	if m == nil {
		return
	}
	m.signIns.WithLabelValues(method, outcome).Inc()
}

// OutboxDelivery counts a delivery attempt.
func (m *Metrics) OutboxDelivery(actionType, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(actionType, outcome).Inc()
}

// Instrument wraps a handler to measure in-flight requests, counts and latency.
// The path label is the matched route pattern so ids do not explode cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(sw.code)
		m.httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
