package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the portal's Prometheus metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	logins          *prometheus.CounterVec
	impersonations  *prometheus.CounterVec
	fieldUpdates    *prometheus.CounterVec
	staleResponses  *prometheus.CounterVec
}

// NewMetrics initialises the registry and the portal metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portal_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	logins := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_logins_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})
	impersonations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_impersonations_total",
		Help: "Impersonation transitions by target kind and action.",
	}, []string{"kind", "action"})
	fieldUpdates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_field_updates_total",
		Help: "Request field updates by field and outcome.",
	}, []string{"field", "outcome"})
	stale := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_stale_responses_total",
		Help: "Field update responses discarded because a newer update was issued.",
	}, []string{"field"})
	registry.MustRegister(requests, duration, logins, impersonations, fieldUpdates, stale)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		logins:          logins,
		impersonations:  impersonations,
		fieldUpdates:    fieldUpdates,
		staleResponses:  stale,
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

// Middleware records request count and latency per route pattern.
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

// RecordLogin counts a login attempt.
func (m *Metrics) RecordLogin(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

// RecordImpersonation counts an impersonation start or stop.
func (m *Metrics) RecordImpersonation(kind, action string) {
	if m == nil {
		return
	}
	m.impersonations.WithLabelValues(kind, action).Inc()
}

// RecordFieldUpdate counts a field update attempt.
func (m *Metrics) RecordFieldUpdate(field, outcome string) {
	if m == nil {
		return
	}
	m.fieldUpdates.WithLabelValues(field, outcome).Inc()
}

// RecordStaleResponse counts a discarded out-of-order response.
func (m *Metrics) RecordStaleResponse(field string) {
	if m == nil {
		return
	}
	m.staleResponses.WithLabelValues(field).Inc()
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
