package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reconRuns       *prometheus.CounterVec
	autoMatches     prometheus.Counter
	riskFlags       *prometheus.CounterVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerline_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerline_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	reconRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerline_recon_runs_total",
		Help: "Reconciliation runs by scope and outcome.",
	}, []string{"scope", "outcome"})
	autoMatches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgerline_recon_auto_matches_total",
		Help: "Suggestions applied automatically above the confidence threshold.",
	})
	riskFlags := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerline_recon_risk_flags_total",
		Help: "Risk flags written by flag type and severity.",
	}, []string{"flag_type", "severity"})
	registry.MustRegister(requests, duration, reconRuns, autoMatches, riskFlags)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		reconRuns:       reconRuns,
		autoMatches:     autoMatches,
		riskFlags:       riskFlags,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
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

// ObserveRun records the outcome of a reconciliation run.
func (m *Metrics) ObserveRun(scope, outcome string) {
	if m == nil {
		return
	}
	m.reconRuns.WithLabelValues(scope, outcome).Inc()
}

// AddAutoMatches increments the auto-match counter.
func (m *Metrics) AddAutoMatches(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.autoMatches.Add(float64(n))
}

// AddRiskFlags increments the risk-flag counter.
func (m *Metrics) AddRiskFlags(flagType, severity string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.riskFlags.WithLabelValues(flagType, severity).Add(float64(n))
}

// Registerer exposes the registry for custom metric registration.
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
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
