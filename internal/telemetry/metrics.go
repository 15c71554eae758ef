package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
// All methods are safe on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	riskDecisions   *prometheus.CounterVec
	mandateChecks   *prometheus.CounterVec
	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	panics          prometheus.Counter
}

// NewMetrics registers collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_gateway_http_requests_total",
				Help: "Total number of HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_gateway_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		riskDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_gateway_risk_decisions_total",
				Help: "Risk decisions by operation and outcome",
			},
			[]string{"op", "decision"},
		),
		mandateChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_gateway_mandate_checks_total",
				Help: "Mandate resolutions by outcome (used, warning code, blocked)",
			},
			[]string{"outcome"},
		),
		upstreamCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_gateway_upstream_requests_total",
				Help: "Facilitator calls by operation and status",
			},
			[]string{"op", "status"},
		),
		upstreamLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_gateway_upstream_request_duration_seconds",
				Help:    "Facilitator call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		rateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_gateway_rate_limit_rejected_total",
				Help: "Requests rejected by the per-client rate limit",
			},
			[]string{"route"},
		),
		panics: f.NewCounter(
			prometheus.CounterOpts{
				Name: "x402_gateway_panics_recovered_total",
				Help: "Panics recovered by the HTTP middleware",
			},
		),
	}
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records a finished HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// RiskDecision counts a decision ("allow", "deny", "review", "skipped", "error").
func (m *Metrics) RiskDecision(op, decision string) {
	if m == nil {
		return
	}
	m.riskDecisions.WithLabelValues(op, decision).Inc()
}

// MandateCheck counts a mandate resolution outcome.
func (m *Metrics) MandateCheck(outcome string) {
	if m == nil {
		return
	}
	m.mandateChecks.WithLabelValues(outcome).Inc()
}

// UpstreamCall records a facilitator call. status 0 means no response.
func (m *Metrics) UpstreamCall(op string, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.upstreamCalls.WithLabelValues(op, label).Inc()
	m.upstreamLatency.WithLabelValues(op).Observe(d.Seconds())
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

// PanicRecovered counts a recovered panic.
func (m *Metrics) PanicRecovered() {
	if m == nil {
		return
	}
	m.panics.Inc()
}
