// Package metrics provides Prometheus instrumentation for chatcore.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatcore"

// Metrics holds every collector chatcore exports. Each instance owns its
// registry, so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// ProviderLatency tracks provider call latency in seconds.
	ProviderLatency *prometheus.HistogramVec
	// ProviderTokens tracks tokens consumed; direction is "input" or "output".
	ProviderTokens *prometheus.CounterVec
	// CircuitState tracks the breaker state: 0=closed, 1=half-open, 2=open.
	CircuitState *prometheus.GaugeVec
	// Turns counts chat turns by outcome (ok or an error code).
	Turns *prometheus.CounterVec
	// Conversations is the number of conversations currently held.
	Conversations prometheus.Gauge
	// HTTPRequests counts boundary requests by route and status code.
	HTTPRequests *prometheus.CounterVec
	// HTTPLatency tracks boundary request latency in seconds.
	HTTPLatency *prometheus.HistogramVec
}

// New creates a Metrics set registered on a fresh registry, including the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "LLM provider call latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "outcome"}),
		ProviderTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Total number of tokens reported by the provider.",
		}, []string{"provider", "direction"}),
		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state: 0=closed, 1=half-open, 2=open.",
		}, []string{"provider"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total chat turns by outcome.",
		}, []string{"outcome"}),
		Conversations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations",
			Help:      "Number of conversations currently held in memory.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry exposes the underlying registry (for Gather in tests).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveProviderCall records one provider call. outcome is "ok" or an error code.
func (m *Metrics) ObserveProviderCall(provider, outcome string, d time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.ProviderLatency.WithLabelValues(provider, outcome).Observe(d.Seconds())
	if inputTokens > 0 {
		m.ProviderTokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ProviderTokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// SetCircuitState records the breaker state for provider.
func (m *Metrics) SetCircuitState(provider string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(provider).Set(float64(state))
}

// RecordTurn counts one chat turn.
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

// SetConversations records the current conversation count.
func (m *Metrics) SetConversations(n int) {
	if m == nil {
		return
	}
	m.Conversations.Set(float64(n))
}

// ObserveHTTP records one boundary request.
func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(d.Seconds())
}
