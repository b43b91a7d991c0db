// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "helix_mcp"

// Metrics groups every collector so components receive them by injection
// rather than through the global registry.
type Metrics struct {
	Registry *prometheus.Registry

	BackendRequests *prometheus.CounterVec
	BackendLatency  *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec

	SessionsActive  prometheus.Gauge
	SessionsEvicted *prometheus.CounterVec

	Updates   *prometheus.CounterVec
	ToolCalls *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend queries by name and outcome code.",
		}, []string{"query", "outcome"}),
		BackendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_seconds",
			Help:      "Backend query latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "1 while the named circuit breaker is open.",
		}, []string{"breaker"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live traversal sessions.",
		}),
		SessionsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions removed, by reason.",
		}, []string{"reason"}),
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Embedding-consistent mutations by kind and status.",
		}, []string{"kind", "status"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "MCP tool calls by tool and result.",
		}, []string{"tool", "result"}),
	}

	reg.MustRegister(
		m.BackendRequests,
		m.BackendLatency,
		m.BreakerState,
		m.SessionsActive,
		m.SessionsEvicted,
		m.Updates,
		m.ToolCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// BreakerObserver returns a state-change callback for breaker.Config.
func (m *Metrics) BreakerObserver(name string) func(string, string, string) {
	return func(_ string, _ string, to string) {
		if to == "open" {
			m.BreakerState.WithLabelValues(name).Set(1)
			return
		}
		m.BreakerState.WithLabelValues(name).Set(0)
	}
}
