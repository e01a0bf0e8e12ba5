// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openai_hub"

// Metrics holds every collector on a private registry so tests can build
// isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	UpstreamRetries prometheus.Counter
	AuditDropped    prometheus.Counter
	TokensTotal     *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by method, endpoint template, and outcome.",
		}, []string{"method", "endpoint", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end latency of proxied requests.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"method", "endpoint"}),
		UpstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Requests re-dispatched on a different credential after a 429.",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit records lost to queue overflow or backend failure.",
		}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Token usage by model and kind (prompt or completion).",
		}, []string{"model", "kind"}),
	}
	registry.MustRegister(
		m.Requests,
		m.RequestDuration,
		m.UpstreamRetries,
		m.AuditDropped,
		m.TokensTotal,
	)
	return m
}

// RegisterKeyPool wires gauges to live key pool state.
func (m *Metrics) RegisterKeyPool(healthy, inFlight func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "keys_healthy",
		Help:      "Credentials currently eligible for dispatch.",
	}, func() float64 { return float64(healthy()) }))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "keys_in_flight",
		Help:      "Requests currently holding a credential lease.",
	}, func() float64 { return float64(inFlight()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
