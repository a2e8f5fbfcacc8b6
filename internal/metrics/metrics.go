// Package metrics exposes the control plane's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the server records into.
type Metrics struct {
	registry *prometheus.Registry

	RegisteredAgents   prometheus.Gauge
	AgentsByState      *prometheus.GaugeVec
	RegistrationsTotal *prometheus.CounterVec
	HeartbeatsTotal    prometheus.Counter
	AgentsWentOffline  prometheus.Counter
	DistributionsTotal *prometheus.CounterVec
	PolicyDeliveries   *prometheus.CounterVec
	AuthFailuresTotal  *prometheus.CounterVec
	TokensIssuedTotal  prometheus.Counter
	TokensRevokedTotal prometheus.Counter
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
}

// New creates the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RegisteredAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_registered_agents",
			Help: "Number of agents currently registered.",
		}),
		AgentsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_agents_by_state",
			Help: "Registered agents partitioned by connection state.",
		}, []string{"state"}),
		RegistrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_registrations_total",
			Help: "Registration attempts by outcome.",
		}, []string{"outcome"}),
		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_heartbeats_total",
			Help: "Heartbeats processed.",
		}),
		AgentsWentOffline: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_agents_went_offline_total",
			Help: "Offline transitions detected by the heartbeat monitor.",
		}),
		DistributionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_distributions_total",
			Help: "Policy distributions by terminal state.",
		}, []string{"state"}),
		PolicyDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_policy_deliveries_total",
			Help: "Per-agent policy deliveries by outcome.",
		}, []string{"outcome"}),
		AuthFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_auth_failures_total",
			Help: "Authentication and authorization failures by kind.",
		}, []string{"kind"}),
		TokensIssuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tokens_issued_total",
			Help: "JWT pairs issued.",
		}),
		TokensRevokedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tokens_revoked_total",
			Help: "JWTs revoked.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_http_requests_total",
			Help: "HTTP requests by route, method, and status code.",
		}, []string{"route", "method", "code"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
