package service

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "domain_proxy"

// Metrics holds the Prometheus collectors of the proxy on a private registry.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	DomainsRegistered  prometheus.Gauge
	ControlOpsTotal    *prometheus.CounterVec
	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration prometheus.Histogram
	ProbesTotal        *prometheus.CounterVec
	BackendHealthy     *prometheus.GaugeVec
	RouteDecisions     *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		DomainsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "domains_registered",
			Help:      "Number of domains with an active backend pool",
		}),
		ControlOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "control_ops_total",
			Help:      "Control commands handled by the resolution worker",
		}, []string{"op"}),
		ResolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dns",
			Name:      "resolutions_total",
			Help:      "Domain resolutions by result",
		}, []string{"result"}),
		ResolutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "dns",
			Name:      "resolution_duration_seconds",
			Help:      "Time spent resolving a domain",
			Buckets:   prometheus.DefBuckets,
		}),
		ProbesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "backend",
			Name:      "probes_total",
			Help:      "Backend reachability probes by result",
		}, []string{"domain", "result"}),
		BackendHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "backend",
			Name:      "healthy",
			Help:      "Backend liveness (1=healthy, 0=unhealthy)",
		}, []string{"domain", "backend"}),
		RouteDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Routing decisions by outcome",
		}, []string{"outcome"}),
	}
}

// Registry returns the registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetDomains records the registry size
func (m *Metrics) SetDomains(n int) {
	if m == nil {
		return
	}
	m.DomainsRegistered.Set(float64(n))
}

// ObserveControlOp counts a handled command
func (m *Metrics) ObserveControlOp(op string) {
	if m == nil {
		return
	}
	m.ControlOpsTotal.WithLabelValues(op).Inc()
}

// ObserveResolution counts a resolution outcome: success, failure or stale
func (m *Metrics) ObserveResolution(result string, seconds float64) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(result).Inc()
	if seconds > 0 {
		m.ResolutionDuration.Observe(seconds)
	}
}

// ObserveProbe counts a probe and updates the backend liveness gauge
func (m *Metrics) ObserveProbe(domain, backend string, success, healthy bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.ProbesTotal.WithLabelValues(domain, result).Inc()

	value := 0.0
	if healthy {
		value = 1
	}
	m.BackendHealthy.WithLabelValues(domain, backend).Set(value)
}

// ForgetDomain drops per-backend series of a removed pool
func (m *Metrics) ForgetDomain(domain string) {
	if m == nil {
		return
	}
	m.BackendHealthy.DeletePartialMatch(prometheus.Labels{"domain": domain})
	m.ProbesTotal.DeletePartialMatch(prometheus.Labels{"domain": domain})
}

// ForgetBackend drops the liveness series of one backend of a domain
func (m *Metrics) ForgetBackend(domain, backend string) {
	if m == nil {
		return
	}
	m.BackendHealthy.DeleteLabelValues(domain, backend)
}

// ObserveRoute counts a routing decision outcome
func (m *Metrics) ObserveRoute(outcome string) {
	if m == nil {
		return
	}
	m.RouteDecisions.WithLabelValues(outcome).Inc()
}
