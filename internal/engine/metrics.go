package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. Each engine owns its
// own registry so embedded hosts and tests can run several instances.
type Metrics struct {
	registry *prometheus.Registry

	validationsTotal *prometheus.CounterVec
	overallScore     prometheus.Gauge
	layerScore       *prometheus.GaugeVec
	lockdownsTotal   *prometheus.CounterVec
	anomaliesTotal   prometheus.Counter
	recoveriesTotal  *prometheus.CounterVec
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		validationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posguard_validations_total",
			Help: "Validation cycles by resulting risk level.",
		}, []string{"risk"}),
		overallScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "posguard_overall_score",
			Help: "Overall trust score of the most recent validation.",
		}),
		layerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posguard_layer_score",
			Help: "Per-layer score of the most recent validation.",
		}, []string{"layer"}),
		lockdownsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posguard_lockdowns_total",
			Help: "Lockdown transitions by reason.",
		}, []string{"reason"}),
		anomaliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posguard_usage_anomalies_total",
			Help: "Usage-layer hard failures observed while tracking.",
		}),
		recoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posguard_recovery_attempts_total",
			Help: "Lockdown recovery attempts by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		m.validationsTotal,
		m.overallScore,
		m.layerScore,
		m.lockdownsTotal,
		m.anomaliesTotal,
		m.recoveriesTotal,
	)
	return m
}

// Gatherer exposes the engine's registry for a /metrics endpoint.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }
