package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds process-level Prometheus metrics for the ops listener.
type Metrics struct {
	BackendUp    prometheus.Gauge
	HealthChecks *prometheus.CounterVec
}

// New registers the ops metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BackendUp: f.NewGauge(prometheus.GaugeOpts{
			Name: "dbio_backend_up",
			Help: "1 when the last health check reached the record store",
		}),
		HealthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dbio_health_checks_total",
			Help: "Health checks served, by result",
		}, []string{"result"}),
	}
}

// RecordHealth records the outcome of one health check.
func (m *Metrics) RecordHealth(ok bool) {
	if ok {
		m.BackendUp.Set(1)
		m.HealthChecks.WithLabelValues("ok").Inc()
		return
	}
	m.BackendUp.Set(0)
	m.HealthChecks.WithLabelValues("unavailable").Inc()
}
