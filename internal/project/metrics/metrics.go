package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the project record broker.
type Metrics struct {
	RecordsCreated    prometheus.Counter
	StateTransitions  *prometheus.CounterVec
	AuthzDenied       *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// New registers the broker metrics with the default registry. Call it once
// per process.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the broker metrics with reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "dbio_records_created_total",
			Help: "Total number of project records created",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dbio_state_transitions_total",
			Help: "Workflow state changes by target state",
		}, []string{"to"}),
		AuthzDenied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dbio_authz_denied_total",
			Help: "Requests refused by a record ACL, by permission",
		}, []string{"perm"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbio_operation_duration_seconds",
			Help:    "Duration of record broker operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"op"}),
	}
}

// IncrementRecordsCreated records a successful create.
func (m *Metrics) IncrementRecordsCreated() {
	m.RecordsCreated.Inc()
}

// IncrementStateTransition records a move into state to.
func (m *Metrics) IncrementStateTransition(to string) {
	m.StateTransitions.WithLabelValues(to).Inc()
}

// IncrementAuthzDenied records a refused permission check.
func (m *Metrics) IncrementAuthzDenied(perm string) {
	m.AuthzDenied.WithLabelValues(perm).Inc()
}

// ObserveOperation records the duration of op.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveOperation(op string, start time.Time) {
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
