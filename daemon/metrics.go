package daemon

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sailfishos/signond-go/errormodel"
)

// Metrics is the daemon's prometheus instrumentation, grounded on
// server/metrics.go's per-operation HTTP instrumentation, adapted from an
// http.Handler wrapper to a direct counter/histogram set since the
// DaemonFacade has no HTTP surface of its own (spec.md §1, transport is
// external).
type Metrics struct {
	operations           *prometheus.CounterVec
	operationDuration    *prometheus.HistogramVec
	accessControlDenied  prometheus.Counter
	identitiesRegistered prometheus.Counter
}

// NewMetrics constructs a Metrics registered against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signond",
			Name:      "operations_total",
			Help:      "Count of DaemonFacade operations by name and outcome.",
		}, []string{"operation", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signond",
			Name:      "operation_duration_seconds",
			Help:      "Latency of DaemonFacade operations by name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		accessControlDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signond",
			Name:      "access_control_denied_total",
			Help:      "Count of operations denied by AccessControl.",
		}),
		identitiesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signond",
			Name:      "identities_registered_total",
			Help:      "Count of register_new_identity calls served.",
		}),
	}
	reg.MustRegister(m.operations, m.operationDuration, m.accessControlDenied, m.identitiesRegistered)
	return m
}

func (m *Metrics) observeOperation(op string, dur time.Duration, errCode *errormodel.Code) {
	result := "ok"
	if errCode != nil {
		result = "error"
		if *errCode == errormodel.PermissionDenied {
			m.accessControlDenied.Inc()
		}
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.operationDuration.WithLabelValues(op).Observe(dur.Seconds())
}
