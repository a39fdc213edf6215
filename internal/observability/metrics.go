package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the execution
// subsystem. Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution outcomes.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Database activity reported back by workers.
	QueriesTotal      *prometheus.CounterVec
	OperationsTotal   *prometheus.CounterVec
	RowsReturnedTotal *prometheus.CounterVec

	// Teardown events.
	TimeoutsTotal      prometheus.Counter
	WorkerCrashesTotal prometheus.Counter

	// System metrics.
	ActiveExecutions prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Total script executions by database kind and terminal status.",
		}, []string{"kind", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scriptbox",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Script execution wall time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"kind"}),

		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "execution",
			Name:      "queries_total",
			Help:      "Total SQL statements run by scripts.",
		}, []string{"kind"}),

		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "execution",
			Name:      "operations_total",
			Help:      "Total document-store operations run by scripts.",
		}, []string{"kind"}),

		RowsReturnedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "execution",
			Name:      "rows_returned_total",
			Help:      "Total rows returned to scripts.",
		}, []string{"kind"}),

		TimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "worker",
			Name:      "timeouts_total",
			Help:      "Executions terminated for exceeding the script budget.",
		}),

		WorkerCrashesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Workers that exited without delivering a result.",
		}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scriptbox",
			Name:      "active_executions",
			Help:      "Number of currently running script executions.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.QueriesTotal,
		m.OperationsTotal,
		m.RowsReturnedTotal,
		m.TimeoutsTotal,
		m.WorkerCrashesTotal,
		m.ActiveExecutions,
	)

	return m
}
