package perf

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	fleetflash "github.com/fleetflash/fleetflash"
)

// Metrics holds the prometheus collectors of the upgrade engine.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	retriesTotal      prometheus.Counter
	batchesTotal      *prometheus.CounterVec
	inFlight          prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetflash",
			Name:      "upgrade_operations_total",
			Help:      "Finished upgrade operations by final status.",
		}, []string{"status"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleetflash",
			Name:      "upgrade_operation_duration_seconds",
			Help:      "Wall-clock duration of upgrade operations by final status.",
			// Upgrades span from seconds (checksum short-circuit) to the
			// 600s soft limit.
			Buckets: []float64{1, 5, 15, 60, 120, 240, 360, 480, 600},
		}, []string{"status"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetflash",
			Name:      "upgrade_retries_total",
			Help:      "Upgrade attempts rescheduled after a recoverable failure.",
		}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetflash",
			Name:      "batch_upgrades_total",
			Help:      "Finished mass rollouts by final status.",
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetflash",
			Name:      "upgrade_operations_in_flight",
			Help:      "Upgrade operations currently executing.",
		}),
	}
	reg.MustRegister(m.operationsTotal, m.operationDuration, m.retriesTotal, m.batchesTotal, m.inFlight)
	return m
}

// ObserveOperation records one finished upgrade operation.
func (m *Metrics) ObserveOperation(status fleetflash.OperationStatus, d time.Duration) {
	m.operationsTotal.WithLabelValues(string(status)).Inc()
	m.operationDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// ObserveRetry records a rescheduled upgrade attempt.
func (m *Metrics) ObserveRetry() {
	m.retriesTotal.Inc()
}

// ObserveBatch records one finished mass rollout.
func (m *Metrics) ObserveBatch(status fleetflash.BatchStatus) {
	m.batchesTotal.WithLabelValues(string(status)).Inc()
}

// OperationStarted marks an operation as executing; the returned func
// marks it done.
func (m *Metrics) OperationStarted() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}
