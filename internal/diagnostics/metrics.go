package diagnostics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "solostack"
	metricsSubsystem = "sync"
)

// Metrics exports cycle outcomes to Prometheus. A nil *Metrics is a no-op.
type Metrics struct {
	cyclesTotal         *prometheus.CounterVec
	conflictCyclesTotal prometheus.Counter
	consecutiveFailures prometheus.Gauge
	cycleDuration       prometheus.Histogram
}

// NewMetrics registers sync metrics with the provided registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		cyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cycles_total",
			Help:      "Sync cycles by outcome.",
		}, []string{"outcome"}),
		conflictCyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "conflict_cycles_total",
			Help:      "Sync cycles that recorded at least one conflict.",
		}),
		consecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "consecutive_failures",
			Help:      "Consecutive failed sync cycles in the current session.",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of sync cycles.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// Observe records a folded cycle.
func (m *Metrics) Observe(cycle CycleOutcome, snapshot Snapshot) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(string(cycle.Outcome)).Inc()
	if cycle.HasConflict {
		m.conflictCyclesTotal.Inc()
	}
	m.consecutiveFailures.Set(float64(snapshot.ConsecutiveFailures))
	m.cycleDuration.Observe(float64(cycle.DurationMs) / 1000)
}
