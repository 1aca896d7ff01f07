package epoch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "adaptive"
	metricsSubsystem = "epoch"
)

// Metrics are the controller's Prometheus instruments.
type Metrics struct {
	EpochDuration     prometheus.Histogram
	ESS               prometheus.Gauge
	Epochs            prometheus.Counter
	Timeouts          prometheus.Counter
	RejectedAddresses prometheus.Counter
	DroppedTriggers   prometheus.Counter
	Overruns          prometheus.Counter
	Resamples         prometheus.Counter
	ZeroWeight        *prometheus.CounterVec
}

// NewMetrics registers the instruments with reg. A nil reg gets a private
// registry so independent controllers never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		EpochDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "duration_seconds",
			Help:      "Interrupt service time per epoch in seconds",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 2, 16), // 1µs to ~33ms
		}),
		ESS: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "effective_sample_size",
			Help:      "Effective sample size of the particle population after the last update",
		}),
		Epochs:            counter("completed_total", "Epochs completed"),
		Timeouts:          counter("timeouts_total", "Epochs whose outcome was replaced by a placeholder"),
		RejectedAddresses: counter("rejected_addresses_total", "Control addresses refused by the sink"),
		DroppedTriggers:   counter("dropped_triggers_total", "Triggers dropped because the queue was full"),
		Overruns:          counter("overruns_total", "Epochs exceeding the wall-clock budget"),
		Resamples:         counter("resamples_total", "Updates that triggered a resample"),
		ZeroWeight: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "zero_weight_total",
			Help:      "Updates in which every particle weight vanished, by policy applied",
		}, []string{"action"}),
	}
}
