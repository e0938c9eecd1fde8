package labs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	labsCreatedTotal  prometheus.Counter
	labsCanceledTotal *prometheus.CounterVec
	activeLabsGauge   prometheus.Gauge
	sweepFailures     prometheus.Counter
)

// InitMetrics registers the lab lifecycle metrics. Safe to call more
// than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		labsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devlabs",
			Name:      "labs_created_total",
			Help:      "Total number of labs successfully provisioned.",
		})
		labsCanceledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devlabs",
			Name:      "labs_canceled_total",
			Help:      "Total number of labs canceled, by reason.",
		}, []string{"reason"})
		activeLabsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devlabs",
			Name:      "active_labs",
			Help:      "Number of currently active labs.",
		})
		sweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devlabs",
			Name:      "sweep_failures_total",
			Help:      "Expired labs the sweeper failed to tear down (retried next tick).",
		})
		prometheus.MustRegister(labsCreatedTotal, labsCanceledTotal, activeLabsGauge, sweepFailures)
	})
}

func observeCreated() {
	if labsCreatedTotal != nil {
		labsCreatedTotal.Inc()
	}
}

func observeCanceled(reason string) {
	if labsCanceledTotal != nil {
		labsCanceledTotal.WithLabelValues(reason).Inc()
	}
}

func observeActive(n int64) {
	if activeLabsGauge != nil {
		activeLabsGauge.Set(float64(n))
	}
}

func observeSweepFailure() {
	if sweepFailures != nil {
		sweepFailures.Inc()
	}
}
