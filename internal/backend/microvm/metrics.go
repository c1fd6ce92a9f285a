package microvm

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for VM start results.
const (
	resultReady  = "ready"
	resultFailed = "failed"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_microvm_boot_seconds",
			Help:    "Duration from VM start to agent ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_microvm_active",
			Help: "Number of currently running worker microVMs.",
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_microvm_cleanup_seconds",
			Help:    "Duration of VM stop and cleanup, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	vmStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_microvm_starts_total",
			Help: "Total number of worker microVM starts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(vmStartsTotal)

	vmStartsTotal.WithLabelValues(resultReady)
	vmStartsTotal.WithLabelValues(resultFailed)
}
