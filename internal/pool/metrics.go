package pool

import "github.com/prometheus/client_golang/prometheus"

// Task outcome label values.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeTimedOut  = "timed_out"
	outcomeRejected  = "rejected"
	outcomeCancelled = "cancelled"
)

var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_pool_queue_depth",
			Help: "Number of tasks waiting for a worker.",
		},
	)

	workersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_pool_workers",
			Help: "Number of workers in each lifecycle state.",
		},
		[]string{"state"},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_pool_tasks_total",
			Help: "Total number of tasks by final outcome.",
		},
		[]string{"outcome"},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_pool_task_seconds",
			Help:    "Task execution time from assignment to outcome, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_pool_queue_wait_seconds",
			Help:    "Time a task spent queued before assignment, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_pool_worker_restarts_total",
			Help: "Total number of worker restarts by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(workersByState)
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(queueWait)
	prometheus.MustRegister(workerRestarts)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, o := range []string{outcomeCompleted, outcomeFailed, outcomeTimedOut, outcomeRejected, outcomeCancelled} {
		tasksTotal.WithLabelValues(o)
	}
	for _, s := range allStates {
		workersByState.WithLabelValues(string(s))
	}
}
