package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lingo_dispatch_total",
			Help: "Total number of dispatch attempts by outcome",
		},
		[]string{"outcome"}, // dispatched, parked, skipped, error
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lingo_dispatch_duration_seconds",
			Help:    "Time taken by the synchronous dispatch fast-path in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HandoffRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lingo_handoff_rejected_total",
			Help: "Total number of handoffs rejected at the per-node capacity recount",
		},
	)

	// Pending queue metrics
	PendingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lingo_pending_queue_depth",
			Help: "Number of envelopes currently parked on the pending queue",
		},
	)

	PendingRequeues = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lingo_pending_requeues_total",
			Help: "Total number of pending envelopes requeued for another attempt",
		},
	)

	PendingExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lingo_pending_exhausted_total",
			Help: "Total number of tasks failed after exhausting pending retries",
		},
	)

	// Reclaimer metrics
	TasksReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lingo_tasks_reclaimed_total",
			Help: "Total number of stuck tasks returned to the pending state",
		},
	)

	ReclaimExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lingo_reclaim_exhausted_total",
			Help: "Total number of stuck tasks failed after exhausting recovery attempts",
		},
	)

	ReclaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lingo_reclaim_duration_seconds",
			Help:    "Stuck-task sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Node registry metrics
	NodesEligible = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lingo_nodes_eligible",
			Help: "Number of nodes currently eligible for dispatch",
		},
	)

	NodesEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lingo_nodes_evicted_total",
			Help: "Total number of nodes evicted from the registry",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lingo_reconcile_duration_seconds",
			Help:    "Heartbeat reconciliation sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lock metrics
	LockAcquires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lingo_lock_acquires_total",
			Help: "Total number of lock acquisition attempts by result",
		},
		[]string{"result"}, // acquired, contended, error
	)
)

func init() {
	prometheus.MustRegister(DispatchTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(HandoffRejected)
	prometheus.MustRegister(PendingQueueDepth)
	prometheus.MustRegister(PendingRequeues)
	prometheus.MustRegister(PendingExhausted)
	prometheus.MustRegister(TasksReclaimed)
	prometheus.MustRegister(ReclaimExhausted)
	prometheus.MustRegister(ReclaimDuration)
	prometheus.MustRegister(NodesEligible)
	prometheus.MustRegister(NodesEvicted)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(LockAcquires)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
