package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertStalledWatcher = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alert",
		Subsystem: "coordinator",
		Name:      "stalled_watcher",
		Help:      "Shows watchers whose checkpoint lags behind the confirmed chain head.",
	}, []string{"watcher", "chain_id", "checkpoint_block", "halted"})
	AlertStuckBridgeMessage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alert",
		Subsystem: "coordinator",
		Name:      "stuck_bridge_message",
		Help:      "Shows bridge messages without a status change for longer than the grace period, valued by age in seconds.",
	}, []string{"settlement_id", "message_id", "protocol", "state", "action"})
	AlertOrphanedBridgeUpdate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alert",
		Subsystem: "coordinator",
		Name:      "orphaned_bridge_update",
		Help:      "Shows settlements waiting on a bridge message that already reached a terminal state.",
	}, []string{"settlement_id", "message_id", "state"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coordinator",
		Subsystem: "reconcile",
		Name:      "job_duration_seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 20},
	}, []string{"job"})
)
