package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LatestHeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Subsystem: "watcher",
		Name:      "latest_head_block",
		Help:      "Shows the latest confirmed head block for the particular contract. Logs up to this block are waiting to be fetched.",
	}, []string{"watcher", "chain_id", "address"})
	CheckpointBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Subsystem: "watcher",
		Name:      "checkpoint_block",
		Help:      "Shows the checkpointed block for the particular contract. Events up to this block are published.",
	}, []string{"watcher", "chain_id", "address"})
	SyncedContract = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Subsystem: "watcher",
		Name:      "synced",
		Help:      "Shows 1 if the contract is considered as synced up to chain head.",
	}, []string{"watcher", "chain_id", "address"})
	HaltedWatcher = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Subsystem: "watcher",
		Name:      "halted",
		Help:      "Shows 1 if the watcher stopped polling because its checkpoint could not be safely advanced.",
	}, []string{"watcher", "chain_id", "address"})
	ObservedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "watcher",
		Name:      "observed_events_total",
	}, []string{"watcher", "chain_id", "address", "result"})
)
