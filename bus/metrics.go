package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProducedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "bus",
		Name:      "produced_messages_total",
	}, []string{"topic", "status"})

	ConsumedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "bus",
		Name:      "consumed_messages_total",
	}, []string{"topic", "status"})

	LastOffset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Subsystem: "bus",
		Name:      "last_produced_offset",
	}, []string{"topic", "partition"})
)
