package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "bridge",
		Name:      "transitions_total",
		Help:      "Bridge message state transitions by protocol and target state.",
	}, []string{"protocol", "state"})
	ActiveMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Subsystem: "bridge",
		Name:      "active_messages",
		Help:      "Bridge messages currently tracked by this process.",
	}, []string{"protocol"})
	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "bridge",
		Name:      "poll_errors_total",
	}, []string{"protocol"})
	Fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "bridge",
		Name:      "fallbacks_total",
		Help:      "Successor messages created after a failed or timed out delivery.",
	}, []string{"from_protocol", "to_protocol"})
)
