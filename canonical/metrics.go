package canonical

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var PublishResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coordinator",
	Subsystem: "canonical",
	Name:      "published_events_total",
}, []string{"chain_id", "event_type", "status"})
