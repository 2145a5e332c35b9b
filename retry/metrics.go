package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Retries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coordinator",
	Subsystem: "retry",
	Name:      "retries_total",
}, []string{"policy"})

func ObserveRetry(policy string) {
	Retries.WithLabelValues(policy).Inc()
}
