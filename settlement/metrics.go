package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "settlement",
		Name:      "transitions_total",
		Help:      "Settlement status transitions.",
	}, []string{"from", "to", "source"})
	Duplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "settlement",
		Name:      "duplicates_total",
		Help:      "Redelivered events and updates that were already applied.",
	}, []string{"source"})
	VersionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "settlement",
		Name:      "version_conflicts_total",
	}, []string{"source"})
	ComplianceDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "settlement",
		Name:      "compliance_decisions_total",
	}, []string{"decision"})
)
