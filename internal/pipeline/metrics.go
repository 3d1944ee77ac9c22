package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stageFailuresTotal counts stages that errored or panicked.
	// Labels: stage
	stageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roger",
		Subsystem: "pipeline",
		Name:      "stage_failures_total",
		Help:      "Pipeline stages that failed open",
	}, []string{"stage"})

	// turnsTotal counts completed turns by the action that produced the
	// final text.
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roger",
		Subsystem: "pipeline",
		Name:      "turns_total",
		Help:      "Completed turns by final action",
	}, []string{"final_action"})
)
