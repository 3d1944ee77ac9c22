package correction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// actionsTotal counts actions the controller actually carried out.
	// Labels: action
	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roger",
		Subsystem: "correction",
		Name:      "actions_total",
		Help:      "Controller actions executed, after any rollback fall-through",
	}, []string{"action"})

	// fallbacksTotal counts fallback substitutions.
	// Labels: reason
	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roger",
		Subsystem: "correction",
		Name:      "fallbacks_total",
		Help:      "Fallback responses substituted by reason",
	}, []string{"reason"})

	// delaySeconds measures artificial response delays.
	delaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roger",
		Subsystem: "correction",
		Name:      "delay_seconds",
		Help:      "Artificial response delay applied before replying",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5},
	})
)
