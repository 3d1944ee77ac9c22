package verifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/CVMHW/roger/internal/domain"
)

var (
	// decisionsTotal counts verifier decisions.
	// Labels: action (proceed, delay, simplify, rollback, prevent)
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roger",
		Subsystem: "verifier",
		Name:      "decisions_total",
		Help:      "Verifier decisions by recommended action",
	}, []string{"action"})

	// signalsTotal counts risk signals that reduced confidence.
	// Labels: category
	signalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roger",
		Subsystem: "verifier",
		Name:      "signals_total",
		Help:      "Risk signals raised by category",
	}, []string{"category"})

	// confidenceScore tracks the distribution of final confidence scores.
	confidenceScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roger",
		Subsystem: "verifier",
		Name:      "confidence",
		Help:      "Final confidence score per verification",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})
)

func record(res domain.VerificationResult) {
	decisionsTotal.WithLabelValues(string(res.Action)).Inc()
	for _, is := range res.Issues {
		signalsTotal.WithLabelValues(string(is.Category)).Inc()
	}
	confidenceScore.Observe(res.ConfidenceScore)
}
