package validator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fpki_validator",
		Name:      "decisions_total",
		Help:      "Trust decisions computed, by outcome and mode.",
	}, []string{"outcome", "mode"})

	decisionCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fpki_validator",
		Name:      "decision_cache_hits_total",
		Help:      "Trust decisions answered from the decision cache.",
	})

	quorumFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fpki_validator",
		Name:      "quorum_failures_total",
		Help:      "Decisions for which the queried map servers did not agree.",
	})
)
