package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fpki_validator",
		Subsystem: "fetcher",
		Name:      "attempts_total",
		Help:      "Fetch attempts to map servers, by outcome.",
	}, []string{"outcome"})

	policyCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fpki_validator",
		Subsystem: "fetcher",
		Name:      "policy_cache_hits_total",
		Help:      "Record fetches answered from the policy cache.",
	})

	dedupJoins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fpki_validator",
		Subsystem: "fetcher",
		Name:      "dedup_joins_total",
		Help:      "Record fetches that shared the outcome of another in-flight fetch.",
	})
)

const (
	outcomeSuccess = "success"
	outcomeNetwork = "network_error"
	outcomeProof   = "proof_error"
)
