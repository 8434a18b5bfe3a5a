package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	tierL1 = "l1"
	tierL2 = "l2"

	resultHit     = "hit"
	resultMiss    = "miss"
	resultExpired = "expired"
)

var lookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "genepulse",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by tier and result.",
	},
	[]string{"tier", "result"},
)

func recordLookup(tier, result string) {
	lookupsTotal.WithLabelValues(tier, result).Inc()
}
