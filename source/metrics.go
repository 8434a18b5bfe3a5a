package source

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/teranos/genepulse/pulse/retry"
)

const (
	outcomeSuccess  = "success"
	outcomeRejected = "rejected"
)

var (
	providerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genepulse",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Provider calls by outcome (success, rejected, or the error class).",
		},
		[]string{"provider", "outcome"},
	)

	providerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "genepulse",
			Subsystem: "provider",
			Name:      "request_seconds",
			Help:      "Provider call latency, including failed calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"provider"},
	)
)

func outcomeFor(err error) string {
	if err == nil {
		return outcomeSuccess
	}
	return string(retry.Classify(err))
}

func recordRequest(provider, outcome string, elapsed time.Duration) {
	providerRequests.WithLabelValues(provider, outcome).Inc()
	if outcome != outcomeRejected {
		providerLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
	}
}
