package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// transitionsTotal counts breaker state changes.
// Labels: provider, to (closed, open, half_open)
var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "genepulse",
	Name:      "breaker_transitions_total",
	Help:      "Circuit breaker state transitions by provider and target state",
}, []string{"provider", "to"})

func recordTransition(provider string, _, to State) {
	transitionsTotal.WithLabelValues(provider, to.String()).Inc()
}
