package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts finished runs by terminal status
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genepulse",
		Name:      "runs_total",
		Help:      "Finished pipeline runs by terminal status",
	}, []string{"status"})

	providersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "genepulse",
		Name:      "providers_active",
		Help:      "Phase 2 providers currently running",
	})
)
