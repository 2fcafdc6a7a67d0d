package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "problemrelay"

var (
	storedProblems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "problems",
			Help:      "Number of problems in the deduplication index",
		},
	)

	persistenceOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Backend operations by type and result",
		},
		[]string{"op", "status"},
	)
)

func recordPersistence(op, status string) {
	persistenceOps.WithLabelValues(op, status).Inc()
}
