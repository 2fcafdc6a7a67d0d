package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "problemrelay"

// Webhook results.
const (
	webhookProcessed = "processed"
	webhookSkipped   = "skipped"
	webhookTest      = "test"
	webhookInvalid   = "invalid"
	webhookFailed    = "failed"
)

var (
	webhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by result",
		},
		[]string{"result"},
	)

	pollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "cycles_total",
			Help:      "Poll cycles by result",
		},
		[]string{"result"},
	)

	pollProblems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "problems_total",
			Help:      "Problems seen by poll cycles by result",
		},
		[]string{"result"},
	)
)

func recordWebhook(result string) {
	webhooksReceived.WithLabelValues(result).Inc()
}

func recordPollCycle(result string) {
	pollCycles.WithLabelValues(result).Inc()
}

func recordPollProblem(result string) {
	pollProblems.WithLabelValues(result).Inc()
}
