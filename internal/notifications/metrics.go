package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "problemrelay"

// Pipeline results.
const (
	resultFetchFailed = "fetch_failed"
	resultSkipped     = "skipped"
	resultNotified    = "notified"
	resultFailed      = "failed"
)

var (
	pipelineProblems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "problems_total",
			Help:      "Problems handled by the pipeline by result",
		},
		[]string{"result"},
	)

	notifierCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "calls_total",
			Help:      "Notifier invocations by notifier and outcome",
		},
		[]string{"notifier", "status"},
	)

	notifierDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "duration_seconds",
			Help:      "Time spent in a notifier",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"notifier"},
	)

	commentsPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reporter",
			Name:      "comments_total",
			Help:      "Audit comments posted back to the platform",
		},
		[]string{"status"},
	)
)

func recordProblem(result string) {
	pipelineProblems.WithLabelValues(result).Inc()
}

func recordNotifierCall(notifier, status string, duration time.Duration) {
	notifierCalls.WithLabelValues(notifier, status).Inc()
	notifierDuration.WithLabelValues(notifier).Observe(duration.Seconds())
}

func recordComment(status string) {
	commentsPosted.WithLabelValues(status).Inc()
}
