package monitoring

import "github.com/prometheus/client_golang/prometheus"

var (
	verdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codex",
			Subsystem: "submission",
			Name:      "verdicts_total",
			Help:      "Finished submission executions by final status.",
		},
		[]string{"status"},
	)
	systemFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "codex",
			Subsystem: "submission",
			Name:      "system_failures_total",
			Help:      "Executions that ended in a forced verdict because of an infrastructure failure.",
		},
	)
	executionSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "codex",
			Subsystem: "submission",
			Name:      "execution_seconds",
			Help:      "Wall time of one submission execution in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "codex",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Submission ids waiting in the job queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		verdictsTotal,
		systemFailuresTotal,
		executionSeconds,
		queueDepth,
	)
}
