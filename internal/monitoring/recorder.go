// Package monitoring keeps execution statistics and exposes them over HTTP
// and Prometheus.
package monitoring

import (
	"sync/atomic"
	"time"

	"codex/internal/execution/model"
)

// Recorder accumulates process-local execution counters. It is safe for
// concurrent use by all workers.
type Recorder struct {
	total       atomic.Int64
	successful  atomic.Int64
	failed      atomic.Int64
	cumulatedMs atomic.Int64
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordExecution counts one finished execution. A graded verdict counts as
// successful even when the verdict itself is a failure; systemFailure marks
// runs whose verdict was forced by an infrastructure error.
func (r *Recorder) RecordExecution(status model.Status, elapsed time.Duration, systemFailure bool) {
	r.total.Add(1)
	r.cumulatedMs.Add(elapsed.Milliseconds())
	outcome := "graded"
	if systemFailure {
		r.failed.Add(1)
		outcome = "system_failure"
		systemFailuresTotal.Inc()
	} else {
		r.successful.Add(1)
	}
	verdictsTotal.WithLabelValues(status.String()).Inc()
	executionSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Total        int64
	Successful   int64
	Failed       int64
	CumulativeMs int64
}

func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Total:        r.total.Load(),
		Successful:   r.successful.Load(),
		Failed:       r.failed.Load(),
		CumulativeMs: r.cumulatedMs.Load(),
	}
}

// AverageMs is the mean execution time, 0 before the first execution.
func (s Snapshot) AverageMs() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.CumulativeMs) / float64(s.Total)
}
