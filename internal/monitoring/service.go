package monitoring

import (
	"context"

	appErr "codex/pkg/errors"
)

// DepthReader reports the job queue length.
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// Stats is the platform health summary.
type Stats struct {
	QueueDepth             int64   `json:"queueDepth"`
	TotalSubmissions       int64   `json:"totalSubmissions"`
	SuccessfulExecutions   int64   `json:"successfulExecutions"`
	FailedExecutions       int64   `json:"failedExecutions"`
	AverageExecutionTimeMs float64 `json:"averageExecutionTimeMs"`
}

// Service combines queue depth with the execution counters.
type Service struct {
	queue    DepthReader
	recorder *Recorder
}

func NewService(queue DepthReader, recorder *Recorder) *Service {
	if recorder == nil {
		recorder = NewRecorder()
	}
	return &Service{queue: queue, recorder: recorder}
}

// PlatformStats returns the current summary.
func (s *Service) PlatformStats(ctx context.Context) (Stats, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return Stats{}, appErr.Wrapf(err, appErr.QueueError, "read queue depth failed")
	}
	snap := s.recorder.Snapshot()
	return Stats{
		QueueDepth:             depth,
		TotalSubmissions:       snap.Total,
		SuccessfulExecutions:   snap.Successful,
		FailedExecutions:       snap.Failed,
		AverageExecutionTimeMs: snap.AverageMs(),
	}, nil
}

// SampleQueueDepth refreshes the queue depth gauge. Run on a schedule.
func (s *Service) SampleQueueDepth(ctx context.Context) error {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "read queue depth failed")
	}
	queueDepth.Set(float64(depth))
	return nil
}
