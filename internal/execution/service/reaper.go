package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codex/internal/execution/model"
	"codex/internal/execution/repository"
	"codex/pkg/utils/contextkey"
	"codex/pkg/utils/logger"

	"go.uber.org/zap"
)

// LeaseChecker reports whether a worker still owns a submission.
type LeaseChecker interface {
	IsLocked(ctx context.Context, submissionID string) (bool, error)
}

// Enqueuer puts a submission id back on the execution queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, submissionID string) error
}

// Reaper finishes submissions left RUNNING by a worker that died. A
// submission qualifies once it has been RUNNING longer than the grace period
// and nobody holds its lease. With a queue it also re-enqueues submissions
// that stayed QUEUED that long, which covers an enqueue lost after commit.
type Reaper struct {
	orch        *Orchestrator
	submissions repository.SubmissionRepository
	leases      LeaseChecker
	queue       Enqueuer
	grace       time.Duration
	batch       int
}

// NewReaper builds a reaper. queue may be nil to leave QUEUED rows alone.
func NewReaper(orch *Orchestrator, submissions repository.SubmissionRepository, leases LeaseChecker, queue Enqueuer, grace time.Duration, batch int) (*Reaper, error) {
	if orch == nil || submissions == nil || leases == nil {
		return nil, fmt.Errorf("orchestrator, submission repository and lease checker are required")
	}
	if grace <= 0 {
		return nil, fmt.Errorf("grace period must be positive")
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reaper{orch: orch, submissions: submissions, leases: leases, queue: queue, grace: grace, batch: batch}, nil
}

// Sweep runs one pass and returns how many submissions were finished or
// re-enqueued.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	before := r.orch.now().Add(-r.grace)
	reaped, err := r.reapRunning(ctx, before)
	if err != nil {
		return reaped, err
	}
	if reaped > 0 {
		logger.Info(ctx, "stale submissions reaped", zap.Int("count", reaped))
	}
	if r.queue == nil {
		return reaped, nil
	}
	requeued, err := r.requeueQueued(ctx, before)
	if requeued > 0 {
		logger.Info(ctx, "stale queued submissions re-enqueued", zap.Int("count", requeued))
	}
	return reaped + requeued, err
}

func (r *Reaper) reapRunning(ctx context.Context, before time.Time) (int, error) {
	ids, err := r.submissions.ListStale(ctx, model.StatusRunning, before, r.batch)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		if !r.unowned(ctx, id) {
			continue
		}
		forced, err := r.orch.Abandon(ctx, id, "execution abandoned: worker stopped before a verdict was recorded")
		if err != nil {
			logger.Error(ctx, "reap stale submission failed", zap.String("submission_id", id), zap.Error(err))
			continue
		}
		if forced {
			reaped++
		}
	}
	return reaped, nil
}

// requeueQueued may enqueue an id that is still waiting deep in the queue;
// the duplicate is skipped by the worker once the first copy is graded.
func (r *Reaper) requeueQueued(ctx context.Context, before time.Time) (int, error) {
	ids, err := r.submissions.ListStale(ctx, model.StatusQueued, before, r.batch)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return requeued, ctx.Err()
		}
		if !r.unowned(ctx, id) {
			continue
		}
		if err := r.queue.Enqueue(ctx, id); err != nil {
			logger.Error(ctx, "re-enqueue stale submission failed", zap.String("submission_id", id), zap.Error(err))
			continue
		}
		requeued++
	}
	return requeued, nil
}

// unowned reports whether nobody holds the lease. An unknown lease state
// counts as owned.
func (r *Reaper) unowned(ctx context.Context, id string) bool {
	locked, err := r.leases.IsLocked(ctx, id)
	if err != nil {
		logger.Warn(ctx, "check submission lease failed", zap.String("submission_id", id), zap.Error(err))
		return false
	}
	return !locked
}

// Abandon forces a RUNNING submission to RUNTIME_ERROR with reason as stderr
// and reports whether it did. Submissions in any other state are left alone.
func (o *Orchestrator) Abandon(ctx context.Context, submissionID, reason string) (bool, error) {
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submissionID)
	sub, err := o.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return false, nil
		}
		return false, err
	}
	if sub.Status != model.StatusRunning {
		return false, nil
	}
	if err := o.fail(ctx, sub, errors.New(reason), o.now()); err != nil {
		if errors.Is(err, repository.ErrSubmissionFinalized) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
