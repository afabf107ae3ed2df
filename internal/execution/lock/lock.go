// Package lock provides per-submission leases so at most one worker runs a
// submission at a time.
package lock

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"codex/internal/common/cache"
	appErr "codex/pkg/errors"
	"codex/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultKeyPrefix     = "submission:lock:"
	DefaultWait          = 10 * time.Second
	DefaultLease         = 5 * time.Minute
	DefaultRetryInterval = 100 * time.Millisecond

	releaseTimeout = 5 * time.Second
)

// Config controls lease naming and timing.
type Config struct {
	KeyPrefix     string        `yaml:"keyPrefix"`
	Wait          time.Duration `yaml:"wait"`
	Lease         time.Duration `yaml:"lease"`
	RetryInterval time.Duration `yaml:"retryInterval"`
}

// Locker is what the worker pool needs from the lock service.
type Locker interface {
	Acquire(ctx context.Context, submissionID string, wait, lease time.Duration) (*Lease, error)
	Release(ctx context.Context, l *Lease)
	// Extend pushes the lease expiry out to lease from now. false means the
	// lease was lost to expiry and someone else may hold the submission.
	Extend(ctx context.Context, l *Lease, lease time.Duration) (bool, error)
}

// Lease is a held lock on one submission. The lease expires on its own if
// the holder dies.
type Lease struct {
	SubmissionID string
	key          string
	token        string
	released     atomic.Bool
}

// Held reports whether Release has not yet run for this lease.
func (l *Lease) Held() bool {
	return l != nil && !l.released.Load()
}

// Manager hands out leases backed by token-owned Redis keys.
type Manager struct {
	locks         cache.LockOps
	prefix        string
	wait          time.Duration
	lease         time.Duration
	retryInterval time.Duration
}

// NewManager builds a lock manager; zero config fields take the defaults.
func NewManager(locks cache.LockOps, cfg Config) *Manager {
	m := &Manager{
		locks:         locks,
		prefix:        cfg.KeyPrefix,
		wait:          cfg.Wait,
		lease:         cfg.Lease,
		retryInterval: cfg.RetryInterval,
	}
	if strings.TrimSpace(m.prefix) == "" {
		m.prefix = DefaultKeyPrefix
	}
	if m.wait <= 0 {
		m.wait = DefaultWait
	}
	if m.lease <= 0 {
		m.lease = DefaultLease
	}
	if m.retryInterval <= 0 {
		m.retryInterval = DefaultRetryInterval
	}
	return m
}

// Acquire tries to take the lease for submissionID, retrying until wait
// elapses. A nil lease with a nil error means the wait window ran out; that
// is not a failure and callers should requeue the id. Zero wait or lease
// use the manager's configured values.
func (m *Manager) Acquire(ctx context.Context, submissionID string, wait, lease time.Duration) (*Lease, error) {
	if wait <= 0 {
		wait = m.wait
	}
	if lease <= 0 {
		lease = m.lease
	}
	key := m.prefix + submissionID
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.locks.TryLock(ctx, key, token, lease)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, appErr.Wrapf(err, appErr.LockFailed, "acquire lock for submission %s failed", submissionID)
		}
		if ok {
			return &Lease{SubmissionID: submissionID, key: key, token: token}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := m.retryInterval
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release drops the lease if this holder still owns it. It is safe to call
// more than once and never fails; problems are only logged.
func (m *Manager) Release(ctx context.Context, l *Lease) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	// The worker may be shutting down; release must still reach Redis.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	deleted, err := m.locks.Unlock(releaseCtx, l.key, l.token)
	if err != nil {
		logger.Warn(ctx, "release submission lock failed", zap.String("key", l.key), zap.Error(err))
		return
	}
	if !deleted {
		logger.Debug(ctx, "submission lock already expired or taken over", zap.String("key", l.key))
	}
}

func (m *Manager) Extend(ctx context.Context, l *Lease, lease time.Duration) (bool, error) {
	if !l.Held() {
		return false, nil
	}
	if lease <= 0 {
		lease = m.lease
	}
	ok, err := m.locks.ExtendLock(ctx, l.key, l.token, lease)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.LockFailed, "extend lock for submission %s failed", l.SubmissionID)
	}
	return ok, nil
}

// IsLocked reports whether some worker currently holds the submission's lease.
func (m *Manager) IsLocked(ctx context.Context, submissionID string) (bool, error) {
	locked, err := m.locks.Locked(ctx, m.prefix+submissionID)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.LockFailed, "check lock for submission %s failed", submissionID)
	}
	return locked, nil
}

var _ Locker = (*Manager)(nil)
