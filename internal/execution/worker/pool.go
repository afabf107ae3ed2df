// Package worker drains the submission queue with a fixed set of goroutines.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"codex/internal/execution/lock"
	"codex/internal/execution/queue"
	appErr "codex/pkg/errors"
	"codex/pkg/utils/contextkey"
	"codex/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	DefaultCount           = 2
	DefaultBackoffStep     = 5 * time.Second
	DefaultBackoffMax      = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	requeueTimeout = 5 * time.Second
)

// Executor grades one submission. The caller holds its lease.
type Executor interface {
	Execute(ctx context.Context, submissionID string) error
}

// Config controls pool size, lease timing and error backoff. RenewInterval
// is how often a running submission's lease is extended.
type Config struct {
	Count           int           `yaml:"count"`
	LockWait        time.Duration `yaml:"lockWait"`
	LockLease       time.Duration `yaml:"lockLease"`
	RenewInterval   time.Duration `yaml:"renewInterval"`
	BackoffStep     time.Duration `yaml:"backoffStep"`
	BackoffMax      time.Duration `yaml:"backoffMax"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Count <= 0 {
		c.Count = DefaultCount
	}
	if c.LockWait <= 0 {
		c.LockWait = lock.DefaultWait
	}
	if c.LockLease <= 0 {
		c.LockLease = lock.DefaultLease
	}
	if c.RenewInterval <= 0 || c.RenewInterval >= c.LockLease {
		c.RenewInterval = c.LockLease / 3
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = DefaultBackoffStep
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Pool runs Count workers. Each worker handles one submission at a time;
// the queue and the lease are the only coordination between them.
type Pool struct {
	queue    queue.Queue
	locker   lock.Locker
	executor Executor
	cfg      Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewPool(q queue.Queue, locker lock.Locker, executor Executor, cfg Config) (*Pool, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	cfg.ApplyDefaults()
	return &Pool{queue: q, locker: locker, executor: executor, cfg: cfg}, nil
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	for i := 1; i <= p.cfg.Count; i++ {
		p.wg.Add(1)
		go p.run(runCtx, i)
	}
	logger.Info(ctx, "submission workers started", zap.Int("count", p.cfg.Count))
	return nil
}

// Stop cancels the workers and waits for them up to the shutdown timeout.
// In-flight executions still persist their fallback verdict and clean up.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		logger.Info(context.Background(), "submission workers stopped")
		return nil
	case <-timer.C:
		logger.Warn(context.Background(), "submission workers did not stop in time", zap.Duration("timeout", p.cfg.ShutdownTimeout))
		return fmt.Errorf("worker pool stop timed out after %s", p.cfg.ShutdownTimeout)
	}
}

func (p *Pool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()
	ctx = context.WithValue(ctx, contextkey.WorkerID, strconv.Itoa(workerID))
	logger.Info(ctx, "submission worker started")
	defer logger.Info(ctx, "submission worker stopped")

	// failures counts consecutive dequeue and processing errors. Only a
	// processed submission resets it, so a broken lock or sandbox keeps
	// growing the delay up to BackoffMax.
	failures := 0
	for ctx.Err() == nil {
		submissionID, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logger.Error(ctx, "dequeue submission failed", zap.Error(err), zap.Int("consecutive_errors", failures))
			p.backoff(ctx, failures)
			continue
		}

		err = p.process(ctx, submissionID)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return
		case appErr.IsNotFound(err):
			// Missing rows say nothing about the health of the backends.
			logger.Warn(ctx, "submission dropped", zap.String("submission_id", submissionID), zap.Error(err))
		default:
			failures++
			logger.Error(ctx, "process submission failed",
				zap.String("submission_id", submissionID),
				zap.Error(err),
				zap.Int("consecutive_errors", failures),
			)
			p.backoff(ctx, failures)
		}
	}
}

// process runs one dequeued id under its lease. A lease held elsewhere sends
// the id back to the queue so it is not starved.
func (p *Pool) process(ctx context.Context, submissionID string) error {
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submissionID)
	logger.Info(ctx, "submission dequeued")

	lease, err := p.locker.Acquire(ctx, submissionID, p.cfg.LockWait, p.cfg.LockLease)
	if err != nil {
		// Do not lose the id when Redis hiccups or the pool is shutting down.
		if requeueErr := p.requeue(ctx, submissionID); requeueErr != nil {
			logger.Error(ctx, "requeue after lock error failed", zap.Error(requeueErr))
		}
		return err
	}
	if lease == nil {
		logger.Warn(ctx, "submission lease held elsewhere, requeueing")
		return p.requeue(ctx, submissionID)
	}
	defer p.locker.Release(ctx, lease)
	stopRenew := p.keepAlive(ctx, lease)
	defer stopRenew()

	return p.executor.Execute(ctx, submissionID)
}

// keepAlive extends the lease every RenewInterval until the returned stop
// func is called. A lost lease is logged; execution is not interrupted.
func (p *Pool) keepAlive(ctx context.Context, lease *lock.Lease) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := p.locker.Extend(ctx, lease, p.cfg.LockLease)
				if err != nil {
					logger.Warn(ctx, "extend submission lease failed", zap.Error(err))
					continue
				}
				if !ok {
					logger.Warn(ctx, "submission lease lost during execution")
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pool) requeue(ctx context.Context, submissionID string) error {
	requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	return p.queue.Enqueue(requeueCtx, submissionID)
}

func (p *Pool) backoff(ctx context.Context, failures int) {
	delay := Backoff(failures, p.cfg.BackoffStep, p.cfg.BackoffMax)
	logger.Warn(ctx, "worker backing off", zap.Duration("delay", delay), zap.Int("consecutive_errors", failures))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Backoff is the linear delay after n consecutive errors: step*n capped at max.
func Backoff(n int, step, max time.Duration) time.Duration {
	if n <= 0 || step <= 0 {
		return 0
	}
	if max > 0 && time.Duration(n) > max/step {
		return max
	}
	return step * time.Duration(n)
}
