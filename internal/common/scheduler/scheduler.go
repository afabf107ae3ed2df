// Package scheduler runs periodic maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codex/pkg/utils/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultJobTimeout = time.Minute

// JobFunc is one run of a job.
type JobFunc func(ctx context.Context) error

// Job describes a scheduled task.
type Job struct {
	Name    string
	Spec    string // cron expression or descriptor such as "@every 30s"
	Timeout time.Duration
	Run     JobFunc
}

// JobStats tracks runs of one job.
type JobStats struct {
	Runs      int64     `json:"runs"`
	Errors    int64     `json:"errors"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler wraps a cron runner. Overlapping runs of the same job are skipped.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context

	mu    sync.Mutex
	jobs  map[string]*Job
	stats map[string]*JobStats
}

// New creates a scheduler whose jobs receive contexts derived from ctx.
func New(ctx context.Context) *Scheduler {
	log := zapCronLogger{}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(log),
			cron.SkipIfStillRunning(log),
		), cron.WithLogger(log)),
		ctx:   ctx,
		jobs:  make(map[string]*Job),
		stats: make(map[string]*JobStats),
	}
}

// Add registers a job. The cron expression is parsed immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no function", job.Name)
	}
	if job.Timeout <= 0 {
		job.Timeout = defaultJobTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	j := job
	if _, err := s.cron.AddFunc(job.Spec, func() { s.execute(&j) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Spec, job.Name, err)
	}
	s.jobs[job.Name] = &j
	s.stats[job.Name] = &JobStats{}
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info(s.ctx, "scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop prevents new runs and waits for running ones until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logger.Warn(ctx, "scheduler stop timed out")
	}
}

// RunNow executes a registered job synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(job)
}

// Stats returns a copy of the run statistics of a job.
func (s *Scheduler) Stats(name string) (JobStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		return JobStats{}, false
	}
	return *st, true
}

func (s *Scheduler) execute(job *Job) error {
	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)

	s.mu.Lock()
	st := s.stats[job.Name]
	st.Runs++
	st.LastRun = start
	st.LastError = ""
	if err != nil {
		st.Errors++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error(ctx, "scheduled job failed", zap.String("job", job.Name), zap.Error(err))
		return err
	}
	logger.Debug(ctx, "scheduled job finished", zap.String("job", job.Name), zap.Duration("took", time.Since(start)))
	return nil
}

// zapCronLogger routes cron's own logs through the service logger.
type zapCronLogger struct{}

func (zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug(context.Background(), "cron: "+msg, zap.Any("kv", keysAndValues))
}

func (zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error(context.Background(), "cron: "+msg, zap.Error(err), zap.Any("kv", keysAndValues))
}
