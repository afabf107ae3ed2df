// Package service drives one submission from QUEUED to a terminal verdict.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"codex/internal/execution/judge"
	"codex/internal/execution/model"
	"codex/internal/execution/repository"
	"codex/internal/execution/sandbox"
	appErr "codex/pkg/errors"
	"codex/pkg/utils/contextkey"
	"codex/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	DefaultTimeLimitMs   int64 = 5000
	DefaultMemoryLimitMb int64 = 256

	persistTimeout = 30 * time.Second
)

// Sandbox is the container lifecycle used to grade one submission.
type Sandbox interface {
	PrepareWorkspace(ctx context.Context, source, fileName string) (string, error)
	CreateAndStart(ctx context.Context, image, workspace string, memoryLimitMb int64) (*sandbox.Handle, error)
	Compile(ctx context.Context, h *sandbox.Handle, cmd *sandbox.Command) (*model.ExecutionResult, error)
	RunTestCase(ctx context.Context, h *sandbox.Handle, cmd *sandbox.Command, input string, timeLimitMs int64) (*model.ExecutionResult, error)
	Cleanup(ctx context.Context, h *sandbox.Handle)
}

// StatusNotifier fans status changes out to live subscribers.
type StatusNotifier interface {
	Publish(submissionID string, status model.Status)
}

// Recorder collects execution statistics.
type Recorder interface {
	RecordExecution(status model.Status, elapsed time.Duration, systemFailure bool)
}

// Config holds the orchestrator collaborators. Notifier, Verdicts, Archive
// and Recorder are optional.
type Config struct {
	Submissions repository.SubmissionRepository
	Problems    repository.ProblemRepository
	Languages   repository.LanguageRepository
	TestCases   repository.TestCaseRepository
	Results     repository.ResultRepository
	Sandbox     Sandbox
	Notifier    StatusNotifier
	Verdicts    repository.VerdictPublisher
	Archive     repository.OutputArchiver
	Recorder    Recorder
}

// Orchestrator executes submissions. It is safe for concurrent use; callers
// must hold the submission's lease.
type Orchestrator struct {
	submissions repository.SubmissionRepository
	problems    repository.ProblemRepository
	languages   repository.LanguageRepository
	testCases   repository.TestCaseRepository
	results     repository.ResultRepository
	sandbox     Sandbox
	notifier    StatusNotifier
	verdicts    repository.VerdictPublisher
	archive     repository.OutputArchiver
	recorder    Recorder
	now         func() time.Time
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Problems == nil || cfg.Languages == nil || cfg.TestCases == nil {
		return nil, fmt.Errorf("problem, language and test case repositories are required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result repository is required")
	}
	if cfg.Sandbox == nil {
		return nil, fmt.Errorf("sandbox is required")
	}
	return &Orchestrator{
		submissions: cfg.Submissions,
		problems:    cfg.Problems,
		languages:   cfg.Languages,
		testCases:   cfg.TestCases,
		results:     cfg.Results,
		sandbox:     cfg.Sandbox,
		notifier:    cfg.Notifier,
		verdicts:    cfg.Verdicts,
		archive:     cfg.Archive,
		recorder:    cfg.Recorder,
		now:         time.Now,
	}, nil
}

// verdict is the graded outcome of one submission.
type verdict struct {
	status model.Status
	result *model.SubmissionResult
}

// Execute grades a submission end to end. A missing submission is reported
// without touching storage. Any later failure forces RUNTIME_ERROR; the
// cause is still returned when it is an infrastructure failure, so the
// caller can slow down. A submission finalized by someone else is left as
// it is.
func (o *Orchestrator) Execute(ctx context.Context, submissionID string) error {
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submissionID)
	start := o.now()

	sub, err := o.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", submissionID)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "load submission %s failed", submissionID)
	}
	if sub.Status.IsTerminal() {
		logger.Info(ctx, "submission already graded, skipping", zap.String("status", sub.Status.String()))
		return nil
	}

	if err := o.submissions.UpdateStatus(ctx, nil, sub.ID, model.StatusRunning); err != nil {
		if errors.Is(err, repository.ErrSubmissionFinalized) {
			logger.Info(ctx, "submission finalized before it started, skipping")
			return nil
		}
		return o.abort(ctx, sub, appErr.Wrapf(err, appErr.DatabaseError, "mark submission running failed"), start)
	}
	sub.Status = model.StatusRunning
	o.notify(sub.ID, model.StatusRunning)
	logger.Info(ctx, "submission running", zap.String("problem_id", sub.ProblemID), zap.String("language_id", sub.LanguageID))

	v, err := o.grade(ctx, sub)
	if err != nil {
		return o.abort(ctx, sub, err, start)
	}
	if err := o.persist(ctx, sub, v); err != nil {
		if errors.Is(err, repository.ErrSubmissionFinalized) {
			logger.Warn(ctx, "submission finalized elsewhere, verdict dropped", zap.String("verdict", v.status.String()))
			return nil
		}
		return o.abort(ctx, sub, err, start)
	}
	o.record(v.status, o.now().Sub(start), false)
	logger.Info(ctx, "submission graded",
		zap.String("verdict", v.status.String()),
		zap.Int("passed", v.result.PassedTestCases),
		zap.Int("total", v.result.TotalTestCases),
		zap.Int64("time_ms", v.result.ExecutionTimeMs),
	)
	return nil
}

// abort forces RUNTIME_ERROR for cause. Lookups that found nothing end
// there; other causes are returned after the fallback is stored.
func (o *Orchestrator) abort(ctx context.Context, sub *model.Submission, cause error, start time.Time) error {
	if err := o.fail(ctx, sub, cause, start); err != nil {
		if errors.Is(err, repository.ErrSubmissionFinalized) {
			return nil
		}
		return err
	}
	if appErr.IsNotFound(cause) {
		return nil
	}
	return cause
}

// grade runs steps that need the sandbox. The sandbox is always cleaned up
// before it returns.
func (o *Orchestrator) grade(ctx context.Context, sub *model.Submission) (*verdict, error) {
	problem, err := o.problems.GetByID(ctx, sub.ProblemID)
	if err != nil {
		if errors.Is(err, repository.ErrProblemNotFound) {
			return nil, appErr.Newf(appErr.ProblemNotFound, "problem %s not found", sub.ProblemID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load problem failed")
	}
	lang, err := o.languages.GetByID(ctx, sub.LanguageID)
	if err != nil {
		if errors.Is(err, repository.ErrLanguageNotFound) {
			return nil, appErr.Newf(appErr.LanguageNotFound, "language %s not found", sub.LanguageID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load language failed")
	}
	cases, err := o.testCases.ListByProblem(ctx, problem.ID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load test cases failed")
	}
	if len(cases) == 0 {
		return nil, appErr.Newf(appErr.TestCaseNotFound, "problem %s has no test cases", problem.ID)
	}

	compileCmd, err := sandbox.ParseCommand(lang.CompileCommand)
	if err != nil {
		return nil, err
	}
	runCmd, err := sandbox.ParseCommand(lang.ExecuteCommand)
	if err != nil {
		return nil, err
	}
	if runCmd == nil {
		return nil, appErr.Newf(appErr.InvalidCommand, "language %s has no execute command", lang.ID)
	}

	timeLimitMs := problem.TimeLimitMs
	if timeLimitMs <= 0 {
		timeLimitMs = DefaultTimeLimitMs
	}
	memoryLimitMb := problem.MemoryLimitMb
	if memoryLimitMb <= 0 {
		memoryLimitMb = DefaultMemoryLimitMb
	}

	workspace, err := o.sandbox.PrepareWorkspace(ctx, sub.SourceCode, lang.SourceFileName())
	if err != nil {
		return nil, err
	}
	handle := &sandbox.Handle{Workspace: workspace}
	defer o.sandbox.Cleanup(ctx, handle)

	started, err := o.sandbox.CreateAndStart(ctx, lang.Image, workspace, memoryLimitMb)
	if err != nil {
		return nil, err
	}
	handle.ContainerID = started.ContainerID

	result := &model.SubmissionResult{
		SubmissionID:   sub.ID,
		TotalTestCases: len(cases),
	}

	compileFailure, err := o.sandbox.Compile(ctx, handle, compileCmd)
	if err != nil {
		return nil, err
	}
	if compileFailure != nil {
		result.Stdout = compileFailure.Stdout
		result.Stderr = compileFailure.Stderr
		result.ExecutionTimeMs = compileFailure.Duration.Milliseconds()
		return &verdict{status: model.StatusCompilationError, result: result}, nil
	}

	var (
		stdout  strings.Builder
		stderr  strings.Builder
		elapsed time.Duration
		status  = model.StatusAccepted
	)
	for i, tc := range cases {
		res, err := o.sandbox.RunTestCase(ctx, handle, runCmd, tc.Input, timeLimitMs)
		if err != nil {
			return nil, err
		}
		elapsed += res.Duration
		stdout.WriteString(res.Stdout)
		stdout.WriteString("\n")
		stderr.WriteString(res.Stderr)
		stderr.WriteString("\n")

		caseStatus := judge.Classify(res, timeLimitMs, tc.ExpectedOutput)
		logger.Debug(ctx, "test case graded",
			zap.Int("index", i+1),
			zap.String("test_case_id", tc.ID),
			zap.String("status", caseStatus.String()),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("elapsed", res.Duration),
		)
		if caseStatus != model.StatusAccepted {
			status = caseStatus
			break
		}
		result.PassedTestCases++
	}

	result.ExecutionTimeMs = elapsed.Milliseconds()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return &verdict{status: status, result: result}, nil
}

func (o *Orchestrator) persist(ctx context.Context, sub *model.Submission, v *verdict) error {
	if o.archive != nil {
		if _, err := o.archive.Offload(ctx, v.result); err != nil {
			// The row still gets the untruncated output.
			logger.Warn(ctx, "archive submission output failed", zap.Error(err))
		}
	}
	if err := o.results.SaveResult(ctx, sub, v.result, v.status); err != nil {
		return appErr.Wrapf(err, appErr.ResultPersistFailed, "save result failed")
	}
	o.notify(sub.ID, v.status)
	o.publishVerdict(ctx, sub, v.status)
	return nil
}

// fail forces RUNTIME_ERROR so the submission never stays RUNNING. It
// returns ErrSubmissionFinalized untouched when another writer got there
// first.
func (o *Orchestrator) fail(ctx context.Context, sub *model.Submission, cause error, start time.Time) error {
	logger.Error(ctx, "submission execution failed", zap.Error(cause))

	// The worker context may be cancelled; the fallback must still land.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	result := &model.SubmissionResult{
		SubmissionID: sub.ID,
		Stderr:       cause.Error(),
	}
	if err := o.results.SaveResult(persistCtx, sub, result, model.StatusRuntimeError); err != nil {
		if errors.Is(err, repository.ErrSubmissionFinalized) {
			logger.Warn(ctx, "submission finalized elsewhere, fallback dropped")
			return repository.ErrSubmissionFinalized
		}
		o.record(model.StatusRuntimeError, o.now().Sub(start), true)
		logger.Error(ctx, "persist forced runtime error failed", zap.Error(err))
		// Subscribers still learn the outcome even though storage lags.
		o.notify(sub.ID, model.StatusRuntimeError)
		return appErr.Wrapf(err, appErr.ResultPersistFailed, "persist forced runtime error for %s failed", sub.ID)
	}
	o.record(model.StatusRuntimeError, o.now().Sub(start), true)
	o.notify(sub.ID, model.StatusRuntimeError)
	o.publishVerdict(persistCtx, sub, model.StatusRuntimeError)
	return nil
}

func (o *Orchestrator) notify(submissionID string, status model.Status) {
	if o.notifier != nil {
		o.notifier.Publish(submissionID, status)
	}
}

func (o *Orchestrator) publishVerdict(ctx context.Context, sub *model.Submission, status model.Status) {
	if o.verdicts == nil {
		return
	}
	event := model.StatusEvent{
		SubmissionID: sub.ID,
		UserID:       sub.UserID,
		ProblemID:    sub.ProblemID,
		Status:       status,
		At:           o.now().UTC(),
	}
	if err := o.verdicts.PublishVerdict(ctx, event); err != nil {
		logger.Warn(ctx, "publish verdict event failed", zap.Error(err))
	}
}

func (o *Orchestrator) record(status model.Status, elapsed time.Duration, systemFailure bool) {
	if o.recorder != nil {
		o.recorder.RecordExecution(status, elapsed, systemFailure)
	}
}
