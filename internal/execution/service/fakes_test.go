package service

import (
	"context"
	"sync"
	"time"

	"codex/internal/common/db"
	"codex/internal/execution/model"
	"codex/internal/execution/repository"
	"codex/internal/execution/sandbox"
)

type fakeSubmissions struct {
	mu        sync.Mutex
	items     map[string]*model.Submission
	updates   []model.Status
	stale     []string
	queued    []string
	getErr    error
	updateErr error
}

func (f *fakeSubmissions) Create(_ context.Context, _ db.Transaction, s *model.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.items[s.ID] = &cp
	return nil
}

func (f *fakeSubmissions) GetByID(_ context.Context, id string) (*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	s, ok := f.items[id]
	if !ok {
		return nil, repository.ErrSubmissionNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSubmissions) UpdateStatus(_ context.Context, _ db.Transaction, id string, status model.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, status)
	if s, ok := f.items[id]; ok {
		s.Status = status
	}
	return nil
}

func (f *fakeSubmissions) ListStale(_ context.Context, status model.Status, _ time.Time, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == model.StatusQueued {
		return append([]string(nil), f.queued...), nil
	}
	return append([]string(nil), f.stale...), nil
}

type fakeProblems struct{ items map[string]*model.Problem }

func (f *fakeProblems) GetByID(_ context.Context, id string) (*model.Problem, error) {
	p, ok := f.items[id]
	if !ok {
		return nil, repository.ErrProblemNotFound
	}
	return p, nil
}

func (f *fakeProblems) Exists(ctx context.Context, id string) (bool, error) {
	_, ok := f.items[id]
	return ok, nil
}

type fakeLanguages struct{ items map[string]*model.Language }

func (f *fakeLanguages) GetByID(_ context.Context, id string) (*model.Language, error) {
	l, ok := f.items[id]
	if !ok {
		return nil, repository.ErrLanguageNotFound
	}
	return l, nil
}

func (f *fakeLanguages) Exists(ctx context.Context, id string) (bool, error) {
	_, ok := f.items[id]
	return ok, nil
}

type fakeTestCases struct{ items map[string][]*model.TestCase }

func (f *fakeTestCases) ListByProblem(_ context.Context, problemID string) ([]*model.TestCase, error) {
	return f.items[problemID], nil
}

type savedResult struct {
	status model.Status
	result model.SubmissionResult
}

type fakeResults struct {
	mu    sync.Mutex
	saved []savedResult
	err   error
	// failures is how many saves fail with err before saves succeed.
	failures int
}

func (f *fakeResults) SaveResult(_ context.Context, sub *model.Submission, res *model.SubmissionResult, status model.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	res.SubmissionID = sub.ID
	f.saved = append(f.saved, savedResult{status: status, result: *res})
	sub.Status = status
	return nil
}

func (f *fakeResults) GetBySubmission(context.Context, string) (*model.SubmissionResult, error) {
	return nil, repository.ErrResultNotFound
}

// fakeSandbox returns scripted results for each test case in order.
type fakeSandbox struct {
	mu            sync.Mutex
	compileResult *model.ExecutionResult
	runResults    []*model.ExecutionResult
	createErr     error
	runs          int
	inputs        []string
	cleanups      []sandbox.Handle
	memoryLimit   int64
	compiled      *sandbox.Command
}

func (f *fakeSandbox) PrepareWorkspace(context.Context, string, string) (string, error) {
	return "/tmp/ws-test", nil
}

func (f *fakeSandbox) CreateAndStart(_ context.Context, _ string, workspace string, memoryLimitMb int64) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memoryLimit = memoryLimitMb
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &sandbox.Handle{ContainerID: "c-1", Workspace: workspace}, nil
}

func (f *fakeSandbox) Compile(_ context.Context, _ *sandbox.Handle, cmd *sandbox.Command) (*model.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compiled = cmd
	return f.compileResult, nil
}

func (f *fakeSandbox) RunTestCase(_ context.Context, _ *sandbox.Handle, _ *sandbox.Command, input string, _ int64) (*model.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.runResults[f.runs]
	f.runs++
	f.inputs = append(f.inputs, input)
	return res, nil
}

func (f *fakeSandbox) Cleanup(_ context.Context, h *sandbox.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, *h)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []model.Status
}

func (f *fakeNotifier) Publish(_ string, status model.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, status)
}

type fakeVerdicts struct {
	events []model.StatusEvent
}

func (f *fakeVerdicts) PublishVerdict(_ context.Context, e model.StatusEvent) error {
	f.events = append(f.events, e)
	return nil
}

type recordedExecution struct {
	status        model.Status
	systemFailure bool
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recordedExecution
}

func (f *fakeRecorder) RecordExecution(status model.Status, _ time.Duration, systemFailure bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedExecution{status: status, systemFailure: systemFailure})
}
