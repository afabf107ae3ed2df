package service

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"codex/internal/execution/model"
	"codex/internal/execution/repository"
	appErr "codex/pkg/errors"
)

type harness struct {
	submissions *fakeSubmissions
	problems    *fakeProblems
	languages   *fakeLanguages
	testCases   *fakeTestCases
	results     *fakeResults
	sandbox     *fakeSandbox
	notifier    *fakeNotifier
	verdicts    *fakeVerdicts
	recorder    *fakeRecorder
	orch        *Orchestrator
}

func newHarness(t *testing.T, compileCommand string, cases ...*model.TestCase) *harness {
	t.Helper()
	h := &harness{
		submissions: &fakeSubmissions{items: map[string]*model.Submission{
			"sub-1": {ID: "sub-1", UserID: "u-1", ProblemID: "p-1", LanguageID: "lang", SourceCode: "code", Status: model.StatusQueued},
		}},
		problems: &fakeProblems{items: map[string]*model.Problem{
			"p-1": {ID: "p-1", TimeLimitMs: 1000, MemoryLimitMb: 128},
		}},
		languages: &fakeLanguages{items: map[string]*model.Language{
			"lang": {ID: "lang", Image: "img", FileExtension: ".cpp", CompileCommand: compileCommand, ExecuteCommand: "./solution"},
		}},
		testCases: &fakeTestCases{items: map[string][]*model.TestCase{"p-1": cases}},
		results:   &fakeResults{},
		sandbox:   &fakeSandbox{},
		notifier:  &fakeNotifier{},
		verdicts:  &fakeVerdicts{},
		recorder:  &fakeRecorder{},
	}
	orch, err := NewOrchestrator(Config{
		Submissions: h.submissions,
		Problems:    h.problems,
		Languages:   h.languages,
		TestCases:   h.testCases,
		Results:     h.results,
		Sandbox:     h.sandbox,
		Notifier:    h.notifier,
		Verdicts:    h.verdicts,
		Recorder:    h.recorder,
	})
	if err != nil {
		t.Fatalf("new orchestrator failed: %v", err)
	}
	h.orch = orch
	return h
}

func twoCases() []*model.TestCase {
	return []*model.TestCase{
		{ID: "t1", Input: "1 2", ExpectedOutput: "3"},
		{ID: "t2", Input: "2 2", ExpectedOutput: "4"},
	}
}

func ok(stdout string, d time.Duration) *model.ExecutionResult {
	return &model.ExecutionResult{Stdout: stdout, Duration: d}
}

func (h *harness) onlyResult(t *testing.T) savedResult {
	t.Helper()
	if len(h.results.saved) != 1 {
		t.Fatalf("expected exactly one terminal persist, got %d", len(h.results.saved))
	}
	return h.results.saved[0]
}

func TestExecuteAccepted(t *testing.T) {
	h := newHarness(t, "g++ -o solution solution.cpp", twoCases()...)
	h.sandbox.runResults = []*model.ExecutionResult{ok("3\n", 10*time.Millisecond), ok("4", 20*time.Millisecond)}

	if err := h.orch.Execute(context.Background(), "sub-1"); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	saved := h.onlyResult(t)
	if saved.status != model.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", saved.status)
	}
	if saved.result.PassedTestCases != 2 || saved.result.TotalTestCases != 2 {
		t.Fatalf("expected 2/2, got %d/%d", saved.result.PassedTestCases, saved.result.TotalTestCases)
	}
	if saved.result.ExecutionTimeMs != 30 {
		t.Fatalf("expected 30ms total, got %d", saved.result.ExecutionTimeMs)
	}
	if saved.result.Stdout != "3\n\n4\n" {
		t.Fatalf("unexpected aggregate stdout %q", saved.result.Stdout)
	}
	if saved.result.MemoryUsedMb != 0 {
		t.Fatalf("memory is not measured, got %d", saved.result.MemoryUsedMb)
	}
	if !reflect.DeepEqual(h.notifier.events, []model.Status{model.StatusRunning, model.StatusAccepted}) {
		t.Fatalf("unexpected events %v", h.notifier.events)
	}
	if !reflect.DeepEqual(h.submissions.updates, []model.Status{model.StatusRunning}) {
		t.Fatalf("expected RUNNING to be persisted first, got %v", h.submissions.updates)
	}
	if !reflect.DeepEqual(h.sandbox.inputs, []string{"1 2", "2 2"}) {
		t.Fatalf("test cases must run in order, got %v", h.sandbox.inputs)
	}
	if h.sandbox.compiled == nil || h.sandbox.compiled.Program != "g++" {
		t.Fatalf("expected compile command to be parsed, got %+v", h.sandbox.compiled)
	}
	if len(h.sandbox.cleanups) != 1 || h.sandbox.cleanups[0].ContainerID != "c-1" {
		t.Fatalf("expected one cleanup of the container, got %+v", h.sandbox.cleanups)
	}
	if h.sandbox.memoryLimit != 128 {
		t.Fatalf("expected problem memory limit, got %d", h.sandbox.memoryLimit)
	}
	if len(h.verdicts.events) != 1 || h.verdicts.events[0].Status != model.StatusAccepted || h.verdicts.events[0].UserID != "u-1" {
		t.Fatalf("unexpected verdict events %+v", h.verdicts.events)
	}
	if len(h.recorder.records) != 1 || h.recorder.records[0].systemFailure {
		t.Fatalf("expected one graded execution, got %+v", h.recorder.records)
	}
}

func TestExecuteTimeLimitOnSecondCase(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	h.sandbox.runResults = []*model.ExecutionResult{
		ok("3", 10*time.Millisecond),
		{Stdout: "", Stderr: "Execution timed out after 1000ms", ExitCode: -1, TimedOut: true, Duration: 1000 * time.Millisecond},
	}
	if err := h.orch.Execute(context.Background(), "sub-1"); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	saved := h.onlyResult(t)
	if saved.status != model.StatusTimeLimitExceeded {
		t.Fatalf("expected TIME_LIMIT_EXCEEDED, got %s", saved.status)
	}
	if saved.result.PassedTestCases != 1 {
		t.Fatalf("expected passed=1, got %d", saved.result.PassedTestCases)
	}
	if !strings.HasPrefix(saved.result.Stdout, "3\n") {
		t.Fatalf("first case output must be kept, got %q", saved.result.Stdout)
	}
	if !strings.Contains(saved.result.Stderr, "timed out") {
		t.Fatalf("timeout message missing from stderr %q", saved.result.Stderr)
	}
	if h.sandbox.compiled != nil {
		t.Fatalf("interpreted language must not compile")
	}
}

func TestExecuteFailFast(t *testing.T) {
	cases := []struct {
		name   string
		first  *model.ExecutionResult
		status model.Status
	}{
		{name: "wrong answer", first: ok("5", time.Millisecond), status: model.StatusWrongAnswer},
		{name: "runtime error", first: &model.ExecutionResult{ExitCode: 1, Stderr: "panic"}, status: model.StatusRuntimeError},
		{name: "memory limit", first: &model.ExecutionResult{ExitCode: 137}, status: model.StatusMemoryLimitExceeded},
		{name: "slow but correct", first: ok("3", 1500*time.Millisecond), status: model.StatusTimeLimitExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, "", twoCases()...)
			h.sandbox.runResults = []*model.ExecutionResult{tc.first, ok("4", time.Millisecond)}
			if err := h.orch.Execute(context.Background(), "sub-1"); err != nil {
				t.Fatalf("execute failed: %v", err)
			}
			saved := h.onlyResult(t)
			if saved.status != tc.status {
				t.Fatalf("expected %s, got %s", tc.status, saved.status)
			}
			if h.sandbox.runs != 1 {
				t.Fatalf("grading must stop at the first failure, ran %d", h.sandbox.runs)
			}
			if saved.result.PassedTestCases != 0 {
				t.Fatalf("expected passed=0, got %d", saved.result.PassedTestCases)
			}
		})
	}
}

func TestExecuteCompilationError(t *testing.T) {
	h := newHarness(t, "g++ -o solution solution.cpp", twoCases()...)
	h.sandbox.compileResult = &model.ExecutionResult{Stdout: "", Stderr: "error: expected ';'", ExitCode: 1, Duration: 750 * time.Millisecond}

	if err := h.orch.Execute(context.Background(), "sub-1"); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	saved := h.onlyResult(t)
	if saved.status != model.StatusCompilationError {
		t.Fatalf("expected COMPILATION_ERROR, got %s", saved.status)
	}
	if h.sandbox.runs != 0 {
		t.Fatalf("no test case may run after a compile error, ran %d", h.sandbox.runs)
	}
	if saved.result.ExecutionTimeMs != 750 || saved.result.Stderr != "error: expected ';'" {
		t.Fatalf("unexpected compile result %+v", saved.result)
	}
	if saved.result.PassedTestCases != 0 || saved.result.TotalTestCases != 2 {
		t.Fatalf("unexpected counts %+v", saved.result)
	}
}

func TestExecuteZeroTestCasesForcesRuntimeError(t *testing.T) {
	h := newHarness(t, "")
	if err := h.orch.Execute(context.Background(), "sub-1"); err != nil {
		t.Fatalf("fallback persisted, expected nil error, got %v", err)
	}
	saved := h.onlyResult(t)
	if saved.status != model.StatusRuntimeError {
		t.Fatalf("expected RUNTIME_ERROR, got %s", saved.status)
	}
	if !strings.Contains(saved.result.Stderr, "no test cases") {
		t.Fatalf("expected cause in stderr, got %q", saved.result.Stderr)
	}
	if !reflect.DeepEqual(h.notifier.events, []model.Status{model.StatusRunning, model.StatusRuntimeError}) {
		t.Fatalf("unexpected events %v", h.notifier.events)
	}
	if len(h.recorder.records) != 1 || !h.recorder.records[0].systemFailure {
		t.Fatalf("expected one system failure, got %+v", h.recorder.records)
	}
}

func TestExecuteMissingSubmission(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	err := h.orch.Execute(context.Background(), "nope")
	if appErr.GetCode(err) != appErr.SubmissionNotFound {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
	if len(h.results.saved) != 0 || len(h.notifier.events) != 0 || len(h.submissions.updates) != 0 {
		t.Fatalf("nothing may be persisted or published for a missing submission")
	}
}

func TestExecuteSkipsTerminalSubmission(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	h.submissions.items["sub-1"].Status = model.StatusAccepted
	if err := h.orch.Execute(context.Background(), "sub-1"); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(h.submissions.updates) != 0 || len(h.results.saved) != 0 {
		t.Fatalf("graded submission must not be re-run")
	}
}

func TestExecuteSandboxFailureForcesRuntimeError(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	h.sandbox.createErr = appErr.New(appErr.SandboxTimeout).WithMessage("container creation timed out after 1m0s")

	// The fallback is stored and the infrastructure cause still reaches the worker.
	if err := h.orch.Execute(context.Background(), "sub-1"); !appErr.Is(err, appErr.SandboxTimeout) {
		t.Fatalf("expected SandboxTimeout after the fallback, got %v", err)
	}
	saved := h.onlyResult(t)
	if saved.status != model.StatusRuntimeError {
		t.Fatalf("expected RUNTIME_ERROR, got %s", saved.status)
	}
	if len(h.sandbox.cleanups) != 1 || h.sandbox.cleanups[0].Workspace != "/tmp/ws-test" {
		t.Fatalf("workspace must be cleaned even when the container never started, got %+v", h.sandbox.cleanups)
	}
	if h.sandbox.cleanups[0].ContainerID != "" {
		t.Fatalf("no container id expected, got %s", h.sandbox.cleanups[0].ContainerID)
	}
}

func TestExecuteMissingLanguage(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	delete(h.languages.items, "lang")
	if err := h.orch.Execute(context.Background(), "sub-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	saved := h.onlyResult(t)
	if saved.status != model.StatusRuntimeError || !strings.Contains(saved.result.Stderr, "language lang not found") {
		t.Fatalf("unexpected fallback %+v", saved)
	}
	if len(h.sandbox.cleanups) != 0 {
		t.Fatalf("no sandbox was provisioned, cleanups=%d", len(h.sandbox.cleanups))
	}
}

func TestExecuteResultPersistFailureFallsBack(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	h.sandbox.runResults = []*model.ExecutionResult{ok("3", time.Millisecond), ok("4", time.Millisecond)}
	h.results.err = errors.New("deadlock")
	h.results.failures = 1

	if err := h.orch.Execute(context.Background(), "sub-1"); appErr.GetCode(err) != appErr.ResultPersistFailed {
		t.Fatalf("expected the save failure to be reported, got %v", err)
	}
	saved := h.onlyResult(t)
	if saved.status != model.StatusRuntimeError {
		t.Fatalf("expected forced RUNTIME_ERROR, got %s", saved.status)
	}
	if !reflect.DeepEqual(h.notifier.events, []model.Status{model.StatusRunning, model.StatusRuntimeError}) {
		t.Fatalf("accepted must not be announced when it was not stored, got %v", h.notifier.events)
	}
}

func TestExecuteFallbackPersistFailureIsReturned(t *testing.T) {
	h := newHarness(t, "")
	h.results.err = errors.New("database unavailable")
	h.results.failures = 100

	err := h.orch.Execute(context.Background(), "sub-1")
	if appErr.GetCode(err) != appErr.ResultPersistFailed {
		t.Fatalf("expected ResultPersistFailed, got %v", err)
	}
	if last := h.notifier.events[len(h.notifier.events)-1]; last != model.StatusRuntimeError {
		t.Fatalf("subscribers should still learn the outcome, got %v", h.notifier.events)
	}
}

func TestExecuteFallbackSurvivesCancelledContext(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.orch.Execute(ctx, "sub-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.onlyResult(t).status != model.StatusRuntimeError {
		t.Fatalf("expected RUNTIME_ERROR")
	}
}

func TestExecuteSkipsSubmissionFinalizedBeforeStart(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	h.submissions.updateErr = repository.ErrSubmissionFinalized

	if err := h.orch.Execute(context.Background(), "sub-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.results.saved) != 0 || len(h.notifier.events) != 0 || h.sandbox.runs != 0 {
		t.Fatalf("a finalized submission must not be graded again")
	}
}

func TestExecuteDropsVerdictWhenFinalizedElsewhere(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	h.sandbox.runResults = []*model.ExecutionResult{ok("3", time.Millisecond), ok("4", time.Millisecond)}
	h.results.err = repository.ErrSubmissionFinalized
	h.results.failures = 100

	if err := h.orch.Execute(context.Background(), "sub-1"); err != nil {
		t.Fatalf("losing the write is not a failure, got %v", err)
	}
	if len(h.results.saved) != 0 {
		t.Fatalf("no fallback may follow a rejected verdict, got %+v", h.results.saved)
	}
	if !reflect.DeepEqual(h.notifier.events, []model.Status{model.StatusRunning}) {
		t.Fatalf("only the stored outcome may be announced, got %v", h.notifier.events)
	}
	if len(h.verdicts.events) != 0 {
		t.Fatalf("no verdict event expected, got %v", h.verdicts.events)
	}
}

func TestExecuteNotFoundCausesDoNotPropagate(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	delete(h.problems.items, "p-1")

	if err := h.orch.Execute(context.Background(), "sub-1"); err != nil {
		t.Fatalf("a missing problem is not an infrastructure failure, got %v", err)
	}
	if h.onlyResult(t).status != model.StatusRuntimeError {
		t.Fatalf("expected RUNTIME_ERROR")
	}
}
