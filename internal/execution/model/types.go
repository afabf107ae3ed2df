package model

import "time"

// Submission is one user's code entry for one problem in one language.
type Submission struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ProblemID  string    `json:"problem_id"`
	LanguageID string    `json:"language_id"`
	SourceCode string    `json:"source_code"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Problem holds the limits a submission is graded against.
type Problem struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	TimeLimitMs   int64  `json:"time_limit_ms"`
	MemoryLimitMb int64  `json:"memory_limit_mb"`
}

// Language describes how to build and run one runtime.
// CompileCommand is empty for interpreted languages.
type Language struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Version        string `json:"version"`
	Image          string `json:"image"`
	FileExtension  string `json:"file_extension"`
	CompileCommand string `json:"compile_command"`
	ExecuteCommand string `json:"execute_command"`
}

// SourceFileName is the file the submission's source is staged under.
func (l *Language) SourceFileName() string {
	return "solution" + l.FileExtension
}

// TestCase is one input/expected-output pair.
type TestCase struct {
	ID             string `json:"id"`
	ProblemID      string `json:"problem_id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	IsSample       bool   `json:"is_sample"`
	Ordinal        int    `json:"ordinal"`
}

// ExecutionResult is the outcome of one command run inside a sandbox.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Success reports a zero exit without timeout.
func (r *ExecutionResult) Success() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}

// SubmissionResult is the aggregate persisted once per submission.
type SubmissionResult struct {
	SubmissionID    string `json:"submission_id"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	MemoryUsedMb    int64  `json:"memory_used_mb"`
	PassedTestCases int    `json:"passed_test_cases"`
	TotalTestCases  int    `json:"total_test_cases"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	// ArchiveKey points at the full output when Stdout/Stderr were truncated.
	ArchiveKey string `json:"archive_key,omitempty"`
}

// StatusEvent is the payload published for every status transition.
type StatusEvent struct {
	SubmissionID string    `json:"submission_id"`
	UserID       string    `json:"user_id,omitempty"`
	ProblemID    string    `json:"problem_id,omitempty"`
	Status       Status    `json:"status"`
	At           time.Time `json:"at"`
}

// UserProblemStatus is one user's progress on one problem.
type UserProblemStatus struct {
	UserID    string           `json:"user_id"`
	ProblemID string           `json:"problem_id"`
	Status    UserProblemState `json:"status"`
	SolvedAt  *time.Time       `json:"solved_at,omitempty"`
}
