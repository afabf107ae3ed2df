package model

import "fmt"

// Status is the lifecycle state of a submission.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusAccepted            Status = "ACCEPTED"
	StatusWrongAnswer         Status = "WRONG_ANSWER"
	StatusTimeLimitExceeded   Status = "TIME_LIMIT_EXCEEDED"
	StatusMemoryLimitExceeded Status = "MEMORY_LIMIT_EXCEEDED"
	StatusRuntimeError        Status = "RUNTIME_ERROR"
	StatusCompilationError    Status = "COMPILATION_ERROR"
)

var knownStatuses = map[Status]bool{
	StatusQueued:              false,
	StatusRunning:             false,
	StatusAccepted:            true,
	StatusWrongAnswer:         true,
	StatusTimeLimitExceeded:   true,
	StatusMemoryLimitExceeded: true,
	StatusRuntimeError:        true,
	StatusCompilationError:    true,
}

// IsTerminal reports whether no further transition can follow s.
func (s Status) IsTerminal() bool {
	return knownStatuses[s]
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus validates a stored status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if _, ok := knownStatuses[s]; !ok {
		return "", fmt.Errorf("unknown submission status %q", raw)
	}
	return s, nil
}

// UserProblemState is the per-user progress on a problem.
type UserProblemState string

const (
	UserProblemSolved    UserProblemState = "SOLVED"
	UserProblemAttempted UserProblemState = "ATTEMPTED"
)
