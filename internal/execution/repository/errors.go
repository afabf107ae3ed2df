// Package repository persists submissions and their results and publishes
// verdicts to downstream consumers.
package repository

import "errors"

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrProblemNotFound    = errors.New("problem not found")
	ErrLanguageNotFound   = errors.New("language not found")
	ErrResultNotFound     = errors.New("submission result not found")

	// ErrSubmissionFinalized rejects a status write on a submission that
	// already has a terminal status.
	ErrSubmissionFinalized = errors.New("submission already has a terminal status")
)
