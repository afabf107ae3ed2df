package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Authentication errors
// 12000-12999: Problem & Language errors
// 13000-13999: Submission & Queue errors
// 14000-14999: Sandbox errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError     ErrorCode = 10100
	TransactionFailed ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Authentication Errors (11000-11999) ==========

	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Problem & Language Errors (12000-12999) ==========

	ProblemNotFound  ErrorCode = 12000
	LanguageNotFound ErrorCode = 12050
	TestCaseNotFound ErrorCode = 12100

	// ========== Submission & Queue Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound     ErrorCode = 13000
	SubmissionCreateFailed ErrorCode = 13001
	CodeTooLarge           ErrorCode = 13002
	SubmissionAccessDenied ErrorCode = 13006

	// Queue & result (13100-13199)
	QueueError          ErrorCode = 13100
	ResultPersistFailed ErrorCode = 13101
	EventPublishFailed  ErrorCode = 13102
	ArchiveFailed       ErrorCode = 13103

	// ========== Sandbox Errors (14000-14999) ==========

	SandboxError          ErrorCode = 14000
	SandboxTimeout        ErrorCode = 14001
	ImagePullFailed       ErrorCode = 14002
	ContainerCreateFailed ErrorCode = 14003
	ExecFailed            ErrorCode = 14004
	WorkspaceFailed       ErrorCode = 14005
	InvalidCommand        ErrorCode = 14006
)

var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized",
	Forbidden:           "Forbidden",
	ServiceUnavailable:  "Service unavailable",
	Timeout:             "Request timeout",

	DatabaseError:     "Database error",
	TransactionFailed: "Transaction failed",

	CacheError: "Cache error",
	LockFailed: "Failed to acquire lock",

	ValidationFailed:   "Validation failed",
	RequiredFieldEmpty: "Required field is empty",

	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	ProblemNotFound:  "Problem not found",
	LanguageNotFound: "Language not found",
	TestCaseNotFound: "Test cases not found",

	SubmissionNotFound:     "Submission not found",
	SubmissionCreateFailed: "Failed to create submission",
	CodeTooLarge:           "Source code is too large",
	SubmissionAccessDenied: "Access to this submission is denied",

	QueueError:          "Submission queue error",
	ResultPersistFailed: "Failed to persist submission result",
	EventPublishFailed:  "Failed to publish submission event",
	ArchiveFailed:       "Failed to archive submission output",

	SandboxError:          "Sandbox error",
	SandboxTimeout:        "Sandbox operation timed out",
	ImagePullFailed:       "Failed to pull runtime image",
	ContainerCreateFailed: "Failed to create sandbox container",
	ExecFailed:            "Failed to execute command in sandbox",
	WorkspaceFailed:       "Failed to prepare sandbox workspace",
	InvalidCommand:        "Invalid command template",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden, c == SubmissionAccessDenied:
		return 403
	case c == NotFound, c == ProblemNotFound, c == LanguageNotFound, c == TestCaseNotFound, c == SubmissionNotFound:
		return 404
	case c == CodeTooLarge:
		return 413
	case c == ServiceUnavailable:
		return 503
	case c == Timeout, c == SandboxTimeout:
		return 504
	case c >= 10300 && c < 10400:
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}
