package judge

import (
	"time"

	"codex/internal/execution/model"
)

// ExitCodeOOMKilled is the exit status of a process killed by the OOM killer (128+SIGKILL).
const ExitCodeOOMKilled = 137

// Classify grades a single test run. It returns StatusAccepted when the run
// passed; any other status is the verdict that stops grading.
//
// Checks are ordered: memory kill, exec timeout, non-zero exit, elapsed time, output.
func Classify(res *model.ExecutionResult, timeLimitMs int64, expected string) model.Status {
	if res == nil {
		return model.StatusRuntimeError
	}
	switch {
	case res.ExitCode == ExitCodeOOMKilled:
		return model.StatusMemoryLimitExceeded
	case res.TimedOut:
		return model.StatusTimeLimitExceeded
	case res.ExitCode != 0:
		return model.StatusRuntimeError
	case exceeds(res.Duration, timeLimitMs):
		return model.StatusTimeLimitExceeded
	case !Equal(res.Stdout, expected):
		return model.StatusWrongAnswer
	}
	return model.StatusAccepted
}

func exceeds(elapsed time.Duration, limitMs int64) bool {
	if limitMs <= 0 {
		return false
	}
	return elapsed > time.Duration(limitMs)*time.Millisecond
}
