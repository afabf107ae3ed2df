package judge

import (
	"testing"
	"time"

	"codex/internal/execution/model"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "trailing whitespace and blank lines", in: "a \n b\t\n\n", want: "a\n b"},
		{name: "crlf", in: "1\r\n2\r\n", want: "1\n2"},
		{name: "bare cr", in: "1\r2\r", want: "1\n2"},
		{name: "leading whitespace trimmed", in: "\n\n  x", want: "x"},
		{name: "inner blank line kept", in: "a\n\nb\n", want: "a\n\nb"},
		{name: "empty", in: "", want: ""},
		{name: "whitespace only", in: " \t\r\n \n", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"a \n b\t\n\n", "x\r\ny  \r\n\r\n", "  lead\n\ttab\t\n", "plain"}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("normalize not idempotent for %q: %q vs %q", in, once, twice)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("3\r\n", "3") {
		t.Fatalf("expected CRLF output to match")
	}
	if !Equal("1 2 3   \n\n", "1 2 3") {
		t.Fatalf("expected trailing whitespace to be ignored")
	}
	if Equal("1  2", "1 2") {
		t.Fatalf("inner whitespace must be significant")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		res      *model.ExecutionResult
		limitMs  int64
		expected string
		want     model.Status
	}{
		{
			name:     "accepted",
			res:      &model.ExecutionResult{Stdout: "3\n", Duration: 10 * time.Millisecond},
			limitMs:  1000,
			expected: "3",
			want:     model.StatusAccepted,
		},
		{
			name:    "oom kill",
			res:     &model.ExecutionResult{ExitCode: 137, Stdout: "3"},
			limitMs: 1000, expected: "3",
			want: model.StatusMemoryLimitExceeded,
		},
		{
			name:    "oom kill wins over slow run",
			res:     &model.ExecutionResult{ExitCode: 137, Duration: 5 * time.Second},
			limitMs: 1000,
			want:    model.StatusMemoryLimitExceeded,
		},
		{
			name:    "non-zero exit",
			res:     &model.ExecutionResult{ExitCode: 1, Stdout: "3"},
			limitMs: 1000, expected: "3",
			want: model.StatusRuntimeError,
		},
		{
			name:    "runtime error wins over slow run",
			res:     &model.ExecutionResult{ExitCode: 2, Duration: 5 * time.Second},
			limitMs: 1000,
			want:    model.StatusRuntimeError,
		},
		{
			name:    "exec timeout",
			res:     &model.ExecutionResult{ExitCode: -1, TimedOut: true, Duration: time.Second},
			limitMs: 1000,
			want:    model.StatusTimeLimitExceeded,
		},
		{
			name:     "elapsed over limit",
			res:      &model.ExecutionResult{Stdout: "3", Duration: 1001 * time.Millisecond},
			limitMs:  1000,
			expected: "3",
			want:     model.StatusTimeLimitExceeded,
		},
		{
			name:     "elapsed equal to limit passes",
			res:      &model.ExecutionResult{Stdout: "3", Duration: time.Second},
			limitMs:  1000,
			expected: "3",
			want:     model.StatusAccepted,
		},
		{
			name:     "wrong answer",
			res:      &model.ExecutionResult{Stdout: "4"},
			limitMs:  1000,
			expected: "3",
			want:     model.StatusWrongAnswer,
		},
		{
			name: "nil result",
			want: model.StatusRuntimeError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.res, tc.limitMs, tc.expected); got != tc.want {
				t.Fatalf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}
