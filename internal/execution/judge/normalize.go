// Package judge compares program output and turns a test run into a verdict.
package judge

import "strings"

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Normalize canonicalizes output for comparison: line endings become "\n",
// trailing whitespace is stripped from every line, trailing blank lines are
// dropped and the whole text is trimmed.
func Normalize(s string) string {
	s = lineEndings.Replace(s)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\f\v")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Equal reports whether two outputs are identical after normalization.
func Equal(actual, expected string) bool {
	return Normalize(actual) == Normalize(expected)
}
