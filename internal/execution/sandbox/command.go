package sandbox

import (
	"strings"

	appErr "codex/pkg/errors"

	"github.com/google/shlex"
)

// InputPath is where test input is staged inside the container.
const InputPath = WorkspaceMount + "/input.txt"

// Command is a program invocation with no shell in between.
type Command struct {
	Program string
	Args    []string
	// Stdin redirects the staged input file to the program's standard input.
	Stdin bool
}

var shellOperators = map[string]bool{
	"<": true, ">": true, ">>": true, "|": true, "||": true,
	"&": true, "&&": true, ";": true,
}

// ParseCommand splits a stored command template into a Command. Templates
// are plain argument lists; shell operators are rejected so that nothing
// relies on implicit shell semantics. An empty template yields nil.
func ParseCommand(template string) (*Command, error) {
	if strings.TrimSpace(template) == "" {
		return nil, nil
	}
	parts, err := shlex.Split(template)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidCommand, "parse command %q failed", template)
	}
	if len(parts) == 0 {
		return nil, nil
	}
	for _, p := range parts {
		if shellOperators[p] {
			return nil, appErr.Newf(appErr.InvalidCommand, "command %q uses shell operator %q", template, p)
		}
	}
	return &Command{Program: parts[0], Args: parts[1:]}, nil
}

// WithStdin returns a copy of c that reads the staged input file.
func (c Command) WithStdin(stdin bool) *Command {
	out := c
	out.Args = append([]string(nil), c.Args...)
	out.Stdin = stdin
	return &out
}

// Argv is the exec argument vector. Redirection goes through a fixed
// script that receives the user command as positional parameters.
func (c *Command) Argv() []string {
	argv := make([]string, 0, len(c.Args)+5)
	if c.Stdin {
		argv = append(argv, "sh", "-c", `exec "$@" < `+InputPath, "sh")
	}
	argv = append(argv, c.Program)
	return append(argv, c.Args...)
}

func (c *Command) String() string {
	return strings.Join(c.Argv(), " ")
}
