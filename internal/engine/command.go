package engine

import (
	"errors"
	"fmt"

	"github.com/kballard/go-shellquote"
)

// Rscript is the canonical R script interpreter. It needs an explicit
// -f flag to execute a file.
const Rscript = "Rscript"

// Command is a resolved external invocation.
type Command struct {
	Program string
	Args    []string
}

// BuildCommand maps an engine name and a script location to the command
// executing the script. Engine names are not validated here, a bad one
// surfaces later as a spawn error.
func BuildCommand(engine string, scriptPath string) Command {
	cmd := Command{Program: engine}
	if engine == Rscript {
		cmd.Args = append(cmd.Args, "-f")
	}
	cmd.Args = append(cmd.Args, scriptPath)
	return cmd
}

// Argv returns program followed by its arguments.
func (c Command) Argv() []string {
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Program)
	return append(argv, c.Args...)
}

// String returns the command quoted for a POSIX shell, suitable for logs.
func (c Command) String() string {
	if c.Program == "" {
		return ""
	}
	return shellquote.Join(c.Argv()...)
}

// ParseCommand splits a shell quoted command line, e.g. an engine
// override "python3 -u" from the configuration.
func ParseCommand(line string) (Command, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return Command{}, fmt.Errorf("parsing command %q: %w", line, err)
	}
	if len(words) == 0 {
		return Command{}, errors.New("empty command")
	}
	return Command{Program: words[0], Args: words[1:]}, nil
}
