package domain

import (
	"fmt"

	"github.com/google/shlex"
)

// ParseCommand splits a command line into argv using shell-like quoting.
// No expansion or globbing is performed.
func ParseCommand(line string) ([]string, error) {
	argv, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: parse command %q: %v", ErrInvalidPolicy, line, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidPolicy)
	}
	return argv, nil
}

// ShellCommand runs line through /bin/sh -c.
func ShellCommand(line string) []string {
	return []string{"/bin/sh", "-c", line}
}
