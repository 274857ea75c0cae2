package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPolicy indicates a LimitPolicy failed validation
	ErrInvalidPolicy = errors.New("invalid limit policy")

	// ErrNoSuchProcess indicates the sampled pid is gone or was reused
	ErrNoSuchProcess = errors.New("no such process")

	// ErrPermissionDenied indicates the OS refused to expose the process accounting
	ErrPermissionDenied = errors.New("permission denied reading process accounting")
)

// LaunchError is returned when the command could not be started.
type LaunchError struct {
	Command []string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// NewLaunchError wraps cause as a LaunchError for argv.
func NewLaunchError(argv []string, cause error) *LaunchError {
	return &LaunchError{Command: argv, Err: cause}
}

// SampleError is returned by a sampler. Kind is ErrNoSuchProcess,
// ErrPermissionDenied or nil for anything else.
type SampleError struct {
	PID  int
	Kind error
	Err  error
}

func (e *SampleError) Error() string {
	if e.Kind != nil && e.Err != nil {
		return fmt.Sprintf("sample pid %d: %v: %v", e.PID, e.Kind, e.Err)
	}
	if e.Kind != nil {
		return fmt.Sprintf("sample pid %d: %v", e.PID, e.Kind)
	}
	return fmt.Sprintf("sample pid %d: %v", e.PID, e.Err)
}

// Is matches the sentinel kind so callers can use errors.Is(err, ErrNoSuchProcess).
func (e *SampleError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *SampleError) Unwrap() error {
	return e.Err
}

// TerminationError is returned when signaling or reaping the child failed.
type TerminationError struct {
	PID int
	Err error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminate pid %d: %v", e.PID, e.Err)
}

func (e *TerminationError) Unwrap() error {
	return e.Err
}
