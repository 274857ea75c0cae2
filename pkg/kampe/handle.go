// Package kampe owns the supervised child process: it launches the command
// with its redirections, reports exit without blocking, and kills and reaps
// the child on request.
package kampe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tartarus-sandbox/resourcer/pkg/domain"
)

// Spec describes the process to launch.
type Spec struct {
	Argv       []string
	StdinPath  string
	StdoutPath string
	StderrPath string
	Dir        string
	Env        []string // nil inherits the supervisor's environment
}

// SpecFromPolicy maps a LimitPolicy onto a launch spec.
func SpecFromPolicy(p *domain.LimitPolicy) Spec {
	return Spec{
		Argv:       p.Command,
		StdinPath:  orDevNull(p.StdinPath),
		StdoutPath: orDevNull(p.StdoutPath),
		StderrPath: orDevNull(p.StderrPath),
		Dir:        p.WorkDir,
	}
}

// Status is the last known state of the child.
type Status struct {
	Running  bool
	ExitCode int    // -1 when the child died from a signal
	Signal   string // terminating signal name, empty for a normal exit
}

// Handle is the exclusive owner of one child process.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	// done is closed by the reaper after state and waitErr are set.
	done    chan struct{}
	state   *os.ProcessState
	waitErr error

	killOnce sync.Once
	killErr  error
	killed   atomic.Bool
}

// Start opens the redirections and spawns the command in its own process
// group. The returned handle is already being reaped in the background.
func Start(ctx context.Context, spec Spec) (*Handle, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, domain.NewLaunchError(spec.Argv, errors.New("empty command"))
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.NewLaunchError(spec.Argv, err)
	}

	files, err := openRedirections(spec)
	if err != nil {
		return nil, domain.NewLaunchError(spec.Argv, err)
	}
	// The child holds its own descriptors once started.
	defer files.Close()

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = files.stdin
	cmd.Stdout = files.stdout
	cmd.Stderr = files.stderr
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, domain.NewLaunchError(spec.Argv, err)
	}

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go h.reap()

	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.state = h.cmd.ProcessState
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.waitErr = err
	}
	close(h.done)
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.pid
}

// StartedAt returns the time the child was spawned.
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Poll returns the last known state without blocking.
func (h *Handle) Poll() Status {
	select {
	case <-h.done:
		return h.exitStatus()
	default:
		return Status{Running: true}
	}
}

// Alive reports whether the last poll saw the child running.
func (h *Handle) Alive() bool {
	return h.Poll().Running
}

func (h *Handle) exitStatus() Status {
	if h.state == nil {
		return Status{ExitCode: -1}
	}
	return Status{
		ExitCode: h.state.ExitCode(),
		Signal:   exitSignal(h.state),
	}
}

// Terminate kills the child and its process group and waits until it has
// been reaped. It is idempotent and safe to call concurrently; a child whose
// exit has already been observed is never signaled.
func (h *Handle) Terminate(ctx context.Context) error {
	h.killOnce.Do(h.kill)

	select {
	case <-h.done:
		return h.waitErrAsTermination()
	default:
	}

	if h.killErr != nil {
		return &domain.TerminationError{PID: h.pid, Err: h.killErr}
	}

	select {
	case <-h.done:
		return h.waitErrAsTermination()
	case <-ctx.Done():
		return &domain.TerminationError{PID: h.pid, Err: fmt.Errorf("waiting for exit: %w", ctx.Err())}
	}
}

func (h *Handle) kill() {
	select {
	case <-h.done:
		return
	default:
	}

	// The reaper may have collected the child since done was checked. The
	// pidfd-backed probe notices that where the group kill by pid would not.
	if err := h.cmd.Process.Signal(syscall.Signal(0)); errors.Is(err, os.ErrProcessDone) {
		return
	}
	h.killed.Store(true)

	// Group first so grandchildren cannot outlive the leader.
	groupErr := killGroup(h.pid)

	// os.Process.Kill goes through a pidfd where the platform has one, so it
	// cannot hit a recycled pid.
	err := h.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		if groupErr != nil {
			err = errors.Join(err, groupErr)
		}
		h.killErr = err
	}
}

// Killed reports whether Terminate signaled the child. It is false when the
// child had already exited by the time Terminate ran.
func (h *Handle) Killed() bool {
	return h.killed.Load()
}

func (h *Handle) waitErrAsTermination() error {
	if h.waitErr != nil {
		return &domain.TerminationError{PID: h.pid, Err: h.waitErr}
	}
	return nil
}

// State returns the reaped process state, or nil while the child runs.
func (h *Handle) State() *os.ProcessState {
	select {
	case <-h.done:
		return h.state
	default:
		return nil
	}
}

// CPUTimes returns user and system CPU time of the reaped child.
func (h *Handle) CPUTimes() (user, system time.Duration) {
	state := h.State()
	if state == nil {
		return 0, 0
	}
	return state.UserTime(), state.SystemTime()
}

func orDevNull(path string) string {
	if path == "" {
		return os.DevNull
	}
	return path
}
