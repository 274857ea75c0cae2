package erinyes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tartarus-sandbox/resourcer/pkg/domain"
	"github.com/tartarus-sandbox/resourcer/pkg/hermes"
	"github.com/tartarus-sandbox/resourcer/pkg/kampe"
	"github.com/tartarus-sandbox/resourcer/pkg/sampler"
)

const (
	DefaultMaxSampleFailures = 3
	DefaultTerminateTimeout  = 5 * time.Second
)

// ErrBusy is returned when Run is called while another run is active.
var ErrBusy = errors.New("monitor is already supervising a run")

// Process is the monitor's view of a launched child.
type Process interface {
	PID() int
	Poll() kampe.Status
	Done() <-chan struct{}
	Terminate(ctx context.Context) error
}

// Launcher starts the child described by a policy.
type Launcher interface {
	Launch(ctx context.Context, policy *domain.LimitPolicy) (Process, error)
}

// LocalLauncher starts children on this host through kampe.
type LocalLauncher struct{}

func (LocalLauncher) Launch(ctx context.Context, policy *domain.LimitPolicy) (Process, error) {
	h, err := kampe.Start(ctx, kampe.SpecFromPolicy(policy))
	if err != nil {
		return nil, err
	}
	return h, nil
}

// cpuTimer is implemented by processes that expose rusage after exit.
type cpuTimer interface {
	CPUTimes() (user, system time.Duration)
}

// killReporter is implemented by processes that know whether Terminate
// signaled them or found them already exited.
type killReporter interface {
	Killed() bool
}

// Monitor launches one child per Run and enforces the policy's wall time and
// memory budgets by polling. A Monitor supervises one run at a time.
type Monitor struct {
	Launcher          Launcher
	Sampler           sampler.Sampler
	Logger            hermes.Logger
	Metrics           hermes.Metrics
	MaxSampleFailures int
	TerminateTimeout  time.Duration

	// Observe, if set, receives every valid sample in order.
	Observe func(domain.Sample)

	mu     sync.Mutex
	active *activeRun
}

type activeRun struct {
	proc    Process
	stopped atomic.Bool
}

// NewMonitor creates a new Monitor.
func NewMonitor(launcher Launcher, s sampler.Sampler, logger hermes.Logger, metrics hermes.Metrics) *Monitor {
	return &Monitor{
		Launcher:          launcher,
		Sampler:           s,
		Logger:            logger,
		Metrics:           metrics,
		MaxSampleFailures: DefaultMaxSampleFailures,
		TerminateTimeout:  DefaultTerminateTimeout,
	}
}

// Run launches the policy's command and supervises it until it exits, a
// budget is breached, sampling becomes impossible or ctx is canceled. The
// returned Verdict is never nil. The child is not running when Run returns.
//
// Each iteration polls for exit, then checks wall time, then memory, so a
// run that breaches both in the same iteration is reported as a time limit
// breach.
func (m *Monitor) Run(ctx context.Context, policy *domain.LimitPolicy) (*domain.Verdict, error) {
	verdict := &domain.Verdict{
		RunID:     domain.RunID(uuid.NewString()),
		StartedAt: time.Now(),
	}

	if err := policy.Validate(); err != nil {
		var argv []string
		if policy != nil {
			argv = policy.Command
		}
		return m.notStarted(ctx, verdict, domain.OutcomeLaunchFailed, domain.NewLaunchError(argv, err))
	}
	if err := ctx.Err(); err != nil {
		return m.notStarted(ctx, verdict, domain.OutcomeCanceled, err)
	}

	run := &activeRun{}
	if !m.claim(run) {
		verdict.Outcome = domain.OutcomeLaunchFailed
		verdict.Error = ErrBusy.Error()
		verdict.FinishedAt = time.Now()
		return verdict, ErrBusy
	}
	defer m.release()

	proc, err := m.Launcher.Launch(ctx, policy)
	if err != nil {
		if ctx.Err() != nil {
			return m.notStarted(ctx, verdict, domain.OutcomeCanceled, errors.Join(ctx.Err(), err))
		}
		var launchErr *domain.LaunchError
		if !errors.As(err, &launchErr) {
			err = domain.NewLaunchError(policy.Command, err)
		}
		return m.notStarted(ctx, verdict, domain.OutcomeLaunchFailed, err)
	}
	start := time.Now()
	verdict.StartedAt = start
	m.setProc(run, proc)

	// Whatever happens below, the child does not outlive Run.
	defer func() {
		if proc.Poll().Running {
			m.terminate(proc)
		}
	}()

	fields := map[string]any{
		"run_id":  verdict.RunID,
		"pid":     proc.PID(),
		"command": policy.Command,
	}
	m.Logger.Info(ctx, "Run started", withFields(fields, map[string]any{
		"time_limit":       policy.TimeLimit.String(),
		"memory_limit_kib": policy.MemoryLimitKiB,
		"poll_interval":    policy.PollInterval.String(),
	}))

	target, err := m.Sampler.Identify(ctx, proc.PID())
	if err != nil && !errors.Is(err, domain.ErrNoSuchProcess) {
		m.Logger.Error(ctx, "Failed to identify process, pid reuse check disabled", withFields(fields, map[string]any{
			"error": err.Error(),
		}))
	}
	target.PID = proc.PID()

	var (
		outcome  domain.Outcome
		status   kampe.Status
		elapsed  time.Duration
		peak     int64
		samples  int
		failures int
		runErr   error
	)
	sampleLog := &rate.Sometimes{Interval: time.Second}
	timer := time.NewTimer(policy.PollInterval)
	defer timer.Stop()

loop:
	for {
		status = proc.Poll()
		elapsed = time.Since(start)
		if !status.Running {
			outcome = domain.OutcomeFinished
			if run.stopped.Load() && killedByTerminate(proc) {
				outcome = domain.OutcomeCanceled
			}
			break
		}
		if run.stopped.Load() {
			// Terminate raced the launch, or its kill has not landed yet.
			outcome = domain.OutcomeCanceled
			runErr = m.kill(ctx, proc, "canceled", withFields(fields, map[string]any{"elapsed": elapsed.String()}))
			break
		}

		if elapsed >= policy.TimeLimit {
			outcome = domain.OutcomeTimeLimitExceeded
			runErr = m.kill(ctx, proc, "runtime_exceeded", withFields(fields, map[string]any{
				"elapsed":    elapsed.String(),
				"time_limit": policy.TimeLimit.String(),
			}))
			break
		}

		rss, err := m.Sampler.SampleRSS(ctx, target)
		switch {
		case err == nil:
			failures = 0
			samples++
			if m.Observe != nil {
				m.Observe(domain.Sample{Timestamp: time.Now(), Elapsed: elapsed, RSSKiB: rss})
			}
		case errors.Is(err, domain.ErrNoSuchProcess):
			// Exited between poll and sample; the next poll sees it.
			rss = 0
			m.Metrics.IncCounter(hermes.MetricSampleErrorsTotal, 1, hermes.Label{Key: "kind", Value: "no_such_process"})
		case errors.Is(err, domain.ErrPermissionDenied):
			m.Metrics.IncCounter(hermes.MetricSampleErrorsTotal, 1, hermes.Label{Key: "kind", Value: "permission_denied"})
			outcome = domain.OutcomeSamplingFailed
			runErr = err
			if killErr := m.kill(ctx, proc, "sampling_failed", withFields(fields, map[string]any{"error": err.Error()})); killErr != nil {
				runErr = errors.Join(err, killErr)
			}
			break loop
		default:
			rss = 0
			failures++
			m.Metrics.IncCounter(hermes.MetricSampleErrorsTotal, 1, hermes.Label{Key: "kind", Value: "other"})
			sampleLog.Do(func() {
				m.Logger.Error(ctx, "Failed to sample memory", withFields(fields, map[string]any{
					"error":    err.Error(),
					"failures": failures,
				}))
			})
			if failures >= m.maxSampleFailures() {
				outcome = domain.OutcomeSamplingFailed
				runErr = err
				if killErr := m.kill(ctx, proc, "sampling_failed", withFields(fields, map[string]any{"error": err.Error()})); killErr != nil {
					runErr = errors.Join(err, killErr)
				}
				break loop
			}
		}

		if rss > policy.MemoryLimitKiB {
			outcome = domain.OutcomeMemoryLimitExceeded
			runErr = m.kill(ctx, proc, "memory_exceeded", withFields(fields, map[string]any{
				"elapsed":          elapsed.String(),
				"rss_kib":          rss,
				"memory_limit_kib": policy.MemoryLimitKiB,
			}))
			break
		} else if rss > peak {
			peak = rss
		}

		timer.Reset(policy.PollInterval)
		select {
		case <-ctx.Done():
			elapsed = time.Since(start)
			outcome = domain.OutcomeCanceled
			runErr = ctx.Err()
			if killErr := m.kill(ctx, proc, "canceled", withFields(fields, map[string]any{"elapsed": elapsed.String()})); killErr != nil {
				runErr = errors.Join(runErr, killErr)
			}
			break loop
		case <-proc.Done():
		case <-timer.C:
		}
	}

	verdict.Outcome = outcome
	verdict.Elapsed = elapsed
	verdict.PeakMemoryKiB = peak
	verdict.Samples = samples
	if outcome == domain.OutcomeFinished {
		code := status.ExitCode
		verdict.ExitCode = &code
		verdict.Signal = status.Signal
	}
	if ct, ok := proc.(cpuTimer); ok {
		user, system := ct.CPUTimes()
		verdict.UserCPUSeconds = user.Seconds()
		verdict.SystemCPUSeconds = system.Seconds()
	}
	if runErr != nil {
		verdict.Error = runErr.Error()
	}
	verdict.FinishedAt = time.Now()

	m.record(ctx, verdict, fields)
	return verdict, runErr
}

// Terminate kills the child of the active run from outside the loop. The
// run then ends with OutcomeCanceled unless the child had already exited on
// its own. A call made while the child is still launching is honored as soon
// as the launch returns. It is a no-op when nothing runs.
func (m *Monitor) Terminate(ctx context.Context) error {
	m.mu.Lock()
	run := m.active
	m.mu.Unlock()
	if run == nil {
		return nil
	}

	// Stored before proc is read so Run sees it once setProc has happened.
	run.stopped.Store(true)

	m.mu.Lock()
	proc := run.proc
	m.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Terminate(ctx)
}

func killedByTerminate(proc Process) bool {
	kr, ok := proc.(killReporter)
	return !ok || kr.Killed()
}

func (m *Monitor) claim(run *activeRun) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return false
	}
	m.active = run
	return true
}

func (m *Monitor) setProc(run *activeRun, proc Process) {
	m.mu.Lock()
	run.proc = proc
	m.mu.Unlock()
}

func (m *Monitor) release() {
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
}

// kill logs the breach, counts it and terminates the child. A termination
// failure is returned but does not change the outcome.
func (m *Monitor) kill(ctx context.Context, proc Process, reason string, fields map[string]any) error {
	fields["reason"] = reason
	m.Logger.Error(ctx, "Killing process for limit breach", fields)

	m.Metrics.IncCounter(hermes.MetricKillTotal, 1, hermes.Label{
		Key:   "reason",
		Value: reason,
	})

	if err := m.terminate(proc); err != nil {
		m.Logger.Error(ctx, "Failed to kill process", map[string]any{
			"pid":   proc.PID(),
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// terminate is detached from the run context so a canceled run still waits
// for the reap.
func (m *Monitor) terminate(proc Process) error {
	timeout := m.TerminateTimeout
	if timeout <= 0 {
		timeout = DefaultTerminateTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return proc.Terminate(ctx)
}

// notStarted finishes a verdict for a run whose child never ran.
func (m *Monitor) notStarted(ctx context.Context, verdict *domain.Verdict, outcome domain.Outcome, err error) (*domain.Verdict, error) {
	verdict.Outcome = outcome
	verdict.Error = err.Error()
	verdict.FinishedAt = time.Now()

	msg := "Failed to launch"
	if outcome == domain.OutcomeCanceled {
		msg = "Run canceled before launch"
	}
	m.Logger.Error(ctx, msg, map[string]any{
		"run_id": verdict.RunID,
		"error":  err.Error(),
	})
	m.Metrics.IncCounter(hermes.MetricRunsTotal, 1, hermes.Label{Key: "outcome", Value: string(verdict.Outcome)})
	return verdict, err
}

func (m *Monitor) record(ctx context.Context, v *domain.Verdict, fields map[string]any) {
	outcome := hermes.Label{Key: "outcome", Value: string(v.Outcome)}
	m.Metrics.IncCounter(hermes.MetricRunsTotal, 1, outcome)
	m.Metrics.ObserveHistogram(hermes.MetricElapsedSeconds, v.ElapsedSeconds(), outcome)
	m.Metrics.SetGauge(hermes.MetricPeakMemoryKiB, float64(v.PeakMemoryKiB))

	out := withFields(fields, map[string]any{
		"outcome":         v.Outcome,
		"elapsed":         v.Elapsed.String(),
		"peak_memory_kib": v.PeakMemoryKiB,
		"samples":         v.Samples,
	})
	if v.ExitCode != nil {
		out["exit_code"] = *v.ExitCode
	}
	m.Logger.Info(ctx, "Run finished", out)
}

func (m *Monitor) maxSampleFailures() int {
	if m.MaxSampleFailures < 1 {
		return DefaultMaxSampleFailures
	}
	return m.MaxSampleFailures
}

// withFields returns a copy of base with extra merged in.
func withFields(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
