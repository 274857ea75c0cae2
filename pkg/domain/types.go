package domain

import (
	"fmt"
	"os"
	"time"
)

// IDs

type RunID string

// Defaults applied when a caller leaves a policy field unset.

const (
	DefaultTimeLimit      = 1 * time.Second
	DefaultMemoryLimitKiB = 262144 // 256 MiB
	DefaultPollInterval   = 10 * time.Millisecond
)

// Outcomes

type Outcome string

const (
	OutcomeFinished            Outcome = "finished"
	OutcomeTimeLimitExceeded   Outcome = "time_limit_exceeded"
	OutcomeMemoryLimitExceeded Outcome = "memory_limit_exceeded"
	OutcomeLaunchFailed        Outcome = "launch_failed"
	OutcomeSamplingFailed      Outcome = "sampling_failed"
	OutcomeCanceled            Outcome = "canceled"
)

// Breach reports whether the outcome is one of the two limit breaches.
func (o Outcome) Breach() bool {
	return o == OutcomeTimeLimitExceeded || o == OutcomeMemoryLimitExceeded
}

// LimitPolicy is the immutable input of one monitored run.

type LimitPolicy struct {
	Command        []string      `json:"command" yaml:"command"`
	TimeLimit      time.Duration `json:"time_limit" yaml:"time_limit"`
	MemoryLimitKiB int64         `json:"memory_limit_kib" yaml:"memory_limit_kib"`
	StdinPath      string        `json:"stdin_path" yaml:"stdin_path"`
	StdoutPath     string        `json:"stdout_path" yaml:"stdout_path"`
	StderrPath     string        `json:"stderr_path" yaml:"stderr_path"`
	WorkDir        string        `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// PollInterval is the sampling cadence. A breach is detected at most
	// PollInterval plus one poll/sample round after it happens.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// IncludeChildren sums RSS over the whole process tree instead of the
	// direct child only.
	IncludeChildren bool `json:"include_children,omitempty" yaml:"include_children,omitempty"`
}

// NewLimitPolicy returns a policy for argv with every other field defaulted.
func NewLimitPolicy(argv ...string) *LimitPolicy {
	return &LimitPolicy{
		Command:        argv,
		TimeLimit:      DefaultTimeLimit,
		MemoryLimitKiB: DefaultMemoryLimitKiB,
		StdinPath:      os.DevNull,
		StdoutPath:     os.DevNull,
		StderrPath:     os.DevNull,
		PollInterval:   DefaultPollInterval,
	}
}

// Validate checks the invariants the monitor relies on.
func (p *LimitPolicy) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	if len(p.Command) == 0 || p.Command[0] == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidPolicy)
	}
	if p.TimeLimit <= 0 {
		return fmt.Errorf("%w: time limit must be positive, got %s", ErrInvalidPolicy, p.TimeLimit)
	}
	if p.MemoryLimitKiB <= 0 {
		return fmt.Errorf("%w: memory limit must be positive, got %d KiB", ErrInvalidPolicy, p.MemoryLimitKiB)
	}
	if p.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", ErrInvalidPolicy, p.PollInterval)
	}
	return nil
}

// Sample is one point-in-time observation taken by the monitor loop.

type Sample struct {
	Timestamp time.Time
	Elapsed   time.Duration
	RSSKiB    int64
}

// Verdict is the terminal record of a run. It is produced exactly once.

type Verdict struct {
	RunID            RunID         `json:"run_id"`
	Outcome          Outcome       `json:"outcome"`
	Elapsed          time.Duration `json:"elapsed"`
	PeakMemoryKiB    int64         `json:"peak_memory_kib"`
	ExitCode         *int          `json:"exit_code,omitempty"`
	Signal           string        `json:"signal,omitempty"`
	UserCPUSeconds   float64       `json:"user_cpu_seconds,omitempty"`
	SystemCPUSeconds float64       `json:"system_cpu_seconds,omitempty"`
	Samples          int           `json:"samples"`
	Error            string        `json:"error,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
}

func (v *Verdict) TimeLimitExceeded() bool {
	return v.Outcome == OutcomeTimeLimitExceeded
}

func (v *Verdict) MemoryLimitExceeded() bool {
	return v.Outcome == OutcomeMemoryLimitExceeded
}

// ElapsedSeconds is the final wall time as fractional seconds.
func (v *Verdict) ElapsedSeconds() float64 {
	return v.Elapsed.Seconds()
}
