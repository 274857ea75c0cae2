package domain

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestNewLimitPolicy_Defaults(t *testing.T) {
	p := NewLimitPolicy("echo", "hi")

	if p.TimeLimit != time.Second {
		t.Errorf("TimeLimit = %s, want 1s", p.TimeLimit)
	}
	if p.MemoryLimitKiB != 262144 {
		t.Errorf("MemoryLimitKiB = %d, want 262144", p.MemoryLimitKiB)
	}
	for name, path := range map[string]string{"stdin": p.StdinPath, "stdout": p.StdoutPath, "stderr": p.StderrPath} {
		if path != os.DevNull {
			t.Errorf("%s = %q, want %q", name, path, os.DevNull)
		}
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy should validate: %v", err)
	}
}

func TestLimitPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *LimitPolicy)
	}{
		{"empty command", func(p *LimitPolicy) { p.Command = nil }},
		{"blank executable", func(p *LimitPolicy) { p.Command = []string{""} }},
		{"zero time", func(p *LimitPolicy) { p.TimeLimit = 0 }},
		{"negative memory", func(p *LimitPolicy) { p.MemoryLimitKiB = -1 }},
		{"zero poll interval", func(p *LimitPolicy) { p.PollInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewLimitPolicy("true")
			tt.mutate(p)
			err := p.Validate()
			if !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("Validate() = %v, want ErrInvalidPolicy", err)
			}
		})
	}

	var nilPolicy *LimitPolicy
	if err := nilPolicy.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("nil policy: got %v", err)
	}
}

func TestVerdict_FlagsFollowOutcome(t *testing.T) {
	tests := []struct {
		outcome Outcome
		tle     bool
		mle     bool
	}{
		{OutcomeFinished, false, false},
		{OutcomeTimeLimitExceeded, true, false},
		{OutcomeMemoryLimitExceeded, false, true},
		{OutcomeLaunchFailed, false, false},
		{OutcomeSamplingFailed, false, false},
		{OutcomeCanceled, false, false},
	}

	for _, tt := range tests {
		v := &Verdict{Outcome: tt.outcome}
		if v.TimeLimitExceeded() != tt.tle || v.MemoryLimitExceeded() != tt.mle {
			t.Errorf("%s: got tle=%v mle=%v, want tle=%v mle=%v",
				tt.outcome, v.TimeLimitExceeded(), v.MemoryLimitExceeded(), tt.tle, tt.mle)
		}
		if tt.outcome.Breach() != (tt.tle || tt.mle) {
			t.Errorf("%s: Breach() = %v", tt.outcome, tt.outcome.Breach())
		}
	}
}

func TestParseCommand(t *testing.T) {
	argv, err := ParseCommand(`python3 -c 'print("a b")' --flag`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"python3", "-c", `print("a b")`, "--flag"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %q, want %q", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}

	if _, err := ParseCommand("   "); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("blank command: got %v, want ErrInvalidPolicy", err)
	}
}

func TestSampleError_Is(t *testing.T) {
	err := error(&SampleError{PID: 42, Kind: ErrNoSuchProcess, Err: os.ErrNotExist})

	if !errors.Is(err, ErrNoSuchProcess) {
		t.Error("expected errors.Is(err, ErrNoSuchProcess)")
	}
	if errors.Is(err, ErrPermissionDenied) {
		t.Error("did not expect ErrPermissionDenied")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("expected the cause to unwrap")
	}

	var launch *LaunchError
	if errors.As(NewLaunchError([]string{"x"}, os.ErrNotExist), &launch) && launch.Command[0] != "x" {
		t.Errorf("LaunchError.Command = %q", launch.Command)
	}
}
