//go:build unix

package kampe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tartarus-sandbox/resourcer/pkg/domain"
)

func waitDone(t *testing.T, h *Handle) Status {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("pid %d did not exit", h.PID())
	}
	return h.Poll()
}

func TestStart_RedirectsStdout(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	h, err := Start(context.Background(), Spec{Argv: []string{"echo", "hi"}, StdoutPath: out})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := waitDone(t, h)
	if st.Running || st.ExitCode != 0 || st.Signal != "" {
		t.Errorf("status = %+v, want clean exit", st)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "hi" {
		t.Errorf("stdout = %q, want %q", data, "hi\n")
	}
}

func TestStart_StdinAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	if err := os.WriteFile(in, []byte("from-stdin\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := Start(context.Background(), Spec{
		Argv:       []string{"/bin/sh", "-c", "cat; pwd"},
		StdinPath:  in,
		StdoutPath: out,
		Dir:        dir,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, h)

	data, _ := os.ReadFile(out)
	if !strings.Contains(string(data), "from-stdin") {
		t.Errorf("stdout = %q, want stdin echoed", data)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if !strings.Contains(string(data), resolved) && !strings.Contains(string(data), dir) {
		t.Errorf("stdout = %q, want cwd %q", data, dir)
	}
}

func TestStart_SharedOutputFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "both.txt")

	h, err := Start(context.Background(), Spec{
		Argv:       []string{"/bin/sh", "-c", "echo one; echo two >&2"},
		StdoutPath: out,
		StderrPath: out,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, h)

	data, _ := os.ReadFile(out)
	if string(data) != "one\ntwo\n" {
		t.Errorf("combined output = %q, want both lines", data)
	}
}

func TestStart_ExitCode(t *testing.T) {
	h, err := Start(context.Background(), Spec{Argv: []string{"/bin/sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := waitDone(t, h); st.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", st.ExitCode)
	}
}

func TestStart_LaunchErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		spec Spec
	}{
		{"missing binary", Spec{Argv: []string{"nonexistent-binary-xyz-123"}}},
		{"empty argv", Spec{}},
		{"missing stdin", Spec{Argv: []string{"true"}, StdinPath: filepath.Join(dir, "nope")}},
		{"stdout in missing dir", Spec{Argv: []string{"true"}, StdoutPath: filepath.Join(dir, "a", "b", "out")}},
		{"missing workdir", Spec{Argv: []string{"true"}, Dir: filepath.Join(dir, "gone")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			h, err := Start(context.Background(), tt.spec)
			if err == nil {
				h.Terminate(context.Background())
				t.Fatal("expected launch error")
			}
			var launchErr *domain.LaunchError
			if !errors.As(err, &launchErr) {
				t.Fatalf("error = %T %v, want *domain.LaunchError", err, err)
			}
			if time.Since(start) > time.Second {
				t.Errorf("launch failure took %s", time.Since(start))
			}
		})
	}
}

func TestPoll_DoesNotBlock(t *testing.T) {
	h, err := Start(context.Background(), Spec{Argv: []string{"sleep", "5"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Terminate(context.Background())

	start := time.Now()
	for i := 0; i < 1000; i++ {
		if !h.Poll().Running {
			t.Fatal("sleep exited early")
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("1000 polls took %s", elapsed)
	}
	if !h.Alive() {
		t.Error("Alive() = false for a running child")
	}
}

func TestTerminate_KillsAndReaps(t *testing.T) {
	h, err := Start(context.Background(), Spec{Argv: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	st := h.Poll()
	if st.Running {
		t.Fatal("child still running after Terminate")
	}
	if st.Signal != "SIGKILL" {
		t.Errorf("Signal = %q, want SIGKILL", st.Signal)
	}
	if h.State() == nil {
		t.Error("State() = nil after reap")
	}
	if !h.Killed() {
		t.Error("Killed() = false after Terminate of a running child")
	}
}

func TestTerminate_AfterExitSendsNoSignal(t *testing.T) {
	h, err := Start(context.Background(), Spec{Argv: []string{"sh", "-c", "exit 7"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, h)

	if err := h.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if h.Killed() {
		t.Error("Killed() = true for a child that exited on its own")
	}
	if st := h.Poll(); st.ExitCode != 7 || st.Signal != "" {
		t.Errorf("status = %+v, want exit 7 without signal", st)
	}
}

func TestTerminate_Idempotent(t *testing.T) {
	h, err := Start(context.Background(), Spec{Argv: []string{"true"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := waitDone(t, h)

	for i := 0; i < 2; i++ {
		if err := h.Terminate(context.Background()); err != nil {
			t.Fatalf("Terminate #%d: %v", i+1, err)
		}
	}
	if after := h.Poll(); after != before {
		t.Errorf("status changed from %+v to %+v", before, after)
	}
}

func TestTerminate_Concurrent(t *testing.T) {
	h, err := Start(context.Background(), Spec{Argv: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.Terminate(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Terminate: %v", err)
		}
	}
	if h.Alive() {
		t.Error("child alive after concurrent Terminate")
	}
}

func TestSpecFromPolicy_DefaultsToDevNull(t *testing.T) {
	p := &domain.LimitPolicy{Command: []string{"true"}}
	spec := SpecFromPolicy(p)

	if spec.StdinPath != os.DevNull || spec.StdoutPath != os.DevNull || spec.StderrPath != os.DevNull {
		t.Errorf("spec = %+v, want null device for every stream", spec)
	}
	if samePath(spec.StdoutPath, spec.StderrPath) {
		t.Error("null device must not be treated as a shared file")
	}
}
