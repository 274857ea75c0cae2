package erinyes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tartarus-sandbox/resourcer/pkg/domain"
	"github.com/tartarus-sandbox/resourcer/pkg/hermes"
	"github.com/tartarus-sandbox/resourcer/pkg/kampe"
)

type fakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	exited bool
	code   int
	signal string

	terminations atomic.Int32
	termErr      error
	killed       atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Poll() kampe.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		return kampe.Status{Running: true}
	}
	return kampe.Status{ExitCode: p.code, Signal: p.signal}
}

func (p *fakeProcess) exit(code int, signal string) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exited = true
		p.code = code
		p.signal = signal
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Terminate(ctx context.Context) error {
	p.terminations.Add(1)
	if p.termErr != nil {
		return p.termErr
	}
	p.mu.Lock()
	running := !p.exited
	p.mu.Unlock()
	if running {
		p.killed.Store(true)
	}
	p.exit(-1, "SIGKILL")
	return nil
}

func (p *fakeProcess) Killed() bool { return p.killed.Load() }

type fakeLauncher struct {
	proc     Process
	err      error
	launched *domain.LimitPolicy
}

func (l *fakeLauncher) Launch(ctx context.Context, policy *domain.LimitPolicy) (Process, error) {
	l.launched = policy
	if l.err != nil {
		return nil, l.err
	}
	return l.proc, nil
}

// blockingLauncher holds Launch open until release is closed.
type blockingLauncher struct {
	proc     Process
	entered  chan struct{}
	release  chan struct{}
	launched atomic.Int32
}

func newBlockingLauncher(proc Process) *blockingLauncher {
	return &blockingLauncher{proc: proc, entered: make(chan struct{}), release: make(chan struct{})}
}

func (l *blockingLauncher) Launch(ctx context.Context, policy *domain.LimitPolicy) (Process, error) {
	if l.launched.Add(1) == 1 {
		close(l.entered)
	}
	<-l.release
	return l.proc, nil
}

type recordingMetrics struct {
	mu     sync.Mutex
	values map[string]float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{values: make(map[string]float64)}
}

func metricKey(name string, labels []hermes.Label) string {
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%s", l.Key, l.Value))
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func (r *recordingMetrics) IncCounter(name string, value float64, labels ...hermes.Label) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[metricKey(name, labels)] += value
}

func (r *recordingMetrics) ObserveHistogram(name string, value float64, labels ...hermes.Label) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[metricKey(name, labels)+"_count"]++
}

func (r *recordingMetrics) SetGauge(name string, value float64, labels ...hermes.Label) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[metricKey(name, labels)] = value
}

func (r *recordingMetrics) get(name string, labels ...hermes.Label) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[metricKey(name, labels)]
}
