// Package sampler reads live resident memory of a process straight from the
// OS accounting interfaces (procfs on Linux, sysctl on BSD and darwin). It
// never spawns helper processes.
package sampler

import (
	"context"
	"errors"
	"io/fs"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/tartarus-sandbox/resourcer/pkg/domain"
)

// Target identifies one process incarnation. CreateTime is the kernel start
// time in milliseconds; zero disables the pid reuse check.
type Target struct {
	PID        int
	CreateTime int64
}

// Sampler returns the current RSS of a process in KiB.
type Sampler interface {
	Identify(ctx context.Context, pid int) (Target, error)
	SampleRSS(ctx context.Context, target Target) (int64, error)
}

// ProcSampler is the gopsutil backed Sampler.
type ProcSampler struct {
	// IncludeChildren adds the RSS of every descendant. Shared pages are
	// counted once per process, so the sum overestimates.
	IncludeChildren bool
}

// NewProcSampler creates a new ProcSampler.
func NewProcSampler(includeChildren bool) *ProcSampler {
	return &ProcSampler{IncludeChildren: includeChildren}
}

// Identify records pid together with its start time token.
func (s *ProcSampler) Identify(ctx context.Context, pid int) (Target, error) {
	target := Target{PID: pid}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return target, classify(pid, err)
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return target, classify(pid, err)
	}
	target.CreateTime = created
	return target, nil
}

// SampleRSS returns the resident set size of target in KiB.
func (s *ProcSampler) SampleRSS(ctx context.Context, target Target) (int64, error) {
	p, err := s.open(ctx, target)
	if err != nil {
		return 0, err
	}

	rss, err := rssKiB(ctx, p)
	if err != nil {
		return 0, classify(target.PID, err)
	}
	if !s.IncludeChildren {
		return rss, nil
	}

	kids, err := descendants(ctx, target.PID)
	if err != nil {
		return 0, classify(target.PID, err)
	}
	for _, kid := range kids {
		kidRSS, err := rssKiB(ctx, kid)
		if err != nil {
			// Descendants come and go while we walk.
			continue
		}
		rss += kidRSS
	}
	return rss, nil
}

// open returns the gopsutil handle for target after checking that the pid
// still belongs to the same incarnation.
func (s *ProcSampler) open(ctx context.Context, target Target) (*process.Process, error) {
	p, err := process.NewProcessWithContext(ctx, int32(target.PID))
	if err != nil {
		return nil, classify(target.PID, err)
	}
	if target.CreateTime == 0 {
		return p, nil
	}

	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return nil, classify(target.PID, err)
	}
	if created != target.CreateTime {
		return nil, &domain.SampleError{PID: target.PID, Kind: domain.ErrNoSuchProcess, Err: errPIDReused}
	}
	return p, nil
}

var errPIDReused = errors.New("pid reused by another process")

func rssKiB(ctx context.Context, p *process.Process) (int64, error) {
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return int64(mem.RSS / 1024), nil
}

// descendants walks the parent links of every process on the host. It uses
// Ppid rather than Children because the latter shells out to pgrep on some
// platforms.
func descendants(ctx context.Context, root int) ([]*process.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	byParent := make(map[int32][]*process.Process, len(procs))
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		byParent[ppid] = append(byParent[ppid], p)
	}

	var out []*process.Process
	queue := []int32{int32(root)}
	seen := map[int32]bool{int32(root): true}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, kid := range byParent[pid] {
			if seen[kid.Pid] {
				continue
			}
			seen[kid.Pid] = true
			out = append(out, kid)
			queue = append(queue, kid.Pid)
		}
	}
	return out, nil
}

// classify maps OS and gopsutil errors onto the sampler error kinds.
func classify(pid int, err error) error {
	var sampleErr *domain.SampleError
	if errors.As(err, &sampleErr) {
		return err
	}

	switch {
	case errors.Is(err, process.ErrorProcessNotRunning),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, syscall.ESRCH):
		return &domain.SampleError{PID: pid, Kind: domain.ErrNoSuchProcess, Err: err}
	case errors.Is(err, fs.ErrPermission),
		errors.Is(err, syscall.EPERM):
		return &domain.SampleError{PID: pid, Kind: domain.ErrPermissionDenied, Err: err}
	default:
		return &domain.SampleError{PID: pid, Err: err}
	}
}

// Func adapts a plain function into a Sampler that performs no identity
// check.
type Func func(ctx context.Context, pid int) (int64, error)

func (f Func) Identify(ctx context.Context, pid int) (Target, error) {
	return Target{PID: pid}, nil
}

func (f Func) SampleRSS(ctx context.Context, target Target) (int64, error) {
	return f(ctx, target.PID)
}
