// Package cocytus turns verdicts into reports and delivers them.
package cocytus

import (
	"context"

	"github.com/tartarus-sandbox/resourcer/pkg/domain"
)

// Record is the report shape. TimeLimit and MemoryLimit are the breach
// flags; the budgets themselves are in TimeLimitSeconds and MemoryLimitKiB.
type Record struct {
	Time        float64 `json:"time" yaml:"time"`
	Memory      int64   `json:"memory" yaml:"memory"`
	TimeLimit   bool    `json:"timeLimit" yaml:"timeLimit"`
	MemoryLimit bool    `json:"memoryLimit" yaml:"memoryLimit"`

	TimeLimitSeconds float64        `json:"timeLimitSeconds" yaml:"timeLimitSeconds"`
	MemoryLimitKiB   int64          `json:"memoryLimitKiB" yaml:"memoryLimitKiB"`
	ExitCode         *int           `json:"exitCode" yaml:"exitCode"`
	Signal           string         `json:"signal,omitempty" yaml:"signal,omitempty"`
	Outcome          domain.Outcome `json:"outcome" yaml:"outcome"`
	RunID            domain.RunID   `json:"runId,omitempty" yaml:"runId,omitempty"`
	Error            string         `json:"error,omitempty" yaml:"error,omitempty"`
	Output           string         `json:"output,omitempty" yaml:"output,omitempty"`
	OutputReason     string         `json:"outputReason,omitempty" yaml:"outputReason,omitempty"`
}

// NewRecord builds the report for verdict under policy. Either may be nil
// when the run never got that far.
func NewRecord(policy *domain.LimitPolicy, verdict *domain.Verdict) *Record {
	rec := &Record{}
	if policy != nil {
		rec.TimeLimitSeconds = policy.TimeLimit.Seconds()
		rec.MemoryLimitKiB = policy.MemoryLimitKiB
	}
	if verdict != nil {
		rec.Time = verdict.ElapsedSeconds()
		rec.Memory = verdict.PeakMemoryKiB
		rec.TimeLimit = verdict.TimeLimitExceeded()
		rec.MemoryLimit = verdict.MemoryLimitExceeded()
		rec.ExitCode = verdict.ExitCode
		rec.Signal = verdict.Signal
		rec.Outcome = verdict.Outcome
		rec.RunID = verdict.RunID
		rec.Error = verdict.Error
	}
	return rec
}

// Sink is the interface for Cocytus.

type Sink interface {
	Write(ctx context.Context, rec *Record) error
}
