// Package judges classifies a completed run beyond its resource verdict.
package judges

import (
	"context"
	"strings"

	"github.com/tartarus-sandbox/resourcer/pkg/domain"
)

type Ruling int

const (
	RulingAccept Ruling = iota
	RulingReject
)

func (r Ruling) String() string {
	if r == RulingReject {
		return "rejected"
	}
	return "accepted"
}

type Classification struct {
	Ruling Ruling            `json:"ruling"`
	Reason string            `json:"reason,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
	// Diff is a unified diff of expected against actual, when one applies.
	Diff string `json:"-"`
}

// Run is what a judge gets to look at.
type Run struct {
	Policy  *domain.LimitPolicy
	Verdict *domain.Verdict
}

// PostJudge runs after completion.

type PostJudge interface {
	PostHoc(ctx context.Context, run *Run) (*Classification, error)
}

// Chain composes multiple judges.

type Chain struct {
	Post []PostJudge
}

// RunPost returns nil when the run did not finish on its own or no judge is
// configured. Any rejecting judge rejects the run.
func (c *Chain) RunPost(ctx context.Context, run *Run) (*Classification, error) {
	if len(c.Post) == 0 || run.Verdict == nil || run.Verdict.Outcome != domain.OutcomeFinished {
		return nil, nil
	}

	out := &Classification{Ruling: RulingAccept, Labels: map[string]string{}}
	var reasons []string
	for _, j := range c.Post {
		cl, err := j.PostHoc(ctx, run)
		if err != nil {
			return nil, err
		}
		if cl == nil {
			continue
		}
		if cl.Ruling == RulingReject {
			out.Ruling = RulingReject
		}
		if cl.Reason != "" {
			reasons = append(reasons, cl.Reason)
		}
		if cl.Diff != "" {
			out.Diff += cl.Diff
		}
		for k, v := range cl.Labels {
			out.Labels[k] = v
		}
	}
	out.Reason = strings.Join(reasons, "; ")
	return out, nil
}
