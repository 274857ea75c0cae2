package judges

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/tartarus-sandbox/resourcer/pkg/hermes"
)

// DiffJudge compares the captured stdout of a run with an expected output
// file. Trailing whitespace on each line and trailing blank lines are
// ignored.
type DiffJudge struct {
	expectedPath string
	logger       hermes.Logger
}

// NewDiffJudge creates a new diff judge.
func NewDiffJudge(expectedPath string, logger hermes.Logger) *DiffJudge {
	return &DiffJudge{
		expectedPath: expectedPath,
		logger:       logger,
	}
}

// PostHoc rejects the run at the first differing line.
func (j *DiffJudge) PostHoc(ctx context.Context, run *Run) (*Classification, error) {
	actualPath := ""
	if run.Policy != nil {
		actualPath = run.Policy.StdoutPath
	}
	if actualPath == "" || actualPath == os.DevNull {
		return &Classification{
			Ruling: RulingReject,
			Reason: "stdout was not captured",
		}, nil
	}

	expected, err := readLines(j.expectedPath)
	if err != nil {
		return nil, fmt.Errorf("read expected output: %w", err)
	}
	actual, err := readLines(actualPath)
	if err != nil {
		return nil, fmt.Errorf("read actual output: %w", err)
	}

	line, ok := firstDifference(expected, actual)
	if ok {
		j.logger.Info(ctx, "Output matches expected", map[string]any{
			"run_id":   run.runID(),
			"expected": j.expectedPath,
			"lines":    len(actual),
		})
		return &Classification{Ruling: RulingAccept}, nil
	}

	cl := &Classification{
		Ruling: RulingReject,
		Reason: fmt.Sprintf("line %d differs: expected %q, got %q", line+1, at(expected, line), at(actual, line)),
		Labels: map[string]string{"first_diff_line": strconv.Itoa(line + 1)},
	}
	cl.Diff, err = difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        withNewlines(expected),
		B:        withNewlines(actual),
		FromFile: j.expectedPath,
		ToFile:   actualPath,
		Context:  2,
	})
	if err != nil {
		return nil, fmt.Errorf("render diff: %w", err)
	}

	j.logger.Info(ctx, "Output differs from expected", map[string]any{
		"run_id": run.runID(),
		"line":   line + 1,
	})
	return cl, nil
}

func (r *Run) runID() string {
	if r.Verdict == nil {
		return ""
	}
	return string(r.Verdict.RunID)
}

// readLines returns the normalized lines of a file.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := bytes.Split(data, []byte("\n"))
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, string(bytes.TrimRight(l, " \t\r")))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// firstDifference reports the index of the first differing line, or ok when
// both are equal.
func firstDifference(a, b []string) (int, bool) {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i, false
		}
	}
	if len(a) != len(b) {
		return n, false
	}
	return 0, true
}

func at(lines []string, i int) string {
	if i < len(lines) {
		return lines[i]
	}
	return "<EOF>"
}

func withNewlines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l + "\n"
	}
	return out
}
