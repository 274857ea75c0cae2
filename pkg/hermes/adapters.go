package hermes

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
)

type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter logs JSON lines to w at the given minimum level. A nil w
// logs to stderr so stdout stays free for the report.
func NewSlogAdapter(w io.Writer, level slog.Level) *SlogAdapter {
	if w == nil {
		w = os.Stderr
	}
	return &SlogAdapter{
		logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})),
	}
}

// NewSlogAdapterFrom wraps an existing slog logger.
func NewSlogAdapterFrom(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

func (l *SlogAdapter) Info(ctx context.Context, msg string, fields map[string]any) {
	l.logger.InfoContext(ctx, msg, fieldArgs(fields)...)
}

func (l *SlogAdapter) Error(ctx context.Context, msg string, fields map[string]any) {
	l.logger.ErrorContext(ctx, msg, fieldArgs(fields)...)
}

// fieldArgs flattens fields in key order so log lines are stable.
func fieldArgs(fields map[string]any) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}

// ParseLevel maps debug/info/warn/error onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type NopLogger struct{}

func (NopLogger) Info(ctx context.Context, msg string, fields map[string]any)  {}
func (NopLogger) Error(ctx context.Context, msg string, fields map[string]any) {}

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) IncCounter(name string, value float64, labels ...Label)       {}
func (m *NoopMetrics) ObserveHistogram(name string, value float64, labels ...Label) {}
func (m *NoopMetrics) SetGauge(name string, value float64, labels ...Label)         {}
