package cocytus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// MetaSink writes the report to a meta file when the file's directory
// exists, and to the fallback writer otherwise.
type MetaSink struct {
	path      string
	fallback  io.Writer
	formatter Formatter
}

// NewMetaSink creates a new MetaSink. An empty path always uses fallback.
func NewMetaSink(path string, fallback io.Writer, formatter Formatter) *MetaSink {
	return &MetaSink{
		path:      path,
		fallback:  fallback,
		formatter: formatter,
	}
}

func (s *MetaSink) Write(ctx context.Context, rec *Record) error {
	data, err := s.formatter.Format(rec)
	if err != nil {
		return err
	}

	if s.path != "" && dirExists(filepath.Dir(s.path)) {
		if err := os.WriteFile(s.path, data, 0o644); err != nil {
			return fmt.Errorf("write meta file: %w", err)
		}
		return nil
	}

	if _, err := s.fallback.Write(data); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// LogSink logs every report through slog.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a new LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{
		logger: logger,
	}
}

// Write logs runs that ended in a breach or an error at ERROR level and
// everything else at INFO.
func (s *LogSink) Write(ctx context.Context, rec *Record) error {
	level := slog.LevelInfo
	if rec.Outcome.Breach() || rec.Error != "" {
		level = slog.LevelError
	}
	attrs := []any{
		"run_id", rec.RunID,
		"outcome", rec.Outcome,
		"time", rec.Time,
		"memory", rec.Memory,
		"time_limit_exceeded", rec.TimeLimit,
		"memory_limit_exceeded", rec.MemoryLimit,
	}
	if rec.ExitCode != nil {
		attrs = append(attrs, "exit_code", *rec.ExitCode)
	}
	if rec.Output != "" {
		attrs = append(attrs, "output", rec.Output)
	}
	s.logger.Log(ctx, level, "Run report", attrs...)
	return nil
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
