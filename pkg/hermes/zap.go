package hermes

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZapConfig selects the zap encoder and destination.
type ZapConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	File       string // empty logs to stderr
	MaxSizeMB  int
	MaxBackups int
}

// ZapAdapter implements Logger on top of zap.
type ZapAdapter struct {
	logger *zap.Logger
}

// NewZapAdapter builds a zap logger. File output is rotated by lumberjack.
func NewZapAdapter(cfg ZapConfig) (*ZapAdapter, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var sink zapcore.WriteSyncer
	if cfg.File == "" {
		sink = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		sink = zapcore.AddSync(RotatingFile(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups))
	}

	core := zapcore.NewCore(encoder, sink, level)
	return &ZapAdapter{logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// NewZapAdapterFrom wraps an existing zap logger.
func NewZapAdapterFrom(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{logger: logger}
}

func (l *ZapAdapter) Info(ctx context.Context, msg string, fields map[string]any) {
	l.logger.Info(msg, zapFields(fields)...)
}

func (l *ZapAdapter) Error(ctx context.Context, msg string, fields map[string]any) {
	l.logger.Error(msg, zapFields(fields)...)
}

// Sync flushes buffered entries.
func (l *ZapAdapter) Sync() error {
	return l.logger.Sync()
}

func zapFields(fields map[string]any) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(fields))
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

// RotatingFile returns a size-rotated log file writer.
func RotatingFile(path string, maxSizeMB, maxBackups int) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    orDefault(maxSizeMB, 100),
		MaxBackups: orDefault(maxBackups, 3),
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
