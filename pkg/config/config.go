// Package config resolves resourcer settings from defaults, an optional YAML
// file, RESOURCER_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tartarus-sandbox/resourcer/pkg/domain"
)

const EnvPrefix = "RESOURCER"

type Config struct {
	Limits  LimitsConfig  `mapstructure:"limits"`
	IO      IOConfig      `mapstructure:"io"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Report  ReportConfig  `mapstructure:"report"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LimitsConfig struct {
	TimeSeconds float64 `mapstructure:"time"`
	MemoryKiB   int64   `mapstructure:"memory"`
}

type IOConfig struct {
	Stdin   string `mapstructure:"stdin"`
	Stdout  string `mapstructure:"stdout"`
	Stderr  string `mapstructure:"stderr"`
	WorkDir string `mapstructure:"cwd"`
}

type MonitorConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	IncludeChildren   bool          `mapstructure:"include_children"`
	MaxSampleFailures int           `mapstructure:"max_sample_failures"`
	TerminateTimeout  time.Duration `mapstructure:"terminate_timeout"`
}

type ReportConfig struct {
	Format         string `mapstructure:"format"`
	MetaFile       string `mapstructure:"meta"`
	ExpectedOutput string `mapstructure:"diff"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	Backend string `mapstructure:"backend"`
	File    string `mapstructure:"file"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// SetDefaults registers every key so that env overrides and `config view`
// see the full key set.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("limits.time", domain.DefaultTimeLimit.Seconds())
	v.SetDefault("limits.memory", domain.DefaultMemoryLimitKiB)
	v.SetDefault("io.stdin", os.DevNull)
	v.SetDefault("io.stdout", os.DevNull)
	v.SetDefault("io.stderr", os.DevNull)
	v.SetDefault("io.cwd", "")
	v.SetDefault("monitor.poll_interval", domain.DefaultPollInterval)
	v.SetDefault("monitor.include_children", false)
	v.SetDefault("monitor.max_sample_failures", 3)
	v.SetDefault("monitor.terminate_timeout", 5*time.Second)
	v.SetDefault("report.format", "json")
	v.SetDefault("report.meta", "")
	v.SetDefault("report.diff", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.backend", "slog")
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.textfile", "")
}

// NewViper prepares a viper instance with defaults, env binding and the
// config file. An explicit file must exist; the search path may be empty.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("resourcer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".resourcer"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Limits.TimeSeconds <= 0 {
		errs = append(errs, fmt.Errorf("limits.time must be positive, got %v", c.Limits.TimeSeconds))
	}
	if c.Limits.MemoryKiB <= 0 {
		errs = append(errs, fmt.Errorf("limits.memory must be positive, got %d", c.Limits.MemoryKiB))
	}
	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("monitor.poll_interval must be positive, got %s", c.Monitor.PollInterval))
	}
	if c.Monitor.MaxSampleFailures < 1 {
		errs = append(errs, fmt.Errorf("monitor.max_sample_failures must be at least 1, got %d", c.Monitor.MaxSampleFailures))
	}
	switch c.Report.Format {
	case "json", "yaml":
	default:
		errs = append(errs, fmt.Errorf("report.format must be json or yaml, got %q", c.Report.Format))
	}
	switch c.Log.Backend {
	case "slog", "zap":
	default:
		errs = append(errs, fmt.Errorf("log.backend must be slog or zap, got %q", c.Log.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Policy builds the LimitPolicy for argv from the resolved settings.
func (c *Config) Policy(argv []string) *domain.LimitPolicy {
	return &domain.LimitPolicy{
		Command:         argv,
		TimeLimit:       time.Duration(c.Limits.TimeSeconds * float64(time.Second)),
		MemoryLimitKiB:  c.Limits.MemoryKiB,
		StdinPath:       c.IO.Stdin,
		StdoutPath:      c.IO.Stdout,
		StderrPath:      c.IO.Stderr,
		WorkDir:         c.IO.WorkDir,
		PollInterval:    c.Monitor.PollInterval,
		IncludeChildren: c.Monitor.IncludeChildren,
	}
}
