package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tartarus-sandbox/resourcer/pkg/config"
	"github.com/tartarus-sandbox/resourcer/pkg/hermes"
)

var (
	cfgFile  string
	settings *viper.Viper
)

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"time":                "limits.time",
	"mem":                 "limits.memory",
	"in":                  "io.stdin",
	"out":                 "io.stdout",
	"err":                 "io.stderr",
	"cwd":                 "io.cwd",
	"poll":                "monitor.poll_interval",
	"include-children":    "monitor.include_children",
	"max-sample-failures": "monitor.max_sample_failures",
	"meta":                "report.meta",
	"diff":                "report.diff",
	"format":              "report.format",
	"metrics-textfile":    "metrics.textfile",
	"log-level":           "log.level",
	"log-format":          "log.format",
	"log-backend":         "log.backend",
	"log-file":            "log.file",
}

var rootCmd = &cobra.Command{
	Use:   "resourcer",
	Short: "Run a command under wall time and memory limits",
	Long: `Resourcer launches a command with redirected streams, watches its wall
time and resident memory, kills it as soon as a budget is exceeded and reports
what happened as JSON or YAML.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.NewViper(cfgFile)
		if err != nil {
			return err
		}
		if err := bindFlags(v, cmd.Flags()); err != nil {
			return err
		}
		settings = v
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./resourcer.yaml or ~/.resourcer/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format: json, or text/console")
	rootCmd.PersistentFlags().String("log-backend", "slog", "Logger: slog or zap")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to a rotated file instead of stderr")
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// newLogger builds the configured logger. The slog logger is returned as
// well when that backend is selected so reports can be logged through it.
func newLogger(c config.LogConfig, stderr io.Writer) (hermes.Logger, *slog.Logger, func(), error) {
	if c.Backend == "zap" {
		z, err := hermes.NewZapAdapter(hermes.ZapConfig{Level: c.Level, Format: c.Format, File: c.File})
		if err != nil {
			return nil, nil, nil, err
		}
		return z, nil, func() { _ = z.Sync() }, nil
	}

	w := stderr
	closeFn := func() {}
	if c.File != "" {
		f := hermes.RotatingFile(c.File, 0, 0)
		w = f
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: hermes.ParseLevel(c.Level)}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if c.Format == "text" || c.Format == "console" {
		h = slog.NewTextHandler(w, opts)
	}
	l := slog.New(h)
	return hermes.NewSlogAdapterFrom(l), l, closeFn, nil
}
