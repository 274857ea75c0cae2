package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/resourcer/pkg/cocytus"
	"github.com/tartarus-sandbox/resourcer/pkg/config"
	"github.com/tartarus-sandbox/resourcer/pkg/domain"
	"github.com/tartarus-sandbox/resourcer/pkg/erinyes"
	"github.com/tartarus-sandbox/resourcer/pkg/hermes"
	"github.com/tartarus-sandbox/resourcer/pkg/judges"
	"github.com/tartarus-sandbox/resourcer/pkg/sampler"
)

var limitShell bool

var limitCmd = &cobra.Command{
	Use:   "limit [flags] -- command [args...]",
	Short: "Run a command under time and memory limits",
	Long: `Run a command and kill it once it exceeds the wall time or resident
memory budget. The command is either the arguments after "--" or a single
quoted string split like a shell would. With --shell the string is run by
/bin/sh -c.

A report is always written: to the --meta file when its directory exists,
otherwise to stdout. Breaches are not errors; the command exits non-zero only
when the run could not be carried out.`,
	Example: `  resourcer limit -t 2 -m 65536 -i input.txt -o output.txt -- ./solution
  resourcer limit -M /tmp/run/meta.json "python3 main.py"
  resourcer limit --shell "make test 2>&1 | tail -n 20"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLimit,
}

func init() {
	f := limitCmd.Flags()
	f.SetInterspersed(false)
	f.Float64P("time", "t", domain.DefaultTimeLimit.Seconds(), "Wall time limit in seconds")
	f.Int64P("mem", "m", domain.DefaultMemoryLimitKiB, "Resident memory limit in KiB")
	f.StringP("in", "i", os.DevNull, "File connected to the command's stdin")
	f.StringP("out", "o", os.DevNull, "File receiving the command's stdout")
	f.StringP("err", "e", os.DevNull, "File receiving the command's stderr")
	f.StringP("cwd", "w", "", "Working directory of the command")
	f.StringP("meta", "M", "", "Write the report to this file when its directory exists")
	f.StringP("diff", "d", "", "Compare stdout with this expected output file")
	f.String("format", "json", "Report format: json or yaml")
	f.Duration("poll", domain.DefaultPollInterval, "Interval between checks")
	f.Bool("include-children", false, "Count the memory of every descendant")
	f.Int("max-sample-failures", erinyes.DefaultMaxSampleFailures, "Consecutive sampling failures tolerated")
	f.String("metrics-textfile", "", "Write Prometheus metrics to this textfile after the run")
	f.BoolVar(&limitShell, "shell", false, "Run the command string with /bin/sh -c")
	rootCmd.AddCommand(limitCmd)
}

func runLimit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(settings)
	if err != nil {
		return reportFailure(cmd, nil, err)
	}

	argv, err := commandArgs(args, limitShell)
	if err != nil {
		return reportFailure(cmd, cfg, domain.NewLaunchError(args, err))
	}

	logger, slogger, closeLog, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return reportFailure(cmd, cfg, err)
	}
	defer closeLog()

	var metrics hermes.Metrics = hermes.NewNoopMetrics()
	var prom *hermes.PrometheusMetrics
	if cfg.Metrics.Textfile != "" {
		prom = hermes.NewPrometheusMetrics()
		metrics = prom
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy := cfg.Policy(argv)
	monitor := erinyes.NewMonitor(erinyes.LocalLauncher{}, sampler.NewProcSampler(policy.IncludeChildren), logger, metrics)
	monitor.MaxSampleFailures = cfg.Monitor.MaxSampleFailures
	monitor.TerminateTimeout = cfg.Monitor.TerminateTimeout

	verdict, runErr := monitor.Run(ctx, policy)
	rec := cocytus.NewRecord(policy, verdict)

	// The run is over; reporting must not be cut short by a signal.
	ctx = context.WithoutCancel(ctx)

	if cfg.Report.ExpectedOutput != "" {
		chain := &judges.Chain{Post: []judges.PostJudge{judges.NewDiffJudge(cfg.Report.ExpectedOutput, logger)}}
		cl, err := chain.RunPost(ctx, &judges.Run{Policy: policy, Verdict: verdict})
		switch {
		case err != nil:
			logger.Error(ctx, "Failed to judge output", map[string]any{"error": err.Error()})
			runErr = errors.Join(runErr, err)
		case cl != nil:
			rec.Output = cl.Ruling.String()
			rec.OutputReason = cl.Reason
			if cl.Diff != "" {
				logger.Info(ctx, "Output diff", map[string]any{"run_id": verdict.RunID, "diff": cl.Diff})
			}
		}
	}
	if runErr != nil && rec.Error == "" {
		rec.Error = runErr.Error()
	}

	if err := writeReport(ctx, cmd, cfg, slogger, rec); err != nil {
		runErr = errors.Join(runErr, err)
	}

	if prom != nil {
		if err := prom.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Error(ctx, "Failed to write metrics textfile", map[string]any{
				"path":  cfg.Metrics.Textfile,
				"error": err.Error(),
			})
		}
	}
	return runErr
}

// commandArgs turns the positional arguments into an argument vector.
func commandArgs(args []string, shell bool) ([]string, error) {
	if shell {
		return domain.ShellCommand(strings.Join(args, " ")), nil
	}
	if len(args) == 1 {
		return domain.ParseCommand(args[0])
	}
	return args, nil
}

func writeReport(ctx context.Context, cmd *cobra.Command, cfg *config.Config, slogger *slog.Logger, rec *cocytus.Record) error {
	formatter, err := cocytus.NewFormatter(cfg.Report.Format)
	if err != nil {
		return err
	}
	sinks := cocytus.MultiSink{cocytus.NewMetaSink(cfg.Report.MetaFile, cmd.OutOrStdout(), formatter)}
	if slogger != nil {
		sinks = append(sinks, cocytus.NewLogSink(slogger))
	}
	return sinks.Write(ctx, rec)
}

// reportFailure writes a launch_failed report for a run that never started
// and returns err.
func reportFailure(cmd *cobra.Command, cfg *config.Config, err error) error {
	rec := &cocytus.Record{Outcome: domain.OutcomeLaunchFailed, Error: err.Error()}
	if cfg == nil {
		cfg = &config.Config{}
	}
	if werr := writeReport(context.Background(), cmd, cfg, nil, rec); werr != nil {
		return errors.Join(err, fmt.Errorf("write report: %w", werr))
	}
	return err
}
