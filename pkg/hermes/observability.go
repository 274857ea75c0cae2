// Package hermes carries logs and metrics out of the supervisor.
package hermes

import "context"

type Label struct {
	Key   string
	Value string
}

// Metrics is the sink for run counters, histograms and gauges.
type Metrics interface {
	IncCounter(name string, value float64, labels ...Label)
	ObserveHistogram(name string, value float64, labels ...Label)
	SetGauge(name string, value float64, labels ...Label)
}

// Logger is a structured logger keyed by field maps.
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]any)
	Error(ctx context.Context, msg string, fields map[string]any)
}

// Metric names emitted by the monitor.
const (
	MetricRunsTotal         = "resourcer_runs_total"
	MetricKillTotal         = "resourcer_kill_total"
	MetricSampleErrorsTotal = "resourcer_sample_errors_total"
	MetricElapsedSeconds    = "resourcer_elapsed_seconds"
	MetricPeakMemoryKiB     = "resourcer_peak_memory_kib"
)

var metricHelp = map[string]string{
	MetricRunsTotal:         "Monitored runs by outcome.",
	MetricKillTotal:         "Children killed by the monitor, by reason.",
	MetricSampleErrorsTotal: "Failed RSS samples, by kind.",
	MetricElapsedSeconds:    "Wall time of monitored runs.",
	MetricPeakMemoryKiB:     "Peak RSS of the last run in KiB.",
}
