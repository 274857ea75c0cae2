package hermes

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics(t *testing.T) {
	m := NewPrometheusMetrics()

	m.IncCounter(MetricKillTotal, 1, Label{Key: "reason", Value: "memory_exceeded"})
	m.IncCounter(MetricKillTotal, 2, Label{Key: "reason", Value: "memory_exceeded"})
	m.ObserveHistogram(MetricElapsedSeconds, 0.5, Label{Key: "outcome", Value: "finished"})
	m.SetGauge(MetricPeakMemoryKiB, 10)
	m.SetGauge(MetricPeakMemoryKiB, 20)

	assert.Contains(t, m.counters, MetricKillTotal)
	assert.Contains(t, m.histograms, MetricElapsedSeconds)
	assert.Contains(t, m.gauges, MetricPeakMemoryKiB)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.counters[MetricKillTotal].WithLabelValues("memory_exceeded")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.gauges[MetricPeakMemoryKiB].WithLabelValues()))
}

func TestPrometheusMetrics_IndependentRegistries(t *testing.T) {
	// Two instances in one process must not collide on registration.
	a := NewPrometheusMetrics()
	b := NewPrometheusMetrics()

	assert.NotPanics(t, func() {
		a.IncCounter(MetricRunsTotal, 1, Label{Key: "outcome", Value: "finished"})
		b.IncCounter(MetricRunsTotal, 1, Label{Key: "outcome", Value: "finished"})
	})
}

func TestPrometheusMetrics_WriteTextfile(t *testing.T) {
	m := NewPrometheusMetrics()
	m.IncCounter(MetricRunsTotal, 1, Label{Key: "outcome", Value: "time_limit_exceeded"})

	path := filepath.Join(t.TempDir(), "resourcer.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `resourcer_runs_total{outcome="time_limit_exceeded"} 1`), text)
	assert.Contains(t, text, "# HELP resourcer_runs_total Monitored runs by outcome.")
}
