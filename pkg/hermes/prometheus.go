package hermes

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements Metrics with Prometheus vectors that are
// created on first use. Label keys are fixed by that first call.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics creates metrics backed by a private registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Gatherer exposes the registry for scraping or export.
func (m *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile atomically writes every metric in the text exposition
// format, for the node_exporter textfile collector.
func (m *PrometheusMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func (m *PrometheusMetrics) IncCounter(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	vec := lazyVec(&m.mu, m.registry, m.counters, name, func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help(name)}, keys)
	})
	vec.WithLabelValues(values...).Add(value)
}

func (m *PrometheusMetrics) ObserveHistogram(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	vec := lazyVec(&m.mu, m.registry, m.histograms, name, func() *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    help(name),
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, keys)
	})
	vec.WithLabelValues(values...).Observe(value)
}

func (m *PrometheusMetrics) SetGauge(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	vec := lazyVec(&m.mu, m.registry, m.gauges, name, func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help(name)}, keys)
	})
	vec.WithLabelValues(values...).Set(value)
}

func lazyVec[V prometheus.Collector](mu *sync.Mutex, reg *prometheus.Registry, store map[string]V, name string, build func() V) V {
	mu.Lock()
	defer mu.Unlock()

	if vec, ok := store[name]; ok {
		return vec
	}
	vec := build()
	reg.MustRegister(vec)
	store[name] = vec
	return vec
}

func splitLabels(labels []Label) ([]string, []string) {
	keys := make([]string, len(labels))
	values := make([]string, len(labels))
	for i, l := range labels {
		keys[i] = l.Key
		values[i] = l.Value
	}
	return keys, values
}

func help(name string) string {
	if h, ok := metricHelp[name]; ok {
		return h
	}
	return name
}
