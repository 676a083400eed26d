// Package metrics provides Prometheus metrics export for titan.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "titan"

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Default returns the process-wide metrics registry.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
	return defaultRegistry
}

// Registry holds all titan metrics. It implements prometheus.Collector.
type Registry struct {
	operationsStarted  *prometheus.CounterVec
	operationsFinished *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	operationsRunning  prometheus.Gauge
	progressEntries    *prometheus.CounterVec
	reaped             *prometheus.CounterVec
	reapFailures       *prometheus.CounterVec
	reaperPass         prometheus.Histogram

	reg *prometheus.Registry
}

// NewRegistry creates a new metrics registry with its own prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "The number of push and pull operations started.",
			}, []string{"type"},
		),
		operationsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_finished_total",
				Help:      "The number of operations that reached a terminal state.",
			}, []string{"type", "state"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Wall time of push and pull operations.",
				Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 1800, 3600},
			}, []string{"type"},
		),
		operationsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "operations_running",
				Help:      "The number of operations currently executing.",
			},
		),
		progressEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "progress_entries_total",
				Help:      "The number of progress entries appended, by type.",
			}, []string{"type"},
		),
		reaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaper_destroyed_total",
				Help:      "The number of objects destroyed or marked by the reaper.",
			}, []string{"kind"},
		),
		reapFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaper_failures_total",
				Help:      "The number of reaper destructions that failed and will be retried.",
			}, []string{"kind"},
		),
		reaperPass: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reaper_pass_seconds",
				Help:      "The duration of a single reaper pass.",
				Buckets:   []float64{0.01, 0.1, 1, 10, 60},
			},
		),
		reg: prometheus.NewRegistry(),
	}
	r.reg.MustRegister(r)
	return r
}

// Describe is part of the prometheus.Collector interface.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	r.operationsStarted.Describe(ch)
	r.operationsFinished.Describe(ch)
	r.operationDuration.Describe(ch)
	r.operationsRunning.Describe(ch)
	r.progressEntries.Describe(ch)
	r.reaped.Describe(ch)
	r.reapFailures.Describe(ch)
	r.reaperPass.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.operationsStarted.Collect(ch)
	r.operationsFinished.Collect(ch)
	r.operationDuration.Collect(ch)
	r.operationsRunning.Collect(ch)
	r.progressEntries.Collect(ch)
	r.reaped.Collect(ch)
	r.reapFailures.Collect(ch)
	r.reaperPass.Collect(ch)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordOperationStarted records an operation entering the running state.
func (r *Registry) RecordOperationStarted(opType string) {
	r.operationsStarted.WithLabelValues(opType).Inc()
	r.operationsRunning.Inc()
}

// RecordOperationFinished records an operation reaching a terminal state.
func (r *Registry) RecordOperationFinished(opType, state string, duration time.Duration) {
	r.operationsFinished.WithLabelValues(opType, state).Inc()
	r.operationDuration.WithLabelValues(opType).Observe(duration.Seconds())
	r.operationsRunning.Dec()
}

// RecordProgress records a progress entry of the given type.
func (r *Registry) RecordProgress(entryType string) {
	r.progressEntries.WithLabelValues(entryType).Inc()
}

// RecordReap records the outcome of a single reaper action.
func (r *Registry) RecordReap(kind string, success bool) {
	if success {
		r.reaped.WithLabelValues(kind).Inc()
	} else {
		r.reapFailures.WithLabelValues(kind).Inc()
	}
}

// RecordReaperPass records the duration of one reaper pass.
func (r *Registry) RecordReaperPass(duration time.Duration) {
	r.reaperPass.Observe(duration.Seconds())
}
