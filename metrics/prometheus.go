// Package metrics exposes Prometheus instrumentation for dataset
// pipelines. Pipeline implements dataset.Observer so it can be attached
// with WithObserver.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline contains the Prometheus metrics of one dataset pipeline.
type Pipeline struct {
	// Iteration metrics
	ExamplesYielded prometheus.Counter
	ShardsCompleted prometheus.Counter
	ActiveIterators prometheus.Gauge

	// Shuffle buffer metrics
	ShuffleBufferSize  prometheus.Gauge
	ShuffleBufferRatio prometheus.Gauge

	// Transform metrics
	StageSeconds *prometheus.HistogramVec

	// Export metrics
	RowsExported  *prometheus.CounterVec
	BytesExported *prometheus.CounterVec
	ExportErrors  *prometheus.CounterVec
	ExportSeconds *prometheus.HistogramVec
}

// NewPipeline creates and registers all pipeline metrics on the default
// registry.
func NewPipeline() *Pipeline {
	return NewPipelineWith(nil)
}

// NewPipelineWith registers the metrics on reg; nil means the default
// registry.
func NewPipelineWith(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}
	return &Pipeline{
		ExamplesYielded: factory.NewCounter(prometheus.CounterOpts{
			Name: "datasets_examples_yielded_total",
			Help: "Total number of examples yielded by the pipeline",
		}),
		ShardsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "datasets_shards_completed_total",
			Help: "Total number of shards read to completion",
		}),
		ActiveIterators: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datasets_active_iterators",
			Help: "Number of currently open dataset iterators",
		}),

		ShuffleBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datasets_shuffle_buffer_size",
			Help: "Current number of examples held in the shuffle buffer",
		}),
		ShuffleBufferRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datasets_shuffle_buffer_fill_ratio",
			Help: "Shuffle buffer occupancy as a fraction of its capacity",
		}),

		StageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datasets_stage_duration_seconds",
			Help:    "Duration of one map or filter function call",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12), // 100µs to ~7 minutes
		}, []string{"stage"}),

		RowsExported: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datasets_rows_exported_total",
			Help: "Total number of rows exported",
		}, []string{"format"}),
		BytesExported: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datasets_bytes_exported_total",
			Help: "Total number of bytes written by exports",
		}, []string{"format"}),
		ExportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datasets_export_errors_total",
			Help: "Total number of export failures",
		}, []string{"format"}),
		ExportSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datasets_export_duration_seconds",
			Help:    "Duration of export runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~2.5 minutes
		}, []string{"format"}),
	}
}

// ExampleYielded increments the yielded examples counter.
func (p *Pipeline) ExampleYielded() {
	p.ExamplesYielded.Inc()
}

// ShardCompleted increments the completed shards counter.
func (p *Pipeline) ShardCompleted() {
	p.ShardsCompleted.Inc()
}

// ShuffleBufferFill records the shuffle buffer occupancy.
func (p *Pipeline) ShuffleBufferFill(size, capacity int) {
	p.ShuffleBufferSize.Set(float64(size))
	if capacity > 0 {
		p.ShuffleBufferRatio.Set(float64(size) / float64(capacity))
	}
}

// StageDuration records one map or filter function call.
func (p *Pipeline) StageDuration(stage string, seconds float64) {
	p.StageSeconds.WithLabelValues(stage).Observe(seconds)
}

// IteratorOpened increments the active iterators gauge.
func (p *Pipeline) IteratorOpened() {
	p.ActiveIterators.Inc()
}

// IteratorClosed decrements the active iterators gauge.
func (p *Pipeline) IteratorClosed() {
	p.ActiveIterators.Dec()
}

// RecordExport records a finished export run.
func (p *Pipeline) RecordExport(format string, rows int, bytes int64, durationSeconds float64) {
	p.RowsExported.WithLabelValues(format).Add(float64(rows))
	p.BytesExported.WithLabelValues(format).Add(float64(bytes))
	p.ExportSeconds.WithLabelValues(format).Observe(durationSeconds)
}

// RecordExportError records a failed export run.
func (p *Pipeline) RecordExportError(format string) {
	p.ExportErrors.WithLabelValues(format).Inc()
}
