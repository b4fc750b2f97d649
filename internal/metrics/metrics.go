// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docmigrate/internal/domain"
)

// Metrics holds every collector. It implements prometheus.Collector so a
// single registration covers all of them.
type Metrics struct {
	itemsCounter      *prometheus.CounterVec
	bytesCounter      *prometheus.CounterVec
	throttleCounter   *prometheus.CounterVec
	retryCounter      *prometheus.CounterVec
	transitionCounter *prometheus.CounterVec
	backlogGauge      *prometheus.GaugeVec
	stageGauge        *prometheus.GaugeVec
	filesRateGauge    *prometheus.GaugeVec
	bytesRateGauge    *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		// Start of all metrics.
		itemsCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docmigrate_items_total",
				Help: "Items that reached a terminal status.",
			}, []string{"source_system", "status", "code"}),
		bytesCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docmigrate_bytes_total",
				Help: "Bytes streamed into the target store.",
			}, []string{"source_system"}),
		throttleCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docmigrate_throttled_total",
				Help: "Calls rejected with rate_limited by a source.",
			}, []string{"source_system", "op"}),
		retryCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docmigrate_retries_total",
				Help: "Retried connector or target calls.",
			}, []string{"source_system", "code"}),
		transitionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docmigrate_job_transitions_total",
				Help: "Job status transitions.",
			}, []string{"status"}),
		backlogGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "docmigrate_queue_backlog",
				Help: "Items waiting for a worker.",
			}, []string{"job_id"}),
		stageGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "docmigrate_stage_items",
				Help: "Non-terminal items per pipeline stage.",
			}, []string{"job_id", "stage"}),
		filesRateGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "docmigrate_files_per_minute",
				Help: "Completed files per minute over the last sample window.",
			}, []string{"job_id"}),
		bytesRateGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "docmigrate_bytes_per_second",
				Help: "Transferred bytes per second over the last sample window.",
			}, []string{"job_id"}),
		// End of all metrics.
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m)
	return m
}

// HTTPHandler serves the private registry.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Describe implements the method in prometheus Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements the method in prometheus Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.itemsCounter, m.bytesCounter, m.throttleCounter, m.retryCounter, m.transitionCounter,
		m.backlogGauge, m.stageGauge, m.filesRateGauge, m.bytesRateGauge,
	}
}

// ItemFinished counts an item that reached a terminal status.
func (m *Metrics) ItemFinished(system domain.SourceSystem, it domain.MigrationItem, bytes int64) {
	m.itemsCounter.WithLabelValues(string(system), string(it.Status), string(it.ErrorCode)).Inc()
	if bytes > 0 {
		m.bytesCounter.WithLabelValues(string(system)).Add(float64(bytes))
	}
}

func (m *Metrics) Throttled(system domain.SourceSystem, op string) {
	m.throttleCounter.WithLabelValues(string(system), op).Inc()
}

func (m *Metrics) Retried(system domain.SourceSystem, code domain.ErrorCode) {
	m.retryCounter.WithLabelValues(string(system), string(code)).Inc()
}

func (m *Metrics) JobTransition(to domain.JobStatus) {
	m.transitionCounter.WithLabelValues(string(to)).Inc()
}

// Sample publishes the gauges of a persisted metrics sample. Stages missing
// from the sample are reset to zero.
func (m *Metrics) Sample(s domain.MigrationMetrics) {
	m.backlogGauge.WithLabelValues(s.JobID).Set(float64(s.QueueBacklog))
	for _, st := range domain.Stages {
		m.stageGauge.WithLabelValues(s.JobID, string(st)).Set(float64(s.StageCounts[st]))
	}
	if s.FilesPerMinute != nil {
		m.filesRateGauge.WithLabelValues(s.JobID).Set(*s.FilesPerMinute)
	}
	if s.BytesPerSecond != nil {
		m.bytesRateGauge.WithLabelValues(s.JobID).Set(*s.BytesPerSecond)
	}
}

// Forget drops the per-job gauges of a finished job.
func (m *Metrics) Forget(jobID string) {
	m.backlogGauge.DeleteLabelValues(jobID)
	m.filesRateGauge.DeleteLabelValues(jobID)
	m.bytesRateGauge.DeleteLabelValues(jobID)
	for _, st := range domain.Stages {
		m.stageGauge.DeleteLabelValues(jobID, string(st))
	}
}
