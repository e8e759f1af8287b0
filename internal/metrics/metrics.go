// Package metrics holds the Prometheus collectors for the invoice
// platform. All methods are nil-safe so instrumentation stays optional:
// a component handed a nil *Metrics records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the invoice pipeline and
// its surrounding workflow.
type Metrics struct {
	// Pipeline metrics
	InvoicesProcessed *prometheus.CounterVec
	PipelineDuration  *prometheus.HistogramVec
	PipelineSkips     prometheus.Counter
	PipelineFailures  prometheus.Counter

	// Line-level metrics
	LineOutcomes       *prometheus.CounterVec
	Classifications    *prometheus.CounterVec
	ValidationFindings *prometheus.CounterVec

	// Workflow metrics
	OpenExceptions  prometheus.Gauge
	UploadsReceived *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
}

// New creates and registers all collectors on the given registerer.
// Servers pass prometheus.DefaultRegisterer; tests pass a fresh
// prometheus.NewRegistry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InvoicesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearbill_invoices_processed_total",
				Help: "Completed pipeline runs by resulting invoice status",
			},
			[]string{"status"}, // PENDING_CARRIER_REVIEW, REVIEW_REQUIRED
		),

		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clearbill_pipeline_duration_seconds",
				Help:    "Wall-clock duration of one pipeline run",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		PipelineSkips: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clearbill_pipeline_skips_total",
				Help: "Redelivered jobs skipped because the version was already processed",
			},
		),

		PipelineFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clearbill_pipeline_failures_total",
				Help: "Pipeline runs that aborted and compensated the PROCESSING marker",
			},
		),

		LineOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearbill_line_items_total",
				Help: "Processed line items by final pipeline status",
			},
			[]string{"status"}, // VALIDATED, EXCEPTION
		),

		Classifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearbill_classifications_total",
				Help: "Classifier outcomes by confidence grade",
			},
			[]string{"confidence"}, // HIGH, MEDIUM, LOW, UNRECOGNIZED
		),

		ValidationFindings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearbill_validation_findings_total",
				Help: "Validation findings by engine and status",
			},
			[]string{"type", "status"}, // RATE/GUIDELINE/CLASSIFICATION x PASS/FAIL/WARNING
		),

		OpenExceptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clearbill_open_exceptions",
				Help: "Exceptions currently awaiting supplier or carrier action",
			},
		),

		UploadsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearbill_uploads_total",
				Help: "Accepted invoice file uploads by detected format",
			},
			[]string{"format"}, // csv, pdf
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clearbill_queue_depth",
				Help: "Jobs waiting on the processing queue",
			},
		),
	}
}

// RecordPipelineRun records a completed run and its duration.
func (m *Metrics) RecordPipelineRun(status string, seconds float64) {
	if m == nil {
		return
	}
	m.InvoicesProcessed.WithLabelValues(status).Inc()
	m.PipelineDuration.WithLabelValues(status).Observe(seconds)
}

// RecordPipelineSkip records an idempotent no-op run.
func (m *Metrics) RecordPipelineSkip() {
	if m == nil {
		return
	}
	m.PipelineSkips.Inc()
}

// RecordPipelineFailure records an aborted run.
func (m *Metrics) RecordPipelineFailure() {
	if m == nil {
		return
	}
	m.PipelineFailures.Inc()
}

// RecordLineOutcome records a line item's final pipeline status.
func (m *Metrics) RecordLineOutcome(status string) {
	if m == nil {
		return
	}
	m.LineOutcomes.WithLabelValues(status).Inc()
}

// RecordClassification records a classifier outcome.
func (m *Metrics) RecordClassification(confidence string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(confidence).Inc()
}

// RecordFinding records one validation finding.
func (m *Metrics) RecordFinding(validationType, status string) {
	if m == nil {
		return
	}
	m.ValidationFindings.WithLabelValues(validationType, status).Inc()
}

// ExceptionOpened bumps the open exceptions gauge.
func (m *Metrics) ExceptionOpened() {
	if m == nil {
		return
	}
	m.OpenExceptions.Inc()
}

// ExceptionClosed drops the open exceptions gauge after a resolution
// or waiver.
func (m *Metrics) ExceptionClosed() {
	if m == nil {
		return
	}
	m.OpenExceptions.Dec()
}

// RecordUpload records an accepted file upload.
func (m *Metrics) RecordUpload(format string) {
	if m == nil {
		return
	}
	m.UploadsReceived.WithLabelValues(format).Inc()
}

// SetQueueDepth publishes the current queue backlog.
func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
