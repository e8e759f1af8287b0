package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestMetrics() *Metrics {
	return New(prometheus.NewRegistry())
}

func TestRecordPipelineRun(t *testing.T) {
	m := newTestMetrics()

	m.RecordPipelineRun("PENDING_CARRIER_REVIEW", 0.42)
	m.RecordPipelineRun("PENDING_CARRIER_REVIEW", 0.13)
	m.RecordPipelineRun("REVIEW_REQUIRED", 0.05)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.InvoicesProcessed.WithLabelValues("PENDING_CARRIER_REVIEW")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvoicesProcessed.WithLabelValues("REVIEW_REQUIRED")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.PipelineDuration))
}

func TestValidationFindingLabels(t *testing.T) {
	m := newTestMetrics()

	m.RecordFinding("RATE", "FAIL")
	m.RecordFinding("RATE", "FAIL")
	m.RecordFinding("RATE", "PASS")
	m.RecordFinding("GUIDELINE", "WARNING")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ValidationFindings.WithLabelValues("RATE", "FAIL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationFindings.WithLabelValues("RATE", "PASS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationFindings.WithLabelValues("GUIDELINE", "WARNING")))
}

func TestOpenExceptionsGauge(t *testing.T) {
	m := newTestMetrics()

	m.ExceptionOpened()
	m.ExceptionOpened()
	m.ExceptionClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenExceptions))
}

func TestQueueDepthGauge(t *testing.T) {
	m := newTestMetrics()

	m.SetQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))

	m.SetQueueDepth(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueDepth))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordPipelineRun("REVIEW_REQUIRED", 1.0)
		m.RecordPipelineSkip()
		m.RecordPipelineFailure()
		m.RecordLineOutcome("VALIDATED")
		m.RecordClassification("HIGH")
		m.RecordFinding("RATE", "PASS")
		m.ExceptionOpened()
		m.ExceptionClosed()
		m.RecordUpload("csv")
		m.SetQueueDepth(3)
	})
}
