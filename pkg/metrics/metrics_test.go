package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	registry := prometheus.NewRegistry()

	collector := NewCollector(registry)
	require.NotNil(t, collector)

	// Registering a second collector on the same registry must fail.
	assert.Panics(t, func() { NewCollector(registry) })
}

func TestCollector_JobCounters(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordEnqueue("regex_file_filter")
	collector.RecordEnqueue("regex_file_filter")
	collector.RecordDispatch("regex_file_filter")
	collector.RecordCompleted("regex_file_filter", 0.2)
	collector.RecordFailed("path_correction", 1.5)
	collector.RecordRetry("path_correction")
	collector.RecordCanceled(3)

	assert.InDelta(t, 2, testutil.ToFloat64(collector.jobsEnqueued.WithLabelValues("regex_file_filter")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(collector.jobsDispatched.WithLabelValues("regex_file_filter")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(collector.jobsCompleted.WithLabelValues("regex_file_filter")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(collector.jobsFailed.WithLabelValues("path_correction")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(collector.jobsRetried.WithLabelValues("path_correction")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(collector.jobsCanceled), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(collector.jobLatency))
}

func TestCollector_Gauges(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.UpdateQueueStats(7, 2)
	collector.SetRecoveryTime(0.5)
	collector.RecordWorkflowStarted()
	collector.RecordWorkflowStarted()
	collector.RecordWorkflowFinished("completed")

	assert.InDelta(t, 7, testutil.ToFloat64(collector.jobsPending), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(collector.jobsInFlight), 0)
	assert.InDelta(t, 0.5, testutil.ToFloat64(collector.recoveryTime), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(collector.workflowsStarted), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(collector.workflowsActive), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(collector.workflowsFinished.WithLabelValues("completed")), 0)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordEnqueue("x")
		collector.RecordDispatch("x")
		collector.RecordCompleted("x", 1)
		collector.RecordFailed("x", 1)
		collector.RecordRetry("x")
		collector.RecordCanceled(1)
		collector.SetRecoveryTime(1)
		collector.UpdateQueueStats(1, 1)
		collector.RecordWorkflowStarted()
		collector.RecordWorkflowFinished("failed")
	})
}
