// Package metrics exposes Prometheus instruments for the scheduler and the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const taskTypeLabel = "task_type"

// Collector holds every instrument. A nil *Collector is valid and records nothing, so components
// can run without metrics.
type Collector struct {
	jobsEnqueued   *prometheus.CounterVec
	jobsDispatched *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobsRetried    *prometheus.CounterVec
	jobsCanceled   prometheus.Counter

	jobLatency   *prometheus.HistogramVec
	recoveryTime prometheus.Gauge

	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge

	workflowsStarted  prometheus.Counter
	workflowsFinished *prometheus.CounterVec
	workflowsActive   prometheus.Gauge
}

// NewCollector creates the instruments and registers them on registerer.
func NewCollector(registerer prometheus.Registerer) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobflow_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}, []string{taskTypeLabel}),
		jobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobflow_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to workers",
		}, []string{taskTypeLabel}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobflow_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}, []string{taskTypeLabel}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobflow_jobs_failed_total",
			Help: "Total number of jobs failed permanently",
		}, []string{taskTypeLabel}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobflow_jobs_retried_total",
			Help: "Total number of failed attempts scheduled for retry",
		}, []string{taskTypeLabel}),
		jobsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobflow_jobs_canceled_total",
			Help: "Total number of jobs canceled",
		}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobflow_job_latency_seconds",
			Help:    "Job processing latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{taskTypeLabel}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobflow_recovery_time_seconds",
			Help: "Time taken by the last startup recovery in seconds",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobflow_jobs_pending",
			Help: "Current number of queued jobs",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobflow_jobs_in_flight",
			Help: "Current number of executing jobs",
		}),
		workflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobflow_workflows_started_total",
			Help: "Total number of workflows started",
		}),
		workflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobflow_workflows_finished_total",
			Help: "Total number of workflows that reached a terminal status",
		}, []string{"status"}),
		workflowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobflow_workflows_active",
			Help: "Current number of running workflows",
		}),
	}

	registerer.MustRegister(
		c.jobsEnqueued,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsRetried,
		c.jobsCanceled,
		c.jobLatency,
		c.recoveryTime,
		c.jobsPending,
		c.jobsInFlight,
		c.workflowsStarted,
		c.workflowsFinished,
		c.workflowsActive,
	)

	return c
}

func (c *Collector) RecordEnqueue(taskType string) {
	if c == nil {
		return
	}

	c.jobsEnqueued.WithLabelValues(taskType).Inc()
}

func (c *Collector) RecordDispatch(taskType string) {
	if c == nil {
		return
	}

	c.jobsDispatched.WithLabelValues(taskType).Inc()
}

func (c *Collector) RecordCompleted(taskType string, latencySeconds float64) {
	if c == nil {
		return
	}

	c.jobsCompleted.WithLabelValues(taskType).Inc()
	c.jobLatency.WithLabelValues(taskType).Observe(latencySeconds)
}

func (c *Collector) RecordFailed(taskType string, latencySeconds float64) {
	if c == nil {
		return
	}

	c.jobsFailed.WithLabelValues(taskType).Inc()
	c.jobLatency.WithLabelValues(taskType).Observe(latencySeconds)
}

func (c *Collector) RecordRetry(taskType string) {
	if c == nil {
		return
	}

	c.jobsRetried.WithLabelValues(taskType).Inc()
}

func (c *Collector) RecordCanceled(count int) {
	if c == nil {
		return
	}

	c.jobsCanceled.Add(float64(count))
}

func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}

	c.recoveryTime.Set(seconds)
}

func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	if c == nil {
		return
	}

	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

func (c *Collector) RecordWorkflowStarted() {
	if c == nil {
		return
	}

	c.workflowsStarted.Inc()
	c.workflowsActive.Inc()
}

func (c *Collector) RecordWorkflowFinished(status string) {
	if c == nil {
		return
	}

	c.workflowsFinished.WithLabelValues(status).Inc()
	c.workflowsActive.Dec()
}
