package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/dukex/jobflow/pkg/events"
	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/otelhelper"
	"github.com/dukex/jobflow/pkg/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxRetryDelay = 60 * time.Second

var errJobCanceled = errors.New("job canceled")

// RetryDelay is the wait before retry attempt n+1 after n previous retries:
// 2s·2^n plus a rounding term of n/10 seconds, capped at one minute.
func RetryDelay(retries uint32) time.Duration {
	seconds := 2*math.Pow(2, float64(retries)) + math.Round(float64(retries)*0.1)
	delay := time.Duration(seconds * float64(time.Second))

	return min(delay, maxRetryDelay)
}

func (d *Dispatcher) execute(ctx context.Context, job *models.Job) {
	started := d.now()
	logger := d.logger.With("job_id", job.ID, "task_type", job.TaskType, "session_id", job.SessionID)

	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "job.execute",
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.TaskTypeKey, string(job.TaskType)),
		attribute.String(otelhelper.SessionIDKey, job.SessionID),
		attribute.String(otelhelper.PriorityKey, job.Priority.String()),
		attribute.String(otelhelper.WorkflowIDKey, job.WorkflowID),
		attribute.String(otelhelper.StageNameKey, job.StageName),
	)
	defer span.End()

	// Tracked before the first store write so CancelJob can reach a job that has just left the
	// queue.
	jobCtx, untrack := d.track(ctx, job)
	defer untrack()

	d.metrics.RecordDispatch(string(job.TaskType))

	err := d.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, "processing")
	if err != nil {
		logger.WarnContext(ctx, "Failed to mark job running", "error", err)
	}

	d.notify(ctx, job.ID, events.JobStatusChanged{
		BaseEvent: d.baseEvent(events.JobStatusChangedEvent, job),
		JobID:     job.ID,
		SessionID: job.SessionID,
		TaskType:  job.TaskType,
		Status:    models.JobStatusRunning,
	})

	if job.IsWorkflowStage() && d.stages != nil {
		d.stages.HandleStageStarted(ctx, job.WorkflowID, job.ID)
	}

	processor, err := d.registry.Find(job)
	if err != nil {
		untrack()
		logger.ErrorContext(ctx, "No processor for job", "error", err)
		otelhelper.SetError(span, err)
		d.fail(ctx, job, started, err.Error(), models.JobResult{})

		return
	}

	span.SetAttributes(attribute.String(otelhelper.ProcessorIDKey, processor.ID()))

	result := d.invoke(jobCtx, processor, job)
	untrack()
	span.SetAttributes(attribute.String(otelhelper.ResultKindKey, string(result.Kind)))

	switch {
	case result.IsSuccess():
		d.complete(ctx, job, started, result)
	case result.IsCanceled():
		otelhelper.SetFailure(span, result.Message)
		d.canceled(ctx, job, result.Message)
	default:
		otelhelper.SetFailure(span, result.Message)
		d.retryOrFail(ctx, span, job, started, result)
	}
}

// track registers job as running under a context that CancelJob can cancel. The returned
// function unregisters it and may be called more than once.
func (d *Dispatcher) track(ctx context.Context, job *models.Job) (context.Context, func()) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	running := &runningJob{job: job, cancel: cancel}

	d.mu.Lock()
	d.running[job.ID] = running
	d.mu.Unlock()

	return jobCtx, func() {
		d.mu.Lock()
		if d.running[job.ID] == running {
			delete(d.running, job.ID)
		}
		d.mu.Unlock()

		cancel(nil)
	}
}

// invoke runs the processor under the job context. A job canceled before the processor starts is
// never handed to it. Panics become permanent failures and never reach the worker loop.
func (d *Dispatcher) invoke(jobCtx context.Context, processor registry.Processor, job *models.Job) (result models.JobResult) {
	ctx := jobCtx

	if errors.Is(context.Cause(jobCtx), errJobCanceled) {
		return models.Canceled(canceledByRequest)
	}

	if d.config.JobTimeout > 0 {
		var stop context.CancelFunc

		jobCtx, stop = context.WithTimeout(jobCtx, d.config.JobTimeout)
		defer stop()
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.ErrorContext(ctx, "Processor panicked",
				"job_id", job.ID,
				"processor", processor.ID(),
				"panic", recovered,
				"stack", string(debug.Stack()),
			)

			result = models.PermanentFailure(fmt.Sprintf("processor panicked: %v", recovered))
		}
	}()

	result = processor.Process(jobCtx, job)

	if errors.Is(context.Cause(jobCtx), errJobCanceled) && !result.IsSuccess() {
		message := result.Message
		if message == "" {
			message = errJobCanceled.Error()
		}

		return models.Canceled(message)
	}

	if result.IsFailure() && errors.Is(jobCtx.Err(), context.DeadlineExceeded) && result.Message == "" {
		result.Message = "job timed out after " + d.config.JobTimeout.String()
	}

	return result
}

func (d *Dispatcher) complete(ctx context.Context, job *models.Job, started time.Time, result models.JobResult) {
	err := d.store.MarkJobCompleted(ctx, job.ID, result.Output, result.Usage, result.Metadata)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to mark job completed", "job_id", job.ID, "error", err)
	}

	err = d.queue.ResetRetryCount(ctx, job.ID)
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to reset retry count", "job_id", job.ID, "error", err)
	}

	elapsed := d.now().Sub(started)
	d.metrics.RecordCompleted(string(job.TaskType), elapsed.Seconds())

	d.logger.InfoContext(ctx, "Job completed", "job_id", job.ID, "task_type", job.TaskType, "duration", elapsed)

	d.notify(ctx, job.ID, events.JobCompleted{
		BaseEvent: d.baseEvent(events.JobCompletedEvent, job),
		JobID:     job.ID,
		SessionID: job.SessionID,
		TaskType:  job.TaskType,
		StageName: job.StageName,
		Usage:     result.Usage,
		Duration:  elapsed,
	})

	if job.IsWorkflowStage() && d.stages != nil {
		d.stages.HandleStageCompleted(ctx, job.WorkflowID, job.ID, result)
	}
}

func (d *Dispatcher) retryOrFail(ctx context.Context, span trace.Span, job *models.Job, started time.Time, result models.JobResult) {
	if !result.Retryable {
		d.fail(ctx, job, started, result.Message, result)

		return
	}

	retries, err := d.queue.RetryCount(ctx, job.ID)
	if err != nil || retries >= d.config.MaxRetries {
		d.fail(ctx, job, started, result.Message, result)

		return
	}

	delay := d.retryDelay(retries)

	attempt, err := d.queue.IncrementRetryCount(ctx, job.ID)
	if err != nil {
		d.fail(ctx, job, started, result.Message, result)

		return
	}

	span.SetAttributes(attribute.Int(otelhelper.RetryAttemptKey, int(attempt)))

	// The record goes back to Queued before the job is visible to workers again.
	err = d.store.UpdateJobStatus(ctx, job.ID, models.JobStatusQueued,
		fmt.Sprintf("retry %d/%d in %s: %s", attempt, d.config.MaxRetries, delay, result.Message))
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to mark job queued for retry", "job_id", job.ID, "error", err)
	}

	err = d.queue.EnqueueWithDelay(ctx, job, job.Priority, delay)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to requeue job for retry", "job_id", job.ID, "error", err)
		d.fail(ctx, job, started, result.Message, result)

		return
	}

	d.metrics.RecordRetry(string(job.TaskType))

	d.logger.WarnContext(ctx, "Job failed, retrying",
		"job_id", job.ID,
		"attempt", attempt,
		"max_retries", d.config.MaxRetries,
		"delay", delay,
		"error", result.Message,
	)

	d.notify(ctx, job.ID, events.JobRetrying{
		BaseEvent:    d.baseEvent(events.JobRetryingEvent, job),
		JobID:        job.ID,
		SessionID:    job.SessionID,
		Attempt:      attempt,
		Delay:        delay,
		ProcessAfter: d.now().Add(delay),
		Error:        result.Message,
	})
}

func (d *Dispatcher) fail(ctx context.Context, job *models.Job, started time.Time, message string, result models.JobResult) {
	err := d.store.MarkJobFailed(ctx, job.ID, message, result.Usage, result.Metadata)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to mark job failed", "job_id", job.ID, "error", err)
	}

	attempts, _ := d.queue.RetryCount(ctx, job.ID)

	err = d.queue.ResetRetryCount(ctx, job.ID)
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to reset retry count", "job_id", job.ID, "error", err)
	}

	elapsed := d.now().Sub(started)
	d.metrics.RecordFailed(string(job.TaskType), elapsed.Seconds())

	d.logger.ErrorContext(ctx, "Job failed", "job_id", job.ID, "task_type", job.TaskType, "error", message)

	d.notify(ctx, job.ID, events.JobFailed{
		BaseEvent: d.baseEvent(events.JobFailedEvent, job),
		JobID:     job.ID,
		SessionID: job.SessionID,
		TaskType:  job.TaskType,
		StageName: job.StageName,
		Error:     message,
		Attempts:  attempts + 1,
		Duration:  elapsed,
	})

	if job.IsWorkflowStage() && d.stages != nil {
		d.stages.HandleStageFailed(ctx, job.WorkflowID, job.ID, message)
	}
}

func (d *Dispatcher) canceled(ctx context.Context, job *models.Job, message string) {
	err := d.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCanceled, message)
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to mark job canceled", "job_id", job.ID, "error", err)
	}

	err = d.queue.ResetRetryCount(ctx, job.ID)
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to reset retry count", "job_id", job.ID, "error", err)
	}

	d.metrics.RecordCanceled(1)

	d.logger.InfoContext(ctx, "Job canceled", "job_id", job.ID, "reason", message)

	d.notify(ctx, job.ID, events.JobCanceled{
		BaseEvent: d.baseEvent(events.JobCanceledEvent, job),
		JobID:     job.ID,
		SessionID: job.SessionID,
		Reason:    message,
	})

	if job.IsWorkflowStage() && d.stages != nil {
		d.stages.HandleStageCanceled(ctx, job.WorkflowID, job.ID, message)
	}
}
