package dispatcher

import (
	"context"
	"fmt"

	"github.com/dukex/jobflow/pkg/events"
	"github.com/dukex/jobflow/pkg/models"
)

const canceledByRequest = "canceled by request"

// CancelJob cancels a job. A queued job is removed and its record marked Canceled; a running job
// has its context canceled and is resolved by its worker when the processor returns. The result
// reports whether any job was affected.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string) (bool, error) {
	removed, err := d.queue.RemoveJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	if removed != nil {
		d.canceled(ctx, removed, canceledByRequest)

		return true, nil
	}

	return d.cancelRunning(ctx, jobID), nil
}

func (d *Dispatcher) cancelRunning(ctx context.Context, jobID string) bool {
	d.mu.Lock()
	running, ok := d.running[jobID]
	d.mu.Unlock()

	if !ok {
		return false
	}

	d.logger.InfoContext(ctx, "Canceling running job", "job_id", jobID)
	running.cancel(errJobCanceled)

	return true
}

// CancelSessionJobs cancels every queued and running job of the session and returns how many
// were affected.
func (d *Dispatcher) CancelSessionJobs(ctx context.Context, sessionID string) (int, error) {
	removed, err := d.queue.RemoveSessionJobs(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel session %s jobs: %w", sessionID, err)
	}

	for _, job := range removed {
		d.canceled(ctx, job, canceledByRequest)
	}

	count := len(removed)

	for _, job := range d.runningForSession(sessionID) {
		if d.cancelRunning(ctx, job.ID) {
			count++
		}
	}

	d.notify(ctx, sessionID, events.JobStatusChanged{
		BaseEvent: events.NewBaseEvent(events.JobStatusChangedEvent, ""),
		SessionID: sessionID,
		Status:    models.JobStatusCanceled,
		Message:   fmt.Sprintf("%d session jobs canceled", count),
	})

	return count, nil
}

func (d *Dispatcher) runningForSession(sessionID string) []*models.Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	jobs := make([]*models.Job, 0)

	for _, running := range d.running {
		if running.job.SessionID == sessionID {
			jobs = append(jobs, running.job)
		}
	}

	return jobs
}

// RunningJobs returns the ids of jobs currently executing.
func (d *Dispatcher) RunningJobs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.running))
	for id := range d.running {
		ids = append(ids, id)
	}

	return ids
}
