package dispatcher

import (
	"context"
	"fmt"

	"github.com/dukex/jobflow/pkg/models"
)

const interruptedByRestart = "interrupted by process restart"

// RecoveryReport summarizes what RecoverJobs did with the active records it found.
type RecoveryReport struct {
	Requeued    int `json:"requeued"`
	Interrupted int `json:"interrupted"`
	Orphaned    int `json:"orphaned"`
}

// RecoverJobs reconciles the durable store with the empty in-memory queue after a restart.
// Queued jobs are enqueued again. Running jobs are marked Failed since processors are not assumed
// idempotent. Workflow stage jobs are marked Failed too: the workflow state they belonged to did
// not survive the restart.
func (d *Dispatcher) RecoverJobs(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	started := d.now()

	records, err := d.store.JobsByStatus(ctx, models.JobStatusQueued, models.JobStatusRunning)
	if err != nil {
		return report, fmt.Errorf("failed to list active jobs: %w", err)
	}

	for _, record := range records {
		job := record.Job
		logger := d.logger.With("job_id", job.ID, "status", record.Status)

		switch {
		case job.IsWorkflowStage():
			err = d.store.MarkJobFailed(ctx, job.ID, "workflow lost: "+interruptedByRestart, nil, nil)
			report.Orphaned++
		case record.Status == models.JobStatusRunning:
			err = d.store.MarkJobFailed(ctx, job.ID, interruptedByRestart, nil, nil)
			report.Interrupted++
		default:
			err = d.queue.Enqueue(ctx, job, job.Priority)
			if err == nil {
				d.metrics.RecordEnqueue(string(job.TaskType))
			}

			report.Requeued++
		}

		if err != nil {
			return report, fmt.Errorf("failed to recover job %s: %w", job.ID, err)
		}

		logger.DebugContext(ctx, "Job recovered")
	}

	d.metrics.SetRecoveryTime(d.now().Sub(started).Seconds())

	d.logger.InfoContext(ctx, "Job recovery finished",
		"requeued", report.Requeued,
		"interrupted", report.Interrupted,
		"orphaned", report.Orphaned,
	)

	return report, nil
}
