// Package persistence provides the durable job store abstraction.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/jobflow/pkg/models"
)

// JobStore keeps the durable record of every job. The scheduler never consults it for ordering
// decisions; it only records outcomes and serves lookups and crash recovery.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, message string) error
	MarkJobCompleted(ctx context.Context, id string, response json.RawMessage, usage *models.Usage, metadata map[string]any) error
	MarkJobFailed(ctx context.Context, id string, errorMessage string, usage *models.Usage, metadata map[string]any) error
	JobByID(ctx context.Context, id string) (*models.JobRecord, error)
	JobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.JobRecord, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// NewJobRecord is the record a store writes for a freshly created job.
func NewJobRecord(job *models.Job, now time.Time) *models.JobRecord {
	return &models.JobRecord{
		Job:       job,
		Status:    models.JobStatusQueued,
		UpdatedAt: now,
	}
}

// ApplyStatus mutates record for a status change, enforcing the job status machine.
// Backends that load-modify-save share it so every store rejects the same transitions.
func ApplyStatus(record *models.JobRecord, status models.JobStatus, message string, now time.Time) error {
	if record.Status != status && !record.Status.CanTransitionTo(status) {
		return NewJobError("UpdateJobStatus", record.Job.ID,
			fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, record.Status, status))
	}

	record.Status = status
	record.StatusMessage = message
	record.UpdatedAt = now

	switch {
	case status == models.JobStatusRunning && record.StartedAt == nil:
		record.StartedAt = &now
	case status.IsTerminal() && record.CompletedAt == nil:
		record.CompletedAt = &now
	}

	return nil
}

// ApplyCompleted marks record completed with the processor's output.
func ApplyCompleted(record *models.JobRecord, response json.RawMessage, usage *models.Usage, metadata map[string]any, now time.Time) error {
	if err := ApplyStatus(record, models.JobStatusCompleted, "", now); err != nil {
		return err
	}

	record.Response = response
	record.Usage = usage
	record.Metadata = metadata

	return nil
}

// ApplyFailed marks record failed, keeping any partial usage.
func ApplyFailed(record *models.JobRecord, errorMessage string, usage *models.Usage, metadata map[string]any, now time.Time) error {
	if err := ApplyStatus(record, models.JobStatusFailed, errorMessage, now); err != nil {
		return err
	}

	record.ErrorMessage = errorMessage
	record.Usage = usage
	record.Metadata = metadata

	return nil
}
