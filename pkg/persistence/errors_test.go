package persistence_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		jobErr := persistence.NewJobError("JobByID", "job-123", persistence.ErrJobNotFound)

		assert.True(t, persistence.IsJobNotFound(jobErr))
		assert.False(t, persistence.IsInvalidStatusTransition(jobErr))
		assert.True(t, errors.Is(jobErr, persistence.ErrJobNotFound))
	})

	t.Run("job error contains context", func(t *testing.T) {
		err := persistence.NewJobError("MarkJobCompleted", "job-123", persistence.ErrJobNotFound)

		assert.Contains(t, err.Error(), "MarkJobCompleted")
		assert.Contains(t, err.Error(), "job-123")
		assert.Contains(t, err.Error(), "job not found")
	})

	t.Run("job error with message", func(t *testing.T) {
		err := &persistence.JobError{Op: "CreateJob", JobID: "j", Err: persistence.ErrJobAlreadyExists, Message: "duplicate id"}

		assert.Contains(t, err.Error(), "duplicate id")
		assert.ErrorIs(t, err, persistence.ErrJobAlreadyExists)
	})
}

func TestApplyStatus(t *testing.T) {
	t.Parallel()

	now := time.Now()
	job := &models.Job{ID: "job-1"}

	tests := []struct {
		name    string
		from    models.JobStatus
		to      models.JobStatus
		wantErr bool
	}{
		{name: "queued to running", from: models.JobStatusQueued, to: models.JobStatusRunning},
		{name: "running to completed", from: models.JobStatusRunning, to: models.JobStatusCompleted},
		{name: "running back to queued for retry", from: models.JobStatusRunning, to: models.JobStatusQueued},
		{name: "queued to canceled", from: models.JobStatusQueued, to: models.JobStatusCanceled},
		{name: "completed is final", from: models.JobStatusCompleted, to: models.JobStatusRunning, wantErr: true},
		{name: "failed is final", from: models.JobStatusFailed, to: models.JobStatusCompleted, wantErr: true},
		{name: "canceled is final", from: models.JobStatusCanceled, to: models.JobStatusQueued, wantErr: true},
		{name: "same status is accepted", from: models.JobStatusFailed, to: models.JobStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := &models.JobRecord{Job: job, Status: tt.from}

			err := persistence.ApplyStatus(record, tt.to, "msg", now)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, persistence.IsInvalidStatusTransition(err))
				assert.Equal(t, tt.from, record.Status)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.to, record.Status)
		})
	}
}

func TestApplyStatus_Timestamps(t *testing.T) {
	t.Parallel()

	record := persistence.NewJobRecord(&models.Job{ID: "job-1"}, time.Now())
	started := time.Now().Add(time.Second)
	finished := started.Add(time.Second)

	require.NoError(t, persistence.ApplyStatus(record, models.JobStatusRunning, "", started))
	require.NotNil(t, record.StartedAt)
	assert.Equal(t, started, *record.StartedAt)
	assert.Nil(t, record.CompletedAt)

	require.NoError(t, persistence.ApplyFailed(record, "boom", &models.Usage{TokensSent: 10}, nil, finished))
	require.NotNil(t, record.CompletedAt)
	assert.Equal(t, finished, *record.CompletedAt)
	assert.Equal(t, "boom", record.ErrorMessage)
	assert.Equal(t, 10, record.Usage.TokensSent)
}
