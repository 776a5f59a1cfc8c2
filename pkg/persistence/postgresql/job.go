package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/persistence"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const selectJobColumns = `
	SELECT
		id
	  , task_type
	  , payload
	  , session_id
	  , priority
	  , workflow_id
	  , stage_name
	  , process_after
	  , status
	  , status_message
	  , response
	  , error_message
	  , usage
	  , metadata
	  , created_at
	  , updated_at
	  , started_at
	  , completed_at
	FROM jobs
`

// JobRepository handles job-related database operations.
type JobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sql.DB, logger *slog.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger}
}

// CreateJob inserts a Queued record.
func (r *JobRepository) CreateJob(ctx context.Context, job *models.Job) error {
	payload, err := models.MarshalPayload(job.Payload)
	if err != nil {
		return persistence.NewJobError("CreateJob", job.ID, err)
	}

	record := persistence.NewJobRecord(job, time.Now().UTC())

	query := `
		INSERT INTO jobs (id, task_type, payload, session_id, priority, workflow_id, stage_name,
			process_after, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		string(job.TaskType),
		payload,
		job.SessionID,
		int(job.Priority),
		nullString(job.WorkflowID),
		nullString(job.StageName),
		job.ProcessAfter,
		string(record.Status),
		job.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewJobError("CreateJob", job.ID, persistence.ErrJobAlreadyExists)
		}

		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

func (r *JobRepository) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, message string) error {
	return r.update(ctx, "UpdateJobStatus", id, func(record *models.JobRecord, now time.Time) error {
		return persistence.ApplyStatus(record, status, message, now)
	})
}

func (r *JobRepository) MarkJobCompleted(ctx context.Context, id string, response json.RawMessage, usage *models.Usage, metadata map[string]any) error {
	return r.update(ctx, "MarkJobCompleted", id, func(record *models.JobRecord, now time.Time) error {
		return persistence.ApplyCompleted(record, response, usage, metadata, now)
	})
}

func (r *JobRepository) MarkJobFailed(ctx context.Context, id string, errorMessage string, usage *models.Usage, metadata map[string]any) error {
	return r.update(ctx, "MarkJobFailed", id, func(record *models.JobRecord, now time.Time) error {
		return persistence.ApplyFailed(record, errorMessage, usage, metadata, now)
	})
}

// JobByID returns the job record or an error wrapping persistence.ErrJobNotFound.
func (r *JobRepository) JobByID(ctx context.Context, id string) (*models.JobRecord, error) {
	record, err := scanJob(r.db.QueryRowContext(ctx, selectJobColumns+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJobError("JobByID", id, persistence.ErrJobNotFound)
		}

		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	return record, nil
}

// JobsByStatus returns records in any of the given statuses, oldest first. No statuses means all.
func (r *JobRepository) JobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.JobRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if len(statuses) == 0 {
		rows, err = r.db.QueryContext(ctx, selectJobColumns+" ORDER BY created_at ASC")
	} else {
		values := make([]string, len(statuses))
		for i, status := range statuses {
			values[i] = string(status)
		}

		rows, err = r.db.QueryContext(ctx, selectJobColumns+" WHERE status = ANY($1) ORDER BY created_at ASC", pq.Array(values))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	records := make([]*models.JobRecord, 0)

	for rows.Next() {
		record, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		records = append(records, record)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return records, nil
}

// update locks the row, applies mutate through the shared status rules and writes the result.
func (r *JobRepository) update(ctx context.Context, op, id string, mutate func(*models.JobRecord, time.Time) error) error {
	transaction, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = transaction.Rollback() }()

	record, err := scanJob(transaction.QueryRowContext(ctx, selectJobColumns+" WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewJobError(op, id, persistence.ErrJobNotFound)
		}

		return fmt.Errorf("failed to scan job: %w", err)
	}

	err = mutate(record, time.Now().UTC())
	if err != nil {
		return err
	}

	usage, err := marshalNullable(record.Usage)
	if err != nil {
		return persistence.NewJobError(op, id, err)
	}

	metadata, err := marshalNullable(record.Metadata)
	if err != nil {
		return persistence.NewJobError(op, id, err)
	}

	var response any
	if len(record.Response) > 0 {
		response = []byte(record.Response)
	}

	query := `
		UPDATE jobs SET
			status = $2,
			status_message = $3,
			response = $4,
			error_message = $5,
			usage = $6,
			metadata = $7,
			updated_at = $8,
			started_at = $9,
			completed_at = $10
		WHERE id = $1
	`

	_, err = transaction.ExecContext(ctx, query,
		id,
		string(record.Status),
		nullString(record.StatusMessage),
		response,
		nullString(record.ErrorMessage),
		usage,
		metadata,
		record.UpdatedAt,
		record.StartedAt,
		record.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	err = transaction.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit job update: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.JobRecord, error) {
	var (
		job                                  models.Job
		record                               models.JobRecord
		taskType, status                     string
		priority                             int
		payload                              []byte
		response, usage, metadata            []byte
		workflowID, stageName                sql.NullString
		statusMessage, errorMessage          sql.NullString
		processAfter, startedAt, completedAt sql.NullTime
	)

	err := row.Scan(
		&job.ID,
		&taskType,
		&payload,
		&job.SessionID,
		&priority,
		&workflowID,
		&stageName,
		&processAfter,
		&status,
		&statusMessage,
		&response,
		&errorMessage,
		&usage,
		&metadata,
		&job.CreatedAt,
		&record.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.TaskType = models.TaskType(taskType)
	job.Priority = models.JobPriority(priority)
	job.WorkflowID = workflowID.String
	job.StageName = stageName.String
	job.ProcessAfter = timePtr(processAfter)

	job.Payload, err = models.UnmarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload of job %s: %w", job.ID, err)
	}

	record.Job = &job
	record.StatusMessage = statusMessage.String
	record.ErrorMessage = errorMessage.String
	record.StartedAt = timePtr(startedAt)
	record.CompletedAt = timePtr(completedAt)

	record.Status, err = models.ParseJobStatus(status)
	if err != nil {
		return nil, err
	}

	if len(response) > 0 {
		record.Response = json.RawMessage(response)
	}

	if len(usage) > 0 {
		record.Usage = &models.Usage{}
		if err := json.Unmarshal(usage, record.Usage); err != nil {
			return nil, fmt.Errorf("failed to decode usage of job %s: %w", job.ID, err)
		}
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of job %s: %w", job.ID, err)
		}
	}

	return &record, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time.UTC()

	return &v
}

func marshalNullable[T any](v T) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	if string(data) == "null" {
		return nil, nil
	}

	return data, nil
}
