package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/persistence"
)

// JobRepository stores one JSON document per job under <root>/jobs.
type JobRepository struct {
	root string
	// mu serializes load-modify-save cycles; the file system gives no compare-and-swap.
	mu sync.Mutex
}

// NewJobRepository creates a new job repository.
func NewJobRepository(root string) *JobRepository {
	return &JobRepository{root: root}
}

func (jr *JobRepository) dir() string {
	return filepath.Join(jr.root, "jobs")
}

// path escapes the id into a single file name, so distinct ids never share a file.
func (jr *JobRepository) path(id string) string {
	return filepath.Join(jr.dir(), url.PathEscape(id)+".json")
}

// CreateJob writes a new Queued record.
func (jr *JobRepository) CreateJob(_ context.Context, job *models.Job) error {
	jr.mu.Lock()
	defer jr.mu.Unlock()

	if _, err := os.Stat(jr.path(job.ID)); err == nil {
		return persistence.NewJobError("CreateJob", job.ID, persistence.ErrJobAlreadyExists)
	}

	return jr.write(persistence.NewJobRecord(job, time.Now().UTC()))
}

func (jr *JobRepository) UpdateJobStatus(_ context.Context, id string, status models.JobStatus, message string) error {
	return jr.update("UpdateJobStatus", id, func(record *models.JobRecord, now time.Time) error {
		return persistence.ApplyStatus(record, status, message, now)
	})
}

func (jr *JobRepository) MarkJobCompleted(_ context.Context, id string, response json.RawMessage, usage *models.Usage, metadata map[string]any) error {
	return jr.update("MarkJobCompleted", id, func(record *models.JobRecord, now time.Time) error {
		return persistence.ApplyCompleted(record, response, usage, metadata, now)
	})
}

func (jr *JobRepository) MarkJobFailed(_ context.Context, id string, errorMessage string, usage *models.Usage, metadata map[string]any) error {
	return jr.update("MarkJobFailed", id, func(record *models.JobRecord, now time.Time) error {
		return persistence.ApplyFailed(record, errorMessage, usage, metadata, now)
	})
}

// JobByID returns the job record or an error wrapping persistence.ErrJobNotFound.
func (jr *JobRepository) JobByID(_ context.Context, id string) (*models.JobRecord, error) {
	return jr.read(id)
}

// JobsByStatus returns records in any of the given statuses, oldest first. No statuses means all.
func (jr *JobRepository) JobsByStatus(_ context.Context, statuses ...models.JobStatus) ([]*models.JobRecord, error) {
	jsonFiles, err := fs.Glob(os.DirFS(jr.dir()), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list job files: %w", err)
	}

	records := make([]*models.JobRecord, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		record, err := jr.read(strings.TrimSuffix(file, ".json"))
		if err != nil {
			if persistence.IsJobNotFound(err) {
				continue
			}

			return nil, err
		}

		if len(statuses) == 0 || slices.Contains(statuses, record.Status) {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Job.CreatedAt.Before(records[j].Job.CreatedAt)
	})

	return records, nil
}

func (jr *JobRepository) update(op, id string, mutate func(*models.JobRecord, time.Time) error) error {
	jr.mu.Lock()
	defer jr.mu.Unlock()

	record, err := jr.read(id)
	if err != nil {
		return err
	}

	if err := mutate(record, time.Now().UTC()); err != nil {
		return err
	}

	if err := jr.write(record); err != nil {
		return persistence.NewJobError(op, id, err)
	}

	return nil
}

func (jr *JobRepository) read(id string) (*models.JobRecord, error) {
	body, err := os.ReadFile(jr.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewJobError("JobByID", id, persistence.ErrJobNotFound)
		}

		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}

	var record models.JobRecord

	err = json.Unmarshal(body, &record)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}

	return &record, nil
}

func (jr *JobRepository) write(record *models.JobRecord) error {
	err := os.MkdirAll(jr.dir(), 0750)
	if err != nil {
		return fmt.Errorf("failed to create jobs directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", record.Job.ID, err)
	}

	target := jr.path(record.Job.ID)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write job %s: %w", record.Job.ID, err)
	}

	return os.Rename(tmp, target)
}
