package workflow

import (
	"errors"
	"fmt"

	"github.com/dukex/jobflow/pkg/models"
)

var (
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrDefinitionNotFound  = errors.New("workflow definition not found")
	ErrStageNotFound       = errors.New("stage job not found")
	ErrWorkflowStartFailed = errors.New("workflow failed to start")
	ErrUnsupportedStage    = errors.New("unsupported stage task type")
	ErrWorkflowNotRunning  = errors.New("workflow is not running")
	ErrWorkflowNotPaused   = errors.New("workflow is not paused")
	ErrStageNotRetryable   = errors.New("stage cannot be retried")
)

// ExtractionError reports a completed stage whose output could not be merged into the
// intermediate data. The stage is treated as failed.
type ExtractionError struct {
	TaskType models.TaskType
	JobID    string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to extract %s output of job %s: %v", e.TaskType, e.JobID, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// StageCreationError reports a stage job that could not be built, persisted or enqueued.
type StageCreationError struct {
	Stage string
	Err   error
}

func (e *StageCreationError) Error() string {
	return fmt.Sprintf("failed to create stage %s: %v", e.Stage, e.Err)
}

func (e *StageCreationError) Unwrap() error {
	return e.Err
}
