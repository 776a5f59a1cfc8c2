// Package events defines event types and structures for job and workflow lifecycle notifications.
package events

import (
	"time"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every job and workflow event.
const Topic = "jobflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Job lifecycle events.
	JobStatusChangedEvent EventType = "job.status.changed"
	JobCompletedEvent     EventType = "job.completed"
	JobFailedEvent        EventType = "job.failed"
	JobCanceledEvent      EventType = "job.canceled"
	JobRetryingEvent      EventType = "job.retrying"

	// Workflow lifecycle events.
	WorkflowStartedEvent        EventType = "workflow.started"
	WorkflowStageScheduledEvent EventType = "workflow.stage.scheduled"
	WorkflowCompletedEvent      EventType = "workflow.completed"
	WorkflowFailedEvent         EventType = "workflow.failed"
	WorkflowPausedEvent         EventType = "workflow.paused"
	WorkflowResumedEvent        EventType = "workflow.resumed"
	WorkflowStageRetriedEvent   EventType = "workflow.stage.retried"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps a fresh id and the current time.
func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}

// Job events

type JobStatusChanged struct {
	BaseEvent

	JobID     string           `json:"job_id"`
	SessionID string           `json:"session_id"`
	TaskType  models.TaskType  `json:"task_type"`
	Status    models.JobStatus `json:"status"`
	Message   string           `json:"message,omitempty"`
}

func (e JobStatusChanged) GetType() EventType {
	return JobStatusChangedEvent
}

type JobCompleted struct {
	BaseEvent

	JobID     string          `json:"job_id"`
	SessionID string          `json:"session_id"`
	TaskType  models.TaskType `json:"task_type"`
	StageName string          `json:"stage_name,omitempty"`
	Usage     *models.Usage   `json:"usage,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

func (e JobCompleted) GetType() EventType {
	return JobCompletedEvent
}

type JobFailed struct {
	BaseEvent

	JobID     string          `json:"job_id"`
	SessionID string          `json:"session_id"`
	TaskType  models.TaskType `json:"task_type"`
	StageName string          `json:"stage_name,omitempty"`
	Error     string          `json:"error"`
	Attempts  uint32          `json:"attempts"`
	Duration  time.Duration   `json:"duration"`
}

func (e JobFailed) GetType() EventType {
	return JobFailedEvent
}

type JobCanceled struct {
	BaseEvent

	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

func (e JobCanceled) GetType() EventType {
	return JobCanceledEvent
}

type JobRetrying struct {
	BaseEvent

	JobID        string        `json:"job_id"`
	SessionID    string        `json:"session_id"`
	Attempt      uint32        `json:"attempt"`
	Delay        time.Duration `json:"delay"`
	ProcessAfter time.Time     `json:"process_after"`
	Error        string        `json:"error"`
}

func (e JobRetrying) GetType() EventType {
	return JobRetryingEvent
}

// Workflow events

type WorkflowStarted struct {
	BaseEvent

	DefinitionName string `json:"definition_name"`
	SessionID      string `json:"session_id"`
}

func (e WorkflowStarted) GetType() EventType {
	return WorkflowStartedEvent
}

type WorkflowStageScheduled struct {
	BaseEvent

	StageName string          `json:"stage_name"`
	JobID     string          `json:"job_id"`
	TaskType  models.TaskType `json:"task_type"`
}

func (e WorkflowStageScheduled) GetType() EventType {
	return WorkflowStageScheduledEvent
}

type WorkflowCompleted struct {
	BaseEvent

	DefinitionName string                 `json:"definition_name"`
	SessionID      string                 `json:"session_id"`
	Result         *models.WorkflowResult `json:"result,omitempty"`
	Duration       time.Duration          `json:"duration"`
}

func (e WorkflowCompleted) GetType() EventType {
	return WorkflowCompletedEvent
}

type WorkflowFailed struct {
	BaseEvent

	DefinitionName string        `json:"definition_name"`
	SessionID      string        `json:"session_id"`
	Error          string        `json:"error"`
	Cancelled      bool          `json:"cancelled"`
	Duration       time.Duration `json:"duration"`
}

func (e WorkflowFailed) GetType() EventType {
	return WorkflowFailedEvent
}

type WorkflowPaused struct {
	BaseEvent

	SessionID    string `json:"session_id"`
	ActiveStages int    `json:"active_stages"`
}

func (e WorkflowPaused) GetType() EventType {
	return WorkflowPausedEvent
}

type WorkflowResumed struct {
	BaseEvent

	SessionID string `json:"session_id"`
}

func (e WorkflowResumed) GetType() EventType {
	return WorkflowResumedEvent
}

// WorkflowStageRetried reports a stage reset for another run, along with the dependent stages
// reset with it.
type WorkflowStageRetried struct {
	BaseEvent

	StageName     string   `json:"stage_name"`
	ResetStages   []string `json:"reset_stages,omitempty"`
	SupersededJob string   `json:"superseded_job,omitempty"`
}

func (e WorkflowStageRetried) GetType() EventType {
	return WorkflowStageRetriedEvent
}
