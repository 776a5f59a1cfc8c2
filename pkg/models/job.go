// Package models defines the core domain models for job scheduling and workflow orchestration.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownTaskType  = errors.New("unknown task type")
	ErrPayloadMismatch  = errors.New("payload does not match task type")
	ErrUnknownPriority  = errors.New("unknown job priority")
	ErrInvalidJobStatus = errors.New("invalid job status")
)

// JobPriority orders jobs for dequeue selection only.
type JobPriority int

const (
	PriorityLow JobPriority = iota
	PriorityNormal
	PriorityHigh
)

// Priorities lists every priority from highest to lowest, the order the queue drains tiers in.
var Priorities = []JobPriority{PriorityHigh, PriorityNormal, PriorityLow}

func (p JobPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name; the empty string yields PriorityNormal.
func ParsePriority(s string) (JobPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
}

func (p JobPriority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *JobPriority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}

	*p = parsed

	return nil
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no transition out of the status is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// IsActive reports whether the job is waiting or executing.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
// Running -> Queued is allowed so that a failed attempt can be requeued for retry.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusCanceled || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusQueued || next.IsTerminal()
	default:
		return false
	}
}

// ParseJobStatus validates a status read from storage or user input.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(s))
	switch status {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidJobStatus, s)
	}
}

// Job is an immutable unit of work.
type Job struct {
	ID           string      `json:"id"                      validate:"required"`
	TaskType     TaskType    `json:"task_type"               validate:"required"`
	Payload      Payload     `json:"-"                       validate:"required"`
	SessionID    string      `json:"session_id"              validate:"required"`
	Priority     JobPriority `json:"priority"`
	WorkflowID   string      `json:"workflow_id,omitempty"`
	StageName    string      `json:"stage_name,omitempty"`
	ProcessAfter *time.Time  `json:"process_after,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// IsWorkflowStage reports whether the job was scheduled by a workflow.
func (j *Job) IsWorkflowStage() bool {
	return j.WorkflowID != ""
}

// ReadyAt reports whether the job may be dequeued at now.
func (j *Job) ReadyAt(now time.Time) bool {
	return j.ProcessAfter == nil || !now.Before(*j.ProcessAfter)
}

// Validate checks the payload variant matches the task type.
func (j *Job) Validate() error {
	if !j.TaskType.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, j.TaskType)
	}

	if j.Payload == nil || j.Payload.TaskType() != j.TaskType {
		return fmt.Errorf("%w: job %s has task type %s", ErrPayloadMismatch, j.ID, j.TaskType)
	}

	return nil
}

// WithProcessAfter returns a copy of the job that becomes eligible at t.
func (j *Job) WithProcessAfter(t time.Time) *Job {
	clone := *j
	clone.ProcessAfter = &t

	return &clone
}

type jobJSON struct {
	ID           string          `json:"id"`
	TaskType     TaskType        `json:"task_type"`
	Payload      json.RawMessage `json:"payload"`
	SessionID    string          `json:"session_id"`
	Priority     JobPriority     `json:"priority"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	StageName    string          `json:"stage_name,omitempty"`
	ProcessAfter *time.Time      `json:"process_after,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	payload, err := MarshalPayload(j.Payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(jobJSON{
		ID:           j.ID,
		TaskType:     j.TaskType,
		Payload:      payload,
		SessionID:    j.SessionID,
		Priority:     j.Priority,
		WorkflowID:   j.WorkflowID,
		StageName:    j.StageName,
		ProcessAfter: j.ProcessAfter,
		CreatedAt:    j.CreatedAt,
	})
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var raw jobJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := UnmarshalPayload(raw.Payload)
	if err != nil {
		return err
	}

	*j = Job{
		ID:           raw.ID,
		TaskType:     raw.TaskType,
		Payload:      payload,
		SessionID:    raw.SessionID,
		Priority:     raw.Priority,
		WorkflowID:   raw.WorkflowID,
		StageName:    raw.StageName,
		ProcessAfter: raw.ProcessAfter,
		CreatedAt:    raw.CreatedAt,
	}

	return nil
}

// JobRecord is the durable view of a job kept by a job store.
type JobRecord struct {
	Job           *Job            `json:"job"`
	Status        JobStatus       `json:"status"`
	StatusMessage string          `json:"status_message,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}
