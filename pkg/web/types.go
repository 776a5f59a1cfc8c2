package web

import (
	"time"

	"github.com/dukex/jobflow/pkg/models"
)

// CancelWorkflowRequest is the optional body of POST /workflows/:id/cancel.
type CancelWorkflowRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

// CancelJobResponse reports whether a job was removed from the queue or signalled to stop.
type CancelJobResponse struct {
	JobID    string `json:"job_id"`
	Canceled bool   `json:"canceled"`
}

type CancelSessionJobsResponse struct {
	SessionID string `json:"session_id"`
	Canceled  int    `json:"canceled"`
}

// WorkflowSummary is the list view of a workflow.
type WorkflowSummary struct {
	WorkflowID      string                `json:"workflow_id"`
	DefinitionName  string                `json:"definition_name"`
	SessionID       string                `json:"session_id"`
	Status          models.WorkflowStatus `json:"status"`
	Cancelled       bool                  `json:"cancelled,omitempty"`
	Paused          bool                  `json:"paused,omitempty"`
	ActiveStages    int                   `json:"active_stages"`
	ScheduledStages int                   `json:"scheduled_stages"`
	ErrorMessage    string                `json:"error_message,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

func newWorkflowSummary(state *models.WorkflowState) WorkflowSummary {
	return WorkflowSummary{
		WorkflowID:      state.WorkflowID,
		DefinitionName:  state.DefinitionName,
		SessionID:       state.SessionID,
		Status:          state.Status,
		Cancelled:       state.Cancelled,
		Paused:          state.Paused,
		ActiveStages:    state.ActiveStageCount(),
		ScheduledStages: len(state.StageJobs),
		ErrorMessage:    state.ErrorMessage,
		CreatedAt:       state.CreatedAt,
		CompletedAt:     state.CompletedAt,
	}
}
