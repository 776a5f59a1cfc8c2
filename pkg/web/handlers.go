// Package web provides the operational HTTP API of the engine: health, metrics, queue and job
// inspection, and workflow inspection and cancellation.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/persistence"
	"github.com/dukex/jobflow/pkg/queue"
	"github.com/dukex/jobflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// JobCanceler cancels queued and running jobs. The dispatcher implements it.
type JobCanceler interface {
	CancelJob(ctx context.Context, jobID string) (bool, error)
	CancelSessionJobs(ctx context.Context, sessionID string) (int, error)
}

// QueueInspector reports queue depth. The job queue implements it.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// WorkflowService exposes live workflows. The workflow orchestrator implements it.
type WorkflowService interface {
	Workflow(workflowID string) (*models.WorkflowState, error)
	Workflows() []*models.WorkflowState
	Result(workflowID string) (*models.WorkflowResult, error)
	CancelWorkflow(ctx context.Context, workflowID, reason string) (*workflow.CancellationResult, error)
	PauseWorkflow(ctx context.Context, workflowID string) (*models.WorkflowState, error)
	ResumeWorkflow(ctx context.Context, workflowID string) (*models.WorkflowState, error)
	RetryStage(ctx context.Context, workflowID, stageName string) (*models.WorkflowState, error)
}

type APIHandlers struct {
	store     persistence.JobStore
	jobs      JobCanceler
	queue     QueueInspector
	workflows WorkflowService
	validator *validator.Validate
}

func NewAPIHandlers(
	store persistence.JobStore,
	jobs JobCanceler,
	queue QueueInspector,
	workflows WorkflowService,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		store:     store,
		jobs:      jobs,
		queue:     queue,
		workflows: workflows,
		validator: validator,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	checkers := fiber.Map{"store": "ok", "queue": "ok"}

	err := h.store.HealthCheck(c.Context())
	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		checkers["store"] = err.Error()
	}

	_, err = h.queue.Stats(c.Context())
	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		checkers["queue"] = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"checkers":  checkers,
		"timestamp": time.Now().UTC(),
	})
}

// Ready reports whether the queue still accepts work.
func (h *APIHandlers) Ready(c fiber.Ctx) bool {
	_, err := h.queue.Stats(c.Context())

	return err == nil
}

func (h *APIHandlers) GetQueueStats(c fiber.Ctx) error {
	stats, err := h.queue.Stats(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"high":      stats.High,
		"normal":    stats.Normal,
		"low":       stats.Low,
		"delayed":   stats.Delayed,
		"pending":   stats.Pending(),
		"in_flight": stats.InFlight,
		"capacity":  stats.Capacity,
	})
}

func (h *APIHandlers) GetJob(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Job ID is required")
	}

	record, err := h.store.JobByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(record)
}

func (h *APIHandlers) CancelJob(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Job ID is required")
	}

	canceled, err := h.jobs.CancelJob(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(CancelJobResponse{JobID: id, Canceled: canceled})
}

func (h *APIHandlers) CancelSessionJobs(c fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return badRequest(c, "Session ID is required")
	}

	count, err := h.jobs.CancelSessionJobs(c.Context(), sessionID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(CancelSessionJobsResponse{SessionID: sessionID, Canceled: count})
}

// GetWorkflows lists live workflows, optionally filtered by ?status= and ?session_id=.
func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	status := c.Query("status")
	if status != "" {
		switch models.WorkflowStatus(status) {
		case models.WorkflowStatusRunning, models.WorkflowStatusCompleted, models.WorkflowStatusFailed:
		default:
			return badRequest(c, "Invalid status: "+status)
		}
	}

	sessionID := c.Query("session_id")

	summaries := make([]WorkflowSummary, 0)

	for _, state := range h.workflows.Workflows() {
		if status != "" && string(state.Status) != status {
			continue
		}

		if sessionID != "" && state.SessionID != sessionID {
			continue
		}

		summaries = append(summaries, newWorkflowSummary(state))
	}

	return c.JSON(fiber.Map{
		"workflows":   summaries,
		"total_count": len(summaries),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	state, err := h.workflows.Workflow(id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) GetWorkflowResult(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	result, err := h.workflows.Result(id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req CancelWorkflowRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.workflows.CancelWorkflow(c.Context(), id, req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) PauseWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	state, err := h.workflows.PauseWorkflow(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) ResumeWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	state, err := h.workflows.ResumeWorkflow(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

// RetryStage re-runs a stage and everything downstream of it.
func (h *APIHandlers) RetryStage(c fiber.Ctx) error {
	id := c.Params("id")
	stage := c.Params("stage")

	if id == "" || stage == "" {
		return badRequest(c, "Workflow ID and stage name are required")
	}

	state, err := h.workflows.RetryStage(c.Context(), id, stage)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}
