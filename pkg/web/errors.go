package web

import (
	"errors"

	"github.com/dukex/jobflow/pkg/persistence"
	"github.com/dukex/jobflow/pkg/queue"
	"github.com/dukex/jobflow/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, problemType string, err error) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(err.Error())

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func unavailable(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(503).
		WithInstance(c.Path()).
		WithType("unavailable").
		WithDetail(err.Error())

	return c.Status(fiber.StatusServiceUnavailable).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps engine errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		return notFound(c, "workflow_not_found", "workflow not found")
	case errors.Is(err, workflow.ErrWorkflowNotRunning):
		return conflict(c, "workflow_not_running", err)
	case errors.Is(err, workflow.ErrWorkflowNotPaused):
		return conflict(c, "workflow_not_paused", err)
	case errors.Is(err, workflow.ErrStageNotRetryable):
		return conflict(c, "stage_not_retryable", err)
	case persistence.IsJobNotFound(err):
		return notFound(c, "job_not_found", "job not found")
	case errors.Is(err, queue.ErrQueueUnavailable):
		return unavailable(c, err)
	default:
		return internalError(c, err)
	}
}
