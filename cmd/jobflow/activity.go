package main

import (
	"context"
	"log/slog"

	"github.com/dukex/jobflow/pkg/eventbus"
	"github.com/dukex/jobflow/pkg/events"
)

// subscribeActivityLog logs workflow outcomes, stage retries and permanent job failures as they
// are published.
func subscribeActivityLog(ctx context.Context, bus eventbus.EventSubscriber, logger *slog.Logger) error {
	logger = logger.With("module", "activity")

	handlers := map[events.EventType]eventbus.EventHandler{
		events.WorkflowCompletedEvent: func(ctx context.Context, event any) error {
			e, ok := event.(*events.WorkflowCompleted)
			if ok {
				logger.InfoContext(ctx, "Workflow completed",
					"workflow_id", e.WorkflowID,
					"definition", e.DefinitionName,
					"session_id", e.SessionID,
					"duration", e.Duration,
				)
			}

			return nil
		},
		events.WorkflowFailedEvent: func(ctx context.Context, event any) error {
			e, ok := event.(*events.WorkflowFailed)
			if ok {
				logger.WarnContext(ctx, "Workflow failed",
					"workflow_id", e.WorkflowID,
					"definition", e.DefinitionName,
					"session_id", e.SessionID,
					"cancelled", e.Cancelled,
					"error", e.Error,
				)
			}

			return nil
		},
		events.WorkflowStageRetriedEvent: func(ctx context.Context, event any) error {
			e, ok := event.(*events.WorkflowStageRetried)
			if ok {
				logger.InfoContext(ctx, "Workflow stage retried",
					"workflow_id", e.WorkflowID,
					"stage", e.StageName,
					"reset_stages", e.ResetStages,
					"superseded_job", e.SupersededJob,
				)
			}

			return nil
		},
		events.JobFailedEvent: func(ctx context.Context, event any) error {
			e, ok := event.(*events.JobFailed)
			if ok {
				logger.WarnContext(ctx, "Job failed",
					"job_id", e.JobID,
					"task_type", e.TaskType,
					"attempts", e.Attempts,
					"error", e.Error,
				)
			}

			return nil
		},
	}

	for eventType, handler := range handlers {
		err := bus.Handle(eventType, handler)
		if err != nil {
			return err
		}
	}

	return bus.Subscribe(ctx)
}
