package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/jobflow/pkg/cmd"
	"github.com/dukex/jobflow/pkg/dispatcher"
	"github.com/dukex/jobflow/pkg/log"
	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/persistence"
	"github.com/dukex/jobflow/pkg/queue"
	"github.com/dukex/jobflow/pkg/workflow"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const workflowPollInterval = 100 * time.Millisecond

var (
	errDefinitionRequired = errors.New("workflow definition name is required")
	errWorkflowFailed     = errors.New("workflow did not complete")
)

type startOptions struct {
	Definition          string
	SessionID           string
	Params              models.WorkflowParams
	MaxConcurrentJobs   int
	MaxConcurrentStages int
	Timeout             time.Duration
	JSON                bool
}

func NewStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Run one workflow in-process and print its result",
		ArgsUsage: "<definition>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "session",
				Usage: "Session the stage jobs belong to (auto-generated if not provided)",
			},
			&cli.StringFlag{
				Name:     "task",
				Aliases:  []string{"t"},
				Usage:    "Task description handed to every stage",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "project-dir",
				Usage: "Project directory the stages work on",
				Value: ".",
			},
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "Paths excluded from the search",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Cancel the workflow when it runs longer than this (0 waits forever)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the result as JSON",
			},
			databaseURLFlag(),
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing processor plugins",
				Value:   defaultPluginsPath,
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			workflowsPathFlag(),
			&cli.IntFlag{
				Name:    "max-concurrent-jobs",
				Usage:   "Maximum number of jobs executing at once",
				Value:   queue.DefaultMaxConcurrentJobs,
				Sources: cli.EnvVars("MAX_CONCURRENT_JOBS"),
			},
			&cli.IntFlag{
				Name:    "max-concurrent-stages",
				Usage:   "Maximum number of active stages per workflow",
				Value:   workflow.DefaultMaxConcurrentStages,
				Sources: cli.EnvVars("MAX_CONCURRENT_STAGES"),
			},
			logLevelFlag(),
		},
		Action: start,
	}
}

func start(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithModule("jobflow").With("action", "start")

	opts := startOptions{
		Definition: command.Args().First(),
		SessionID:  command.String("session"),
		Params: models.WorkflowParams{
			TaskDescription:  command.String("task"),
			ProjectDirectory: command.String("project-dir"),
			ExcludedPaths:    command.StringSlice("exclude"),
		},
		MaxConcurrentJobs:   command.Int("max-concurrent-jobs"),
		MaxConcurrentStages: command.Int("max-concurrent-stages"),
		Timeout:             command.Duration("timeout"),
		JSON:                command.Bool("json"),
	}

	if opts.Definition == "" {
		return errDefinitionRequired
	}

	definitions, err := loadDefinitions(command.String("workflows-path"))
	if err != nil {
		return err
	}

	registry, err := cmd.NewRegistry(ctx, logger, command.String("plugins-path"))
	if err != nil {
		return err
	}

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := store.Close(context.WithoutCancel(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	_, err = runWorkflow(ctx, os.Stdout, logger, registry, store, definitions, opts)

	return err
}

// runWorkflow wires a private queue, dispatcher and orchestrator, runs one workflow until it is
// terminal and prints the result. A workflow that does not complete yields errWorkflowFailed.
func runWorkflow(
	ctx context.Context,
	w io.Writer,
	logger *slog.Logger,
	finder dispatcher.ProcessorFinder,
	store persistence.JobStore,
	definitions *workflow.Definitions,
	opts startOptions,
) (*models.WorkflowResult, error) {
	if opts.SessionID == "" {
		opts.SessionID = "cli-" + uuid.New().String()[:8]
	}

	jobQueue := queue.New(logger, queue.Config{MaxConcurrentJobs: opts.MaxConcurrentJobs})
	defer jobQueue.Shutdown()

	jobDispatcher, err := dispatcher.New(dispatcher.Config{WorkerID: "cli"}, jobQueue, finder, store,
		dispatcher.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	orchestrator, err := workflow.NewOrchestrator(jobDispatcher, definitions,
		workflow.WithConfig(workflow.Config{MaxConcurrentStages: opts.MaxConcurrentStages}),
		workflow.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	jobDispatcher.SetStageHandler(orchestrator)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		return jobDispatcher.Run(groupCtx)
	})

	result, runErr := driveWorkflow(runCtx, logger, orchestrator, opts)

	cancel()

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WarnContext(ctx, "Dispatcher stopped with an error", "error", err)
	}

	if result != nil {
		err = printResult(w, result, opts.JSON)
		if err != nil {
			return result, err
		}
	}

	return result, runErr
}

func driveWorkflow(ctx context.Context, logger *slog.Logger, orchestrator *workflow.Orchestrator, opts startOptions) (*models.WorkflowResult, error) {
	state, err := orchestrator.StartWorkflow(ctx, opts.Definition, opts.SessionID, opts.Params)
	if err != nil {
		if state != nil {
			return models.NewWorkflowResult(state), err
		}

		return nil, err
	}

	logger.InfoContext(ctx, "Workflow started", "workflow_id", state.WorkflowID, "definition", opts.Definition)

	waitCtx := ctx

	if opts.Timeout > 0 {
		var cancel context.CancelFunc

		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	final, err := waitForWorkflow(waitCtx, orchestrator, state.WorkflowID)
	if err != nil {
		logger.WarnContext(ctx, "Stopped waiting, cancelling workflow", "workflow_id", state.WorkflowID, "error", err)

		_, cancelErr := orchestrator.CancelWorkflow(context.WithoutCancel(ctx), state.WorkflowID, err.Error())
		if cancelErr != nil {
			logger.ErrorContext(ctx, "Failed to cancel workflow", "workflow_id", state.WorkflowID, "error", cancelErr)
		}

		final, _ = orchestrator.Workflow(state.WorkflowID)
	}

	if final == nil {
		return nil, err
	}

	result := models.NewWorkflowResult(final)
	if !result.Success {
		return result, fmt.Errorf("%w: %s", errWorkflowFailed, result.ErrorMessage)
	}

	return result, nil
}

// waitForWorkflow polls until the workflow is terminal or ctx is done.
func waitForWorkflow(ctx context.Context, orchestrator *workflow.Orchestrator, workflowID string) (*models.WorkflowState, error) {
	ticker := time.NewTicker(workflowPollInterval)
	defer ticker.Stop()

	for {
		state, err := orchestrator.Workflow(workflowID)
		if err != nil {
			return nil, err
		}

		if state.Status.IsTerminal() {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

func printResult(w io.Writer, result *models.WorkflowResult, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		return encoder.Encode(result)
	}

	if result.Success {
		_, _ = fmt.Fprintf(w, "✅ Workflow %s completed\n", result.WorkflowID)
	} else {
		_, _ = fmt.Fprintf(w, "❌ Workflow %s %s: %s\n", result.WorkflowID, result.Status, result.ErrorMessage)
	}

	_, _ = fmt.Fprintf(w, "Stages: %d of %d completed, %d failed\n", result.CompletedStages, result.TotalStages, result.FailedStages)

	if result.Duration != nil {
		_, _ = fmt.Fprintf(w, "Duration: %s\n", result.Duration.Round(time.Millisecond))
	}

	if len(result.SelectedFiles) > 0 {
		_, _ = fmt.Fprintln(w, "Selected files:")

		for _, file := range result.SelectedFiles {
			_, _ = fmt.Fprintf(w, "  %s\n", file)
		}
	}

	return nil
}
