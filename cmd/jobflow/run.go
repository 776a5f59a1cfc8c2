package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/jobflow/pkg/channels/kafka"
	"github.com/dukex/jobflow/pkg/cmd"
	"github.com/dukex/jobflow/pkg/dispatcher"
	"github.com/dukex/jobflow/pkg/housekeeping"
	"github.com/dukex/jobflow/pkg/log"
	"github.com/dukex/jobflow/pkg/metrics"
	"github.com/dukex/jobflow/pkg/otelhelper"
	"github.com/dukex/jobflow/pkg/queue"
	"github.com/dukex/jobflow/pkg/web"
	"github.com/dukex/jobflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the job dispatcher, workflow orchestrator and operational API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			databaseURLFlag(),
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   defaultEventBus,
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers, used with --event-bus kafka",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
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
				Name:    "workers",
				Usage:   "Number of dispatcher workers (0 means one per job slot)",
				Sources: cli.EnvVars("WORKERS"),
			},
			&cli.DurationFlag{
				Name:    "job-timeout",
				Usage:   "Per-job execution timeout (0 disables it)",
				Sources: cli.EnvVars("JOB_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "max-concurrent-stages",
				Usage:   "Maximum number of active stages per workflow",
				Value:   workflow.DefaultMaxConcurrentStages,
				Sources: cli.EnvVars("MAX_CONCURRENT_STAGES"),
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.BoolFlag{
				Name:    "recover",
				Usage:   "Recover jobs left active by a previous process on startup",
				Value:   true,
				Sources: cli.EnvVars("RECOVER_JOBS"),
			},
			&cli.BoolFlag{
				Name:    "otel",
				Usage:   "Export traces over OTLP/HTTP (configured by OTEL_* variables)",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			logLevelFlag(),
		},
		Action: run,
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("jobflow").With("worker_id", workerID)

	logger.InfoContext(ctx, "Initializing jobflow")

	tracer := otelhelper.NoopTracer()

	if command.Bool("otel") {
		otelTracer, shutdown, err := otelhelper.NewTracer(ctx, "jobflow")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			err := shutdown(context.WithoutCancel(ctx))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
			}
		}()

		tracer = otelTracer
	}

	definitions, err := loadDefinitions(command.String("workflows-path"))
	if err != nil {
		return err
	}

	registry, err := cmd.NewRegistry(ctx, logger, command.String("plugins-path"))
	if err != nil {
		return err
	}

	err = registry.Validate(definitions.TaskTypes()...)
	if err != nil {
		logger.WarnContext(ctx, "Some workflow stages have no processor yet", "error", err)
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

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger, kafka.ParseBrokers(command.String("kafka-brokers")))
	if err != nil {
		return err
	}

	defer func() {
		err := eventBus.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	err = subscribeActivityLog(ctx, eventBus, logger)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promRegistry)

	jobQueue := queue.New(logger, queue.Config{MaxConcurrentJobs: command.Int("max-concurrent-jobs")})
	defer jobQueue.Shutdown()

	jobDispatcher, err := dispatcher.New(
		dispatcher.Config{
			Workers:    command.Int("workers"),
			JobTimeout: command.Duration("job-timeout"),
			WorkerID:   workerID,
		},
		jobQueue,
		registry,
		store,
		dispatcher.WithEventPublisher(eventBus),
		dispatcher.WithMetrics(collector),
		dispatcher.WithTracer(tracer),
		dispatcher.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	orchestrator, err := workflow.NewOrchestrator(
		jobDispatcher,
		definitions,
		workflow.WithConfig(workflow.Config{MaxConcurrentStages: command.Int("max-concurrent-stages")}),
		workflow.WithEventPublisher(eventBus),
		workflow.WithMetrics(collector),
		workflow.WithTracer(tracer),
		workflow.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	jobDispatcher.SetStageHandler(orchestrator)

	if command.Bool("recover") {
		_, err := jobDispatcher.RecoverJobs(ctx)
		if err != nil {
			return err
		}
	}

	keeper, err := housekeeping.New(jobQueue, orchestrator, housekeeping.Config{}, logger)
	if err != nil {
		return err
	}

	err = keeper.Start(ctx)
	if err != nil {
		return err
	}
	defer keeper.Stop()

	server := web.NewServer(
		logger,
		web.NewAPIHandlers(store, jobDispatcher, jobQueue, orchestrator, validator.New(validator.WithRequiredStructEnabled())),
		promRegistry,
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return jobDispatcher.Run(groupCtx)
	})

	group.Go(func() error {
		err := server.Start(command.Int("port"))
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		logger.InfoContext(groupCtx, "Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	err = group.Wait()

	logger.InfoContext(ctx, "jobflow stopped")

	return err
}
