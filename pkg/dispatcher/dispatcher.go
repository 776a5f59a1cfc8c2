// Package dispatcher runs queued jobs on a bounded pool of workers and records their outcome.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/jobflow/pkg/eventbus"
	"github.com/dukex/jobflow/pkg/events"
	"github.com/dukex/jobflow/pkg/metrics"
	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/otelhelper"
	"github.com/dukex/jobflow/pkg/persistence"
	"github.com/dukex/jobflow/pkg/queue"
	"github.com/dukex/jobflow/pkg/registry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxRetries = 3

var (
	ErrEnqueueFailed = errors.New("job persisted but could not be enqueued")
	ErrInvalidJob    = errors.New("invalid job")
)

// Config holds the dispatcher settings.
type Config struct {
	// Workers is the number of worker loops; zero means one per queue permit.
	Workers    int           `validate:"gte=0"`
	MaxRetries uint32        `validate:"lte=10"`
	JobTimeout time.Duration `validate:"gte=0"`
	WorkerID   string
}

// ProcessorFinder resolves the processor for a job.
type ProcessorFinder interface {
	Find(job *models.Job) (registry.Processor, error)
}

// StageHandler is notified when a job belonging to a workflow starts and when it reaches a
// terminal state.
type StageHandler interface {
	HandleStageStarted(ctx context.Context, workflowID, jobID string)
	HandleStageCompleted(ctx context.Context, workflowID, jobID string, result models.JobResult)
	HandleStageFailed(ctx context.Context, workflowID, jobID, message string)
	HandleStageCanceled(ctx context.Context, workflowID, jobID, message string)
}

// CreateJobRequest describes a job to create. ID is generated when empty.
type CreateJobRequest struct {
	ID           string             `validate:"omitempty,max=255,excludesall=/\\"`
	SessionID    string             `validate:"required,max=255"`
	TaskType     models.TaskType    `validate:"required"`
	Payload      models.Payload     `validate:"required"`
	Priority     models.JobPriority `validate:"gte=0,lte=2"`
	WorkflowID   string
	StageName    string `validate:"required_with=WorkflowID"`
	ProcessAfter *time.Time
}

type runningJob struct {
	job    *models.Job
	cancel context.CancelCauseFunc
}

type Dispatcher struct {
	config   Config
	queue    *queue.JobQueue
	registry ProcessorFinder
	store    persistence.JobStore

	publisher eventbus.EventPublisher
	stages    StageHandler
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time

	retryDelay func(retries uint32) time.Duration

	mu      sync.Mutex
	running map[string]*runningJob
}

type Option func(*Dispatcher)

func WithEventPublisher(publisher eventbus.EventPublisher) Option {
	return func(d *Dispatcher) { d.publisher = publisher }
}

// WithStageHandler routes terminal outcomes of workflow jobs to handler.
func WithStageHandler(handler StageHandler) Option {
	return func(d *Dispatcher) { d.stages = handler }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = collector }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func New(config Config, jobQueue *queue.JobQueue, finder ProcessorFinder, store persistence.JobStore, opts ...Option) (*Dispatcher, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	err := validate.Struct(config)
	if err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}

	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	if config.WorkerID == "" {
		config.WorkerID = "worker-" + uuid.New().String()[:8]
	}

	d := &Dispatcher{
		config:   config,
		queue:    jobQueue,
		registry: finder,
		store:    store,
		tracer:   otelhelper.NoopTracer(),
		logger:   slog.Default(),
		validate: validate,
		now:      time.Now,
		running:  make(map[string]*runningJob),

		retryDelay: RetryDelay,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.logger = d.logger.With("module", "dispatcher", "worker_id", config.WorkerID)

	return d, nil
}

// SetStageHandler wires the workflow orchestrator after construction; the orchestrator itself
// needs the dispatcher to submit stage jobs.
func (d *Dispatcher) SetStageHandler(handler StageHandler) {
	d.stages = handler
}

// CreateJob validates, persists and enqueues a job. A job that was persisted but could not be
// enqueued is reported with an error wrapping ErrEnqueueFailed; its record stays Queued.
func (d *Dispatcher) CreateJob(ctx context.Context, request CreateJobRequest) (*models.Job, error) {
	err := d.validate.Struct(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	id := request.ID
	if id == "" {
		id = uuid.New().String()
	}

	job := &models.Job{
		ID:           id,
		TaskType:     request.TaskType,
		Payload:      request.Payload,
		SessionID:    request.SessionID,
		Priority:     request.Priority,
		WorkflowID:   request.WorkflowID,
		StageName:    request.StageName,
		ProcessAfter: request.ProcessAfter,
		CreatedAt:    d.now().UTC(),
	}

	err = job.Validate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	err = d.store.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	err = d.queue.Enqueue(ctx, job, job.Priority)
	if err != nil {
		d.logger.ErrorContext(ctx, "Persisted job could not be enqueued", "job_id", job.ID, "error", err)

		return job, persistence.NewJobError("Enqueue", job.ID, fmt.Errorf("%w: %w", ErrEnqueueFailed, err))
	}

	d.metrics.RecordEnqueue(string(job.TaskType))

	d.logger.DebugContext(ctx, "Job created",
		"job_id", job.ID,
		"task_type", job.TaskType,
		"priority", job.Priority.String(),
		"session_id", job.SessionID,
	)

	return job, nil
}

// Run starts the worker loops and blocks until ctx ends or the queue shuts down. Jobs already
// executing are allowed to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	workers := d.config.Workers
	if workers <= 0 {
		stats, err := d.queue.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue capacity: %w", err)
		}

		workers = stats.Capacity
	}

	d.logger.InfoContext(ctx, "Dispatcher started", "workers", workers)

	group, groupCtx := errgroup.WithContext(ctx)

	for i := range workers {
		group.Go(func() error {
			d.work(groupCtx, i)

			return nil
		})
	}

	err := group.Wait()

	d.logger.InfoContext(ctx, "Dispatcher stopped")

	return err
}

func (d *Dispatcher) work(ctx context.Context, index int) {
	logger := d.logger.With("worker", index)

	for {
		permit, err := d.queue.GetPermit(ctx)
		if err != nil {
			logger.DebugContext(ctx, "Worker exiting", "reason", err)

			return
		}

		job, err := d.queue.Next(ctx)
		if err != nil {
			permit.Release()
			logger.DebugContext(ctx, "Worker exiting", "reason", err)

			return
		}

		d.execute(context.WithoutCancel(ctx), job)
		permit.Release()
		d.reportQueue(ctx)
	}
}

func (d *Dispatcher) reportQueue(ctx context.Context) {
	if d.metrics == nil {
		return
	}

	stats, err := d.queue.Stats(ctx)
	if err != nil {
		return
	}

	d.metrics.UpdateQueueStats(stats.Pending()+stats.Delayed, stats.InFlight)
}

func (d *Dispatcher) notify(ctx context.Context, key string, event eventbus.Event) {
	eventbus.Notify(ctx, d.logger, d.publisher, key, event)
}

func (d *Dispatcher) baseEvent(eventType events.EventType, job *models.Job) events.BaseEvent {
	base := events.NewBaseEvent(eventType, job.WorkflowID)
	base.WorkerID = d.config.WorkerID

	return base
}
