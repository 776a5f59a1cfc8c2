// Package workflow sequences dependent stage jobs into workflows and tracks their live state.
package workflow

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dukex/jobflow/pkg/dispatcher"
	"github.com/dukex/jobflow/pkg/eventbus"
	"github.com/dukex/jobflow/pkg/events"
	"github.com/dukex/jobflow/pkg/metrics"
	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/otelhelper"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxConcurrentStages     = 3
	DefaultEarlyExitTokenThreshold = 120000
)

// JobSubmitter creates and cancels stage jobs. The dispatcher implements it.
type JobSubmitter interface {
	CreateJob(ctx context.Context, request dispatcher.CreateJobRequest) (*models.Job, error)
	CancelJob(ctx context.Context, jobID string) (bool, error)
}

// Config holds the orchestrator settings. Zero values select the defaults.
type Config struct {
	MaxConcurrentStages int `validate:"gte=0,lte=64"`
	// EarlyExitTokenThreshold completes a workflow once a relevance assessment reports at least
	// this many tokens.
	EarlyExitTokenThreshold int                `validate:"gte=0"`
	StagePriority           models.JobPriority `validate:"gte=0,lte=2"`
}

// CancellationResult reports what CancelWorkflow did.
type CancellationResult struct {
	WorkflowID          string   `json:"workflow_id"`
	CanceledJobs        []string `json:"canceled_jobs"`
	FailedCancellations []string `json:"failed_cancellations,omitempty"`
	AlreadyTerminal     bool     `json:"already_terminal"`
}

type stageOutcome struct {
	status  models.JobStatus
	result  models.JobResult
	message string
}

// entry guards one workflow. Its lock spans the whole locate, decide and mutate sequence.
type entry struct {
	mu    sync.Mutex
	state *models.WorkflowState
}

type Orchestrator struct {
	submitter   JobSubmitter
	definitions *Definitions
	config      Config

	publisher eventbus.EventPublisher
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time

	mu        sync.RWMutex
	workflows map[string]*entry
}

var _ dispatcher.StageHandler = (*Orchestrator)(nil)

type Option func(*Orchestrator)

func WithConfig(config Config) Option {
	return func(o *Orchestrator) { o.config = config }
}

func WithEventPublisher(publisher eventbus.EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = publisher }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = collector }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func NewOrchestrator(submitter JobSubmitter, definitions *Definitions, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		submitter:   submitter,
		definitions: definitions,
		tracer:      otelhelper.NoopTracer(),
		logger:      slog.Default(),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         time.Now,
		workflows:   make(map[string]*entry),
	}

	for _, opt := range opts {
		opt(o)
	}

	err := o.validate.Struct(o.config)
	if err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}

	if o.config.MaxConcurrentStages == 0 {
		o.config.MaxConcurrentStages = DefaultMaxConcurrentStages
	}

	if o.config.EarlyExitTokenThreshold == 0 {
		o.config.EarlyExitTokenThreshold = DefaultEarlyExitTokenThreshold
	}

	o.logger = o.logger.With("module", "workflow_orchestrator")

	return o, nil
}

// StartWorkflow creates a running workflow and schedules its first eligible stages. When no
// stage could be scheduled the workflow is returned Failed along with ErrWorkflowStartFailed.
func (o *Orchestrator) StartWorkflow(ctx context.Context, definitionName, sessionID string, params models.WorkflowParams) (*models.WorkflowState, error) {
	def, err := o.definitions.Get(definitionName)
	if err != nil {
		return nil, err
	}

	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrWorkflowStartFailed)
	}

	err = o.validate.Struct(params)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid parameters: %w", ErrWorkflowStartFailed, err)
	}

	now := o.now().UTC()
	state := &models.WorkflowState{
		WorkflowID:     uuid.New().String(),
		DefinitionName: def.Name,
		SessionID:      sessionID,
		Status:         models.WorkflowStatusRunning,
		Params:         params,
		StageJobs:      make([]models.StageJob, 0, len(def.Stages)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "workflow.start",
		attribute.String(otelhelper.WorkflowIDKey, state.WorkflowID),
		attribute.String(otelhelper.WorkflowNameKey, def.Name),
		attribute.String(otelhelper.SessionIDKey, sessionID),
	)
	defer span.End()

	e := &entry{state: state}

	e.mu.Lock()
	defer e.mu.Unlock()

	o.mu.Lock()
	o.workflows[state.WorkflowID] = e
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "Workflow started",
		"workflow_id", state.WorkflowID,
		"definition", def.Name,
		"session_id", sessionID,
	)

	o.metrics.RecordWorkflowStarted()

	o.notify(ctx, state, events.WorkflowStarted{
		BaseEvent:      events.NewBaseEvent(events.WorkflowStartedEvent, state.WorkflowID),
		DefinitionName: def.Name,
		SessionID:      sessionID,
	})

	o.schedule(ctx, state, def)

	snapshot := state.Clone()
	if snapshot.Status == models.WorkflowStatusFailed {
		otelhelper.SetFailure(span, snapshot.ErrorMessage)

		return snapshot, fmt.Errorf("%w: %s", ErrWorkflowStartFailed, snapshot.ErrorMessage)
	}

	return snapshot, nil
}

// HandleStageStarted moves a queued stage to Running. A stage stays Running while the dispatcher
// waits to retry its job.
func (o *Orchestrator) HandleStageStarted(ctx context.Context, workflowID, jobID string) {
	e, err := o.entry(workflowID)
	if err != nil {
		o.logger.WarnContext(ctx, "Stage start for an untracked workflow", "workflow_id", workflowID, "job_id", jobID, "error", err)

		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stageJob := e.state.StageJobByID(jobID)
	if stageJob == nil || stageJob.Status != models.JobStatusQueued {
		return
	}

	now := o.now().UTC()
	stageJob.Status = models.JobStatusRunning
	stageJob.StartedAt = &now
	e.state.Touch(now)

	o.logger.DebugContext(ctx, "Stage started", "workflow_id", workflowID, "job_id", jobID, "stage", stageJob.StageName)
}

func (o *Orchestrator) HandleStageCompleted(ctx context.Context, workflowID, jobID string, result models.JobResult) {
	o.handleStage(ctx, workflowID, jobID, stageOutcome{status: models.JobStatusCompleted, result: result})
}

func (o *Orchestrator) HandleStageFailed(ctx context.Context, workflowID, jobID, message string) {
	o.handleStage(ctx, workflowID, jobID, stageOutcome{status: models.JobStatusFailed, message: message})
}

func (o *Orchestrator) HandleStageCanceled(ctx context.Context, workflowID, jobID, message string) {
	o.handleStage(ctx, workflowID, jobID, stageOutcome{status: models.JobStatusCanceled, message: message})
}

// handleStage records a terminal stage outcome and advances the workflow. It never returns an
// error: every problem ends up logged or as a workflow status transition.
func (o *Orchestrator) handleStage(ctx context.Context, workflowID, jobID string, outcome stageOutcome) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "workflow.stage.handle",
		attribute.String(otelhelper.WorkflowIDKey, workflowID),
		attribute.String(otelhelper.JobIDKey, jobID),
	)
	defer span.End()

	logger := o.logger.With("workflow_id", workflowID, "job_id", jobID)

	e, err := o.entry(workflowID)
	if err != nil {
		logger.ErrorContext(ctx, "Stage outcome for an untracked workflow", "error", err)
		otelhelper.SetError(span, err)

		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.state

	def, err := o.definitions.Get(state.DefinitionName)
	if err != nil {
		logger.ErrorContext(ctx, "Workflow definition disappeared", "error", err)
		otelhelper.SetError(span, err)

		return
	}

	stageJob := state.StageJobByID(jobID)
	if stageJob == nil {
		err = fmt.Errorf("%w: %s", ErrStageNotFound, jobID)
		logger.ErrorContext(ctx, "Stage outcome for an unknown job", "error", err)
		otelhelper.SetError(span, err)

		return
	}

	if stageJob.Status.IsTerminal() {
		logger.DebugContext(ctx, "Duplicate stage outcome ignored", "status", stageJob.Status)

		return
	}

	span.SetAttributes(attribute.String(otelhelper.StageNameKey, stageJob.StageName))
	logger = logger.With("stage", stageJob.StageName)

	if outcome.status == models.JobStatusCompleted && !state.Status.IsTerminal() {
		err = ApplyStageOutput(logger, &state.IntermediateData, stageJob.TaskType, jobID, outcome.result.Output)
		if err != nil {
			logger.ErrorContext(ctx, "Stage output could not be extracted", "error", err)
			otelhelper.SetError(span, err)

			outcome = stageOutcome{status: models.JobStatusFailed, message: err.Error()}
		}
	}

	now := o.now().UTC()
	stageJob.Status = outcome.status
	stageJob.ErrorMessage = outcome.message
	stageJob.CompletedAt = &now
	state.Touch(now)

	if state.Status.IsTerminal() {
		logger.InfoContext(ctx, "Stage finished after its workflow ended",
			"status", outcome.status,
			"workflow_status", state.Status,
		)

		return
	}

	logger.InfoContext(ctx, "Stage finished", "status", outcome.status, "error", outcome.message)

	o.advance(ctx, state, def)
}

// advance moves a running workflow forward. Paused workflows are held where they are.
func (o *Orchestrator) advance(ctx context.Context, state *models.WorkflowState, def *models.WorkflowDefinition) {
	if state.Paused {
		o.logger.DebugContext(ctx, "Workflow paused, holding", "workflow_id", state.WorkflowID)

		return
	}

	if o.earlyExit(state) {
		o.logger.InfoContext(ctx, "Token threshold reached, completing workflow early",
			"workflow_id", state.WorkflowID,
			"token_count", *state.IntermediateData.AIFilteredFilesTokenCount,
			"threshold", o.config.EarlyExitTokenThreshold,
		)
		o.complete(ctx, state)

		return
	}

	o.schedule(ctx, state, def)
}

// earlyExit promotes the assessed files to verified paths when a completed relevance assessment
// is already over the token threshold; later stages would only add cost.
func (o *Orchestrator) earlyExit(state *models.WorkflowState) bool {
	count := state.IntermediateData.AIFilteredFilesTokenCount
	if count == nil || *count < o.config.EarlyExitTokenThreshold {
		return false
	}

	assessed := slices.ContainsFunc(state.StageJobs, func(job models.StageJob) bool {
		return job.TaskType == models.TaskTypeFileRelevanceAssessment && job.Status == models.JobStatusCompleted
	})
	if !assessed {
		return false
	}

	state.IntermediateData.ExtendedVerifiedPaths = slices.Clone(state.IntermediateData.AIFilteredFiles)

	return true
}

// schedule starts eligible stages within the free slots, or resolves the workflow when nothing
// is eligible. A workflow with nothing active after the pass is failed rather than left running.
func (o *Orchestrator) schedule(ctx context.Context, state *models.WorkflowState, def *models.WorkflowDefinition) {
	eligible := eligibleStages(state, def)
	if len(eligible) == 0 {
		o.resolve(ctx, state, def)

		return
	}

	active := state.ActiveStageCount()
	slots := o.config.MaxConcurrentStages - active

	if slots <= 0 || exclusiveStageActive(state, def) {
		o.logger.DebugContext(ctx, "Eligible stages waiting for a slot",
			"workflow_id", state.WorkflowID,
			"eligible", len(eligible),
			"active", active,
		)

		return
	}

	created := 0

	var creationErr error

	for _, stage := range eligible {
		if created >= slots {
			break
		}

		if !stage.AllowParallel && active+created > 0 {
			continue
		}

		err := o.createStage(ctx, state, stage)
		if err != nil {
			creationErr = err
			o.logger.ErrorContext(ctx, "Failed to create stage job",
				"workflow_id", state.WorkflowID,
				"stage", stage.Name,
				"error", err,
			)

			continue
		}

		created++

		if !stage.AllowParallel {
			break
		}
	}

	if created == 0 && state.ActiveStageCount() == 0 {
		message := stalledMessage
		if creationErr != nil {
			message = creationErr.Error()
		}

		o.fail(ctx, state, message)
	}
}

const stalledMessage = "stalled: no stage can progress"

// resolve decides the outcome of a workflow that has no eligible stage.
func (o *Orchestrator) resolve(ctx context.Context, state *models.WorkflowState, def *models.WorkflowDefinition) {
	failed := state.FirstFailedStage()

	switch {
	case state.Cancelled:
		o.fail(ctx, state, "cancelled: "+state.CancelReason)
	case failed != nil:
		o.fail(ctx, state, fmt.Sprintf("stage %s %s: %s", failed.StageName, failed.Status, failed.ErrorMessage))
	case isComplete(state, def):
		o.complete(ctx, state)
	case state.ActiveStageCount() > 0:
		o.logger.DebugContext(ctx, "Waiting for active stages", "workflow_id", state.WorkflowID)
	default:
		o.fail(ctx, state, stalledMessage)
	}
}

func (o *Orchestrator) createStage(ctx context.Context, state *models.WorkflowState, stage *models.StageDefinition) error {
	payload, err := BuildStagePayload(state, stage)
	if err != nil {
		return &StageCreationError{Stage: stage.Name, Err: err}
	}

	job, err := o.submitter.CreateJob(ctx, dispatcher.CreateJobRequest{
		ID:         uuid.New().String(),
		SessionID:  state.SessionID,
		TaskType:   stage.TaskType,
		Payload:    payload,
		Priority:   o.config.StagePriority,
		WorkflowID: state.WorkflowID,
		StageName:  stage.Name,
	})
	if err != nil {
		return &StageCreationError{Stage: stage.Name, Err: err}
	}

	now := o.now().UTC()
	state.StageJobs = append(state.StageJobs, models.StageJob{
		StageName: stage.Name,
		JobID:     job.ID,
		TaskType:  stage.TaskType,
		Status:    models.JobStatusQueued,
		CreatedAt: now,
	})
	state.Touch(now)

	o.logger.InfoContext(ctx, "Stage scheduled",
		"workflow_id", state.WorkflowID,
		"stage", stage.Name,
		"job_id", job.ID,
		"task_type", stage.TaskType,
	)

	o.notify(ctx, state, events.WorkflowStageScheduled{
		BaseEvent: events.NewBaseEvent(events.WorkflowStageScheduledEvent, state.WorkflowID),
		StageName: stage.Name,
		JobID:     job.ID,
		TaskType:  stage.TaskType,
	})

	return nil
}

func (o *Orchestrator) complete(ctx context.Context, state *models.WorkflowState) {
	if state.Status.IsTerminal() {
		return
	}

	now := o.now().UTC()
	state.Status = models.WorkflowStatusCompleted
	state.CompletedAt = &now
	state.Touch(now)

	result := models.NewWorkflowResult(state)

	o.metrics.RecordWorkflowFinished(string(state.Status))

	o.logger.InfoContext(ctx, "Workflow completed",
		"workflow_id", state.WorkflowID,
		"selected_files", len(result.SelectedFiles),
		"stages", result.CompletedStages,
	)

	o.notify(ctx, state, events.WorkflowCompleted{
		BaseEvent:      events.NewBaseEvent(events.WorkflowCompletedEvent, state.WorkflowID),
		DefinitionName: state.DefinitionName,
		SessionID:      state.SessionID,
		Result:         result,
		Duration:       now.Sub(state.CreatedAt),
	})
}

func (o *Orchestrator) fail(ctx context.Context, state *models.WorkflowState, message string) {
	if state.Status.IsTerminal() {
		return
	}

	now := o.now().UTC()
	state.Status = models.WorkflowStatusFailed
	state.ErrorMessage = message
	state.CompletedAt = &now
	state.Touch(now)

	o.metrics.RecordWorkflowFinished(string(state.Status))

	o.logger.WarnContext(ctx, "Workflow failed",
		"workflow_id", state.WorkflowID,
		"error", message,
		"cancelled", state.Cancelled,
	)

	o.notify(ctx, state, events.WorkflowFailed{
		BaseEvent:      events.NewBaseEvent(events.WorkflowFailedEvent, state.WorkflowID),
		DefinitionName: state.DefinitionName,
		SessionID:      state.SessionID,
		Error:          message,
		Cancelled:      state.Cancelled,
		Duration:       now.Sub(state.CreatedAt),
	})
}

// CancelWorkflow stops scheduling new stages, cancels the active ones and fails the workflow
// with a cancellation message.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID, reason string) (*CancellationResult, error) {
	e, err := o.entry(workflowID)
	if err != nil {
		return nil, err
	}

	if reason == "" {
		reason = "canceled by request"
	}

	result := &CancellationResult{WorkflowID: workflowID, CanceledJobs: make([]string, 0)}

	e.mu.Lock()

	if e.state.Status.IsTerminal() {
		e.mu.Unlock()

		result.AlreadyTerminal = true

		return result, nil
	}

	e.state.Cancelled = true
	e.state.CancelReason = reason
	e.state.Touch(o.now().UTC())
	active := e.state.ActiveStageJobs()

	e.mu.Unlock()

	// Canceling a queued stage job calls back into HandleStageCanceled, which takes the entry lock.
	for _, stageJob := range active {
		canceled, err := o.submitter.CancelJob(ctx, stageJob.JobID)
		if err != nil {
			o.logger.WarnContext(ctx, "Failed to cancel stage job",
				"workflow_id", workflowID,
				"job_id", stageJob.JobID,
				"error", err,
			)
			result.FailedCancellations = append(result.FailedCancellations, stageJob.JobID)

			continue
		}

		if canceled {
			result.CanceledJobs = append(result.CanceledJobs, stageJob.JobID)
		}
	}

	e.mu.Lock()
	o.fail(ctx, e.state, "cancelled: "+reason)
	e.mu.Unlock()

	return result, nil
}

// PauseWorkflow stops a running workflow from scheduling or resolving. Active stage jobs keep
// running and their outcomes are recorded. Pausing a paused workflow is a no-op.
func (o *Orchestrator) PauseWorkflow(ctx context.Context, workflowID string) (*models.WorkflowState, error) {
	e, err := o.entry(workflowID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.state
	if state.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrWorkflowNotRunning, workflowID, state.Status)
	}

	if state.Paused {
		return state.Clone(), nil
	}

	state.Paused = true
	state.Touch(o.now().UTC())

	o.logger.InfoContext(ctx, "Workflow paused", "workflow_id", workflowID, "active_stages", state.ActiveStageCount())

	o.notify(ctx, state, events.WorkflowPaused{
		BaseEvent:    events.NewBaseEvent(events.WorkflowPausedEvent, workflowID),
		SessionID:    state.SessionID,
		ActiveStages: state.ActiveStageCount(),
	})

	return state.Clone(), nil
}

// ResumeWorkflow lifts a pause and advances the workflow with whatever was recorded meanwhile.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, workflowID string) (*models.WorkflowState, error) {
	e, err := o.entry(workflowID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.state
	if state.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrWorkflowNotRunning, workflowID, state.Status)
	}

	if !state.Paused {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotPaused, workflowID)
	}

	def, err := o.definitions.Get(state.DefinitionName)
	if err != nil {
		return nil, err
	}

	state.Paused = false
	state.Touch(o.now().UTC())

	o.logger.InfoContext(ctx, "Workflow resumed", "workflow_id", workflowID)

	o.notify(ctx, state, events.WorkflowResumed{
		BaseEvent: events.NewBaseEvent(events.WorkflowResumedEvent, workflowID),
		SessionID: state.SessionID,
	})

	o.advance(ctx, state, def)

	return state.Clone(), nil
}

// RetryStage discards the recorded runs of a stage and of every stage downstream of it so they
// run again. The workflow must still be running: a paused workflow keeps failed or canceled
// stages for retry, a running one can re-run completed stages. Nothing in the reset set may be
// active. The new stage job is scheduled right away unless the workflow is paused.
func (o *Orchestrator) RetryStage(ctx context.Context, workflowID, stageName string) (*models.WorkflowState, error) {
	e, err := o.entry(workflowID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.state
	if state.Status.IsTerminal() || state.Cancelled {
		return nil, fmt.Errorf("%w: %s is %s", ErrWorkflowNotRunning, workflowID, state.Status)
	}

	def, err := o.definitions.Get(state.DefinitionName)
	if err != nil {
		return nil, err
	}

	if _, ok := def.Stage(stageName); !ok {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrStageNotRetryable, stageName)
	}

	previous := state.StageJobsFor(stageName)
	if len(previous) == 0 {
		return nil, fmt.Errorf("%w: %s has not run", ErrStageNotRetryable, stageName)
	}

	reset := append([]string{stageName}, def.Downstream(stageName)...)

	for _, name := range reset {
		if state.HasActiveStage(name) {
			return nil, fmt.Errorf("%w: %s is still active", ErrStageNotRetryable, name)
		}
	}

	superseded := previous[len(previous)-1].JobID

	state.RemoveStageJobs(reset...)
	state.StageRetries++
	state.Touch(o.now().UTC())

	o.logger.InfoContext(ctx, "Stage reset for retry",
		"workflow_id", workflowID,
		"stage", stageName,
		"superseded_job", superseded,
		"reset_stages", reset[1:],
	)

	o.notify(ctx, state, events.WorkflowStageRetried{
		BaseEvent:     events.NewBaseEvent(events.WorkflowStageRetriedEvent, workflowID),
		StageName:     stageName,
		ResetStages:   reset[1:],
		SupersededJob: superseded,
	})

	o.advance(ctx, state, def)

	return state.Clone(), nil
}

// CleanupCompletedWorkflows forgets terminal workflows that finished more than maxAge ago and
// returns how many were removed.
func (o *Orchestrator) CleanupCompletedWorkflows(maxAge time.Duration) int {
	cutoff := o.now().UTC().Add(-maxAge)
	removed := 0

	o.mu.Lock()
	defer o.mu.Unlock()

	for id, e := range o.workflows {
		e.mu.Lock()
		expired := e.state.Status.IsTerminal() && e.state.CompletedAt != nil && e.state.CompletedAt.Before(cutoff)
		e.mu.Unlock()

		if expired {
			delete(o.workflows, id)
			removed++
		}
	}

	if removed > 0 {
		o.logger.Info("Removed finished workflows", "count", removed, "max_age", maxAge)
	}

	return removed
}

// Workflow returns a snapshot of the workflow state.
func (o *Orchestrator) Workflow(workflowID string) (*models.WorkflowState, error) {
	e, err := o.entry(workflowID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state.Clone(), nil
}

// Workflows returns snapshots of every tracked workflow, oldest first.
func (o *Orchestrator) Workflows() []*models.WorkflowState {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.workflows))

	for _, e := range o.workflows {
		entries = append(entries, e)
	}
	o.mu.RUnlock()

	states := make([]*models.WorkflowState, 0, len(entries))

	for _, e := range entries {
		e.mu.Lock()
		states = append(states, e.state.Clone())
		e.mu.Unlock()
	}

	slices.SortFunc(states, func(a, b *models.WorkflowState) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.WorkflowID, b.WorkflowID))
	})

	return states
}

func (o *Orchestrator) Result(workflowID string) (*models.WorkflowResult, error) {
	e, err := o.entry(workflowID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return models.NewWorkflowResult(e.state), nil
}

func (o *Orchestrator) entry(workflowID string) (*entry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	e, ok := o.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	return e, nil
}

func (o *Orchestrator) notify(ctx context.Context, state *models.WorkflowState, event eventbus.Event) {
	eventbus.Notify(ctx, o.logger, o.publisher, state.WorkflowID, event)
}

func eligibleStages(state *models.WorkflowState, def *models.WorkflowDefinition) []*models.StageDefinition {
	if state.Cancelled || state.FirstFailedStage() != nil {
		return nil
	}

	eligible := make([]*models.StageDefinition, 0)

	for i := range def.Stages {
		stage := &def.Stages[i]

		if state.IsStageCompleted(stage.Name) || state.HasActiveStage(stage.Name) {
			continue
		}

		if dependenciesCompleted(state, stage) && stage.IsEligible(&state.IntermediateData) {
			eligible = append(eligible, stage)
		}
	}

	return eligible
}

func dependenciesCompleted(state *models.WorkflowState, stage *models.StageDefinition) bool {
	for _, dep := range stage.Dependencies {
		if !state.IsStageCompleted(dep) {
			return false
		}
	}

	return true
}

// exclusiveStageActive reports whether an active stage does not allow others beside it.
func exclusiveStageActive(state *models.WorkflowState, def *models.WorkflowDefinition) bool {
	for _, stageJob := range state.ActiveStageJobs() {
		stage, ok := def.Stage(stageJob.StageName)
		if ok && !stage.AllowParallel {
			return true
		}
	}

	return false
}

// isComplete holds when every required stage completed and every optional stage either
// completed or was skipped by its predicate.
func isComplete(state *models.WorkflowState, def *models.WorkflowDefinition) bool {
	for i := range def.Stages {
		stage := &def.Stages[i]

		if state.IsStageCompleted(stage.Name) {
			continue
		}

		if !stage.Optional || state.HasActiveStage(stage.Name) {
			return false
		}

		if dependenciesCompleted(state, stage) && stage.IsEligible(&state.IntermediateData) {
			return false
		}
	}

	return true
}
