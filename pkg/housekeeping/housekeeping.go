// Package housekeeping runs the periodic maintenance jobs of the engine: warning about jobs that
// wait too long in the queue and forgetting finished workflows.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/jobflow/pkg/queue"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

const (
	DefaultAttentionSchedule  = "@every 5m"
	DefaultAttentionThreshold = 30 * time.Minute
	DefaultCleanupSchedule    = "@every 1h"
	DefaultWorkflowMaxAge     = 24 * time.Hour
)

var ErrAlreadyStarted = errors.New("housekeeper already started")

// StaleJobLister reports jobs queued for longer than a threshold. The job queue implements it.
type StaleJobLister interface {
	StaleJobs(ctx context.Context, olderThan time.Duration) ([]queue.QueuedJob, error)
}

// WorkflowCleaner forgets terminal workflows. The workflow orchestrator implements it.
type WorkflowCleaner interface {
	CleanupCompletedWorkflows(maxAge time.Duration) int
}

// Config holds the cron schedules and thresholds. Zero values select the defaults.
type Config struct {
	AttentionSchedule  string
	AttentionThreshold time.Duration `validate:"gte=0"`
	CleanupSchedule    string
	WorkflowMaxAge     time.Duration `validate:"gte=0"`
}

func (c Config) withDefaults() Config {
	if c.AttentionSchedule == "" {
		c.AttentionSchedule = DefaultAttentionSchedule
	}

	if c.AttentionThreshold == 0 {
		c.AttentionThreshold = DefaultAttentionThreshold
	}

	if c.CleanupSchedule == "" {
		c.CleanupSchedule = DefaultCleanupSchedule
	}

	if c.WorkflowMaxAge == 0 {
		c.WorkflowMaxAge = DefaultWorkflowMaxAge
	}

	return c
}

type Housekeeper struct {
	jobs      StaleJobLister
	workflows WorkflowCleaner
	config    Config
	logger    *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(jobs StaleJobLister, workflows WorkflowCleaner, config Config, logger *slog.Logger) (*Housekeeper, error) {
	err := validator.New().Struct(config)
	if err != nil {
		return nil, fmt.Errorf("invalid housekeeping config: %w", err)
	}

	config = config.withDefaults()

	for _, schedule := range []string{config.AttentionSchedule, config.CleanupSchedule} {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("invalid housekeeping schedule '%s': %w", schedule, err)
		}
	}

	return &Housekeeper{
		jobs:      jobs,
		workflows: workflows,
		config:    config,
		logger:    logger.With("module", "housekeeping"),
	}, nil
}

// Start schedules the maintenance jobs. They run until ctx is done or Stop is called.
func (h *Housekeeper) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cron != nil {
		return ErrAlreadyStarted
	}

	h.ctx, h.cancel = context.WithCancel(ctx)

	logger := cronLogger{logger: h.logger}
	scheduler := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	_, err := scheduler.AddFunc(h.config.AttentionSchedule, func() { h.CheckAttention(h.ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule attention check: %w", err)
	}

	if h.workflows != nil {
		_, err = scheduler.AddFunc(h.config.CleanupSchedule, func() { h.CleanupWorkflows() })
		if err != nil {
			return fmt.Errorf("failed to schedule workflow cleanup: %w", err)
		}
	}

	h.cron = scheduler
	h.cron.Start()

	h.logger.InfoContext(ctx, "Housekeeping started",
		"attention_schedule", h.config.AttentionSchedule,
		"attention_threshold", h.config.AttentionThreshold,
		"cleanup_schedule", h.config.CleanupSchedule,
		"workflow_max_age", h.config.WorkflowMaxAge,
	)

	return nil
}

// Stop removes the schedules and waits for running jobs to return.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cron == nil {
		return
	}

	h.cancel()
	<-h.cron.Stop().Done()
	h.cron = nil

	h.logger.Info("Housekeeping stopped")
}

// CheckAttention logs a warning for every job queued longer than the attention threshold and
// returns how many there were.
func (h *Housekeeper) CheckAttention(ctx context.Context) int {
	stale, err := h.jobs.StaleJobs(ctx, h.config.AttentionThreshold)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to list stale jobs", "error", err)

		return 0
	}

	for _, queued := range stale {
		h.logger.WarnContext(ctx, "Job requires attention",
			"job_id", queued.Job.ID,
			"task_type", queued.Job.TaskType,
			"session_id", queued.Job.SessionID,
			"priority", queued.Priority,
			"waiting", time.Since(queued.EnqueuedAt).Round(time.Second),
		)
	}

	return len(stale)
}

// CleanupWorkflows forgets workflows that finished longer than the configured max age ago.
func (h *Housekeeper) CleanupWorkflows() int {
	if h.workflows == nil {
		return 0
	}

	return h.workflows.CleanupCompletedWorkflows(h.config.WorkflowMaxAge)
}

// cronLogger routes the scheduler's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
