// Package queue provides the in-memory priority job queue with bounded concurrency.
//
// All queue state is owned by a single actor goroutine. Public methods send an operation over the
// request channel and wait for the actor to run it, so enqueue, dequeue and cancel requests are
// serialized: a job cannot be both cancelled and dequeued.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/jobflow/pkg/models"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrentJobs bounds concurrently executing jobs when Config leaves it unset.
const DefaultMaxConcurrentJobs = 20

var ErrQueueUnavailable = errors.New("job queue unavailable")

// Config holds the queue settings.
type Config struct {
	MaxConcurrentJobs int `validate:"gte=0"`
}

// QueuedJob is a job waiting in one of the priority tiers.
type QueuedJob struct {
	Job        *models.Job        `json:"job"`
	Priority   models.JobPriority `json:"priority"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	High     int `json:"high"`
	Normal   int `json:"normal"`
	Low      int `json:"low"`
	Delayed  int `json:"delayed"`
	InFlight int `json:"in_flight"`
	Capacity int `json:"capacity"`
}

// Pending returns the number of queued jobs across all tiers.
func (s Stats) Pending() int {
	return s.High + s.Normal + s.Low
}

// JobQueue is the priority queue. Construct it with New and stop it with Shutdown.
type JobQueue struct {
	logger   *slog.Logger
	requests chan func(*state)
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once

	permits    *semaphore.Weighted
	capacity   int64
	inFlight   atomic.Int64
	lifetime   context.Context
	cancelLife context.CancelFunc

	now func() time.Time
}

// New starts the queue actor.
func New(logger *slog.Logger, config Config) *JobQueue {
	capacity := config.MaxConcurrentJobs
	if capacity <= 0 {
		capacity = DefaultMaxConcurrentJobs
	}

	lifetime, cancel := context.WithCancel(context.Background())

	q := &JobQueue{
		logger:     logger.With("module", "job_queue"),
		requests:   make(chan func(*state)),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		permits:    semaphore.NewWeighted(int64(capacity)),
		capacity:   int64(capacity),
		lifetime:   lifetime,
		cancelLife: cancel,
		now:        time.Now,
	}

	go q.run(newState())

	q.logger.Info("Job queue started", "max_concurrent_jobs", capacity)

	return q
}

func (q *JobQueue) run(s *state) {
	defer close(q.stopped)

	for {
		select {
		case op := <-q.requests:
			op(s)
		case <-q.done:
			q.logger.Info("Job queue stopped", "pending", s.len())

			return
		}
	}
}

// do hands op to the actor and waits for it to run. The request channel is unbuffered, so once
// the send succeeds the actor is already executing op.
func (q *JobQueue) do(ctx context.Context, op func(*state)) error {
	finished := make(chan struct{})

	select {
	case q.requests <- func(s *state) {
		defer close(finished)
		op(s)
	}:
	case <-q.done:
		return ErrQueueUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}

	<-finished

	return nil
}

// Enqueue appends the job to the tail of its priority tier.
func (q *JobQueue) Enqueue(ctx context.Context, job *models.Job, priority models.JobPriority) error {
	enqueuedAt := q.now()

	err := q.do(ctx, func(s *state) {
		s.push(job, priority, enqueuedAt)
	})
	if err != nil {
		return err
	}

	q.logger.DebugContext(ctx, "Job enqueued", "job_id", job.ID, "task_type", job.TaskType, "priority", priority)

	return nil
}

// EnqueueWithDelay enqueues a copy of the job that is not dequeued before delay has elapsed.
func (q *JobQueue) EnqueueWithDelay(ctx context.Context, job *models.Job, priority models.JobPriority, delay time.Duration) error {
	return q.Enqueue(ctx, job.WithProcessAfter(q.now().Add(delay)), priority)
}

// Dequeue removes and returns the head of the highest non-empty tier, skipping jobs whose
// process-after time has not come yet. It returns nil when nothing is ready.
func (q *JobQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	var job *models.Job

	now := q.now()

	err := q.do(ctx, func(s *state) {
		job, _ = s.pop(now)
	})

	return job, err
}

// Next blocks until a job is ready, the context ends, or the queue shuts down.
func (q *JobQueue) Next(ctx context.Context) (*models.Job, error) {
	for {
		var (
			job       *models.Job
			nextReady *time.Time
			wake      <-chan struct{}
		)

		now := q.now()

		err := q.do(ctx, func(s *state) {
			job, nextReady = s.pop(now)
			wake = s.wake
		})
		if err != nil {
			return nil, err
		}

		if job != nil {
			return job, nil
		}

		var (
			timer   *time.Timer
			timerCh <-chan time.Time
		)

		if nextReady != nil {
			timer = time.NewTimer(nextReady.Sub(now))
			timerCh = timer.C
		}

		select {
		case <-wake:
		case <-timerCh:
		case <-q.done:
			stopTimer(timer)

			return nil, ErrQueueUnavailable
		case <-ctx.Done():
			stopTimer(timer)

			return nil, ctx.Err()
		}

		stopTimer(timer)
	}
}

func stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

// CancelJob removes a still-queued job from whichever tier holds it.
func (q *JobQueue) CancelJob(ctx context.Context, jobID string) (bool, error) {
	removed, err := q.RemoveJob(ctx, jobID)

	return removed != nil, err
}

// RemoveJob is CancelJob returning the removed job, or nil when it was not queued.
func (q *JobQueue) RemoveJob(ctx context.Context, jobID string) (*models.Job, error) {
	var removed *models.Job

	err := q.do(ctx, func(s *state) {
		s.remove(func(e *entry) bool {
			if e.job.ID != jobID {
				return false
			}

			removed = e.job

			return true
		})
		delete(s.retries, jobID)
	})
	if err != nil {
		return nil, err
	}

	if removed != nil {
		q.logger.InfoContext(ctx, "Queued job cancelled", "job_id", jobID)
	}

	return removed, nil
}

// CancelSessionJobs removes every still-queued job owned by the session.
func (q *JobQueue) CancelSessionJobs(ctx context.Context, sessionID string) (int, error) {
	removed, err := q.RemoveSessionJobs(ctx, sessionID)

	return len(removed), err
}

// RemoveSessionJobs is CancelSessionJobs returning the removed jobs, in tier order.
func (q *JobQueue) RemoveSessionJobs(ctx context.Context, sessionID string) ([]*models.Job, error) {
	var removed []*models.Job

	err := q.do(ctx, func(s *state) {
		s.remove(func(e *entry) bool {
			if e.job.SessionID != sessionID {
				return false
			}

			delete(s.retries, e.job.ID)
			removed = append(removed, e.job)

			return true
		})
	})
	if err != nil {
		return nil, err
	}

	q.logger.InfoContext(ctx, "Session jobs cancelled", "session_id", sessionID, "count", len(removed))

	return removed, nil
}

// IncrementRetryCount bumps the job's retry counter and returns the new value.
func (q *JobQueue) IncrementRetryCount(ctx context.Context, jobID string) (uint32, error) {
	var count uint32

	err := q.do(ctx, func(s *state) {
		s.retries[jobID]++
		count = s.retries[jobID]
	})

	return count, err
}

func (q *JobQueue) RetryCount(ctx context.Context, jobID string) (uint32, error) {
	var count uint32

	err := q.do(ctx, func(s *state) {
		count = s.retries[jobID]
	})

	return count, err
}

func (q *JobQueue) ResetRetryCount(ctx context.Context, jobID string) error {
	return q.do(ctx, func(s *state) {
		delete(s.retries, jobID)
	})
}

// Stats reports queue depth per tier and permit usage.
func (q *JobQueue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	now := q.now()

	err := q.do(ctx, func(s *state) {
		stats = s.stats(now)
	})

	stats.InFlight = int(q.inFlight.Load())
	stats.Capacity = int(q.capacity)

	return stats, err
}

// StaleJobs lists jobs that have been waiting for longer than olderThan.
func (q *JobQueue) StaleJobs(ctx context.Context, olderThan time.Duration) ([]QueuedJob, error) {
	var stale []QueuedJob

	cutoff := q.now().Add(-olderThan)

	err := q.do(ctx, func(s *state) {
		stale = s.enqueuedBefore(cutoff)
	})

	return stale, err
}

// Shutdown stops the actor. Later operations fail with ErrQueueUnavailable and blocked callers
// of Next and GetPermit are released. Permits already handed out stay valid until released.
func (q *JobQueue) Shutdown() {
	q.once.Do(func() {
		close(q.done)
		q.cancelLife()
		<-q.stopped
	})
}

// Done is closed once Shutdown has been called.
func (q *JobQueue) Done() <-chan struct{} {
	return q.done
}
