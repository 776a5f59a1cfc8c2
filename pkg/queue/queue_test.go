package queue

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestQueue(t *testing.T, permits int) *JobQueue {
	t.Helper()

	q := New(testLogger(), Config{MaxConcurrentJobs: permits})
	t.Cleanup(q.Shutdown)

	return q
}

func newJob(id, session string) *models.Job {
	return &models.Job{
		ID:        id,
		TaskType:  models.TaskTypeTextImprovement,
		Payload:   &models.TextImprovementPayload{TextToImprove: "hello"},
		SessionID: session,
		CreatedAt: time.Now(),
	}
}

func drain(t *testing.T, q *JobQueue) []string {
	t.Helper()

	ids := make([]string, 0)

	for {
		job, err := q.Dequeue(context.Background())
		require.NoError(t, err)

		if job == nil {
			return ids
		}

		ids = append(ids, job.ID)
	}
}

func TestJobQueue_DequeueOrderAcrossPriorities(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, 1)

	require.NoError(t, q.Enqueue(ctx, newJob("J1", "s"), models.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, newJob("J2", "s"), models.PriorityHigh))
	require.NoError(t, q.Enqueue(ctx, newJob("J3", "s"), models.PriorityNormal))

	assert.Equal(t, []string{"J2", "J3", "J1"}, drain(t, q))
}

func TestJobQueue_FIFOWithinTier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, 1)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, newJob(id, "s"), models.PriorityNormal))
	}

	require.NoError(t, q.Enqueue(ctx, newJob("urgent", "s"), models.PriorityHigh))
	require.NoError(t, q.Enqueue(ctx, newJob("d", "s"), models.PriorityNormal))

	assert.Equal(t, []string{"urgent", "a", "b", "c", "d"}, drain(t, q))
}

func TestJobQueue_DequeueEmpty(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 1)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestJobQueue_CancelJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, 1)

	require.NoError(t, q.Enqueue(ctx, newJob("keep", "s"), models.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, newJob("drop", "s"), models.PriorityLow))

	found, err := q.CancelJob(ctx, "drop")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = q.CancelJob(ctx, "drop")
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, []string{"keep"}, drain(t, q))
}

func TestJobQueue_CancelJobAfterDequeueIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, 1)

	require.NoError(t, q.Enqueue(ctx, newJob("j", "s"), models.PriorityNormal))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	found, err := q.CancelJob(ctx, "j")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestJobQueue_RemoveJobReturnsJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, 1)

	queued := newJob("stage", "s")
	queued.WorkflowID = "wf-1"
	queued.StageName = "filter"
	require.NoError(t, q.Enqueue(ctx, queued, models.PriorityHigh))

	removed, err := q.RemoveJob(ctx, "stage")
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, "wf-1", removed.WorkflowID)
	assert.Equal(t, "filter", removed.StageName)

	removed, err = q.RemoveJob(ctx, "stage")
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestJobQueue_CancelSessionJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, 1)

	require.NoError(t, q.Enqueue(ctx, newJob("a1", "session-a"), models.PriorityHigh))
	require.NoError(t, q.Enqueue(ctx, newJob("b1", "session-b"), models.PriorityHigh))
	require.NoError(t, q.Enqueue(ctx, newJob("a2", "session-a"), models.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, newJob("a3", "session-a"), models.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, newJob("b2", "session-b"), models.PriorityLow))

	removed, err := q.CancelSessionJobs(ctx, "session-a")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	removed, err = q.CancelSessionJobs(ctx, "session-a")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	assert.Equal(t, []string{"b1", "b2"}, drain(t, q))
}

func TestJobQueue_PermitsBoundConcurrency(t *testing.T) {
	t.Parallel()

	const capacity = 3

	ctx := context.Background()
	q := newTestQueue(t, capacity)

	permits := make([]*Permit, 0, capacity)

	for range capacity {
		permit, err := q.GetPermit(ctx)
		require.NoError(t, err)

		permits = append(permits, permit)
	}

	acquired := make(chan *Permit)

	go func() {
		permit, err := q.GetPermit(ctx)
		if err == nil {
			acquired <- permit
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired more permits than the configured capacity")
	case <-time.After(100 * time.Millisecond):
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, capacity, stats.InFlight)

	permits[0].Release()
	permits[0].Release()

	select {
	case permit := <-acquired:
		permit.Release()
	case <-time.After(time.Second):
		t.Fatal("waiting permit was not granted after release")
	}

	for _, permit := range permits[1:] {
		permit.Release()
	}
}

func TestJobQueue_ConcurrentPermitHoldersNeverExceedCapacity(t *testing.T) {
	t.Parallel()

	const capacity = 4

	ctx := context.Background()
	q := newTestQueue(t, capacity)

	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)

	for range 40 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			permit, err := q.GetPermit(ctx)
			if !assert.NoError(t, err) {
				return
			}
			defer permit.Release()

			mu.Lock()
			current++
			peak = max(peak, current)
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, peak, capacity)
}

func TestJobQueue_NextWakesOnEnqueue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := newTestQueue(t, 1)

	result := make(chan *models.Job, 1)

	go func() {
		job, err := q.Next(ctx)
		if err == nil {
			result <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, newJob("late", "s"), models.PriorityNormal))

	select {
	case job := <-result:
		assert.Equal(t, "late", job.ID)
	case <-ctx.Done():
		t.Fatal("Next did not wake up after enqueue")
	}
}

func TestJobQueue_ProcessAfterIsHonored(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := newTestQueue(t, 1)

	require.NoError(t, q.EnqueueWithDelay(ctx, newJob("delayed", "s"), models.PriorityHigh, 80*time.Millisecond))
	require.NoError(t, q.Enqueue(ctx, newJob("ready", "s"), models.PriorityLow))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "ready", job.ID)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)

	started := time.Now()

	job, err = q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "delayed", job.ID)
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
}

func TestJobQueue_RetryCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, 1)
	jobID := uuid.New().String()

	count, err := q.RetryCount(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), count)

	for want := uint32(1); want <= 3; want++ {
		count, err = q.IncrementRetryCount(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	require.NoError(t, q.ResetRetryCount(ctx, jobID))

	count, err = q.RetryCount(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), count)
}

func TestJobQueue_StaleJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, 1)

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	require.NoError(t, q.Enqueue(ctx, newJob("old", "s"), models.PriorityNormal))

	q.now = func() time.Time { return base.Add(25 * time.Minute) }
	require.NoError(t, q.Enqueue(ctx, newJob("new", "s"), models.PriorityNormal))

	q.now = func() time.Time { return base.Add(31 * time.Minute) }

	stale, err := q.StaleJobs(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].Job.ID)
}

func TestJobQueue_Shutdown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := New(testLogger(), Config{MaxConcurrentJobs: 1})

	held, err := q.GetPermit(ctx)
	require.NoError(t, err)

	nextErr := make(chan error, 1)

	go func() {
		_, err := q.Next(ctx)
		nextErr <- err
	}()

	permitErr := make(chan error, 1)

	go func() {
		_, err := q.GetPermit(ctx)
		permitErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Shutdown()
	q.Shutdown()

	assert.ErrorIs(t, <-nextErr, ErrQueueUnavailable)
	assert.ErrorIs(t, <-permitErr, ErrQueueUnavailable)

	assert.ErrorIs(t, q.Enqueue(ctx, newJob("x", "s"), models.PriorityNormal), ErrQueueUnavailable)

	_, err = q.CancelJob(ctx, "x")
	assert.ErrorIs(t, err, ErrQueueUnavailable)

	_, err = q.CancelSessionJobs(ctx, "s")
	assert.ErrorIs(t, err, ErrQueueUnavailable)

	_, err = q.GetPermit(ctx)
	assert.ErrorIs(t, err, ErrQueueUnavailable)

	held.Release()
}
