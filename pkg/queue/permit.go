package queue

import (
	"context"
	"sync"
)

// Permit is one concurrency token. Holding it means the caller may run one job.
type Permit struct {
	once    sync.Once
	release func()
}

// Release returns the token to the queue. Calling it more than once is a no-op.
func (p *Permit) Release() {
	if p == nil {
		return
	}

	p.once.Do(p.release)
}

// GetPermit blocks until a concurrency token is free. It fails with ErrQueueUnavailable once the
// queue is shut down, or with the context error if ctx ends first.
func (q *JobQueue) GetPermit(ctx context.Context) (*Permit, error) {
	select {
	case <-q.done:
		return nil, ErrQueueUnavailable
	default:
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(q.lifetime, cancel)
	defer stop()

	err := q.permits.Acquire(acquireCtx, 1)
	if err != nil {
		if q.lifetime.Err() != nil {
			return nil, ErrQueueUnavailable
		}

		return nil, err
	}

	q.inFlight.Add(1)

	return &Permit{
		release: func() {
			q.inFlight.Add(-1)
			q.permits.Release(1)
		},
	}, nil
}

// TryGetPermit acquires a token only if one is free right now.
func (q *JobQueue) TryGetPermit() (*Permit, bool) {
	select {
	case <-q.done:
		return nil, false
	default:
	}

	if !q.permits.TryAcquire(1) {
		return nil, false
	}

	q.inFlight.Add(1)

	return &Permit{
		release: func() {
			q.inFlight.Add(-1)
			q.permits.Release(1)
		},
	}, true
}
