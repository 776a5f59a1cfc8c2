package queue

import (
	"slices"
	"time"

	"github.com/dukex/jobflow/pkg/models"
)

type entry struct {
	job        *models.Job
	priority   models.JobPriority
	enqueuedAt time.Time
}

// state is only ever touched by the actor goroutine.
type state struct {
	tiers   map[models.JobPriority][]*entry
	retries map[string]uint32
	// wake is closed and replaced on every push so that all waiters in Next re-check the tiers.
	wake chan struct{}
}

func newState() *state {
	return &state{
		tiers:   make(map[models.JobPriority][]*entry, len(models.Priorities)),
		retries: make(map[string]uint32),
		wake:    make(chan struct{}),
	}
}

func (s *state) push(job *models.Job, priority models.JobPriority, enqueuedAt time.Time) {
	if priority < models.PriorityLow || priority > models.PriorityHigh {
		priority = models.PriorityNormal
	}

	s.tiers[priority] = append(s.tiers[priority], &entry{job: job, priority: priority, enqueuedAt: enqueuedAt})

	close(s.wake)
	s.wake = make(chan struct{})
}

// pop returns the first ready job, scanning tiers from high to low. When nothing is ready it
// returns the earliest process-after time among delayed jobs, if any.
func (s *state) pop(now time.Time) (*models.Job, *time.Time) {
	var nextReady *time.Time

	for _, priority := range models.Priorities {
		tier := s.tiers[priority]

		for i, e := range tier {
			if e.job.ReadyAt(now) {
				s.tiers[priority] = slices.Delete(tier, i, i+1)

				return e.job, nil
			}

			if nextReady == nil || e.job.ProcessAfter.Before(*nextReady) {
				nextReady = e.job.ProcessAfter
			}
		}
	}

	return nil, nextReady
}

func (s *state) remove(match func(*entry) bool) int {
	removed := 0

	for _, priority := range models.Priorities {
		before := len(s.tiers[priority])
		s.tiers[priority] = slices.DeleteFunc(s.tiers[priority], match)
		removed += before - len(s.tiers[priority])
	}

	return removed
}

func (s *state) len() int {
	total := 0
	for _, tier := range s.tiers {
		total += len(tier)
	}

	return total
}

func (s *state) stats(now time.Time) Stats {
	stats := Stats{
		High:   len(s.tiers[models.PriorityHigh]),
		Normal: len(s.tiers[models.PriorityNormal]),
		Low:    len(s.tiers[models.PriorityLow]),
	}

	for _, tier := range s.tiers {
		for _, e := range tier {
			if !e.job.ReadyAt(now) {
				stats.Delayed++
			}
		}
	}

	return stats
}

func (s *state) enqueuedBefore(cutoff time.Time) []QueuedJob {
	stale := make([]QueuedJob, 0)

	for _, priority := range models.Priorities {
		for _, e := range s.tiers[priority] {
			if e.enqueuedAt.Before(cutoff) {
				stale = append(stale, QueuedJob{Job: e.job, Priority: e.priority, EnqueuedAt: e.enqueuedAt})
			}
		}
	}

	return stale
}
