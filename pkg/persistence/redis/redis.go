// Package redis provides a Redis-backed job store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sort"
	"time"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/persistence"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "jobflow"
	maxTxAttempts = 5
)

var errConflict = errors.New("concurrent job update")

// Persistence stores each job record as a JSON string and indexes ids per status in sorted sets
// scored by creation time.
type Persistence struct {
	client *redis.Client
	logger *slog.Logger
}

var _ persistence.JobStore = (*Persistence)(nil)

// NewPersistence connects to the redis:// URL and verifies the connection.
func NewPersistence(ctx context.Context, logger *slog.Logger, redisURL string) (*Persistence, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", options.Addr, "db", options.DB)

	return &Persistence{client: client, logger: logger}, nil
}

// RedactURL hides the password of a redis URL for logging.
func RedactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "redis://"
	}

	return parsed.Redacted()
}

func jobKey(id string) string {
	return keyPrefix + ":job:" + id
}

func statusKey(status models.JobStatus) string {
	return keyPrefix + ":jobs:" + string(status)
}

var allStatuses = []models.JobStatus{
	models.JobStatusQueued,
	models.JobStatusRunning,
	models.JobStatusCompleted,
	models.JobStatusFailed,
	models.JobStatusCanceled,
}

// CreateJob stores a Queued record; the id must be unused.
func (p *Persistence) CreateJob(ctx context.Context, job *models.Job) error {
	record := persistence.NewJobRecord(job, time.Now().UTC())

	data, err := json.Marshal(record)
	if err != nil {
		return persistence.NewJobError("CreateJob", job.ID, err)
	}

	created, err := p.client.SetNX(ctx, jobKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}

	if !created {
		return persistence.NewJobError("CreateJob", job.ID, persistence.ErrJobAlreadyExists)
	}

	err = p.client.ZAdd(ctx, statusKey(record.Status), redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}

	return nil
}

func (p *Persistence) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, message string) error {
	return p.update(ctx, "UpdateJobStatus", id, func(record *models.JobRecord, now time.Time) error {
		return persistence.ApplyStatus(record, status, message, now)
	})
}

func (p *Persistence) MarkJobCompleted(ctx context.Context, id string, response json.RawMessage, usage *models.Usage, metadata map[string]any) error {
	return p.update(ctx, "MarkJobCompleted", id, func(record *models.JobRecord, now time.Time) error {
		return persistence.ApplyCompleted(record, response, usage, metadata, now)
	})
}

func (p *Persistence) MarkJobFailed(ctx context.Context, id string, errorMessage string, usage *models.Usage, metadata map[string]any) error {
	return p.update(ctx, "MarkJobFailed", id, func(record *models.JobRecord, now time.Time) error {
		return persistence.ApplyFailed(record, errorMessage, usage, metadata, now)
	})
}

// JobByID returns the job record or an error wrapping persistence.ErrJobNotFound.
func (p *Persistence) JobByID(ctx context.Context, id string) (*models.JobRecord, error) {
	data, err := p.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewJobError("JobByID", id, persistence.ErrJobNotFound)
		}

		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}

	return decode(id, data)
}

// JobsByStatus returns records in any of the given statuses, oldest first. No statuses means all.
func (p *Persistence) JobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.JobRecord, error) {
	if len(statuses) == 0 {
		statuses = allStatuses
	}

	ids := make([]string, 0)

	for _, status := range slices.Compact(slices.Sorted(slices.Values(statuses))) {
		members, err := p.client.ZRange(ctx, statusKey(status), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
		}

		ids = append(ids, members...)
	}

	if len(ids) == 0 {
		return []*models.JobRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}

	values, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jobs: %w", err)
	}

	records := make([]*models.JobRecord, 0, len(values))

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}

		record, err := decode(ids[i], []byte(raw))
		if err != nil {
			return nil, err
		}

		if slices.Contains(statuses, record.Status) {
			records = append(records, record)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Job.CreatedAt.Before(records[j].Job.CreatedAt)
	})

	return records, nil
}

// HealthCheck pings the server.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

// Close closes the client.
func (p *Persistence) Close(_ context.Context) error {
	err := p.client.Close()
	if err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}

// update applies mutate under WATCH so concurrent writers cannot lose each other's transitions.
func (p *Persistence) update(ctx context.Context, op, id string, mutate func(*models.JobRecord, time.Time) error) error {
	key := jobKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return persistence.NewJobError(op, id, persistence.ErrJobNotFound)
			}

			return fmt.Errorf("failed to fetch job %s: %w", id, err)
		}

		record, err := decode(id, data)
		if err != nil {
			return err
		}

		previous := record.Status

		err = mutate(record, time.Now().UTC())
		if err != nil {
			return err
		}

		updated, err := json.Marshal(record)
		if err != nil {
			return persistence.NewJobError(op, id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)

			if previous != record.Status {
				pipe.ZRem(ctx, statusKey(previous), id)
				pipe.ZAdd(ctx, statusKey(record.Status), redis.Z{
					Score:  float64(record.Job.CreatedAt.UnixNano()),
					Member: id,
				})
			}

			return nil
		})

		return err
	}

	for range maxTxAttempts {
		err := p.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return err
	}

	return persistence.NewJobError(op, id, errConflict)
}

func decode(id string, data []byte) (*models.JobRecord, error) {
	var record models.JobRecord

	err := json.Unmarshal(data, &record)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}

	return &record, nil
}
