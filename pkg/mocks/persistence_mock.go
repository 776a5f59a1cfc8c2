package mocks

import (
	"context"
	"encoding/json"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockJobStore is a mock implementation of persistence.JobStore interface.
type MockJobStore struct {
	mock.Mock
}

var _ persistence.JobStore = (*MockJobStore)(nil)

func (m *MockJobStore) CreateJob(ctx context.Context, job *models.Job) error {
	args := m.Called(ctx, job)

	return args.Error(0)
}

func (m *MockJobStore) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, message string) error {
	args := m.Called(ctx, id, status, message)

	return args.Error(0)
}

func (m *MockJobStore) MarkJobCompleted(ctx context.Context, id string, response json.RawMessage, usage *models.Usage, metadata map[string]any) error {
	args := m.Called(ctx, id, response, usage, metadata)

	return args.Error(0)
}

func (m *MockJobStore) MarkJobFailed(ctx context.Context, id string, errorMessage string, usage *models.Usage, metadata map[string]any) error {
	args := m.Called(ctx, id, errorMessage, usage, metadata)

	return args.Error(0)
}

func (m *MockJobStore) JobByID(ctx context.Context, id string) (*models.JobRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.JobRecord), args.Error(1)
}

func (m *MockJobStore) JobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.JobRecord, error) {
	args := m.Called(ctx, statuses)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.JobRecord), args.Error(1)
}

func (m *MockJobStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockJobStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
