package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from    JobStatus
		allowed []JobStatus
	}{
		{from: JobStatusQueued, allowed: []JobStatus{JobStatusRunning, JobStatusCanceled, JobStatusFailed}},
		{from: JobStatusRunning, allowed: []JobStatus{JobStatusQueued, JobStatusCompleted, JobStatusFailed, JobStatusCanceled}},
		{from: JobStatusCompleted},
		{from: JobStatusFailed},
		{from: JobStatusCanceled},
	}

	all := []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCanceled}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			for _, next := range all {
				assert.Equal(t, contains(tt.allowed, next), tt.from.CanTransitionTo(next), "%s -> %s", tt.from, next)
			}

			assert.Equal(t, len(tt.allowed) == 0, tt.from.IsTerminal())
		})
	}
}

func contains(statuses []JobStatus, status JobStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}

	return false
}

func TestParsePriority(t *testing.T) {
	for input, expected := range map[string]JobPriority{"": PriorityNormal, "HIGH": PriorityHigh, " low ": PriorityLow} {
		priority, err := ParsePriority(input)
		require.NoError(t, err)
		assert.Equal(t, expected, priority)
	}

	_, err := ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrUnknownPriority)

	assert.Equal(t, "priority(7)", JobPriority(7).String())
}

func TestJob_Validate(t *testing.T) {
	job := &Job{ID: "job-1", TaskType: TaskTypePathCorrection, Payload: &PathCorrectionPayload{}}
	assert.NoError(t, job.Validate())

	job.Payload = &RegexFileFilterPayload{}
	assert.ErrorIs(t, job.Validate(), ErrPayloadMismatch)

	job.Payload = nil
	assert.ErrorIs(t, job.Validate(), ErrPayloadMismatch)

	job.TaskType = "transcription"
	assert.ErrorIs(t, job.Validate(), ErrUnknownTaskType)
}

func TestJob_ReadyAt(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{ID: "job-1"}

	assert.True(t, job.ReadyAt(now))

	delayed := job.WithProcessAfter(now.Add(time.Second))
	assert.Nil(t, job.ProcessAfter)
	assert.False(t, delayed.ReadyAt(now))
	assert.True(t, delayed.ReadyAt(now.Add(time.Second)))
}

func TestJob_JSONKeepsPayloadVariant(t *testing.T) {
	job := Job{
		ID:        "job-1",
		TaskType:  TaskTypeExtendedPathFinder,
		Payload:   &ExtendedPathFinderPayload{InitialPaths: []string{"a.go"}, ProjectDirectory: "/src"},
		SessionID: "s1",
		Priority:  PriorityHigh,
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(job)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"priority":"high"`)
	assert.Contains(t, string(data), `"type":"extended_path_finder"`)

	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))

	payload, ok := decoded.Payload.(*ExtendedPathFinderPayload)
	require.True(t, ok)
	assert.Equal(t, []string{"a.go"}, payload.InitialPaths)
	assert.Equal(t, PriorityHigh, decoded.Priority)
}

func TestUnmarshalPayload_UnknownType(t *testing.T) {
	_, err := UnmarshalPayload([]byte(`{"type":"transcription","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownTaskType)

	_, err = MarshalPayload(nil)
	assert.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestJobResult(t *testing.T) {
	assert.True(t, Failure("x").Retryable)
	assert.False(t, PermanentFailure("x").Retryable)
	assert.True(t, Canceled("x").IsCanceled())

	result := SuccessJSON(map[string]int{"n": 1}, nil).WithMetadata(map[string]any{"k": "v"})
	assert.True(t, result.IsSuccess())
	assert.JSONEq(t, `{"n":1}`, string(result.Output))
	assert.Equal(t, "v", result.Metadata["k"])

	result = SuccessJSON(make(chan int), nil)
	assert.True(t, result.IsFailure())
	assert.False(t, result.Retryable)
}
