package models

import (
	"encoding/json"
)

// ResultKind identifies the outcome of a processed job.
type ResultKind string

const (
	ResultSuccess  ResultKind = "success"
	ResultFailure  ResultKind = "failure"
	ResultCanceled ResultKind = "canceled"
)

// Usage records the resources a job consumed, when known.
type Usage struct {
	TokensSent       int     `json:"tokens_sent,omitempty"`
	TokensReceived   int     `json:"tokens_received,omitempty"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
	ActualCost       float64 `json:"actual_cost,omitempty"`
	Model            string  `json:"model,omitempty"`
}

// JobResult is what a processor returns. Exactly one of the three kinds.
type JobResult struct {
	Kind      ResultKind      `json:"kind"`
	Output    json.RawMessage `json:"output,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Message   string          `json:"message,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// Success builds a successful result. Output may be any JSON value, including a JSON string.
func Success(output json.RawMessage, usage *Usage) JobResult {
	return JobResult{Kind: ResultSuccess, Output: output, Usage: usage}
}

// Failure builds a failed result that the dispatcher may retry.
func Failure(message string) JobResult {
	return JobResult{Kind: ResultFailure, Message: message, Retryable: true}
}

// PermanentFailure builds a failed result that must not be retried
// (configuration, validation or serialization problems).
func PermanentFailure(message string) JobResult {
	return JobResult{Kind: ResultFailure, Message: message}
}

func Canceled(message string) JobResult {
	return JobResult{Kind: ResultCanceled, Message: message}
}

// SuccessJSON marshals v as the output of a successful result.
func SuccessJSON(v any, usage *Usage) JobResult {
	output, err := json.Marshal(v)
	if err != nil {
		return PermanentFailure("failed to serialize job output: " + err.Error())
	}

	return Success(output, usage)
}

func (r JobResult) IsSuccess() bool  { return r.Kind == ResultSuccess }
func (r JobResult) IsFailure() bool  { return r.Kind == ResultFailure }
func (r JobResult) IsCanceled() bool { return r.Kind == ResultCanceled }

// WithMetadata returns a copy of the result carrying metadata.
func (r JobResult) WithMetadata(metadata map[string]any) JobResult {
	r.Metadata = metadata

	return r
}
