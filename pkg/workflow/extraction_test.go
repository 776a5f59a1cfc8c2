package workflow

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestApplyStageOutput(t *testing.T) {
	tree := "src/\n  main.go"

	tests := []struct {
		name     string
		taskType models.TaskType
		initial  models.IntermediateData
		output   string
		expected models.IntermediateData
	}{
		{
			name:     "regex filter files and patterns",
			taskType: models.TaskTypeRegexFileFilter,
			output:   `{"files":["a.go","b.go"],"patterns":["router"],"directoryTree":"src/\n  main.go"}`,
			expected: models.IntermediateData{
				LocallyFilteredFiles: []string{"a.go", "b.go"},
				RawRegexPatterns:     []string{"router"},
				DirectoryTreeContent: &tree,
			},
		},
		{
			name:     "regex filter legacy field",
			taskType: models.TaskTypeRegexFileFilter,
			output:   `{"filteredFiles":["a.go"]}`,
			expected: models.IntermediateData{LocallyFilteredFiles: []string{"a.go"}},
		},
		{
			name:     "regex filter empty result",
			taskType: models.TaskTypeRegexFileFilter,
			initial:  models.IntermediateData{LocallyFilteredFiles: []string{"stale.go"}},
			output:   `{"isEmptyResult":true,"files":["ignored.go"]}`,
			expected: models.IntermediateData{LocallyFilteredFiles: []string{}},
		},
		{
			name:     "relevance assessment metadata token count",
			taskType: models.TaskTypeFileRelevanceAssessment,
			output:   `{"files":["a.go"],"tokenCount":5,"metadata":{"tokenCount":4200}}`,
			expected: models.IntermediateData{AIFilteredFiles: []string{"a.go"}, AIFilteredFilesTokenCount: intPtr(4200)},
		},
		{
			name:     "relevance assessment top level token count",
			taskType: models.TaskTypeFileRelevanceAssessment,
			output:   `{"relevantFiles":["a.go"],"tokenCount":17}`,
			expected: models.IntermediateData{AIFilteredFiles: []string{"a.go"}, AIFilteredFilesTokenCount: intPtr(17)},
		},
		{
			name:     "path finder split by metadata",
			taskType: models.TaskTypeExtendedPathFinder,
			output:   `{"files":["a.go","b.go","typo.go"],"metadata":{"verifiedCount":2,"unverifiedCount":1}}`,
			expected: models.IntermediateData{
				ExtendedVerifiedPaths:   []string{"a.go", "b.go"},
				ExtendedUnverifiedPaths: []string{"typo.go"},
			},
		},
		{
			name:     "path finder without counts treats every file as verified",
			taskType: models.TaskTypeExtendedPathFinder,
			output:   `{"files":["a.go"]}`,
			expected: models.IntermediateData{
				ExtendedVerifiedPaths:   []string{"a.go"},
				ExtendedUnverifiedPaths: []string{},
			},
		},
		{
			name:     "path finder legacy fields",
			taskType: models.TaskTypeExtendedPathFinder,
			output:   `{"verifiedPaths":["a.go"],"unverifiedPaths":["b.go"]}`,
			expected: models.IntermediateData{
				ExtendedVerifiedPaths:   []string{"a.go"},
				ExtendedUnverifiedPaths: []string{"b.go"},
			},
		},
		{
			name:     "path correction",
			taskType: models.TaskTypePathCorrection,
			output:   `{"correctedPaths":["src/types.go"]}`,
			expected: models.IntermediateData{ExtendedCorrectedPaths: []string{"src/types.go"}},
		},
		{
			name:     "root folder selection",
			taskType: models.TaskTypeRootFolderSelection,
			output:   `{"roots":["/repo/src"]}`,
			expected: models.IntermediateData{SelectedRootDirectories: []string{"/repo/src"}},
		},
		{
			name:     "web search results keep structured items encoded",
			taskType: models.TaskTypeWebSearchExecution,
			output:   `{"results":["plain",{"url":"https://go.dev"}]}`,
			expected: models.IntermediateData{WebSearchResults: []string{"plain", `{"url":"https://go.dev"}`}},
		},
		{
			name:     "text output holding json",
			taskType: models.TaskTypeWebSearchPromptsGeneration,
			output:   `"{\"prompts\":[\"golang routers\"]}"`,
			expected: models.IntermediateData{WebSearchPrompts: []string{"golang routers"}},
		},
		{
			name:     "malformed field keeps previous value",
			taskType: models.TaskTypeFileRelevanceAssessment,
			initial:  models.IntermediateData{AIFilteredFiles: []string{"keep.go"}},
			output:   `{"files":"a.go","tokenCount":12}`,
			expected: models.IntermediateData{AIFilteredFiles: []string{"keep.go"}, AIFilteredFilesTokenCount: intPtr(12)},
		},
		{
			name:     "missing field keeps previous value",
			taskType: models.TaskTypeWebSearchPromptsGeneration,
			initial:  models.IntermediateData{WebSearchPrompts: []string{"old"}},
			output:   `{"other":true}`,
			expected: models.IntermediateData{WebSearchPrompts: []string{"old"}},
		},
		{
			name:     "task type without owned fields",
			taskType: models.TaskTypeImplementationPlan,
			initial:  models.IntermediateData{AIFilteredFiles: []string{"a.go"}},
			output:   `not even json`,
			expected: models.IntermediateData{AIFilteredFiles: []string{"a.go"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.initial

			err := ApplyStageOutput(testLogger(), &data, tt.taskType, "job-1", json.RawMessage(tt.output))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, data)
		})
	}
}

func TestApplyStageOutput_IsIdempotent(t *testing.T) {
	output := json.RawMessage(`{"files":["a.go","b.go","c.go"],"metadata":{"verifiedCount":1,"unverifiedCount":2}}`)

	var once, twice models.IntermediateData

	require.NoError(t, ApplyStageOutput(testLogger(), &once, models.TaskTypeExtendedPathFinder, "job-1", output))
	require.NoError(t, ApplyStageOutput(testLogger(), &twice, models.TaskTypeExtendedPathFinder, "job-1", output))
	require.NoError(t, ApplyStageOutput(testLogger(), &twice, models.TaskTypeExtendedPathFinder, "job-1", output))

	assert.Equal(t, once, twice)
}

func TestApplyStageOutput_OnlyTouchesOwnedFields(t *testing.T) {
	data := models.IntermediateData{
		LocallyFilteredFiles: []string{"a.go"},
		WebSearchPrompts:     []string{"q"},
	}

	err := ApplyStageOutput(testLogger(), &data, models.TaskTypeFileRelevanceAssessment, "job-1",
		json.RawMessage(`{"files":["a.go"],"roots":["/elsewhere"],"prompts":[]}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"a.go"}, data.LocallyFilteredFiles)
	assert.Equal(t, []string{"q"}, data.WebSearchPrompts)
	assert.Nil(t, data.SelectedRootDirectories)
	assert.Equal(t, []string{"a.go"}, data.AIFilteredFiles)
}

func TestApplyStageOutput_ExtractionErrors(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{name: "empty", output: ``},
		{name: "invalid json", output: `{"files":`},
		{name: "prose", output: `"Sure! The relevant files are a.go and b.go."`},
		{name: "array", output: `["a.go"]`},
		{name: "null", output: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := models.IntermediateData{LocallyFilteredFiles: []string{"a.go"}}

			err := ApplyStageOutput(testLogger(), &data, models.TaskTypeRegexFileFilter, "job-7", json.RawMessage(tt.output))
			require.Error(t, err)

			var extractionErr *ExtractionError
			require.True(t, errors.As(err, &extractionErr))
			assert.Equal(t, "job-7", extractionErr.JobID)
			assert.Equal(t, models.TaskTypeRegexFileFilter, extractionErr.TaskType)
			assert.Equal(t, []string{"a.go"}, data.LocallyFilteredFiles)
		})
	}
}
