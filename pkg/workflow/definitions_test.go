package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDefinitions(t *testing.T) {
	defs := DefaultDefinitions()

	assert.Equal(t, []string{FileFinderWorkflowName, WebSearchWorkflowName}, defs.Names())
	assert.Equal(t, []models.TaskType{
		models.TaskTypeExtendedPathFinder,
		models.TaskTypeFileRelevanceAssessment,
		models.TaskTypePathCorrection,
		models.TaskTypeRegexFileFilter,
		models.TaskTypeWebSearchExecution,
		models.TaskTypeWebSearchPromptsGeneration,
	}, defs.TaskTypes())

	def, err := defs.Get(FileFinderWorkflowName)
	require.NoError(t, err)

	entries := def.EntryStages()
	require.Len(t, entries, 1)
	assert.Equal(t, "RegexFileFilter", entries[0].Name)

	_, err = defs.Get("Unknown")
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestDefinitions_Register(t *testing.T) {
	defs, err := NewDefinitions()
	require.NoError(t, err)

	require.NoError(t, defs.Register(WebSearchWorkflow()))

	err = defs.Register(WebSearchWorkflow())
	assert.ErrorIs(t, err, models.ErrInvalidDefinition)

	err = defs.Register(&models.WorkflowDefinition{
		Name: "Cyclic",
		Stages: []models.StageDefinition{
			{Name: "A", TaskType: models.TaskTypeRegexFileFilter, Dependencies: []string{"B"}},
			{Name: "B", TaskType: models.TaskTypeRegexFileFilter, Dependencies: []string{"A"}},
		},
	})
	assert.ErrorIs(t, err, models.ErrInvalidDefinition)

	assert.Equal(t, []string{WebSearchWorkflowName}, defs.Names())
}

const codeReviewYAML = `
name: CodeReview
description: Plan a change from the verified files
stages:
  - name: Find
    task_type: extended_path_finder
  - name: Plan
    task_type: implementation_plan
    dependencies: [Find]
    requires: [extended_verified_paths]
  - name: Refine
    task_type: task_refinement
    dependencies: [Find]
    allow_parallel: true
    optional: true
`

func TestLoader_Parse(t *testing.T) {
	def, err := NewLoader().Parse([]byte(codeReviewYAML))
	require.NoError(t, err)

	assert.Equal(t, "CodeReview", def.Name)
	require.Len(t, def.Stages, 3)

	find, ok := def.Stage("Find")
	require.True(t, ok)
	assert.Nil(t, find.Eligible)

	plan, ok := def.Stage("Plan")
	require.True(t, ok)
	assert.Equal(t, models.TaskTypeImplementationPlan, plan.TaskType)
	assert.Equal(t, []string{"Find"}, plan.Dependencies)
	assert.False(t, plan.IsEligible(&models.IntermediateData{}))
	assert.True(t, plan.IsEligible(&models.IntermediateData{ExtendedVerifiedPaths: []string{"a.go"}}))

	refine, ok := def.Stage("Refine")
	require.True(t, ok)
	assert.True(t, refine.AllowParallel)
	assert.True(t, refine.Optional)
}

func TestLoader_ParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "not yaml", yaml: "stages: [unterminated"},
		{name: "missing name", yaml: "stages:\n  - name: A\n    task_type: regex_file_filter\n"},
		{name: "no stages", yaml: "name: Empty\n"},
		{name: "unknown task type", yaml: "name: W\nstages:\n  - name: A\n    task_type: telepathy\n"},
		{name: "unknown requires field", yaml: "name: W\nstages:\n  - name: A\n    task_type: regex_file_filter\n    requires: [vibes]\n"},
		{name: "unknown dependency", yaml: "name: W\nstages:\n  - name: A\n    task_type: regex_file_filter\n    dependencies: [Z]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, models.ErrInvalidDefinition)
		})
	}
}

func TestLoader_LoadAll(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "team")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(codeReviewYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "search.yml"),
		[]byte("name: Search\nstages:\n  - name: Prompts\n    task_type: web_search_prompts_generation\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: Broken\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# not a workflow"), 0o600))

	defs, err := NewLoader().LoadAll(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidDefinition)
	assert.Contains(t, err.Error(), "broken.yaml")

	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}

	assert.ElementsMatch(t, []string{"CodeReview", "Search"}, names)

	_, err = NewLoader().LoadAll(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
