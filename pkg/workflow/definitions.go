package workflow

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/dukex/jobflow/pkg/models"
)

const (
	FileFinderWorkflowName = "FileFinderWorkflow"
	WebSearchWorkflowName  = "WebSearchWorkflow"
)

// Definitions is the set of workflow definitions the orchestrator can start.
type Definitions struct {
	mu     sync.RWMutex
	byName map[string]*models.WorkflowDefinition
}

// NewDefinitions validates and registers defs.
func NewDefinitions(defs ...*models.WorkflowDefinition) (*Definitions, error) {
	d := &Definitions{byName: make(map[string]*models.WorkflowDefinition)}

	for _, def := range defs {
		if err := d.Register(def); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// DefaultDefinitions holds the built-in workflows.
func DefaultDefinitions() *Definitions {
	d, err := NewDefinitions(FileFinderWorkflow(), WebSearchWorkflow())
	if err != nil {
		panic(err)
	}

	return d
}

func (d *Definitions) Register(def *models.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byName[def.Name]; exists {
		return fmt.Errorf("%w: workflow %q already registered", models.ErrInvalidDefinition, def.Name)
	}

	d.byName[def.Name] = def

	return nil
}

func (d *Definitions) Get(name string) (*models.WorkflowDefinition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	def, ok := d.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}

	return def, nil
}

// Names returns the registered definition names, sorted.
func (d *Definitions) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return slices.Sorted(maps.Keys(d.byName))
}

// TaskTypes returns every task type some stage uses, for checking processor coverage at startup.
func (d *Definitions) TaskTypes() []models.TaskType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[models.TaskType]bool)

	for _, def := range d.byName {
		for _, stage := range def.Stages {
			seen[stage.TaskType] = true
		}
	}

	return slices.Sorted(maps.Keys(seen))
}

// FileFinderWorkflow narrows a project down to the files relevant to a task:
// regex filter, model relevance assessment, path extension and, when some paths could not be
// verified, path correction.
func FileFinderWorkflow() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name:        FileFinderWorkflowName,
		Description: "Find the project files relevant to a task description",
		Stages: []models.StageDefinition{
			{
				Name:     "RegexFileFilter",
				TaskType: models.TaskTypeRegexFileFilter,
			},
			{
				Name:         "FileRelevanceAssessment",
				TaskType:     models.TaskTypeFileRelevanceAssessment,
				Dependencies: []string{"RegexFileFilter"},
				Eligible: func(data *models.IntermediateData) bool {
					return data.LocallyFilteredFiles != nil
				},
			},
			{
				Name:         "ExtendedPathFinder",
				TaskType:     models.TaskTypeExtendedPathFinder,
				Dependencies: []string{"FileRelevanceAssessment"},
				Eligible: func(data *models.IntermediateData) bool {
					return data.AIFilteredFiles != nil
				},
			},
			{
				Name:         "PathCorrection",
				TaskType:     models.TaskTypePathCorrection,
				Dependencies: []string{"ExtendedPathFinder"},
				Optional:     true,
				Eligible: func(data *models.IntermediateData) bool {
					return len(data.ExtendedUnverifiedPaths) > 0
				},
			},
		},
	}
}

// WebSearchWorkflow generates research prompts for a task and executes them.
func WebSearchWorkflow() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name:        WebSearchWorkflowName,
		Description: "Research a task on the web",
		Stages: []models.StageDefinition{
			{
				Name:     "WebSearchPromptsGeneration",
				TaskType: models.TaskTypeWebSearchPromptsGeneration,
			},
			{
				Name:         "WebSearchExecution",
				TaskType:     models.TaskTypeWebSearchExecution,
				Dependencies: []string{"WebSearchPromptsGeneration"},
				Eligible: func(data *models.IntermediateData) bool {
					return len(data.WebSearchPrompts) > 0
				},
			},
		},
	}
}
