package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// yamlDefinition is the on-disk form of a workflow definition.
//
//	name: CodeReview
//	stages:
//	  - name: Plan
//	    task_type: implementation_plan
//	    dependencies: [Find]
//	    requires: [extended_verified_paths]
type yamlDefinition struct {
	Name        string      `yaml:"name"        validate:"required,max=128"`
	Description string      `yaml:"description"`
	Stages      []yamlStage `yaml:"stages"      validate:"required,min=1,dive"`
}

type yamlStage struct {
	Name          string   `yaml:"name"           validate:"required,max=128"`
	TaskType      string   `yaml:"task_type"      validate:"required"`
	Dependencies  []string `yaml:"dependencies"`
	AllowParallel bool     `yaml:"allow_parallel"`
	Optional      bool     `yaml:"optional"`
	Requires      []string `yaml:"requires"       validate:"dive,intermediate_field"`
}

// intermediateFields maps the names usable in `requires` to a presence check on the field.
var intermediateFields = map[string]func(*models.IntermediateData) bool{
	"directory_tree_content":        func(d *models.IntermediateData) bool { return d.DirectoryTreeContent != nil && *d.DirectoryTreeContent != "" },
	"raw_regex_patterns":            func(d *models.IntermediateData) bool { return len(d.RawRegexPatterns) > 0 },
	"locally_filtered_files":        func(d *models.IntermediateData) bool { return len(d.LocallyFilteredFiles) > 0 },
	"ai_filtered_files":             func(d *models.IntermediateData) bool { return len(d.AIFilteredFiles) > 0 },
	"ai_filtered_files_token_count": func(d *models.IntermediateData) bool { return d.AIFilteredFilesTokenCount != nil },
	"extended_verified_paths":       func(d *models.IntermediateData) bool { return len(d.ExtendedVerifiedPaths) > 0 },
	"extended_unverified_paths":     func(d *models.IntermediateData) bool { return len(d.ExtendedUnverifiedPaths) > 0 },
	"extended_corrected_paths":      func(d *models.IntermediateData) bool { return len(d.ExtendedCorrectedPaths) > 0 },
	"selected_root_directories":     func(d *models.IntermediateData) bool { return len(d.SelectedRootDirectories) > 0 },
	"web_search_prompts":            func(d *models.IntermediateData) bool { return len(d.WebSearchPrompts) > 0 },
	"web_search_results":            func(d *models.IntermediateData) bool { return len(d.WebSearchResults) > 0 },
}

// Loader parses workflow definitions from YAML files.
type Loader struct {
	validate *validator.Validate
}

func NewLoader() *Loader {
	validate := validator.New(validator.WithRequiredStructEnabled())

	_ = validate.RegisterValidation("intermediate_field", func(fl validator.FieldLevel) bool {
		_, ok := intermediateFields[fl.Field().String()]

		return ok
	})

	return &Loader{validate: validate}
}

// LoadAll reads every *.yaml and *.yml file under path, which may also be a single file.
// Every file is attempted; the returned error joins the failures.
func (l *Loader) LoadAll(path string) ([]*models.WorkflowDefinition, error) {
	defs := make([]*models.WorkflowDefinition, 0)
	errs := make([]error, 0)

	err := filepath.WalkDir(path, func(file string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(file))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		def, err := l.LoadFile(file)
		if err != nil {
			errs = append(errs, err)

			return nil
		}

		defs = append(defs, def)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}

	return defs, errors.Join(errs...)
}

// LoadFile parses and validates a single definition file.
func (l *Loader) LoadFile(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	return def, nil
}

// Parse converts one YAML document into a validated definition.
func (l *Loader) Parse(data []byte) (*models.WorkflowDefinition, error) {
	var raw yamlDefinition

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidDefinition, err)
	}

	if err := l.validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidDefinition, err)
	}

	def := &models.WorkflowDefinition{
		Name:        raw.Name,
		Description: raw.Description,
		Stages:      make([]models.StageDefinition, 0, len(raw.Stages)),
	}

	for _, stage := range raw.Stages {
		def.Stages = append(def.Stages, models.StageDefinition{
			Name:          stage.Name,
			TaskType:      models.TaskType(stage.TaskType),
			Dependencies:  stage.Dependencies,
			AllowParallel: stage.AllowParallel,
			Optional:      stage.Optional,
			Eligible:      requiresAll(stage.Requires),
		})
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return def, nil
}

func requiresAll(fields []string) models.EligibilityFunc {
	if len(fields) == 0 {
		return nil
	}

	checks := make([]func(*models.IntermediateData) bool, 0, len(fields))
	for _, field := range fields {
		checks = append(checks, intermediateFields[field])
	}

	return func(data *models.IntermediateData) bool {
		for _, check := range checks {
			if !check(data) {
				return false
			}
		}

		return true
	}
}
