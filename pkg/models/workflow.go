package models

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"
)

var ErrInvalidDefinition = errors.New("invalid workflow definition")

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// EligibilityFunc decides whether a stage may be scheduled given the data accumulated so far.
// It must be a pure function: the orchestrator evaluates it many times.
type EligibilityFunc func(data *IntermediateData) bool

// StageDefinition is one named step of a workflow.
type StageDefinition struct {
	Name         string   `json:"name"                   validate:"required"`
	TaskType     TaskType `json:"task_type"              validate:"required"`
	Dependencies []string `json:"dependencies,omitempty"`
	// AllowParallel lets the stage start while other stages of the same workflow are active.
	AllowParallel bool `json:"allow_parallel,omitempty"`
	// Optional stages whose predicate does not hold are skipped and do not block completion.
	Optional bool            `json:"optional,omitempty"`
	Eligible EligibilityFunc `json:"-"`
}

// IsEligible evaluates the stage predicate; a nil predicate is always eligible.
func (s *StageDefinition) IsEligible(data *IntermediateData) bool {
	if s.Eligible == nil {
		return true
	}

	return s.Eligible(data)
}

// WorkflowDefinition is the static description of a named workflow.
type WorkflowDefinition struct {
	Name        string            `json:"name"                  validate:"required"`
	Description string            `json:"description,omitempty"`
	Stages      []StageDefinition `json:"stages"                validate:"required,min=1,dive"`
}

// Stage returns the stage with the given name.
func (d *WorkflowDefinition) Stage(name string) (*StageDefinition, bool) {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i], true
		}
	}

	return nil, false
}

// EntryStages returns the stages with no dependencies, in definition order.
func (d *WorkflowDefinition) EntryStages() []*StageDefinition {
	entries := make([]*StageDefinition, 0)

	for i := range d.Stages {
		if len(d.Stages[i].Dependencies) == 0 {
			entries = append(entries, &d.Stages[i])
		}
	}

	return entries
}

// DependentStages returns the stages that list name as a dependency.
func (d *WorkflowDefinition) DependentStages(name string) []*StageDefinition {
	dependents := make([]*StageDefinition, 0)

	for i := range d.Stages {
		if slices.Contains(d.Stages[i].Dependencies, name) {
			dependents = append(dependents, &d.Stages[i])
		}
	}

	return dependents
}

// Downstream returns the names of every stage that depends on name directly or transitively, in
// definition order.
func (d *WorkflowDefinition) Downstream(name string) []string {
	reached := map[string]bool{name: true}

	// Dependencies may be declared after their dependents, so iterate until nothing changes.
	for changed := true; changed; {
		changed = false

		for _, stage := range d.Stages {
			if reached[stage.Name] {
				continue
			}

			for _, dep := range stage.Dependencies {
				if reached[dep] {
					reached[stage.Name] = true
					changed = true

					break
				}
			}
		}
	}

	downstream := make([]string, 0)

	for _, stage := range d.Stages {
		if stage.Name != name && reached[stage.Name] {
			downstream = append(downstream, stage.Name)
		}
	}

	return downstream
}

// Validate checks the definition's structural invariants.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}

	if len(d.Stages) == 0 {
		return fmt.Errorf("%w: %s has no stages", ErrInvalidDefinition, d.Name)
	}

	names := make(map[string]bool, len(d.Stages))

	for _, stage := range d.Stages {
		if stage.Name == "" {
			return fmt.Errorf("%w: %s has a stage without a name", ErrInvalidDefinition, d.Name)
		}

		if names[stage.Name] {
			return fmt.Errorf("%w: %s has duplicate stage %q", ErrInvalidDefinition, d.Name, stage.Name)
		}

		names[stage.Name] = true

		if !stage.TaskType.IsValid() {
			return fmt.Errorf("%w: stage %q has unknown task type %q", ErrInvalidDefinition, stage.Name, stage.TaskType)
		}
	}

	for _, stage := range d.Stages {
		for _, dep := range stage.Dependencies {
			if dep == stage.Name {
				return fmt.Errorf("%w: stage %q depends on itself", ErrInvalidDefinition, stage.Name)
			}

			if !names[dep] {
				return fmt.Errorf("%w: stage %q depends on unknown stage %q", ErrInvalidDefinition, stage.Name, dep)
			}
		}
	}

	return d.checkCycles()
}

func (d *WorkflowDefinition) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(d.Stages))

	var visit func(name string) error

	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w: dependency cycle through stage %q", ErrInvalidDefinition, name)
		case done:
			return nil
		}

		state[name] = visiting

		stage, _ := d.Stage(name)
		for _, dep := range stage.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}

		state[name] = done

		return nil
	}

	for _, stage := range d.Stages {
		if err := visit(stage.Name); err != nil {
			return err
		}
	}

	return nil
}

// StageJob is one scheduled instance of a stage within a workflow.
type StageJob struct {
	StageName    string     `json:"stage_name"`
	JobID        string     `json:"job_id"`
	TaskType     TaskType   `json:"task_type"`
	Status       JobStatus  `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// WorkflowParams are the caller-supplied inputs of a workflow run.
type WorkflowParams struct {
	TaskDescription  string         `json:"task_description"            validate:"required"`
	ProjectDirectory string         `json:"project_directory,omitempty"`
	ExcludedPaths    []string       `json:"excluded_paths,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// WorkflowState is the live, mutable record of one workflow instance. A paused workflow records
// stage outcomes but neither schedules nor resolves until it is resumed.
type WorkflowState struct {
	WorkflowID       string           `json:"workflow_id"`
	DefinitionName   string           `json:"definition_name"`
	SessionID        string           `json:"session_id"`
	Status           WorkflowStatus   `json:"status"`
	Params           WorkflowParams   `json:"params"`
	StageJobs        []StageJob       `json:"stage_jobs"`
	IntermediateData IntermediateData `json:"intermediate_data"`
	Cancelled        bool             `json:"cancelled,omitempty"`
	CancelReason     string           `json:"cancel_reason,omitempty"`
	Paused           bool             `json:"paused,omitempty"`
	StageRetries     int              `json:"stage_retries,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
}

// Touch advances UpdatedAt, never moving it backwards.
func (w *WorkflowState) Touch(now time.Time) {
	if now.After(w.UpdatedAt) {
		w.UpdatedAt = now
	}
}

// StageJobByID returns the stage job tracking jobID.
func (w *WorkflowState) StageJobByID(jobID string) *StageJob {
	for i := range w.StageJobs {
		if w.StageJobs[i].JobID == jobID {
			return &w.StageJobs[i]
		}
	}

	return nil
}

// StageJobsFor returns every scheduled instance of a stage, oldest first.
func (w *WorkflowState) StageJobsFor(stageName string) []*StageJob {
	jobs := make([]*StageJob, 0)

	for i := range w.StageJobs {
		if w.StageJobs[i].StageName == stageName {
			jobs = append(jobs, &w.StageJobs[i])
		}
	}

	return jobs
}

// IsStageCompleted reports whether any instance of the stage completed.
func (w *WorkflowState) IsStageCompleted(stageName string) bool {
	for _, job := range w.StageJobsFor(stageName) {
		if job.Status == JobStatusCompleted {
			return true
		}
	}

	return false
}

// HasActiveStage reports whether an instance of the stage is queued or running.
func (w *WorkflowState) HasActiveStage(stageName string) bool {
	for _, job := range w.StageJobsFor(stageName) {
		if job.Status.IsActive() {
			return true
		}
	}

	return false
}

// ActiveStageCount counts stage jobs that are queued or running.
func (w *WorkflowState) ActiveStageCount() int {
	count := 0

	for _, job := range w.StageJobs {
		if job.Status.IsActive() {
			count++
		}
	}

	return count
}

// ActiveStageJobs returns the stage jobs that are queued or running.
func (w *WorkflowState) ActiveStageJobs() []StageJob {
	active := make([]StageJob, 0)

	for _, job := range w.StageJobs {
		if job.Status.IsActive() {
			active = append(active, job)
		}
	}

	return active
}

// FirstFailedStage returns the earliest failed or canceled stage job, if any.
func (w *WorkflowState) FirstFailedStage() *StageJob {
	for i := range w.StageJobs {
		status := w.StageJobs[i].Status
		if status == JobStatusFailed || status == JobStatusCanceled {
			return &w.StageJobs[i]
		}
	}

	return nil
}

// RemoveStageJobs drops every instance of the named stages and returns them.
func (w *WorkflowState) RemoveStageJobs(stageNames ...string) []StageJob {
	removed := make([]StageJob, 0)

	w.StageJobs = slices.DeleteFunc(w.StageJobs, func(job StageJob) bool {
		if !slices.Contains(stageNames, job.StageName) {
			return false
		}

		removed = append(removed, job)

		return true
	})

	return removed
}

func (w *WorkflowState) countStages(status JobStatus) int {
	count := 0

	for _, job := range w.StageJobs {
		if job.Status == status {
			count++
		}
	}

	return count
}

// Clone returns a deep copy safe to hand out of the orchestrator's lock.
func (w *WorkflowState) Clone() *WorkflowState {
	clone := *w
	clone.StageJobs = slices.Clone(w.StageJobs)
	clone.Params.ExcludedPaths = slices.Clone(w.Params.ExcludedPaths)
	clone.IntermediateData = *w.IntermediateData.Clone()

	return &clone
}

// IntermediateData accumulates stage outputs consumed by later stages.
type IntermediateData struct {
	DirectoryTreeContent      *string  `json:"directory_tree_content,omitempty"`
	RawRegexPatterns          []string `json:"raw_regex_patterns,omitempty"`
	LocallyFilteredFiles      []string `json:"locally_filtered_files,omitempty"`
	AIFilteredFiles           []string `json:"ai_filtered_files,omitempty"`
	AIFilteredFilesTokenCount *int     `json:"ai_filtered_files_token_count,omitempty"`
	ExtendedVerifiedPaths     []string `json:"extended_verified_paths,omitempty"`
	ExtendedUnverifiedPaths   []string `json:"extended_unverified_paths,omitempty"`
	ExtendedCorrectedPaths    []string `json:"extended_corrected_paths,omitempty"`
	SelectedRootDirectories   []string `json:"selected_root_directories,omitempty"`
	WebSearchPrompts          []string `json:"web_search_prompts,omitempty"`
	WebSearchResults          []string `json:"web_search_results,omitempty"`
}

// FinalSelectedFiles combines verified and corrected paths, sorted and deduplicated.
func (d *IntermediateData) FinalSelectedFiles() []string {
	files := make([]string, 0, len(d.ExtendedVerifiedPaths)+len(d.ExtendedCorrectedPaths))
	files = append(files, d.ExtendedVerifiedPaths...)
	files = append(files, d.ExtendedCorrectedPaths...)

	sort.Strings(files)

	return slices.Compact(files)
}

func (d *IntermediateData) Clone() *IntermediateData {
	clone := IntermediateData{
		RawRegexPatterns:        slices.Clone(d.RawRegexPatterns),
		LocallyFilteredFiles:    slices.Clone(d.LocallyFilteredFiles),
		AIFilteredFiles:         slices.Clone(d.AIFilteredFiles),
		ExtendedVerifiedPaths:   slices.Clone(d.ExtendedVerifiedPaths),
		ExtendedUnverifiedPaths: slices.Clone(d.ExtendedUnverifiedPaths),
		ExtendedCorrectedPaths:  slices.Clone(d.ExtendedCorrectedPaths),
		SelectedRootDirectories: slices.Clone(d.SelectedRootDirectories),
		WebSearchPrompts:        slices.Clone(d.WebSearchPrompts),
		WebSearchResults:        slices.Clone(d.WebSearchResults),
	}

	if d.DirectoryTreeContent != nil {
		tree := *d.DirectoryTreeContent
		clone.DirectoryTreeContent = &tree
	}

	if d.AIFilteredFilesTokenCount != nil {
		count := *d.AIFilteredFilesTokenCount
		clone.AIFilteredFilesTokenCount = &count
	}

	return &clone
}

// WorkflowResult summarizes a workflow run for callers.
type WorkflowResult struct {
	Success          bool             `json:"success"`
	WorkflowID       string           `json:"workflow_id"`
	Status           WorkflowStatus   `json:"status"`
	SelectedFiles    []string         `json:"selected_files"`
	IntermediateData IntermediateData `json:"intermediate_data"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	TotalStages      int              `json:"total_stages"`
	CompletedStages  int              `json:"completed_stages"`
	FailedStages     int              `json:"failed_stages"`
	Duration         *time.Duration   `json:"duration,omitempty"`
}

// NewWorkflowResult builds the summary of a workflow state.
func NewWorkflowResult(state *WorkflowState) *WorkflowResult {
	result := &WorkflowResult{
		Success:          state.Status == WorkflowStatusCompleted,
		WorkflowID:       state.WorkflowID,
		Status:           state.Status,
		SelectedFiles:    state.IntermediateData.FinalSelectedFiles(),
		IntermediateData: *state.IntermediateData.Clone(),
		ErrorMessage:     state.ErrorMessage,
		TotalStages:      len(state.StageJobs),
		CompletedStages:  state.countStages(JobStatusCompleted),
		FailedStages:     state.countStages(JobStatusFailed),
	}

	if state.CompletedAt != nil {
		duration := state.CompletedAt.Sub(state.CreatedAt)
		result.Duration = &duration
	}

	return result
}
