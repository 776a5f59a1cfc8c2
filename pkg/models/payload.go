package models

import (
	"encoding/json"
	"fmt"
)

// TaskType tags a job with the processor family that handles it.
type TaskType string

const (
	TaskTypeRegexFileFilter            TaskType = "regex_file_filter"
	TaskTypeFileRelevanceAssessment    TaskType = "file_relevance_assessment"
	TaskTypeExtendedPathFinder         TaskType = "extended_path_finder"
	TaskTypePathCorrection             TaskType = "path_correction"
	TaskTypeRootFolderSelection        TaskType = "root_folder_selection"
	TaskTypeImplementationPlan         TaskType = "implementation_plan"
	TaskTypeTaskRefinement             TaskType = "task_refinement"
	TaskTypeTextImprovement            TaskType = "text_improvement"
	TaskTypeGenericLlmStream           TaskType = "generic_llm_stream"
	TaskTypeOpenRouterLlm              TaskType = "openrouter_llm"
	TaskTypeWebSearchPromptsGeneration TaskType = "web_search_prompts_generation"
	TaskTypeWebSearchExecution         TaskType = "web_search_execution"
)

// TaskTypes lists every supported task type.
var TaskTypes = []TaskType{
	TaskTypeRegexFileFilter,
	TaskTypeFileRelevanceAssessment,
	TaskTypeExtendedPathFinder,
	TaskTypePathCorrection,
	TaskTypeRootFolderSelection,
	TaskTypeImplementationPlan,
	TaskTypeTaskRefinement,
	TaskTypeTextImprovement,
	TaskTypeGenericLlmStream,
	TaskTypeOpenRouterLlm,
	TaskTypeWebSearchPromptsGeneration,
	TaskTypeWebSearchExecution,
}

func (t TaskType) IsValid() bool {
	_, err := NewPayload(t)

	return err == nil
}

// Payload is the task-specific data carried by a job. Each task type has exactly one variant.
type Payload interface {
	TaskType() TaskType
}

type RegexFileFilterPayload struct {
	TaskDescription string   `json:"task_description"`
	RootDirectories []string `json:"root_directories"`
	Patterns        []string `json:"patterns,omitempty"`
	ExcludedPaths   []string `json:"excluded_paths,omitempty"`
}

func (RegexFileFilterPayload) TaskType() TaskType { return TaskTypeRegexFileFilter }

type FileRelevanceAssessmentPayload struct {
	TaskDescription      string   `json:"task_description"`
	LocallyFilteredFiles []string `json:"locally_filtered_files"`
}

func (FileRelevanceAssessmentPayload) TaskType() TaskType { return TaskTypeFileRelevanceAssessment }

type ExtendedPathFinderPayload struct {
	TaskDescription         string   `json:"task_description"`
	InitialPaths            []string `json:"initial_paths"`
	SelectedRootDirectories []string `json:"selected_root_directories,omitempty"`
	ProjectDirectory        string   `json:"project_directory,omitempty"`
}

func (ExtendedPathFinderPayload) TaskType() TaskType { return TaskTypeExtendedPathFinder }

type PathCorrectionPayload struct {
	PathsToCorrect   []string `json:"paths_to_correct"`
	ProjectDirectory string   `json:"project_directory,omitempty"`
}

func (PathCorrectionPayload) TaskType() TaskType { return TaskTypePathCorrection }

type RootFolderSelectionPayload struct {
	TaskDescription string   `json:"task_description"`
	CandidateRoots  []string `json:"candidate_roots"`
}

func (RootFolderSelectionPayload) TaskType() TaskType { return TaskTypeRootFolderSelection }

type ImplementationPlanPayload struct {
	TaskDescription         string   `json:"task_description"`
	RelevantFiles           []string `json:"relevant_files"`
	SelectedRootDirectories []string `json:"selected_root_directories,omitempty"`
	EnableWebSearch         bool     `json:"enable_web_search"`
	IncludeProjectStructure bool     `json:"include_project_structure"`
}

func (ImplementationPlanPayload) TaskType() TaskType { return TaskTypeImplementationPlan }

type TaskRefinementPayload struct {
	TaskDescription string   `json:"task_description"`
	RelevantFiles   []string `json:"relevant_files"`
}

func (TaskRefinementPayload) TaskType() TaskType { return TaskTypeTaskRefinement }

type TextImprovementPayload struct {
	TextToImprove              string `json:"text_to_improve"`
	OriginalTranscriptionJobID string `json:"original_transcription_job_id,omitempty"`
}

func (TextImprovementPayload) TaskType() TaskType { return TaskTypeTextImprovement }

type GenericLlmStreamPayload struct {
	PromptText   string         `json:"prompt_text"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (GenericLlmStreamPayload) TaskType() TaskType { return TaskTypeGenericLlmStream }

type OpenRouterLlmPayload struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Stream      bool     `json:"stream"`
}

func (OpenRouterLlmPayload) TaskType() TaskType { return TaskTypeOpenRouterLlm }

type WebSearchPromptsGenerationPayload struct {
	TaskDescription string `json:"task_description"`
}

func (WebSearchPromptsGenerationPayload) TaskType() TaskType {
	return TaskTypeWebSearchPromptsGeneration
}

type WebSearchExecutionPayload struct {
	Prompts []string `json:"prompts"`
}

func (WebSearchExecutionPayload) TaskType() TaskType { return TaskTypeWebSearchExecution }

// NewPayload returns an empty payload variant for the task type.
func NewPayload(taskType TaskType) (Payload, error) {
	switch taskType {
	case TaskTypeRegexFileFilter:
		return &RegexFileFilterPayload{}, nil
	case TaskTypeFileRelevanceAssessment:
		return &FileRelevanceAssessmentPayload{}, nil
	case TaskTypeExtendedPathFinder:
		return &ExtendedPathFinderPayload{}, nil
	case TaskTypePathCorrection:
		return &PathCorrectionPayload{}, nil
	case TaskTypeRootFolderSelection:
		return &RootFolderSelectionPayload{}, nil
	case TaskTypeImplementationPlan:
		return &ImplementationPlanPayload{}, nil
	case TaskTypeTaskRefinement:
		return &TaskRefinementPayload{}, nil
	case TaskTypeTextImprovement:
		return &TextImprovementPayload{}, nil
	case TaskTypeGenericLlmStream:
		return &GenericLlmStreamPayload{}, nil
	case TaskTypeOpenRouterLlm:
		return &OpenRouterLlmPayload{}, nil
	case TaskTypeWebSearchPromptsGeneration:
		return &WebSearchPromptsGenerationPayload{}, nil
	case TaskTypeWebSearchExecution:
		return &WebSearchExecutionPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
}

type taggedPayload struct {
	Type TaskType        `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalPayload encodes a payload as {"type": ..., "data": ...}.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrPayloadMismatch)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.TaskType(), err)
	}

	return json.Marshal(taggedPayload{Type: p.TaskType(), Data: data})
}

// UnmarshalPayload decodes the tagged form written by MarshalPayload.
func UnmarshalPayload(data []byte) (Payload, error) {
	var tagged taggedPayload
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("failed to decode payload envelope: %w", err)
	}

	payload, err := NewPayload(tagged.Type)
	if err != nil {
		return nil, err
	}

	if len(tagged.Data) > 0 {
		if err := json.Unmarshal(tagged.Data, payload); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", tagged.Type, err)
		}
	}

	return payload, nil
}
