package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dukex/jobflow/pkg/models"
)

// BuildStagePayload builds the job payload of a stage from the workflow parameters and the data
// produced by earlier stages.
func BuildStagePayload(state *models.WorkflowState, stage *models.StageDefinition) (models.Payload, error) {
	params := state.Params
	data := &state.IntermediateData

	switch stage.TaskType {
	case models.TaskTypeRootFolderSelection:
		roots, err := listRootFolders(params.ProjectDirectory, params.ExcludedPaths)
		if err != nil {
			return nil, err
		}

		return &models.RootFolderSelectionPayload{
			TaskDescription: params.TaskDescription,
			CandidateRoots:  roots,
		}, nil
	case models.TaskTypeRegexFileFilter:
		roots := slices.Clone(data.SelectedRootDirectories)
		if len(roots) == 0 && params.ProjectDirectory != "" {
			roots = []string{params.ProjectDirectory}
		}

		return &models.RegexFileFilterPayload{
			TaskDescription: params.TaskDescription,
			RootDirectories: roots,
			ExcludedPaths:   slices.Clone(params.ExcludedPaths),
		}, nil
	case models.TaskTypeFileRelevanceAssessment:
		return &models.FileRelevanceAssessmentPayload{
			TaskDescription:      params.TaskDescription,
			LocallyFilteredFiles: slices.Clone(data.LocallyFilteredFiles),
		}, nil
	case models.TaskTypeExtendedPathFinder:
		return &models.ExtendedPathFinderPayload{
			TaskDescription:         params.TaskDescription,
			InitialPaths:            slices.Clone(data.AIFilteredFiles),
			SelectedRootDirectories: slices.Clone(data.SelectedRootDirectories),
			ProjectDirectory:        params.ProjectDirectory,
		}, nil
	case models.TaskTypePathCorrection:
		return &models.PathCorrectionPayload{
			PathsToCorrect:   slices.Clone(data.ExtendedUnverifiedPaths),
			ProjectDirectory: params.ProjectDirectory,
		}, nil
	case models.TaskTypeWebSearchPromptsGeneration:
		return &models.WebSearchPromptsGenerationPayload{
			TaskDescription: params.TaskDescription,
		}, nil
	case models.TaskTypeWebSearchExecution:
		return &models.WebSearchExecutionPayload{
			Prompts: slices.Clone(data.WebSearchPrompts),
		}, nil
	case models.TaskTypeImplementationPlan:
		enableWebSearch, _ := params.Extra["enable_web_search"].(bool)

		return &models.ImplementationPlanPayload{
			TaskDescription:         params.TaskDescription,
			RelevantFiles:           data.FinalSelectedFiles(),
			SelectedRootDirectories: slices.Clone(data.SelectedRootDirectories),
			EnableWebSearch:         enableWebSearch,
			IncludeProjectStructure: data.DirectoryTreeContent != nil,
		}, nil
	case models.TaskTypeTaskRefinement:
		return &models.TaskRefinementPayload{
			TaskDescription: params.TaskDescription,
			RelevantFiles:   data.FinalSelectedFiles(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStage, stage.TaskType)
	}
}

// listRootFolders returns the visible top-level directories of the project, minus excluded ones.
func listRootFolders(projectDirectory string, excluded []string) ([]string, error) {
	if projectDirectory == "" {
		return nil, fmt.Errorf("%w: root folder selection needs a project directory", ErrUnsupportedStage)
	}

	entries, err := os.ReadDir(projectDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", projectDirectory, err)
	}

	roots := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || slices.Contains(excluded, name) {
			continue
		}

		roots = append(roots, filepath.Join(projectDirectory, name))
	}

	return roots, nil
}
