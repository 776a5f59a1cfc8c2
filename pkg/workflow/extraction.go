package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

var (
	stringArraySchema = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	countSchema       = map[string]any{"type": "integer", "minimum": 0}
)

func objectSchema(properties map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": properties}
}

// outputSchemas describes the fields each stage type owns in its output. Task types without an
// entry contribute nothing to the intermediate data.
var outputSchemas = map[models.TaskType]map[string]any{
	models.TaskTypeRegexFileFilter: objectSchema(map[string]any{
		"files":         stringArraySchema,
		"filteredFiles": stringArraySchema,
		"isEmptyResult": map[string]any{"type": "boolean"},
		"patterns":      stringArraySchema,
		"directoryTree": map[string]any{"type": "string"},
	}),
	models.TaskTypeFileRelevanceAssessment: objectSchema(map[string]any{
		"files":         stringArraySchema,
		"relevantFiles": stringArraySchema,
		"tokenCount":    countSchema,
		"metadata":      objectSchema(map[string]any{"tokenCount": countSchema}),
	}),
	models.TaskTypeExtendedPathFinder: objectSchema(map[string]any{
		"files":           stringArraySchema,
		"verifiedPaths":   stringArraySchema,
		"unverifiedPaths": stringArraySchema,
		"metadata": objectSchema(map[string]any{
			"verifiedCount":   countSchema,
			"unverifiedCount": countSchema,
		}),
	}),
	models.TaskTypePathCorrection: objectSchema(map[string]any{
		"files":          stringArraySchema,
		"correctedPaths": stringArraySchema,
	}),
	models.TaskTypeRootFolderSelection: objectSchema(map[string]any{
		"roots": stringArraySchema,
	}),
	models.TaskTypeWebSearchPromptsGeneration: objectSchema(map[string]any{
		"prompts": stringArraySchema,
	}),
	models.TaskTypeWebSearchExecution: objectSchema(map[string]any{
		"results": map[string]any{"type": "array"},
	}),
}

// ApplyStageOutput merges the output of a completed stage into data. Only the fields owned by
// the stage's task type are written, and applying the same output twice gives the same data.
// Output that is not a JSON object is an *ExtractionError; a missing or malformed field is
// logged and leaves the previous value in place.
func ApplyStageOutput(logger *slog.Logger, data *models.IntermediateData, taskType models.TaskType, jobID string, output json.RawMessage) error {
	schema, ok := outputSchemas[taskType]
	if !ok {
		logger.Debug("Stage output carries no intermediate data", "task_type", taskType, "job_id", jobID)

		return nil
	}

	doc, err := decodeOutput(output)
	if err != nil {
		return &ExtractionError{TaskType: taskType, JobID: jobID, Err: err}
	}

	malformed, err := validateOutput(schema, doc)
	if err != nil {
		return &ExtractionError{TaskType: taskType, JobID: jobID, Err: err}
	}

	out := &stageOutput{
		doc:       doc,
		malformed: malformed,
		logger:    logger.With("task_type", taskType, "job_id", jobID),
	}

	switch taskType {
	case models.TaskTypeRegexFileFilter:
		mergeRegexFilter(out, data)
	case models.TaskTypeFileRelevanceAssessment:
		mergeRelevanceAssessment(out, data)
	case models.TaskTypeExtendedPathFinder:
		mergePathFinder(out, data)
	case models.TaskTypePathCorrection:
		if files, ok := out.firstStrings("files", "correctedPaths"); ok {
			data.ExtendedCorrectedPaths = files
		}
	case models.TaskTypeRootFolderSelection:
		if roots, ok := out.firstStrings("roots"); ok {
			data.SelectedRootDirectories = roots
		}
	case models.TaskTypeWebSearchPromptsGeneration:
		if prompts, ok := out.firstStrings("prompts"); ok {
			data.WebSearchPrompts = prompts
		}
	case models.TaskTypeWebSearchExecution:
		if results, ok := out.texts("results"); ok {
			data.WebSearchResults = results
		}
	}

	return nil
}

func mergeRegexFilter(out *stageOutput, data *models.IntermediateData) {
	if empty, ok := out.boolean("isEmptyResult"); ok && empty {
		data.LocallyFilteredFiles = []string{}
	} else if files, ok := out.firstStrings("files", "filteredFiles"); ok {
		data.LocallyFilteredFiles = files
	}

	if patterns, ok := out.stringList("patterns"); ok {
		data.RawRegexPatterns = patterns
	}

	if tree, ok := out.text("directoryTree"); ok {
		data.DirectoryTreeContent = &tree
	}
}

func mergeRelevanceAssessment(out *stageOutput, data *models.IntermediateData) {
	if files, ok := out.firstStrings("files", "relevantFiles"); ok {
		data.AIFilteredFiles = files
	}

	count, ok := out.integer("metadata", "tokenCount")
	if !ok {
		count, ok = out.integer("tokenCount")
	}

	if ok {
		data.AIFilteredFilesTokenCount = &count
	}
}

// mergePathFinder reads either the standard form, where "files" lists verified paths first and
// metadata carries the split, or the legacy verifiedPaths/unverifiedPaths pair.
func mergePathFinder(out *stageOutput, data *models.IntermediateData) {
	files, ok := out.stringList("files")
	if !ok {
		if verified, ok := out.firstStrings("verifiedPaths"); ok {
			data.ExtendedVerifiedPaths = verified
		}

		if unverified, ok := out.firstStrings("unverifiedPaths"); ok {
			data.ExtendedUnverifiedPaths = unverified
		}

		return
	}

	verifiedCount, _ := out.integer("metadata", "verifiedCount")
	unverifiedCount, _ := out.integer("metadata", "unverifiedCount")

	if verifiedCount == 0 && unverifiedCount == 0 {
		data.ExtendedVerifiedPaths = files
		data.ExtendedUnverifiedPaths = []string{}

		return
	}

	split := min(verifiedCount, len(files))
	data.ExtendedVerifiedPaths = files[:split:split]
	data.ExtendedUnverifiedPaths = append([]string{}, files[split:]...)
}

// decodeOutput parses the output as a JSON object. A JSON string is treated as text output and
// parsed once more.
func decodeOutput(output json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(output)) == 0 {
		return nil, errors.New("stage produced no output")
	}

	var doc any
	if err := json.Unmarshal(output, &doc); err != nil {
		return nil, fmt.Errorf("output is not valid JSON: %w", err)
	}

	if text, ok := doc.(string); ok {
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, fmt.Errorf("text output is not valid JSON: %w", err)
		}
	}

	object, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("output is a %T, expected a JSON object", doc)
	}

	return object, nil
}

// validateOutput returns the malformed field paths with their descriptions. Only a failure to
// evaluate the schema is returned as an error.
func validateOutput(schema map[string]any, doc map[string]any) (map[string]string, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("output schema validation failed: %w", err)
	}

	malformed := make(map[string]string)

	for _, resultErr := range result.Errors() {
		malformed[resultErr.Field()] = resultErr.Description()
	}

	return malformed, nil
}

type stageOutput struct {
	doc       map[string]any
	malformed map[string]string
	logger    *slog.Logger
}

// lookup walks path through nested objects. Fields reported malformed by the schema, or with a
// malformed descendant, are logged and treated as absent.
func (o *stageOutput) lookup(path ...string) (any, bool) {
	key := strings.Join(path, ".")

	for field, description := range o.malformed {
		if field == key || strings.HasPrefix(field, key+".") {
			o.logger.Warn("Ignoring malformed stage output field", "field", key, "error", description)

			return nil, false
		}
	}

	var current any = o.doc

	for _, name := range path {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = object[name]
		if !ok || current == nil {
			return nil, false
		}
	}

	return current, true
}

func (o *stageOutput) stringList(path ...string) ([]string, bool) {
	value, ok := o.lookup(path...)
	if !ok {
		return nil, false
	}

	items, ok := value.([]any)
	if !ok {
		return nil, false
	}

	values := make([]string, 0, len(items))

	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}

		values = append(values, s)
	}

	return values, true
}

// firstStrings returns the first of fields present as a string list, warning when none is.
func (o *stageOutput) firstStrings(fields ...string) ([]string, bool) {
	for _, field := range fields {
		if values, ok := o.stringList(field); ok {
			return values, true
		}
	}

	o.logger.Warn("Stage output is missing an expected field", "fields", fields)

	return nil, false
}

// texts reads a list whose items may be strings or JSON values; the latter are kept encoded.
func (o *stageOutput) texts(field string) ([]string, bool) {
	value, ok := o.lookup(field)
	if !ok {
		o.logger.Warn("Stage output is missing an expected field", "fields", []string{field})

		return nil, false
	}

	items, ok := value.([]any)
	if !ok {
		return nil, false
	}

	values := make([]string, 0, len(items))

	for _, item := range items {
		if s, ok := item.(string); ok {
			values = append(values, s)

			continue
		}

		encoded, err := json.Marshal(item)
		if err != nil {
			continue
		}

		values = append(values, string(encoded))
	}

	return values, true
}

func (o *stageOutput) text(field string) (string, bool) {
	value, ok := o.lookup(field)
	if !ok {
		return "", false
	}

	s, ok := value.(string)

	return s, ok
}

func (o *stageOutput) boolean(field string) (bool, bool) {
	value, ok := o.lookup(field)
	if !ok {
		return false, false
	}

	b, ok := value.(bool)

	return b, ok
}

func (o *stageOutput) integer(path ...string) (int, bool) {
	value, ok := o.lookup(path...)
	if !ok {
		return 0, false
	}

	n, ok := value.(float64)
	if !ok {
		return 0, false
	}

	return int(n), true
}
