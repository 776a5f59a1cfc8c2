// Package regexfilter implements the regex file filter stage natively: it walks the project roots
// and keeps the files whose path matches one of the patterns.
package regexfilter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/registry"
)

const (
	ID = "native.regex_file_filter"

	DefaultMaxFiles = 2000
	treeDepth       = 2
	minKeywordLen   = 4
)

var errLimitReached = errors.New("file limit reached")

// stopWords are skipped when deriving patterns from a task description.
var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true, "into": true, "when": true,
	"should": true, "would": true, "could": true, "there": true, "their": true, "which": true,
	"have": true, "make": true, "need": true, "some": true, "them": true, "then": true,
	"what": true, "where": true, "also": true, "each": true, "only": true, "file": true,
	"files": true, "code": true, "implement": true, "update": true, "change": true, "using": true,
}

// Output is the JSON document the stage produces.
type Output struct {
	Files         []string `json:"files"`
	Patterns      []string `json:"patterns"`
	IsEmptyResult bool     `json:"isEmptyResult"`
	DirectoryTree string   `json:"directoryTree,omitempty"`
	Truncated     bool     `json:"truncated,omitempty"`
}

type Processor struct {
	registry.TaskTypeProcessor

	logger   *slog.Logger
	maxFiles int
}

var _ registry.Processor = (*Processor)(nil)

func New(logger *slog.Logger, maxFiles int) *Processor {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}

	return &Processor{
		TaskTypeProcessor: registry.TaskTypeProcessor{Types: []models.TaskType{models.TaskTypeRegexFileFilter}},
		logger:            logger.With("module", "regex_file_filter"),
		maxFiles:          maxFiles,
	}
}

func (p *Processor) ID() string { return ID }

func (p *Processor) Process(ctx context.Context, job *models.Job) models.JobResult {
	payload, ok := job.Payload.(*models.RegexFileFilterPayload)
	if !ok {
		return models.PermanentFailure(fmt.Sprintf("unexpected payload %T for %s", job.Payload, job.TaskType))
	}

	if len(payload.RootDirectories) == 0 {
		return models.PermanentFailure("no root directories to filter")
	}

	patterns := payload.Patterns
	if len(patterns) == 0 {
		patterns = Keywords(payload.TaskDescription)
	}

	matchers, err := compile(patterns)
	if err != nil {
		return models.PermanentFailure(err.Error())
	}

	logger := p.logger.With("job_id", job.ID)
	logger.InfoContext(ctx, "Filtering files", "roots", len(payload.RootDirectories), "patterns", patterns)

	output := Output{Files: make([]string, 0), Patterns: patterns}

	var tree strings.Builder

	for _, root := range payload.RootDirectories {
		err := p.walk(ctx, root, payload.ExcludedPaths, matchers, &output, &tree)
		if errors.Is(err, errLimitReached) {
			output.Truncated = true

			break
		}

		if ctx.Err() != nil {
			return models.Canceled("regex file filter canceled")
		}

		if err != nil {
			return models.Failure(fmt.Sprintf("failed to walk %s: %v", root, err))
		}
	}

	slices.Sort(output.Files)
	output.Files = slices.Compact(output.Files)
	output.IsEmptyResult = len(output.Files) == 0
	output.DirectoryTree = tree.String()

	logger.InfoContext(ctx, "Files filtered", "matched", len(output.Files), "truncated", output.Truncated)

	return models.SuccessJSON(output, nil)
}

func (p *Processor) walk(ctx context.Context, root string, excluded []string, matchers []*regexp.Regexp, output *Output, tree *strings.Builder) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}

			p.logger.DebugContext(ctx, "Skipping unreadable path", "path", path, "error", err)

			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, _ := filepath.Rel(root, path)

		if entry.IsDir() {
			if path != root && skipped(entry.Name(), rel, excluded) {
				return filepath.SkipDir
			}

			if depth := strings.Count(rel, string(filepath.Separator)); path != root && depth < treeDepth {
				fmt.Fprintf(tree, "%s%s/\n", strings.Repeat("  ", depth), entry.Name())
			}

			return nil
		}

		if skipped(entry.Name(), rel, excluded) || !matches(matchers, filepath.ToSlash(rel)) {
			return nil
		}

		if len(output.Files) >= p.maxFiles {
			return errLimitReached
		}

		output.Files = append(output.Files, path)

		return nil
	})
}

func skipped(name, rel string, excluded []string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}

	rel = filepath.ToSlash(rel)

	for _, pattern := range excluded {
		if pattern == name || pattern == rel || strings.HasPrefix(rel, strings.TrimSuffix(pattern, "/")+"/") {
			return true
		}
	}

	return false
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, errors.New("no patterns given and none could be derived from the task description")
	}

	matchers := make([]*regexp.Regexp, 0, len(patterns))

	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}

		matchers = append(matchers, re)
	}

	return matchers, nil
}

func matches(matchers []*regexp.Regexp, path string) bool {
	for _, re := range matchers {
		if re.MatchString(path) {
			return true
		}
	}

	return false
}

// Keywords derives case-insensitive path patterns from the distinctive words of a description.
func Keywords(description string) []string {
	words := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	patterns := make([]string, 0, len(words))
	seen := make(map[string]bool, len(words))

	for _, word := range words {
		if len(word) < minKeywordLen || stopWords[word] || seen[word] {
			continue
		}

		seen[word] = true
		patterns = append(patterns, "(?i)"+regexp.QuoteMeta(word))
	}

	return patterns
}
