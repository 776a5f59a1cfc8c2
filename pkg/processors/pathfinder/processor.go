// Package pathfinder implements the path stages that only need the filesystem: verifying and
// extending a set of candidate paths, and correcting paths that do not exist.
package pathfinder

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/registry"
)

const (
	FinderID    = "native.extended_path_finder"
	CorrectorID = "native.path_correction"

	// maxCompanions bounds how many sibling files one verified path may add.
	maxCompanions = 5
)

// Metadata carries the verified/unverified split of Output.Files.
type Metadata struct {
	VerifiedCount   int `json:"verifiedCount"`
	UnverifiedCount int `json:"unverifiedCount"`
}

// Output lists verified paths first, then unverified ones.
type Output struct {
	Files    []string `json:"files"`
	Metadata Metadata `json:"metadata"`
}

// Finder verifies candidate paths against the project and adds their companion files, such as
// tests living next to a verified source file.
type Finder struct {
	registry.TaskTypeProcessor

	logger *slog.Logger
}

var _ registry.Processor = (*Finder)(nil)

func NewFinder(logger *slog.Logger) *Finder {
	return &Finder{
		TaskTypeProcessor: registry.TaskTypeProcessor{Types: []models.TaskType{models.TaskTypeExtendedPathFinder}},
		logger:            logger.With("module", "extended_path_finder"),
	}
}

func (f *Finder) ID() string { return FinderID }

func (f *Finder) Process(ctx context.Context, job *models.Job) models.JobResult {
	payload, ok := job.Payload.(*models.ExtendedPathFinderPayload)
	if !ok {
		return models.PermanentFailure(fmt.Sprintf("unexpected payload %T for %s", job.Payload, job.TaskType))
	}

	verified := make([]string, 0, len(payload.InitialPaths))
	unverified := make([]string, 0)
	seen := make(map[string]bool)

	for _, path := range payload.InitialPaths {
		if ctx.Err() != nil {
			return models.Canceled("extended path finder canceled")
		}

		if seen[path] {
			continue
		}

		seen[path] = true

		resolved := resolve(payload.ProjectDirectory, path)
		if !isFile(resolved) {
			unverified = append(unverified, path)

			continue
		}

		verified = append(verified, path)

		for _, companion := range companions(path, resolved) {
			if !seen[companion] {
				seen[companion] = true
				verified = append(verified, companion)
			}
		}
	}

	f.logger.InfoContext(ctx, "Paths verified",
		"job_id", job.ID,
		"initial", len(payload.InitialPaths),
		"verified", len(verified),
		"unverified", len(unverified),
	)

	return models.SuccessJSON(Output{
		Files:    append(verified, unverified...),
		Metadata: Metadata{VerifiedCount: len(verified), UnverifiedCount: len(unverified)},
	}, nil)
}

// companions returns sibling files sharing the stem of a verified file, in the form the caller
// used for path.
func companions(path, resolved string) []string {
	entries, err := os.ReadDir(filepath.Dir(resolved))
	if err != nil {
		return nil
	}

	base := filepath.Base(resolved)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	found := make([]string, 0)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == base || !strings.HasPrefix(name, stem+"_") {
			continue
		}

		found = append(found, filepath.Join(filepath.Dir(path), name))
		if len(found) == maxCompanions {
			break
		}
	}

	return found
}

// Corrector maps paths that do not exist to the project file with the same name whose
// directories best match the requested path.
type Corrector struct {
	registry.TaskTypeProcessor

	logger *slog.Logger
}

var _ registry.Processor = (*Corrector)(nil)

// CorrectionOutput reports the corrected paths and the ones without a candidate.
type CorrectionOutput struct {
	Files          []string `json:"files"`
	CorrectedPaths []string `json:"correctedPaths"`
	Unresolved     []string `json:"unresolved"`
}

func NewCorrector(logger *slog.Logger) *Corrector {
	return &Corrector{
		TaskTypeProcessor: registry.TaskTypeProcessor{Types: []models.TaskType{models.TaskTypePathCorrection}},
		logger:            logger.With("module", "path_correction"),
	}
}

func (c *Corrector) ID() string { return CorrectorID }

func (c *Corrector) Process(ctx context.Context, job *models.Job) models.JobResult {
	payload, ok := job.Payload.(*models.PathCorrectionPayload)
	if !ok {
		return models.PermanentFailure(fmt.Sprintf("unexpected payload %T for %s", job.Payload, job.TaskType))
	}

	if payload.ProjectDirectory == "" {
		return models.PermanentFailure("path correction needs a project directory")
	}

	index, err := indexByName(ctx, payload.ProjectDirectory)
	if ctx.Err() != nil {
		return models.Canceled("path correction canceled")
	}

	if err != nil {
		return models.Failure(fmt.Sprintf("failed to index %s: %v", payload.ProjectDirectory, err))
	}

	output := CorrectionOutput{Files: make([]string, 0), Unresolved: make([]string, 0)}

	for _, path := range payload.PathsToCorrect {
		best, ok := bestCandidate(path, index[filepath.Base(path)])
		if !ok {
			output.Unresolved = append(output.Unresolved, path)

			continue
		}

		output.Files = append(output.Files, filepath.Join(payload.ProjectDirectory, best))
	}

	slices.Sort(output.Files)
	output.Files = slices.Compact(output.Files)
	output.CorrectedPaths = output.Files

	c.logger.InfoContext(ctx, "Paths corrected",
		"job_id", job.ID,
		"requested", len(payload.PathsToCorrect),
		"corrected", len(output.Files),
		"unresolved", len(output.Unresolved),
	)

	return models.SuccessJSON(output, nil)
}

// indexByName maps each file name to its project-relative paths, skipping hidden directories.
func indexByName(ctx context.Context, root string) (map[string][]string, error) {
	index := make(map[string][]string)

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}

			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if entry.IsDir() {
			if path != root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}

			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		index[entry.Name()] = append(index[entry.Name()], rel)

		return nil
	})

	return index, err
}

// bestCandidate prefers the candidate sharing the longest trailing run of path components with
// the requested path, then the shortest, then the lexicographically first.
func bestCandidate(path string, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	requested := splitPath(path)

	return slices.MinFunc(candidates, func(a, b string) int {
		scoreA, scoreB := commonSuffix(requested, splitPath(a)), commonSuffix(requested, splitPath(b))
		if scoreA != scoreB {
			return scoreB - scoreA
		}

		if len(a) != len(b) {
			return len(a) - len(b)
		}

		return strings.Compare(a, b)
	}), true
}

func splitPath(path string) []string {
	return strings.FieldsFunc(filepath.ToSlash(path), func(r rune) bool { return r == '/' })
}

func commonSuffix(a, b []string) int {
	n := 0

	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}

	return n
}

func resolve(projectDirectory, path string) string {
	if filepath.IsAbs(path) || projectDirectory == "" {
		return path
	}

	return filepath.Join(projectDirectory, path)
}

func isFile(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular()
}
