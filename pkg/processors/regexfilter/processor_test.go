package regexfilter

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()

	for _, file := range files {
		path := filepath.Join(root, filepath.FromSlash(file))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("package x\n"), 0o600))
	}
}

func newJob(payload *models.RegexFileFilterPayload) *models.Job {
	return &models.Job{ID: "job-1", SessionID: "s1", TaskType: models.TaskTypeRegexFileFilter, Payload: payload}
}

func decode(t *testing.T, result models.JobResult) Output {
	t.Helper()

	require.True(t, result.IsSuccess(), result.Message)

	var output Output
	require.NoError(t, json.Unmarshal(result.Output, &output))

	return output
}

func testProcessor(maxFiles int) *Processor {
	return New(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})), maxFiles)
}

func TestKeywords(t *testing.T) {
	assert.Equal(t,
		[]string{`(?i)rate`, `(?i)limiting`, `(?i)router`, `(?i)http_server`},
		Keywords("Add rate limiting to the router in http_server, the router should use it"),
	)
	assert.Empty(t, Keywords("fix it"))
}

func TestProcess_ExplicitPatterns(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"cmd/server/main.go",
		"pkg/router/router.go",
		"pkg/router/router_test.go",
		"pkg/store/store.go",
		"vendor/router/vendored.go",
		".git/router.go",
	)

	result := testProcessor(0).Process(context.Background(), newJob(&models.RegexFileFilterPayload{
		RootDirectories: []string{root},
		Patterns:        []string{`router`, `^cmd/`},
		ExcludedPaths:   []string{"vendor"},
	}))

	output := decode(t, result)
	assert.Equal(t, []string{
		filepath.Join(root, "cmd", "server", "main.go"),
		filepath.Join(root, "pkg", "router", "router.go"),
		filepath.Join(root, "pkg", "router", "router_test.go"),
	}, output.Files)
	assert.False(t, output.IsEmptyResult)
	assert.Contains(t, output.DirectoryTree, "pkg/\n")
	assert.Contains(t, output.DirectoryTree, "  router/\n")
	assert.NotContains(t, output.DirectoryTree, "vendor")
}

func TestProcess_DerivesPatternsFromDescription(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "internal/Billing/invoice.go", "internal/users/users.go")

	output := decode(t, testProcessor(0).Process(context.Background(), newJob(&models.RegexFileFilterPayload{
		TaskDescription: "Round invoice totals",
		RootDirectories: []string{root},
	})))

	assert.Equal(t, []string{filepath.Join(root, "internal", "Billing", "invoice.go")}, output.Files)
	assert.Equal(t, []string{`(?i)round`, `(?i)invoice`, `(?i)totals`}, output.Patterns)
}

func TestProcess_EmptyResult(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "main.go")

	output := decode(t, testProcessor(0).Process(context.Background(), newJob(&models.RegexFileFilterPayload{
		RootDirectories: []string{root},
		Patterns:        []string{`nothing_matches_this`},
	})))

	assert.True(t, output.IsEmptyResult)
	assert.Empty(t, output.Files)
}

func TestProcess_Truncates(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.go", "b.go", "c.go")

	output := decode(t, testProcessor(2).Process(context.Background(), newJob(&models.RegexFileFilterPayload{
		RootDirectories: []string{root},
		Patterns:        []string{`\.go$`},
	})))

	assert.Len(t, output.Files, 2)
	assert.True(t, output.Truncated)
}

func TestProcess_Failures(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name      string
		job       *models.Job
		permanent bool
	}{
		{
			name:      "wrong payload",
			job:       &models.Job{ID: "job-1", TaskType: models.TaskTypeRegexFileFilter, Payload: &models.PathCorrectionPayload{}},
			permanent: true,
		},
		{
			name:      "no roots",
			job:       newJob(&models.RegexFileFilterPayload{Patterns: []string{"x"}}),
			permanent: true,
		},
		{
			name:      "invalid pattern",
			job:       newJob(&models.RegexFileFilterPayload{RootDirectories: []string{root}, Patterns: []string{"(unclosed"}}),
			permanent: true,
		},
		{
			name:      "no patterns derivable",
			job:       newJob(&models.RegexFileFilterPayload{RootDirectories: []string{root}, TaskDescription: "do it"}),
			permanent: true,
		},
		{
			name: "missing root",
			job:  newJob(&models.RegexFileFilterPayload{RootDirectories: []string{filepath.Join(root, "missing")}, Patterns: []string{"x"}}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := testProcessor(0).Process(context.Background(), tt.job)

			assert.True(t, result.IsFailure())
			assert.Equal(t, !tt.permanent, result.Retryable)
			assert.NotEmpty(t, result.Message)
		})
	}
}

func TestProcess_Canceled(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.go")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := testProcessor(0).Process(ctx, newJob(&models.RegexFileFilterPayload{
		RootDirectories: []string{root},
		Patterns:        []string{`\.go$`},
	}))

	assert.True(t, result.IsCanceled())
}

func TestProcessor_Registration(t *testing.T) {
	p := testProcessor(0)

	assert.Equal(t, ID, p.ID())
	assert.True(t, p.CanHandle(newJob(nil)))
	assert.False(t, p.CanHandle(&models.Job{TaskType: models.TaskTypePathCorrection}))
}
