package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/jobflow/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

var errInvalidDefinitions = errors.New("invalid workflow definitions")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate YAML workflow definitions",
		Flags: []cli.Flag{
			workflowsPathFlag(),
		},
		Action: func(_ context.Context, command *cli.Command) error {
			return validateDefinitions(os.Stdout, command.String("workflows-path"))
		},
	}
}

// validateDefinitions checks every definition file under path, alone and against the built-in
// and previously seen workflows, and prints one line per file.
func validateDefinitions(w io.Writer, path string) error {
	definitions := workflow.DefaultDefinitions()
	loader := workflow.NewLoader()

	files, err := definitionFiles(path)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(w, "Workflow Validation Results:")
	_, _ = fmt.Fprintln(w, "============================")

	invalid := 0

	for _, file := range files {
		def, err := loader.LoadFile(file)
		if err == nil {
			err = definitions.Register(def)
		}

		if err != nil {
			invalid++

			_, _ = fmt.Fprintf(w, "❌ %s: %v\n", file, err)

			continue
		}

		_, _ = fmt.Fprintf(w, "✅ %s: %s (%d stages)\n", file, def.Name, len(def.Stages))
	}

	_, _ = fmt.Fprintf(w, "\n%d valid, %d invalid\n", len(files)-invalid, invalid)

	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d", errInvalidDefinitions, invalid, len(files))
	}

	return nil
}

func definitionFiles(path string) ([]string, error) {
	files := make([]string, 0)

	err := filepath.WalkDir(path, func(file string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		ext := strings.ToLower(filepath.Ext(file))
		if !entry.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, file)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", path, err)
	}

	return files, nil
}
