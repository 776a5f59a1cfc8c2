package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dukex/jobflow/pkg/workflow"
)

// loadDefinitions returns the built-in workflows plus the YAML definitions under path. A missing
// path only yields the built-ins.
func loadDefinitions(path string) (*workflow.Definitions, error) {
	definitions := workflow.DefaultDefinitions()

	if path == "" {
		return definitions, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return definitions, nil
	}

	defs, err := workflow.NewLoader().LoadAll(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow definitions: %w", err)
	}

	for _, def := range defs {
		err := definitions.Register(def)
		if err != nil {
			return nil, fmt.Errorf("failed to register workflow %q: %w", def.Name, err)
		}
	}

	return definitions, nil
}
