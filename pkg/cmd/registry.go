// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/jobflow/pkg/processors/pathfinder"
	"github.com/dukex/jobflow/pkg/processors/regexfilter"
	"github.com/dukex/jobflow/pkg/registry"
)

func registerNativeProcessors(reg *registry.Registry, logger *slog.Logger) {
	reg.MustRegister(regexfilter.New(logger, regexfilter.DefaultMaxFiles))
	reg.MustRegister(pathfinder.NewFinder(logger))
	reg.MustRegister(pathfinder.NewCorrector(logger))
}

// NewRegistry registers the native processors, then the plugins found under pluginsPath.
func NewRegistry(ctx context.Context, logger *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	registerNativeProcessors(reg, logger)

	err := reg.LoadPlugins(ctx, pluginsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load processor plugins: %w", err)
	}

	return reg, nil
}
