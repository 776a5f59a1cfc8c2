package registry_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/registry"
)

// Example demonstrating how a processor is registered and found for a job.
func ExampleRegistry() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := registry.NewRegistry(logger)

	reg.MustRegister(registry.NewProcessorFunc("echo", func(_ context.Context, job *models.Job) models.JobResult {
		return models.Success(nil, nil)
	}, models.TaskTypeTextImprovement))

	processor, err := reg.Find(&models.Job{ID: "job-1", TaskType: models.TaskTypeTextImprovement})
	if err != nil {
		fmt.Println(err)

		return
	}

	fmt.Println(processor.ID())
	fmt.Println(reg.Validate(models.TaskTypeTextImprovement) == nil)
	fmt.Println(reg.Validate(models.TaskTypeWebSearchExecution) != nil)

	// Output:
	// echo
	// true
	// true
}
