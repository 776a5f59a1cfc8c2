package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dukex/jobflow/pkg/cmd"
	"github.com/dukex/jobflow/pkg/log"
	"github.com/dukex/jobflow/pkg/models"
	"github.com/dukex/jobflow/pkg/persistence"
	cli "github.com/urfave/cli/v3"
)

func NewJobsCommand() *cli.Command {
	return &cli.Command{
		Name:    "jobs",
		Aliases: []string{"ls"},
		Usage:   "List durable jobs by status",
		Flags: []cli.Flag{
			databaseURLFlag(),
			&cli.StringSliceFlag{
				Name:  "status",
				Usage: "Statuses to list (queued, running, completed, failed, canceled)",
				Value: []string{string(models.JobStatusQueued), string(models.JobStatusRunning)},
			},
			logLevelFlag(),
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("jobflow").With("action", "jobs")

			statuses, err := parseStatuses(command.StringSlice("status"))
			if err != nil {
				return err
			}

			store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := store.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			return listJobs(ctx, os.Stdout, store, statuses)
		},
	}
}

func parseStatuses(values []string) ([]models.JobStatus, error) {
	statuses := make([]models.JobStatus, 0, len(values))

	for _, value := range values {
		status, err := models.ParseJobStatus(value)
		if err != nil {
			return nil, err
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}

func listJobs(ctx context.Context, w io.Writer, store persistence.JobStore, statuses []models.JobStatus) error {
	records, err := store.JobsByStatus(ctx, statuses...)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	table := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(table, "ID\tSTATUS\tTASK TYPE\tSESSION\tWORKFLOW\tUPDATED\tMESSAGE")

	for _, record := range records {
		job := record.Job

		message := record.ErrorMessage
		if message == "" {
			message = record.StatusMessage
		}

		_, _ = fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			job.ID,
			record.Status,
			job.TaskType,
			job.SessionID,
			orDash(job.WorkflowID),
			record.UpdatedAt.Format(time.RFC3339),
			orDash(message),
		)
	}

	err = table.Flush()
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "\n%d jobs\n", len(records))

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
