package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"
)

const (
	defaultPort          = 9091
	defaultDatabaseURL   = "file://./data"
	defaultEventBus      = "gochannel"
	defaultPluginsPath   = "./plugins"
	defaultWorkflowsPath = "./workflows"
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:                  "jobflow",
		Usage:                 "Job scheduling and workflow orchestration engine",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewRunCommand(),
			NewStartCommand(),
			NewValidateCommand(),
			NewJobsCommand(),
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func databaseURLFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "database-url",
		Usage:   "Job store URL (file://, postgres://, redis://)",
		Value:   defaultDatabaseURL,
		Sources: cli.EnvVars("DATABASE_URL"),
	}
}

func logLevelFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		Value:   "info",
		Sources: cli.EnvVars("LOG_LEVEL"),
	}
}

func workflowsPathFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "workflows-path",
		Usage:   "File or directory with YAML workflow definitions",
		Value:   defaultWorkflowsPath,
		Sources: cli.EnvVars("WORKFLOWS_PATH"),
	}
}
