package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:  "settler",
		Usage: "Settlement engine admin CLI",
		Description: `A command-line tool for operating and debugging the settlement engine.

Use this CLI to apply the schema, inspect transaction retry history,
release stuck address locks, and trigger maintenance workflows.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			{
				Name:  "db",
				Usage: "Database operations",
				Subcommands: []*cli.Command{
					migrateCommand(),
					getTransactionCommand(),
					retryHistoryCommand(),
					releaseLockCommand(),
				},
			},
			{
				Name:  "order",
				Usage: "Order book operations",
				Subcommands: []*cli.Command{
					cancelOrderCommand(),
					withdrawNftCommand(),
				},
			},
			{
				Name:  "temporal",
				Usage: "Temporal workflow commands",
				Subcommands: []*cli.Command{
					triggerSweepCommand(),
					executeTransactionCommand(),
				},
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "task-queue",
				Usage:   "Temporal task queue",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "settler-settlement",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
