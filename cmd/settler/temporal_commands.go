package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"

	"github.com/buildcore-io/settler/service/temporal"
)

func triggerSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "trigger-sweep",
		Usage: "Run the trade order expiry sweep now",
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			ctx := context.Background()
			run, err := temporalClient.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
				ID:        "expire-trade-orders-manual",
				TaskQueue: c.String("task-queue"),
			}, temporal.ExpireTradeOrdersWorkflow)
			if err != nil {
				return fmt.Errorf("failed to start sweep workflow: %w", err)
			}

			fmt.Fprintf(os.Stderr, "sweep started, workflow id %s run id %s\n", run.GetID(), run.GetRunID())
			if err := run.Get(ctx, nil); err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}

			fmt.Println("sweep complete")
			return nil
		},
	}
}

func executeTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "execute-transaction",
		Usage:     "Start the execution workflow for a pending transaction",
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}

			id := c.Args().First()
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			run, err := temporalClient.ExecuteWorkflow(context.Background(), client.StartWorkflowOptions{
				ID:        "execute-transaction-" + id,
				TaskQueue: c.String("task-queue"),
			}, temporal.ExecuteTransactionWorkflow, temporal.ExecuteTransactionInput{TransactionID: id})
			if err != nil {
				return fmt.Errorf("failed to start execution workflow: %w", err)
			}

			fmt.Printf("execution started, workflow id %s run id %s\n", run.GetID(), run.GetRunID())
			return nil
		},
	}
}

func getTemporalClient(c *cli.Context) (client.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = "localhost:7233"
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = "default"
	}

	temporalClient, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	return temporalClient, nil
}
