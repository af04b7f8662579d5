package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/buildcore-io/settler/service/db"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}

			fmt.Println("schema applied")
			return nil
		},
	}
}

func getTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transaction",
		Usage:     "Get settlement transaction details",
		Aliases:   []string{"get"},
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}

			id := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			tran, err := store.GetTransaction(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(tran)
			}

			fmt.Printf("ID:             %s\n", tran.ID)
			fmt.Printf("Kind:           %s\n", tran.Kind)
			fmt.Printf("Network:        %s\n", tran.Network)
			fmt.Printf("Source:         %s\n", formatOptional(tran.SourceAddress))
			fmt.Printf("Target:         %s\n", formatOptional(tran.TargetAddress))
			fmt.Printf("Confirmed:      %v\n", tran.WalletRef.Confirmed)
			fmt.Printf("In flight:      %v\n", tran.WalletRef.InFlight)
			fmt.Printf("Chain ref:      %s\n", formatOptional(tran.WalletRef.ChainRef))
			fmt.Printf("Retry count:    %d\n", tran.WalletRef.RetryCount)
			fmt.Printf("Should retry:   %v\n", tran.ShouldRetry)
			fmt.Printf("Depends on:     %s\n", formatOptional(tran.DependsOn))
			fmt.Printf("Last error:     %s\n", formatOptional(tran.WalletRef.LastError))
			fmt.Printf("Created:        %s\n", tran.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:        %s\n", tran.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func retryHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "retry-history",
		Usage:     "Show a transaction's submission attempts",
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}

			id := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			tran, err := store.GetTransaction(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]any{
					"transaction_id":    tran.ID,
					"retry_count":       tran.WalletRef.RetryCount,
					"confirmed":         tran.WalletRef.Confirmed,
					"chain_ref":         tran.WalletRef.ChainRef,
					"chain_ref_history": tran.WalletRef.ChainRefHistory,
					"last_error":        tran.WalletRef.LastError,
				})
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ATTEMPT\tCHAIN REF")
			for i, ref := range tran.WalletRef.ChainRefHistory {
				fmt.Fprintf(w, "%d\t%s\n", i+1, ref)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nRetry count: %d, confirmed: %v, last error: %s\n",
				tran.WalletRef.RetryCount,
				tran.WalletRef.Confirmed,
				formatOptional(tran.WalletRef.LastError),
			)
			return nil
		},
	}
}

func releaseLockCommand() *cli.Command {
	return &cli.Command{
		Name:      "release-lock",
		Usage:     "Force-release a stuck address lock",
		ArgsUsage: "<address>",
		Description: `Releases an address lock regardless of which transaction holds it.

This is the recovery path when the holder is terminally dead (retry
budget exhausted, or a crashed attempt left a stale in-flight marker).
Releasing a lock whose holder is still running risks a double spend;
verify the holder first with "db get-transaction".`,
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}

			address := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			lock, err := store.GetAddressLock(ctx, address)
			if err != nil {
				return fmt.Errorf("failed to get address lock: %w", err)
			}
			if lock.LockedBy == nil {
				fmt.Println("lock is not held")
				return nil
			}

			fmt.Fprintf(os.Stderr, "releasing lock held by %s\n", *lock.LockedBy)
			if err := store.ForceReleaseAddressLock(ctx, address); err != nil {
				return fmt.Errorf("failed to release lock: %w", err)
			}

			fmt.Println("lock released")
			return nil
		},
	}
}

func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool)
	closer := func() { pool.Close() }

	return store, closer, nil
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "(none)"
}
