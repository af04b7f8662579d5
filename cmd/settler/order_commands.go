package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/buildcore-io/settler/service/metrics"
	"github.com/buildcore-io/settler/service/reconcile"
	"github.com/buildcore-io/settler/service/trade"
)

func cancelOrderCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel an active trade order and refund its balance",
		ArgsUsage: "<order-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: order id")
			}

			orderID := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			engine := trade.NewEngine(store, trade.Config{}, nil, cliMetrics(), cliLogger())
			cancelled, err := engine.CancelOrder(context.Background(), orderID)
			if err != nil {
				return fmt.Errorf("failed to cancel order: %w", err)
			}
			if !cancelled {
				fmt.Println("order is already settled, expired, or cancelled")
				return nil
			}

			fmt.Println("order cancelled, balance refunded")
			return nil
		},
	}
}

func withdrawNftCommand() *cli.Command {
	return &cli.Command{
		Name:      "withdraw-nft",
		Usage:     "Queue an on-chain transfer of a minted NFT to an external address",
		ArgsUsage: "<nft-id> <target-address>",
		Description: `Creates the withdrawal transaction record and locks the NFT until
the transfer confirms. The NFT must be minted and not currently
listed for sale or auction. The transfer executes on the next
execution workflow run; trigger one with "temporal execute-transaction".`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "network",
				Usage:   "Ledger network the withdrawal executes on",
				EnvVars: []string{"NETWORK"},
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: nft id and target address")
			}
			network := c.String("network")
			if network == "" {
				return fmt.Errorf("network is required (set NETWORK env var or use --network)")
			}

			nftID := c.Args().Get(0)
			target := c.Args().Get(1)
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			engine := reconcile.NewEngine(store, reconcile.Config{Network: network}, nil, cliMetrics(), cliLogger())
			transferID, err := engine.WithdrawNft(context.Background(), nftID, target)
			if err != nil {
				return fmt.Errorf("failed to withdraw nft: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]any{"transaction_id": transferID})
			}
			fmt.Printf("withdrawal queued, transaction id: %s\n", transferID)
			return nil
		},
	}
}

func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// cliMetrics backs engine instrumentation with a throwaway registry so
// one-shot commands never collide with the default registerer.
func cliMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}
