package main

import (
	"fmt"
	"time"

	"github.com/brojonat/pypay/service/config"
	"github.com/brojonat/pypay/service/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"
)

func relayURLFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "relay-url",
		Usage:   "Relay base URL",
		EnvVars: []string{"RELAY_URL"},
		Value:   config.DefaultRelayURL,
	}
}

func newRelayClient(c *cli.Context) *relay.Client {
	return relay.NewClient(c.String("relay-url"), nil, nil, setupLogger(c.String("log-level")))
}

func txStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "tx-status",
		Usage:     "Look up a transaction the relay submitted",
		ArgsUsage: "<tx_hash>",
		Flags:     []cli.Flag{relayURLFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}
			b, err := hexutil.Decode(c.Args().First())
			if err != nil || len(b) != common.HashLength {
				return fmt.Errorf("invalid transaction hash %q", c.Args().First())
			}

			status, err := newRelayClient(c).TxStatus(c.Context, common.BytesToHash(b))
			if err != nil {
				return fmt.Errorf("failed to get transaction status: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(status)
			}
			fmt.Printf("Status:        %s\n", status.Status)
			if status.BlockNumber > 0 {
				fmt.Printf("Block:         %d\n", status.BlockNumber)
				fmt.Printf("Gas used:      %d\n", status.GasUsed)
				fmt.Printf("Confirmations: %d\n", status.Confirmations)
			}
			if status.Error != "" {
				fmt.Printf("Error:         %s\n", status.Error)
			}
			return nil
		},
	}
}

func relayHealthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check relay health",
		Flags: []cli.Flag{
			relayURLFlag(),
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := contextWithTimeout(c)
			defer cancel()

			h, err := newRelayClient(c).Health(ctx)
			if err != nil {
				return fmt.Errorf("relay health check failed: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(h)
			}
			fmt.Printf("✓ Relay is healthy\n")
			fmt.Printf("  Address: %s\n", h.Address)
			fmt.Printf("  Network: %s\n", h.Network)
			return nil
		},
	}
}
