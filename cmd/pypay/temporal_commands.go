package main

import (
	"fmt"
	"time"

	"github.com/brojonat/pypay/service/config"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/temporal"
	"github.com/urfave/cli/v2"
)

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:      "refresh",
		Usage:     "Schedule a balance refresh workflow for a holder",
		ArgsUsage: "[holder]",
		Description: `Start a RefreshBalancesWorkflow on the worker's task queue. The worker
re-reads the holder's balances after the settle delay and publishes them to
NATS, where the server picks them up.

Example:
  pypay temporal refresh --settle-delay 0s 0xf39F...2266`,
		Flags: []cli.Flag{
			holderFlag(),
			signerKeyFlag(),
			&cli.StringFlag{
				Name:    "task-queue",
				Usage:   "Temporal task queue",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   config.DefaultTemporalTaskQueue,
			},
			&cli.DurationFlag{
				Name:  "settle-delay",
				Usage: "How long the workflow waits before reading",
				Value: temporal.DefaultSettleDelay,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 10 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			holder, err := holderAddress(c, c.Args().First())
			if err != nil {
				return err
			}

			tc, err := temporal.NewClient(
				c.String("temporal-host"),
				c.String("temporal-namespace"),
				c.String("task-queue"),
				c.Duration("settle-delay"),
				setupLogger(c.String("log-level")),
			)
			if err != nil {
				return fmt.Errorf("failed to connect to temporal: %w", err)
			}
			defer tc.Close()

			ctx, cancel := contextWithTimeout(c)
			defer cancel()

			if err := tc.ScheduleRefresh(ctx, holder, ledger.Supported()); err != nil {
				return fmt.Errorf("failed to schedule refresh: %w", err)
			}
			fmt.Printf("✓ Scheduled balance refresh for %s on %s\n", holder.Hex(), tc.TaskQueue())
			return nil
		},
	}
}
