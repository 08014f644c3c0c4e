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
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "pypay",
		Usage: "Cross-ledger PYUSD transfer CLI",
		Description: `A command-line tool for planning, sending and inspecting PYUSD transfers.

Most commands talk to the pypay server. Commands marked --direct read the
ledgers over RPC instead, and "send --local" runs a transfer in-process
signing with SIGNER_PRIVATE_KEY.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Transfer commands
			planCommand(),
			sendCommand(),
			// Ledger commands
			balancesCommand(),
			addressCommand(),
			// Session inspection (database)
			{
				Name:  "sessions",
				Usage: "Journaled transfer sessions",
				Subcommands: []*cli.Command{
					listSessionsCommand(),
					getSessionCommand(),
				},
			},
			// Signing commands
			signDigestCommand(),
			{
				Name:  "signatures",
				Usage: "Answer signature requests waiting on the server",
				Subcommands: []*cli.Command{
					currentSignatureCommand(),
					approveSignatureCommand(),
					rejectSignatureCommand(),
				},
			},
			// NATS transition streaming
			watchCommand(),
			// Relay commands
			{
				Name:  "relay",
				Usage: "Relay inspection commands",
				Subcommands: []*cli.Command{
					txStatusCommand(),
					relayHealthCommand(),
				},
			},
			// Temporal commands
			{
				Name:  "temporal",
				Usage: "Temporal commands",
				Subcommands: []*cli.Command{
					refreshCommand(),
				},
			},
			versionCommand(),
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "pypay server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
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
				Name:    "log-level",
				Usage:   "Log level for diagnostics written to stderr",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "error",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
