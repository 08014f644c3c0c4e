package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/pypay/service/db"
	"github.com/brojonat/pypay/service/transfer"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func listSessionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List journaled sessions for a holder, newest first",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			holderFlag(),
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   20,
				Usage:   "Maximum number of sessions",
			},
			&cli.StringFlag{
				Name:    "phase",
				Aliases: []string{"p"},
				Usage:   "Filter by phase (e.g. succeeded, failed)",
			},
		},
		Action: func(c *cli.Context) error {
			holder, err := holderAddress(c, "")
			if err != nil {
				return err
			}
			limit := c.Int("limit")
			if limit <= 0 {
				return fmt.Errorf("limit must be positive")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			sessions, err := store.ListSessions(context.Background(), holder, int32(limit))
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			sessions = filterByPhase(sessions, transfer.Phase(c.String("phase")))

			if c.Bool("json") {
				return outputJSON(sessions)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPHASE\tAMOUNT\tLEDGER\tRECIPIENT\tREASON\tCREATED")
			for _, s := range sessions {
				reason := ""
				if s.LastError != nil {
					reason = string(s.LastError.Reason)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID,
					s.Phase,
					s.Request.Amount,
					s.Request.DestinationLedger,
					s.Request.Recipient.Hex(),
					reason,
					s.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d sessions\n", len(sessions))
			return nil
		},
	}
}

func getSessionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get a journaled session",
		ArgsUsage: "<session_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session id")
			}
			id, err := uuid.Parse(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid session id: %w", err)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			session, err := store.GetSession(context.Background(), id)
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("session %s not found", id)
			}
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(session)
			}
			printSession(session)
			return nil
		},
	}
}

func filterByPhase(sessions []transfer.Session, phase transfer.Phase) []transfer.Session {
	if phase == "" {
		return sessions
	}
	filtered := make([]transfer.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Phase == phase {
			filtered = append(filtered, s)
		}
	}
	return filtered
}
