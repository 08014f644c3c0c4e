package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/pypay/client"
	"github.com/urfave/cli/v2"
)

func contextWithTimeout(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, c.Duration("timeout"))
}

type serverStatus struct {
	URL              string `json:"url"`
	Healthy          bool   `json:"healthy"`
	ActiveSession    string `json:"active_session,omitempty"`
	ActivePhase      string `json:"active_phase,omitempty"`
	PendingSignature string `json:"pending_signature,omitempty"`
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health and report any transfer in flight",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			ctx, cancel := contextWithTimeout(c)
			defer cancel()

			if err := cl.Health(ctx); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			status := fetchStatus(ctx, cl, c.String("server-url"))
			if c.Bool("json") {
				return outputJSON(status)
			}
			fmt.Printf("✓ %s is healthy\n", status.URL)
			if status.ActiveSession != "" {
				fmt.Printf("  Active transfer:   %s (%s)\n", status.ActiveSession, status.ActivePhase)
			}
			if status.PendingSignature != "" {
				fmt.Printf("  Pending signature: %s\n", status.PendingSignature)
			}
			return nil
		},
	}
}

// fetchStatus adds the in-flight transfer and pending signature to a healthy
// server's status. Lookups that fail are left out.
func fetchStatus(ctx context.Context, cl *client.Client, url string) serverStatus {
	status := serverStatus{URL: url, Healthy: true}
	if s, ok, err := cl.CurrentTransfer(ctx); err == nil && ok {
		status.ActiveSession = s.ID.String()
		status.ActivePhase = string(s.Phase)
	}
	if req, err := cl.CurrentSignatureRequest(ctx); err == nil {
		status.PendingSignature = req.Purpose + " " + req.ID.String()
	}
	return status
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			if c.Bool("json") {
				return outputJSON(map[string]string{"version": version, "commit": commit, "built": date})
			}
			fmt.Printf("pypay %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
