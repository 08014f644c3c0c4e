package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/pypay/service/nats"
	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// watchCommand streams transfer transition events from NATS JetStream.
func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream transfer transitions from NATS",
		ArgsUsage: "[session_id]",
		Description: `Subscribe to transition events published to the TRANSFERS stream.

With a session id only that session's events are shown and the command exits
once the session reaches a terminal phase. --must-jq filters are evaluated
against each event's JSON; all must be truthy for the event to be shown.

Example:
  pypay watch
  pypay --json watch 0b0f6c5e-8d0e-4b4f-9a57-1d8a4f3f8e21
  pypay watch --must-jq '.to == "failed"' --must-jq '.reason == "expired"'`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay retained events instead of only new ones",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.TransferSubjects
			sessionID := c.Args().First()
			if sessionID != "" {
				if _, err := uuid.Parse(sessionID); err != nil {
					return fmt.Errorf("invalid session id: %w", err)
				}
				subject = natspkg.TransferSubject(sessionID)
			}

			codes, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject:     subject,
				AckPolicy:         jetstream.AckExplicitPolicy,
				DeliverPolicy:     jetstream.DeliverNewPolicy,
				InactiveThreshold: time.Minute,
			}
			if c.Bool("all") {
				consumerConfig.DeliverPolicy = jetstream.DeliverAllPolicy
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.TransferStreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "📡 Watching %s\n\n", subject)
			}

			msgChan := make(chan jetstream.Msg, 10)
			consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
				msgChan <- msg
			})
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}
			defer consumeCtx.Stop()

			count := 0
			for {
				select {
				case msg := <-msgChan:
					event, shown := renderEvent(os.Stdout, msg.Data(), codes, jsonOutput)
					msg.Ack()
					if shown {
						count++
					}
					if sessionID != "" && event != nil && event.Terminal {
						return nil
					}
				case <-ctx.Done():
					if !jsonOutput {
						fmt.Fprintf(os.Stderr, "\n✅ Received %d events\n", count)
					}
					return nil
				}
			}
		},
	}
}

// renderEvent decodes one transition and writes it to w if it passes the
// filters. The decoded event is returned even when filtered out.
func renderEvent(w io.Writer, data []byte, codes []*gojq.Code, jsonOutput bool) (*natspkg.TransitionEvent, bool) {
	var event natspkg.TransitionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
		return nil, false
	}
	if !matchesFilters(codes, data) {
		return &event, false
	}

	if jsonOutput {
		fmt.Fprintln(w, string(data))
		return &event, true
	}

	fmt.Fprintf(w, "%s  %s  %s -> %s\n", event.At.Format(time.RFC3339), event.SessionID, event.From, event.To)
	if event.Plan != nil {
		fmt.Fprintf(w, "    plan: %s\n", event.Plan.String())
	}
	for _, h := range event.TxHashes {
		fmt.Fprintf(w, "    tx:   %s\n", h.Hex())
	}
	if event.Reason != "" {
		fmt.Fprintf(w, "    %s: %s\n", event.Reason, event.Message)
	}
	return &event, true
}
