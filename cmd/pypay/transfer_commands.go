package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/pypay/client"
	"github.com/brojonat/pypay/service/config"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/plan"
	"github.com/brojonat/pypay/service/relay"
	"github.com/brojonat/pypay/service/signer"
	"github.com/brojonat/pypay/service/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func planCommand() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "Show how a transfer would be funded",
		ArgsUsage: "<amount> <destination_ledger>",
		Description: `Compute the transfer plan for an amount on a destination ledger.

By default the server computes the plan from its cached balances. With
--direct the balances are read from the ledgers and the plan is computed
locally.

Example:
  pypay plan 25.5 arbitrum
  pypay plan --direct --holder 0x... 25.5 42161`,
		Flags: append(ledgerFlags(),
			&cli.BoolFlag{
				Name:  "direct",
				Usage: "Read balances over RPC instead of asking the server",
			},
			holderFlag(),
			signerKeyFlag(),
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: amount and destination ledger")
			}
			amountStr, destStr := c.Args().Get(0), c.Args().Get(1)

			if !c.Bool("direct") {
				cl, err := newClient(c)
				if err != nil {
					return err
				}
				preview, err := cl.PreviewPlan(c.Context, amountStr, destStr)
				if err != nil {
					return fmt.Errorf("failed to preview plan: %w", err)
				}
				if c.Bool("json") {
					return outputJSON(preview)
				}
				printPlan(preview.Plan)
				for _, b := range preview.Balances {
					fmt.Printf("  balance on %-9s %s\n", b.Ledger+":", b.Amount)
				}
				return nil
			}

			amount, err := ledger.ParseAmount(amountStr)
			if err != nil {
				return err
			}
			dest, err := ledger.Parse(destStr)
			if err != nil {
				return err
			}
			other, err := ledger.Counterpart(dest)
			if err != nil {
				return err
			}
			holder, err := holderAddress(c, "")
			if err != nil {
				return err
			}

			reader, closer, err := dialReader(c, setupLogger(c.String("log-level")))
			if err != nil {
				return err
			}
			defer closer()

			balances, err := ledger.ReadAll(c.Context, reader, holder, []ledger.LedgerID{dest, other})
			if err != nil {
				return fmt.Errorf("failed to read balances: %w", err)
			}
			byLedger := make(map[ledger.LedgerID]ledger.Amount, len(balances))
			for _, b := range balances {
				byLedger[b.LedgerID] = b.Amount
			}

			p, err := plan.Compute(plan.Input{
				DestinationBalance: byLedger[dest],
				OtherBalance:       byLedger[other],
				Requested:          amount,
				DestinationLedger:  dest,
				OtherLedger:        other,
			})
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"plan":     p,
					"summary":  p.String(),
					"balances": balances,
				})
			}
			printPlan(p)
			for _, b := range balances {
				fmt.Printf("  balance on %-9s %s\n", b.LedgerID.String()+":", b.Amount)
			}
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send PYUSD to a recipient on a ledger",
		ArgsUsage: "<recipient> <amount> <destination_ledger>",
		Description: `Start a transfer and wait for it to finish.

By default the transfer runs on the server and the holder answers signature
requests there. With --sign the CLI answers them using SIGNER_PRIVATE_KEY.
With --local the whole transfer runs in this process, reading balances over
RPC and signing with SIGNER_PRIVATE_KEY.

Example:
  pypay send --sign 0x7099...79C8 10 arbitrum
  pypay send --local --relay-url http://localhost:5002 0x7099...79C8 10 ethereum`,
		Flags: append(ledgerFlags(),
			signerKeyFlag(),
			&cli.BoolFlag{
				Name:  "local",
				Usage: "Run the transfer in-process instead of on the server",
			},
			&cli.BoolFlag{
				Name:  "sign",
				Usage: "Answer the server's signature requests with the local key",
			},
			&cli.StringFlag{
				Name:    "relay-url",
				Usage:   "Relay base URL (--local only)",
				EnvVars: []string{"RELAY_URL"},
				Value:   config.DefaultRelayURL,
			},
			&cli.StringFlag{
				Name:    "contract-address",
				Usage:   "Holder contract address (--local only, resolved through the factory when unset)",
				EnvVars: []string{"CONTRACT_ADDRESS"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   10 * time.Minute,
				Usage:   "How long to wait for the transfer",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Value: time.Second,
				Usage: "How often to check the session on the server",
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return fmt.Errorf("requires exactly three arguments: recipient, amount and destination ledger")
			}
			recipient, err := parseAddress(c.Args().Get(0), "recipient")
			if err != nil {
				return err
			}
			amountStr, destStr := c.Args().Get(1), c.Args().Get(2)

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			var final *transfer.Session
			if c.Bool("local") {
				final, err = sendLocal(ctx, c, recipient, amountStr, destStr)
			} else {
				final, err = sendViaServer(ctx, c, recipient, amountStr, destStr)
			}
			if err != nil {
				return err
			}

			if c.Bool("json") {
				if err := outputJSON(final); err != nil {
					return err
				}
			} else {
				printSession(final)
			}
			if final.Phase != transfer.PhaseSucceeded {
				return fmt.Errorf("transfer %s did not succeed", final.ID)
			}
			return nil
		},
	}
}

func sendViaServer(ctx context.Context, c *cli.Context, recipient common.Address, amount, dest string) (*transfer.Session, error) {
	cl, err := newClient(c)
	if err != nil {
		return nil, err
	}

	var ks *signer.KeySigner
	if c.Bool("sign") {
		if ks, err = keySigner(c); err != nil {
			return nil, err
		}
	}

	session, err := cl.StartTransfer(ctx, recipient, amount, dest)
	if err != nil {
		return nil, fmt.Errorf("failed to start transfer: %w", err)
	}
	if !c.Bool("json") {
		fmt.Fprintf(os.Stderr, "Started transfer %s\n", session.ID)
	}

	onUpdate := func(s *transfer.Session) {
		if !c.Bool("json") {
			fmt.Fprintf(os.Stderr, "  phase: %s\n", s.Phase)
		}
	}
	if ks == nil {
		return cl.Await(ctx, session.ID, c.Duration("poll-interval"), onUpdate)
	}
	return awaitAndSign(ctx, cl, ks, session.ID, c.Duration("poll-interval"), onUpdate)
}

// awaitAndSign polls the session like client.Await and answers each of its
// signature requests with ks.
func awaitAndSign(ctx context.Context, cl *client.Client, ks *signer.KeySigner, id uuid.UUID, interval time.Duration, onUpdate func(*transfer.Session)) (*transfer.Session, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	answered := make(map[uuid.UUID]bool)
	var lastPhase transfer.Phase
	for {
		session, err := cl.GetTransfer(ctx, id)
		if err != nil {
			return nil, err
		}
		if session.Phase.Terminal() {
			return session, nil
		}
		if session.Phase != lastPhase {
			onUpdate(session)
			lastPhase = session.Phase
		}

		if session.Phase == transfer.PhaseAwaitingCrossLedgerSignature || session.Phase == transfer.PhaseAwaitingFinalSignature {
			req, err := cl.CurrentSignatureRequest(ctx)
			switch {
			case client.IsNotFound(err):
			case err != nil:
				return nil, fmt.Errorf("failed to fetch signature request: %w", err)
			case req.SessionID == id.String() && !answered[req.ID]:
				sig, err := ks.RequestSignature(ctx, *req)
				if err != nil {
					return nil, err
				}
				if err := cl.ResolveSignatureRequest(ctx, req.ID, sig); err != nil {
					return nil, fmt.Errorf("failed to submit signature: %w", err)
				}
				answered[req.ID] = true
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func sendLocal(ctx context.Context, c *cli.Context, recipient common.Address, amountStr, destStr string) (*transfer.Session, error) {
	amount, err := ledger.ParseAmount(amountStr)
	if err != nil {
		return nil, err
	}
	dest, err := ledger.Parse(destStr)
	if err != nil {
		return nil, err
	}
	ks, err := keySigner(c)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(c.String("log-level"))

	reader, closer, err := dialReader(c, logger)
	if err != nil {
		return nil, err
	}
	defer closer()

	var contract common.Address
	if s := c.String("contract-address"); s != "" {
		if contract, err = parseAddress(s, "contract-address"); err != nil {
			return nil, err
		}
	} else if contract, err = reader.ContractAddress(ctx, ks.Address()); err != nil {
		return nil, fmt.Errorf("failed to resolve contract address: %w", err)
	}

	orchestrator := transfer.New(transfer.Config{
		Holder:   ks.Address(),
		Contract: contract,
		Poll:     relay.DefaultPollPolicy(),
	}, reader, ks, relay.NewClient(c.String("relay-url"), nil, nil, logger), nil, nil, logger)

	if !c.Bool("json") {
		orchestrator.Subscribe(transfer.ObserverFunc(func(_ context.Context, t transfer.Transition) {
			fmt.Fprintf(os.Stderr, "  %s -> %s\n", t.From, t.To)
		}))
	}

	final, err := orchestrator.Submit(ctx, transfer.Request{
		Recipient:         recipient,
		Amount:            amount,
		DestinationLedger: dest,
	})
	if final.ID == uuid.Nil {
		return nil, err
	}
	return &final, nil
}

func printPlan(p plan.Plan) {
	fmt.Printf("Plan: %s\n", p.String())
	fmt.Printf("  total: %s\n", p.Total())
}

func printSession(s *transfer.Session) {
	fmt.Printf("Session:      %s\n", s.ID)
	fmt.Printf("Phase:        %s\n", s.Phase)
	fmt.Printf("Recipient:    %s\n", s.Request.Recipient.Hex())
	fmt.Printf("Amount:       %s on %s\n", s.Request.Amount, s.Request.DestinationLedger)
	if s.Plan != nil {
		fmt.Printf("Plan:         %s\n", s.Plan.String())
	}
	for i, h := range s.TxHashes {
		fmt.Printf("Tx %d:         %s\n", i+1, h.Hex())
	}
	if s.NativeFee != nil {
		fmt.Printf("Native fee:   %s wei (%s)\n", s.NativeFee, hexutil.EncodeBig(s.NativeFee))
	}
	if s.LastError != nil {
		fmt.Printf("Error:        %s (%s)\n", s.LastError.Message, s.LastError.Reason)
	}
	fmt.Printf("Created:      %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:      %s\n", s.UpdatedAt.Format(time.RFC3339))
}
