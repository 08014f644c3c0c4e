package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/brojonat/pypay/client"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/urfave/cli/v2"
)

func balancesCommand() *cli.Command {
	return &cli.Command{
		Name:      "balances",
		Usage:     "Show the holder's PYUSD balance on each ledger",
		ArgsUsage: "[holder]",
		Flags: append(ledgerFlags(),
			&cli.BoolFlag{
				Name:  "direct",
				Usage: "Read balances over RPC instead of asking the server",
			},
			holderFlag(),
			signerKeyFlag(),
		),
		Action: func(c *cli.Context) error {
			var balances []client.Balance

			if !c.Bool("direct") {
				if c.NArg() > 0 {
					return fmt.Errorf("the server reports its own holder; use --direct to read another address")
				}
				cl, err := newClient(c)
				if err != nil {
					return err
				}
				if balances, err = cl.Balances(c.Context); err != nil {
					return fmt.Errorf("failed to get balances: %w", err)
				}
			} else {
				holder, err := holderAddress(c, c.Args().First())
				if err != nil {
					return err
				}
				reader, closer, err := dialReader(c, setupLogger(c.String("log-level")))
				if err != nil {
					return err
				}
				defer closer()

				read, err := ledger.ReadAll(c.Context, reader, holder, ledger.Supported())
				if err != nil {
					// Partial reads still print what was read.
					fmt.Fprintf(os.Stderr, "warning: %v\n", err)
				}
				for _, b := range read {
					balances = append(balances, client.Balance{
						LedgerID:    b.LedgerID,
						Ledger:      b.LedgerID.String(),
						Amount:      b.Amount.String(),
						AmountMinor: b.Amount,
					})
				}
			}

			if c.Bool("json") {
				return outputJSON(balances)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LEDGER\tCHAIN ID\tPYUSD")
			for _, b := range balances {
				fmt.Fprintf(w, "%s\t%d\t%s\n", b.Ledger, b.LedgerID, b.Amount)
			}
			return w.Flush()
		},
	}
}

func addressCommand() *cli.Command {
	return &cli.Command{
		Name:      "address",
		Usage:     "Show the holder's deterministic contract address",
		ArgsUsage: "[holder]",
		Description: `Ask the factory on each configured ledger for the holder's contract
address. The address is the same on every ledger; a mismatch is an error.`,
		Flags: append(ledgerFlags(), holderFlag(), signerKeyFlag()),
		Action: func(c *cli.Context) error {
			holder, err := holderAddress(c, c.Args().First())
			if err != nil {
				return err
			}
			reader, closer, err := dialReader(c, setupLogger(c.String("log-level")))
			if err != nil {
				return err
			}
			defer closer()

			contract, err := reader.ContractAddress(c.Context, holder)
			if err != nil {
				return fmt.Errorf("failed to resolve contract address: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]string{
					"holder":   holder.Hex(),
					"contract": contract.Hex(),
				})
			}
			fmt.Printf("Holder:   %s\n", holder.Hex())
			fmt.Printf("Contract: %s\n", contract.Hex())
			return nil
		},
	}
}
