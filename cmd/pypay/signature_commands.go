package main

import (
	"fmt"
	"time"

	"github.com/brojonat/pypay/client"
	"github.com/brojonat/pypay/service/signer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func signDigestCommand() *cli.Command {
	return &cli.Command{
		Name:      "sign-digest",
		Usage:     "Sign a 32-byte authorization digest with the local key",
		ArgsUsage: "<digest>",
		Description: `Produce the personal-message signature the relay expects over an
authorization digest. The signature is printed as 0x-prefixed hex with V
as 27 or 28.

Example:
  SIGNER_PRIVATE_KEY=0x... pypay sign-digest 0x1c8aff95...`,
		Flags: []cli.Flag{signerKeyFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: digest")
			}
			digest, err := parseDigest(c.Args().First())
			if err != nil {
				return err
			}
			ks, err := keySigner(c)
			if err != nil {
				return err
			}

			sig, err := ks.RequestSignature(c.Context, signer.Request{Digest: digest})
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(map[string]string{
					"signer":    ks.Address().Hex(),
					"digest":    digest.Hex(),
					"signature": hexutil.Encode(sig),
				})
			}
			fmt.Println(hexutil.Encode(sig))
			return nil
		},
	}
}

func parseDigest(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid digest: %w", err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid digest: want %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

func currentSignatureCommand() *cli.Command {
	return &cli.Command{
		Name:  "current",
		Usage: "Show the signature request waiting on the server",
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			req, err := cl.CurrentSignatureRequest(c.Context)
			if client.IsNotFound(err) {
				fmt.Println("No pending signature request")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get signature request: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(req)
			}
			fmt.Printf("Request:  %s\n", req.ID)
			fmt.Printf("Session:  %s\n", req.SessionID)
			fmt.Printf("Purpose:  %s\n", req.Purpose)
			fmt.Printf("Digest:   %s\n", req.Digest.Hex())
			fmt.Printf("Created:  %s\n", req.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func approveSignatureCommand() *cli.Command {
	return &cli.Command{
		Name:  "approve",
		Usage: "Sign the waiting request with the local key",
		Flags: []cli.Flag{signerKeyFlag()},
		Action: func(c *cli.Context) error {
			ks, err := keySigner(c)
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			req, err := cl.CurrentSignatureRequest(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get signature request: %w", err)
			}
			sig, err := ks.RequestSignature(c.Context, *req)
			if err != nil {
				return err
			}
			if err := cl.ResolveSignatureRequest(c.Context, req.ID, sig); err != nil {
				return fmt.Errorf("failed to submit signature: %w", err)
			}
			fmt.Printf("✓ Signed request %s (%s)\n", req.ID, req.Purpose)
			return nil
		},
	}
}

func rejectSignatureCommand() *cli.Command {
	return &cli.Command{
		Name:      "reject",
		Usage:     "Decline a signature request",
		ArgsUsage: "[request_id]",
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			var id uuid.UUID
			if c.NArg() > 0 {
				if id, err = uuid.Parse(c.Args().First()); err != nil {
					return fmt.Errorf("invalid request id: %w", err)
				}
			} else {
				req, err := cl.CurrentSignatureRequest(c.Context)
				if err != nil {
					return fmt.Errorf("failed to get signature request: %w", err)
				}
				id = req.ID
			}

			if err := cl.RejectSignatureRequest(c.Context, id); err != nil {
				return fmt.Errorf("failed to reject request: %w", err)
			}
			fmt.Printf("✓ Rejected request %s\n", id)
			return nil
		},
	}
}
