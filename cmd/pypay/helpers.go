package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/brojonat/pypay/client"
	"github.com/brojonat/pypay/service/config"
	"github.com/brojonat/pypay/service/db"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/signer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/itchyny/gojq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}
	return client.NewClient(serverURL, nil, setupLogger(c.String("log-level"))), nil
}

func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}

// ledgerFlags are shared by every command that reads the ledgers directly.
func ledgerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "ethereum-rpc-url",
			Usage:   "Ethereum JSON-RPC endpoint",
			EnvVars: []string{"ETHEREUM_RPC_URL"},
		},
		&cli.StringFlag{
			Name:    "arbitrum-rpc-url",
			Usage:   "Arbitrum JSON-RPC endpoint",
			EnvVars: []string{"ARBITRUM_RPC_URL"},
		},
		&cli.StringFlag{
			Name:    "factory-address",
			Usage:   "Contract factory address",
			EnvVars: []string{"FACTORY_ADDRESS"},
			Value:   config.DefaultFactoryAddress,
		},
		&cli.StringFlag{
			Name:    "operator-address",
			Usage:   "Operator address used when deriving contract addresses",
			EnvVars: []string{"OPERATOR_ADDRESS"},
			Value:   config.DefaultOperatorAddress,
		},
	}
}

// dialReader connects to the configured ledgers. The returned closer must be called.
func dialReader(c *cli.Context, logger *slog.Logger) (*ledger.ChainReader, func(), error) {
	factory, err := parseAddress(c.String("factory-address"), "factory-address")
	if err != nil {
		return nil, nil, err
	}
	operator, err := parseAddress(c.String("operator-address"), "operator-address")
	if err != nil {
		return nil, nil, err
	}

	callers, closer, err := ledger.Dial(c.Context, map[ledger.LedgerID]string{
		ledger.Ethereum: c.String("ethereum-rpc-url"),
		ledger.Arbitrum: c.String("arbitrum-rpc-url"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial ledgers: %w", err)
	}
	return ledger.NewChainReader(callers, factory, operator, nil, logger), closer, nil
}

func parseAddress(s, name string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

// holderAddress takes positional if set, then --holder, then the signer key.
func holderAddress(c *cli.Context, positional string) (common.Address, error) {
	if positional != "" {
		return parseAddress(positional, "holder")
	}
	if h := c.String("holder"); h != "" {
		return parseAddress(h, "holder")
	}
	if key := c.String("signer-private-key"); key != "" {		ks, err := signer.NewKeySigner(key)
		if err != nil {
			return common.Address{}, err
		}
		return ks.Address(), nil
	}
	return common.Address{}, fmt.Errorf("holder address is required (argument, --holder or HOLDER_ADDRESS)")
}

func holderFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "holder",
		Usage:   "Holder address",
		EnvVars: []string{"HOLDER_ADDRESS"},
	}
}

func signerKeyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "signer-private-key",
		Usage:   "Hex private key used for local signing",
		EnvVars: []string{"SIGNER_PRIVATE_KEY"},
	}
}

func keySigner(c *cli.Context) (*signer.KeySigner, error) {
	key := c.String("signer-private-key")
	if key == "" {
		return nil, fmt.Errorf("signer-private-key is required (set SIGNER_PRIVATE_KEY env var or use --signer-private-key)")
	}
	return signer.NewKeySigner(key)
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// compileFilters parses and compiles each --must-jq expression.
func compileFilters(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// matchesFilters reports whether every filter yields a truthy first result
// for the JSON document in data.
func matchesFilters(codes []*gojq.Code, data []byte) bool {
	if len(codes) == 0 {
		return true
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	for _, code := range codes {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := v.(error); isErr {
			return false
		}
		if !isTruthy(v) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
