package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/brojonat/pypay/service/metrics"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const factoryABIJSON = `[
	{"inputs":[{"internalType":"uint256","name":"_salt_int","type":"uint256"},{"internalType":"address","name":"signer","type":"address"},{"internalType":"address","name":"operator","type":"address"}],"name":"computeAddress","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

var (
	erc20ABI   = mustParseABI(erc20ABIJSON)
	factoryABI = mustParseABI(factoryABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}
	return parsed
}

// Dial connects to each ledger's RPC endpoint. Ledgers with an empty URL are
// skipped. The returned func closes every client.
func Dial(ctx context.Context, urls map[LedgerID]string) (map[LedgerID]ethereum.ContractCaller, func(), error) {
	callers := make(map[LedgerID]ethereum.ContractCaller, len(urls))
	var clients []*ethclient.Client
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for _, id := range Supported() {
		url := urls[id]
		if url == "" {
			continue
		}
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to dial %s rpc: %w", id, err)
		}
		clients = append(clients, c)
		callers[id] = c
	}
	if len(callers) == 0 {
		return nil, nil, fmt.Errorf("no ledger rpc endpoints configured")
	}
	return callers, closeAll, nil
}

// ChainReader performs read-only contract calls against each supported ledger.
// *ethclient.Client satisfies ethereum.ContractCaller, so production code
// passes dialed clients and tests pass fakes.
type ChainReader struct {
	callers  map[LedgerID]ethereum.ContractCaller
	factory  common.Address
	operator common.Address
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewChainReader creates a reader over the given per-ledger callers.
// factory and operator are only needed for ComputeAddress.
// If metrics is nil, no metrics will be recorded.
func NewChainReader(callers map[LedgerID]ethereum.ContractCaller, factory, operator common.Address, m *metrics.Metrics, logger *slog.Logger) *ChainReader {
	return &ChainReader{
		callers:  callers,
		factory:  factory,
		operator: operator,
		metrics:  m,
		logger:   logger,
	}
}

func (r *ChainReader) call(ctx context.Context, id LedgerID, method string, to common.Address, data []byte) ([]byte, error) {
	caller, ok := r.callers[id]
	if !ok {
		return nil, fmt.Errorf("no rpc client configured for ledger %s", id)
	}

	start := time.Now()
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if r.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		r.metrics.RecordLedgerCall(method, id.String(), status, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, id, err)
	}
	return out, nil
}

// BalanceOf returns the token balance of owner on the given ledger.
func (r *ChainReader) BalanceOf(ctx context.Context, id LedgerID, owner common.Address) (Amount, error) {
	l, ok := Lookup(id)
	if !ok {
		return 0, fmt.Errorf("unsupported ledger %d", uint64(id))
	}

	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return 0, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	out, err := r.call(ctx, id, "balanceOf", l.Token, data)
	if err != nil {
		return 0, err
	}

	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("balanceOf returned %d values", len(values))
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("balanceOf returned %T", values[0])
	}

	r.logger.DebugContext(ctx, "read balance",
		"ledger_id", id.String(),
		"owner", owner.Hex(),
		"balance", raw.String(),
	)
	return AmountFromBig(raw)
}

// ComputeAddress asks the factory on the given ledger for the holder's
// deterministic contract address (salt 0, configured operator). The factory
// is deployed at the same address on every ledger, so the result is
// identical across ledgers.
func (r *ChainReader) ComputeAddress(ctx context.Context, id LedgerID, owner common.Address) (common.Address, error) {
	data, err := factoryABI.Pack("computeAddress", big.NewInt(0), owner, r.operator)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to pack computeAddress: %w", err)
	}

	out, err := r.call(ctx, id, "computeAddress", r.factory, data)
	if err != nil {
		return common.Address{}, err
	}

	values, err := factoryABI.Unpack("computeAddress", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unpack computeAddress: %w", err)
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("computeAddress returned %d values", len(values))
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("computeAddress returned %T", values[0])
	}
	return addr, nil
}

// ContractAddress resolves the holder's contract on every supported ledger
// and fails if the ledgers disagree.
func (r *ChainReader) ContractAddress(ctx context.Context, owner common.Address) (common.Address, error) {
	var resolved common.Address
	for i, id := range Supported() {
		if _, ok := r.callers[id]; !ok {
			continue
		}
		addr, err := r.ComputeAddress(ctx, id, owner)
		if err != nil {
			return common.Address{}, err
		}
		if i > 0 && resolved != (common.Address{}) && addr != resolved {
			return common.Address{}, fmt.Errorf("contract address mismatch: %s on %s, %s elsewhere", addr.Hex(), id, resolved.Hex())
		}
		resolved = addr
	}
	if resolved == (common.Address{}) {
		return common.Address{}, fmt.Errorf("no ledger available to resolve contract address")
	}
	return resolved, nil
}
