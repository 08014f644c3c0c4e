// Package relay is the HTTP client for the transaction relay that submits
// signed authorizations on chain and reports cross-ledger receipt.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/pypay/service/auth"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// ErrTransport covers network failures and responses that could not be
// understood. The underlying error is wrapped alongside it.
var ErrTransport = errors.New("relay transport error")

// RejectedError is returned when the relay answered with success=false.
// Message is the relay's text, unmodified.
type RejectedError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay rejected %s (status %d): %s", e.Endpoint, e.StatusCode, e.Message)
}

// Client talks to the relay over JSON/HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewClient creates a relay client. If metrics is nil, no metrics will be recorded.
func NewClient(baseURL string, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		metrics:    m,
		logger:     logger,
	}
}

// envelope is the common response shape. Endpoint-specific fields are
// decoded separately from the same body.
type envelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
}

type transferRequest struct {
	ContractAddress    string   `json:"contract_address"`
	SourceChainIDs     []string `json:"source_chain_ids"`
	AmountEach         []string `json:"amount_each"`
	Nonces             []string `json:"nonces"`
	Expiry             string   `json:"expiry"`
	DestinationChainID string   `json:"destination_chain_id"`
	TargetAddress      string   `json:"target_address"`
	Signature          string   `json:"signature"`
	NativeFee          string   `json:"native_fee,omitempty"`
}

type transferResponse struct {
	TxHash  string `json:"tx_hash"`
	Message string `json:"message"`
}

func newTransferRequest(contract common.Address, a auth.Authorization) (transferRequest, error) {
	if err := a.Validate(); err != nil {
		return transferRequest{}, err
	}
	if len(a.Signature) == 0 {
		return transferRequest{}, errors.New("authorization is not signed")
	}

	req := transferRequest{
		ContractAddress:    contract.Hex(),
		SourceChainIDs:     make([]string, len(a.SourceLedgers)),
		AmountEach:         make([]string, len(a.Amounts)),
		Nonces:             make([]string, len(a.Nonces)),
		Expiry:             strconv.FormatInt(a.Expiry.Unix(), 10),
		DestinationChainID: strconv.FormatUint(uint64(a.DestinationLedger), 10),
		TargetAddress:      a.Target.Hex(),
		Signature:          hexutil.Encode(a.Signature),
	}
	for i := range a.SourceLedgers {
		req.SourceChainIDs[i] = strconv.FormatUint(uint64(a.SourceLedgers[i]), 10)
		req.AmountEach[i] = strconv.FormatUint(uint64(a.Amounts[i]), 10)
		req.Nonces[i] = a.Nonces[i].String()
	}
	return req, nil
}

// SubmitCrossLedgerTransfer submits the bridge leg with the given native fee.
// It is never retried.
func (c *Client) SubmitCrossLedgerTransfer(ctx context.Context, contract common.Address, a auth.Authorization, nativeFee *big.Int) (common.Hash, error) {
	if nativeFee == nil || nativeFee.Sign() < 0 {
		return common.Hash{}, errors.New("native fee must be a non-negative integer")
	}
	req, err := newTransferRequest(contract, a)
	if err != nil {
		return common.Hash{}, err
	}
	req.NativeFee = nativeFee.String()
	return c.submit(ctx, "/cross-chain-transfer", req)
}

// SubmitFinalTransfer submits the leg that pays the recipient. It is never retried.
func (c *Client) SubmitFinalTransfer(ctx context.Context, contract common.Address, a auth.Authorization) (common.Hash, error) {
	req, err := newTransferRequest(contract, a)
	if err != nil {
		return common.Hash{}, err
	}
	return c.submit(ctx, "/transfer", req)
}

func (c *Client) submit(ctx context.Context, endpoint string, req transferRequest) (common.Hash, error) {
	var resp transferResponse
	if err := c.do(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return common.Hash{}, err
	}
	if resp.TxHash == "" {
		return common.Hash{}, fmt.Errorf("%w: %s response has no tx_hash", ErrTransport, endpoint)
	}
	hash := common.HexToHash(resp.TxHash)
	c.logger.InfoContext(ctx, "relay accepted transfer",
		"endpoint", endpoint,
		"tx_hash", hash.Hex(),
		"destination_chain_id", req.DestinationChainID,
	)
	return hash, nil
}

// CheckResult is the relay's view of the target's destination balance, in
// major units.
type CheckResult struct {
	Received        bool            `json:"received"`
	CurrentBalance  decimal.Decimal `json:"current_balance"`
	ExpectedBalance decimal.Decimal `json:"expected_balance"`
	Error           string          `json:"error,omitempty"`
}

type checkRequest struct {
	TargetAddress      string `json:"target_address"`
	AmountExpected     string `json:"amount_expected"`
	DestinationChainID string `json:"destination_chain_id"`
	Timeout            int    `json:"timeout,omitempty"`
}

type checkResponse struct {
	Result CheckResult `json:"result"`
}

// CheckCrossLedger asks once whether target holds at least expected on destination.
func (c *Client) CheckCrossLedger(ctx context.Context, target common.Address, expected ledger.Amount, destination ledger.LedgerID) (CheckResult, error) {
	req := checkRequest{
		TargetAddress:      target.Hex(),
		AmountExpected:     strconv.FormatUint(uint64(expected), 10),
		DestinationChainID: strconv.FormatUint(uint64(destination), 10),
	}
	var resp checkResponse
	if err := c.do(ctx, http.MethodPost, "/check-cross-chain", req, &resp); err != nil {
		return CheckResult{}, err
	}
	return resp.Result, nil
}

type feeRequest struct {
	ContractAddress    string `json:"contract_address"`
	SourceChainID      string `json:"source_chain_id"`
	DestinationChainID string `json:"destination_chain_id"`
	Amount             string `json:"amount"`
	TargetAddress      string `json:"target_address"`
}

type feeResponse struct {
	EstimatedFee string `json:"estimated_fee"`
	QuoteFee     string `json:"quote_fee"`
}

// EstimateFee returns the native fee (wei) for bridging amount. The relay
// already includes its safety buffer.
func (c *Client) EstimateFee(ctx context.Context, contract common.Address, source, destination ledger.LedgerID, amount ledger.Amount, target common.Address) (*big.Int, error) {
	req := feeRequest{
		ContractAddress:    contract.Hex(),
		SourceChainID:      strconv.FormatUint(uint64(source), 10),
		DestinationChainID: strconv.FormatUint(uint64(destination), 10),
		Amount:             strconv.FormatUint(uint64(amount), 10),
		TargetAddress:      target.Hex(),
	}
	var resp feeResponse
	if err := c.do(ctx, http.MethodPost, "/estimate-fee", req, &resp); err != nil {
		return nil, err
	}
	fee, ok := new(big.Int).SetString(resp.EstimatedFee, 10)
	if !ok || fee.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid estimated_fee %q", ErrTransport, resp.EstimatedFee)
	}
	return fee, nil
}

// TxStatus is the relay's receipt summary for a submitted transaction.
type TxStatus struct {
	Status          string `json:"status"` // success, failed, pending
	BlockNumber     uint64 `json:"block_number,omitempty"`
	GasUsed         uint64 `json:"gas_used,omitempty"`
	Confirmations   int    `json:"confirmations,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Error           string `json:"error,omitempty"`
}

type txStatusResponse struct {
	Status TxStatus `json:"status"`
}

// TxStatus looks up a transaction the relay submitted.
func (c *Client) TxStatus(ctx context.Context, hash common.Hash) (TxStatus, error) {
	var resp txStatusResponse
	if err := c.do(ctx, http.MethodGet, "/tx-status/"+url.PathEscape(hash.Hex()), nil, &resp); err != nil {
		return TxStatus{}, err
	}
	return resp.Status, nil
}

// Health is the relay's self-report.
type Health struct {
	Status  string `json:"status"`
	Address string `json:"address"`
	Network string `json:"network"`
}

// Health checks that the relay is up.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return Health{}, err
	}
	if h.Status != "healthy" {
		return h, fmt.Errorf("relay reports status %q", h.Status)
	}
	return h, nil
}

// do performs one request and classifies the outcome. A body with
// success=false becomes *RejectedError; anything we cannot read is ErrTransport.
func (c *Client) do(ctx context.Context, method, endpoint string, in, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordRelayCall(endpoint, callOutcome(err), time.Since(start).Seconds())
		}
	}()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", ErrTransport, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %s returned status %d with unparseable body: %w", ErrTransport, endpoint, resp.StatusCode, err)
	}
	if env.Success != nil && !*env.Success {
		return &RejectedError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: env.Error}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &RejectedError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: failed to decode %s response: %w", ErrTransport, endpoint, err)
		}
	}
	return nil
}

func callOutcome(err error) string {
	var rejected *RejectedError
	switch {
	case err == nil:
		return "accepted"
	case errors.As(err, &rejected):
		return "rejected"
	default:
		return "transport_error"
	}
}
