// Package client is the HTTP client for the pypay transfer service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/plan"
	"github.com/brojonat/pypay/service/signer"
	"github.com/brojonat/pypay/service/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// StatusError is returned for any non-success response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Balance is one ledger balance as reported by the server.
type Balance struct {
	LedgerID    ledger.LedgerID `json:"ledger_id"`
	Ledger      string          `json:"ledger"`
	Amount      string          `json:"amount"`
	AmountMinor ledger.Amount   `json:"amount_minor"`
}

// PlanPreview is the server's answer to a plan request.
type PlanPreview struct {
	Plan     plan.Plan `json:"plan"`
	Summary  string    `json:"summary"`
	Balances []Balance `json:"balances"`
}

// Client is the HTTP client for the pypay server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// StartTransfer asks the server to deliver amount (whole tokens, e.g. "10.5")
// to recipient on the destination ledger (name or chain id).
func (c *Client) StartTransfer(ctx context.Context, recipient common.Address, amount, destination string) (*transfer.Session, error) {
	var session transfer.Session
	err := c.do(ctx, http.MethodPost, "/api/v1/transfers", map[string]string{
		"recipient":          recipient.Hex(),
		"amount":             amount,
		"destination_ledger": destination,
	}, http.StatusAccepted, &session)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("transfer started", "session_id", session.ID)
	return &session, nil
}

// CurrentTransfer returns the active session, or the last finished one with
// active set to false.
func (c *Client) CurrentTransfer(ctx context.Context) (*transfer.Session, bool, error) {
	var resp struct {
		Active  bool             `json:"active"`
		Session transfer.Session `json:"session"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/transfers/current", nil, http.StatusOK, &resp); err != nil {
		return nil, false, err
	}
	return &resp.Session, resp.Active, nil
}

// GetTransfer retrieves a session by id.
func (c *Client) GetTransfer(ctx context.Context, id uuid.UUID) (*transfer.Session, error) {
	var session transfer.Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/transfers/"+url.PathEscape(id.String()), nil, http.StatusOK, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListTransfers lists journaled sessions, newest first. A zero limit uses the
// server default.
func (c *Client) ListTransfers(ctx context.Context, limit int) ([]transfer.Session, error) {
	path := "/api/v1/transfers"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Sessions []transfer.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Balances returns the holder's balance on every supported ledger.
func (c *Client) Balances(ctx context.Context) ([]Balance, error) {
	var resp struct {
		Balances []Balance `json:"balances"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/balances", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Balances, nil
}

// PreviewPlan returns the plan the server would use for a transfer.
func (c *Client) PreviewPlan(ctx context.Context, amount, destination string) (*PlanPreview, error) {
	q := url.Values{}
	q.Set("amount", amount)
	q.Set("destination_ledger", destination)
	var preview PlanPreview
	if err := c.do(ctx, http.MethodGet, "/api/v1/plan?"+q.Encode(), nil, http.StatusOK, &preview); err != nil {
		return nil, err
	}
	return &preview, nil
}

// CurrentSignatureRequest returns the digest waiting for the holder.
func (c *Client) CurrentSignatureRequest(ctx context.Context) (*signer.Request, error) {
	var req signer.Request
	if err := c.do(ctx, http.MethodGet, "/api/v1/signature-requests/current", nil, http.StatusOK, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ResolveSignatureRequest submits the holder's signature.
func (c *Client) ResolveSignatureRequest(ctx context.Context, id uuid.UUID, sig []byte) error {
	return c.do(ctx, http.MethodPost, "/api/v1/signature-requests/"+id.String(), map[string]interface{}{
		"signature": hexutil.Encode(sig),
	}, http.StatusOK, nil)
}

// RejectSignatureRequest declines to sign.
func (c *Client) RejectSignatureRequest(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/api/v1/signature-requests/"+id.String(), map[string]interface{}{
		"reject": true,
	}, http.StatusOK, nil)
}

// Await polls a session until it reaches a terminal phase or ctx is done.
// Each non-terminal snapshot is passed to onUpdate when it is not nil.
func (c *Client) Await(ctx context.Context, id uuid.UUID, interval time.Duration, onUpdate func(*transfer.Session)) (*transfer.Session, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastPhase transfer.Phase
	for {
		session, err := c.GetTransfer(ctx, id)
		if err != nil {
			return nil, err
		}
		if session.Phase.Terminal() {
			return session, nil
		}
		if onUpdate != nil && session.Phase != lastPhase {
			onUpdate(session)
		}
		lastPhase = session.Phase

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in interface{}, wantStatus int, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
