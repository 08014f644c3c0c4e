package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/brojonat/pypay/service/db"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/plan"
	"github.com/brojonat/pypay/service/signer"
	"github.com/brojonat/pypay/service/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultListLimit   = 50
	maxListLimit       = 500
)

// Transfers starts sessions and exposes the in-memory ones.
// *transfer.Orchestrator implements it.
type Transfers interface {
	Start(ctx context.Context, req transfer.Request) (transfer.Session, error)
	Current() (transfer.Session, bool)
	Last() (transfer.Session, bool)
}

// SessionStore reads journaled sessions. *db.Store implements it.
type SessionStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*transfer.Session, error)
	ListSessions(ctx context.Context, holder common.Address, limit int32) ([]transfer.Session, error)
}

// SignatureRequests is the holder-facing side of the pending signer.
// *signer.Pending implements it.
type SignatureRequests interface {
	Current() (signer.Request, bool)
	Resolve(id uuid.UUID, sig []byte) error
	Reject(id uuid.UUID) error
}

// transferRequest is the body of POST /api/v1/transfers. Amount is in whole
// tokens ("10.5"); destination_ledger is a name or chain id.
type transferRequest struct {
	Recipient         string `json:"recipient"`
	Amount            string `json:"amount"`
	DestinationLedger string `json:"destination_ledger"`
}

func (r transferRequest) parse() (transfer.Request, error) {
	if !common.IsHexAddress(r.Recipient) {
		return transfer.Request{}, errors.New("recipient must be a 0x-prefixed 20-byte hex address")
	}
	amount, err := ledger.ParseAmount(r.Amount)
	if err != nil {
		return transfer.Request{}, err
	}
	if amount == 0 {
		return transfer.Request{}, errors.New("amount must be positive")
	}
	dest, err := ledger.Parse(r.DestinationLedger)
	if err != nil {
		return transfer.Request{}, err
	}
	return transfer.Request{
		Recipient:         common.HexToAddress(r.Recipient),
		Amount:            amount,
		DestinationLedger: dest,
	}, nil
}

// handleStartTransfer returns a handler that starts a transfer session.
// POST /api/v1/transfers
// The session outlives the request; it is bound to ctx instead.
func handleStartTransfer(ctx context.Context, transfers Transfers, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var body transferRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			logger.DebugContext(r.Context(), "failed to decode transfer request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		req, err := body.parse()
		if err != nil {
			logger.DebugContext(r.Context(), "invalid transfer request", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		session, err := transfers.Start(ctx, req)
		if errors.Is(err, transfer.ErrSessionActive) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start transfer", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "transfer started",
			"session_id", session.ID,
			"recipient", req.Recipient.Hex(),
			"amount", req.Amount.String(),
			"destination_ledger", req.DestinationLedger.String(),
		)
		writeJSON(w, session, http.StatusAccepted)
	})
}

// handleCurrentTransfer returns the active session, or the last finished one.
// GET /api/v1/transfers/current
func handleCurrentTransfer(transfers Transfers) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s, ok := transfers.Current(); ok {
			writeJSON(w, map[string]interface{}{"active": true, "session": s}, http.StatusOK)
			return
		}
		if s, ok := transfers.Last(); ok {
			writeJSON(w, map[string]interface{}{"active": false, "session": s}, http.StatusOK)
			return
		}
		writeError(w, "no transfer session", http.StatusNotFound)
	})
}

// handleGetTransfer returns a session by id from memory or the journal.
// GET /api/v1/transfers/{id}
func handleGetTransfer(transfers Transfers, store SessionStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, "invalid session id", http.StatusBadRequest)
			return
		}

		for _, get := range []func() (transfer.Session, bool){transfers.Current, transfers.Last} {
			if s, ok := get(); ok && s.ID == id {
				writeJSON(w, s, http.StatusOK)
				return
			}
		}

		if store == nil {
			writeError(w, "session not found", http.StatusNotFound)
			return
		}
		s, err := store.GetSession(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "session not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get session", "session_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, s, http.StatusOK)
	})
}

// handleListTransfers lists journaled sessions for the holder, newest first.
// GET /api/v1/transfers?limit={n}
func handleListTransfers(store SessionStore, holder common.Address, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > maxListLimit {
				writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxListLimit), http.StatusBadRequest)
				return
			}
			limit = n
		}

		sessions, err := store.ListSessions(r.Context(), holder, int32(limit))
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list sessions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if sessions == nil {
			sessions = []transfer.Session{}
		}

		logger.DebugContext(r.Context(), "sessions listed", "count", len(sessions))
		writeJSON(w, map[string]interface{}{
			"holder":   holder.Hex(),
			"sessions": sessions,
		}, http.StatusOK)
	})
}

type balanceResponse struct {
	LedgerID    ledger.LedgerID `json:"ledger_id"`
	Ledger      string          `json:"ledger"`
	Amount      string          `json:"amount"`
	AmountMinor ledger.Amount   `json:"amount_minor"`
}

func toBalanceResponses(balances []ledger.Balance) []balanceResponse {
	out := make([]balanceResponse, len(balances))
	for i, b := range balances {
		out[i] = balanceResponse{
			LedgerID:    b.LedgerID,
			Ledger:      b.LedgerID.String(),
			Amount:      b.Amount.String(),
			AmountMinor: b.Amount,
		}
	}
	return out
}

// handleGetBalances returns the holder's balance on every supported ledger.
// GET /api/v1/balances
func handleGetBalances(balances ledger.BalanceReader, holder common.Address, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		read, err := ledger.ReadAll(r.Context(), balances, holder, ledger.Supported())
		if err != nil {
			logger.WarnContext(r.Context(), "failed to read balances", "error", err)
			writeError(w, "failed to read balances", http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]interface{}{
			"holder":   holder.Hex(),
			"balances": toBalanceResponses(read),
		}, http.StatusOK)
	})
}

// handlePreviewPlan computes the plan a transfer would use without starting it.
// GET /api/v1/plan?amount={tokens}&destination_ledger={name|id}
func handlePreviewPlan(balances ledger.BalanceReader, holder common.Address, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		amount, err := ledger.ParseAmount(q.Get("amount"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		dest, err := ledger.Parse(q.Get("destination_ledger"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		other, err := ledger.Counterpart(dest)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		read, err := ledger.ReadAll(r.Context(), balances, holder, []ledger.LedgerID{dest, other})
		if err != nil {
			logger.WarnContext(r.Context(), "failed to read balances", "error", err)
			writeError(w, "failed to read balances", http.StatusBadGateway)
			return
		}

		p, err := plan.Compute(plan.Input{
			DestinationBalance: read[0].Amount,
			OtherBalance:       read[1].Amount,
			Requested:          amount,
			DestinationLedger:  dest,
			OtherLedger:        other,
		})
		switch {
		case errors.Is(err, plan.ErrInvalidAmount):
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, plan.ErrInsufficientBalance):
			writeError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		case err != nil:
			logger.ErrorContext(r.Context(), "failed to compute plan", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"plan":     p,
			"summary":  p.String(),
			"balances": toBalanceResponses(read),
		}, http.StatusOK)
	})
}

// handleCurrentSignatureRequest returns the digest waiting for the holder.
// GET /api/v1/signature-requests/current
func handleCurrentSignatureRequest(signatures SignatureRequests) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := signatures.Current()
		if !ok {
			writeError(w, "no pending signature request", http.StatusNotFound)
			return
		}
		writeJSON(w, req, http.StatusOK)
	})
}

// signatureResponse is the body of POST /api/v1/signature-requests/{id}.
// Exactly one of Signature or Reject is expected.
type signatureResponse struct {
	Signature string `json:"signature"`
	Reject    bool   `json:"reject"`
}

// handleAnswerSignatureRequest resolves or rejects a pending request.
// POST /api/v1/signature-requests/{id}
func handleAnswerSignatureRequest(signatures SignatureRequests, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, "invalid signature request id", http.StatusBadRequest)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var body signatureResponse
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		var status string
		if body.Reject {
			err = signatures.Reject(id)
			status = "rejected"
		} else {
			sig, decodeErr := hexutil.Decode(body.Signature)
			if decodeErr != nil {
				writeError(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
				return
			}
			err = signatures.Resolve(id, sig)
			status = "signed"
		}

		switch {
		case errors.Is(err, signer.ErrUnknownRequest):
			writeError(w, err.Error(), http.StatusNotFound)
			return
		case errors.Is(err, signer.ErrInvalidLength), errors.Is(err, signer.ErrSignerMismatch):
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			logger.WarnContext(r.Context(), "failed to answer signature request", "request_id", id, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		logger.InfoContext(r.Context(), "signature request answered", "request_id", id, "status", status)
		writeJSON(w, map[string]string{"id": id.String(), "status": status}, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
