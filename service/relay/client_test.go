package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/pypay/service/auth"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contract = common.HexToAddress("0x1111111111111111111111111111111111111111")
	target   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signedAuth() auth.Authorization {
	a := auth.Authorization{
		Purpose:           auth.PurposeFinal,
		SourceLedgers:     []ledger.LedgerID{ledger.Arbitrum, ledger.Ethereum},
		Amounts:           []ledger.Amount{5_000_000, 5_000_000},
		Nonces:            []*big.Int{big.NewInt(11), big.NewInt(12)},
		Expiry:            time.Unix(1_700_000_300, 0),
		DestinationLedger: ledger.Arbitrum,
		Target:            target,
	}
	sig := make([]byte, 65)
	sig[0], sig[64] = 0xab, 27
	return a.WithSignature(sig)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmitFinalTransfer(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfer", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"tx_hash": "0xdeadbeef00000000000000000000000000000000000000000000000000000001",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil, testLogger())
	hash, err := c.SubmitFinalTransfer(context.Background(), contract, signedAuth())
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xdeadbeef00000000000000000000000000000000000000000000000000000001"), hash)

	assert.Equal(t, contract.Hex(), got["contract_address"])
	assert.Equal(t, []interface{}{"42161", "1"}, got["source_chain_ids"])
	assert.Equal(t, []interface{}{"5000000", "5000000"}, got["amount_each"])
	assert.Equal(t, []interface{}{"11", "12"}, got["nonces"])
	assert.Equal(t, "1700000300", got["expiry"])
	assert.Equal(t, "42161", got["destination_chain_id"])
	assert.Equal(t, target.Hex(), got["target_address"])
	assert.Contains(t, got["signature"], "0xab")
	assert.NotContains(t, got, "native_fee")
}

func TestSubmitCrossLedgerTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cross-chain-transfer", r.URL.Path)
		var body transferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "120000000000000", body.NativeFee)
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "tx_hash": "0x01"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil, testLogger())
	hash, err := c.SubmitCrossLedgerTransfer(context.Background(), contract, signedAuth(), big.NewInt(120_000_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x01"), hash)

	_, err = c.SubmitCrossLedgerTransfer(context.Background(), contract, signedAuth(), nil)
	assert.Error(t, err)
}

func TestSubmit_Unsigned(t *testing.T) {
	c := NewClient("http://unused", nil, nil, testLogger())
	a := signedAuth()
	a.Signature = nil
	_, err := c.SubmitFinalTransfer(context.Background(), contract, a)
	assert.Error(t, err)
}

func TestSubmit_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "execution reverted: nonce already used",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil, testLogger())
	_, err := c.SubmitFinalTransfer(context.Background(), contract, signedAuth())

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "execution reverted: nonce already used", rejected.Message)
	assert.Equal(t, http.StatusInternalServerError, rejected.StatusCode)
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestSubmit_TransportErrors(t *testing.T) {
	t.Run("unparseable body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("<html>bad gateway</html>"))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, nil, nil, testLogger())
		_, err := c.SubmitFinalTransfer(context.Background(), contract, signedAuth())
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c := NewClient(url, nil, nil, testLogger())
		_, err := c.SubmitFinalTransfer(context.Background(), contract, signedAuth())
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("missing tx hash", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, nil, nil, testLogger())
		_, err := c.SubmitFinalTransfer(context.Background(), contract, signedAuth())
		assert.ErrorIs(t, err, ErrTransport)
	})
}

func TestSubmit_NotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil, testLogger())
	_, err := c.SubmitFinalTransfer(context.Background(), contract, signedAuth())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEstimateFee(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/estimate-fee", r.URL.Path)
		var body feeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "1", body.SourceChainID)
		assert.Equal(t, "42161", body.DestinationChainID)
		assert.Equal(t, "5000000", body.Amount)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":       true,
			"estimated_fee": "240000000000000",
			"quote_fee":     "200000000000000",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil, testLogger())
	fee, err := c.EstimateFee(context.Background(), contract, ledger.Ethereum, ledger.Arbitrum, 5_000_000, contract)
	require.NoError(t, err)
	assert.Equal(t, "240000000000000", fee.String())
}

func TestTxStatusAndHealth(t *testing.T) {
	hash := common.HexToHash("0x05")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx-status/" + hash.Hex():
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success": true,
				"status":  map[string]interface{}{"status": "success", "block_number": 100, "gas_used": 21000},
			})
		case "/health":
			writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy", "network": "mainnet"})
		default:
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "Not found"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil, testLogger())

	st, err := c.TxStatus(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, "success", st.Status)
	assert.Equal(t, uint64(100), st.BlockNumber)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mainnet", h.Network)
}

func TestCheckCrossLedger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body checkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "10000000", body.AmountExpected)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"result":  map[string]interface{}{"received": true, "current_balance": 10.5, "expected_balance": 10.0},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil, testLogger())
	res, err := c.CheckCrossLedger(context.Background(), contract, 10_000_000, ledger.Arbitrum)
	require.NoError(t, err)
	assert.True(t, res.Received)
	assert.Equal(t, "10.5", res.CurrentBalance.String())
}
