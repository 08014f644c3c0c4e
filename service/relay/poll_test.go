package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/pypay/service/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAfter fires immediately and remembers each requested delay.
type recordingAfter struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingAfter) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func checkServer(t *testing.T, receivedOn int32, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"result":  map[string]interface{}{"received": receivedOn > 0 && n >= receivedOn},
		})
	}))
}

func TestAwaitCrossLedger_StopsOnFirstReceipt(t *testing.T) {
	var calls atomic.Int32
	srv := checkServer(t, 4, &calls)
	defer srv.Close()

	rec := &recordingAfter{}
	c := NewClient(srv.URL, nil, nil, testLogger())
	res, err := c.AwaitCrossLedger(context.Background(), contract, 10_000_000, ledger.Arbitrum, PollPolicy{
		Attempts: 20, Interval: 3 * time.Second, After: rec.After,
	})
	require.NoError(t, err)
	assert.True(t, res.Received)
	assert.Equal(t, int32(4), calls.Load())

	require.Len(t, rec.delays, 4)
	for _, d := range rec.delays {
		assert.GreaterOrEqual(t, d, 3*time.Second)
	}
}

func TestAwaitCrossLedger_Timeout(t *testing.T) {
	var calls atomic.Int32
	srv := checkServer(t, 0, &calls)
	defer srv.Close()

	rec := &recordingAfter{}
	c := NewClient(srv.URL, nil, nil, testLogger())
	_, err := c.AwaitCrossLedger(context.Background(), contract, 10_000_000, ledger.Arbitrum, PollPolicy{
		Attempts: 20, Interval: 3 * time.Second, After: rec.After,
	})
	assert.ErrorIs(t, err, ErrCrossLedgerTimeout)
	assert.Equal(t, int32(20), calls.Load())
	assert.Len(t, rec.delays, 20)
}

func TestAwaitCrossLedger_RetriesFailedChecks(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "rpc down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "result": map[string]interface{}{"received": true}})
	}))
	defer srv.Close()

	rec := &recordingAfter{}
	c := NewClient(srv.URL, nil, nil, testLogger())
	_, err := c.AwaitCrossLedger(context.Background(), contract, 1, ledger.Arbitrum, PollPolicy{
		Attempts: 5, Interval: time.Millisecond, After: rec.After,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAwaitCrossLedger_Expiry(t *testing.T) {
	var calls atomic.Int32
	srv := checkServer(t, 0, &calls)
	defer srv.Close()

	var now atomic.Int64
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return base.Add(time.Duration(now.Load())) }
	after := func(d time.Duration) <-chan time.Time {
		now.Add(int64(d))
		ch := make(chan time.Time, 1)
		ch <- clock()
		return ch
	}

	c := NewClient(srv.URL, nil, nil, testLogger())
	_, err := c.AwaitCrossLedger(context.Background(), contract, 1, ledger.Arbitrum, PollPolicy{
		Attempts: 20,
		Interval: 3 * time.Second,
		Expiry:   base.Add(10 * time.Second),
		Clock:    clock,
		After:    after,
	})
	assert.ErrorIs(t, err, ErrAuthorizationExpired)
	// Checks at 3s, 6s, 9s; the wait ending at 12s crosses the expiry.
	assert.Equal(t, int32(3), calls.Load())
}

func TestAwaitCrossLedger_Cancelled(t *testing.T) {
	var calls atomic.Int32
	srv := checkServer(t, 0, &calls)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(srv.URL, nil, nil, testLogger())
	_, err := c.AwaitCrossLedger(ctx, contract, 1, ledger.Arbitrum, PollPolicy{
		Attempts: 20, Interval: time.Hour,
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), calls.Load())
}
