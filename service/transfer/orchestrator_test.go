package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/pypay/service/auth"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/plan"
	"github.com/brojonat/pypay/service/relay"
	"github.com/brojonat/pypay/service/signer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	holder    = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	contract  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	recipient = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func usd(n uint64) ledger.Amount { return ledger.Amount(n * 1_000_000) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeBalances map[ledger.LedgerID]ledger.Amount

func (f fakeBalances) BalanceOf(_ context.Context, id ledger.LedgerID, _ common.Address) (ledger.Amount, error) {
	amt, ok := f[id]
	if !ok {
		return 0, errors.New("rpc unavailable")
	}
	return amt, nil
}

// fakeSigner signs with the holder key unless told otherwise.
type fakeSigner struct {
	mu       sync.Mutex
	key      *signer.KeySigner
	requests []signer.Request
	// onRequest runs before signing; a non-nil error is returned instead.
	onRequest func(ctx context.Context, req signer.Request) error
}

func newFakeSigner(t *testing.T) *fakeSigner {
	t.Helper()
	k, err := signer.NewKeySigner(testKey)
	require.NoError(t, err)
	return &fakeSigner{key: k}
}

func (f *fakeSigner) RequestSignature(ctx context.Context, req signer.Request) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	hook := f.onRequest
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}
	return f.key.RequestSignature(ctx, req)
}

func (f *fakeSigner) calls() []signer.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signer.Request(nil), f.requests...)
}

type submission struct {
	endpoint string
	auth     auth.Authorization
	fee      *big.Int
}

type fakeRelay struct {
	mu          sync.Mutex
	submissions []submission
	awaits      int
	expected    ledger.Amount
	awaitPolicy relay.PollPolicy

	feeErr   error
	crossErr error
	finalErr error
	awaitErr error
	onAwait  func()
}

func (f *fakeRelay) EstimateFee(_ context.Context, _ common.Address, _, _ ledger.LedgerID, _ ledger.Amount, _ common.Address) (*big.Int, error) {
	if f.feeErr != nil {
		return nil, f.feeErr
	}
	return big.NewInt(120_000), nil
}

func (f *fakeRelay) SubmitCrossLedgerTransfer(_ context.Context, _ common.Address, a auth.Authorization, fee *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, submission{endpoint: "cross", auth: a, fee: fee})
	if f.crossErr != nil {
		return common.Hash{}, f.crossErr
	}
	return common.HexToHash("0xc1"), nil
}

func (f *fakeRelay) SubmitFinalTransfer(_ context.Context, _ common.Address, a auth.Authorization) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, submission{endpoint: "final", auth: a})
	if f.finalErr != nil {
		return common.Hash{}, f.finalErr
	}
	return common.HexToHash("0xf1"), nil
}

func (f *fakeRelay) AwaitCrossLedger(_ context.Context, _ common.Address, expected ledger.Amount, _ ledger.LedgerID, policy relay.PollPolicy) (relay.CheckResult, error) {
	f.mu.Lock()
	f.awaits++
	f.expected = expected
	f.awaitPolicy = policy
	f.mu.Unlock()
	if f.onAwait != nil {
		f.onAwait()
	}
	if f.awaitErr != nil {
		return relay.CheckResult{}, f.awaitErr
	}
	return relay.CheckResult{Received: true}, nil
}

func (f *fakeRelay) endpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.submissions {
		out = append(out, s.endpoint)
	}
	return out
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	ids   []ledger.LedgerID
}

func (f *fakeRefresher) ScheduleRefresh(_ context.Context, owner common.Address, ids []ledger.LedgerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ids = ids
	return nil
}

type harness struct {
	orch      *Orchestrator
	clock     *fakeClock
	signer    *fakeSigner
	relay     *fakeRelay
	refresher *fakeRefresher
	phases    []Phase
	mu        sync.Mutex
}

func newHarness(t *testing.T, balances BalanceSource) *harness {
	t.Helper()
	h := &harness{
		clock:     newFakeClock(),
		signer:    newFakeSigner(t),
		relay:     &fakeRelay{},
		refresher: &fakeRefresher{},
	}
	h.orch = New(Config{
		Holder:   holder,
		Contract: contract,
		LeadTime: 5 * time.Minute,
		Poll:     relay.PollPolicy{Attempts: 20, Interval: 3 * time.Second},
		Clock:    h.clock.Now,
	}, balances, h.signer, h.relay, h.refresher, nil, testLogger())
	h.orch.Subscribe(ObserverFunc(func(_ context.Context, tr Transition) {
		h.mu.Lock()
		h.phases = append(h.phases, tr.To)
		h.mu.Unlock()
	}))
	return h
}

func (h *harness) seen() []Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Phase(nil), h.phases...)
}

func requireFailure(t *testing.T, err error, reason Reason) *Failure {
	t.Helper()
	var f *Failure
	require.True(t, errors.As(err, &f), "expected *Failure, got %v", err)
	assert.Equal(t, reason, f.Reason)
	return f
}

func TestScenarioA_TwoLeg(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})

	s, err := h.orch.Submit(context.Background(), Request{
		Recipient: recipient, Amount: usd(10), DestinationLedger: ledger.Arbitrum,
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseSucceeded, s.Phase)

	require.NotNil(t, s.Plan)
	assert.Equal(t, plan.TwoLeg(ledger.Ethereum, usd(5), ledger.Arbitrum, usd(5)), *s.Plan)

	assert.Equal(t, []Phase{
		PhaseValidating,
		PhaseAwaitingCrossLedgerSignature,
		PhaseRelayingCrossLedger,
		PhasePollingConfirmation,
		PhaseAwaitingFinalSignature,
		PhaseRelayingFinal,
		PhaseSucceeded,
	}, h.seen())

	require.Len(t, s.Authorizations, 2)
	cross, final := s.Authorizations[0], s.Authorizations[1]

	assert.Equal(t, []ledger.LedgerID{ledger.Ethereum}, cross.SourceLedgers)
	assert.Equal(t, []ledger.Amount{usd(5)}, cross.Amounts)
	assert.Equal(t, ledger.Arbitrum, cross.DestinationLedger)
	assert.Equal(t, holder, cross.Target)

	assert.Equal(t, []ledger.LedgerID{ledger.Arbitrum, ledger.Ethereum}, final.SourceLedgers)
	assert.Equal(t, []ledger.Amount{usd(5), usd(5)}, final.Amounts)
	assert.Equal(t, recipient, final.Target)

	// Both signatures recover to the holder over their own digests.
	for _, a := range s.Authorizations {
		digest, err := a.Digest()
		require.NoError(t, err)
		addr, err := signer.Recover(digest, a.Signature)
		require.NoError(t, err)
		assert.Equal(t, holder, addr)
	}

	assert.Equal(t, []string{"cross", "final"}, h.relay.endpoints())
	assert.Equal(t, "120000", h.relay.submissions[0].fee.String())
	assert.Equal(t, usd(10), h.relay.expected)
	assert.Equal(t, cross.Expiry, h.relay.awaitPolicy.Expiry)
	assert.Equal(t, []common.Hash{common.HexToHash("0xc1"), common.HexToHash("0xf1")}, s.TxHashes)

	calls := h.signer.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, string(auth.PurposeCrossLedger), calls[0].Purpose)
	assert.Equal(t, string(auth.PurposeFinal), calls[1].Purpose)
	assert.NotEqual(t, calls[0].Digest, calls[1].Digest)

	_, active := h.orch.Current()
	assert.False(t, active, "session discarded after terminal phase")
	last, ok := h.orch.Last()
	require.True(t, ok)
	assert.Equal(t, s.ID, last.ID)

	assert.Equal(t, 1, h.refresher.calls)
	assert.Equal(t, ledger.Supported(), h.refresher.ids)
}

func TestScenarioB_SingleLeg(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(100), ledger.Arbitrum: usd(100)})

	s, err := h.orch.Submit(context.Background(), Request{
		Recipient: recipient, Amount: usd(50), DestinationLedger: ledger.Ethereum,
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseSucceeded, s.Phase)
	assert.Equal(t, plan.SingleLeg(ledger.Ethereum, usd(50)), *s.Plan)

	assert.Equal(t, []Phase{
		PhaseValidating,
		PhaseAwaitingFinalSignature,
		PhaseRelayingFinal,
		PhaseSucceeded,
	}, h.seen())
	assert.Equal(t, []string{"final"}, h.relay.endpoints())
	assert.Equal(t, 0, h.relay.awaits)
	require.Len(t, s.Authorizations, 1)
	assert.Equal(t, usd(50), s.Authorizations[0].Total())
	assert.Equal(t, 1, h.refresher.calls)
}

func TestScenarioC_Insufficient(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(3), ledger.Arbitrum: usd(2)})

	s, err := h.orch.Submit(context.Background(), Request{
		Recipient: recipient, Amount: usd(10), DestinationLedger: ledger.Ethereum,
	})
	requireFailure(t, err, ReasonInsufficientBalance)
	assert.Equal(t, PhaseFailed, s.Phase)
	require.NotNil(t, s.LastError)
	assert.Equal(t, ReasonInsufficientBalance, s.LastError.Reason)

	assert.Empty(t, h.signer.calls())
	assert.Empty(t, h.relay.endpoints())
	assert.Equal(t, 0, h.relay.awaits)
	assert.Equal(t, []Phase{PhaseValidating, PhaseFailed}, h.seen())
	assert.Equal(t, 1, h.refresher.calls)
}

// chain is a balance source whose balances change between transfers.
type chain struct {
	mu       sync.Mutex
	balances map[ledger.LedgerID]ledger.Amount
}

func (c *chain) BalanceOf(_ context.Context, id ledger.LedgerID, _ common.Address) (ledger.Amount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[id], nil
}

func (c *chain) set(id ledger.LedgerID, a ledger.Amount) {
	c.mu.Lock()
	c.balances[id] = a
	c.mu.Unlock()
}

func TestSecondTransferPlansAgainstCurrentBalance(t *testing.T) {
	onChain := &chain{balances: map[ledger.LedgerID]ledger.Amount{ledger.Ethereum: usd(100), ledger.Arbitrum: 0}}
	cache := ledger.NewBalanceCache(onChain)
	h := newHarness(t, cache.Fresh())

	// Warm the cache the way GET /api/v1/balances does.
	_, err := ledger.ReadAll(context.Background(), cache, holder, ledger.Supported())
	require.NoError(t, err)

	_, err = h.orch.Submit(context.Background(), Request{
		Recipient: recipient, Amount: usd(80), DestinationLedger: ledger.Ethereum,
	})
	require.NoError(t, err)

	onChain.set(ledger.Ethereum, usd(20))

	s, err := h.orch.Submit(context.Background(), Request{
		Recipient: recipient, Amount: usd(50), DestinationLedger: ledger.Ethereum,
	})
	requireFailure(t, err, ReasonInsufficientBalance)
	assert.Equal(t, PhaseFailed, s.Phase)
	assert.Len(t, h.signer.calls(), 1, "second transfer never reaches the signer")
	assert.Equal(t, []string{"final"}, h.relay.endpoints())
	assert.Contains(t, cache.Snapshot(holder), ledger.Balance{LedgerID: ledger.Ethereum, Amount: usd(20)})
}

func TestScenarioD_CrossLedgerTimeout(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	h.relay.awaitErr = fmt.Errorf("%w after 20 attempts", relay.ErrCrossLedgerTimeout)

	s, err := h.orch.Submit(context.Background(), Request{
		Recipient: recipient, Amount: usd(10), DestinationLedger: ledger.Arbitrum,
	})
	requireFailure(t, err, ReasonCrossLedgerTimeout)
	assert.Equal(t, []string{"cross"}, h.relay.endpoints(), "final leg never attempted")
	assert.Len(t, h.signer.calls(), 1)
	assert.Len(t, s.Authorizations, 1)
	assert.True(t, s.CrossLedgerSubmitted())

	_, active := h.orch.Current()
	assert.False(t, active)
}

func TestInvalidAmount(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(3), ledger.Arbitrum: usd(2)})
	_, err := h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: 0, DestinationLedger: ledger.Ethereum})
	requireFailure(t, err, ReasonInvalidAmount)
	assert.Empty(t, h.signer.calls())
}

func TestInvalidRequest(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(3), ledger.Arbitrum: usd(2)})

	_, err := h.orch.Submit(context.Background(), Request{Amount: usd(1), DestinationLedger: ledger.Ethereum})
	requireFailure(t, err, ReasonInvalidRequest)

	_, err = h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(1), DestinationLedger: 10})
	requireFailure(t, err, ReasonInvalidRequest)
}

func TestBalanceReadFailure(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(3)})
	_, err := h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(1), DestinationLedger: ledger.Ethereum})
	requireFailure(t, err, ReasonTransportError)
}

func TestUserRejected(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	h.signer.onRequest = func(context.Context, signer.Request) error { return signer.ErrUserRejected }

	s, err := h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(10), DestinationLedger: ledger.Arbitrum})
	requireFailure(t, err, ReasonUserRejected)
	assert.Equal(t, PhaseAwaitingCrossLedgerSignature, h.seen()[len(h.seen())-2])
	assert.Empty(t, h.relay.endpoints())
	assert.Empty(t, s.TxHashes)
}

func TestSigningTimeout(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	h.signer.onRequest = func(context.Context, signer.Request) error { return signer.ErrSigningTimeout }

	_, err := h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(1), DestinationLedger: ledger.Ethereum})
	requireFailure(t, err, ReasonSigningTimeout)
}

func TestRelayRejected_MessageVerbatim(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	h.relay.finalErr = &relay.RejectedError{Endpoint: "/transfer", StatusCode: 500, Message: "execution reverted: bad signature"}

	_, err := h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(1), DestinationLedger: ledger.Ethereum})
	f := requireFailure(t, err, ReasonRelayRejected)
	assert.Equal(t, "execution reverted: bad signature", f.Message)
}

func TestCrossLedgerRelayRejected(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	h.relay.crossErr = &relay.RejectedError{Endpoint: "/cross-chain-transfer", StatusCode: 500, Message: "insufficient native fee"}

	_, err := h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(10), DestinationLedger: ledger.Arbitrum})
	requireFailure(t, err, ReasonRelayRejected)
	assert.Equal(t, 0, h.relay.awaits)
	assert.Len(t, h.signer.calls(), 1)
}

func TestTransportError(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	h.relay.feeErr = fmt.Errorf("%w: connection refused", relay.ErrTransport)

	_, err := h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(10), DestinationLedger: ledger.Arbitrum})
	requireFailure(t, err, ReasonTransportError)
	assert.Empty(t, h.relay.endpoints(), "no submission without a fee")
}

func TestExpiredDuringPolling(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	// Confirmation arrives, but only after the authorization expired.
	h.relay.onAwait = func() { h.clock.Advance(6 * time.Minute) }

	_, err := h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(10), DestinationLedger: ledger.Arbitrum})
	requireFailure(t, err, ReasonExpired)
	assert.Equal(t, []string{"cross"}, h.relay.endpoints())
	assert.NotContains(t, h.seen(), PhaseAwaitingFinalSignature)
}

func TestExpiredWhileSigning(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	h.signer.onRequest = func(context.Context, signer.Request) error {
		h.clock.Advance(5*time.Minute + 2*time.Second)
		return nil
	}

	_, err := h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(1), DestinationLedger: ledger.Ethereum})
	requireFailure(t, err, ReasonExpired)
	assert.Empty(t, h.relay.endpoints())
}

func TestExpiryFromPoll(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	h.relay.awaitErr = relay.ErrAuthorizationExpired

	_, err := h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(10), DestinationLedger: ledger.Arbitrum})
	requireFailure(t, err, ReasonExpired)
}

func TestAbandonedOnCancel(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	ctx, cancel := context.WithCancel(context.Background())
	h.signer.onRequest = func(ctx context.Context, _ signer.Request) error {
		cancel()
		return ctx.Err()
	}

	_, err := h.orch.Submit(ctx, Request{Recipient: recipient, Amount: usd(1), DestinationLedger: ledger.Ethereum})
	requireFailure(t, err, ReasonAbandoned)
	assert.Equal(t, PhaseFailed, h.seen()[len(h.seen())-1], "observers still see the terminal transition")
	assert.Equal(t, 1, h.refresher.calls)
}

func TestSessionActive(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})

	release := make(chan struct{})
	entered := make(chan struct{})
	h.signer.onRequest = func(context.Context, signer.Request) error {
		close(entered)
		<-release
		return nil
	}

	started, err := h.orch.Start(context.Background(), Request{Recipient: recipient, Amount: usd(1), DestinationLedger: ledger.Ethereum})
	require.NoError(t, err)
	<-entered

	cur, ok := h.orch.Current()
	require.True(t, ok)
	assert.Equal(t, started.ID, cur.ID)
	assert.Equal(t, PhaseAwaitingFinalSignature, cur.Phase)

	_, err = h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(1), DestinationLedger: ledger.Ethereum})
	assert.ErrorIs(t, err, ErrSessionActive)

	close(release)
	require.Eventually(t, func() bool {
		_, active := h.orch.Current()
		return !active
	}, time.Second, time.Millisecond)

	last, ok := h.orch.Last()
	require.True(t, ok)
	assert.Equal(t, PhaseSucceeded, last.Phase)
}

func TestWaitDrainsCancelledSession(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	entered := make(chan struct{})
	h.signer.onRequest = func(ctx context.Context, _ signer.Request) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.orch.Start(ctx, Request{Recipient: recipient, Amount: usd(1), DestinationLedger: ledger.Ethereum})
	require.NoError(t, err)
	<-entered

	cancel()
	h.orch.Wait()

	_, active := h.orch.Current()
	assert.False(t, active)
	last, ok := h.orch.Last()
	require.True(t, ok)
	assert.Equal(t, PhaseFailed, last.Phase)
	require.NotNil(t, last.LastError)
	assert.Equal(t, ReasonAbandoned, last.LastError.Reason)
	seen := h.seen()
	assert.Equal(t, PhaseFailed, seen[len(seen)-1], "terminal transition delivered before Wait returns")
}

func TestWaitWithoutSessions(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	h.orch.Wait()
}

func TestNewSessionAfterFailure(t *testing.T) {
	h := newHarness(t, fakeBalances{ledger.Ethereum: usd(40), ledger.Arbitrum: usd(5)})
	h.relay.finalErr = &relay.RejectedError{Message: "nope"}

	first, err := h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(1), DestinationLedger: ledger.Ethereum})
	require.Error(t, err)

	h.relay.finalErr = nil
	second, err := h.orch.Submit(context.Background(), Request{Recipient: recipient, Amount: usd(1), DestinationLedger: ledger.Ethereum})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, 0, first.Authorizations[0].Nonces[0].Cmp(second.Authorizations[0].Nonces[0]), "retry uses fresh nonces")
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(PhaseIdle, PhaseValidating))
	assert.True(t, CanTransition(PhaseValidating, PhaseAwaitingFinalSignature))
	assert.True(t, CanTransition(PhasePollingConfirmation, PhaseFailed))
	assert.False(t, CanTransition(PhaseValidating, PhaseRelayingFinal))
	assert.False(t, CanTransition(PhaseRelayingCrossLedger, PhaseAwaitingFinalSignature))
	assert.False(t, CanTransition(PhaseSucceeded, PhaseFailed))
	assert.False(t, CanTransition(PhaseFailed, PhaseValidating))
}

func TestSnapshotIsolated(t *testing.T) {
	s := &Session{
		Plan:           &plan.Plan{Kind: plan.KindSingleLeg},
		Authorizations: []auth.Authorization{{Nonces: []*big.Int{big.NewInt(1)}}},
		TxHashes:       []common.Hash{{1}},
	}
	snap := s.Snapshot()
	snap.Plan.Kind = plan.KindTwoLeg
	snap.Authorizations[0].Nonces[0].SetInt64(9)
	snap.TxHashes[0] = common.Hash{2}

	assert.Equal(t, plan.KindSingleLeg, s.Plan.Kind)
	assert.Equal(t, int64(1), s.Authorizations[0].Nonces[0].Int64())
	assert.Equal(t, common.Hash{1}, s.TxHashes[0])
}

// Sanity check that the fake signer key matches the configured holder.
func TestHolderKey(t *testing.T) {
	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	assert.Equal(t, holder, crypto.PubkeyToAddress(key.PublicKey))
}
