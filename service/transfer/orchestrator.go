// Package transfer runs the transfer protocol: plan, sign and relay the
// optional cross-ledger leg, wait for it to land, then sign and relay the
// final leg. One session runs at a time.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/brojonat/pypay/service/auth"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/metrics"
	"github.com/brojonat/pypay/service/plan"
	"github.com/brojonat/pypay/service/relay"
	"github.com/brojonat/pypay/service/signer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrSessionActive is returned when a transfer is submitted while another is running.
var ErrSessionActive = errors.New("a transfer session is already active")

// BalanceSource provides the holder's current balance on a ledger. Every call
// must read the chain; a cached balance can go stale after a transfer.
type BalanceSource interface {
	BalanceOf(ctx context.Context, id ledger.LedgerID, owner common.Address) (ledger.Amount, error)
}

// Relay submits signed authorizations and waits for cross-ledger receipt.
// *relay.Client implements it.
type Relay interface {
	EstimateFee(ctx context.Context, contract common.Address, source, destination ledger.LedgerID, amount ledger.Amount, target common.Address) (*big.Int, error)
	SubmitCrossLedgerTransfer(ctx context.Context, contract common.Address, a auth.Authorization, nativeFee *big.Int) (common.Hash, error)
	SubmitFinalTransfer(ctx context.Context, contract common.Address, a auth.Authorization) (common.Hash, error)
	AwaitCrossLedger(ctx context.Context, target common.Address, expected ledger.Amount, destination ledger.LedgerID, policy relay.PollPolicy) (relay.CheckResult, error)
}

// Refresher re-reads balances some time after a session ends.
type Refresher interface {
	ScheduleRefresh(ctx context.Context, owner common.Address, ids []ledger.LedgerID) error
}

// Config holds the orchestrator's fixed parameters.
type Config struct {
	// Holder owns the funds and signs every authorization. The cross-ledger
	// leg delivers to Holder on the destination ledger.
	Holder common.Address
	// Contract is the holder's deterministic contract, the same on both ledgers.
	Contract common.Address
	LeadTime time.Duration
	Poll     relay.PollPolicy
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Orchestrator owns at most one session at a time.
type Orchestrator struct {
	cfg       Config
	balances  BalanceSource
	signer    signer.Gateway
	relay     Relay
	refresher Refresher
	builder   *auth.Builder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	clock     func() time.Time

	mu           sync.Mutex
	session      *Session
	last         *Session
	phaseStarted time.Time
	observers    []Observer

	running sync.WaitGroup
}

// New creates an orchestrator. refresher and metrics may be nil.
func New(cfg Config, balances BalanceSource, gw signer.Gateway, rl Relay, refresher Refresher, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if cfg.LeadTime == 0 {
		cfg.LeadTime = auth.DefaultLeadTime
	}
	return &Orchestrator{
		cfg:       cfg,
		balances:  balances,
		signer:    gw,
		relay:     rl,
		refresher: refresher,
		builder:   auth.NewBuilder(cfg.LeadTime, clock),
		metrics:   m,
		logger:    logger,
		clock:     clock,
	}
}

// Subscribe registers an observer for all future transitions.
func (o *Orchestrator) Subscribe(obs Observer) {
	o.mu.Lock()
	o.observers = append(o.observers, obs)
	o.mu.Unlock()
}

// Current returns the active session, if any.
func (o *Orchestrator) Current() (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return Session{}, false
	}
	return o.session.Snapshot(), true
}

// Last returns the most recently finished session, if any.
func (o *Orchestrator) Last() (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Session{}, false
	}
	return o.last.Snapshot(), true
}

// Submit runs a transfer to completion. The returned session is the terminal
// snapshot; on failure the error is a *Failure.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Session, error) {
	s, err := o.begin(req)
	if err != nil {
		return Session{}, err
	}
	return o.run(ctx, s)
}

// Start begins a transfer in the background and returns its initial snapshot.
// The session stops when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context, req Request) (Session, error) {
	s, err := o.begin(req)
	if err != nil {
		return Session{}, err
	}
	o.mu.Lock()
	snap := s.Snapshot()
	o.mu.Unlock()

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		_, _ = o.run(ctx, s)
	}()
	return snap, nil
}

// Wait blocks until every session begun by Start has finished and its
// terminal transition has reached the observers.
func (o *Orchestrator) Wait() {
	o.running.Wait()
}

func (o *Orchestrator) begin(req Request) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil {
		return nil, ErrSessionActive
	}
	now := o.clock()
	s := &Session{
		ID:        uuid.New(),
		Holder:    o.cfg.Holder,
		Request:   req,
		Phase:     PhaseIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.session = s
	o.phaseStarted = now
	return s, nil
}

func (o *Orchestrator) run(ctx context.Context, s *Session) (Session, error) {
	start := o.clock()
	o.logger.InfoContext(ctx, "transfer started",
		"session_id", s.ID.String(),
		"recipient", s.Request.Recipient.Hex(),
		"amount", s.Request.Amount.String(),
		"destination_ledger_id", s.Request.DestinationLedger.String(),
	)

	failure := o.execute(ctx, s)

	var final Session
	if failure == nil {
		final = o.advance(ctx, s, PhaseSucceeded, nil)
	} else {
		final = o.advance(ctx, s, PhaseFailed, failure)
	}

	kind := "unplanned"
	if final.Plan != nil {
		kind = string(final.Plan.Kind)
	}
	reason := ""
	if failure != nil {
		reason = string(failure.Reason)
	}
	if o.metrics != nil {
		o.metrics.RecordTransfer(kind, string(final.Phase), reason, o.clock().Sub(start).Seconds())
	}

	if o.refresher != nil {
		if err := o.refresher.ScheduleRefresh(context.WithoutCancel(ctx), o.cfg.Holder, ledger.Supported()); err != nil {
			o.logger.WarnContext(ctx, "failed to schedule balance refresh", "session_id", s.ID.String(), "error", err)
		}
	}

	if failure != nil {
		o.logger.WarnContext(ctx, "transfer failed",
			"session_id", s.ID.String(),
			"reason", string(failure.Reason),
			"error", failure.Message,
			"tx_hashes", len(final.TxHashes),
		)
		return final, failure
	}
	o.logger.InfoContext(ctx, "transfer succeeded",
		"session_id", s.ID.String(),
		"plan", final.Plan.String(),
		"tx_hashes", len(final.TxHashes),
	)
	return final, nil
}

func (o *Orchestrator) execute(ctx context.Context, s *Session) *Failure {
	if f := o.enter(ctx, s, PhaseValidating); f != nil {
		return f
	}

	p, err := o.plan(ctx, s.Request)
	if err != nil {
		return o.classify(ctx, s, err)
	}
	o.update(func() { s.Plan = &p })

	if p.IsTwoLeg() {
		if f := o.crossLedgerLeg(ctx, s, p); f != nil {
			return f
		}
	}
	return o.finalLeg(ctx, s, p)
}

// plan reads both balances and decides the legs. No relay or signer calls happen here.
func (o *Orchestrator) plan(ctx context.Context, req Request) (plan.Plan, error) {
	if req.Recipient == (common.Address{}) {
		return plan.Plan{}, newFailure(ReasonInvalidRequest, errors.New("recipient is the zero address"))
	}
	if req.Amount == 0 {
		return plan.Plan{}, plan.ErrInvalidAmount
	}
	other, err := ledger.Counterpart(req.DestinationLedger)
	if err != nil {
		return plan.Plan{}, newFailure(ReasonInvalidRequest, err)
	}

	destBalance, err := o.balances.BalanceOf(ctx, req.DestinationLedger, o.cfg.Holder)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("%w: failed to read %s balance: %w", relay.ErrTransport, req.DestinationLedger, err)
	}
	otherBalance, err := o.balances.BalanceOf(ctx, other, o.cfg.Holder)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("%w: failed to read %s balance: %w", relay.ErrTransport, other, err)
	}

	return plan.Compute(plan.Input{
		DestinationBalance: destBalance,
		OtherBalance:       otherBalance,
		Requested:          req.Amount,
		DestinationLedger:  req.DestinationLedger,
		OtherLedger:        other,
	})
}

func (o *Orchestrator) crossLedgerLeg(ctx context.Context, s *Session, p plan.Plan) *Failure {
	a, err := o.builder.CrossLedger(p, o.cfg.Holder)
	if err != nil {
		return newFailure(ReasonInternal, err)
	}
	o.update(func() {
		s.Authorizations = append(s.Authorizations, a)
		s.Expiry = a.Expiry
	})
	idx := len(s.Authorizations) - 1

	if f := o.enter(ctx, s, PhaseAwaitingCrossLedgerSignature); f != nil {
		return f
	}
	legCtx, cancel := o.legContext(ctx, a.Expiry)
	defer cancel()

	signed, err := o.sign(legCtx, s, a, idx)
	if err != nil {
		return o.classify(ctx, s, err)
	}

	if f := o.enter(ctx, s, PhaseRelayingCrossLedger); f != nil {
		return f
	}
	fee, err := o.relay.EstimateFee(legCtx, o.cfg.Contract, p.SourceLedger, p.DestinationLedger, p.AmountFromSource, o.cfg.Holder)
	if err != nil {
		return o.classify(ctx, s, fmt.Errorf("fee estimate: %w", err))
	}
	o.update(func() { s.NativeFee = fee })

	hash, err := o.relay.SubmitCrossLedgerTransfer(legCtx, o.cfg.Contract, signed, fee)
	if err != nil {
		return o.classify(ctx, s, err)
	}
	o.update(func() { s.TxHashes = append(s.TxHashes, hash) })

	if f := o.enter(ctx, s, PhasePollingConfirmation); f != nil {
		return f
	}
	policy := o.cfg.Poll
	policy.Expiry = a.Expiry
	policy.Clock = o.clock
	// The relay compares the whole destination balance, so expect what the
	// final leg will draw: the existing balance plus the bridged amount.
	if _, err := o.relay.AwaitCrossLedger(legCtx, o.cfg.Holder, p.Total(), p.DestinationLedger, policy); err != nil {
		return o.classify(ctx, s, err)
	}
	// A confirmation that lands after expiry still fails the session; the
	// final authorization would otherwise get a fresh expiry.
	if o.expired(s) {
		return o.expiredFailure(s)
	}
	return nil
}

func (o *Orchestrator) finalLeg(ctx context.Context, s *Session, p plan.Plan) *Failure {
	a, err := o.builder.Final(p, s.Request.Recipient)
	if err != nil {
		return newFailure(ReasonInternal, err)
	}
	o.update(func() {
		s.Authorizations = append(s.Authorizations, a)
		s.Expiry = a.Expiry
	})
	idx := len(s.Authorizations) - 1

	if f := o.enter(ctx, s, PhaseAwaitingFinalSignature); f != nil {
		return f
	}
	legCtx, cancel := o.legContext(ctx, a.Expiry)
	defer cancel()

	signed, err := o.sign(legCtx, s, a, idx)
	if err != nil {
		return o.classify(ctx, s, err)
	}

	if f := o.enter(ctx, s, PhaseRelayingFinal); f != nil {
		return f
	}
	hash, err := o.relay.SubmitFinalTransfer(legCtx, o.cfg.Contract, signed)
	if err != nil {
		return o.classify(ctx, s, err)
	}
	o.update(func() { s.TxHashes = append(s.TxHashes, hash) })
	return nil
}

func (o *Orchestrator) sign(ctx context.Context, s *Session, a auth.Authorization, idx int) (auth.Authorization, error) {
	digest, err := a.Digest()
	if err != nil {
		return auth.Authorization{}, newFailure(ReasonInternal, err)
	}
	sig, err := o.signer.RequestSignature(ctx, signer.Request{
		ID:        uuid.New(),
		SessionID: s.ID.String(),
		Purpose:   string(a.Purpose),
		Digest:    digest,
		CreatedAt: o.clock(),
	})
	if err != nil {
		return auth.Authorization{}, err
	}
	if len(sig) != signer.SignatureLength {
		return auth.Authorization{}, newFailure(ReasonInternal, signer.ErrInvalidLength)
	}
	signed := a.WithSignature(sig)
	o.update(func() { s.Authorizations[idx] = signed })
	return signed, nil
}

// legContext bounds a leg by the authorization expiry. The deadline is
// computed against the orchestrator clock so an injected clock still works.
func (o *Orchestrator) legContext(ctx context.Context, expiry time.Time) (context.Context, context.CancelFunc) {
	return context.WithDeadline(ctx, time.Now().Add(expiry.Sub(o.clock())))
}

func (o *Orchestrator) expired(s *Session) bool {
	o.mu.Lock()
	expiry := s.Expiry
	o.mu.Unlock()
	return auth.Expired(expiry, o.clock())
}

func (o *Orchestrator) expiredFailure(s *Session) *Failure {
	return &Failure{
		Reason:  ReasonExpired,
		Message: fmt.Sprintf("authorization expired at %s", s.Expiry.UTC().Format(time.RFC3339)),
	}
}

// enter moves to a non-terminal phase unless the authorization has expired
// or the caller has gone away.
func (o *Orchestrator) enter(ctx context.Context, s *Session, to Phase) *Failure {
	if o.expired(s) {
		return o.expiredFailure(s)
	}
	if err := ctx.Err(); err != nil {
		return o.classify(ctx, s, err)
	}
	o.advance(ctx, s, to, nil)
	return nil
}

// classify maps an error from any step to a failure reason. Expiry wins over
// everything else, then cancellation by the caller.
func (o *Orchestrator) classify(ctx context.Context, s *Session, err error) *Failure {
	var (
		failure  *Failure
		rejected *relay.RejectedError
	)
	switch {
	case errors.As(err, &failure):
		return failure
	case o.expired(s), errors.Is(err, relay.ErrAuthorizationExpired):
		return o.expiredFailure(s)
	case ctx.Err() != nil:
		return &Failure{Reason: ReasonAbandoned, Message: "transfer abandoned: " + ctx.Err().Error(), Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return o.expiredFailure(s)
	case errors.Is(err, plan.ErrInvalidAmount):
		return newFailure(ReasonInvalidAmount, err)
	case errors.Is(err, plan.ErrInsufficientBalance):
		return newFailure(ReasonInsufficientBalance, err)
	case errors.Is(err, signer.ErrUserRejected):
		return newFailure(ReasonUserRejected, err)
	case errors.Is(err, signer.ErrSigningTimeout):
		return newFailure(ReasonSigningTimeout, err)
	case errors.As(err, &rejected):
		return &Failure{Reason: ReasonRelayRejected, Message: rejected.Message, Err: err}
	case errors.Is(err, relay.ErrCrossLedgerTimeout):
		return newFailure(ReasonCrossLedgerTimeout, err)
	case errors.Is(err, relay.ErrTransport):
		return newFailure(ReasonTransportError, err)
	default:
		return newFailure(ReasonInternal, err)
	}
}

// update mutates the session under the lock so snapshots stay consistent.
func (o *Orchestrator) update(fn func()) {
	o.mu.Lock()
	fn()
	o.mu.Unlock()
}

// advance applies a transition and notifies observers. On a terminal phase
// the session is discarded before observers run, so they may immediately
// submit a new transfer.
func (o *Orchestrator) advance(ctx context.Context, s *Session, to Phase, failure *Failure) Session {
	o.mu.Lock()
	from := s.Phase
	if !CanTransition(from, to) {
		// Only reachable through a programming error; fail the session instead.
		o.logger.ErrorContext(ctx, "rejected phase transition",
			"session_id", s.ID.String(), "from", string(from), "to", string(to))
		failure = newFailure(ReasonInternal, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to))
		to = PhaseFailed
	}
	now := o.clock()
	previousDuration := now.Sub(o.phaseStarted)
	o.phaseStarted = now
	s.Phase = to
	s.UpdatedAt = now
	if failure != nil {
		s.LastError = failure
	}
	snap := s.Snapshot()
	if to.Terminal() {
		o.session = nil
		o.last = &snap
	}
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()

	o.logger.DebugContext(ctx, "phase transition",
		"session_id", s.ID.String(),
		"from", string(from),
		"to", string(to),
	)
	if o.metrics != nil {
		o.metrics.RecordPhase(string(from), string(to), previousDuration.Seconds())
	}

	// Observers still hear about the abandoning transition after ctx is cancelled.
	obsCtx := context.WithoutCancel(ctx)
	t := Transition{SessionID: s.ID, From: from, To: to, At: now, Session: snap}
	for _, obs := range observers {
		obs.OnTransition(obsCtx, t)
	}
	return snap
}
