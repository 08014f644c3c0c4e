package transfer

import (
	"errors"
	"fmt"
)

// Phase is the orchestrator's position in the transfer protocol.
type Phase string

const (
	PhaseIdle                         Phase = "idle"
	PhaseValidating                   Phase = "validating"
	PhaseAwaitingCrossLedgerSignature Phase = "awaiting_cross_ledger_signature"
	PhaseRelayingCrossLedger          Phase = "relaying_cross_ledger"
	PhasePollingConfirmation          Phase = "polling_confirmation"
	PhaseAwaitingFinalSignature       Phase = "awaiting_final_signature"
	PhaseRelayingFinal                Phase = "relaying_final"
	PhaseSucceeded                    Phase = "succeeded"
	PhaseFailed                       Phase = "failed"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// transitions lists the allowed successors of each non-terminal phase.
// Failed is reachable from every non-terminal phase and is not listed.
var transitions = map[Phase][]Phase{
	PhaseIdle:                         {PhaseValidating},
	PhaseValidating:                   {PhaseAwaitingCrossLedgerSignature, PhaseAwaitingFinalSignature},
	PhaseAwaitingCrossLedgerSignature: {PhaseRelayingCrossLedger},
	PhaseRelayingCrossLedger:          {PhasePollingConfirmation},
	PhasePollingConfirmation:          {PhaseAwaitingFinalSignature},
	PhaseAwaitingFinalSignature:       {PhaseRelayingFinal},
	PhaseRelayingFinal:                {PhaseSucceeded},
}

// ErrInvalidTransition indicates a bug in the orchestrator, never user input.
var ErrInvalidTransition = errors.New("invalid phase transition")

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reason classifies why a session failed.
type Reason string

const (
	ReasonInvalidRequest      Reason = "invalid_request"
	ReasonInvalidAmount       Reason = "invalid_amount"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonUserRejected        Reason = "user_rejected"
	ReasonSigningTimeout      Reason = "signing_timeout"
	ReasonRelayRejected       Reason = "relay_rejected"
	ReasonTransportError      Reason = "transport_error"
	ReasonCrossLedgerTimeout  Reason = "cross_ledger_timeout"
	ReasonExpired             Reason = "expired"
	ReasonAbandoned           Reason = "abandoned"
	ReasonInternal            Reason = "internal"
)

// Failure is the terminal error of a session. Message is meant for the holder.
type Failure struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func newFailure(reason Reason, err error) *Failure {
	return &Failure{Reason: reason, Message: err.Error(), Err: err}
}
