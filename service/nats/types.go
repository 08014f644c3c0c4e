package nats

import (
	"time"

	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/plan"
	"github.com/brojonat/pypay/service/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// TransitionEvent is published to "transfers.{session_id}" on every phase change.
type TransitionEvent struct {
	SessionID uuid.UUID      `json:"session_id"`
	Holder    common.Address `json:"holder"`
	From      transfer.Phase `json:"from"`
	To        transfer.Phase `json:"to"`
	Terminal  bool           `json:"terminal"`

	// Failure details, set only when To is failed.
	Reason  transfer.Reason `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`

	Plan     *plan.Plan    `json:"plan,omitempty"`
	TxHashes []common.Hash `json:"tx_hashes,omitempty"`
	Expiry   time.Time     `json:"expiry,omitzero"`

	// Timing information
	At          time.Time `json:"at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromTransition converts an orchestrator transition for publishing.
func FromTransition(t transfer.Transition) *TransitionEvent {
	event := &TransitionEvent{
		SessionID:   t.SessionID,
		Holder:      t.Session.Holder,
		From:        t.From,
		To:          t.To,
		Terminal:    t.To.Terminal(),
		Plan:        t.Session.Plan,
		TxHashes:    t.Session.TxHashes,
		Expiry:      t.Session.Expiry,
		At:          t.At,
		PublishedAt: time.Now().UTC(),
	}
	if t.To == transfer.PhaseFailed && t.Session.LastError != nil {
		event.Reason = t.Session.LastError.Reason
		event.Message = t.Session.LastError.Message
	}
	return event
}

// BalanceEvent is published to "balances.{owner}" after a refresh.
type BalanceEvent struct {
	Owner       common.Address   `json:"owner"`
	Balances    []ledger.Balance `json:"balances"`
	RefreshedAt time.Time        `json:"refreshed_at"`
}
