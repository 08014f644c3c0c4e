package transfer

import (
	"context"
	"math/big"
	"time"

	"github.com/brojonat/pypay/service/auth"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/plan"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Request asks for Amount to be delivered to Recipient on DestinationLedger.
type Request struct {
	Recipient         common.Address  `json:"recipient"`
	Amount            ledger.Amount   `json:"amount"`
	DestinationLedger ledger.LedgerID `json:"destination_ledger_id"`
}

// Session is the state of one transfer attempt.
type Session struct {
	ID             uuid.UUID            `json:"id"`
	Holder         common.Address       `json:"holder"`
	Request        Request              `json:"request"`
	Plan           *plan.Plan           `json:"plan,omitempty"`
	Phase          Phase                `json:"phase"`
	Authorizations []auth.Authorization `json:"authorizations"`
	TxHashes       []common.Hash        `json:"tx_hashes"`
	NativeFee      *big.Int             `json:"native_fee,omitempty"`
	Expiry         time.Time            `json:"expiry,omitzero"`
	LastError      *Failure             `json:"last_error,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (s *Session) Snapshot() Session {
	out := *s
	if s.Plan != nil {
		p := *s.Plan
		out.Plan = &p
	}
	out.Authorizations = make([]auth.Authorization, len(s.Authorizations))
	for i, a := range s.Authorizations {
		out.Authorizations[i] = a.Clone()
	}
	out.TxHashes = append([]common.Hash{}, s.TxHashes...)
	if s.NativeFee != nil {
		out.NativeFee = new(big.Int).Set(s.NativeFee)
	}
	if s.LastError != nil {
		f := *s.LastError
		out.LastError = &f
	}
	return out
}

// CrossLedgerSubmitted reports whether the bridge leg reached the relay.
func (s *Session) CrossLedgerSubmitted() bool {
	return s.Plan != nil && s.Plan.IsTwoLeg() && len(s.TxHashes) > 0
}

// Transition is delivered to observers after every phase change.
type Transition struct {
	SessionID uuid.UUID `json:"session_id"`
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	At        time.Time `json:"at"`
	Session   Session   `json:"session"`
}

// Observer receives transitions in order, synchronously on the session's
// goroutine. Implementations must not block for long.
type Observer interface {
	OnTransition(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Transition)

func (f ObserverFunc) OnTransition(ctx context.Context, t Transition) {
	f(ctx, t)
}
