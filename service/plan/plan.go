// Package plan decides how a transfer request is covered by the holder's
// balances on the two ledgers.
package plan

import (
	"errors"
	"fmt"

	"github.com/brojonat/pypay/service/ledger"
)

var (
	// ErrInvalidAmount is returned for a zero requested amount.
	ErrInvalidAmount = errors.New("requested amount must be greater than zero")
	// ErrInsufficientBalance is returned when both ledgers together cannot cover the request.
	ErrInsufficientBalance = errors.New("insufficient balance across ledgers")
	// ErrSameLedger is returned when the destination and the other ledger coincide.
	ErrSameLedger = errors.New("destination and source ledger must differ")
)

// Kind tags the plan variant.
type Kind string

const (
	KindSingleLeg Kind = "single_leg"
	KindTwoLeg    Kind = "two_leg"
)

// Plan is either a single-leg transfer paid entirely from the destination
// ledger, or a two-leg transfer that first bridges AmountFromSource from
// SourceLedger and then pays from both.
//
// For a two-leg plan AmountFromDestination is the full destination balance,
// so the bridged amount is exactly the shortfall.
type Plan struct {
	Kind                  Kind            `json:"kind"`
	DestinationLedger     ledger.LedgerID `json:"destination_ledger_id"`
	AmountFromDestination ledger.Amount   `json:"amount_from_destination"`
	SourceLedger          ledger.LedgerID `json:"source_ledger_id,omitempty"`
	AmountFromSource      ledger.Amount   `json:"amount_from_source,omitempty"`
}

// SingleLeg builds a single-leg plan.
func SingleLeg(id ledger.LedgerID, amount ledger.Amount) Plan {
	return Plan{
		Kind:                  KindSingleLeg,
		DestinationLedger:     id,
		AmountFromDestination: amount,
	}
}

// TwoLeg builds a two-leg plan.
func TwoLeg(source ledger.LedgerID, fromSource ledger.Amount, destination ledger.LedgerID, fromDestination ledger.Amount) Plan {
	return Plan{
		Kind:                  KindTwoLeg,
		DestinationLedger:     destination,
		AmountFromDestination: fromDestination,
		SourceLedger:          source,
		AmountFromSource:      fromSource,
	}
}

// IsTwoLeg reports whether the plan needs a cross-ledger leg.
func (p Plan) IsTwoLeg() bool {
	return p.Kind == KindTwoLeg
}

// Total is the amount delivered to the recipient.
func (p Plan) Total() ledger.Amount {
	return p.AmountFromDestination + p.AmountFromSource
}

func (p Plan) String() string {
	if p.IsTwoLeg() {
		return fmt.Sprintf("two-leg: %s from %s bridged to %s, %s from %s",
			p.AmountFromSource, p.SourceLedger, p.DestinationLedger, p.AmountFromDestination, p.DestinationLedger)
	}
	return fmt.Sprintf("single-leg: %s on %s", p.AmountFromDestination, p.DestinationLedger)
}

// Input carries everything Compute needs. Balances are the holder's own.
type Input struct {
	DestinationBalance ledger.Amount
	OtherBalance       ledger.Amount
	Requested          ledger.Amount
	DestinationLedger  ledger.LedgerID
	OtherLedger        ledger.LedgerID
}

// Compute returns the cheapest plan covering the request: single-leg when the
// destination alone suffices, otherwise two-leg draining the destination
// first. It has no side effects.
func Compute(in Input) (Plan, error) {
	if in.Requested == 0 {
		return Plan{}, ErrInvalidAmount
	}
	if in.DestinationLedger == in.OtherLedger {
		return Plan{}, ErrSameLedger
	}

	if in.Requested <= in.DestinationBalance {
		return SingleLeg(in.DestinationLedger, in.Requested), nil
	}

	// Requested > DestinationBalance here, so the subtraction cannot wrap and
	// comparing the shortfall avoids overflowing DestinationBalance+OtherBalance.
	shortfall := in.Requested - in.DestinationBalance
	if shortfall <= in.OtherBalance {
		return TwoLeg(in.OtherLedger, shortfall, in.DestinationLedger, in.DestinationBalance), nil
	}

	return Plan{}, fmt.Errorf("%w: requested %s, available %s on %s and %s on %s",
		ErrInsufficientBalance,
		in.Requested,
		in.DestinationBalance, in.DestinationLedger,
		in.OtherBalance, in.OtherLedger,
	)
}
