package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of the transferred token.
const Decimals = 6

// Amount is a token quantity in minor units (10^-6 of a token).
type Amount uint64

// ParseAmount converts a human readable quantity such as "10.5" into minor
// units. More than six fractional digits is an error rather than a rounding.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid amount %q: must not be negative", s)
	}
	minor := d.Shift(Decimals)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: at most %d decimal places", s, Decimals)
	}
	bi := minor.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("invalid amount %q: out of range", s)
	}
	return Amount(bi.Uint64()), nil
}

// AmountFromBig converts an on-chain uint256 quantity.
func AmountFromBig(v *big.Int) (Amount, error) {
	if v == nil {
		return 0, nil
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("amount %s out of range", v.String())
	}
	return Amount(v.Uint64()), nil
}

// Big returns the amount as a uint256-compatible integer.
func (a Amount) Big() *big.Int {
	return new(big.Int).SetUint64(uint64(a))
}

// Decimal returns the amount in whole tokens.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.Big(), -Decimals)
}

// String formats the amount with exactly six decimal places.
func (a Amount) String() string {
	return a.Decimal().StringFixed(Decimals)
}
