// Package auth builds the authorizations the holder signs for each leg of a
// transfer and the canonical encoding those signatures cover.
package auth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/plan"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// DefaultLeadTime is the minimum validity window of a freshly built authorization.
const DefaultLeadTime = 5 * time.Minute

var (
	ErrLengthMismatch = errors.New("source ledgers, amounts and nonces must have equal length")
	ErrEmpty          = errors.New("authorization has no source entries")
	ErrZeroTarget     = errors.New("authorization target is the zero address")
	ErrNotTwoLeg      = errors.New("cross-ledger authorization requires a two-leg plan")
)

// Purpose says which leg an authorization belongs to.
type Purpose string

const (
	PurposeCrossLedger Purpose = "cross_ledger"
	PurposeFinal       Purpose = "final"
)

// Authorization is the tuple the holder signs. Entry i moves Amounts[i] from
// SourceLedgers[i] using Nonces[i]. Once signed it must not be mutated.
type Authorization struct {
	Purpose           Purpose           `json:"purpose"`
	SourceLedgers     []ledger.LedgerID `json:"source_ledger_ids"`
	Amounts           []ledger.Amount   `json:"amount_each"`
	Nonces            []*big.Int        `json:"nonces"`
	Expiry            time.Time         `json:"expiry"`
	DestinationLedger ledger.LedgerID   `json:"destination_ledger_id"`
	Target            common.Address    `json:"target_address"`
	Signature         hexutil.Bytes     `json:"signature,omitempty"`
}

var encodingArgs = func() abi.Arguments {
	uintArray := mustType("uint256[]")
	uint256 := mustType("uint256")
	address := mustType("address")
	return abi.Arguments{
		{Name: "sourceChainIds", Type: uintArray},
		{Name: "amountEach", Type: uintArray},
		{Name: "nonces", Type: uintArray},
		{Name: "expiry", Type: uint256},
		{Name: "destinationChainId", Type: uint256},
		{Name: "targetAddress", Type: address},
	}
}()

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %s: %v", t, err))
	}
	return typ
}

// Validate checks the structural invariants.
func (a Authorization) Validate() error {
	if len(a.SourceLedgers) == 0 {
		return ErrEmpty
	}
	if len(a.Amounts) != len(a.SourceLedgers) || len(a.Nonces) != len(a.SourceLedgers) {
		return ErrLengthMismatch
	}
	for i, n := range a.Nonces {
		if n == nil || n.Sign() < 0 {
			return fmt.Errorf("nonce %d is not a non-negative integer", i)
		}
	}
	if a.Target == (common.Address{}) {
		return ErrZeroTarget
	}
	return nil
}

// Total is the sum of the per-source amounts.
func (a Authorization) Total() ledger.Amount {
	var total ledger.Amount
	for _, amt := range a.Amounts {
		total += amt
	}
	return total
}

// Encode returns the ABI encoding of
// (uint256[] sourceChainIds, uint256[] amountEach, uint256[] nonces,
// uint256 expiry, uint256 destinationChainId, address targetAddress).
// The expiry is encoded as unix seconds. The signature is not part of it.
func (a Authorization) Encode() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	ids := make([]*big.Int, len(a.SourceLedgers))
	amounts := make([]*big.Int, len(a.Amounts))
	for i := range a.SourceLedgers {
		ids[i] = new(big.Int).SetUint64(uint64(a.SourceLedgers[i]))
		amounts[i] = a.Amounts[i].Big()
	}

	encoded, err := encodingArgs.Pack(
		ids,
		amounts,
		a.Nonces,
		big.NewInt(a.Expiry.Unix()),
		new(big.Int).SetUint64(uint64(a.DestinationLedger)),
		a.Target,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode authorization: %w", err)
	}
	return encoded, nil
}

// Digest is keccak256 of Encode. This is what the signing gateway signs.
func (a Authorization) Digest() (common.Hash, error) {
	encoded, err := a.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Expired reports whether an authorization expiring at expiry is no longer
// valid at now. The relay rejects it once now reaches expiry. A zero expiry
// never expires.
func Expired(expiry, now time.Time) bool {
	return !expiry.IsZero() && !now.Before(expiry)
}

// WithSignature returns a copy carrying sig.
func (a Authorization) WithSignature(sig []byte) Authorization {
	out := a.Clone()
	out.Signature = append(hexutil.Bytes(nil), sig...)
	return out
}

// Clone deep-copies the slices so the result can be handed out safely.
func (a Authorization) Clone() Authorization {
	out := a
	out.SourceLedgers = append([]ledger.LedgerID(nil), a.SourceLedgers...)
	out.Amounts = append([]ledger.Amount(nil), a.Amounts...)
	out.Nonces = make([]*big.Int, len(a.Nonces))
	for i, n := range a.Nonces {
		if n != nil {
			out.Nonces[i] = new(big.Int).Set(n)
		}
	}
	if a.Signature != nil {
		out.Signature = append(hexutil.Bytes(nil), a.Signature...)
	}
	return out
}

// BuildNonce derives a nonce from a millisecond timestamp and an amount.
// Two calls with the same inputs collide; Builder.Nonce mixes in a
// per-builder salt and a counter.
func BuildNonce(ts time.Time, amount ledger.Amount) *big.Int {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(ts.UnixMilli()))
	binary.BigEndian.PutUint64(buf[8:], uint64(amount))
	return new(big.Int).SetBytes(crypto.Keccak256(buf[:]))
}

// Builder constructs authorizations. Nonces are unique per Builder even for
// identical (timestamp, amount) pairs.
type Builder struct {
	lead    time.Duration
	clock   func() time.Time
	salt    uuid.UUID
	counter atomic.Uint64
}

// NewBuilder returns a builder using lead as validity window and clock as
// time source. A nil clock means time.Now.
func NewBuilder(lead time.Duration, clock func() time.Time) *Builder {
	if lead < DefaultLeadTime {
		lead = DefaultLeadTime
	}
	if clock == nil {
		clock = time.Now
	}
	return &Builder{
		lead:  lead,
		clock: clock,
		salt:  uuid.New(),
	}
}

// Nonce returns a fresh nonce for amount at ts: BuildNonce(ts, amount)
// hashed together with the builder salt and counter.
func (b *Builder) Nonce(ts time.Time, amount ledger.Amount) *big.Int {
	var buf [56]byte
	BuildNonce(ts, amount).FillBytes(buf[:32])
	copy(buf[32:48], b.salt[:])
	binary.BigEndian.PutUint64(buf[48:], b.counter.Add(1))
	return new(big.Int).SetBytes(crypto.Keccak256(buf[:]))
}

// expiry rounds up to the next whole second so the encoded unix-second value
// is strictly after construction time plus the lead.
func (b *Builder) expiry(now time.Time) time.Time {
	return now.Add(b.lead).Truncate(time.Second).Add(time.Second)
}

// Build assembles an unsigned authorization. Each entry gets its own nonce.
func (b *Builder) Build(purpose Purpose, sources []ledger.LedgerID, amounts []ledger.Amount, destination ledger.LedgerID, target common.Address) (Authorization, error) {
	if len(sources) != len(amounts) {
		return Authorization{}, ErrLengthMismatch
	}

	now := b.clock()
	nonces := make([]*big.Int, len(amounts))
	for i, amt := range amounts {
		nonces[i] = b.Nonce(now, amt)
	}

	a := Authorization{
		Purpose:           purpose,
		SourceLedgers:     append([]ledger.LedgerID(nil), sources...),
		Amounts:           append([]ledger.Amount(nil), amounts...),
		Nonces:            nonces,
		Expiry:            b.expiry(now),
		DestinationLedger: destination,
		Target:            target,
	}
	if err := a.Validate(); err != nil {
		return Authorization{}, err
	}
	return a, nil
}

// CrossLedger builds the bridge leg of a two-leg plan. Funds move from the
// source ledger to self, the holder's address, on the destination ledger.
func (b *Builder) CrossLedger(p plan.Plan, self common.Address) (Authorization, error) {
	if !p.IsTwoLeg() {
		return Authorization{}, ErrNotTwoLeg
	}
	return b.Build(
		PurposeCrossLedger,
		[]ledger.LedgerID{p.SourceLedger},
		[]ledger.Amount{p.AmountFromSource},
		p.DestinationLedger,
		self,
	)
}

// Final builds the leg that pays the recipient. For a single-leg plan it has
// one entry; for a two-leg plan it draws the destination balance and the
// bridged amount, both now held on the destination ledger.
func (b *Builder) Final(p plan.Plan, recipient common.Address) (Authorization, error) {
	if !p.IsTwoLeg() {
		return b.Build(
			PurposeFinal,
			[]ledger.LedgerID{p.DestinationLedger},
			[]ledger.Amount{p.AmountFromDestination},
			p.DestinationLedger,
			recipient,
		)
	}
	return b.Build(
		PurposeFinal,
		[]ledger.LedgerID{p.DestinationLedger, p.SourceLedger},
		[]ledger.Amount{p.AmountFromDestination, p.AmountFromSource},
		p.DestinationLedger,
		recipient,
	)
}
