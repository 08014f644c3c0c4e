package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerID identifies a ledger by its EVM chain id.
type LedgerID uint64

const (
	Ethereum LedgerID = 1
	Arbitrum LedgerID = 42161
)

// Ledger describes a supported ledger and the token contracts the transfer
// flow touches on it.
type Ledger struct {
	ID    LedgerID
	Name  string
	Token common.Address // PYUSD
	OFT   common.Address // LayerZero OFT adapter used by the cross-ledger leg
}

var registry = map[LedgerID]Ledger{
	Ethereum: {
		ID:    Ethereum,
		Name:  "ethereum",
		Token: common.HexToAddress("0x6c3ea9036406852006290770BEdFcAbA0e23A0e8"),
		OFT:   common.HexToAddress("0xa2C323fE5A74aDffAd2bf3E007E36bb029606444"),
	},
	Arbitrum: {
		ID:    Arbitrum,
		Name:  "arbitrum",
		Token: common.HexToAddress("0x46850aD61C2B7d64d08c9C754F45254596696984"),
		OFT:   common.HexToAddress("0xFaB5891ED867a1195303251912013b92c4fc3a1D"),
	},
}

// Supported returns the ledger pair in a stable order.
func Supported() []LedgerID {
	return []LedgerID{Ethereum, Arbitrum}
}

// Lookup returns the registry entry for id.
func Lookup(id LedgerID) (Ledger, bool) {
	l, ok := registry[id]
	return l, ok
}

// Counterpart returns the other ledger of the supported pair.
func Counterpart(id LedgerID) (LedgerID, error) {
	switch id {
	case Ethereum:
		return Arbitrum, nil
	case Arbitrum:
		return Ethereum, nil
	default:
		return 0, fmt.Errorf("unsupported ledger %d", uint64(id))
	}
}

// Parse accepts a ledger name ("ethereum", "arbitrum") or a numeric chain id.
func Parse(s string) (LedgerID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for id, l := range registry {
		if l.Name == s {
			return id, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown ledger %q", s)
	}
	if _, ok := registry[LedgerID(n)]; !ok {
		return 0, fmt.Errorf("unsupported ledger %d", n)
	}
	return LedgerID(n), nil
}

func (id LedgerID) String() string {
	if l, ok := registry[id]; ok {
		return l.Name
	}
	return strconv.FormatUint(uint64(id), 10)
}

// Balance is the holder's token balance on one ledger.
type Balance struct {
	LedgerID LedgerID `json:"ledger_id"`
	Amount   Amount   `json:"amount"`
}
