package nats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/plan"
	"github.com/brojonat/pypay/service/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func failedTransition() transfer.Transition {
	p := plan.TwoLeg(ledger.Ethereum, 5_000_000, ledger.Arbitrum, 5_000_000)
	id := uuid.New()
	return transfer.Transition{
		SessionID: id,
		From:      transfer.PhasePollingConfirmation,
		To:        transfer.PhaseFailed,
		At:        time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC),
		Session: transfer.Session{
			ID:        id,
			Holder:    common.HexToAddress("0x01"),
			Plan:      &p,
			Phase:     transfer.PhaseFailed,
			TxHashes:  []common.Hash{common.HexToHash("0xc1")},
			LastError: &transfer.Failure{Reason: transfer.ReasonCrossLedgerTimeout, Message: "not confirmed"},
		},
	}
}

func TestFromTransition(t *testing.T) {
	tr := failedTransition()
	event := FromTransition(tr)

	assert.Equal(t, tr.SessionID, event.SessionID)
	assert.Equal(t, transfer.PhaseFailed, event.To)
	assert.True(t, event.Terminal)
	assert.Equal(t, transfer.ReasonCrossLedgerTimeout, event.Reason)
	assert.Equal(t, "not confirmed", event.Message)
	assert.Equal(t, tr.Session.TxHashes, event.TxHashes)
	assert.False(t, event.PublishedAt.IsZero())

	tr.To = transfer.PhaseRelayingFinal
	event = FromTransition(tr)
	assert.False(t, event.Terminal)
	assert.Empty(t, event.Reason)
}

func TestTransitionObserver(t *testing.T) {
	pub := NewRecordingPublisher()
	obs := TransitionObserver(pub, testLogger())

	tr := failedTransition()
	obs.OnTransition(context.Background(), tr)

	events := pub.Transitions(tr.SessionID)
	require.Len(t, events, 1)
	assert.Equal(t, transfer.PhasePollingConfirmation, events[0].From)

	// Publish errors are swallowed.
	pub.Fail(errors.New("nats down"))
	obs.OnTransition(context.Background(), tr)
	assert.Len(t, pub.Transitions(), 1)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "transfers.abc", TransferSubject("abc"))
	assert.Equal(t, "balances.0xabc", BalanceSubject("0xabc"))
}

func TestRecordingPublisher_Close(t *testing.T) {
	pub := NewRecordingPublisher()
	require.NoError(t, pub.PublishBalances(context.Background(), &BalanceEvent{Owner: common.HexToAddress("0x01")}))
	assert.Len(t, pub.BalanceEvents(), 1)
	require.NoError(t, pub.Close())
	assert.True(t, pub.Closed())
}

var _ Publisher = (*RecordingPublisher)(nil)
