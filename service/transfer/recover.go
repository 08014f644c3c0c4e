package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Journal persists sessions so an interrupted transfer can be found after a restart.
type Journal interface {
	SaveSession(ctx context.Context, s Session) error
	ListIncompleteSessions(ctx context.Context) ([]Session, error)
}

// JournalObserver writes every transition to a journal. Write failures are
// logged; they never affect the running session.
func JournalObserver(j Journal, logger *slog.Logger) Observer {
	return ObserverFunc(func(ctx context.Context, t Transition) {
		if err := j.SaveSession(ctx, t.Session); err != nil {
			logger.ErrorContext(ctx, "failed to journal session",
				"session_id", t.SessionID.String(),
				"phase", string(t.To),
				"error", err,
			)
		}
	})
}

// Recover marks every journaled session left in a non-terminal phase as
// failed with ReasonAbandoned. Sessions are never resumed: their
// authorizations may be past expiry and a new attempt needs fresh nonces.
// Sessions whose cross-ledger leg was already relayed are logged, since
// their funds now sit on the destination ledger.
func Recover(ctx context.Context, j Journal, clock func() time.Time, logger *slog.Logger) (int, error) {
	if clock == nil {
		clock = time.Now
	}
	sessions, err := j.ListIncompleteSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list incomplete sessions: %w", err)
	}

	recovered := 0
	for i := range sessions {
		s := &sessions[i]
		if s.Phase.Terminal() {
			continue
		}
		previous := s.Phase

		if s.CrossLedgerSubmitted() {
			logger.WarnContext(ctx, "abandoning session after cross-ledger leg was relayed",
				"session_id", s.ID.String(),
				"phase", string(previous),
				"tx_hash", s.TxHashes[0].Hex(),
				"destination_ledger_id", s.Plan.DestinationLedger.String(),
				"amount_from_source", s.Plan.AmountFromSource.String(),
			)
		}

		s.Phase = PhaseFailed
		s.UpdatedAt = clock()
		s.LastError = &Failure{
			Reason:  ReasonAbandoned,
			Message: fmt.Sprintf("process stopped during %s", previous),
		}
		if err := j.SaveSession(ctx, *s); err != nil {
			return recovered, fmt.Errorf("failed to save session %s: %w", s.ID, err)
		}
		recovered++

		logger.InfoContext(ctx, "abandoned incomplete session",
			"session_id", s.ID.String(),
			"phase", string(previous),
		)
	}
	return recovered, nil
}
