package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/metrics"
	natspkg "github.com/brojonat/pypay/service/nats"
	"github.com/ethereum/go-ethereum/common"
)

// RefreshBalancesInput contains the input parameters for a delayed balance refresh.
type RefreshBalancesInput struct {
	Owner       common.Address    `json:"owner"`
	LedgerIDs   []ledger.LedgerID `json:"ledger_ids"`
	SettleDelay time.Duration     `json:"settle_delay"`
}

// RefreshBalancesResult contains the balances that were read.
type RefreshBalancesResult struct {
	Owner       common.Address   `json:"owner"`
	Balances    []ledger.Balance `json:"balances"`
	Errors      []string         `json:"errors,omitempty"`
	RefreshedAt time.Time        `json:"refreshed_at"`
}

// PublisherInterface defines the NATS publishing operations needed by activities.
// This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishBalances(ctx context.Context, event *natspkg.BalanceEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	reader    ledger.BalanceReader
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(reader ledger.BalanceReader, publisher PublisherInterface, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		reader:    reader,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// RefreshBalances reads the owner's balance on every requested ledger and
// publishes whatever was read. It fails only when no ledger could be read, so
// Temporal retries a total outage but not a single flaky RPC.
func (a *Activities) RefreshBalances(ctx context.Context, input RefreshBalancesInput) (*RefreshBalancesResult, error) {
	start := time.Now()
	status := "success"
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("RefreshBalances", status, time.Since(start).Seconds())
		}
	}()

	a.logger.DebugContext(ctx, "refreshing balances",
		"owner", input.Owner.Hex(),
		"ledgers", len(input.LedgerIDs),
	)

	balances, err := ledger.ReadAll(ctx, a.reader, input.Owner, input.LedgerIDs)
	result := &RefreshBalancesResult{
		Owner:       input.Owner,
		Balances:    balances,
		RefreshedAt: time.Now().UTC(),
	}
	if err != nil {
		if len(balances) == 0 {
			status = "error"
			a.logger.ErrorContext(ctx, "failed to read any balance",
				"owner", input.Owner.Hex(),
				"error", err,
			)
			return nil, fmt.Errorf("failed to read balances: %w", err)
		}
		status = "partial"
		result.Errors = []string{err.Error()}
		a.logger.WarnContext(ctx, "some balances could not be read",
			"owner", input.Owner.Hex(),
			"error", err,
		)
	}

	if a.publisher != nil {
		event := &natspkg.BalanceEvent{
			Owner:       input.Owner,
			Balances:    balances,
			RefreshedAt: result.RefreshedAt,
		}
		if err := a.publisher.PublishBalances(ctx, event); err != nil {
			// The balances were read; a missed event only delays the cache.
			a.logger.WarnContext(ctx, "failed to publish balances",
				"owner", input.Owner.Hex(),
				"error", err,
			)
		}
	}

	a.logger.InfoContext(ctx, "balances refreshed",
		"owner", input.Owner.Hex(),
		"count", len(balances),
	)
	return result, nil
}
