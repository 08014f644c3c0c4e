package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/pypay/service/auth"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultPollAttempts = 20
	DefaultPollInterval = 3 * time.Second
)

var (
	// ErrCrossLedgerTimeout means the poll budget ran out without receipt.
	// The bridged funds may still arrive later; the caller must not retry
	// the submission.
	ErrCrossLedgerTimeout = errors.New("cross-ledger transfer not confirmed in time")
	// ErrAuthorizationExpired means the poll reached the authorization expiry.
	ErrAuthorizationExpired = errors.New("authorization expired while awaiting confirmation")
)

// PollPolicy bounds AwaitCrossLedger.
type PollPolicy struct {
	Attempts int
	Interval time.Duration
	// Expiry, when set, stops polling once the clock reaches it.
	Expiry time.Time
	Clock  func() time.Time
	// After defaults to time.After.
	After func(time.Duration) <-chan time.Time
}

// DefaultPollPolicy is 20 attempts 3 seconds apart.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Attempts: DefaultPollAttempts, Interval: DefaultPollInterval}
}

func (p PollPolicy) withDefaults() PollPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPollAttempts
	}
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.After == nil {
		p.After = time.After
	}
	return p
}

func (p PollPolicy) expired() bool {
	return auth.Expired(p.Expiry, p.Clock())
}

// AwaitCrossLedger polls CheckCrossLedger until the relay reports receipt.
// Each attempt waits Interval first, so consecutive checks are never closer
// than Interval. Failed checks count as attempts and are retried. The
// expiry and ctx are re-checked on every iteration.
func (c *Client) AwaitCrossLedger(ctx context.Context, target common.Address, expected ledger.Amount, destination ledger.LedgerID, policy PollPolicy) (CheckResult, error) {
	policy = policy.withDefaults()

	var last CheckResult
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if policy.expired() {
			c.recordPoll("expired", attempt-1)
			return last, ErrAuthorizationExpired
		}

		select {
		case <-ctx.Done():
			c.recordPoll("cancelled", attempt-1)
			return last, ctx.Err()
		case <-policy.After(policy.Interval):
		}

		if policy.expired() {
			c.recordPoll("expired", attempt-1)
			return last, ErrAuthorizationExpired
		}

		res, err := c.CheckCrossLedger(ctx, target, expected, destination)
		if err != nil {
			if ctx.Err() != nil {
				c.recordPoll("cancelled", attempt)
				return last, ctx.Err()
			}
			c.logger.WarnContext(ctx, "cross-ledger check failed",
				"attempt", attempt,
				"target", target.Hex(),
				"error", err,
			)
			continue
		}
		last = res

		c.logger.DebugContext(ctx, "cross-ledger check",
			"attempt", attempt,
			"received", res.Received,
			"current_balance", res.CurrentBalance.String(),
			"expected_balance", res.ExpectedBalance.String(),
		)
		if res.Received {
			c.recordPoll("received", attempt)
			return res, nil
		}
	}

	c.recordPoll("timeout", policy.Attempts)
	return last, fmt.Errorf("%w after %d attempts", ErrCrossLedgerTimeout, policy.Attempts)
}

func (c *Client) recordPoll(outcome string, attempts int) {
	if c.metrics != nil {
		c.metrics.RecordPoll(outcome, attempts)
	}
}
