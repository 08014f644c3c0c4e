package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// DefaultSettleDelay is used when the input carries no delay.
const DefaultSettleDelay = 10 * time.Second

// RefreshBalancesWorkflow waits for a finished transfer to settle on chain
// and then re-reads the holder's balances.
//
// The workflow performs these steps:
// 1. Sleep for the settle delay (durable timer)
// 2. Read and publish balances (RefreshBalances activity)
func RefreshBalancesWorkflow(ctx workflow.Context, input RefreshBalancesInput) (*RefreshBalancesResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("RefreshBalancesWorkflow started", "owner", input.Owner.Hex())

	delay := input.SettleDelay
	if delay <= 0 {
		delay = DefaultSettleDelay
	}
	if err := workflow.Sleep(ctx, delay); err != nil {
		return nil, fmt.Errorf("settle delay interrupted: %w", err)
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var result *RefreshBalancesResult
	if err := workflow.ExecuteActivity(ctx, a.RefreshBalances, input).Get(ctx, &result); err != nil {
		logger.Error("RefreshBalances activity failed", "error", err)
		return nil, fmt.Errorf("failed to refresh balances: %w", err)
	}

	logger.Info("RefreshBalancesWorkflow completed",
		"owner", input.Owner.Hex(),
		"balances", len(result.Balances),
	)
	return result, nil
}
