package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/brojonat/pypay/service/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func TestRefreshBalancesWorkflow(t *testing.T) {
	tests := []struct {
		name          string
		input         RefreshBalancesInput
		activityErr   error
		expectedError bool
		minDelay      time.Duration
	}{
		{
			name: "sleeps for settle delay then refreshes",
			input: RefreshBalancesInput{
				Owner:       testOwner,
				LedgerIDs:   ledger.Supported(),
				SettleDelay: 10 * time.Second,
			},
			minDelay: 10 * time.Second,
		},
		{
			name: "zero delay falls back to default",
			input: RefreshBalancesInput{
				Owner:     testOwner,
				LedgerIDs: ledger.Supported(),
			},
			minDelay: DefaultSettleDelay,
		},
		{
			name: "activity failure fails the workflow",
			input: RefreshBalancesInput{
				Owner:       testOwner,
				LedgerIDs:   ledger.Supported(),
				SettleDelay: time.Second,
			},
			activityErr:   errors.New("rpc unavailable"),
			expectedError: true,
			minDelay:      time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()

			activities := &Activities{}
			env.RegisterActivity(activities.RefreshBalances)

			start := env.Now()
			var calledAt time.Time
			call := env.OnActivity(activities.RefreshBalances, mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) {
					calledAt = env.Now()
				})
			if tt.activityErr != nil {
				call.Return(nil, tt.activityErr)
			} else {
				call.Return(&RefreshBalancesResult{
					Owner: tt.input.Owner,
					Balances: []ledger.Balance{
						{LedgerID: ledger.Ethereum, Amount: 100},
						{LedgerID: ledger.Arbitrum, Amount: 0},
					},
				}, nil)
			}

			env.ExecuteWorkflow(RefreshBalancesWorkflow, tt.input)

			require.True(t, env.IsWorkflowCompleted())
			assert.GreaterOrEqual(t, calledAt.Sub(start), tt.minDelay)

			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}

			require.NoError(t, env.GetWorkflowError())
			var result *RefreshBalancesResult
			require.NoError(t, env.GetWorkflowResult(&result))
			assert.Equal(t, testOwner, result.Owner)
			assert.Len(t, result.Balances, 2)
		})
	}
}
