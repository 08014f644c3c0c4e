package temporal

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/metrics"
	natspkg "github.com/brojonat/pypay/service/nats"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testOwner = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// Mock balance reader
type MockBalanceReader struct {
	mock.Mock
}

func (m *MockBalanceReader) BalanceOf(ctx context.Context, id ledger.LedgerID, owner common.Address) (ledger.Amount, error) {
	args := m.Called(ctx, id, owner)
	return args.Get(0).(ledger.Amount), args.Error(1)
}

func TestActivities_RefreshBalances(t *testing.T) {
	tests := []struct {
		name           string
		setupMock      func(*MockBalanceReader)
		publishErr     error
		expectedError  bool
		expectedCount  int
		expectedErrors int
		expectPublish  bool
	}{
		{
			name: "reads and publishes every ledger",
			setupMock: func(m *MockBalanceReader) {
				m.On("BalanceOf", mock.Anything, ledger.Ethereum, testOwner).Return(ledger.Amount(150_000_000), nil)
				m.On("BalanceOf", mock.Anything, ledger.Arbitrum, testOwner).Return(ledger.Amount(0), nil)
			},
			expectedCount: 2,
			expectPublish: true,
		},
		{
			name: "partial read is published with errors",
			setupMock: func(m *MockBalanceReader) {
				m.On("BalanceOf", mock.Anything, ledger.Ethereum, testOwner).Return(ledger.Amount(0), errors.New("rpc unavailable"))
				m.On("BalanceOf", mock.Anything, ledger.Arbitrum, testOwner).Return(ledger.Amount(40_000_000), nil)
			},
			expectedCount:  1,
			expectedErrors: 1,
			expectPublish:  true,
		},
		{
			name: "total failure returns error",
			setupMock: func(m *MockBalanceReader) {
				m.On("BalanceOf", mock.Anything, mock.Anything, testOwner).Return(ledger.Amount(0), errors.New("rpc unavailable"))
			},
			expectedError: true,
		},
		{
			name: "publish failure does not fail the refresh",
			setupMock: func(m *MockBalanceReader) {
				m.On("BalanceOf", mock.Anything, mock.Anything, testOwner).Return(ledger.Amount(1), nil)
			},
			publishErr:    errors.New("nats down"),
			expectedCount: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := new(MockBalanceReader)
			tt.setupMock(reader)
			pub := natspkg.NewRecordingPublisher()
			if tt.publishErr != nil {
				pub.Fail(tt.publishErr)
			}
			m := metrics.NewMetrics(prometheus.NewRegistry())
			activities := NewActivities(reader, pub, m, slog.Default())

			result, err := activities.RefreshBalances(context.Background(), RefreshBalancesInput{
				Owner:     testOwner,
				LedgerIDs: ledger.Supported(),
			})

			if tt.expectedError {
				require.Error(t, err)
				assert.Nil(t, result)
				assert.Empty(t, pub.BalanceEvents())
				return
			}

			require.NoError(t, err)
			assert.Equal(t, testOwner, result.Owner)
			assert.Len(t, result.Balances, tt.expectedCount)
			assert.Len(t, result.Errors, tt.expectedErrors)
			assert.False(t, result.RefreshedAt.IsZero())

			events := pub.BalanceEvents()
			if tt.expectPublish {
				require.Len(t, events, 1)
				assert.Equal(t, testOwner, events[0].Owner)
				assert.Equal(t, result.Balances, events[0].Balances)
			}
			reader.AssertExpectations(t)
		})
	}
}

func TestActivities_RefreshBalances_NilPublisher(t *testing.T) {
	reader := new(MockBalanceReader)
	reader.On("BalanceOf", mock.Anything, ledger.Ethereum, testOwner).Return(ledger.Amount(7), nil)
	activities := NewActivities(reader, nil, nil, nil)

	result, err := activities.RefreshBalances(context.Background(), RefreshBalancesInput{
		Owner:     testOwner,
		LedgerIDs: []ledger.LedgerID{ledger.Ethereum},
	})

	require.NoError(t, err)
	require.Len(t, result.Balances, 1)
	assert.Equal(t, ledger.Amount(7), result.Balances[0].Amount)
}
