package temporal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/pypay/service/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
)

type fakeStarter struct {
	options  []client.StartWorkflowOptions
	args     [][]interface{}
	err      error
	runID    string
	workflow interface{}
}

func (f *fakeStarter) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.options = append(f.options, options)
	f.args = append(f.args, args)
	f.workflow = workflow

	run := &mocks.WorkflowRun{}
	run.On("GetID").Return(options.ID)
	run.On("GetRunID").Return(f.runID)
	return run, nil
}

func TestClient_ScheduleRefresh(t *testing.T) {
	starter := &fakeStarter{runID: "run-1"}
	c := NewClientWithStarter(starter, "pypay-balance-refresh", 10*time.Second, nil)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	err := c.ScheduleRefresh(context.Background(), testOwner, ledger.Supported())
	require.NoError(t, err)

	require.Len(t, starter.options, 1)
	opts := starter.options[0]
	assert.Equal(t, "pypay-balance-refresh", opts.TaskQueue)
	assert.True(t, strings.HasPrefix(opts.ID, "refresh-balances-0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266-"))
	assert.Equal(t, testOwner.Hex(), opts.Memo["owner"])
	assert.NotNil(t, starter.workflow)

	require.Len(t, starter.args[0], 1)
	input, ok := starter.args[0][0].(RefreshBalancesInput)
	require.True(t, ok)
	assert.Equal(t, testOwner, input.Owner)
	assert.Equal(t, ledger.Supported(), input.LedgerIDs)
	assert.Equal(t, 10*time.Second, input.SettleDelay)
}

func TestClient_ScheduleRefresh_DistinctIDs(t *testing.T) {
	starter := &fakeStarter{}
	c := NewClientWithStarter(starter, "q", time.Second, nil)
	tick := time.Unix(1700000000, 0)
	c.now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}

	require.NoError(t, c.ScheduleRefresh(context.Background(), testOwner, ledger.Supported()))
	require.NoError(t, c.ScheduleRefresh(context.Background(), testOwner, ledger.Supported()))

	require.Len(t, starter.options, 2)
	assert.NotEqual(t, starter.options[0].ID, starter.options[1].ID)
}

func TestClient_ScheduleRefresh_Error(t *testing.T) {
	starter := &fakeStarter{err: errors.New("temporal unavailable")}
	c := NewClientWithStarter(starter, "q", time.Second, nil)

	err := c.ScheduleRefresh(context.Background(), testOwner, ledger.Supported())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal unavailable")
}

func TestNewClientWithStarter_DefaultDelay(t *testing.T) {
	c := NewClientWithStarter(&fakeStarter{}, "q", 0, nil)
	assert.Equal(t, DefaultSettleDelay, c.settleDelay)
	assert.Equal(t, "q", c.TaskQueue())
	c.Close()
}

func TestWorkerOptions(t *testing.T) {
	opts := workerOptions(4)
	assert.Equal(t, 4, opts.MaxConcurrentActivityExecutionSize)
	assert.Equal(t, 4, opts.MaxConcurrentWorkflowTaskExecutionSize)

	opts = workerOptions(1)
	assert.Equal(t, 1, opts.MaxConcurrentActivityExecutionSize)
	assert.Equal(t, 2, opts.MaxConcurrentWorkflowTaskExecutionSize)

	opts = workerOptions(0)
	assert.Zero(t, opts.MaxConcurrentActivityExecutionSize)
}

func TestNewRefreshWorker_Validation(t *testing.T) {
	_, err := NewRefreshWorker(WorkerConfig{TaskQueue: "q"})
	assert.ErrorContains(t, err, "balance reader is required")
}
