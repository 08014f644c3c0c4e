package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/pypay/service/ledger"
	"github.com/ethereum/go-ethereum/common"
	"go.temporal.io/sdk/client"
)

// WorkflowStarter is the subset of the Temporal client used to start workflows.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Client starts balance refresh workflows on Temporal. It implements the
// orchestrator's refresher.
type Client struct {
	client      WorkflowStarter
	closer      func()
	taskQueue   string
	settleDelay time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewClient connects to Temporal.
func NewClient(host, namespace, taskQueue string, settleDelay time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	sc := NewClientWithStarter(c, taskQueue, settleDelay, logger)
	sc.closer = c.Close
	return sc, nil
}

// NewClientWithStarter wraps an existing starter, e.g. a test double.
func NewClientWithStarter(starter WorkflowStarter, taskQueue string, settleDelay time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	return &Client{
		client:      starter,
		taskQueue:   taskQueue,
		settleDelay: settleDelay,
		now:         time.Now,
		logger:      logger,
	}
}

// ScheduleRefresh starts a RefreshBalancesWorkflow and returns without
// waiting for it.
func (c *Client) ScheduleRefresh(ctx context.Context, owner common.Address, ids []ledger.LedgerID) error {
	id := refreshWorkflowID(owner, c.now())

	c.logger.Debug("scheduling balance refresh",
		"owner", owner.Hex(),
		"workflow_id", id,
		"settle_delay", c.settleDelay,
	)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       id,
		TaskQueue:                c.taskQueue,
		WorkflowExecutionTimeout: c.settleDelay + 5*time.Minute,
		Memo: map[string]interface{}{
			"owner":      owner.Hex(),
			"created_by": "pypay",
		},
	}, RefreshBalancesWorkflow, RefreshBalancesInput{
		Owner:       owner,
		LedgerIDs:   ids,
		SettleDelay: c.settleDelay,
	})
	if err != nil {
		c.logger.Error("failed to start refresh workflow",
			"owner", owner.Hex(),
			"workflow_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.Info("balance refresh scheduled",
		"owner", owner.Hex(),
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return nil
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	if c.closer == nil {
		return
	}
	c.logger.Info("closing temporal client")
	c.closer()
}

func refreshWorkflowID(owner common.Address, at time.Time) string {
	return fmt.Sprintf("refresh-balances-%s-%d", strings.ToLower(owner.Hex()), at.UnixNano())
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
