package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/metrics"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// WorkerConfig wires the balance refresh worker.
type WorkerConfig struct {
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string
	// Concurrency caps concurrent activities and workflow tasks. Zero keeps
	// the SDK defaults.
	Concurrency int

	Reader    ledger.BalanceReader
	Publisher PublisherInterface
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// RefreshWorker polls the refresh task queue and runs RefreshBalancesWorkflow.
type RefreshWorker struct {
	client    client.Client
	worker    worker.Worker
	taskQueue string
	logger    *slog.Logger
}

// NewRefreshWorker dials Temporal and registers the refresh workflow and activity.
func NewRefreshWorker(cfg WorkerConfig) (*RefreshWorker, error) {
	if cfg.Reader == nil {
		return nil, errors.New("balance reader is required")
	}
	if cfg.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "refresh_worker", "task_queue", cfg.TaskQueue)

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHost,
		Namespace: cfg.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal at %s: %w", cfg.TemporalHost, err)
	}

	w := worker.New(c, cfg.TaskQueue, workerOptions(cfg.Concurrency))
	w.RegisterWorkflow(RefreshBalancesWorkflow)
	w.RegisterActivity(NewActivities(cfg.Reader, cfg.Publisher, cfg.Metrics, logger).RefreshBalances)

	return &RefreshWorker{client: c, worker: w, taskQueue: cfg.TaskQueue, logger: logger}, nil
}

func workerOptions(concurrency int) worker.Options {
	var opts worker.Options
	if concurrency > 0 {
		opts.MaxConcurrentActivityExecutionSize = concurrency
		// The SDK rejects a workflow task slot count below two.
		opts.MaxConcurrentWorkflowTaskExecutionSize = max(concurrency, 2)
	}
	return opts
}

// Run processes refresh tasks until ctx is cancelled, then stops the worker
// and closes the Temporal client.
func (w *RefreshWorker) Run(ctx context.Context) error {
	defer w.client.Close()

	if err := w.worker.Start(); err != nil {
		return fmt.Errorf("failed to start worker on %s: %w", w.taskQueue, err)
	}
	w.logger.Info("refresh worker started")

	<-ctx.Done()
	w.worker.Stop()
	w.logger.Info("refresh worker stopped")
	return nil
}
