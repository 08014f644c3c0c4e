package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/pypay/service/config"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/metrics"
	natspkg "github.com/brojonat/pypay/service/nats"
	"github.com/brojonat/pypay/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.MustLoad()
	logger := setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// run owns every resource the worker opens and releases them in reverse order.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.NewMetrics(nil)
	stopMetrics := serveMetrics(cfg.MetricsAddr, logger)
	defer stopMetrics()

	callers, closeLedgers, err := ledger.Dial(ctx, map[ledger.LedgerID]string{
		ledger.Ethereum: cfg.EthereumRPCURL,
		ledger.Arbitrum: cfg.ArbitrumRPCURL,
	})
	if err != nil {
		return fmt.Errorf("failed to dial ledgers: %w", err)
	}
	defer closeLedgers()
	reader := ledger.NewChainReader(callers, cfg.FactoryAddress, cfg.OperatorAddress, m, logger)

	publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer publisher.Close()

	w, err := temporal.NewRefreshWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Concurrency:       cfg.TemporalWorkerConcurrency,
		Reader:            reader,
		Publisher:         publisher,
		Metrics:           m,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	logger.Info("balance refresh worker ready",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"ledgers", len(callers),
		"nats_url", cfg.NATSURL,
	)
	return w.Run(ctx)
}

// serveMetrics exposes the default registry and returns a shutdown func.
func serveMetrics(addr string, logger *slog.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}
}

func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
