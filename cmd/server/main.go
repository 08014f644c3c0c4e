package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/pypay/service/config"
	"github.com/brojonat/pypay/service/db"
	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/metrics"
	natspkg "github.com/brojonat/pypay/service/nats"
	"github.com/brojonat/pypay/service/relay"
	"github.com/brojonat/pypay/service/server"
	"github.com/brojonat/pypay/service/signer"
	"github.com/brojonat/pypay/service/temporal"
	"github.com/brojonat/pypay/service/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.MustLoad()
	logger := setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting server", "addr", cfg.ServerAddr, "holder", cfg.HolderAddress.Hex())
	m := metrics.NewMetrics(nil)

	store, closeStore, err := openJournal(ctx, cfg.DatabaseURL, m)
	if err != nil {
		return err
	}
	defer closeStore()

	// Sessions left mid-flight by a previous process are closed out, never resumed.
	recovered, err := transfer.Recover(ctx, store, time.Now, logger)
	if err != nil {
		return fmt.Errorf("failed to recover sessions: %w", err)
	}
	if recovered > 0 {
		logger.Warn("marked interrupted sessions as abandoned", "count", recovered)
	}

	callers, closeLedgers, err := ledger.Dial(ctx, map[ledger.LedgerID]string{
		ledger.Ethereum: cfg.EthereumRPCURL,
		ledger.Arbitrum: cfg.ArbitrumRPCURL,
	})
	if err != nil {
		return fmt.Errorf("failed to dial ledgers: %w", err)
	}
	defer closeLedgers()

	reader := ledger.NewChainReader(callers, cfg.FactoryAddress, cfg.OperatorAddress, m, logger)
	cache := ledger.NewBalanceCache(reader)

	contract := cfg.ContractAddress
	if contract == (common.Address{}) {
		if contract, err = reader.ContractAddress(ctx, cfg.HolderAddress); err != nil {
			return fmt.Errorf("failed to resolve contract address: %w", err)
		}
	}

	refresher, closeRefresher := newRefresher(cfg, reader, cache, logger)
	defer closeRefresher()

	pending := signer.NewPending(cfg.SigningTimeout, cfg.HolderAddress, m, logger)
	policy := relay.DefaultPollPolicy()
	policy.Attempts = cfg.PollAttempts
	policy.Interval = cfg.PollInterval

	orchestrator := transfer.New(transfer.Config{
		Holder:   cfg.HolderAddress,
		Contract: contract,
		LeadTime: cfg.AuthLeadTime,
		Poll:     policy,
	}, cache.Fresh(), pending, relay.NewClient(cfg.RelayURL, nil, m, logger), refresher, m, logger)
	orchestrator.Subscribe(transfer.JournalObserver(store, logger))

	// NATS is optional. Without it there are no transition events and the
	// balance cache is only refreshed in-process.
	var transitions server.TransitionSource
	if pub, err := natspkg.NewPublisher(cfg.NATSURL, m, logger); err != nil {
		logger.Warn("NATS unavailable, transition events disabled", "error", err)
	} else {
		defer pub.Close()
		orchestrator.Subscribe(natspkg.TransitionObserver(pub, logger))
		transitions = natspkg.NewTransitionStream(pub.JetStream(), logger)

		sub, err := natspkg.SubscribeBalances(pub.Conn(), logger, func(event *natspkg.BalanceEvent) {
			for _, b := range event.Balances {
				cache.Set(event.Owner, b)
			}
		})
		if err != nil {
			logger.Warn("failed to subscribe to balance events", "error", err)
		} else {
			defer sub.Unsubscribe()
		}
	}

	httpServer := server.New(cfg.ServerAddr, cfg.HolderAddress, orchestrator, store, pending, cache, transitions, m, logger)
	logger.Info("server ready",
		"contract", contract.Hex(),
		"relay_url", cfg.RelayURL,
		"nats", transitions != nil,
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Start() }()

	var serveFailure error
	select {
	case serveFailure = <-serveErr:
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)
	// Shutdown cancels the running session. Its terminal transition is
	// journaled before the deferred closes release the pool.
	orchestrator.Wait()
	if serveFailure != nil {
		return serveFailure
	}
	if err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	return nil
}

// openJournal connects to Postgres and applies the session schema.
func openJournal(ctx context.Context, url string, m *metrics.Metrics) (*db.Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	store := db.NewStore(pool, m)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, pool.Close, nil
}

// newRefresher schedules post-transfer balance refreshes on Temporal when it
// is reachable and falls back to an in-process timer otherwise.
func newRefresher(cfg *config.Config, reader ledger.BalanceReader, cache *ledger.BalanceCache, logger *slog.Logger) (transfer.Refresher, func()) {
	tc, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, cfg.SettleDelay, logger)
	if err == nil {
		return tc, tc.Close
	}
	logger.Warn("temporal unavailable, refreshing balances in-process", "error", err)
	delayed := ledger.NewDelayedRefresher(reader, cache, cfg.SettleDelay, logger)
	return delayed, delayed.Wait
}

func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
