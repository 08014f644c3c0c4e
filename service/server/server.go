package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/pypay/service/ledger"
	"github.com/brojonat/pypay/service/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for the transfer service.
type Server struct {
	addr        string
	holder      common.Address
	transfers   Transfers
	store       SessionStore
	signatures  SignatureRequests
	balances    ledger.BalanceReader
	transitions TransitionSource
	metrics     *metrics.Metrics
	logger      *slog.Logger
	server      *http.Server

	// ctx bounds the sessions started over HTTP; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new HTTP server with the given dependencies.
// The store is optional - if nil, only in-memory sessions can be read.
// The signatures source is optional - if nil, signature endpoints won't be available.
// The transitions source is optional - if nil, the SSE endpoint is not registered.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, holder common.Address, transfers Transfers, store SessionStore, signatures SignatureRequests, balances ledger.BalanceReader, transitions TransitionSource, m *metrics.Metrics, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		holder:      holder,
		transfers:   transfers,
		store:       store,
		signatures:  signatures,
		balances:    balances,
		transitions: transitions,
		metrics:     m,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Handler builds the routed handler. Start serves it; tests use it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	instrument := metrics.HTTPMetricsMiddleware(s.metrics)
	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, instrument(h))
	}

	// Transfer routes
	route("POST /api/v1/transfers", handleStartTransfer(s.ctx, s.transfers, s.logger))
	route("GET /api/v1/transfers/current", handleCurrentTransfer(s.transfers))
	route("GET /api/v1/transfers/{id}", handleGetTransfer(s.transfers, s.store, s.logger))
	if s.store != nil {
		route("GET /api/v1/transfers", handleListTransfers(s.store, s.holder, s.logger))
	}

	// Balance routes
	route("GET /api/v1/balances", handleGetBalances(s.balances, s.holder, s.logger))
	route("GET /api/v1/plan", handlePreviewPlan(s.balances, s.holder, s.logger))

	// Signing routes
	if s.signatures != nil {
		route("GET /api/v1/signature-requests/current", handleCurrentSignatureRequest(s.signatures))
		route("POST /api/v1/signature-requests/{id}", handleAnswerSignatureRequest(s.signatures, s.logger))
	}

	// SSE transition stream
	if s.transitions != nil {
		route("GET /api/v1/stream/transfers", handleStreamTransfers(s.ctx, s.transitions, s.metrics, s.logger))
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if s.transitions == nil {
		s.logger.Warn("transition source not configured, streaming endpoint disabled")
	}
	if s.signatures == nil {
		s.logger.Warn("signature requests not configured, signing endpoints disabled")
	}

	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE responses stay open.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr, "holder", s.holder.Hex())
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server. Sessions started over HTTP
// are cancelled and end as abandoned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Also ends open SSE streams.
	s.cancel()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
