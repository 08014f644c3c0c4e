package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/pypay/service/metrics"
	"github.com/brojonat/pypay/service/transfer"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing transfer events to NATS.
type Publisher interface {
	// PublishTransition publishes a phase change to "transfers.{session_id}".
	PublishTransition(ctx context.Context, event *TransitionEvent) error

	// PublishBalances publishes refreshed balances to "balances.{owner}".
	PublishBalances(ctx context.Context, event *BalanceEvent) error

	// Close closes the connection to NATS.
	Close() error
}

const (
	// TransferStreamName is the JetStream stream for transition events.
	TransferStreamName = "TRANSFERS"
	// TransferSubjects is the subject pattern for the transfer stream.
	TransferSubjects = "transfers.*"

	// BalanceStreamName is the JetStream stream for balance refreshes.
	BalanceStreamName = "BALANCES"
	// BalanceSubjects is the subject pattern for the balance stream.
	BalanceSubjects = "balances.*"

	// StreamRetention is how long messages are retained (7 days).
	StreamRetention = 7 * 24 * time.Hour
)

// TransferSubject returns the subject for a session's events.
func TransferSubject(sessionID string) string {
	return "transfers." + sessionID
}

// BalanceSubject returns the subject for an owner's balance events.
func BalanceSubject(owner string) string {
	return "balances." + owner
}

// JetStreamPublisher publishes events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Connect dials NATS with the reconnect settings every component uses.
func Connect(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures both streams exist.
// If metrics is nil, no metrics will be recorded.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := Connect(natsURL, "pypay-publisher")
	if err != nil {
		return nil, err
	}

	// Create JetStream context
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	for _, cfg := range []jetstream.StreamConfig{
		{
			Name:        TransferStreamName,
			Description: "Transfer session phase transitions",
			Subjects:    []string{TransferSubjects},
		},
		{
			Name:        BalanceStreamName,
			Description: "Holder balances after refresh",
			Subjects:    []string{BalanceSubjects},
		},
	} {
		if err := publisher.ensureStream(cfg); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to ensure stream %s exists: %w", cfg.Name, err)
		}
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"streams", []string{TransferStreamName, BalanceStreamName},
	)

	return publisher, nil
}

// Conn exposes the underlying connection for subscribers sharing it.
func (p *JetStreamPublisher) Conn() *nats.Conn {
	return p.nc
}

// JetStream exposes the JetStream context for consumers sharing the connection.
func (p *JetStreamPublisher) JetStream() jetstream.JetStream {
	return p.js
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream(cfg jetstream.StreamConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Try to get existing stream
	stream, err := p.js.Stream(ctx, cfg.Name)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", cfg.Name,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", cfg.Name)

	cfg.Retention = jetstream.LimitsPolicy
	cfg.MaxAge = StreamRetention
	cfg.Storage = jetstream.FileStorage
	cfg.Replicas = 1

	if _, err := p.js.CreateStream(ctx, cfg); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", cfg.Name)
	return nil
}

func (p *JetStreamPublisher) publish(ctx context.Context, stream, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	start := time.Now()
	_, err = p.js.Publish(ctx, subject, data)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(stream, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishTransition publishes a single transition event.
func (p *JetStreamPublisher) PublishTransition(ctx context.Context, event *TransitionEvent) error {
	subject := TransferSubject(event.SessionID.String())
	if err := p.publish(ctx, TransferStreamName, subject, event); err != nil {
		return err
	}

	p.logger.Debug("published transition event",
		"subject", subject,
		"from", string(event.From),
		"to", string(event.To),
	)
	return nil
}

// PublishBalances publishes a balance refresh.
func (p *JetStreamPublisher) PublishBalances(ctx context.Context, event *BalanceEvent) error {
	subject := BalanceSubject(event.Owner.Hex())
	if err := p.publish(ctx, BalanceStreamName, subject, event); err != nil {
		return err
	}

	p.logger.Debug("published balance event",
		"subject", subject,
		"ledgers", len(event.Balances),
	)
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}

// TransitionObserver publishes every orchestrator transition. Publish
// failures are logged and never affect the session.
func TransitionObserver(p Publisher, logger *slog.Logger) transfer.Observer {
	return transfer.ObserverFunc(func(ctx context.Context, t transfer.Transition) {
		if err := p.PublishTransition(ctx, FromTransition(t)); err != nil {
			logger.ErrorContext(ctx, "failed to publish transition",
				"session_id", t.SessionID.String(),
				"phase", string(t.To),
				"error", err,
			)
		}
	})
}

// SubscribeBalances delivers balance events published on nc to fn.
func SubscribeBalances(nc *nats.Conn, logger *slog.Logger, fn func(*BalanceEvent)) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(BalanceSubjects, func(msg *nats.Msg) {
		var event BalanceEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Warn("failed to unmarshal balance event", "subject", msg.Subject, "error", err)
			return
		}
		fn(&event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", BalanceSubjects, err)
	}
	return sub, nil
}
