package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// TransitionStream reads transition events back out of the TRANSFERS stream
// through ephemeral consumers.
type TransitionStream struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewTransitionStream reads from js, normally the publisher's JetStream.
func NewTransitionStream(js jetstream.JetStream, logger *slog.Logger) *TransitionStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransitionStream{js: js, logger: logger}
}

// Subscribe delivers raw TransitionEvent payloads published on subject after
// the call. Delivery stops when ctx is done. The channel is never closed.
func (s *TransitionStream) Subscribe(ctx context.Context, subject string) (<-chan []byte, error) {
	cons, err := s.js.CreateOrUpdateConsumer(ctx, TransferStreamName, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", subject, err)
	}

	out := make(chan []byte, 16)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case out <- msg.Data():
		case <-ctx.Done():
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		s.logger.Warn("transition consumer error", "subject", subject, "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		cc.Stop()
	}()
	return out, nil
}
