package nats

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// RecordingPublisher keeps published events in memory. It satisfies Publisher
// for tests that have no NATS server.
type RecordingPublisher struct {
	mu          sync.Mutex
	transitions []*TransitionEvent
	balances    []*BalanceEvent
	err         error
	closed      bool
}

// NewRecordingPublisher returns an empty RecordingPublisher.
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

func (p *RecordingPublisher) PublishTransition(_ context.Context, event *TransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.transitions = append(p.transitions, event)
	return nil
}

func (p *RecordingPublisher) PublishBalances(_ context.Context, event *BalanceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.balances = append(p.balances, event)
	return nil
}

func (p *RecordingPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Fail makes every later publish return err. A nil err clears it.
func (p *RecordingPublisher) Fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Transitions returns the recorded transition events, optionally narrowed to
// the given sessions.
func (p *RecordingPublisher) Transitions(sessions ...uuid.UUID) []*TransitionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(sessions) == 0 {
		return slices.Clone(p.transitions)
	}
	var out []*TransitionEvent
	for _, e := range p.transitions {
		if slices.Contains(sessions, e.SessionID) {
			out = append(out, e)
		}
	}
	return out
}

func (p *RecordingPublisher) BalanceEvents() []*BalanceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.balances)
}

func (p *RecordingPublisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
