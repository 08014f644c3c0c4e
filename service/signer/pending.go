package signer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/pypay/service/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type outcome struct {
	sig []byte
	err error
}

type pendingRequest struct {
	req    Request
	result chan outcome
}

// Pending is a Gateway for an out-of-process holder (the HTTP API). It
// parks each request until Resolve or Reject is called for it, or until the
// timeout elapses. At most one request is outstanding.
type Pending struct {
	timeout time.Duration
	holder  common.Address
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	current *pendingRequest
}

// NewPending creates a gateway. If holder is non-zero, resolved signatures
// must recover to it. If metrics is nil, no metrics will be recorded.
func NewPending(timeout time.Duration, holder common.Address, m *metrics.Metrics, logger *slog.Logger) *Pending {
	return &Pending{
		timeout: timeout,
		holder:  holder,
		metrics: m,
		logger:  logger,
	}
}

// RequestSignature blocks until the request is resolved, rejected or times out.
func (p *Pending) RequestSignature(ctx context.Context, req Request) ([]byte, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	pr := &pendingRequest{req: req, result: make(chan outcome, 1)}

	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		return nil, ErrRequestPending
	}
	p.current = pr
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.current == pr {
			p.current = nil
		}
		p.mu.Unlock()
	}()

	p.logger.InfoContext(ctx, "awaiting signature",
		"request_id", req.ID.String(),
		"session_id", req.SessionID,
		"purpose", req.Purpose,
		"digest", req.Digest.Hex(),
	)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	start := time.Now()
	var res outcome
	select {
	case res = <-pr.result:
	case <-timer.C:
		res = outcome{err: ErrSigningTimeout}
	case <-ctx.Done():
		res = outcome{err: ctx.Err()}
	}

	if p.metrics != nil {
		p.metrics.RecordSignatureWait(req.Purpose, waitOutcome(res.err), time.Since(start).Seconds())
	}
	if res.err != nil {
		p.logger.WarnContext(ctx, "signature not obtained",
			"request_id", req.ID.String(),
			"error", res.err,
		)
		return nil, res.err
	}
	return res.sig, nil
}

func waitOutcome(err error) string {
	switch err {
	case nil:
		return "signed"
	case ErrUserRejected:
		return "rejected"
	case ErrSigningTimeout:
		return "timeout"
	default:
		return "cancelled"
	}
}

// Current returns the outstanding request, if any.
func (p *Pending) Current() (Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Request{}, false
	}
	return p.current.req, true
}

func (p *Pending) take(id uuid.UUID) (*pendingRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.req.ID != id {
		return nil, ErrUnknownRequest
	}
	pr := p.current
	p.current = nil
	return pr, nil
}

// Resolve completes the request with sig. The signature is checked before
// the request is consumed, so a bad submission can be retried.
func (p *Pending) Resolve(id uuid.UUID, sig []byte) error {
	req, ok := p.Current()
	if !ok || req.ID != id {
		return ErrUnknownRequest
	}
	if len(sig) != SignatureLength {
		return ErrInvalidLength
	}
	if p.holder != (common.Address{}) {
		addr, err := Recover(req.Digest, sig)
		if err != nil {
			return err
		}
		if addr != p.holder {
			return fmt.Errorf("%w: got %s", ErrSignerMismatch, addr.Hex())
		}
	}

	pr, err := p.take(id)
	if err != nil {
		return err
	}
	pr.result <- outcome{sig: append([]byte(nil), sig...)}
	return nil
}

// Reject completes the request with ErrUserRejected.
func (p *Pending) Reject(id uuid.UUID) error {
	pr, err := p.take(id)
	if err != nil {
		return err
	}
	pr.result <- outcome{err: ErrUserRejected}
	return nil
}
