// Package clientsession holds the runtime Client Session type created by
// the Client Session Manager (C5) on MCP initialize from the outside world.
package clientsession

import (
	"context"
	"sync"
	"time"
)

// TerminalReason records why a Client Session ended.
type TerminalReason string

const (
	ReasonClosedByClient      TerminalReason = "closed-by-client"
	ReasonClosedByTimeout     TerminalReason = "closed-by-timeout"
	ReasonClosedByInvalidation TerminalReason = "closed-by-invalidation"
)

// OutboundSink is the outer wire's single-writer send path; the Aggregator
// and the Client Session Manager both write through it, never directly to
// the transport, preserving the ordering guarantee of spec §5.
type OutboundSink interface {
	// Send enqueues one frame for delivery on the outer wire. It must
	// preserve submission order.
	Send(raw []byte) error
}

// Aggregator is the subset of the per-session Aggregator (C3) the Client
// Session needs to drive lifecycle, kept as an interface here so this
// domain package doesn't import the service layer.
type Aggregator interface {
	Close() error
}

// Session is one open MCP connection from an external client into the
// gateway.
type Session struct {
	ID          string
	EndpointID  string
	PrincipalID string

	Aggregator Aggregator
	Outbound   OutboundSink

	CreatedAt time.Time

	cancel context.CancelFunc
	ctx    context.Context

	mu     sync.Mutex
	closed bool
	reason TerminalReason
}

// New constructs a Session bound to ctx; cancelling ctx (directly, or via
// the returned CancelFunc) is the session's cancellation scope, propagated
// to every outstanding inner request when the session closes.
func New(id, endpointID, principalID string, agg Aggregator, out OutboundSink, parent context.Context) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:          id,
		EndpointID:  endpointID,
		PrincipalID: principalID,
		Aggregator:  agg,
		Outbound:    out,
		CreatedAt:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Context is the session's cancellation scope.
func (s *Session) Context() context.Context { return s.ctx }

// Close is idempotent: the Aggregator is closed (returning every lease to
// the pool) at most once, and the session's cancellation scope is always
// cancelled so any outstanding inner requests unwind.
func (s *Session) Close(reason TerminalReason) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.reason = reason
	s.mu.Unlock()

	s.cancel()
	return s.Aggregator.Close()
}

// Closed reports whether Close has already run, and if so, why.
func (s *Session) Closed() (bool, TerminalReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.reason
}
