// Package clientsession implements the Client Session Manager (C5): accepts
// an MCP connection over the SSE or Streamable-HTTP wire shape, builds the
// per-connection Aggregator (C3), and owns the outer wire's single-writer
// ordering guarantee (spec §4.5, §5).
package clientsession

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	domsession "github.com/vivekrp/metamcp-sub002/internal/domain/clientsession"
	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
	"github.com/vivekrp/metamcp-sub002/internal/port/inbound"
	"github.com/vivekrp/metamcp-sub002/internal/port/outbound"
	"github.com/vivekrp/metamcp-sub002/internal/service/aggregator"
)

// outboundQueueSize bounds how many un-drained frames a session holds;
// once it is full, the sink's Send blocks until the stream drains a frame
// or the send's context ends.
const outboundQueueSize = 256

// liveSession is one Manager-owned Client Session: the domain Session plus
// the fan-out queue and pending-request table its OutboundSink uses to
// hand frames back to whichever HTTP handler is currently reading.
type liveSession struct {
	sess       *domsession.Session
	agg        *aggregator.Aggregator
	shape      inbound.WireShape
	endpoint   string
	endpointID string
	createdAt  time.Time

	queue chan []byte

	mu      sync.Mutex
	pending map[string]chan []byte // raw "id" bytes -> waiter, for a synchronous POST awaiting its reply

	idleTimer *time.Timer
}

// Manager implements inbound.SessionManager (C5).
type Manager struct {
	Pool          aggregator.Pool
	Control       outbound.ControlPlane
	Logger        *slog.Logger
	ServerName    string
	ServerVersion string
	// IdleTimeout closes a session that receives no inbound traffic for
	// this long; zero disables the timeout (spec §4.5).
	IdleTimeout time.Duration

	tracer trace.Tracer

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// NewManager constructs a Manager with an empty session table.
func NewManager(pool aggregator.Pool, control outbound.ControlPlane, logger *slog.Logger, serverName, serverVersion string, idleTimeout time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Pool:          pool,
		Control:       control,
		Logger:        logger,
		ServerName:    serverName,
		ServerVersion: serverVersion,
		IdleTimeout:   idleTimeout,
		tracer:        noop.NewTracerProvider().Tracer("clientsession"),
		sessions:      make(map[string]*liveSession),
	}
}

// SetTracer swaps the Manager's span tracer, used to attach a real
// provider once observability.New has built one (spec §11: a span per
// client-session request). A Manager built via NewManager already has a
// working no-op tracer, so calling this is optional.
func (m *Manager) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		m.tracer = tracer
	}
}

func (m *Manager) createSession(ctx context.Context, ep *namespace.Endpoint, principal *outbound.Principal, shape inbound.WireShape) (*liveSession, error) {
	ctx, span := m.tracer.Start(ctx, "clientsession.create", trace.WithAttributes(
		attribute.String("endpoint.name", ep.Name),
		attribute.Int("wire.shape", int(shape)),
	))
	defer span.End()

	ns, err := m.Control.GetNamespace(ctx, ep.NamespaceID)
	if err != nil {
		return nil, err
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	ls := &liveSession{
		shape:      shape,
		endpoint:   ep.Name,
		endpointID: ep.ID,
		createdAt:  time.Now(),
		queue:      make(chan []byte, outboundQueueSize),
		pending:    make(map[string]chan []byte),
	}
	sink := &sessionSink{manager: m, live: ls, logger: m.Logger}

	agg, err := aggregator.New(ctx, aggregator.Deps{
		Pool: m.Pool, Control: m.Control, Logger: m.Logger,
		ServerName: m.ServerName, ServerVersion: m.ServerVersion,
	}, ns, sink)
	if err != nil {
		return nil, err
	}

	principalID := ""
	if principal != nil {
		principalID = principal.ID
	}
	sess := domsession.New(id, ep.ID, principalID, agg, sink, context.Background())
	ls.sess = sess
	ls.agg = agg
	agg.SetCloseNotifier(func() { m.closeSession(id, domsession.ReasonClosedByInvalidation) })

	m.mu.Lock()
	m.sessions[id] = ls
	m.mu.Unlock()

	if m.IdleTimeout > 0 {
		ls.idleTimer = time.AfterFunc(m.IdleTimeout, func() {
			m.closeSession(id, domsession.ReasonClosedByTimeout)
		})
	}

	return ls, nil
}

func (m *Manager) lookup(sessionID string) (*liveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.sessions[sessionID]
	return ls, ok
}

// closeSession is the single teardown path for a Client Session: the
// checked delete under m.mu ensures only the first of however many
// concurrent triggers (client disconnect, idle timeout, Aggregator
// invalidation signal, explicit DELETE, global shutdown) actually tears
// it down.
func (m *Manager) closeSession(id string, reason domsession.TerminalReason) {
	m.mu.Lock()
	ls, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if ls.idleTimer != nil {
		ls.idleTimer.Stop()
	}
	// ls.sess.Close cancels the session's context before returning, which
	// every queue reader and sessionSink.Send already select on; the queue
	// itself is never closed, since a concurrent Send blocked on it (spec
	// §5's suspend-don't-drop back-pressure) racing a close would panic.
	_ = ls.sess.Close(reason)
}

func (ls *liveSession) touch(idleTimeout time.Duration) {
	if idleTimeout <= 0 || ls.idleTimer == nil {
		return
	}
	ls.idleTimer.Reset(idleTimeout)
}

func (ls *liveSession) registerPending(idKey string) chan []byte {
	ch := make(chan []byte, 1)
	ls.mu.Lock()
	ls.pending[idKey] = ch
	ls.mu.Unlock()
	return ch
}

func (ls *liveSession) takePending(idKey string) (chan []byte, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ch, ok := ls.pending[idKey]
	if ok {
		delete(ls.pending, idKey)
	}
	return ch, ok
}

func (ls *liveSession) dropPending(idKey string) {
	ls.mu.Lock()
	delete(ls.pending, idKey)
	ls.mu.Unlock()
}

// CloseForEndpoint closes every live Client Session bound to endpointID
// (the Invalidation Bus's "Endpoint deleted" translation, spec §4.7).
func (m *Manager) CloseForEndpoint(endpointID string, reason domsession.TerminalReason) {
	m.mu.Lock()
	var ids []string
	for id, ls := range m.sessions {
		if ls.endpointID == endpointID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.closeSession(id, reason)
	}
}

// CloseForPrincipal closes every live Client Session owned by principalID
// (the Invalidation Bus's "API key revoked" translation, spec §4.7).
func (m *Manager) CloseForPrincipal(principalID string, reason domsession.TerminalReason) {
	m.mu.Lock()
	var ids []string
	for id, ls := range m.sessions {
		if ls.sess.PrincipalID == principalID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.closeSession(id, reason)
	}
}

// Shutdown closes every live Client Session; used for graceful process
// shutdown (spec §4.5's "global shutdown" termination trigger).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.closeSession(id, domsession.ReasonClosedByClient)
	}
	return nil
}

var _ inbound.SessionManager = (*Manager)(nil)
