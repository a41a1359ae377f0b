// Package aggregator implements the Namespace Aggregator (C3): built once
// per Client Session from a Namespace snapshot, it leases a Downstream
// Session per enabled member, merges their catalogs and capabilities behind
// one exposed surface, and routes the outer client's requests to the right
// member.
package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	aggstate "github.com/vivekrp/metamcp-sub002/internal/domain/aggregator"
	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
	domainpool "github.com/vivekrp/metamcp-sub002/internal/domain/pool"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
	"github.com/vivekrp/metamcp-sub002/internal/port/outbound"
	"github.com/vivekrp/metamcp-sub002/internal/service/middleware"
)

// listChangedCoalesce is how long the Aggregator waits after the first
// listChanged notification for a kind before emitting one aggregated
// notification to the outer client (Open Question 3: 150ms).
const listChangedCoalesce = 150 * time.Millisecond

// Pool is the subset of the Session Pool (C2) the Aggregator leases
// from, narrowed to an interface so this package doesn't pin itself to
// internal/service/pool's concrete type.
type Pool interface {
	Lease(ctx context.Context, cfg *upstream.Config) (*domainpool.Session, error)
	Release(fp upstream.Fingerprint, sess *domainpool.Session, reusable bool)
}

// Deps are an Aggregator's fixed collaborators, shared across every
// Client Session.
type Deps struct {
	Pool          Pool
	Control       outbound.ControlPlane
	Logger        *slog.Logger
	ServerName    string
	ServerVersion string
}

// OutboundSink is the narrow send surface the Aggregator writes the outer
// wire through; internal/domain/clientsession.OutboundSink satisfies it.
type OutboundSink interface {
	Send(raw []byte) error
}

type member struct {
	namespace.Member
	config   *upstream.Config
	session  *domainpool.Session
	degraded bool
}

type catalogCache struct {
	items   []middleware.Item
	nameMap *aggstate.NameMap
	dirty   bool
}

// Aggregator is one Client Session's view onto its namespace's members.
type Aggregator struct {
	deps   Deps
	ns     *namespace.Namespace
	chain  *middleware.Chain
	out    OutboundSink
	logger *slog.Logger

	mu           sync.Mutex
	members      []*member
	capabilities map[string]json.RawMessage
	catalogs     map[aggstate.Kind]*catalogCache

	ids             *aggstate.IDMap
	pendingInternal map[string]chan internalReply // memberID\x00innerID -> reply channel, for cache-refresh requests

	sendMu sync.Mutex

	coalesce map[aggstate.Kind]*time.Timer

	watchCtx      context.Context
	watcherCancel context.CancelFunc
	closed        bool
	onNeedsClose  func()
}

// internalReply carries the result of a cache-refresh request the
// Aggregator sends to a member on its own behalf (spec §4.3's "refresh
// cache" step), as opposed to a request forwarded on the outer client's
// behalf, which is dispatched back to the client instead.
type internalReply struct {
	raw json.RawMessage
	err error
}

// New leases a Downstream Session per enabled member, merges capabilities,
// builds the exposed catalog, and starts the per-member notification
// fan-in loops (spec §4.3).
func New(ctx context.Context, deps Deps, ns *namespace.Namespace, out OutboundSink) (*Aggregator, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Aggregator{
		deps:            deps,
		ns:              ns,
		out:             out,
		logger:          logger,
		capabilities:    make(map[string]json.RawMessage),
		catalogs:        make(map[aggstate.Kind]*catalogCache),
		ids:             aggstate.NewIDMap(),
		pendingInternal: make(map[string]chan internalReply),
		coalesce:        make(map[aggstate.Kind]*time.Timer),
	}

	for _, kind := range allKinds {
		a.catalogs[kind] = &catalogCache{nameMap: aggstate.NewNameMap()}
	}

	for _, m := range ns.EnabledMembers() {
		mm := &member{Member: m}
		cfg, err := deps.Control.GetServerConfig(ctx, m.ServerConfigID)
		if err != nil {
			logger.Warn("member config lookup failed, marking degraded", "member", m.ServerConfigID, "error", err)
			mm.degraded = true
			a.members = append(a.members, mm)
			continue
		}
		mm.config = cfg
		sess, err := deps.Pool.Lease(ctx, cfg)
		if err != nil {
			logger.Warn("member lease failed, marking degraded", "member", m.ServerConfigID, "error", err)
			mm.degraded = true
		} else {
			mm.session = sess
		}
		a.members = append(a.members, mm)
	}

	a.mergeCapabilities()
	if err := a.rebuildAllCatalogs(); err != nil {
		return nil, err
	}

	chain, err := middleware.NewChain(ns.Middleware, ns.Members)
	if err != nil {
		return nil, err
	}
	a.chain = chain
	if err := a.applyMiddlewareToAll(ctx); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	a.watchCtx = watchCtx
	a.watcherCancel = cancel
	for _, mm := range a.members {
		if mm.session != nil {
			go a.pumpMember(watchCtx, mm)
		}
	}
	go a.staleWatcher(watchCtx)

	return a, nil
}

var allKinds = []aggstate.Kind{aggstate.KindTool, aggstate.KindPrompt, aggstate.KindResource, aggstate.KindResourceTemplate}

func (a *Aggregator) mergeCapabilities() {
	for _, mm := range a.members {
		if mm.degraded || mm.session == nil {
			continue
		}
		var caps map[string]json.RawMessage
		if err := json.Unmarshal(mm.session.Capabilities, &caps); err != nil {
			continue
		}
		for k, v := range caps {
			if _, ok := a.capabilities[k]; !ok {
				a.capabilities[k] = v
			}
		}
	}
}

// Close releases every member's lease and stops the background loops.
// Satisfies internal/domain/clientsession.Aggregator.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	members := a.members
	a.mu.Unlock()

	if a.watcherCancel != nil {
		a.watcherCancel()
	}
	for _, mm := range members {
		if mm.session == nil {
			continue
		}
		fp := mm.session.Fingerprint
		a.deps.Pool.Release(fp, mm.session, mm.session.Healthy() && !mm.session.Stale())
	}
	return nil
}

func (a *Aggregator) send(raw []byte) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.out.Send(raw)
}

func innerKey(memberID, innerID string) string { return memberID + "\x00" + innerID }
