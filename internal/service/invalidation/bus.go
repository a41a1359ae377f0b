// Package invalidation implements the Invalidation Bus (C7): it subscribes
// to the control plane's change stream and translates each event into the
// targeted pool invalidation or live-session close spec §4.7 calls for.
package invalidation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	domsession "github.com/vivekrp/metamcp-sub002/internal/domain/clientsession"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
	"github.com/vivekrp/metamcp-sub002/internal/port/outbound"
	"github.com/vivekrp/metamcp-sub002/internal/service/pool"
)

// defaultCoalesce is spec §4.7's default coalescing window: multiple
// change events for the same selector within this window collapse into
// one translation.
const defaultCoalesce = 200 * time.Millisecond

// invalidator is the subset of the Session Pool (C2) the bus drives.
type invalidator interface {
	Invalidate(sel pool.Selector)
}

// sessionCloser is the subset of the Client Session Manager (C5) the bus
// drives for endpoint- and principal-scoped closes.
type sessionCloser interface {
	CloseForEndpoint(endpointID string, reason domsession.TerminalReason)
	CloseForPrincipal(principalID string, reason domsession.TerminalReason)
}

// Bus is the Invalidation Bus (C7).
type Bus struct {
	Control  outbound.ControlPlane
	Pool     invalidator
	Sessions sessionCloser
	Logger   *slog.Logger
	// Coalesce is the window within which repeated events for the same
	// (kind, id) pair collapse into one translation; zero uses
	// defaultCoalesce.
	Coalesce time.Duration

	mu sync.Mutex
	// fingerprints remembers the last fingerprint observed for each
	// ServerConfig id, since a "deleted" event's id can no longer be
	// resolved to a Config through the control plane by the time it's
	// translated.
	fingerprints map[string]upstream.Fingerprint
	pending      map[string]*time.Timer
}

// New constructs a Bus with its own translation state.
func New(control outbound.ControlPlane, p invalidator, sessions sessionCloser, logger *slog.Logger, coalesce time.Duration) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		Control:      control,
		Pool:         p,
		Sessions:     sessions,
		Logger:       logger,
		Coalesce:     coalesce,
		fingerprints: make(map[string]upstream.Fingerprint),
		pending:      make(map[string]*time.Timer),
	}
}

// Run subscribes to the control plane's change stream and translates
// events until ctx is cancelled or the stream closes.
func (b *Bus) Run(ctx context.Context) error {
	events, err := b.Control.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.schedule(ctx, ev)
		}
	}
}

func coalesceKey(ev outbound.ChangeEvent) string {
	return string(rune('0'+int(ev.Kind))) + "\x00" + ev.ID
}

// schedule de-duplicates repeated events for the same selector within the
// coalescing window, applying the translation once after the window
// elapses (spec §4.7's "collapse into one").
func (b *Bus) schedule(ctx context.Context, ev outbound.ChangeEvent) {
	key := coalesceKey(ev)
	window := b.Coalesce
	if window <= 0 {
		window = defaultCoalesce
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, already := b.pending[key]; already {
		return
	}
	b.pending[key] = time.AfterFunc(window, func() {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
		b.apply(ctx, ev)
	})
}

func (b *Bus) apply(ctx context.Context, ev outbound.ChangeEvent) {
	switch ev.Kind {
	case outbound.ChangeServerConfigUpdated, outbound.ChangeServerConfigDeleted:
		b.invalidateServerConfig(ctx, ev.ID)
	case outbound.ChangeNamespaceMembership:
		b.invalidateNamespace(ctx, ev.ID)
	case outbound.ChangeEndpointDeleted:
		b.Sessions.CloseForEndpoint(ev.ID, domsession.ReasonClosedByInvalidation)
	case outbound.ChangeAPIKeyRevoked:
		b.Sessions.CloseForPrincipal(ev.ID, domsession.ReasonClosedByInvalidation)
	}
}

// invalidateServerConfig invalidates the fingerprint the pool leased
// sessions under before this update/delete, then (for an update) learns
// the new fingerprint so a later update/delete can invalidate it too; the
// new fingerprint warms lazily on next lease, never eagerly (spec §4.7).
func (b *Bus) invalidateServerConfig(ctx context.Context, id string) {
	b.mu.Lock()
	oldFP, hadOld := b.fingerprints[id]
	b.mu.Unlock()
	if hadOld {
		b.Pool.Invalidate(pool.FingerprintSelector(oldFP))
	}

	cfg, err := b.Control.GetServerConfig(ctx, id)
	if err != nil {
		b.mu.Lock()
		delete(b.fingerprints, id)
		b.mu.Unlock()
		return
	}
	b.mu.Lock()
	b.fingerprints[id] = cfg.Fingerprint()
	b.mu.Unlock()
}

// invalidateNamespace invalidates every member's fingerprint in the
// namespace. The Session Pool has no namespace-scoped selector (only
// per-fingerprint), so this is broader than spec §4.7's "only N's idle
// leases and live Aggregators" — a member shared by another namespace is
// re-leased too, which is harmless since the member's own config is
// unchanged, just momentarily re-warmed.
func (b *Bus) invalidateNamespace(ctx context.Context, namespaceID string) {
	ns, err := b.Control.GetNamespace(ctx, namespaceID)
	if err != nil {
		b.Logger.Warn("invalidation: namespace lookup failed", "namespace", namespaceID, "error", err)
		return
	}
	for _, member := range ns.Members {
		cfg, err := b.Control.GetServerConfig(ctx, member.ServerConfigID)
		if err != nil {
			continue
		}
		b.Pool.Invalidate(pool.FingerprintSelector(cfg.Fingerprint()))
	}
}
