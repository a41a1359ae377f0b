// Package pool implements the Session Pool (C2): an idle pool of
// fully-initialized Downstream Sessions keyed by server config fingerprint,
// with lease/release/invalidate/shutdown and single-flight warmup.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vivekrp/metamcp-sub002/internal/domain/gwerr"
	"github.com/vivekrp/metamcp-sub002/internal/domain/gwid"
	"github.com/vivekrp/metamcp-sub002/internal/domain/pool"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
	"github.com/vivekrp/metamcp-sub002/internal/port/outbound"
)

// DefaultTargetIdle is the per-fingerprint idle count the pool maintains
// when no override is configured (spec §4.2).
const DefaultTargetIdle = 1

type fingerprintBucket struct {
	mu         sync.Mutex
	idle       []*pool.Session
	leased     map[string]*pool.Session
	generation uint64
	targetIdle int
	warmup     *warmupCall
	everOpened uint64
	everClosed uint64
}

type warmupCall struct {
	done chan struct{}
	err  error
}

// Pool is the Session Pool.
type Pool struct {
	opener outbound.TransportOpener
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	buckets map[upstream.Fingerprint]*fingerprintBucket

	shuttingDown bool
	shutdownWG   sync.WaitGroup
}

func New(opener outbound.TransportOpener, logger *slog.Logger) *Pool {
	return &Pool{
		opener:  opener,
		logger:  logger,
		tracer:  noop.NewTracerProvider().Tracer("pool"),
		buckets: make(map[upstream.Fingerprint]*fingerprintBucket),
	}
}

// SetTracer swaps the Pool's span tracer, used to attach a real provider
// once observability.New has built one (spec §11: a span per downstream
// lease). A Pool built via New already has a working no-op tracer, so
// calling this is optional.
func (p *Pool) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		p.tracer = tracer
	}
}

func (p *Pool) bucket(fp upstream.Fingerprint) *fingerprintBucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[fp]
	if !ok {
		b = &fingerprintBucket{
			leased:     make(map[string]*pool.Session),
			targetIdle: DefaultTargetIdle,
		}
		p.buckets[fp] = b
	}
	return b
}

// Lease implements spec §4.2's lease policy: pop a healthy, non-stale idle
// session if one exists; otherwise open a new one, with at most one
// concurrent warmup per fingerprint. Additional callers block on that
// warmup and, once it resolves, retry from the top — the warming caller is
// the one that claims the freshly opened session as its lease, since a
// session is owned by at most one leaseholder at a time (spec §3); anyone
// else who was waiting either finds it idle (if the warmer released it
// instead of leasing) or triggers its own warmup.
func (p *Pool) Lease(ctx context.Context, cfg *upstream.Config) (*pool.Session, error) {
	ctx, span := p.tracer.Start(ctx, "pool.Lease", trace.WithAttributes(
		attribute.String("upstream.name", cfg.Name),
		attribute.String("upstream.transport", string(cfg.Transport)),
	))
	defer span.End()

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, gwerr.ResourceExhausted(fmt.Errorf("pool is shutting down"))
	}
	p.shutdownWG.Add(1)
	p.mu.Unlock()
	defer p.shutdownWG.Done()

	fp := cfg.Fingerprint()
	b := p.bucket(fp)

	for {
		b.mu.Lock()
		for len(b.idle) > 0 {
			sess := b.idle[0]
			b.idle = b.idle[1:]
			if sess.Healthy() && !sess.Stale() {
				sess.SetState(pool.StateLeased)
				b.leased[sess.ID] = sess
				b.mu.Unlock()
				return sess, nil
			}
			// unhealthy or stale idle entries are discarded, not returned.
			b.everClosed++
			_ = sess.Close()
		}

		if b.warmup != nil {
			call := b.warmup
			b.mu.Unlock()
			if err := p.awaitWarmup(ctx, call); err != nil {
				return nil, err
			}
			continue
		}

		call := &warmupCall{done: make(chan struct{})}
		b.warmup = call
		b.mu.Unlock()

		sess, err := p.warm(ctx, cfg, fp, b)

		b.mu.Lock()
		b.warmup = nil
		if err == nil {
			b.everOpened++
			sess.SetState(pool.StateLeased)
			b.leased[sess.ID] = sess
		}
		b.mu.Unlock()

		call.err = err
		close(call.done)
		return sess, err
	}
}

// awaitWarmup blocks until the in-flight warmup for this fingerprint
// resolves (spec §4.2: "additional lease waiters block until that warmup
// completes or fails"); on success the caller loops back to retry its own
// lease attempt, on failure the error propagates to every waiter.
func (p *Pool) awaitWarmup(ctx context.Context, call *warmupCall) error {
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) warm(ctx context.Context, cfg *upstream.Config, fp upstream.Fingerprint, b *fingerprintBucket) (*pool.Session, error) {
	ch, result, err := p.opener.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	id, err := gwid.NewSessionID()
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	sess := pool.New(id, fp, cfg, ch)
	sess.MarkInitialized(result.ServerInfo, result.Capabilities)
	sess.SetCatalog(result.Catalog)
	return sess, nil
}

// Release implements spec §4.2's release policy.
func (p *Pool) Release(fp upstream.Fingerprint, sess *pool.Session, reusable bool) {
	b := p.bucket(fp)

	b.mu.Lock()
	delete(b.leased, sess.ID)

	stale := sess.Stale()
	unhealthy := !sess.Healthy()
	shouldClose := !reusable || unhealthy || stale

	if shouldClose {
		b.everClosed++
		b.mu.Unlock()
		_ = sess.Close()
		return
	}

	sess.SetState(pool.StatePooled)
	b.idle = append(b.idle, sess)
	needsWarmup := len(b.idle) < b.targetIdle
	b.mu.Unlock()

	if needsWarmup {
		go p.restoreIdle(fp, sess.Config)
	}
}

func (p *Pool) restoreIdle(fp upstream.Fingerprint, cfg *upstream.Config) {
	sess, err := p.Lease(context.Background(), cfg)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("idle warmup failed", "fingerprint", fp.String(), "error", err)
		}
		return
	}
	p.Release(fp, sess, true)
}

// Invalidate implements spec §4.2's invalidation: idle entries for the
// selector are closed immediately; leased entries are marked stale for
// their holder to notice and close gracefully.
func (p *Pool) Invalidate(selector Selector) {
	p.mu.Lock()
	fps := make([]upstream.Fingerprint, 0, len(p.buckets))
	for fp := range p.buckets {
		fps = append(fps, fp)
	}
	p.mu.Unlock()

	for _, fp := range fps {
		if !selector.Matches(fp) {
			continue
		}
		b := p.bucket(fp)
		b.mu.Lock()
		b.generation++
		idle := b.idle
		b.idle = nil
		leased := make([]*pool.Session, 0, len(b.leased))
		for _, s := range b.leased {
			leased = append(leased, s)
		}
		b.mu.Unlock()

		for _, s := range idle {
			_ = s.Close()
			b.mu.Lock()
			b.everClosed++
			b.mu.Unlock()
		}
		for _, s := range leased {
			s.MarkStale()
		}
	}
}

// Selector matches fingerprints for an Invalidate call (spec §3
// "Invalidation Event"); `all` is represented by AllSelector.
type Selector interface {
	Matches(fp upstream.Fingerprint) bool
}

type fingerprintSelector upstream.Fingerprint

func (f fingerprintSelector) Matches(fp upstream.Fingerprint) bool { return upstream.Fingerprint(f) == fp }

// FingerprintSelector targets exactly one fingerprint.
func FingerprintSelector(fp upstream.Fingerprint) Selector { return fingerprintSelector(fp) }

type allSelector struct{}

func (allSelector) Matches(upstream.Fingerprint) bool { return true }

// AllSelector targets every fingerprint in the pool.
var AllSelector Selector = allSelector{}

// Shutdown closes every idle session, refuses new leases, and waits for
// every outstanding lease to be released.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shuttingDown = true
	fps := make([]upstream.Fingerprint, 0, len(p.buckets))
	for fp := range p.buckets {
		fps = append(fps, fp)
	}
	p.mu.Unlock()

	for _, fp := range fps {
		b := p.bucket(fp)
		b.mu.Lock()
		idle := b.idle
		b.idle = nil
		b.mu.Unlock()
		for _, s := range idle {
			_ = s.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		p.shutdownWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time snapshot used by tests asserting pool
// conservation (spec §8 property 1) and by the metrics exporter.
type Stats struct {
	Idle       int
	Leased     int
	EverOpened uint64
	EverClosed uint64
	Generation uint64
}

func (p *Pool) Stats(fp upstream.Fingerprint) Stats {
	b := p.bucket(fp)
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Idle:       len(b.idle),
		Leased:     len(b.leased),
		EverOpened: b.everOpened,
		EverClosed: b.everClosed,
		Generation: b.generation,
	}
}
