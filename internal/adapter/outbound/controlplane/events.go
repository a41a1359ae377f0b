package controlplane

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vivekrp/metamcp-sub002/internal/port/outbound"
)

// changeEventBuffer bounds how many unconsumed change events a subscriber
// holds before new ones are dropped; a slow or stalled Invalidation Bus
// must never block the facade's mutation path.
const changeEventBuffer = 64

// broadcaster fans one published ChangeEvent out to every live Subscribe
// caller. There is exactly one consumer in this gateway (the Invalidation
// Bus), but the facade makes no such assumption.
type broadcaster struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan outbound.ChangeEvent]struct{}
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{logger: logger, subs: make(map[chan outbound.ChangeEvent]struct{})}
}

func (b *broadcaster) subscribe(ctx context.Context) <-chan outbound.ChangeEvent {
	ch := make(chan outbound.ChangeEvent, changeEventBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}()

	return ch
}

func (b *broadcaster) publish(ev outbound.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("invalidation subscriber queue full, dropping change event",
				"kind", ev.Kind, "id", ev.ID)
		}
	}
}
