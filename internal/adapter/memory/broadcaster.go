package memory

import (
	"context"
	"sync"

	"github.com/alanyang/delegate-broker/internal/domain/event"
	portbroadcast "github.com/alanyang/delegate-broker/internal/port/broadcast"
)

// Broadcaster fans notices out inside one process. It backs single-node
// deployments on the embedded store, where there is no other replica to reach.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[event.Channel]map[*subscription]portbroadcast.Handler
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[event.Channel]map[*subscription]portbroadcast.Handler)}
}

func (b *Broadcaster) Publish(ctx context.Context, e event.Event) error {
	ch := event.ChannelFor(e.Type)
	b.mu.RLock()
	handlers := make([]portbroadcast.Handler, 0, len(b.subs[ch]))
	for _, h := range b.subs[ch] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, e)
	}
	return nil
}

func (b *Broadcaster) Subscribe(_ context.Context, ch event.Channel, handler portbroadcast.Handler) (portbroadcast.Subscription, error) {
	sub := &subscription{}
	b.mu.Lock()
	if b.subs[ch] == nil {
		b.subs[ch] = make(map[*subscription]portbroadcast.Handler)
	}
	b.subs[ch][sub] = handler
	b.mu.Unlock()

	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs[ch], sub)
		b.mu.Unlock()
	}
	return sub, nil
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() { s.once.Do(s.cancel) }
