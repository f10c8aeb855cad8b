package broadcast

import (
	"context"

	"github.com/alanyang/delegate-broker/internal/domain/event"
)

type Handler func(ctx context.Context, e event.Event)

type Subscription interface {
	Unsubscribe()
}

// Broadcaster is the persistent cross-replica channel used for agent notices
// and remote sync-response resolution.
type Broadcaster interface {
	Publish(ctx context.Context, e event.Event) error
	Subscribe(ctx context.Context, ch event.Channel, handler Handler) (Subscription, error)
}
