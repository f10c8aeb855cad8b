package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/alanyang/delegate-broker/internal/domain/event"
	portbroadcast "github.com/alanyang/delegate-broker/internal/port/broadcast"
)

// Broadcaster is the Redis pub/sub implementation of port/broadcast.Broadcaster.
type Broadcaster struct {
	rdb            *goredis.Client
	reconnectDelay time.Duration
}

func NewBroadcaster(rdb *goredis.Client) *Broadcaster {
	return &Broadcaster{rdb: rdb, reconnectDelay: time.Second}
}

func (b *Broadcaster) Publish(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	ch := channelKey(event.ChannelFor(e.Type))
	if err := b.rdb.Publish(ctx, ch, payload).Err(); err != nil {
		return fmt.Errorf("publishing event on channel %s: %w", ch, err)
	}
	return nil
}

// Subscribe keeps a subscription alive across Redis reconnects until the
// returned Subscription is closed or ctx ends.
func (b *Broadcaster) Subscribe(ctx context.Context, ch event.Channel, handler portbroadcast.Handler) (portbroadcast.Subscription, error) {
	channel := channelKey(ch)

	// Fail fast if Redis is unreachable at startup.
	first := b.rdb.Subscribe(ctx, channel)
	if _, err := first.Receive(ctx); err != nil {
		first.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		pubsub := first
		for {
			b.pump(subCtx, pubsub, channel, handler)
			pubsub.Close()
			if subCtx.Err() != nil {
				return
			}

			select {
			case <-subCtx.Done():
				return
			case <-time.After(b.reconnectDelay):
			}

			pubsub = b.rdb.Subscribe(subCtx, channel)
			if _, err := pubsub.Receive(subCtx); err != nil {
				slog.Error("failed to resubscribe", "channel", channel, "error", err)
				continue
			}
			slog.Info("resubscribed", "channel", channel)
		}
	}()

	return sub, nil
}

// pump delivers messages until the pubsub channel closes or ctx ends.
func (b *Broadcaster) pump(ctx context.Context, pubsub *goredis.PubSub, channel string, handler portbroadcast.Handler) {
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var e event.Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				slog.Error("invalid notice payload", "channel", channel, "error", err)
				continue
			}
			handler(ctx, e)
		}
	}
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}
