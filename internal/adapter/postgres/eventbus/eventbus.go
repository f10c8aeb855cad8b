package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/delegate-broker/internal/domain/event"
	portbroadcast "github.com/alanyang/delegate-broker/internal/port/broadcast"
)

// maxPayload stays under the 8000 byte NOTIFY limit.
const maxPayload = 7900

var _ portbroadcast.Broadcaster = (*EventBus)(nil)

// EventBus fans notices out to every replica through Postgres LISTEN/NOTIFY.
type EventBus struct {
	pool      *pgxpool.Pool
	reconnect time.Duration
}

func New(pool *pgxpool.Pool) *EventBus {
	return &EventBus{pool: pool, reconnect: 500 * time.Millisecond}
}

// Publish sends a notice on the channel for its type. A response whose payload
// would overflow NOTIFY is sent without its outcome data.
func (eb *EventBus) Publish(ctx context.Context, e event.Event) error {
	payload, err := encode(e)
	if err != nil {
		return err
	}
	channel := channelName(event.ChannelFor(e.Type))
	if _, err := eb.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

func encode(e event.Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal notice: %w", err)
	}
	if len(payload) <= maxPayload {
		return payload, nil
	}
	if e.Result == nil || e.Result.Outcome.Data == nil {
		return nil, fmt.Errorf("notice %s is %d bytes, over the notify limit", e.Type, len(payload))
	}
	res := *e.Result
	res.Outcome.Data = map[string]any{"truncated": true}
	e.Result = &res
	slog.Warn("outcome data dropped from oversized notice", "task_id", res.TaskID, "bytes", len(payload))
	return encode(e)
}

// Subscribe LISTENs on the channel in a background goroutine and invokes
// handler for every notice any replica publishes to it. A lost connection is
// reacquired with backoff until the subscription is cancelled.
func (eb *EventBus) Subscribe(ctx context.Context, ch event.Channel, handler portbroadcast.Handler) (portbroadcast.Subscription, error) {
	channel := channelName(ch)
	conn, err := eb.listen(ctx, channel)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		for {
			eb.receive(subCtx, conn, channel, handler)
			unlisten(conn, channel)
			if subCtx.Err() != nil {
				return
			}
			conn, err = eb.relisten(subCtx, channel)
			if err != nil {
				return
			}
		}
	}()
	return sub, nil
}

// receive dispatches notifications until the connection fails or ctx ends.
func (eb *EventBus) receive(ctx context.Context, conn *pgxpool.Conn, channel string, handler portbroadcast.Handler) {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.WarnContext(ctx, "listen connection lost", "channel", channel, "error", err)
			}
			return
		}
		var e event.Event
		if err := json.Unmarshal([]byte(n.Payload), &e); err != nil {
			slog.WarnContext(ctx, "dropping malformed notice", "channel", channel, "error", err)
			continue
		}
		handler(ctx, e)
	}
}

func (eb *EventBus) relisten(ctx context.Context, channel string) (*pgxpool.Conn, error) {
	var conn *pgxpool.Conn
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(eb.reconnect),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	err := r.Do(func() error {
		c, err := eb.listen(ctx, channel)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "listen connection restored", "channel", channel)
	return conn, nil
}

func (eb *EventBus) listen(ctx context.Context, channel string) (*pgxpool.Conn, error) {
	conn, err := eb.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return conn, nil
}

func unlisten(conn *pgxpool.Conn, channel string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN "+channel); err != nil {
		// The session is unusable; keep it out of the pool.
		conn.Hijack().Close(ctx) //nolint:errcheck
		return
	}
	conn.Release()
}

// channelName converts a Channel to a safe Postgres channel identifier.
func channelName(ch event.Channel) string {
	return "delegate_" + string(ch)
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}
