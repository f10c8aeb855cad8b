package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyang/delegate-broker/internal/domain/event"
	"github.com/alanyang/delegate-broker/internal/metrics"
	portbroadcast "github.com/alanyang/delegate-broker/internal/port/broadcast"
)

// Session is a streaming connection that notices are pushed to.
type Session interface {
	ID() string
	Send(ctx context.Context, e event.Event) error
}

type attached struct {
	accountID string
	agentID   uuid.UUID
	sessionID string
	session   Session
}

type agentKey struct {
	accountID string
	agentID   uuid.UUID
}

// Hub delivers agent notices that reached this replica. Streaming sessions
// get them pushed; polling agents find them in a bounded buffer on their next poll.
type Hub struct {
	bufferSize int
	metrics    *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*attached
	buffers  map[agentKey][]event.Event
}

func New(bufferSize int, m *metrics.Metrics) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		bufferSize: bufferSize,
		metrics:    m,
		sessions:   make(map[string]*attached),
		buffers:    make(map[agentKey][]event.Event),
	}
}

// Start subscribes the hub to the agent channel of the broadcaster.
func (h *Hub) Start(ctx context.Context, b portbroadcast.Broadcaster) (portbroadcast.Subscription, error) {
	sub, err := b.Subscribe(ctx, event.ChannelAgent, h.Deliver)
	if err != nil {
		return nil, fmt.Errorf("subscribing hub: %w", err)
	}
	return sub, nil
}

// Attach registers a streaming session for an agent.
func (h *Hub) Attach(accountID string, agentID uuid.UUID, sessionID string, s Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = &attached{accountID: accountID, agentID: agentID, sessionID: sessionID, session: s}
	n := len(h.sessions)
	h.mu.Unlock()
	h.metrics.ConnectedAgents.Set(float64(n))
}

func (h *Hub) Detach(s Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID())
	n := len(h.sessions)
	h.mu.Unlock()
	h.metrics.ConnectedAgents.Set(float64(n))
}

// Track starts buffering notices for a polling agent.
func (h *Hub) Track(accountID string, agentID uuid.UUID) {
	key := agentKey{accountID, agentID}
	h.mu.Lock()
	if _, ok := h.buffers[key]; !ok {
		h.buffers[key] = nil
	}
	h.mu.Unlock()
}

// Forget drops the polling buffer of a removed agent.
func (h *Hub) Forget(accountID string, agentID uuid.UUID) {
	h.mu.Lock()
	delete(h.buffers, agentKey{accountID, agentID})
	h.mu.Unlock()
}

// Drain returns and clears the notices buffered for a polling agent.
func (h *Hub) Drain(accountID string, agentID uuid.UUID) []event.Event {
	key := agentKey{accountID, agentID}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.buffers[key]
	h.buffers[key] = nil
	return out
}

// Deliver pushes e to addressed streaming sessions and buffers it for addressed polling agents.
func (h *Hub) Deliver(ctx context.Context, e event.Event) {
	h.mu.Lock()
	var targets []Session
	for _, a := range h.sessions {
		if e.AddressedTo(a.accountID, a.agentID, a.sessionID) {
			targets = append(targets, a.session)
		}
	}
	for key, buf := range h.buffers {
		if !e.AddressedTo(key.accountID, key.agentID, "") {
			continue
		}
		if len(buf) >= h.bufferSize {
			buf = buf[1:]
		}
		h.buffers[key] = append(buf, e)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if err := s.Send(ctx, e); err != nil {
			slog.WarnContext(ctx, "hub: push failed", "session", s.ID(), "type", e.Type, "error", err)
		}
	}
}
