package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/delegate-broker/internal/adapter/memory"
	"github.com/alanyang/delegate-broker/internal/adapter/sqlite"
	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	domainalert "github.com/alanyang/delegate-broker/internal/domain/alert"
	"github.com/alanyang/delegate-broker/internal/domain/event"
)

// OpenStore opens a throwaway SQLite store under the test's temp dir.
func OpenStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// CaptureBroadcaster records every published event and fans it out in-process.
type CaptureBroadcaster struct {
	*memory.Broadcaster

	mu     sync.Mutex
	Events []event.Event
}

func NewCaptureBroadcaster() *CaptureBroadcaster {
	return &CaptureBroadcaster{Broadcaster: memory.NewBroadcaster()}
}

func (c *CaptureBroadcaster) Publish(ctx context.Context, e event.Event) error {
	c.mu.Lock()
	c.Events = append(c.Events, e)
	c.mu.Unlock()
	return c.Broadcaster.Publish(ctx, e)
}

// OfType returns the recorded events of the given type.
func (c *CaptureBroadcaster) OfType(t event.Type) []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Event
	for _, e := range c.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// CaptureAlerts is an alert sink that records every alert.
type CaptureAlerts struct {
	mu     sync.Mutex
	Alerts []domainalert.Alert
}

func (c *CaptureAlerts) Raise(_ context.Context, a domainalert.Alert) {
	c.mu.Lock()
	c.Alerts = append(c.Alerts, a)
	c.mu.Unlock()
}

func (c *CaptureAlerts) Kinds() []domainalert.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domainalert.Kind, 0, len(c.Alerts))
	for _, a := range c.Alerts {
		out = append(out, a.Kind)
	}
	return out
}

// CreateAgent inserts an enabled agent with the given selectors.
func CreateAgent(t *testing.T, s *sqlite.Store, accountID, name string, mode domainagent.ConnectionMode, selectors ...string) domainagent.Agent {
	t.Helper()
	a := domainagent.New(accountID, name, name+"-host", domainagent.TypeShell, mode)
	if len(selectors) > 0 {
		a.ExplicitSelectors = selectors
	}
	created, err := s.Agents().Create(context.Background(), a)
	require.NoError(t, err)
	return created
}

// Connect records a live connection and heartbeat for the agent at now.
func Connect(t *testing.T, s *sqlite.Store, a domainagent.Agent, now time.Time, ttl time.Duration) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Connections().Upsert(ctx, domainagent.Connection{
		AgentID:         a.ID,
		AccountID:       a.AccountID,
		SessionID:       SessionID(t),
		LastHeartbeatAt: now,
	}))
	require.NoError(t, s.Agents().Touch(ctx, a.ID, now, now.Add(ttl)))
}

// SessionID returns a fresh UUIDv7 session id.
func SessionID(t *testing.T) string {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return id.String()
}
