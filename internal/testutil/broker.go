package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyang/delegate-broker/internal/adapter/evaluator"
	"github.com/alanyang/delegate-broker/internal/adapter/flags"
	"github.com/alanyang/delegate-broker/internal/adapter/memory"
	"github.com/alanyang/delegate-broker/internal/adapter/sqlite"
	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/hub"
	"github.com/alanyang/delegate-broker/internal/metrics"
	portcallback "github.com/alanyang/delegate-broker/internal/port/callback"
	portflags "github.com/alanyang/delegate-broker/internal/port/flags"
	"github.com/alanyang/delegate-broker/internal/service/capability"
	"github.com/alanyang/delegate-broker/internal/service/registry"
	"github.com/alanyang/delegate-broker/internal/service/response"
	"github.com/alanyang/delegate-broker/internal/service/scheduler"
	"github.com/alanyang/delegate-broker/internal/service/slot"
	"github.com/alanyang/delegate-broker/internal/service/validation"
)

const HeartbeatTTL = 3 * time.Minute

type BrokerOptions struct {
	Admission scheduler.Config
	Flags     portflags.Flags
	Callbacks portcallback.Driver
}

// Broker is the full service stack over a SQLite store and a fake clock.
type Broker struct {
	Store      *sqlite.Store
	Clock      *Clock
	Bus        *CaptureBroadcaster
	Alerts     *CaptureAlerts
	Whitelist  *memory.WhitelistCache
	Callbacks  *CaptureCallbacks
	Registry   *registry.Service
	Resolver   *capability.Resolver
	Router     *response.Router
	Scheduler  *scheduler.Service
	Validation *validation.Coordinator
	Slots      *slot.Allocator
	Hub        *hub.Hub
}

func NewBroker(t *testing.T, opts BrokerOptions) *Broker {
	t.Helper()
	b := &Broker{
		Store:     OpenStore(t),
		Clock:     NewClock(),
		Bus:       NewCaptureBroadcaster(),
		Alerts:    &CaptureAlerts{},
		Whitelist: memory.NewWhitelistCache(1000, time.Hour),
		Callbacks: &CaptureCallbacks{},
	}
	if opts.Flags == nil {
		opts.Flags = flags.NewStatic(nil, nil)
	}
	var callbacks portcallback.Driver = b.Callbacks
	if opts.Callbacks != nil {
		callbacks = opts.Callbacks
	}
	m := metrics.New(nil)

	b.Registry = registry.NewService(b.Store.Agents(), b.Store.Connections(), b.Bus, b.Alerts, m,
		registry.Config{HeartbeatTTL: HeartbeatTTL})
	b.Registry.SetClock(b.Clock.Now)
	b.Resolver = capability.NewResolver(b.Store.SelectorMaps(), b.Store.Profiles(), b.Registry)

	waits := response.NewWaitRegistry()
	b.Router = response.NewRouter(b.Store.Tasks(), b.Resolver, b.Whitelist, waits, b.Bus, callbacks, m)
	b.Router.SetClock(b.Clock.Now)

	b.Scheduler = scheduler.NewService(b.Store.Tasks(), b.Registry, b.Resolver, evaluator.New(evaluator.StaticSecrets{}),
		opts.Flags, b.Bus, b.Alerts, b.Router, waits, m, opts.Admission)
	b.Scheduler.SetClock(b.Clock.Now)

	b.Validation = validation.NewCoordinator(b.Store.Tasks(), b.Resolver, b.Whitelist, opts.Flags, b.Scheduler,
		b.Router, b.Alerts, m, validation.DefaultTimeout)
	b.Validation.SetClock(b.Clock.Now)

	b.Slots = slot.NewAllocator(b.Store.Agents(), b.Store.Slots(), b.Registry, m,
		slot.Config{Staleness: 5 * time.Minute, RetryDelay: time.Millisecond})
	b.Slots.SetClock(b.Clock.Now)
	b.Hub = hub.New(16, m)
	return b
}

// ConnectedAgent creates an enabled agent and gives it a live connection.
func (b *Broker) ConnectedAgent(t *testing.T, name string, selectors ...string) domainagent.Agent {
	t.Helper()
	a := CreateAgent(t, b.Store, "acct", name, domainagent.ModeStreaming, selectors...)
	Connect(t, b.Store, a, b.Clock.Now(), HeartbeatTTL)
	return a
}

// Submit queues an async task of the given kind for account "acct".
func (b *Broker) Submit(t *testing.T, kind domaintask.Kind, params map[string]any) domaintask.Task {
	t.Helper()
	task, err := b.Scheduler.Submit(context.Background(), scheduler.SubmitRequest{
		AccountID:        "acct",
		Kind:             kind,
		Async:            true,
		Parameters:       params,
		CallbackDriverID: "test",
	})
	require.NoError(t, err)
	return task
}

// CaptureCallbacks is a callback driver that records every delivered result.
type CaptureCallbacks struct {
	mu      sync.Mutex
	Results []domaintask.Result
}

func (c *CaptureCallbacks) Notify(_ context.Context, _ string, r domaintask.Result) error {
	c.mu.Lock()
	c.Results = append(c.Results, r)
	c.mu.Unlock()
	return nil
}

func (c *CaptureCallbacks) Codes() []domaintask.ResponseCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domaintask.ResponseCode, 0, len(c.Results))
	for _, r := range c.Results {
		out = append(out, r.Outcome.Code)
	}
	return out
}
