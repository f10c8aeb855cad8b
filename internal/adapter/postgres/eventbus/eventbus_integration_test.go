//go:build integration

package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/delegate-broker/internal/adapter/postgres/eventbus"
	"github.com/alanyang/delegate-broker/internal/domain/event"
	"github.com/alanyang/delegate-broker/internal/testutil"
)

func TestEventBus_DeliversAcrossConnections(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	bus := eventbus.New(pool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan event.Event, 4)
	sub, err := bus.Subscribe(ctx, event.ChannelAgent, func(_ context.Context, e event.Event) { got <- e })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	agentID := uuid.New()
	require.NoError(t, bus.Publish(ctx, event.SelfDestruct("acct", agentID, "s1")))

	select {
	case e := <-got:
		assert.Equal(t, event.TypeSelfDestruct, e.Type)
		require.NotNil(t, e.AgentID)
		assert.Equal(t, agentID, *e.AgentID)
		assert.Equal(t, "s1", e.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("notice not delivered")
	}
}
