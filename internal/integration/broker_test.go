//go:build integration

package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/delegate-broker/internal/adapter/evaluator"
	"github.com/alanyang/delegate-broker/internal/adapter/flags"
	"github.com/alanyang/delegate-broker/internal/adapter/memory"
	pgagent "github.com/alanyang/delegate-broker/internal/adapter/postgres/agent"
	pgconnection "github.com/alanyang/delegate-broker/internal/adapter/postgres/connection"
	pgeventbus "github.com/alanyang/delegate-broker/internal/adapter/postgres/eventbus"
	pgprofile "github.com/alanyang/delegate-broker/internal/adapter/postgres/profile"
	pgselectormap "github.com/alanyang/delegate-broker/internal/adapter/postgres/selectormap"
	pgtask "github.com/alanyang/delegate-broker/internal/adapter/postgres/task"
	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/metrics"
	"github.com/alanyang/delegate-broker/internal/service/capability"
	"github.com/alanyang/delegate-broker/internal/service/registry"
	"github.com/alanyang/delegate-broker/internal/service/response"
	"github.com/alanyang/delegate-broker/internal/service/scheduler"
	"github.com/alanyang/delegate-broker/internal/testutil"
)

// ── test harness ──────────────────────────────────────────────────────────────

// replica is one broker process: its own wait registry, router and scheduler
// over the shared Postgres store and NOTIFY channel.
type replica struct {
	registry  *registry.Service
	router    *response.Router
	scheduler *scheduler.Service
	callbacks *testutil.CaptureCallbacks
}

func newReplica(t *testing.T, ctx context.Context, pool *pgxpool.Pool) *replica {
	t.Helper()
	m := metrics.New(nil)
	bus := pgeventbus.New(pool)
	tasks := pgtask.New(pool)
	alerts := &testutil.CaptureAlerts{}
	callbacks := &testutil.CaptureCallbacks{}

	reg := registry.NewService(pgagent.New(pool), pgconnection.New(pool), bus, alerts, m,
		registry.Config{HeartbeatTTL: time.Minute})
	resolver := capability.NewResolver(pgselectormap.New(pool), pgprofile.New(pool), reg)
	waits := response.NewWaitRegistry()
	router := response.NewRouter(tasks, resolver, memory.NewWhitelistCache(100, time.Hour), waits, bus, callbacks, m)
	sub, err := router.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)

	sched := scheduler.NewService(tasks, reg, resolver, evaluator.New(evaluator.StaticSecrets{}),
		flags.NewStatic(nil, nil), bus, alerts, router, waits, m, scheduler.Config{})
	return &replica{registry: reg, router: router, scheduler: sched, callbacks: callbacks}
}

func liveAgent(t *testing.T, ctx context.Context, pool *pgxpool.Pool, r *replica, acct string) domainagent.Agent {
	t.Helper()
	a, err := pgagent.New(pool).Create(ctx, domainagent.New(acct, "d1", "build-01", domainagent.TypeShell, domainagent.ModeStreaming))
	require.NoError(t, err)
	_, err = r.registry.RegisterHeartbeat(ctx, registry.HeartbeatRequest{
		AccountID: acct,
		AgentID:   a.ID,
		SessionID: testutil.SessionID(t),
	})
	require.NoError(t, err)
	return a
}

// ── lifecycle ─────────────────────────────────────────────────────────────────

func TestAsyncTaskLifecycle(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	r := newReplica(t, ctx, pool)
	acct := testutil.Account(t)
	a := liveAgent(t, ctx, pool, r, acct)

	task, err := r.scheduler.Submit(ctx, scheduler.SubmitRequest{
		AccountID: acct, Kind: domaintask.KindShell, Async: true, CallbackDriverID: "cb",
	})
	require.NoError(t, err)
	require.NotNil(t, task.PreferredAgentID)
	assert.Equal(t, a.ID, *task.PreferredAgentID)

	offers, err := r.scheduler.PendingOffers(ctx, acct, a.ID)
	require.NoError(t, err)
	require.Len(t, offers, 1)

	pkg, err := r.scheduler.Claim(ctx, task.ID, a.ID)
	require.NoError(t, err)
	require.NotNil(t, pkg)

	require.NoError(t, r.router.Deliver(ctx, task.ID, a.ID, domaintask.Outcome{Code: domaintask.ResponseSuccess}))
	assert.Equal(t, []domaintask.ResponseCode{domaintask.ResponseSuccess}, r.callbacks.Codes())

	_, err = r.scheduler.Get(ctx, acct, task.ID)
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)
}

func TestSyncResponseCrossesReplicas(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	front := newReplica(t, ctx, pool)
	back := newReplica(t, ctx, pool)
	acct := testutil.Account(t)
	a := liveAgent(t, ctx, pool, back, acct)

	type waitResult struct {
		res domaintask.Result
		err error
	}
	done := make(chan waitResult, 1)
	go func() {
		res, err := front.scheduler.SubmitAndWait(ctx, scheduler.SubmitRequest{AccountID: acct, Kind: domaintask.KindShell}, 10*time.Second)
		done <- waitResult{res, err}
	}()

	var offers []scheduler.Offer
	require.Eventually(t, func() bool {
		var err error
		offers, err = back.scheduler.PendingOffers(ctx, acct, a.ID)
		return err == nil && len(offers) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, offers[0].Sync)

	_, err := back.scheduler.Claim(ctx, offers[0].TaskID, a.ID)
	require.NoError(t, err)
	require.NoError(t, back.router.Deliver(ctx, offers[0].TaskID, a.ID, domaintask.Outcome{
		Code: domaintask.ResponseSuccess,
		Data: map[string]any{"stdout": "ok"},
	}))

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, domaintask.ResponseSuccess, got.res.Outcome.Code)
		assert.Equal(t, offers[0].TaskID, got.res.TaskID)
	case <-time.After(10 * time.Second):
		t.Fatal("sync waiter was not resolved")
	}
}
