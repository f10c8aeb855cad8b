package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/delegate-broker/internal/adapter/sqlite"
	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	domainslot "github.com/alanyang/delegate-broker/internal/domain/slot"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/port"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTask(t *testing.T, ctx context.Context, r *sqlite.TaskRepository) domaintask.Task {
	t.Helper()
	tk := domaintask.New("acct", domaintask.KindHTTPProbe, domaintask.RankImportant, true,
		map[string]any{"url": "http://svc.internal"})
	tk.RequiredCapabilities = []domaintask.Capability{domaintask.ReachabilityCapability("svc.internal")}
	tk.ExplicitSelectors = []string{"region:us"}
	tk.ExpiresAt = time.Now().Add(time.Hour)
	created, err := r.Create(ctx, tk)
	require.NoError(t, err)
	return created
}

func TestTaskRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	r := openStore(t).Tasks()
	tk := makeTask(t, ctx, r)

	got, err := r.GetByID(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domaintask.StatusQueued, got.Status)
	assert.True(t, got.IsAsync)
	assert.Equal(t, "http://svc.internal", got.Parameters["url"])
	assert.Equal(t, tk.RequiredCapabilities, got.RequiredCapabilities)
	assert.Equal(t, []string{"region:us"}, got.ExplicitSelectors)
	assert.Nil(t, got.AgentID)
	assert.WithinDuration(t, tk.ExpiresAt, got.ExpiresAt, time.Microsecond)

	_, err = r.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, port.ErrNotFound)
}

func TestTaskRepository_ConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	r := openStore(t).Tasks()
	tk := makeTask(t, ctx, r)

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []uuid.UUID
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agentID := uuid.New()
			_, ok, err := r.Claim(ctx, tk.ID, "acct", agentID, time.Now().Add(time.Hour))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners = append(winners, agentID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	got, err := r.GetByID(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domaintask.StatusStarted, got.Status)
	assert.Equal(t, winners[0], *got.AgentID)
}

func TestTaskRepository_ValidationBookkeeping(t *testing.T) {
	ctx := context.Background()
	r := openStore(t).Tasks()
	tk := makeTask(t, ctx, r)
	a, b := uuid.New(), uuid.New()
	t0 := time.Now().UTC()

	got, ok, err := r.BeginValidation(ctx, tk.ID, a, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.ValidationStartedAt)

	got, ok, err = r.BeginValidation(ctx, tk.ID, b, t0.Add(5*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, got.ValidatingAgents)
	assert.WithinDuration(t, t0, *got.ValidationStartedAt, time.Microsecond, "first stamp is never overwritten")

	got, ok, err = r.RecordValidated(ctx, tk.ID, a)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []uuid.UUID{a}, got.ValidatedAgents)

	got, ok, err = r.Claim(ctx, tk.ID, "acct", a, t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, got.ValidatingAgents)
	assert.Empty(t, got.ValidatedAgents)
	assert.Nil(t, got.ValidationStartedAt)

	_, ok, err = r.BeginValidation(ctx, tk.ID, b, t0)
	require.NoError(t, err)
	assert.False(t, ok, "cannot start probing a claimed task")
}

func TestTaskRepository_RecordValidatedGuards(t *testing.T) {
	ctx := context.Background()
	r := openStore(t).Tasks()
	tk := makeTask(t, ctx, r)
	prober, stranger := uuid.New(), uuid.New()

	_, ok, err := r.RecordValidated(ctx, tk.ID, stranger)
	require.NoError(t, err)
	assert.False(t, ok, "agent never began validation")

	_, ok, err = r.BeginValidation(ctx, tk.ID, prober, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	// A tried agent cannot re-validate after the task comes back to the queue.
	_, ok, err = r.Claim(ctx, tk.ID, "acct", prober, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = r.Requeue(ctx, tk.ID, prober)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = r.BeginValidation(ctx, tk.ID, prober, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	got, ok, err := r.RecordValidated(ctx, tk.ID, prober)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, got.ValidatedAgents)
}

func TestTaskRepository_ClaimChecksAccount(t *testing.T) {
	ctx := context.Background()
	r := openStore(t).Tasks()
	tk := makeTask(t, ctx, r)

	got, ok, err := r.Claim(ctx, tk.ID, "other-acct", uuid.New(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domaintask.StatusQueued, got.Status)
	assert.Nil(t, got.AgentID)
}

func TestTaskRepository_RequeueAndTransition(t *testing.T) {
	ctx := context.Background()
	r := openStore(t).Tasks()
	tk := makeTask(t, ctx, r)
	a := uuid.New()

	_, ok, err := r.Claim(ctx, tk.ID, "acct", a, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.SetPackage(ctx, tk.ID, a, domaintask.Package{TaskID: tk.ID, AgentID: a}))

	_, ok, err = r.Requeue(ctx, tk.ID, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok, "only the assignee can requeue")

	got, ok, err := r.Requeue(ctx, tk.ID, a)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domaintask.StatusQueued, got.Status)
	assert.Nil(t, got.AgentID)
	assert.Nil(t, got.Package)
	assert.Equal(t, []uuid.UUID{a}, got.AlreadyTriedAgents)

	got, ok, err = r.Transition(ctx, tk.ID, domaintask.RunningStatuses, domaintask.StatusAborted, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domaintask.StatusAborted, got.Status)

	_, ok, err = r.Claim(ctx, tk.ID, "acct", a, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "aborted tasks cannot be claimed")

	deleted, err := r.Delete(ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = r.Delete(ctx, tk.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, _, err = r.Claim(ctx, tk.ID, "acct", a, time.Now())
	assert.ErrorIs(t, err, port.ErrNotFound)
}

func TestSlotRepository_CreateConflictAndRebind(t *testing.T) {
	ctx := context.Background()
	r := openStore(t).Slots()
	now := time.Now().UTC()

	s := domainslot.New("acct", "fleet", 0, uuid.New(), now)
	require.NoError(t, r.Create(ctx, s))
	err := r.Create(ctx, domainslot.New("acct", "fleet", 0, uuid.New(), now))
	assert.ErrorIs(t, err, port.ErrConflict)

	ok, err := r.Refresh(ctx, "acct", "fleet", 0, "wrong", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	observed, err := r.Get(ctx, "acct", "fleet", 0)
	require.NoError(t, err)
	next := uuid.New()
	ok, err = r.Rebind(ctx, observed, next, "tok-2", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Rebind(ctx, observed, uuid.New(), "tok-3", now)
	require.NoError(t, err)
	assert.False(t, ok, "stale token loses the rebind race")

	got, err := r.Get(ctx, "acct", "fleet", 0)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", got.Token)
	assert.Equal(t, next, *got.AgentID)
}

func TestSlotRepository_RebindLosesToRefresh(t *testing.T) {
	ctx := context.Background()
	r := openStore(t).Slots()
	then := time.Now().UTC().Add(-time.Hour)
	holder := uuid.New()
	require.NoError(t, r.Create(ctx, domainslot.New("acct", "fleet", 1, holder, then)))

	observed, err := r.Get(ctx, "acct", "fleet", 1)
	require.NoError(t, err)
	ok, err := r.Refresh(ctx, "acct", "fleet", 1, observed.Token, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Rebind(ctx, observed, uuid.New(), "tok-2", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := r.Get(ctx, "acct", "fleet", 1)
	require.NoError(t, err)
	assert.Equal(t, observed.Token, got.Token)
	assert.Equal(t, holder, *got.AgentID)
}

func TestAgentAndConnectionRepositories(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	agents, conns := s.Agents(), s.Connections()

	a := domainagent.New("acct", "d1", "fleet-3", domainagent.TypeEphemeralCluster, domainagent.ModePolling)
	a.Slot = &domainagent.SlotBinding{HostPrefix: "fleet", SequenceNumber: 3, Token: "t"}
	a.IncludeScopes = []domainagent.Scope{{"env": "prod"}}
	_, err := agents.Create(ctx, a)
	require.NoError(t, err)

	prefix := "fleet"
	list, err := agents.List(ctx, domainagent.ListFilters{HostPrefix: &prefix})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].Slot.SequenceNumber)
	assert.Equal(t, "prod", list[0].IncludeScopes[0]["env"])

	n, err := agents.CountByAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, agents.UpdateStatus(ctx, a.ID, domainagent.StatusEnabled, domainagent.StatusDeleted))
	assert.Error(t, agents.UpdateStatus(ctx, a.ID, domainagent.StatusEnabled, domainagent.StatusDeleted))

	now := time.Now().UTC()
	require.NoError(t, conns.Upsert(ctx, domainagent.Connection{AgentID: a.ID, AccountID: "acct", SessionID: "s1", LastHeartbeatAt: now.Add(-time.Hour)}))
	require.NoError(t, conns.Upsert(ctx, domainagent.Connection{AgentID: a.ID, AccountID: "acct", SessionID: "s2", LastHeartbeatAt: now}))

	live, err := conns.ListLive(ctx, "acct", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "s2", live[0].SessionID)

	pruned, err := conns.DeleteStale(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)
}

func TestConnectionRepository_EvictionKeepsFirstSeen(t *testing.T) {
	ctx := context.Background()
	conns := openStore(t).Connections()
	agentID := uuid.New()
	first := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	now := first.Add(30 * time.Second)

	require.NoError(t, conns.Upsert(ctx, domainagent.Connection{AgentID: agentID, AccountID: "acct", SessionID: "s1", FirstSeenAt: first, LastHeartbeatAt: first}))
	require.NoError(t, conns.Upsert(ctx, domainagent.Connection{AgentID: agentID, AccountID: "acct", SessionID: "s1", FirstSeenAt: now, LastHeartbeatAt: now}))
	require.NoError(t, conns.MarkEvicted(ctx, agentID, "s1", now))

	all, err := conns.ListByAgent(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, first.Equal(all[0].FirstSeenAt), "upsert keeps the first-seen time")
	assert.True(t, now.Equal(all[0].LastHeartbeatAt))
	require.NotNil(t, all[0].EvictedAt)
	assert.True(t, now.Equal(*all[0].EvictedAt))

	live, err := conns.ListLive(ctx, "acct", first.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, live)
}
