package validation_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alanyang/delegate-broker/internal/adapter/flags"
	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	domainalert "github.com/alanyang/delegate-broker/internal/domain/alert"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/metrics"
	"github.com/alanyang/delegate-broker/internal/mocks"
	portflags "github.com/alanyang/delegate-broker/internal/port/flags"
	"github.com/alanyang/delegate-broker/internal/service/scheduler"
	"github.com/alanyang/delegate-broker/internal/service/validation"
	"github.com/alanyang/delegate-broker/internal/testutil"
)

var gitParams = map[string]any{"repo_url": "git@git.corp.example:platform/infra.git"}

const basis = "git.corp.example"

func reachable(ok bool) []domaintask.CapabilityOutcome {
	return []domaintask.CapabilityOutcome{{Basis: basis, Validated: ok}}
}

func revalidate() testutil.BrokerOptions {
	return testutil.BrokerOptions{Flags: flags.NewStatic(nil, map[string]map[string]bool{
		"acct": {portflags.RevalidateWhitelisted: true},
	})}
}

func TestAcquire_NoProbeCapabilitiesClaimsDirectly(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	ctx := context.Background()
	a := b.ConnectedAgent(t, "a")
	task := b.Submit(t, domaintask.KindShell, nil)

	res, err := b.Validation.Acquire(ctx, task.ID, a.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Package)
	assert.Empty(t, res.Probe)

	again, err := b.Validation.Acquire(ctx, task.ID, a.ID)
	require.NoError(t, err)
	require.NotNil(t, again.Package)
	assert.Equal(t, res.Package.TaskID, again.Package.TaskID)
}

func TestAcquire_ProbeThenValidate(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	ctx := context.Background()
	a := b.ConnectedAgent(t, "a")
	task := b.Submit(t, domaintask.KindGit, gitParams)

	res, err := b.Validation.Acquire(ctx, task.ID, a.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Package)
	require.Len(t, res.Probe, 1)
	assert.Equal(t, basis, res.Probe[0].Basis)
	assert.Equal(t, domaintask.ModeAgentProbe, res.Probe[0].Mode)

	stored, err := b.Store.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ValidatingAgents, a.ID)
	require.NotNil(t, stored.ValidationStartedAt)
	assert.Equal(t, b.Clock.Now(), *stored.ValidationStartedAt)

	pkg, err := b.Validation.Validate(ctx, task.ID, a.ID, reachable(true))
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.True(t, b.Whitelist.Whitelisted(ctx, "acct", a.ID, []string{basis}))

	stored, err = b.Store.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domaintask.StatusStarted, stored.Status)
	assert.Empty(t, stored.ValidatingAgents)
	assert.Nil(t, stored.ValidationStartedAt)
}

func TestAcquire_WhitelistShortcut(t *testing.T) {
	tests := []struct {
		name      string
		opts      testutil.BrokerOptions
		wantProbe bool
	}{
		{name: "whitelisted agent claims directly", opts: testutil.BrokerOptions{}},
		{name: "revalidation flag forces a probe", opts: revalidate(), wantProbe: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testutil.NewBroker(t, tt.opts)
			ctx := context.Background()
			a := b.ConnectedAgent(t, "a")
			b.Whitelist.Remember(ctx, "acct", a.ID, []string{basis})
			task := b.Submit(t, domaintask.KindGit, gitParams)

			res, err := b.Validation.Acquire(ctx, task.ID, a.ID)
			require.NoError(t, err)
			if tt.wantProbe {
				assert.Nil(t, res.Package)
				assert.Len(t, res.Probe, 1)
			} else {
				assert.NotNil(t, res.Package)
				assert.Empty(t, res.Probe)
			}
		})
	}
}

func TestValidate_FailureForgetsWhitelist(t *testing.T) {
	b := testutil.NewBroker(t, revalidate())
	ctx := context.Background()
	a := b.ConnectedAgent(t, "a")
	b.Whitelist.Remember(ctx, "acct", a.ID, []string{basis})
	task := b.Submit(t, domaintask.KindGit, gitParams)

	_, err := b.Validation.Acquire(ctx, task.ID, a.ID)
	require.NoError(t, err)

	pkg, err := b.Validation.Validate(ctx, task.ID, a.ID, reachable(false))
	require.NoError(t, err)
	assert.Nil(t, pkg)
	assert.False(t, b.Whitelist.Whitelisted(ctx, "acct", a.ID, []string{basis}))

	stored, err := b.Store.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domaintask.StatusQueued, stored.Status)
	assert.Contains(t, stored.ValidatedAgents, a.ID)
}

func TestAcquire_IneligibleAgentGetsNothing(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	ctx := context.Background()
	a := b.ConnectedAgent(t, "a", "linux")
	task, err := b.Scheduler.Submit(ctx, scheduler.SubmitRequest{
		AccountID: "acct", Kind: domaintask.KindGit, Async: true, Parameters: gitParams, Selectors: []string{"windows"},
	})
	require.NoError(t, err)

	res, err := b.Validation.Acquire(ctx, task.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, validation.AcquireResult{}, res)

	stored, err := b.Store.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ValidationStartedAt)
}

func TestAcquire_WhitelistCollaborator(t *testing.T) {
	tests := []struct {
		name        string
		revalidate  bool
		whitelisted bool
		probeOK     bool
		expect      func(wl *mocks.MockWhitelistCache, agentID uuid.UUID)
		wantPackage bool
	}{
		{
			name:        "cached success claims directly",
			whitelisted: true,
			expect:      func(*mocks.MockWhitelistCache, uuid.UUID) {},
			wantPackage: true,
		},
		{
			name:    "validated capability is remembered",
			probeOK: true,
			expect: func(wl *mocks.MockWhitelistCache, agentID uuid.UUID) {
				wl.EXPECT().Remember(gomock.Any(), "acct", agentID, []string{basis})
			},
			wantPackage: true,
		},
		{
			name:       "revalidation never reads the cache and forgets failures",
			revalidate: true,
			expect: func(wl *mocks.MockWhitelistCache, agentID uuid.UUID) {
				wl.EXPECT().Forget(gomock.Any(), "acct", agentID, []string{basis})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testutil.NewBroker(t, testutil.BrokerOptions{})
			ctx := context.Background()
			ctrl := gomock.NewController(t)
			wl := mocks.NewMockWhitelistCache(ctrl)
			fl := mocks.NewMockFlags(ctrl)
			coord := validation.NewCoordinator(b.Store.Tasks(), b.Resolver, wl, fl, b.Scheduler, b.Router, b.Alerts,
				metrics.New(nil), validation.DefaultTimeout)
			coord.SetClock(b.Clock.Now)

			a := b.ConnectedAgent(t, "a")
			task := b.Submit(t, domaintask.KindGit, gitParams)

			fl.EXPECT().Enabled(gomock.Any(), "acct", portflags.RevalidateWhitelisted).Return(tt.revalidate).AnyTimes()
			if !tt.revalidate {
				wl.EXPECT().Whitelisted(gomock.Any(), "acct", a.ID, []string{basis}).Return(tt.whitelisted)
			}
			tt.expect(wl, a.ID)

			res, err := coord.Acquire(ctx, task.ID, a.ID)
			require.NoError(t, err)
			pkg := res.Package
			if !tt.whitelisted {
				require.Nil(t, pkg)
				require.Len(t, res.Probe, 1)
				pkg, err = coord.Validate(ctx, task.ID, a.ID, reachable(tt.probeOK))
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantPackage, pkg != nil)
		})
	}
}

func TestValidate_RejectsAgentsThatCannotAcquire(t *testing.T) {
	tests := []struct {
		name    string
		submit  scheduler.SubmitRequest
		account string
		tags    []string
	}{
		{
			name:    "missing task selector",
			submit:  scheduler.SubmitRequest{AccountID: "acct", Kind: domaintask.KindShell, Async: true, Selectors: []string{"gpu"}},
			account: "acct",
		},
		{
			name:    "agent of another account",
			submit:  scheduler.SubmitRequest{AccountID: "acct", Kind: domaintask.KindShell, Async: true},
			account: "other-acct",
		},
		{
			name:    "eligible agent that never acquired",
			submit:  scheduler.SubmitRequest{AccountID: "acct", Kind: domaintask.KindGit, Async: true, Parameters: gitParams},
			account: "acct",
			tags:    []string{"gpu"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testutil.NewBroker(t, testutil.BrokerOptions{})
			ctx := context.Background()
			b.ConnectedAgent(t, "owner", "gpu")
			caller := testutil.CreateAgent(t, b.Store, tt.account, "caller", domainagent.ModeStreaming, tt.tags...)
			testutil.Connect(t, b.Store, caller, b.Clock.Now(), testutil.HeartbeatTTL)
			task, err := b.Scheduler.Submit(ctx, tt.submit)
			require.NoError(t, err)

			pkg, err := b.Validation.Validate(ctx, task.ID, caller.ID, reachable(true))
			require.NoError(t, err)
			assert.Nil(t, pkg)

			stored, err := b.Store.Tasks().GetByID(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, domaintask.StatusQueued, stored.Status)
			assert.Nil(t, stored.AgentID)
			assert.Empty(t, stored.ValidatedAgents)
			assert.False(t, b.Whitelist.Whitelisted(ctx, "acct", caller.ID, []string{basis}))
		})
	}
}

func TestValidate_AgentDeletedAfterAcquire(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	ctx := context.Background()
	a := b.ConnectedAgent(t, "a")
	task := b.Submit(t, domaintask.KindGit, gitParams)

	_, err := b.Validation.Acquire(ctx, task.ID, a.ID)
	require.NoError(t, err)
	require.NoError(t, b.Store.Agents().UpdateStatus(ctx, a.ID, domainagent.StatusEnabled, domainagent.StatusDeleted))

	pkg, err := b.Validation.Validate(ctx, task.ID, a.ID, reachable(true))
	require.NoError(t, err)
	assert.Nil(t, pkg)
}

func TestCheckTimeouts_Boundary(t *testing.T) {
	tests := []struct {
		name       string
		elapsed    time.Duration
		wantFailed int
	}{
		{name: "before window", elapsed: validation.DefaultTimeout - time.Millisecond, wantFailed: 0},
		{name: "at window", elapsed: validation.DefaultTimeout, wantFailed: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testutil.NewBroker(t, testutil.BrokerOptions{})
			ctx := context.Background()
			a := b.ConnectedAgent(t, "a")
			task := b.Submit(t, domaintask.KindGit, gitParams)

			_, err := b.Validation.Acquire(ctx, task.ID, a.ID)
			require.NoError(t, err)

			b.Clock.Advance(tt.elapsed)
			n, err := b.Validation.CheckTimeouts(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFailed, n)

			if tt.wantFailed == 0 {
				assert.Empty(t, b.Callbacks.Results)
				return
			}
			require.Len(t, b.Callbacks.Results, 1)
			out := b.Callbacks.Results[0].Outcome
			assert.Equal(t, domaintask.ResponseValidationFailed, out.Code)
			assert.Contains(t, out.Message, basis)
			assert.Contains(t, b.Alerts.Kinds(), domainalert.KindNoEligibleAgents)
		})
	}
}

func TestCheckTimeouts_AllReportedCompletesEarly(t *testing.T) {
	b := testutil.NewBroker(t, revalidate())
	ctx := context.Background()
	a := b.ConnectedAgent(t, "a")
	task := b.Submit(t, domaintask.KindGit, gitParams)

	_, err := b.Validation.Acquire(ctx, task.ID, a.ID)
	require.NoError(t, err)
	_, err = b.Validation.Validate(ctx, task.ID, a.ID, reachable(false))
	require.NoError(t, err)

	stored, err := b.Store.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, b.Validation.IsComplete(stored))

	n, err := b.Validation.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []domaintask.ResponseCode{domaintask.ResponseValidationFailed}, b.Callbacks.Codes())
}

func TestCheckTimeouts_WhitelistedFallbackKeepsTaskQueued(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	ctx := context.Background()
	prober := b.ConnectedAgent(t, "a")
	fallback := b.ConnectedAgent(t, "b")
	task := b.Submit(t, domaintask.KindGit, gitParams)

	_, err := b.Validation.Acquire(ctx, task.ID, prober.ID)
	require.NoError(t, err)
	b.Whitelist.Remember(ctx, "acct", fallback.ID, []string{basis})

	b.Clock.Advance(validation.DefaultTimeout)
	n, err := b.Validation.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := b.Validation.Acquire(ctx, task.ID, fallback.ID)
	require.NoError(t, err)
	assert.NotNil(t, res.Package)
}
