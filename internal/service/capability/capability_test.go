package capability_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/service/capability"
	"github.com/alanyang/delegate-broker/internal/testutil"
)

type staticAgents []domainagent.Agent

func (s staticAgents) ActiveAgents(context.Context, string) ([]domainagent.Agent, error) {
	return s, nil
}

func agentWith(name string, selectors ...string) domainagent.Agent {
	a := domainagent.New("acct", name, name+"-host", domainagent.TypeShell, domainagent.ModePolling)
	a.ExplicitSelectors = selectors
	return a
}

func TestDeriveRequirements(t *testing.T) {
	store := testutil.OpenStore(t)
	ctx := context.Background()
	require.NoError(t, store.SelectorMaps().Put(ctx, "acct", "source_control", []string{"Git-Runner"}))
	r := capability.NewResolver(store.SelectorMaps(), store.Profiles(), staticAgents{})

	tests := []struct {
		name string
		task domaintask.Task
		want []domaintask.Capability
	}{
		{
			name: "shell with no selectors has no requirements",
			task: domaintask.New("acct", domaintask.KindShell, domaintask.RankImportant, true, nil),
		},
		{
			name: "git merges task selectors, category map and repo reachability",
			task: func() domaintask.Task {
				tk := domaintask.New("acct", domaintask.KindGit, domaintask.RankImportant, true,
					map[string]any{"repo_url": "https://github.com/acme/app.git"})
				tk.ExplicitSelectors = []string{"Region:US", "region:us"}
				return tk
			}(),
			want: []domaintask.Capability{
				domaintask.SelectorCapability(domaintask.BasisTaskSelectors, []string{"region:us"}),
				domaintask.SelectorCapability("category:source_control", []string{"git-runner"}),
				domaintask.ReachabilityCapability("github.com"),
			},
		},
		{
			name: "category map is per account",
			task: domaintask.New("other", domaintask.KindGit, domaintask.RankImportant, true,
				map[string]any{"repo_url": "git@gitlab.local:acme/app.git"}),
			want: []domaintask.Capability{domaintask.ReachabilityCapability("gitlab.local")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.DeriveRequirements(ctx, tt.task)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestImplicitSelectors(t *testing.T) {
	a := agentWith("Builder")
	a.HostName = "Build-Host-7"
	p := &domainagent.Profile{Name: "Linux", Selectors: []string{"docker", "builder"}}

	got := capability.ImplicitSelectors(a, p)
	assert.Equal(t, map[string]capability.SelectorOrigin{
		"build-host-7": capability.OriginHostName,
		"builder":      capability.OriginDelegateName,
		"linux":        capability.OriginProfileName,
		"docker":       capability.OriginProfileSelector,
	}, got)
}

func TestEligible_SelectorScenario(t *testing.T) {
	store := testutil.OpenStore(t)
	r := capability.NewResolver(store.SelectorMaps(), store.Profiles(), staticAgents{})

	tagged := agentWith("d1", "region:us")
	untagged := agentWith("d2")

	tk := domaintask.New("acct", domaintask.KindShell, domaintask.RankImportant, true, nil)
	tk.ExplicitSelectors = []string{"region:us"}

	ids, log := r.Eligible([]domainagent.Agent{tagged, untagged}, tk, nil)
	assert.Equal(t, []uuid.UUID{tagged.ID}, ids)
	assert.True(t, log[tagged.ID].Eligible)
	assert.Equal(t, "missing selectors [region:us]", log[untagged.ID].Reason)
}

func TestEligible(t *testing.T) {
	profileID := uuid.New()
	profiles := map[uuid.UUID]domainagent.Profile{
		profileID: {ID: profileID, AccountID: "acct", Name: "gpu", Selectors: []string{"cuda"}},
	}

	tests := []struct {
		name       string
		agent      func() domainagent.Agent
		selectors  []string
		caps       []domaintask.Capability
		scope      map[string]string
		wantReason string
	}{
		{
			name:       "host name counts as implicit selector",
			agent:      func() domainagent.Agent { return agentWith("d1") },
			selectors:  []string{"d1-host"},
			wantReason: "eligible",
		},
		{
			name: "profile selectors count",
			agent: func() domainagent.Agent {
				a := agentWith("d1")
				a.ProfileID = &profileID
				return a
			},
			selectors:  []string{"cuda", "gpu"},
			wantReason: "eligible",
		},
		{
			name:       "category selectors are required",
			agent:      func() domainagent.Agent { return agentWith("d1", "region:us") },
			caps:       []domaintask.Capability{domaintask.SelectorCapability("category:script", []string{"bash"})},
			wantReason: "missing selectors [bash]",
		},
		{
			name: "include scope must match",
			agent: func() domainagent.Agent {
				a := agentWith("d1")
				a.IncludeScopes = []domainagent.Scope{{"env": "prod"}}
				return a
			},
			scope:      map[string]string{"env": "dev"},
			wantReason: "no include scope matches task",
		},
		{
			name: "exclude scope rejects",
			agent: func() domainagent.Agent {
				a := agentWith("d1")
				a.ExcludeScopes = []domainagent.Scope{{"env": "prod"}}
				return a
			},
			scope:      map[string]string{"env": "prod", "team": "a"},
			wantReason: "excluded by scope",
		},
		{
			name: "empty scopes are ignored",
			agent: func() domainagent.Agent {
				a := agentWith("d1")
				a.IncludeScopes = []domainagent.Scope{{}}
				a.ExcludeScopes = []domainagent.Scope{{}}
				return a
			},
			wantReason: "eligible",
		},
	}

	r := capability.NewResolver(nil, nil, staticAgents{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.agent()
			tk := domaintask.New("acct", domaintask.KindShell, domaintask.RankImportant, true, nil)
			tk.ExplicitSelectors = tt.selectors
			tk.RequiredCapabilities = tt.caps
			if tt.scope != nil {
				tk.ScopeAttrs = tt.scope
			}
			_, log := r.Eligible([]domainagent.Agent{a}, tk, profiles)
			assert.Equal(t, tt.wantReason, log[a.ID].Reason)
		})
	}
}

func TestEligibleActive(t *testing.T) {
	store := testutil.OpenStore(t)
	tagged := agentWith("d1", "region:us")
	r := capability.NewResolver(store.SelectorMaps(), store.Profiles(), staticAgents{tagged, agentWith("d2")})

	tk := domaintask.New("acct", domaintask.KindShell, domaintask.RankImportant, true, nil)
	tk.ExplicitSelectors = []string{"region:us"}

	got, log, err := r.EligibleActive(context.Background(), tk)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tagged.ID, got[0].ID)
	assert.Len(t, log, 2)
}

func TestPutCategorySelectors(t *testing.T) {
	store := testutil.OpenStore(t)
	ctx := context.Background()
	r := capability.NewResolver(store.SelectorMaps(), store.Profiles(), staticAgents{})

	got, err := r.PutCategorySelectors(ctx, "acct", "deployment", []string{"K8s", " k8s ", "prod"})
	require.NoError(t, err)
	assert.Equal(t, []string{"k8s", "prod"}, got)

	task := domaintask.New("acct", domaintask.KindClusterDeploy, domaintask.RankImportant, true, nil)
	caps, err := r.DeriveRequirements(ctx, task)
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, capability.CategoryBasisPrefix+"deployment", caps[0].Basis)

	_, err = r.PutCategorySelectors(ctx, "acct", "teleportation", nil)
	assert.ErrorIs(t, err, capability.ErrUnknownGroup)
}
