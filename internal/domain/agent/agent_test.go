package agent_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	. "github.com/alanyang/delegate-broker/internal/domain/agent"
)

func TestCanTransitionTo(t *testing.T) {
	assert.True(t, StatusPendingApproval.CanTransitionTo(StatusEnabled))
	assert.True(t, StatusPendingApproval.CanTransitionTo(StatusDeleted))
	assert.True(t, StatusEnabled.CanTransitionTo(StatusDeleted))
	assert.False(t, StatusEnabled.CanTransitionTo(StatusPendingApproval))
	assert.False(t, StatusDeleted.CanTransitionTo(StatusEnabled))
}

func TestIsActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ttl := time.Minute

	a := New("acct", "d1", "host-1", TypeShell, ModePolling)
	assert.False(t, a.IsActive(now, ttl), "never heartbeated")

	a.RecordHeartbeat(now.Add(-30*time.Second), ttl)
	assert.True(t, a.IsActive(now, ttl))
	assert.Equal(t, now.Add(30*time.Second), *a.ExpiresAt)

	a.RecordHeartbeat(now.Add(-ttl), ttl)
	assert.False(t, a.IsActive(now, ttl), "heartbeat exactly ttl ago is stale")

	a.RecordHeartbeat(now, ttl)
	a.Status = StatusDeleted
	assert.False(t, a.IsActive(now, ttl), "deleted agents are never active")
}

func TestHostPrefix(t *testing.T) {
	tests := map[string]string{
		"delegate-7":        "delegate",
		"Delegate-12":       "delegate",
		"delegate":          "delegate",
		"delegate-abc":      "delegate-abc",
		"my-delegate-0":     "my-delegate",
		"-3":                "-3",
		"delegate-":         "delegate-",
		"  fleet-build-42 ": "fleet-build",
	}
	for in, want := range tests {
		assert.Equal(t, want, HostPrefix(in), in)
	}
}

func TestScopeMatches(t *testing.T) {
	s := Scope{"env": "prod", "region": "us"}
	assert.True(t, s.Matches(map[string]string{"env": "prod", "region": "us", "team": "x"}))
	assert.False(t, s.Matches(map[string]string{"env": "prod"}))
	assert.True(t, Scope{}.Matches(nil), "empty scope matches everything")
}

func TestCopyConfigFrom(t *testing.T) {
	profile := uuid.New()
	prev := Agent{
		ExplicitSelectors: []string{"gpu"},
		IncludeScopes:     []Scope{{"env": "prod"}},
		ProfileID:         &profile,
	}
	a := New("acct", "d", "h-1", TypeEphemeralCluster, ModeStreaming)
	a.CopyConfigFrom(prev)
	assert.Equal(t, []string{"gpu"}, a.ExplicitSelectors)
	assert.Equal(t, profile, *a.ProfileID)

	prev.ExplicitSelectors[0] = "mutated"
	assert.Equal(t, "gpu", a.ExplicitSelectors[0])
}

func TestConnection_StartedAfter(t *testing.T) {
	older, _ := uuid.NewV7()
	time.Sleep(2 * time.Millisecond)
	newer, _ := uuid.NewV7()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b Connection
		want bool
	}{
		{
			name: "v7 ids order by embedded time",
			a:    Connection{SessionID: newer.String(), FirstSeenAt: t0},
			b:    Connection{SessionID: older.String(), FirstSeenAt: t0.Add(time.Hour)},
			want: true,
		},
		{
			name: "v7 older id loses",
			a:    Connection{SessionID: older.String(), FirstSeenAt: t0.Add(time.Hour)},
			b:    Connection{SessionID: newer.String(), FirstSeenAt: t0},
			want: false,
		},
		{
			name: "opaque ids order by first seen",
			a:    Connection{SessionID: "mcp-b", FirstSeenAt: t0.Add(time.Second)},
			b:    Connection{SessionID: "mcp-a", FirstSeenAt: t0},
			want: true,
		},
		{
			name: "opaque id seen first is not newer",
			a:    Connection{SessionID: "mcp-a", FirstSeenAt: t0},
			b:    Connection{SessionID: "mcp-b", FirstSeenAt: t0.Add(time.Second)},
			want: false,
		},
		{
			name: "mixed ids order by first seen",
			a:    Connection{SessionID: "not-a-uuid", FirstSeenAt: t0},
			b:    Connection{SessionID: older.String(), FirstSeenAt: t0.Add(time.Second)},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.StartedAfter(tt.b))
			assert.NotEqual(t, tt.a.StartedAfter(tt.b), tt.b.StartedAfter(tt.a), "order must be antisymmetric")
		})
	}

	t.Run("ties break on the id", func(t *testing.T) {
		a := Connection{SessionID: "mcp-b", FirstSeenAt: t0}
		b := Connection{SessionID: "mcp-a", FirstSeenAt: t0}
		assert.True(t, a.StartedAfter(b))
		assert.False(t, b.StartedAfter(a))
	})
}
