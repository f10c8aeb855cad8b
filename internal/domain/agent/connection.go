package agent

import (
	"time"

	"github.com/google/uuid"
)

// Connection is the ephemeral per-session heartbeat record. An evicted session
// keeps its row until it goes stale so that it cannot come back as a new one.
type Connection struct {
	AgentID         uuid.UUID  `json:"agent_id"`
	AccountID       string     `json:"account_id"`
	SessionID       string     `json:"session_id"`
	Version         string     `json:"version"`
	Location        string     `json:"location"`
	FirstSeenAt     time.Time  `json:"first_seen_at"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	EvictedAt       *time.Time `json:"evicted_at,omitempty"`
}

func (c Connection) IsLive(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.LastHeartbeatAt) < ttl
}

func (c Connection) IsEvicted() bool { return c.EvictedAt != nil }

// StartedAfter reports whether session c began after other. UUIDv7 session ids
// are ordered by their embedded millisecond timestamp. Any other id falls back
// to the time each session was first seen, then to the id itself, so that two
// sessions never both count as the newer one.
func (c Connection) StartedAfter(other Connection) bool {
	if newer, ok := v7Newer(c.SessionID, other.SessionID); ok {
		return newer
	}
	if !c.FirstSeenAt.Equal(other.FirstSeenAt) {
		return c.FirstSeenAt.After(other.FirstSeenAt)
	}
	return c.SessionID > other.SessionID
}

func v7Newer(a, b string) (newer, ok bool) {
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	if errA != nil || errB != nil || ua.Version() != 7 || ub.Version() != 7 {
		return false, false
	}
	ta, tb := ua.Time(), ub.Time()
	if ta != tb {
		return ta > tb, true
	}
	return a > b, true
}

// Profile carries the profile name and selectors contributing implicit selectors.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Selectors []string  `json:"selectors"`
}
