package slot

import (
	"time"

	"github.com/google/uuid"
)

// IdentitySlot is a (hostPrefix, sequenceNumber, token) lease held by one
// ephemeral agent at a time.
type IdentitySlot struct {
	AccountID       string     `json:"account_id"`
	HostPrefix      string     `json:"host_prefix"`
	SequenceNumber  int        `json:"sequence_number"`
	Token           string     `json:"token"`
	AgentID         *uuid.UUID `json:"agent_id,omitempty"`
	LastRefreshedAt time.Time  `json:"last_refreshed_at"`
}

func New(accountID, hostPrefix string, seq int, agentID uuid.UUID, now time.Time) IdentitySlot {
	id := agentID
	return IdentitySlot{
		AccountID:       accountID,
		HostPrefix:      hostPrefix,
		SequenceNumber:  seq,
		Token:           NewToken(),
		AgentID:         &id,
		LastRefreshedAt: now.UTC(),
	}
}

// NewToken returns an unguessable slot token.
func NewToken() string {
	return uuid.NewString()
}

// IsStale is true once more than window has passed since the last refresh.
func (s IdentitySlot) IsStale(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastRefreshedAt) > window
}

func (s IdentitySlot) Matches(seq int, token string) bool {
	return s.SequenceNumber == seq && token != "" && s.Token == token
}

// LowestFree returns the smallest sequence number not in used.
func LowestFree(used []int) int {
	taken := make(map[int]bool, len(used))
	for _, n := range used {
		taken[n] = true
	}
	n := 0
	for taken[n] {
		n++
	}
	return n
}
