package connection

import (
	"context"
	"time"

	"github.com/google/uuid"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
)

// Repository stores ephemeral per-session heartbeat records, one per (agent, session).
type Repository interface {
	Upsert(ctx context.Context, c domainagent.Connection) error
	// ListByAgent includes evicted sessions that have not gone stale yet.
	ListByAgent(ctx context.Context, agentID uuid.UUID) ([]domainagent.Connection, error)
	// ListLive returns account connections that heartbeated at or after since and
	// were not evicted.
	ListLive(ctx context.Context, accountID string, since time.Time) ([]domainagent.Connection, error)
	// MarkEvicted keeps the session's row, with its first-seen and last heartbeat
	// times, so a later heartbeat from it is recognised and refused.
	MarkEvicted(ctx context.Context, agentID uuid.UUID, sessionID string, at time.Time) error
	Delete(ctx context.Context, agentID uuid.UUID, sessionID string) error
	DeleteByAgent(ctx context.Context, agentID uuid.UUID) error
	// DeleteStale removes connections whose last heartbeat is before the cutoff.
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}
