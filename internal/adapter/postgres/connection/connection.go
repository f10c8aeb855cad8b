package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
)

const connColumns = `agent_id, session_id, account_id, version, location, first_seen_at, last_heartbeat_at, evicted_at`

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Upsert(ctx context.Context, c domainagent.Connection) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO connections (agent_id, session_id, account_id, version, location, first_seen_at, last_heartbeat_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (agent_id, session_id) DO UPDATE SET
			version = EXCLUDED.version,
			location = EXCLUDED.location,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at`,
		c.AgentID, c.SessionID, c.AccountID, c.Version, c.Location, firstSeen(c), c.LastHeartbeatAt)
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}
	return nil
}

func (r *Repository) ListByAgent(ctx context.Context, agentID uuid.UUID) ([]domainagent.Connection, error) {
	return r.query(ctx, `SELECT `+connColumns+`
		FROM connections WHERE agent_id = $1 ORDER BY last_heartbeat_at`, agentID)
}

func (r *Repository) ListLive(ctx context.Context, accountID string, since time.Time) ([]domainagent.Connection, error) {
	return r.query(ctx, `SELECT `+connColumns+`
		FROM connections WHERE account_id = $1 AND last_heartbeat_at >= $2 AND evicted_at IS NULL
		ORDER BY last_heartbeat_at`, accountID, since)
}

func (r *Repository) MarkEvicted(ctx context.Context, agentID uuid.UUID, sessionID string, at time.Time) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE connections SET evicted_at = $3
		WHERE agent_id = $1 AND session_id = $2 AND evicted_at IS NULL`, agentID, sessionID, at); err != nil {
		return fmt.Errorf("evicting connection: %w", err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, agentID uuid.UUID, sessionID string) error {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM connections WHERE agent_id = $1 AND session_id = $2`, agentID, sessionID); err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	return nil
}

func (r *Repository) DeleteByAgent(ctx context.Context, agentID uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM connections WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("deleting agent connections: %w", err)
	}
	return nil
}

func (r *Repository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM connections WHERE last_heartbeat_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("deleting stale connections: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]domainagent.Connection, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	defer rows.Close()

	var out []domainagent.Connection
	for rows.Next() {
		var c domainagent.Connection
		if err := rows.Scan(&c.AgentID, &c.SessionID, &c.AccountID, &c.Version, &c.Location,
			&c.FirstSeenAt, &c.LastHeartbeatAt, &c.EvictedAt); err != nil {
			return nil, fmt.Errorf("scanning connection row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func firstSeen(c domainagent.Connection) time.Time {
	if c.FirstSeenAt.IsZero() {
		return c.LastHeartbeatAt
	}
	return c.FirstSeenAt
}
