package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
)

const connColumns = `agent_id, session_id, account_id, version, location, first_seen_at, last_heartbeat_at, evicted_at`

type ConnectionRepository struct {
	db *sql.DB
}

func (r *ConnectionRepository) Upsert(ctx context.Context, c domainagent.Connection) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connections (agent_id, session_id, account_id, version, location, first_seen_at, last_heartbeat_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (agent_id, session_id) DO UPDATE SET
			version = excluded.version,
			location = excluded.location,
			last_heartbeat_at = excluded.last_heartbeat_at`,
		c.AgentID, c.SessionID, c.AccountID, c.Version, c.Location, toNanos(firstSeen(c)), toNanos(c.LastHeartbeatAt))
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}
	return nil
}

func (r *ConnectionRepository) ListByAgent(ctx context.Context, agentID uuid.UUID) ([]domainagent.Connection, error) {
	return r.query(ctx, `SELECT `+connColumns+`
		FROM connections WHERE agent_id = ? ORDER BY last_heartbeat_at`, agentID)
}

func (r *ConnectionRepository) ListLive(ctx context.Context, accountID string, since time.Time) ([]domainagent.Connection, error) {
	return r.query(ctx, `SELECT `+connColumns+`
		FROM connections WHERE account_id = ? AND last_heartbeat_at >= ? AND evicted_at IS NULL
		ORDER BY last_heartbeat_at`, accountID, toNanos(since))
}

func (r *ConnectionRepository) MarkEvicted(ctx context.Context, agentID uuid.UUID, sessionID string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE connections SET evicted_at = ?
		WHERE agent_id = ? AND session_id = ? AND evicted_at IS NULL`, toNanos(at), agentID, sessionID); err != nil {
		return fmt.Errorf("evicting connection: %w", err)
	}
	return nil
}

func (r *ConnectionRepository) Delete(ctx context.Context, agentID uuid.UUID, sessionID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM connections WHERE agent_id = ? AND session_id = ?`, agentID, sessionID); err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	return nil
}

func (r *ConnectionRepository) DeleteByAgent(ctx context.Context, agentID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("deleting agent connections: %w", err)
	}
	return nil
}

func (r *ConnectionRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE last_heartbeat_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("deleting stale connections: %w", err)
	}
	return res.RowsAffected()
}

func (r *ConnectionRepository) query(ctx context.Context, query string, args ...any) ([]domainagent.Connection, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	defer rows.Close()

	var out []domainagent.Connection
	for rows.Next() {
		var c domainagent.Connection
		var first, hb int64
		var evicted sql.NullInt64
		if err := rows.Scan(&c.AgentID, &c.SessionID, &c.AccountID, &c.Version, &c.Location, &first, &hb, &evicted); err != nil {
			return nil, fmt.Errorf("scanning connection row: %w", err)
		}
		c.FirstSeenAt = fromNanos(first)
		c.LastHeartbeatAt = fromNanos(hb)
		c.EvictedAt = timePtr(evicted)
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
