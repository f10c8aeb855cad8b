package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	"github.com/alanyang/delegate-broker/internal/port"
)

type AgentRepository struct {
	db *sql.DB
}

const agentColumns = `id, account_id, name, status, host_name, ip, type, profile_id,
	explicit_selectors, include_scopes, exclude_scopes, connection_mode, slot_json,
	last_heartbeat_at, expires_at, created_at`

func (r *AgentRepository) Create(ctx context.Context, a domainagent.Agent) (domainagent.Agent, error) {
	args, err := agentArgs(a)
	if err != nil {
		return domainagent.Agent{}, err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agents (id, account_id, name, status, host_name, ip, type, profile_id,
			explicit_selectors, include_scopes, exclude_scopes, connection_mode, slot_json,
			last_heartbeat_at, expires_at, created_at, host_prefix)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		append(args, domainagent.HostPrefix(a.HostName))...)
	if err != nil {
		return domainagent.Agent{}, fmt.Errorf("inserting agent: %w", mapErr(err))
	}
	return r.GetByID(ctx, a.ID)
}

func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (domainagent.Agent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err != nil {
		return domainagent.Agent{}, fmt.Errorf("agent %s: %w", id, mapErr(err))
	}
	return a, nil
}

func (r *AgentRepository) List(ctx context.Context, filters domainagent.ListFilters) ([]domainagent.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	if filters.AccountID != nil {
		query += " AND account_id = ?"
		args = append(args, *filters.AccountID)
	}
	if filters.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filters.Status))
	}
	if filters.HostPrefix != nil {
		query += " AND host_prefix = ?"
		args = append(args, *filters.HostPrefix)
	}
	query += " ORDER BY created_at"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []domainagent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (r *AgentRepository) CountByAccount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE account_id = ? AND status != 'deleted'`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting agents: %w", err)
	}
	return n, nil
}

func (r *AgentRepository) Update(ctx context.Context, a domainagent.Agent) error {
	sels, err := encodeJSON(a.ExplicitSelectors)
	if err != nil {
		return err
	}
	inc, err := encodeJSON(a.IncludeScopes)
	if err != nil {
		return err
	}
	exc, err := encodeJSON(a.ExcludeScopes)
	if err != nil {
		return err
	}
	slot, err := slotJSON(a.Slot)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, host_name = ?, host_prefix = ?, ip = ?, profile_id = ?,
			explicit_selectors = ?, include_scopes = ?, exclude_scopes = ?, connection_mode = ?, slot_json = ?
		WHERE id = ?`,
		a.Name, a.HostName, domainagent.HostPrefix(a.HostName), a.IP, nullUUID(a.ProfileID),
		sels, inc, exc, string(a.ConnectionMode), slot, a.ID)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", a.ID, port.ErrNotFound)
	}
	return nil
}

func (r *AgentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domainagent.Status) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s status CAS failed: expected status %s", id, from)
	}
	return nil
}

func (r *AgentRepository) Touch(ctx context.Context, id uuid.UUID, heartbeatAt, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat_at = ?, expires_at = ? WHERE id = ?`,
		toNanos(heartbeatAt), toNanos(expiresAt), id)
	if err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, port.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func agentArgs(a domainagent.Agent) ([]any, error) {
	sels, err := encodeJSON(a.ExplicitSelectors)
	if err != nil {
		return nil, err
	}
	inc, err := encodeJSON(a.IncludeScopes)
	if err != nil {
		return nil, err
	}
	exc, err := encodeJSON(a.ExcludeScopes)
	if err != nil {
		return nil, err
	}
	slot, err := slotJSON(a.Slot)
	if err != nil {
		return nil, err
	}
	return []any{
		a.ID, a.AccountID, a.Name, string(a.Status), a.HostName, a.IP, string(a.Type),
		nullUUID(a.ProfileID), sels, inc, exc, string(a.ConnectionMode), slot,
		nullNanos(a.LastHeartbeatAt), nullNanos(a.ExpiresAt), toNanos(a.CreatedAt),
	}, nil
}

func slotJSON(s *domainagent.SlotBinding) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	enc, err := encodeJSON(s)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: enc, Valid: true}, nil
}

func scanAgent(row rowScanner) (domainagent.Agent, error) {
	var (
		a                  domainagent.Agent
		profileID          uuid.NullUUID
		sels, inc, exc     string
		slot               sql.NullString
		heartbeat, expires sql.NullInt64
		created            int64
	)
	if err := row.Scan(
		&a.ID, &a.AccountID, &a.Name, &a.Status, &a.HostName, &a.IP, &a.Type, &profileID,
		&sels, &inc, &exc, &a.ConnectionMode, &slot, &heartbeat, &expires, &created,
	); err != nil {
		return domainagent.Agent{}, err
	}
	a.ProfileID = uuidPtr(profileID)
	a.LastHeartbeatAt = timePtr(heartbeat)
	a.ExpiresAt = timePtr(expires)
	a.CreatedAt = fromNanos(created)
	if err := decodeJSON(sels, &a.ExplicitSelectors); err != nil {
		return domainagent.Agent{}, err
	}
	if err := decodeJSON(inc, &a.IncludeScopes); err != nil {
		return domainagent.Agent{}, err
	}
	if err := decodeJSON(exc, &a.ExcludeScopes); err != nil {
		return domainagent.Agent{}, err
	}
	if slot.Valid {
		a.Slot = &domainagent.SlotBinding{}
		if err := decodeJSON(slot.String, a.Slot); err != nil {
			return domainagent.Agent{}, err
		}
	}
	return a, nil
}
