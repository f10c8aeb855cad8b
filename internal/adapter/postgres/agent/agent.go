package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/delegate-broker/internal/adapter/postgres"
	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	"github.com/alanyang/delegate-broker/internal/port"
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, account_id, name, status, host_name, ip, type, profile_id,
	explicit_selectors, include_scopes, exclude_scopes, connection_mode, slot_jsonb,
	last_heartbeat_at, expires_at, created_at`

func (r *Repository) Create(ctx context.Context, a domainagent.Agent) (domainagent.Agent, error) {
	inc, exc, slot, err := marshalJSONFields(a)
	if err != nil {
		return domainagent.Agent{}, err
	}

	query := `
		INSERT INTO agents (id, account_id, name, status, host_name, ip, type, profile_id,
			explicit_selectors, include_scopes, exclude_scopes, connection_mode, slot_jsonb,
			last_heartbeat_at, expires_at, created_at, host_prefix)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING ` + columns

	created, err := scanAgent(r.pool.QueryRow(ctx, query,
		a.ID, a.AccountID, a.Name, string(a.Status), a.HostName, a.IP, string(a.Type), a.ProfileID,
		nonNil(a.ExplicitSelectors), inc, exc, string(a.ConnectionMode), slot,
		a.LastHeartbeatAt, a.ExpiresAt, a.CreatedAt, domainagent.HostPrefix(a.HostName),
	))
	if err != nil {
		return domainagent.Agent{}, fmt.Errorf("inserting agent: %w", postgres.MapErr(err))
	}
	return created, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (domainagent.Agent, error) {
	a, err := scanAgent(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return domainagent.Agent{}, fmt.Errorf("agent %s: %w", id, postgres.MapErr(err))
	}
	return a, nil
}

func (r *Repository) List(ctx context.Context, filters domainagent.ListFilters) ([]domainagent.Agent, error) {
	query := `SELECT ` + columns + ` FROM agents WHERE 1=1`

	args := []interface{}{}
	argIdx := 1

	if filters.AccountID != nil {
		query += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, *filters.AccountID)
		argIdx++
	}
	if filters.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*filters.Status))
		argIdx++
	}
	if filters.HostPrefix != nil {
		query += fmt.Sprintf(" AND host_prefix = $%d", argIdx)
		args = append(args, *filters.HostPrefix)
		argIdx++
	}

	query += " ORDER BY created_at"

	rows, err := r.pool.Query(ctx, query, args...)
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

func (r *Repository) CountByAccount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agents WHERE account_id = $1 AND status != 'deleted'`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting agents: %w", err)
	}
	return n, nil
}

func (r *Repository) Update(ctx context.Context, a domainagent.Agent) error {
	inc, exc, slot, err := marshalJSONFields(a)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET name = $2, host_name = $3, host_prefix = $4, ip = $5, profile_id = $6,
			explicit_selectors = $7, include_scopes = $8, exclude_scopes = $9,
			connection_mode = $10, slot_jsonb = $11
		WHERE id = $1`,
		a.ID, a.Name, a.HostName, domainagent.HostPrefix(a.HostName), a.IP, a.ProfileID,
		nonNil(a.ExplicitSelectors), inc, exc, string(a.ConnectionMode), slot,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", a.ID, port.ErrNotFound)
	}
	return nil
}

func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domainagent.Status) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE agents SET status = $1 WHERE id = $2 AND status = $3`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s status CAS failed: expected status %s", id, from)
	}
	return nil
}

func (r *Repository) Touch(ctx context.Context, id uuid.UUID, heartbeatAt, expiresAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE agents SET last_heartbeat_at = $1, expires_at = $2 WHERE id = $3`, heartbeatAt, expiresAt, id)
	if err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", id, port.ErrNotFound)
	}
	return nil
}

func marshalJSONFields(a domainagent.Agent) (inc, exc, slot []byte, err error) {
	if inc, err = json.Marshal(nonNilScopes(a.IncludeScopes)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling include scopes: %w", err)
	}
	if exc, err = json.Marshal(nonNilScopes(a.ExcludeScopes)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling exclude scopes: %w", err)
	}
	if a.Slot != nil {
		if slot, err = json.Marshal(a.Slot); err != nil {
			return nil, nil, nil, fmt.Errorf("marshaling slot: %w", err)
		}
	}
	return inc, exc, slot, nil
}

func scanAgent(row pgx.Row) (domainagent.Agent, error) {
	var a domainagent.Agent
	var inc, exc, slot []byte
	if err := row.Scan(
		&a.ID, &a.AccountID, &a.Name, &a.Status, &a.HostName, &a.IP, &a.Type, &a.ProfileID,
		&a.ExplicitSelectors, &inc, &exc, &a.ConnectionMode, &slot,
		&a.LastHeartbeatAt, &a.ExpiresAt, &a.CreatedAt,
	); err != nil {
		return domainagent.Agent{}, err
	}
	if err := json.Unmarshal(inc, &a.IncludeScopes); err != nil {
		return domainagent.Agent{}, fmt.Errorf("unmarshaling include scopes: %w", err)
	}
	if err := json.Unmarshal(exc, &a.ExcludeScopes); err != nil {
		return domainagent.Agent{}, fmt.Errorf("unmarshaling exclude scopes: %w", err)
	}
	if len(slot) > 0 {
		a.Slot = &domainagent.SlotBinding{}
		if err := json.Unmarshal(slot, a.Slot); err != nil {
			return domainagent.Agent{}, fmt.Errorf("unmarshaling slot: %w", err)
		}
	}
	return a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilScopes(s []domainagent.Scope) []domainagent.Scope {
	if s == nil {
		return []domainagent.Scope{}
	}
	return s
}
