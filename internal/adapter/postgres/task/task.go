package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/delegate-broker/internal/adapter/postgres"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
)

// Repository implements port/task.Repository. Every conditional write is a single
// UPDATE ... WHERE <predicate> RETURNING statement.
type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, account_id, kind, status, rank, is_async, parameters, scope_attrs,
	required_capabilities, explicit_selectors, agent_id, preferred_agent_id,
	already_tried_agents, validating_agents, validated_agents, validation_started_at,
	timeout_ns, expires_at, wait_id, callback_driver_id, package, created_at`

func (r *Repository) Create(ctx context.Context, t domaintask.Task) (domaintask.Task, error) {
	params, scope, caps, pkg, err := marshalJSONFields(t)
	if err != nil {
		return domaintask.Task{}, err
	}

	query := `
		INSERT INTO tasks (` + columns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING ` + columns

	created, err := scanTask(r.pool.QueryRow(ctx, query,
		t.ID, t.AccountID, string(t.Kind), string(t.Status), string(t.Rank), t.IsAsync,
		params, scope, caps, nonNil(t.ExplicitSelectors), t.AgentID, t.PreferredAgentID,
		postgres.IDStrings(t.AlreadyTriedAgents), postgres.IDStrings(t.ValidatingAgents),
		postgres.IDStrings(t.ValidatedAgents), t.ValidationStartedAt,
		int64(t.Timeout), t.ExpiresAt, t.WaitID, t.CallbackDriverID, pkg, t.CreatedAt,
	))
	if err != nil {
		return domaintask.Task{}, fmt.Errorf("inserting task: %w", postgres.MapErr(err))
	}
	return created, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (domaintask.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return domaintask.Task{}, fmt.Errorf("task %s: %w", id, postgres.MapErr(err))
	}
	return t, nil
}

func (r *Repository) List(ctx context.Context, filters domaintask.ListFilters) ([]domaintask.Task, error) {
	query := `SELECT ` + columns + ` FROM tasks WHERE 1=1`

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
	if filters.Rank != nil {
		query += fmt.Sprintf(" AND rank = $%d", argIdx)
		args = append(args, string(*filters.Rank))
		argIdx++
	}
	if filters.AgentID != nil {
		query += fmt.Sprintf(" AND agent_id = $%d", argIdx)
		args = append(args, *filters.AgentID)
		argIdx++
	}
	if filters.ExpiredBefore != nil {
		query += fmt.Sprintf(" AND expires_at < $%d", argIdx)
		args = append(args, *filters.ExpiredBefore)
		argIdx++
	}
	if filters.Validating {
		query += " AND status = 'queued' AND validation_started_at IS NOT NULL"
	}

	query += " ORDER BY created_at"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domaintask.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) CountInFlight(ctx context.Context, accountID string, rank domaintask.Rank) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE account_id = $1 AND rank = $2 AND status IN ('queued', 'started')`,
		accountID, string(rank)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting in-flight tasks: %w", err)
	}
	return n, nil
}

func (r *Repository) BeginValidation(ctx context.Context, id, agentID uuid.UUID, now time.Time) (domaintask.Task, bool, error) {
	return r.cas(ctx, id, `
		UPDATE tasks SET
			validating_agents = CASE WHEN $2::text = ANY(validating_agents)
				THEN validating_agents ELSE array_append(validating_agents, $2::text) END,
			validation_started_at = COALESCE(validation_started_at, $3)
		WHERE id = $1 AND status = 'queued' AND agent_id IS NULL
		RETURNING `+columns, id, agentID.String(), now)
}

func (r *Repository) RecordValidated(ctx context.Context, id, agentID uuid.UUID) (domaintask.Task, bool, error) {
	return r.cas(ctx, id, `
		UPDATE tasks SET
			validated_agents = CASE WHEN $2::text = ANY(validated_agents)
				THEN validated_agents ELSE array_append(validated_agents, $2::text) END
		WHERE id = $1 AND status = 'queued' AND agent_id IS NULL
			AND $2::text = ANY(validating_agents)
			AND NOT ($2::text = ANY(already_tried_agents))
		RETURNING `+columns, id, agentID.String())
}

func (r *Repository) Claim(ctx context.Context, id uuid.UUID, accountID string, agentID uuid.UUID, expiresAt time.Time) (domaintask.Task, bool, error) {
	return r.cas(ctx, id, `
		UPDATE tasks SET
			agent_id = $2, status = 'started', expires_at = $3,
			validating_agents = '{}', validated_agents = '{}', validation_started_at = NULL
		WHERE id = $1 AND status = 'queued' AND agent_id IS NULL AND account_id = $4
		RETURNING `+columns, id, agentID, expiresAt, accountID)
}

func (r *Repository) SetPackage(ctx context.Context, id, agentID uuid.UUID, pkg domaintask.Package) error {
	data, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("marshaling package: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET package = $3 WHERE id = $1 AND agent_id = $2 AND status = 'started'`,
		id, agentID, data)
	if err != nil {
		return fmt.Errorf("storing task package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s is not started by agent %s", id, agentID)
	}
	return nil
}

func (r *Repository) Requeue(ctx context.Context, id, agentID uuid.UUID) (domaintask.Task, bool, error) {
	return r.cas(ctx, id, `
		UPDATE tasks SET
			status = 'queued', agent_id = NULL, package = NULL,
			already_tried_agents = CASE WHEN $3::text = ANY(already_tried_agents)
				THEN already_tried_agents ELSE array_append(already_tried_agents, $3::text) END,
			validating_agents = '{}', validated_agents = '{}', validation_started_at = NULL
		WHERE id = $1 AND status = 'started' AND agent_id = $2
		RETURNING `+columns, id, agentID, agentID.String())
}

func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from []domaintask.Status, to domaintask.Status, asyncOnly bool) (domaintask.Task, bool, error) {
	var allowed []string
	for _, s := range from {
		if s.CanTransitionTo(to) {
			allowed = append(allowed, string(s))
		}
	}
	return r.cas(ctx, id, `
		UPDATE tasks SET status = $2
		WHERE id = $1 AND status = ANY($3) AND (NOT $4 OR is_async)
		RETURNING `+columns, id, string(to), allowed, asyncOnly)
}

// cas runs a conditional update. When no row matches, the current record is
// re-read so callers can observe the post-state; a missing record is port.ErrNotFound.
func (r *Repository) cas(ctx context.Context, id uuid.UUID, query string, args ...any) (domaintask.Task, bool, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domaintask.Task{}, false, fmt.Errorf("updating task %s: %w", id, err)
	}
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return domaintask.Task{}, false, err
	}
	return current, false, nil
}

func marshalJSONFields(t domaintask.Task) (params, scope, caps, pkg []byte, err error) {
	if params, err = json.Marshal(t.Parameters); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling parameters: %w", err)
	}
	if scope, err = json.Marshal(t.ScopeAttrs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling scope attributes: %w", err)
	}
	if caps, err = json.Marshal(t.RequiredCapabilities); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling capabilities: %w", err)
	}
	if t.Package != nil {
		if pkg, err = json.Marshal(t.Package); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshaling package: %w", err)
		}
	}
	return params, scope, caps, pkg, nil
}

func scanTask(row pgx.Row) (domaintask.Task, error) {
	var (
		t                            domaintask.Task
		params, scope, caps, pkg     []byte
		tried, validating, validated []string
		timeout                      int64
	)
	if err := row.Scan(
		&t.ID, &t.AccountID, &t.Kind, &t.Status, &t.Rank, &t.IsAsync, &params, &scope,
		&caps, &t.ExplicitSelectors, &t.AgentID, &t.PreferredAgentID,
		&tried, &validating, &validated, &t.ValidationStartedAt,
		&timeout, &t.ExpiresAt, &t.WaitID, &t.CallbackDriverID, &pkg, &t.CreatedAt,
	); err != nil {
		return domaintask.Task{}, err
	}
	t.Timeout = time.Duration(timeout)

	var err error
	if t.AlreadyTriedAgents, err = postgres.ParseIDs(tried); err != nil {
		return domaintask.Task{}, err
	}
	if t.ValidatingAgents, err = postgres.ParseIDs(validating); err != nil {
		return domaintask.Task{}, err
	}
	if t.ValidatedAgents, err = postgres.ParseIDs(validated); err != nil {
		return domaintask.Task{}, err
	}
	if err := json.Unmarshal(params, &t.Parameters); err != nil {
		return domaintask.Task{}, fmt.Errorf("unmarshaling parameters: %w", err)
	}
	if err := json.Unmarshal(scope, &t.ScopeAttrs); err != nil {
		return domaintask.Task{}, fmt.Errorf("unmarshaling scope attributes: %w", err)
	}
	if err := json.Unmarshal(caps, &t.RequiredCapabilities); err != nil {
		return domaintask.Task{}, fmt.Errorf("unmarshaling capabilities: %w", err)
	}
	if len(pkg) > 0 {
		t.Package = &domaintask.Package{}
		if err := json.Unmarshal(pkg, t.Package); err != nil {
			return domaintask.Task{}, fmt.Errorf("unmarshaling package: %w", err)
		}
	}
	return t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
