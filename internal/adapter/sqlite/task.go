package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/port"
)

type TaskRepository struct {
	db *sql.DB
}

const taskColumns = `id, account_id, kind, status, rank, is_async, parameters, scope_attrs,
	required_capabilities, explicit_selectors, agent_id, preferred_agent_id,
	already_tried_agents, validating_agents, validated_agents, validation_started_at,
	timeout_ns, expires_at, wait_id, callback_driver_id, package, created_at`

func (r *TaskRepository) Create(ctx context.Context, t domaintask.Task) (domaintask.Task, error) {
	args, err := taskArgs(t)
	if err != nil {
		return domaintask.Task{}, err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return domaintask.Task{}, fmt.Errorf("inserting task: %w", mapErr(err))
	}
	return r.GetByID(ctx, t.ID)
}

func (r *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (domaintask.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return domaintask.Task{}, fmt.Errorf("task %s: %w", id, mapErr(err))
	}
	return t, nil
}

func (r *TaskRepository) List(ctx context.Context, filters domaintask.ListFilters) ([]domaintask.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filters.AccountID != nil {
		query += " AND account_id = ?"
		args = append(args, *filters.AccountID)
	}
	if filters.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filters.Status))
	}
	if filters.Rank != nil {
		query += " AND rank = ?"
		args = append(args, string(*filters.Rank))
	}
	if filters.AgentID != nil {
		query += " AND agent_id = ?"
		args = append(args, *filters.AgentID)
	}
	if filters.ExpiredBefore != nil {
		query += " AND expires_at < ?"
		args = append(args, toNanos(*filters.ExpiredBefore))
	}
	if filters.Validating {
		query += " AND status = 'queued' AND validation_started_at IS NOT NULL"
	}
	query += " ORDER BY created_at"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
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

func (r *TaskRepository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *TaskRepository) CountInFlight(ctx context.Context, accountID string, rank domaintask.Rank) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE account_id = ? AND rank = ? AND status IN ('queued', 'started')`,
		accountID, string(rank)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting in-flight tasks: %w", err)
	}
	return n, nil
}

func (r *TaskRepository) BeginValidation(ctx context.Context, id, agentID uuid.UUID, now time.Time) (domaintask.Task, bool, error) {
	return r.mutate(ctx, id, func(t *domaintask.Task) bool { return t.BeginValidation(agentID, now) })
}

func (r *TaskRepository) RecordValidated(ctx context.Context, id, agentID uuid.UUID) (domaintask.Task, bool, error) {
	return r.mutate(ctx, id, func(t *domaintask.Task) bool { return t.RecordValidated(agentID) })
}

func (r *TaskRepository) Claim(ctx context.Context, id uuid.UUID, accountID string, agentID uuid.UUID, expiresAt time.Time) (domaintask.Task, bool, error) {
	return r.mutate(ctx, id, func(t *domaintask.Task) bool { return t.Claim(accountID, agentID, expiresAt) })
}

func (r *TaskRepository) SetPackage(ctx context.Context, id, agentID uuid.UUID, pkg domaintask.Package) error {
	_, ok, err := r.mutate(ctx, id, func(t *domaintask.Task) bool {
		if t.Status != domaintask.StatusStarted || !t.IsAssignedTo(agentID) {
			return false
		}
		p := pkg
		t.Package = &p
		return true
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s is not started by agent %s", id, agentID)
	}
	return nil
}

func (r *TaskRepository) Requeue(ctx context.Context, id, agentID uuid.UUID) (domaintask.Task, bool, error) {
	return r.mutate(ctx, id, func(t *domaintask.Task) bool { return t.Requeue(agentID) })
}

func (r *TaskRepository) Transition(ctx context.Context, id uuid.UUID, from []domaintask.Status, to domaintask.Status, asyncOnly bool) (domaintask.Task, bool, error) {
	return r.mutate(ctx, id, func(t *domaintask.Task) bool { return t.Transition(from, to, asyncOnly) })
}

// mutate reads the task, applies fn and writes it back in one transaction. A missing
// task or a false predicate leaves the row untouched and reports false.
func (r *TaskRepository) mutate(ctx context.Context, id uuid.UUID, fn func(*domaintask.Task) bool) (domaintask.Task, bool, error) {
	var (
		out     domaintask.Task
		applied bool
	)
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading task: %w", err)
		}
		out = t
		if !fn(&t) {
			return nil
		}
		args, err := taskArgs(t)
		if err != nil {
			return err
		}
		// id stays first; the rest of the columns are rewritten.
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET account_id = ?, kind = ?, status = ?, rank = ?, is_async = ?,
				parameters = ?, scope_attrs = ?, required_capabilities = ?, explicit_selectors = ?,
				agent_id = ?, preferred_agent_id = ?, already_tried_agents = ?, validating_agents = ?,
				validated_agents = ?, validation_started_at = ?, timeout_ns = ?, expires_at = ?,
				wait_id = ?, callback_driver_id = ?, package = ?, created_at = ?
			WHERE id = ?`, append(args[1:], t.ID)...); err != nil {
			return fmt.Errorf("writing task: %w", err)
		}
		out = t
		applied = true
		return nil
	})
	if err != nil {
		return domaintask.Task{}, false, err
	}
	if out.ID == uuid.Nil {
		return domaintask.Task{}, false, fmt.Errorf("task %s: %w", id, port.ErrNotFound)
	}
	return out, applied, nil
}

func taskArgs(t domaintask.Task) ([]any, error) {
	cols := make([]string, 0, 8)
	for _, v := range []any{
		t.Parameters, t.ScopeAttrs, t.RequiredCapabilities, t.ExplicitSelectors,
		nonNilIDs(t.AlreadyTriedAgents), nonNilIDs(t.ValidatingAgents), nonNilIDs(t.ValidatedAgents),
	} {
		enc, err := encodeJSON(v)
		if err != nil {
			return nil, err
		}
		cols = append(cols, enc)
	}
	var pkg sql.NullString
	if t.Package != nil {
		enc, err := encodeJSON(t.Package)
		if err != nil {
			return nil, err
		}
		pkg = sql.NullString{String: enc, Valid: true}
	}
	return []any{
		t.ID, t.AccountID, string(t.Kind), string(t.Status), string(t.Rank), boolInt(t.IsAsync),
		cols[0], cols[1], cols[2], cols[3],
		nullUUID(t.AgentID), nullUUID(t.PreferredAgentID),
		cols[4], cols[5], cols[6], nullNanos(t.ValidationStartedAt),
		int64(t.Timeout), toNanos(t.ExpiresAt), t.WaitID, t.CallbackDriverID, pkg, toNanos(t.CreatedAt),
	}, nil
}

func scanTask(row rowScanner) (domaintask.Task, error) {
	var (
		t                            domaintask.Task
		isAsync                      int
		params, scope, caps, sels    string
		agentID, preferred           uuid.NullUUID
		tried, validating, validated string
		validationStarted            sql.NullInt64
		timeout, expires, created    int64
		pkg                          sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.AccountID, &t.Kind, &t.Status, &t.Rank, &isAsync, &params, &scope,
		&caps, &sels, &agentID, &preferred, &tried, &validating, &validated, &validationStarted,
		&timeout, &expires, &t.WaitID, &t.CallbackDriverID, &pkg, &created,
	); err != nil {
		return domaintask.Task{}, err
	}
	t.IsAsync = isAsync != 0
	t.AgentID = uuidPtr(agentID)
	t.PreferredAgentID = uuidPtr(preferred)
	t.ValidationStartedAt = timePtr(validationStarted)
	t.Timeout = time.Duration(timeout)
	t.ExpiresAt = fromNanos(expires)
	t.CreatedAt = fromNanos(created)

	for _, c := range []struct {
		src string
		dst any
	}{
		{params, &t.Parameters}, {scope, &t.ScopeAttrs}, {caps, &t.RequiredCapabilities},
		{sels, &t.ExplicitSelectors}, {tried, &t.AlreadyTriedAgents},
		{validating, &t.ValidatingAgents}, {validated, &t.ValidatedAgents},
	} {
		if err := decodeJSON(c.src, c.dst); err != nil {
			return domaintask.Task{}, err
		}
	}
	if pkg.Valid {
		t.Package = &domaintask.Package{}
		if err := decodeJSON(pkg.String, t.Package); err != nil {
			return domaintask.Task{}, err
		}
	}
	return t, nil
}

func nonNilIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
