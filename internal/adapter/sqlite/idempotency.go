package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type IdempotencyRepository struct {
	db *sql.DB
}

func (r *IdempotencyRepository) Check(ctx context.Context, key string) ([]byte, bool, error) {
	var result []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT result_json FROM processed_operations WHERE idempotency_key = ?`, key).Scan(&result)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("checking idempotency key: %w", err)
	}
	return result, true, nil
}

func (r *IdempotencyRepository) Store(ctx context.Context, key, accountID, opType string, resultJSON []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_operations (idempotency_key, account_id, operation_type, result_json, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, accountID, opType, resultJSON, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("storing idempotency key: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_operations WHERE created_at < ?`, before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purging idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
