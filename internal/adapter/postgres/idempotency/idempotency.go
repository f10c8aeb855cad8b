package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	portidempotency "github.com/alanyang/delegate-broker/internal/port/idempotency"
)

var _ portidempotency.Repository = (*Repository)(nil)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Check(ctx context.Context, key string) ([]byte, bool, error) {
	var result []byte
	err := r.pool.QueryRow(ctx,
		`SELECT result_jsonb FROM processed_operations WHERE idempotency_key = $1`, key).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency key: %w", err)
	}
	return result, true, nil
}

// Store records a keyed response. Concurrent writers race on the primary key and
// the first one wins.
func (r *Repository) Store(ctx context.Context, key, accountID, opType string, resultJSON []byte) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processed_operations (idempotency_key, account_id, operation_type, result_jsonb, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, accountID, opType, resultJSON)
	if err != nil {
		return fmt.Errorf("store idempotency key: %w", err)
	}
	return nil
}

func (r *Repository) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM processed_operations WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
