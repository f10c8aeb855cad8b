package selectormap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns nil when the account has no entry for group.
func (r *Repository) Get(ctx context.Context, accountID, group string) ([]string, error) {
	var sels []string
	err := r.pool.QueryRow(ctx,
		`SELECT selectors FROM selector_maps WHERE account_id = $1 AND task_group = $2`,
		accountID, group).Scan(&sels)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading selector map: %w", err)
	}
	return sels, nil
}

func (r *Repository) Put(ctx context.Context, accountID, group string, selectors []string) error {
	if selectors == nil {
		selectors = []string{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO selector_maps (account_id, task_group, selectors) VALUES ($1,$2,$3)
		ON CONFLICT (account_id, task_group) DO UPDATE SET selectors = EXCLUDED.selectors`,
		accountID, group, selectors)
	if err != nil {
		return fmt.Errorf("writing selector map: %w", err)
	}
	return nil
}
