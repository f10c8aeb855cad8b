package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type SelectorMapRepository struct {
	db *sql.DB
}

// Get returns nil when the account has no entry for group.
func (r *SelectorMapRepository) Get(ctx context.Context, accountID, group string) ([]string, error) {
	var raw string
	err := r.db.QueryRowContext(ctx,
		`SELECT selectors FROM selector_maps WHERE account_id = ? AND task_group = ?`, accountID, group).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading selector map: %w", err)
	}
	var sels []string
	if err := decodeJSON(raw, &sels); err != nil {
		return nil, err
	}
	return sels, nil
}

func (r *SelectorMapRepository) Put(ctx context.Context, accountID, group string, selectors []string) error {
	enc, err := encodeJSON(selectors)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO selector_maps (account_id, task_group, selectors) VALUES (?,?,?)
		ON CONFLICT (account_id, task_group) DO UPDATE SET selectors = excluded.selectors`,
		accountID, group, enc)
	if err != nil {
		return fmt.Errorf("writing selector map: %w", err)
	}
	return nil
}
