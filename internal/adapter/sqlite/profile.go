package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
)

type ProfileRepository struct {
	db *sql.DB
}

func (r *ProfileRepository) Upsert(ctx context.Context, p domainagent.Profile) error {
	sels, err := encodeJSON(p.Selectors)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO profiles (id, account_id, name, selectors) VALUES (?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, selectors = excluded.selectors`,
		p.ID, p.AccountID, p.Name, sels)
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}
	return nil
}

func (r *ProfileRepository) GetByID(ctx context.Context, id uuid.UUID) (domainagent.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, selectors FROM profiles WHERE id = ?`, id))
	if err != nil {
		return domainagent.Profile{}, fmt.Errorf("profile %s: %w", id, mapErr(err))
	}
	return p, nil
}

func (r *ProfileRepository) ListByAccount(ctx context.Context, accountID string) ([]domainagent.Profile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, name, selectors FROM profiles WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var out []domainagent.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning profile row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProfile(row rowScanner) (domainagent.Profile, error) {
	var p domainagent.Profile
	var sels string
	if err := row.Scan(&p.ID, &p.AccountID, &p.Name, &sels); err != nil {
		return domainagent.Profile{}, err
	}
	if err := decodeJSON(sels, &p.Selectors); err != nil {
		return domainagent.Profile{}, err
	}
	return p, nil
}
