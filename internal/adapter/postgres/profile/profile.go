package profile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/delegate-broker/internal/adapter/postgres"
	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Upsert(ctx context.Context, p domainagent.Profile) error {
	sels := p.Selectors
	if sels == nil {
		sels = []string{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO profiles (id, account_id, name, selectors) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, selectors = EXCLUDED.selectors`,
		p.ID, p.AccountID, p.Name, sels)
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (domainagent.Profile, error) {
	var p domainagent.Profile
	err := r.pool.QueryRow(ctx,
		`SELECT id, account_id, name, selectors FROM profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.AccountID, &p.Name, &p.Selectors)
	if err != nil {
		return domainagent.Profile{}, fmt.Errorf("profile %s: %w", id, postgres.MapErr(err))
	}
	return p, nil
}

func (r *Repository) ListByAccount(ctx context.Context, accountID string) ([]domainagent.Profile, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, name, selectors FROM profiles WHERE account_id = $1 ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var out []domainagent.Profile
	for rows.Next() {
		var p domainagent.Profile
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Name, &p.Selectors); err != nil {
			return nil, fmt.Errorf("scanning profile row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
