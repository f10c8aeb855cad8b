package slot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/delegate-broker/internal/adapter/postgres"
	domainslot "github.com/alanyang/delegate-broker/internal/domain/slot"
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `account_id, host_prefix, sequence_number, token, agent_id, last_refreshed_at`

func (r *Repository) Get(ctx context.Context, accountID, hostPrefix string, seq int) (domainslot.IdentitySlot, error) {
	s, err := scanSlot(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM identity_slots
		WHERE account_id = $1 AND host_prefix = $2 AND sequence_number = $3`, accountID, hostPrefix, seq))
	if err != nil {
		return domainslot.IdentitySlot{}, fmt.Errorf("identity slot %s/%d: %w", hostPrefix, seq, postgres.MapErr(err))
	}
	return s, nil
}

func (r *Repository) ListByPrefix(ctx context.Context, accountID, hostPrefix string) ([]domainslot.IdentitySlot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM identity_slots
		WHERE account_id = $1 AND host_prefix = $2 ORDER BY sequence_number`, accountID, hostPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing identity slots: %w", err)
	}
	defer rows.Close()

	var out []domainslot.IdentitySlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning identity slot row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Create relies on the (account_id, host_prefix, sequence_number) primary key to
// reject concurrent allocations of the same number.
func (r *Repository) Create(ctx context.Context, s domainslot.IdentitySlot) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO identity_slots (`+columns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		s.AccountID, s.HostPrefix, s.SequenceNumber, s.Token, s.AgentID, s.LastRefreshedAt)
	if err != nil {
		return fmt.Errorf("inserting identity slot: %w", postgres.MapErr(err))
	}
	return nil
}

func (r *Repository) Rebind(ctx context.Context, observed domainslot.IdentitySlot, agentID uuid.UUID, newToken string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE identity_slots SET token = $6, agent_id = $7, last_refreshed_at = $8
		WHERE account_id = $1 AND host_prefix = $2 AND sequence_number = $3
			AND token = $4 AND last_refreshed_at = $5`,
		observed.AccountID, observed.HostPrefix, observed.SequenceNumber, observed.Token, observed.LastRefreshedAt,
		newToken, agentID, now)
	if err != nil {
		return false, fmt.Errorf("rebinding identity slot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) Refresh(ctx context.Context, accountID, hostPrefix string, seq int, token string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE identity_slots SET last_refreshed_at = $5
		WHERE account_id = $1 AND host_prefix = $2 AND sequence_number = $3 AND token = $4`,
		accountID, hostPrefix, seq, token, now)
	if err != nil {
		return false, fmt.Errorf("refreshing identity slot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanSlot(row pgx.Row) (domainslot.IdentitySlot, error) {
	var s domainslot.IdentitySlot
	err := row.Scan(&s.AccountID, &s.HostPrefix, &s.SequenceNumber, &s.Token, &s.AgentID, &s.LastRefreshedAt)
	return s, err
}
