package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	domainslot "github.com/alanyang/delegate-broker/internal/domain/slot"
)

type SlotRepository struct {
	db *sql.DB
}

func (r *SlotRepository) Get(ctx context.Context, accountID, hostPrefix string, seq int) (domainslot.IdentitySlot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT account_id, host_prefix, sequence_number, token, agent_id, last_refreshed_at
		FROM identity_slots WHERE account_id = ? AND host_prefix = ? AND sequence_number = ?`,
		accountID, hostPrefix, seq)
	s, err := scanSlot(row)
	if err != nil {
		return domainslot.IdentitySlot{}, fmt.Errorf("identity slot %s/%d: %w", hostPrefix, seq, mapErr(err))
	}
	return s, nil
}

func (r *SlotRepository) ListByPrefix(ctx context.Context, accountID, hostPrefix string) ([]domainslot.IdentitySlot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, host_prefix, sequence_number, token, agent_id, last_refreshed_at
		FROM identity_slots WHERE account_id = ? AND host_prefix = ?
		ORDER BY sequence_number`, accountID, hostPrefix)
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

func (r *SlotRepository) Create(ctx context.Context, s domainslot.IdentitySlot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO identity_slots (account_id, host_prefix, sequence_number, token, agent_id, last_refreshed_at)
		VALUES (?,?,?,?,?,?)`,
		s.AccountID, s.HostPrefix, s.SequenceNumber, s.Token, nullUUID(s.AgentID), toNanos(s.LastRefreshedAt))
	if err != nil {
		return fmt.Errorf("inserting identity slot: %w", mapErr(err))
	}
	return nil
}

func (r *SlotRepository) Rebind(ctx context.Context, observed domainslot.IdentitySlot, agentID uuid.UUID, newToken string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE identity_slots SET token = ?, agent_id = ?, last_refreshed_at = ?
		WHERE account_id = ? AND host_prefix = ? AND sequence_number = ?
			AND token = ? AND last_refreshed_at = ?`,
		newToken, agentID, toNanos(now), observed.AccountID, observed.HostPrefix, observed.SequenceNumber,
		observed.Token, toNanos(observed.LastRefreshedAt))
	if err != nil {
		return false, fmt.Errorf("rebinding identity slot: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SlotRepository) Refresh(ctx context.Context, accountID, hostPrefix string, seq int, token string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE identity_slots SET last_refreshed_at = ?
		WHERE account_id = ? AND host_prefix = ? AND sequence_number = ? AND token = ?`,
		toNanos(now), accountID, hostPrefix, seq, token)
	if err != nil {
		return false, fmt.Errorf("refreshing identity slot: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanSlot(row rowScanner) (domainslot.IdentitySlot, error) {
	var (
		s         domainslot.IdentitySlot
		agentID   uuid.NullUUID
		refreshed int64
	)
	if err := row.Scan(&s.AccountID, &s.HostPrefix, &s.SequenceNumber, &s.Token, &agentID, &refreshed); err != nil {
		return domainslot.IdentitySlot{}, err
	}
	s.AgentID = uuidPtr(agentID)
	s.LastRefreshedAt = fromNanos(refreshed)
	return s, nil
}
