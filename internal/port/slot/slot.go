package slot

import (
	"context"
	"time"

	"github.com/google/uuid"

	domainslot "github.com/alanyang/delegate-broker/internal/domain/slot"
)

type Repository interface {
	Get(ctx context.Context, accountID, hostPrefix string, seq int) (domainslot.IdentitySlot, error)
	ListByPrefix(ctx context.Context, accountID, hostPrefix string) ([]domainslot.IdentitySlot, error)

	// Create inserts a new slot. A concurrent insert of the same
	// (account, prefix, seq) yields port.ErrConflict.
	Create(ctx context.Context, s domainslot.IdentitySlot) error

	// Rebind hands the observed slot to agentID with newToken iff its token and
	// last_refreshed_at are unchanged since it was read. A refresh in between loses.
	Rebind(ctx context.Context, observed domainslot.IdentitySlot, agentID uuid.UUID, newToken string, now time.Time) (bool, error)

	// Refresh stamps last_refreshed_at iff the token matches.
	Refresh(ctx context.Context, accountID, hostPrefix string, seq int, token string, now time.Time) (bool, error)
}
