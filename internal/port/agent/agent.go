package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
)

// Repository manages durable agent records.
type Repository interface {
	Create(ctx context.Context, a domainagent.Agent) (domainagent.Agent, error)
	GetByID(ctx context.Context, id uuid.UUID) (domainagent.Agent, error)
	List(ctx context.Context, filters domainagent.ListFilters) ([]domainagent.Agent, error)
	// CountByAccount counts every non-deleted agent record of the account.
	CountByAccount(ctx context.Context, accountID string) (int, error)

	// Update overwrites the mutable configuration and identity-slot binding.
	Update(ctx context.Context, a domainagent.Agent) error

	// UpdateStatus performs an atomic CAS: only transitions if current status matches `from`.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to domainagent.Status) error

	// Touch records a heartbeat and pushes the rolling expiry.
	Touch(ctx context.Context, id uuid.UUID, heartbeatAt, expiresAt time.Time) error
}
