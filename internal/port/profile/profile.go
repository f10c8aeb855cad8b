package profile

import (
	"context"

	"github.com/google/uuid"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
)

type Repository interface {
	Upsert(ctx context.Context, p domainagent.Profile) error
	GetByID(ctx context.Context, id uuid.UUID) (domainagent.Profile, error)
	ListByAccount(ctx context.Context, accountID string) ([]domainagent.Profile, error)
}
