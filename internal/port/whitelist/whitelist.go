package whitelist

import (
	"context"

	"github.com/google/uuid"
)

// Cache remembers which capability bases an agent last probed successfully.
// It is an accelerator only: losing entries must never affect correctness.
type Cache interface {
	// Whitelisted reports whether every basis is cached as a success for the agent.
	Whitelisted(ctx context.Context, accountID string, agentID uuid.UUID, bases []string) bool
	Remember(ctx context.Context, accountID string, agentID uuid.UUID, bases []string)
	Forget(ctx context.Context, accountID string, agentID uuid.UUID, bases []string)
}
