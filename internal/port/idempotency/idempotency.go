package idempotency

import (
	"context"
	"time"
)

// Repository remembers the response to a keyed submission so a retried request
// replays it instead of submitting twice.
type Repository interface {
	// Check returns the stored result and whether the key was seen.
	Check(ctx context.Context, key string) ([]byte, bool, error)
	// Store keeps the first result recorded for key.
	Store(ctx context.Context, key, accountID, opType string, resultJSON []byte) error
	// Purge forgets keys recorded before the cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)
}
