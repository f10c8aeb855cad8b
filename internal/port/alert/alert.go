package alert

import (
	"context"

	domainalert "github.com/alanyang/delegate-broker/internal/domain/alert"
)

// Sink is fire-and-forget.
type Sink interface {
	Raise(ctx context.Context, a domainalert.Alert)
}
