package callback

import (
	"context"

	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
)

// Driver delivers async outcomes to the requester identified by a callback driver id.
type Driver interface {
	Notify(ctx context.Context, driverID string, r domaintask.Result) error
}
