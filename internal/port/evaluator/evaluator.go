package evaluator

import (
	"context"

	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
)

// Evaluator materializes raw task parameters. It is invoked once per successful claim.
type Evaluator interface {
	Evaluate(ctx context.Context, accountID string, params map[string]any) (map[string]any, []domaintask.Secret, error)
}
