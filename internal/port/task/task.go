package task

import (
	"context"
	"time"

	"github.com/google/uuid"

	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
)

// Repository owns the task record. Every method that returns (Task, bool, error)
// is a single compare-and-set: false means the predicate did not hold and the
// record was not modified.
type Repository interface {
	Create(ctx context.Context, t domaintask.Task) (domaintask.Task, error)
	GetByID(ctx context.Context, id uuid.UUID) (domaintask.Task, error)
	List(ctx context.Context, filters domaintask.ListFilters) ([]domaintask.Task, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)

	// CountInFlight counts queued and started tasks of the given rank.
	CountInFlight(ctx context.Context, accountID string, rank domaintask.Rank) (int, error)

	// BeginValidation adds agentID to validating_agents if status = queued and
	// agent_id is unset, stamping validation_started_at once.
	BeginValidation(ctx context.Context, id, agentID uuid.UUID, now time.Time) (domaintask.Task, bool, error)

	// RecordValidated adds agentID to validated_agents iff the task is queued and
	// unassigned, agentID is in validating_agents and not in already_tried_agents.
	RecordValidated(ctx context.Context, id, agentID uuid.UUID) (domaintask.Task, bool, error)

	// Claim sets agent_id and status = started iff status = queued, agent_id is unset
	// and the task belongs to accountID. Validation bookkeeping is cleared in the same write.
	Claim(ctx context.Context, id uuid.UUID, accountID string, agentID uuid.UUID, expiresAt time.Time) (domaintask.Task, bool, error)

	// SetPackage stores the materialized package for the assignee.
	SetPackage(ctx context.Context, id, agentID uuid.UUID, pkg domaintask.Package) error

	// Requeue moves a task started by agentID back to queued, appending agentID to
	// already_tried_agents and resetting validation state.
	Requeue(ctx context.Context, id, agentID uuid.UUID) (domaintask.Task, bool, error)

	// Transition moves a task whose status is one of from to the terminal status to.
	// asyncOnly further restricts the predicate to is_async tasks.
	Transition(ctx context.Context, id uuid.UUID, from []domaintask.Status, to domaintask.Status, asyncOnly bool) (domaintask.Task, bool, error)
}
