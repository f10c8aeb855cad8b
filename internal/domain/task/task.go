package task

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusStarted Status = "started"
	StatusAborted Status = "aborted"
	StatusErrored Status = "errored"
)

var validTransitions = map[Status][]Status{
	StatusQueued:  {StatusStarted, StatusAborted, StatusErrored},
	StatusStarted: {StatusQueued, StatusAborted, StatusErrored},
	StatusAborted: {},
	StatusErrored: {},
}

func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// RunningStatuses are the statuses abort and expiry may move a task out of.
var RunningStatuses = []Status{StatusQueued, StatusStarted}

type Rank string

const (
	RankCritical  Rank = "critical"
	RankImportant Rank = "important"
	RankOptional  Rank = "optional"
)

// DefaultTimeout applies when a task is submitted without one.
const DefaultTimeout = 10 * time.Minute

type Task struct {
	ID                   uuid.UUID         `json:"id"`
	AccountID            string            `json:"account_id"`
	Kind                 Kind              `json:"kind"`
	Status               Status            `json:"status"`
	Rank                 Rank              `json:"rank"`
	IsAsync              bool              `json:"is_async"`
	Parameters           map[string]any    `json:"parameters"`
	ScopeAttrs           map[string]string `json:"scope_attrs"`
	RequiredCapabilities []Capability      `json:"required_capabilities"`
	ExplicitSelectors    []string          `json:"explicit_selectors"`
	AgentID              *uuid.UUID        `json:"agent_id,omitempty"`
	PreferredAgentID     *uuid.UUID        `json:"preferred_agent_id,omitempty"`
	AlreadyTriedAgents   []uuid.UUID       `json:"already_tried_agents"`
	ValidatingAgents     []uuid.UUID       `json:"validating_agents"`
	ValidatedAgents      []uuid.UUID       `json:"validated_agents"`
	ValidationStartedAt  *time.Time        `json:"validation_started_at,omitempty"`
	Timeout              time.Duration     `json:"timeout"`
	ExpiresAt            time.Time         `json:"expires_at"`
	WaitID               string            `json:"wait_id"`
	CallbackDriverID     string            `json:"callback_driver_id,omitempty"`
	Package              *Package          `json:"package,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
}

func New(accountID string, kind Kind, rank Rank, async bool, params map[string]any) Task {
	if params == nil {
		params = map[string]any{}
	}
	return Task{
		ID:                 uuid.New(),
		AccountID:          accountID,
		Kind:               kind,
		Status:             StatusQueued,
		Rank:               rank,
		IsAsync:            async,
		Parameters:         params,
		ScopeAttrs:         map[string]string{},
		ExplicitSelectors:  []string{},
		AlreadyTriedAgents: []uuid.UUID{},
		ValidatingAgents:   []uuid.UUID{},
		ValidatedAgents:    []uuid.UUID{},
		WaitID:             uuid.NewString(),
		CreatedAt:          time.Now().UTC(),
	}
}

// EffectiveTimeout returns the task timeout, falling back to DefaultTimeout.
func (t *Task) EffectiveTimeout() time.Duration {
	if t.Timeout <= 0 {
		return DefaultTimeout
	}
	return t.Timeout
}

func (t *Task) IsAssignedTo(agentID uuid.UUID) bool {
	return t.AgentID != nil && *t.AgentID == agentID
}

func (t *Task) HasTried(agentID uuid.UUID) bool {
	return containsID(t.AlreadyTriedAgents, agentID)
}

// ProbeCapabilities returns the capabilities only a remote agent can decide.
func (t *Task) ProbeCapabilities() []Capability {
	var out []Capability
	for _, c := range t.RequiredCapabilities {
		if c.Mode == ModeAgentProbe {
			out = append(out, c)
		}
	}
	return out
}

// ValidationComplete reports whether every agent that started probing has
// reported, or the probe window has elapsed.
func (t *Task) ValidationComplete(now time.Time, window time.Duration) bool {
	if t.ValidationStartedAt != nil && !now.Before(t.ValidationStartedAt.Add(window)) {
		return true
	}
	if len(t.ValidatingAgents) == 0 {
		return false
	}
	for _, id := range t.ValidatingAgents {
		if !containsID(t.ValidatedAgents, id) {
			return false
		}
	}
	return true
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

type ListFilters struct {
	AccountID *string
	Status    *Status
	Rank      *Rank
	AgentID   *uuid.UUID
	// ExpiredBefore selects tasks, terminal ones included, whose expires_at is before the given instant.
	ExpiredBefore *time.Time
	// Validating selects queued tasks with a validation_started_at stamp.
	Validating bool
	Limit      int
}
