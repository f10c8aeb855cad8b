package task

import (
	"time"

	"github.com/google/uuid"
)

// The methods below apply a conditional mutation in memory and report whether the
// predicate held. Stores without a native conditional UPDATE run them inside a
// serialized transaction.

func (t *Task) BeginValidation(agentID uuid.UUID, now time.Time) bool {
	if t.Status != StatusQueued || t.AgentID != nil {
		return false
	}
	if !containsID(t.ValidatingAgents, agentID) {
		t.ValidatingAgents = append(t.ValidatingAgents, agentID)
	}
	if t.ValidationStartedAt == nil {
		ts := now.UTC()
		t.ValidationStartedAt = &ts
	}
	return true
}

// RecordValidated only accepts agents that began validating and never ran the task.
func (t *Task) RecordValidated(agentID uuid.UUID) bool {
	if t.Status != StatusQueued || t.AgentID != nil {
		return false
	}
	if !containsID(t.ValidatingAgents, agentID) || t.HasTried(agentID) {
		return false
	}
	if !containsID(t.ValidatedAgents, agentID) {
		t.ValidatedAgents = append(t.ValidatedAgents, agentID)
	}
	return true
}

func (t *Task) Claim(accountID string, agentID uuid.UUID, expiresAt time.Time) bool {
	if t.Status != StatusQueued || t.AgentID != nil || t.AccountID != accountID {
		return false
	}
	id := agentID
	t.AgentID = &id
	t.Status = StatusStarted
	t.ExpiresAt = expiresAt.UTC()
	t.ValidatingAgents = []uuid.UUID{}
	t.ValidatedAgents = []uuid.UUID{}
	t.ValidationStartedAt = nil
	return true
}

func (t *Task) Requeue(agentID uuid.UUID) bool {
	if t.Status != StatusStarted || !t.IsAssignedTo(agentID) {
		return false
	}
	t.Status = StatusQueued
	t.AgentID = nil
	t.Package = nil
	if !containsID(t.AlreadyTriedAgents, agentID) {
		t.AlreadyTriedAgents = append(t.AlreadyTriedAgents, agentID)
	}
	t.ValidatingAgents = []uuid.UUID{}
	t.ValidatedAgents = []uuid.UUID{}
	t.ValidationStartedAt = nil
	return true
}

func (t *Task) Transition(from []Status, to Status, asyncOnly bool) bool {
	if asyncOnly && !t.IsAsync {
		return false
	}
	for _, s := range from {
		if t.Status == s && s.CanTransitionTo(to) {
			t.Status = to
			return true
		}
	}
	return false
}
