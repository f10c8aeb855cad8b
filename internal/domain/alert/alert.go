package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindNoInstalledAgents Kind = "no_installed_agents"
	KindNoActiveAgents    Kind = "no_active_agents"
	KindNoEligibleAgents  Kind = "no_eligible_agents"
	KindDuplicateIdentity Kind = "duplicate_identity"
)

// MaxListedBases caps how many capability bases a no-eligible alert names.
const MaxListedBases = 4

type Alert struct {
	Kind       Kind       `json:"kind"`
	AccountID  string     `json:"account_id"`
	TaskID     *uuid.UUID `json:"task_id,omitempty"`
	AgentID    *uuid.UUID `json:"agent_id,omitempty"`
	Bases      []string   `json:"bases,omitempty"`
	ExtraBases int        `json:"extra_bases,omitempty"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
}

func NoInstalledAgents(accountID string, taskID uuid.UUID) Alert {
	return Alert{
		Kind:      KindNoInstalledAgents,
		AccountID: accountID,
		TaskID:    &taskID,
		Message:   "no delegates are installed for this account",
		CreatedAt: time.Now().UTC(),
	}
}

func NoActiveAgents(accountID string, taskID uuid.UUID) Alert {
	return Alert{
		Kind:      KindNoActiveAgents,
		AccountID: accountID,
		TaskID:    &taskID,
		Message:   "no delegates are currently connected",
		CreatedAt: time.Now().UTC(),
	}
}

func NoEligibleAgents(accountID string, taskID uuid.UUID, bases []string) Alert {
	listed := bases
	extra := 0
	if len(bases) > MaxListedBases {
		listed = bases[:MaxListedBases]
		extra = len(bases) - MaxListedBases
	}
	msg := fmt.Sprintf("no eligible delegates for capabilities [%s]", strings.Join(listed, ", "))
	if extra > 0 {
		msg += fmt.Sprintf(" and %d more", extra)
	}
	return Alert{
		Kind:       KindNoEligibleAgents,
		AccountID:  accountID,
		TaskID:     &taskID,
		Bases:      append([]string(nil), listed...),
		ExtraBases: extra,
		Message:    msg,
		CreatedAt:  time.Now().UTC(),
	}
}

func DuplicateIdentity(accountID string, agentID uuid.UUID, evictedSession string) Alert {
	return Alert{
		Kind:      KindDuplicateIdentity,
		AccountID: accountID,
		AgentID:   &agentID,
		Message:   fmt.Sprintf("duplicate delegate identity detected; session %s evicted", evictedSession),
		CreatedAt: time.Now().UTC(),
	}
}
