package agent

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusEnabled         Status = "enabled"
	StatusDeleted         Status = "deleted"
)

var validTransitions = map[Status][]Status{
	StatusPendingApproval: {StatusEnabled, StatusDeleted},
	StatusEnabled:         {StatusDeleted},
	StatusDeleted:         {},
}

func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

type Type string

const (
	TypeShell            Type = "shell"
	TypeContainer        Type = "container"
	TypeCluster          Type = "cluster"
	TypeEphemeralCluster Type = "ephemeral_cluster"
	TypeHelm             Type = "helm"
)

// NeedsIdentitySlot reports whether agents of this type cannot persist their own
// identity and must lease an identity slot on registration.
func (t Type) NeedsIdentitySlot() bool {
	return t == TypeEphemeralCluster
}

type ConnectionMode string

const (
	ModePolling   ConnectionMode = "polling"
	ModeStreaming ConnectionMode = "streaming"
)

// Scope is an attribute subset. A scope matches a task when every key is present
// in the task's scope attributes with an equal value.
type Scope map[string]string

func (s Scope) Matches(attrs map[string]string) bool {
	for k, v := range s {
		if attrs[k] != v {
			return false
		}
	}
	return true
}

// SlotBinding is the (hostPrefix, sequenceNumber, token) triple an ephemeral agent presents.
type SlotBinding struct {
	HostPrefix     string `json:"host_prefix"`
	SequenceNumber int    `json:"sequence_number"`
	Token          string `json:"token"`
}

type Agent struct {
	ID                uuid.UUID      `json:"id"`
	AccountID         string         `json:"account_id"`
	Name              string         `json:"name"`
	Status            Status         `json:"status"`
	HostName          string         `json:"host_name"`
	IP                string         `json:"ip"`
	Type              Type           `json:"type"`
	ProfileID         *uuid.UUID     `json:"profile_id,omitempty"`
	ExplicitSelectors []string       `json:"explicit_selectors"`
	IncludeScopes     []Scope        `json:"include_scopes"`
	ExcludeScopes     []Scope        `json:"exclude_scopes"`
	ConnectionMode    ConnectionMode `json:"connection_mode"`
	Slot              *SlotBinding   `json:"slot,omitempty"`
	LastHeartbeatAt   *time.Time     `json:"last_heartbeat_at,omitempty"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

func New(accountID, name, hostName string, typ Type, mode ConnectionMode) Agent {
	now := time.Now().UTC()
	return Agent{
		ID:                uuid.New(),
		AccountID:         accountID,
		Name:              name,
		Status:            StatusEnabled,
		HostName:          hostName,
		Type:              typ,
		ConnectionMode:    mode,
		ExplicitSelectors: []string{},
		IncludeScopes:     []Scope{},
		ExcludeScopes:     []Scope{},
		CreatedAt:         now,
	}
}

// RecordHeartbeat refreshes liveness and pushes the rolling expiry forward by ttl.
func (a *Agent) RecordHeartbeat(now time.Time, ttl time.Duration) {
	hb := now.UTC()
	exp := hb.Add(ttl)
	a.LastHeartbeatAt = &hb
	a.ExpiresAt = &exp
}

// IsActive reports heartbeat recency. Deleted agents are never active.
func (a *Agent) IsActive(now time.Time, ttl time.Duration) bool {
	if a.Status == StatusDeleted || a.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*a.LastHeartbeatAt) < ttl
}

// CopyConfigFrom carries scope, tag and profile configuration forward from an
// evicted slot holder to the agent taking over its slot.
func (a *Agent) CopyConfigFrom(prev Agent) {
	a.ExplicitSelectors = append([]string(nil), prev.ExplicitSelectors...)
	a.IncludeScopes = append([]Scope(nil), prev.IncludeScopes...)
	a.ExcludeScopes = append([]Scope(nil), prev.ExcludeScopes...)
	if prev.ProfileID != nil {
		id := *prev.ProfileID
		a.ProfileID = &id
	}
}

// HostPrefix derives the fleet host prefix from a host name by stripping a
// trailing "-<ordinal>" segment ("delegate-7" -> "delegate").
func HostPrefix(hostName string) string {
	name := strings.ToLower(strings.TrimSpace(hostName))
	idx := strings.LastIndex(name, "-")
	if idx <= 0 || idx == len(name)-1 {
		return name
	}
	for _, r := range name[idx+1:] {
		if r < '0' || r > '9' {
			return name
		}
	}
	return name[:idx]
}

type ListFilters struct {
	AccountID  *string
	Status     *Status
	HostPrefix *string
}
