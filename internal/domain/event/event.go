package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/delegate-broker/internal/domain/task"
)

type Type string

const (
	TypeTaskQueued   Type = "task_queued"
	TypeTaskAbort    Type = "task_abort"
	TypeSelfDestruct Type = "self_destruct"
	TypeSelfUpgrade  Type = "self_upgrade"
	// TypeTaskResponse carries a final sync outcome to the replica holding the waiter.
	TypeTaskResponse Type = "task_response"
)

// Channel is the broadcast channel a notice travels on. Every replica listens on both.
type Channel string

const (
	ChannelAgent    Channel = "broker_agent"
	ChannelResponse Channel = "broker_response"
)

var typeToChannel = map[Type]Channel{
	TypeTaskQueued:   ChannelAgent,
	TypeTaskAbort:    ChannelAgent,
	TypeSelfDestruct: ChannelAgent,
	TypeSelfUpgrade:  ChannelAgent,
	TypeTaskResponse: ChannelResponse,
}

func ChannelFor(t Type) Channel { return typeToChannel[t] }

// Event is a notice addressed to an account's agents. AgentID narrows it to one
// agent; SessionID narrows a self-destruct further to one connection session.
type Event struct {
	Type      Type         `json:"type"`
	AccountID string       `json:"account_id"`
	AgentID   *uuid.UUID   `json:"agent_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	TaskID    *uuid.UUID   `json:"task_id,omitempty"`
	Sync      bool         `json:"sync,omitempty"`
	Result    *task.Result `json:"result,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func New(eventType Type, accountID string) Event {
	return Event{
		Type:      eventType,
		AccountID: accountID,
		Timestamp: time.Now().UTC(),
	}
}

func TaskQueued(t task.Task) Event {
	e := New(TypeTaskQueued, t.AccountID)
	id := t.ID
	e.TaskID = &id
	e.Sync = !t.IsAsync
	return e
}

func TaskAbort(accountID string, taskID uuid.UUID, agentID *uuid.UUID) Event {
	e := New(TypeTaskAbort, accountID)
	e.TaskID = &taskID
	e.AgentID = agentID
	return e
}

func SelfDestruct(accountID string, agentID uuid.UUID, sessionID string) Event {
	e := New(TypeSelfDestruct, accountID)
	e.AgentID = &agentID
	e.SessionID = sessionID
	return e
}

func TaskResponse(r task.Result) Event {
	e := New(TypeTaskResponse, r.AccountID)
	id := r.TaskID
	e.TaskID = &id
	e.Result = &r
	return e
}

// AddressedTo reports whether an agent (in the given session) should receive e.
func (e Event) AddressedTo(accountID string, agentID uuid.UUID, sessionID string) bool {
	if e.AccountID != accountID {
		return false
	}
	if e.AgentID != nil && *e.AgentID != agentID {
		return false
	}
	if e.SessionID != "" && sessionID != "" && e.SessionID != sessionID {
		return false
	}
	return true
}
