package task

import (
	"time"

	"github.com/google/uuid"
)

type ResponseCode string

const (
	ResponseSuccess           ResponseCode = "success"
	ResponseFailure           ResponseCode = "failure"
	ResponseRetryOnOtherAgent ResponseCode = "retry_on_other_agent"
	ResponseAborted           ResponseCode = "aborted"
	ResponseExpired           ResponseCode = "expired"
	ResponseValidationFailed  ResponseCode = "validation_failed"
	ResponseNoInstalledAgents ResponseCode = "no_installed_agents"
	ResponseNoActiveAgents    ResponseCode = "no_active_agents"
	ResponseNoEligibleAgents  ResponseCode = "no_eligible_agents"
)

// Outcome is what an agent (or the broker itself) reports for a task.
type Outcome struct {
	Code    ResponseCode   `json:"code"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Result is the terminal delivery handed to a requester.
type Result struct {
	TaskID      uuid.UUID  `json:"task_id"`
	AccountID   string     `json:"account_id"`
	WaitID      string     `json:"wait_id"`
	AgentID     *uuid.UUID `json:"agent_id,omitempty"`
	Outcome     Outcome    `json:"outcome"`
	DeliveredAt time.Time  `json:"delivered_at"`
}

// Secret is a materialized secret reference shipped to the executing agent.
type Secret struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Package is everything an agent needs to execute a claimed task. It is built once
// at claim time and persisted so re-deliveries are identical.
type Package struct {
	TaskID       uuid.UUID      `json:"task_id"`
	AccountID    string         `json:"account_id"`
	AgentID      uuid.UUID      `json:"agent_id"`
	Kind         Kind           `json:"kind"`
	Async        bool           `json:"async"`
	Parameters   map[string]any `json:"parameters"`
	Secrets      []Secret       `json:"secrets,omitempty"`
	LogStreaming bool           `json:"log_streaming"`
	CDNDownloads bool           `json:"cdn_downloads"`
	Timeout      time.Duration  `json:"timeout"`
	ClaimedAt    time.Time      `json:"claimed_at"`
}
