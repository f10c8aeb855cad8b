package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/alanyang/delegate-broker/internal/domain/event"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/service/registry"
	"github.com/alanyang/delegate-broker/internal/service/scheduler"
	"github.com/alanyang/delegate-broker/internal/service/validation"
)

// RegisterTools registers the agent-facing tools on the server.
func RegisterTools(s *mcpserver.MCPServer, reg *SessionRegistry, deps Deps) {
	s.AddTool(mcpmcp.NewTool("heartbeat",
		mcpmcp.WithDescription("Report liveness for this agent. Binds the MCP session so task and control notices are pushed to it. A self_destruct reply means another session owns this identity and the agent must exit."),
		mcpmcp.WithString("agent_id", mcpmcp.Required(), mcpmcp.Description("Agent UUID returned by registration")),
		mcpmcp.WithString("session_id", mcpmcp.Description("Connection session id, a UUIDv7. Defaults to the MCP session id.")),
		mcpmcp.WithString("version", mcpmcp.Description("Agent build version")),
		mcpmcp.WithString("location", mcpmcp.Description("Install location used to recognise in-place restarts")),
	), heartbeatHandler(reg, deps))

	s.AddTool(mcpmcp.NewTool("poll_events",
		mcpmcp.WithDescription("List queued tasks this agent may acquire and drain notices buffered for it."),
		mcpmcp.WithString("agent_id", mcpmcp.Required(), mcpmcp.Description("Agent UUID")),
	), pollEventsHandler(deps))

	s.AddTool(mcpmcp.NewTool("acquire_task",
		mcpmcp.WithDescription("Try to take a queued task. Returns the task package on success, a probe list when capabilities must be checked locally first, or an empty result when another agent won."),
		mcpmcp.WithString("agent_id", mcpmcp.Required(), mcpmcp.Description("Agent UUID")),
		mcpmcp.WithString("task_id", mcpmcp.Required(), mcpmcp.Description("Task UUID")),
	), acquireTaskHandler(deps))

	s.AddTool(mcpmcp.NewTool("report_validation",
		mcpmcp.WithDescription("Report the outcome of a capability probe. Returns the task package when every probed basis validated and the claim succeeded."),
		mcpmcp.WithString("agent_id", mcpmcp.Required(), mcpmcp.Description("Agent UUID")),
		mcpmcp.WithString("task_id", mcpmcp.Required(), mcpmcp.Description("Task UUID")),
		mcpmcp.WithArray("validated", mcpmcp.WithStringItems(), mcpmcp.Description("Capability bases the agent can reach")),
		mcpmcp.WithArray("failed", mcpmcp.WithStringItems(), mcpmcp.Description("Capability bases the agent cannot reach")),
	), reportValidationHandler(deps))

	s.AddTool(mcpmcp.NewTool("send_response",
		mcpmcp.WithDescription("Deliver the outcome of an acquired task: success, failure or retry_on_other_agent."),
		mcpmcp.WithString("agent_id", mcpmcp.Required(), mcpmcp.Description("Agent UUID")),
		mcpmcp.WithString("task_id", mcpmcp.Required(), mcpmcp.Description("Task UUID")),
		mcpmcp.WithString("code", mcpmcp.Required(), mcpmcp.Description("Response code")),
		mcpmcp.WithString("message", mcpmcp.Description("Free-form detail")),
		mcpmcp.WithObject("data", mcpmcp.Description("Result payload")),
	), sendResponseHandler(deps))
}

// ── Tool handlers ─────────────────────────────────────────────────────────

func heartbeatHandler(reg *SessionRegistry, deps Deps) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		acct := accountFrom(ctx)
		agentID, err := uuid.Parse(mcpmcp.ParseString(req, "agent_id", ""))
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid agent_id"), nil
		}

		mcpSession := mcpserver.ClientSessionFromContext(ctx)
		sessionID := mcpmcp.ParseString(req, "session_id", "")
		if sessionID == "" && mcpSession != nil {
			sessionID = mcpSession.SessionID()
		}
		if sessionID == "" {
			return mcpmcp.NewToolResultText("error: session_id is required"), nil
		}

		a, err := deps.Registry.RegisterHeartbeat(ctx, registry.HeartbeatRequest{
			AccountID: acct,
			AgentID:   agentID,
			SessionID: sessionID,
			Version:   mcpmcp.ParseString(req, "version", ""),
			Location:  mcpmcp.ParseString(req, "location", ""),
		})
		if err != nil {
			return toolError(err), nil
		}

		if mcpSession != nil {
			hs := reg.Bind(mcpSession.SessionID(), Binding{AccountID: acct, AgentID: a.ID, SessionID: sessionID})
			deps.Hub.Attach(acct, a.ID, sessionID, hs)
		} else {
			deps.Hub.Track(acct, a.ID)
		}
		return jsonResult(map[string]any{"agent": a})
	}
}

func pollEventsHandler(deps Deps) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		acct := accountFrom(ctx)
		agentID, res := agentArg(ctx, deps, req)
		if res != nil {
			return res, nil
		}

		offers, err := deps.Scheduler.PendingOffers(ctx, acct, agentID)
		if err != nil {
			return toolError(err), nil
		}
		if offers == nil {
			offers = []scheduler.Offer{}
		}
		deps.Hub.Track(acct, agentID)
		notices := deps.Hub.Drain(acct, agentID)
		if notices == nil {
			notices = []event.Event{}
		}
		return jsonResult(map[string]any{"offers": offers, "notices": notices})
	}
}

func acquireTaskHandler(deps Deps) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		agentID, res := agentArg(ctx, deps, req)
		if res != nil {
			return res, nil
		}
		taskID, err := uuid.Parse(mcpmcp.ParseString(req, "task_id", ""))
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid task_id"), nil
		}

		out, err := deps.Validation.Acquire(ctx, taskID, agentID)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(out)
	}
}

func reportValidationHandler(deps Deps) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		agentID, res := agentArg(ctx, deps, req)
		if res != nil {
			return res, nil
		}
		taskID, err := uuid.Parse(mcpmcp.ParseString(req, "task_id", ""))
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid task_id"), nil
		}

		var outcomes []domaintask.CapabilityOutcome
		for _, b := range req.GetStringSlice("validated", nil) {
			outcomes = append(outcomes, domaintask.CapabilityOutcome{Basis: b, Validated: true})
		}
		for _, b := range req.GetStringSlice("failed", nil) {
			outcomes = append(outcomes, domaintask.CapabilityOutcome{Basis: b})
		}

		pkg, err := deps.Validation.Validate(ctx, taskID, agentID, outcomes)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(validation.AcquireResult{Package: pkg})
	}
}

func sendResponseHandler(deps Deps) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		agentID, res := agentArg(ctx, deps, req)
		if res != nil {
			return res, nil
		}
		taskID, err := uuid.Parse(mcpmcp.ParseString(req, "task_id", ""))
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid task_id"), nil
		}
		code := domaintask.ResponseCode(mcpmcp.ParseString(req, "code", ""))
		if code == "" {
			return mcpmcp.NewToolResultText("error: code is required"), nil
		}

		outcome := domaintask.Outcome{
			Code:    code,
			Message: mcpmcp.ParseString(req, "message", ""),
			Data:    mcpmcp.ParseStringMap(req, "data", nil),
		}
		if err := deps.Router.Deliver(ctx, taskID, agentID, outcome); err != nil {
			return toolError(err), nil
		}
		return mcpmcp.NewToolResultText(`{"status":"ok"}`), nil
	}
}

// agentArg parses agent_id and checks the agent belongs to the calling account.
// A non-nil result is the error reply to return as-is.
func agentArg(ctx context.Context, deps Deps, req mcpmcp.CallToolRequest) (uuid.UUID, *mcpmcp.CallToolResult) {
	agentID, err := uuid.Parse(mcpmcp.ParseString(req, "agent_id", ""))
	if err != nil {
		return uuid.Nil, mcpmcp.NewToolResultText("error: invalid agent_id")
	}
	if _, err := deps.Registry.Get(ctx, accountFrom(ctx), agentID); err != nil {
		return uuid.Nil, toolError(err)
	}
	return agentID, nil
}

// toolError renders a service error. Identity errors carry self_destruct so the
// agent process knows to exit.
func toolError(err error) *mcpmcp.CallToolResult {
	if errors.Is(err, registry.ErrDuplicateIdentity) || errors.Is(err, registry.ErrAgentDeleted) {
		data, _ := json.Marshal(map[string]any{"error": err.Error(), "self_destruct": true})
		return mcpmcp.NewToolResultText(string(data))
	}
	return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err))
}

func jsonResult(v any) (*mcpmcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcpmcp.NewToolResultText(string(data)), nil
}
