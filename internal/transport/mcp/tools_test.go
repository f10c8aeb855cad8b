package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	"github.com/alanyang/delegate-broker/internal/domain/event"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/testutil"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func newDeps(t *testing.T) (*testutil.Broker, Deps) {
	t.Helper()
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	return b, Deps{
		Registry:   b.Registry,
		Scheduler:  b.Scheduler,
		Validation: b.Validation,
		Router:     b.Router,
		Hub:        b.Hub,
	}
}

func acctCtx() context.Context {
	return WithAccount(context.Background(), "acct")
}

func makeReq(args map[string]any) mcpmcp.CallToolRequest {
	var req mcpmcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(r *mcpmcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	b, _ := json.Marshal(r.Content[0])
	var m map[string]any
	json.Unmarshal(b, &m) //nolint:errcheck
	if t, ok := m["text"].(string); ok {
		return t
	}
	return ""
}

func decode(t *testing.T, r *mcpmcp.CallToolResult, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(resultText(r)), v), resultText(r))
}

// ── heartbeat ─────────────────────────────────────────────────────────────────

func TestHeartbeatHandler(t *testing.T) {
	b, deps := newDeps(t)
	a := testutil.CreateAgent(t, b.Store, "acct", "d1", domainagent.ModeStreaming)
	handler := heartbeatHandler(NewSessionRegistry(), deps)

	tests := []struct {
		name         string
		args         map[string]any
		wantContains string
	}{
		{
			name:         "invalid agent_id returns error text",
			args:         map[string]any{"agent_id": "nope", "session_id": testutil.SessionID(t)},
			wantContains: "error: invalid agent_id",
		},
		{
			name:         "missing session_id without an mcp session",
			args:         map[string]any{"agent_id": a.ID.String()},
			wantContains: "error: session_id is required",
		},
		{
			name:         "live heartbeat returns the agent",
			args:         map[string]any{"agent_id": a.ID.String(), "session_id": testutil.SessionID(t), "version": "1.2.0"},
			wantContains: a.ID.String(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := handler(acctCtx(), makeReq(tt.args))
			require.NoError(t, err)
			assert.Contains(t, resultText(res), tt.wantContains)
		})
	}
}

func TestHeartbeatHandler_OlderSessionSelfDestructs(t *testing.T) {
	b, deps := newDeps(t)
	a := testutil.CreateAgent(t, b.Store, "acct", "d1", domainagent.ModeStreaming)
	handler := heartbeatHandler(NewSessionRegistry(), deps)
	older := testutil.SessionID(t)
	newer := testutil.SessionID(t)

	res, err := handler(acctCtx(), makeReq(map[string]any{"agent_id": a.ID.String(), "session_id": newer}))
	require.NoError(t, err)
	require.NotContains(t, resultText(res), "error")

	res, err = handler(acctCtx(), makeReq(map[string]any{"agent_id": a.ID.String(), "session_id": older}))
	require.NoError(t, err)
	var reply struct {
		SelfDestruct bool `json:"self_destruct"`
	}
	decode(t, res, &reply)
	assert.True(t, reply.SelfDestruct)
}

// ── poll_events ───────────────────────────────────────────────────────────────

func TestPollEventsHandler(t *testing.T) {
	b, deps := newDeps(t)
	a := b.ConnectedAgent(t, "d1")
	handler := pollEventsHandler(deps)

	// The first poll starts buffering; the task queued after it reaches the buffer.
	_, err := handler(acctCtx(), makeReq(map[string]any{"agent_id": a.ID.String()}))
	require.NoError(t, err)
	_, err = deps.Hub.Start(context.Background(), b.Bus)
	require.NoError(t, err)
	task := b.Submit(t, domaintask.KindShell, nil)

	res, err := handler(acctCtx(), makeReq(map[string]any{"agent_id": a.ID.String()}))
	require.NoError(t, err)
	var reply struct {
		Offers []struct {
			TaskID string `json:"task_id"`
		} `json:"offers"`
		Notices []event.Event `json:"notices"`
	}
	decode(t, res, &reply)
	require.Len(t, reply.Offers, 1)
	assert.Equal(t, task.ID.String(), reply.Offers[0].TaskID)
	require.NotEmpty(t, reply.Notices)
	assert.Equal(t, event.TypeTaskQueued, reply.Notices[0].Type)
}

func TestPollEventsHandler_ForeignAgent(t *testing.T) {
	b, deps := newDeps(t)
	other := testutil.CreateAgent(t, b.Store, "other-acct", "d1", domainagent.ModePolling)

	res, err := pollEventsHandler(deps)(acctCtx(), makeReq(map[string]any{"agent_id": other.ID.String()}))
	require.NoError(t, err)
	assert.Contains(t, resultText(res), "agent not found")
}

// ── acquire_task / send_response ──────────────────────────────────────────────

func TestAcquireThenRespond(t *testing.T) {
	b, deps := newDeps(t)
	a := b.ConnectedAgent(t, "d1")
	task := b.Submit(t, domaintask.KindShell, nil)
	args := map[string]any{"agent_id": a.ID.String(), "task_id": task.ID.String()}

	res, err := acquireTaskHandler(deps)(acctCtx(), makeReq(args))
	require.NoError(t, err)
	var acquired struct {
		Package *domaintask.Package `json:"task_package"`
	}
	decode(t, res, &acquired)
	require.NotNil(t, acquired.Package)
	assert.Equal(t, task.ID, acquired.Package.TaskID)

	args["code"] = string(domaintask.ResponseSuccess)
	args["data"] = map[string]any{"exit_code": 0}
	res, err = sendResponseHandler(deps)(acctCtx(), makeReq(args))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, resultText(res))
	assert.Equal(t, []domaintask.ResponseCode{domaintask.ResponseSuccess}, b.Callbacks.Codes())
}

func TestSendResponseHandler_Validation(t *testing.T) {
	b, deps := newDeps(t)
	a := b.ConnectedAgent(t, "d1")
	task := b.Submit(t, domaintask.KindShell, nil)

	tests := []struct {
		name         string
		args         map[string]any
		wantContains string
	}{
		{
			name:         "invalid task_id",
			args:         map[string]any{"agent_id": a.ID.String(), "task_id": "x", "code": "success"},
			wantContains: "error: invalid task_id",
		},
		{
			name:         "missing code",
			args:         map[string]any{"agent_id": a.ID.String(), "task_id": task.ID.String()},
			wantContains: "error: code is required",
		},
		{
			name:         "not the assignee",
			args:         map[string]any{"agent_id": a.ID.String(), "task_id": task.ID.String(), "code": "success"},
			wantContains: "error:",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := sendResponseHandler(deps)(acctCtx(), makeReq(tt.args))
			require.NoError(t, err)
			assert.Contains(t, resultText(res), tt.wantContains)
		})
	}
}

// ── report_validation ─────────────────────────────────────────────────────────

func TestReportValidationHandler(t *testing.T) {
	b, deps := newDeps(t)
	a := b.ConnectedAgent(t, "d1")
	task := b.Submit(t, domaintask.KindGit, map[string]any{"repo_url": "git@git.corp.example:platform/infra.git"})
	args := map[string]any{"agent_id": a.ID.String(), "task_id": task.ID.String()}

	res, err := acquireTaskHandler(deps)(acctCtx(), makeReq(args))
	require.NoError(t, err)
	var probe struct {
		Package *domaintask.Package     `json:"task_package"`
		Probe   []domaintask.Capability `json:"probe"`
	}
	decode(t, res, &probe)
	require.Nil(t, probe.Package)
	require.Len(t, probe.Probe, 1)

	args["validated"] = []any{probe.Probe[0].Basis}
	res, err = reportValidationHandler(deps)(acctCtx(), makeReq(args))
	require.NoError(t, err)
	var claimed struct {
		Package *domaintask.Package `json:"task_package"`
	}
	decode(t, res, &claimed)
	require.NotNil(t, claimed.Package)
	assert.Equal(t, task.ID, claimed.Package.TaskID)
}

// ── session registry ──────────────────────────────────────────────────────────

func TestSessionRegistry_BindUnbind(t *testing.T) {
	reg := NewSessionRegistry()
	b := Binding{AccountID: "acct", SessionID: "s1"}

	hs := reg.Bind("mcp-1", b)
	assert.Equal(t, "mcp:mcp-1", hs.ID())
	got, ok := reg.Lookup("mcp-1")
	require.True(t, ok)
	assert.Equal(t, b, got)

	_, unbound, ok := reg.Unbind("mcp-1")
	require.True(t, ok)
	assert.Equal(t, hs.ID(), unbound.ID())
	assert.Zero(t, reg.Len())

	_, _, ok = reg.Unbind("mcp-1")
	assert.False(t, ok)
}

func TestSession_SendWithoutServer(t *testing.T) {
	hs := NewSessionRegistry().Bind("mcp-1", Binding{AccountID: "acct"})
	err := hs.Send(context.Background(), event.New(event.TypeSelfUpgrade, "acct"))
	assert.ErrorContains(t, err, "mcp server not initialized")
}
