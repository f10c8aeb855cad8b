package agent_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/testutil"
	transportagent "github.com/alanyang/delegate-broker/internal/transport/agent"
	"github.com/alanyang/delegate-broker/internal/transport/httpx"
)

func init() { gin.SetMode(gin.TestMode) }

func newRouter(b *testutil.Broker) *gin.Engine {
	r := gin.New()
	api := r.Group("/api", httpx.RequireAccount(nil))
	transportagent.Register(api, transportagent.NewHandler(b.Registry, b.Slots, b.Scheduler, b.Hub))
	return r
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body) //nolint:errcheck
	}
	req, _ := http.NewRequestWithContext(context.Background(), method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpx.AccountHeader, "acct")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ── POST /agents/register ─────────────────────────────────────────────────────

func TestRegisterAgent(t *testing.T) {
	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantSlot   bool
	}{
		{
			name:       "plain agent",
			body:       map[string]any{"name": "d1", "host_name": "build-01"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "ephemeral agent leases a slot",
			body:       map[string]any{"name": "d1", "host_name": "runner", "type": domainagent.TypeEphemeralCluster},
			wantStatus: http.StatusOK,
			wantSlot:   true,
		},
		{
			name:       "missing host name",
			body:       map[string]any{"name": "d1"},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(testutil.NewBroker(t, testutil.BrokerOptions{}))
			w := do(r, http.MethodPost, "/api/agents/register", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got struct {
				Agent domainagent.Agent        `json:"agent"`
				Slot  *domainagent.SlotBinding `json:"slot"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, "acct", got.Agent.AccountID)
			assert.Equal(t, tt.wantSlot, got.Slot != nil)
		})
	}
}

func TestRegisterAgent_RequiresAccount(t *testing.T) {
	r := newRouter(testutil.NewBroker(t, testutil.BrokerOptions{}))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "/api/agents", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ── POST /heartbeat ───────────────────────────────────────────────────────────

func TestHeartbeat(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	r := newRouter(b)
	a := testutil.CreateAgent(t, b.Store, "acct", "d1", domainagent.ModeStreaming)
	older := testutil.SessionID(t)
	newer := testutil.SessionID(t)

	w := do(r, http.MethodPost, "/api/heartbeat", map[string]any{"agent_id": a.ID, "session_id": newer})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/api/heartbeat", map[string]any{"agent_id": a.ID, "session_id": older})
	assert.Equal(t, http.StatusConflict, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["self_destruct"])
}

func TestHeartbeat_DeletedAgentIsGone(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	r := newRouter(b)
	a := testutil.CreateAgent(t, b.Store, "acct", "d1", domainagent.ModePolling)

	w := do(r, http.MethodDelete, "/api/agents/"+a.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, http.MethodPost, "/api/heartbeat", map[string]any{"agent_id": a.ID, "session_id": testutil.SessionID(t)})
	assert.Equal(t, http.StatusGone, w.Code)
}

// ── GET /events ───────────────────────────────────────────────────────────────

func TestEvents_OffersQueuedTasks(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	r := newRouter(b)
	a := b.ConnectedAgent(t, "d1")
	task := b.Submit(t, domaintask.KindShell, nil)

	w := do(r, http.MethodGet, "/api/events?agentId="+a.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got struct {
		Offers []struct {
			TaskID string `json:"task_id"`
		} `json:"offers"`
		Notices []any `json:"notices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Offers, 1)
	assert.Equal(t, task.ID.String(), got.Offers[0].TaskID)
	assert.NotNil(t, got.Notices)
}

func TestEvents_InvalidAgentID(t *testing.T) {
	r := newRouter(testutil.NewBroker(t, testutil.BrokerOptions{}))
	w := do(r, http.MethodGet, "/api/events?agentId=nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ── operator routes ───────────────────────────────────────────────────────────

func TestApprove(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	r := newRouter(b)
	enabled := testutil.CreateAgent(t, b.Store, "acct", "d1", domainagent.ModePolling)

	pending := domainagent.New("acct", "d2", "d2-host", domainagent.TypeShell, domainagent.ModePolling)
	pending.Status = domainagent.StatusPendingApproval
	pending, err := b.Store.Agents().Create(context.Background(), pending)
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/api/agents/"+pending.ID.String()+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got domainagent.Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, domainagent.StatusEnabled, got.Status)

	w = do(r, http.MethodPost, "/api/agents/"+enabled.ID.String()+"/approve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetAgent(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	r := newRouter(b)
	mine := testutil.CreateAgent(t, b.Store, "acct", "d1", domainagent.ModePolling)
	foreign := testutil.CreateAgent(t, b.Store, "other", "d1", domainagent.ModePolling)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "own agent", path: "/api/agents/" + mine.ID.String(), wantStatus: http.StatusOK},
		{name: "other account", path: "/api/agents/" + foreign.ID.String(), wantStatus: http.StatusNotFound},
		{name: "invalid id", path: "/api/agents/not-a-uuid", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, do(r, http.MethodGet, tt.path, nil).Code)
		})
	}
}

func TestListAgents(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	r := newRouter(b)
	testutil.CreateAgent(t, b.Store, "acct", "d1", domainagent.ModePolling)
	testutil.CreateAgent(t, b.Store, "other", "d2", domainagent.ModePolling)

	w := do(r, http.MethodGet, "/api/agents?status=enabled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got []domainagent.Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].Name)
}
