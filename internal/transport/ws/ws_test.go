package ws_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	"github.com/alanyang/delegate-broker/internal/domain/event"
	"github.com/alanyang/delegate-broker/internal/testutil"
	"github.com/alanyang/delegate-broker/internal/transport/httpx"
	"github.com/alanyang/delegate-broker/internal/transport/ws"
)

func init() { gin.SetMode(gin.TestMode) }

func newServer(t *testing.T, b *testutil.Broker) string {
	t.Helper()
	r := gin.New()
	ws.NewHandler(b.Hub, b.Registry).Register(r.Group("/api/ws", httpx.RequireAccount(nil)))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
}

func dial(url, acct string) (*websocket.Conn, *http.Response, error) {
	h := http.Header{}
	h.Set(httpx.AccountHeader, acct)
	return websocket.DefaultDialer.Dial(url, h)
}

func TestWebsocket_PushesAddressedNotices(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	a := b.ConnectedAgent(t, "a")
	url := newServer(t, b)

	conn, _, err := dial(url+"?agentId="+a.ID.String(), "acct")
	require.NoError(t, err)
	defer conn.Close()

	// The session attaches after the upgrade completes; keep notifying until it lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.Hub.Deliver(t.Context(), event.SelfDestruct("acct", a.ID, ""))
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var e event.Event
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, event.TypeSelfDestruct, e.Type)
	require.NotNil(t, e.AgentID)
	assert.Equal(t, a.ID, *e.AgentID)
}

func TestWebsocket_RejectsBeforeUpgrade(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerOptions{})
	other := testutil.CreateAgent(t, b.Store, "other", "x", domainagent.ModeStreaming)
	url := newServer(t, b)

	tests := []struct {
		name       string
		query      string
		acct       string
		wantStatus int
	}{
		{name: "malformed agent id", query: "?agentId=nope", acct: "acct", wantStatus: http.StatusBadRequest},
		{name: "unknown agent", query: "?agentId=" + uuid.NewString(), acct: "acct", wantStatus: http.StatusNotFound},
		{name: "agent of another account", query: "?agentId=" + other.ID.String(), acct: "acct", wantStatus: http.StatusNotFound},
		{name: "no account", query: "?agentId=" + other.ID.String(), wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := dial(url+tt.query, tt.acct)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}
