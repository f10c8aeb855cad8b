package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyang/delegate-broker/internal/domain/event"
	"github.com/alanyang/delegate-broker/internal/hub"
	"github.com/alanyang/delegate-broker/internal/service/registry"
	"github.com/alanyang/delegate-broker/internal/transport/httpx"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades streaming agents to a websocket and attaches them to the hub.
type Handler struct {
	hub      *hub.Hub
	registry *registry.Service
}

func NewHandler(h *hub.Hub, reg *registry.Service) *Handler {
	return &Handler{hub: h, registry: reg}
}

func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("", h.handleWS)
}

func (h *Handler) handleWS(c *gin.Context) {
	agentID, err := uuid.Parse(c.Query("agentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agentId"})
		return
	}
	acct := httpx.Account(c)
	if _, err := h.registry.Get(c.Request.Context(), acct, agentID); err != nil {
		httpx.Error(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s := &session{id: uuid.NewString(), conn: conn}
	h.hub.Attach(acct, agentID, c.Query("sessionId"), s)
	slog.Info("websocket session attached", "agent_id", agentID, "account_id", acct)

	defer func() {
		h.hub.Detach(s)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// session is one websocket connection. gorilla allows a single concurrent writer.
type session struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) ID() string { return s.id }

func (s *session) Send(_ context.Context, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
