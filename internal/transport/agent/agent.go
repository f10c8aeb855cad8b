package agent

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	"github.com/alanyang/delegate-broker/internal/domain/event"
	"github.com/alanyang/delegate-broker/internal/hub"
	"github.com/alanyang/delegate-broker/internal/service/registry"
	"github.com/alanyang/delegate-broker/internal/service/scheduler"
	"github.com/alanyang/delegate-broker/internal/service/slot"
	"github.com/alanyang/delegate-broker/internal/transport/httpx"
)

type Handler struct {
	registry  *registry.Service
	slots     *slot.Allocator
	scheduler *scheduler.Service
	hub       *hub.Hub
}

func NewHandler(reg *registry.Service, slots *slot.Allocator, sched *scheduler.Service, h *hub.Hub) *Handler {
	return &Handler{registry: reg, slots: slots, scheduler: sched, hub: h}
}

// Register mounts the agent-facing and operator-facing agent routes on the /api group.
func Register(api *gin.RouterGroup, h *Handler) {
	api.POST("/heartbeat", h.heartbeat)
	api.GET("/events", h.events)

	rg := api.Group("/agents")
	rg.POST("/register", h.register)
	rg.POST("/keepalive", h.keepAlive)
	rg.GET("", h.list)
	rg.GET("/:id", h.get)
	rg.POST("/:id/approve", h.approve)
	rg.DELETE("/:id", h.remove)
}

type registerReq struct {
	AgentID        *uuid.UUID                 `json:"agent_id"`
	Name           string                     `json:"name"`
	HostName       string                     `json:"host_name" binding:"required"`
	IP             string                     `json:"ip"`
	Type           domainagent.Type           `json:"type"`
	ConnectionMode domainagent.ConnectionMode `json:"connection_mode"`
	Selectors      []string                   `json:"selectors"`
	SequenceNumber *int                       `json:"sequence_number"`
	Token          string                     `json:"token"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reg, err := h.slots.Register(c.Request.Context(), slot.RegisterRequest{
		AccountID:      httpx.Account(c),
		AgentID:        req.AgentID,
		Name:           req.Name,
		HostName:       req.HostName,
		IP:             req.IP,
		Type:           req.Type,
		ConnectionMode: req.ConnectionMode,
		Selectors:      req.Selectors,
		SequenceNumber: req.SequenceNumber,
		Token:          req.Token,
	})
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, reg)
}

type keepAliveReq struct {
	HostPrefix     string `json:"host_prefix" binding:"required"`
	SequenceNumber int    `json:"sequence_number"`
	Token          string `json:"token" binding:"required"`
}

func (h *Handler) keepAlive(c *gin.Context) {
	var req keepAliveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ok, err := h.slots.KeepAlive(c.Request.Context(), slot.KeepAliveRequest{
		AccountID:      httpx.Account(c),
		HostPrefix:     req.HostPrefix,
		SequenceNumber: req.SequenceNumber,
		Token:          req.Token,
	})
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": ok})
}

type heartbeatReq struct {
	AgentID   uuid.UUID `json:"agent_id" binding:"required"`
	SessionID string    `json:"session_id" binding:"required"`
	Version   string    `json:"version"`
	Location  string    `json:"location"`
}

func (h *Handler) heartbeat(c *gin.Context) {
	var req heartbeatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := h.registry.RegisterHeartbeat(c.Request.Context(), registry.HeartbeatRequest{
		AccountID: httpx.Account(c),
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		Version:   req.Version,
		Location:  req.Location,
	})
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if a.ConnectionMode == domainagent.ModePolling {
		h.hub.Track(a.AccountID, a.ID)
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

type eventsResp struct {
	Offers  []scheduler.Offer `json:"offers"`
	Notices []event.Event     `json:"notices"`
}

// events is the polling feed: queued tasks the agent may acquire plus the
// notices buffered for it since the last poll.
func (h *Handler) events(c *gin.Context) {
	agentID, err := uuid.Parse(c.Query("agentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agentId"})
		return
	}
	acct := httpx.Account(c)

	offers, err := h.scheduler.PendingOffers(c.Request.Context(), acct, agentID)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	h.hub.Track(acct, agentID)
	resp := eventsResp{Offers: offers, Notices: h.hub.Drain(acct, agentID)}
	if resp.Offers == nil {
		resp.Offers = []scheduler.Offer{}
	}
	if resp.Notices == nil {
		resp.Notices = []event.Event{}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) list(c *gin.Context) {
	acct := httpx.Account(c)
	filters := domainagent.ListFilters{AccountID: &acct}
	if v := c.Query("status"); v != "" {
		s := domainagent.Status(v)
		filters.Status = &s
	}
	if v := c.Query("host_prefix"); v != "" {
		filters.HostPrefix = &v
	}

	agents, err := h.registry.List(c.Request.Context(), filters)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if agents == nil {
		agents = []domainagent.Agent{}
	}
	c.JSON(http.StatusOK, agents)
}

func (h *Handler) get(c *gin.Context) {
	id, ok := httpx.ParamID(c, "id")
	if !ok {
		return
	}
	a, err := h.registry.Get(c.Request.Context(), httpx.Account(c), id)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) approve(c *gin.Context) {
	id, ok := httpx.ParamID(c, "id")
	if !ok {
		return
	}
	a, err := h.registry.Approve(c.Request.Context(), httpx.Account(c), id)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) remove(c *gin.Context) {
	id, ok := httpx.ParamID(c, "id")
	if !ok {
		return
	}
	acct := httpx.Account(c)
	if err := h.registry.Delete(c.Request.Context(), acct, id); err != nil {
		httpx.Error(c, err)
		return
	}
	h.hub.Forget(acct, id)
	c.Status(http.StatusNoContent)
}
