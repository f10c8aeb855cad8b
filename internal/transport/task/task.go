package task

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/service/capability"
	"github.com/alanyang/delegate-broker/internal/service/registry"
	"github.com/alanyang/delegate-broker/internal/service/response"
	"github.com/alanyang/delegate-broker/internal/service/scheduler"
	"github.com/alanyang/delegate-broker/internal/service/validation"
	"github.com/alanyang/delegate-broker/internal/transport/httpx"
)

type Handler struct {
	scheduler  *scheduler.Service
	validation *validation.Coordinator
	router     *response.Router
	registry   *registry.Service
	resolver   *capability.Resolver

	// syncWait bounds how long a synchronous submission blocks when the caller sets no wait.
	syncWait time.Duration
}

func NewHandler(
	sched *scheduler.Service,
	coord *validation.Coordinator,
	router *response.Router,
	reg *registry.Service,
	resolver *capability.Resolver,
	syncWait time.Duration,
) *Handler {
	return &Handler{
		scheduler:  sched,
		validation: coord,
		router:     router,
		registry:   reg,
		resolver:   resolver,
		syncWait:   syncWait,
	}
}

// Register mounts the task routes and the selector map route on the /api group.
func Register(api *gin.RouterGroup, h *Handler) {
	rg := api.Group("/tasks")
	rg.POST("", h.submit)
	rg.GET("/:id", h.get)
	rg.POST("/:id/abort", h.abort)
	rg.POST("/:id/acquire", h.acquire)
	rg.POST("/:id/validate", h.validate)
	rg.POST("/:id/response", h.respond)

	api.PUT("/selector-maps/:group", h.putSelectorMap)
}

type submitReq struct {
	Kind             domaintask.Kind   `json:"kind" binding:"required"`
	Rank             domaintask.Rank   `json:"rank"`
	Sync             bool              `json:"sync"`
	Parameters       map[string]any    `json:"parameters"`
	Selectors        []string          `json:"selectors"`
	ScopeAttrs       map[string]string `json:"scope_attrs"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	WaitSeconds      int               `json:"wait_seconds"`
	CallbackDriverID string            `json:"callback_driver_id"`
}

func (h *Handler) submit(c *gin.Context) {
	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sreq := scheduler.SubmitRequest{
		AccountID:        httpx.Account(c),
		Kind:             req.Kind,
		Rank:             req.Rank,
		Async:            !req.Sync,
		Parameters:       req.Parameters,
		Selectors:        req.Selectors,
		ScopeAttrs:       req.ScopeAttrs,
		Timeout:          time.Duration(req.TimeoutSeconds) * time.Second,
		CallbackDriverID: req.CallbackDriverID,
	}

	if !req.Sync {
		t, err := h.scheduler.Submit(c.Request.Context(), sreq)
		if err != nil {
			httpx.Error(c, err)
			return
		}
		c.JSON(http.StatusCreated, t)
		return
	}

	wait := h.syncWait
	if req.WaitSeconds > 0 {
		wait = time.Duration(req.WaitSeconds) * time.Second
	}
	res, err := h.scheduler.SubmitAndWait(c.Request.Context(), sreq, wait)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) get(c *gin.Context) {
	id, ok := httpx.ParamID(c, "id")
	if !ok {
		return
	}
	t, err := h.scheduler.Get(c.Request.Context(), httpx.Account(c), id)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) abort(c *gin.Context) {
	id, ok := httpx.ParamID(c, "id")
	if !ok {
		return
	}
	aborted, err := h.scheduler.Abort(c.Request.Context(), httpx.Account(c), id)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": aborted})
}

type agentReq struct {
	AgentID uuid.UUID `json:"agent_id" binding:"required"`
}

type validateReq struct {
	AgentID uuid.UUID                      `json:"agent_id" binding:"required"`
	Results []domaintask.CapabilityOutcome `json:"results"`
}

type respondReq struct {
	AgentID uuid.UUID               `json:"agent_id" binding:"required"`
	Code    domaintask.ResponseCode `json:"code" binding:"required"`
	Message string                  `json:"message"`
	Data    map[string]any          `json:"data"`
}

func (h *Handler) acquire(c *gin.Context) {
	id, ok := httpx.ParamID(c, "id")
	if !ok {
		return
	}
	var req agentReq
	if !h.bindAgent(c, &req, &req.AgentID) || !h.ownTask(c, id) {
		return
	}
	res, err := h.validation.Acquire(c.Request.Context(), id, req.AgentID)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) validate(c *gin.Context) {
	id, ok := httpx.ParamID(c, "id")
	if !ok {
		return
	}
	var req validateReq
	if !h.bindAgent(c, &req, &req.AgentID) || !h.ownTask(c, id) {
		return
	}
	pkg, err := h.validation.Validate(c.Request.Context(), id, req.AgentID, req.Results)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, validation.AcquireResult{Package: pkg})
}

func (h *Handler) respond(c *gin.Context) {
	id, ok := httpx.ParamID(c, "id")
	if !ok {
		return
	}
	var req respondReq
	if !h.bindAgent(c, &req, &req.AgentID) {
		return
	}
	outcome := domaintask.Outcome{Code: req.Code, Message: req.Message, Data: req.Data}
	if err := h.router.Deliver(c.Request.Context(), id, req.AgentID, outcome); err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// bindAgent decodes an agent request body and checks the agent belongs to the caller's account.
func (h *Handler) bindAgent(c *gin.Context, req any, agentID *uuid.UUID) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	if _, err := h.registry.Get(c.Request.Context(), httpx.Account(c), *agentID); err != nil {
		httpx.Error(c, err)
		return false
	}
	return true
}

// ownTask 404s a task outside the caller's account.
func (h *Handler) ownTask(c *gin.Context, id uuid.UUID) bool {
	if _, err := h.scheduler.Get(c.Request.Context(), httpx.Account(c), id); err != nil {
		httpx.Error(c, err)
		return false
	}
	return true
}

type selectorMapReq struct {
	Selectors []string `json:"selectors"`
}

func (h *Handler) putSelectorMap(c *gin.Context) {
	var req selectorMapReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	group := c.Param("group")
	sel, err := h.resolver.PutCategorySelectors(c.Request.Context(), httpx.Account(c), group, req.Selectors)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": group, "selectors": sel})
}
