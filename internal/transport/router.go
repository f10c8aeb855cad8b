package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	portidempotency "github.com/alanyang/delegate-broker/internal/port/idempotency"
	agenthandler "github.com/alanyang/delegate-broker/internal/transport/agent"
	"github.com/alanyang/delegate-broker/internal/transport/httpx"
	taskhandler "github.com/alanyang/delegate-broker/internal/transport/task"
	wshandler "github.com/alanyang/delegate-broker/internal/transport/ws"
)

type Handlers struct {
	Agents      *agenthandler.Handler
	Tasks       *taskhandler.Handler
	WS          *wshandler.Handler
	MCP         http.Handler
	Metrics     http.Handler
	Idempotency portidempotency.Repository
	// Auth verifies bearer tokens; nil trusts the account header.
	Auth httpx.AccountVerifier
}

func NewRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(CORSMiddleware())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}

	api := r.Group("/api")
	api.Use(httpx.RequireAccount(h.Auth))
	if h.Idempotency != nil {
		api.Use(IdempotencyMiddleware(h.Idempotency))
	}

	agenthandler.Register(api, h.Agents)
	taskhandler.Register(api, h.Tasks)
	if h.WS != nil {
		h.WS.Register(api.Group("/ws"))
	}

	if h.MCP != nil {
		mcp := r.Group("/mcp", httpx.RequireAccount(h.Auth))
		mcp.Any("", gin.WrapH(h.MCP))
	}
	return r
}
