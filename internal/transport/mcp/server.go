package mcp

import (
	"context"
	"log/slog"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/alanyang/delegate-broker/internal/hub"
	"github.com/alanyang/delegate-broker/internal/service/registry"
	"github.com/alanyang/delegate-broker/internal/service/response"
	"github.com/alanyang/delegate-broker/internal/service/scheduler"
	"github.com/alanyang/delegate-broker/internal/service/validation"
	"github.com/alanyang/delegate-broker/internal/transport/httpx"
)

// Deps are the services the MCP tools call into.
type Deps struct {
	Registry   *registry.Service
	Scheduler  *scheduler.Service
	Validation *validation.Coordinator
	Router     *response.Router
	Hub        *hub.Hub
}

// Server wraps the mcp-go MCPServer and its StreamableHTTPServer. Tools are
// registered in tools.go, session state lives in registry.go.
type Server struct {
	httpSrv *mcpserver.StreamableHTTPServer
	reg     *SessionRegistry
	hub     *hub.Hub
}

func New(reg *SessionRegistry, deps Deps) *Server {
	s := &Server{reg: reg, hub: deps.Hub}

	hooks := &mcpserver.Hooks{}
	hooks.OnUnregisterSession = append(hooks.OnUnregisterSession, s.onSessionClose)

	mcpSrv := mcpserver.NewMCPServer(
		"delegate-broker",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithHooks(hooks),
	)
	reg.SetMCPServer(mcpSrv)

	RegisterTools(mcpSrv, reg, deps)

	s.httpSrv = mcpserver.NewStreamableHTTPServer(mcpSrv,
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return WithAccount(ctx, httpx.AccountFromContext(r.Context()))
		}),
	)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv
}

func (s *Server) Registry() *SessionRegistry {
	return s.reg
}

func (s *Server) onSessionClose(ctx context.Context, session mcpserver.ClientSession) {
	b, hs, ok := s.reg.Unbind(session.SessionID())
	if !ok {
		return
	}
	s.hub.Detach(hs)
	slog.InfoContext(ctx, "mcp: session closed", "session_id", session.SessionID(), "agent_id", b.AgentID, "account_id", b.AccountID)
}

type accountKey struct{}

// WithAccount stores the calling account on the tool context.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey{}, accountID)
}

func accountFrom(ctx context.Context) string {
	v, _ := ctx.Value(accountKey{}).(string)
	return v
}
