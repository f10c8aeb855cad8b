package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/alanyang/delegate-broker/internal/domain/event"
)

// Binding ties an MCP session to the agent identity that heartbeated on it.
type Binding struct {
	AccountID string
	AgentID   uuid.UUID
	SessionID string
}

// SessionRegistry is the in-memory map of MCP sessions bound to agents.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]Binding

	// mcpSrv is set after the MCP server is constructed.
	mcpMu  sync.RWMutex
	mcpSrv *mcpserver.MCPServer
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]Binding)}
}

func (r *SessionRegistry) SetMCPServer(s *mcpserver.MCPServer) {
	r.mcpMu.Lock()
	r.mcpSrv = s
	r.mcpMu.Unlock()
}

// Bind maps an MCP session to an agent and returns the hub session that pushes
// notices to it. Rebinding a session replaces the previous identity.
func (r *SessionRegistry) Bind(mcpSessionID string, b Binding) *Session {
	r.mu.Lock()
	r.sessions[mcpSessionID] = b
	r.mu.Unlock()
	return &Session{mcpSessionID: mcpSessionID, reg: r}
}

// Unbind drops a closed session. The returned Session is what the hub knew it as.
func (r *SessionRegistry) Unbind(mcpSessionID string) (Binding, *Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.sessions[mcpSessionID]
	if !ok {
		return Binding{}, nil, false
	}
	delete(r.sessions, mcpSessionID)
	return b, &Session{mcpSessionID: mcpSessionID, reg: r}, true
}

func (r *SessionRegistry) Lookup(mcpSessionID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.sessions[mcpSessionID]
	return b, ok
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Session implements hub.Session over an MCP server-to-client notification.
type Session struct {
	mcpSessionID string
	reg          *SessionRegistry
}

func (s *Session) ID() string { return "mcp:" + s.mcpSessionID }

func (s *Session) Send(_ context.Context, e event.Event) error {
	s.reg.mcpMu.RLock()
	srv := s.reg.mcpSrv
	s.reg.mcpMu.RUnlock()
	if srv == nil {
		return fmt.Errorf("mcp server not initialized")
	}

	params, err := toParams(e)
	if err != nil {
		return fmt.Errorf("serialize notification: %w", err)
	}
	return srv.SendNotificationToSpecificClient(s.mcpSessionID, "notifications/message", params)
}

func toParams(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return map[string]any{"data": v}, nil
	}
	return params, nil
}
