package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	domainalert "github.com/alanyang/delegate-broker/internal/domain/alert"
	"github.com/alanyang/delegate-broker/internal/domain/event"
	"github.com/alanyang/delegate-broker/internal/metrics"
	"github.com/alanyang/delegate-broker/internal/port"
	portagent "github.com/alanyang/delegate-broker/internal/port/agent"
	portalert "github.com/alanyang/delegate-broker/internal/port/alert"
	portbroadcast "github.com/alanyang/delegate-broker/internal/port/broadcast"
	portconn "github.com/alanyang/delegate-broker/internal/port/connection"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentDeleted  = errors.New("agent has been deleted")
	// ErrDuplicateIdentity tells the heartbeating session that a newer session owns
	// its identity and it must self-destruct.
	ErrDuplicateIdentity = errors.New("duplicate agent identity: a newer session is active")

	ErrInvalidTransition = errors.New("invalid agent status transition")
)

type Config struct {
	HeartbeatTTL time.Duration
	// SameLocationWindow bounds same-location restart suppression; 0 is unbounded.
	SameLocationWindow time.Duration
}

type HeartbeatRequest struct {
	AccountID string
	AgentID   uuid.UUID
	SessionID string
	Version   string
	Location  string
}

// Service is the agent registry and connection tracker.
type Service struct {
	agents  portagent.Repository
	conns   portconn.Repository
	bus     portbroadcast.Broadcaster
	alerts  portalert.Sink
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

func NewService(
	agents portagent.Repository,
	conns portconn.Repository,
	bus portbroadcast.Broadcaster,
	alerts portalert.Sink,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	return &Service{
		agents:  agents,
		conns:   conns,
		bus:     bus,
		alerts:  alerts,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// RegisterHeartbeat records a heartbeat for one connection session and resolves
// duplicate sessions of the same agent.
func (s *Service) RegisterHeartbeat(ctx context.Context, req HeartbeatRequest) (domainagent.Agent, error) {
	a, err := s.Get(ctx, req.AccountID, req.AgentID)
	if err != nil {
		return domainagent.Agent{}, err
	}
	if a.Status == domainagent.StatusDeleted {
		return domainagent.Agent{}, ErrAgentDeleted
	}

	now := s.now().UTC()
	existing, err := s.conns.ListByAgent(ctx, a.ID)
	if err != nil {
		return domainagent.Agent{}, fmt.Errorf("list connections: %w", err)
	}

	conn := domainagent.Connection{
		AgentID:         a.ID,
		AccountID:       a.AccountID,
		SessionID:       req.SessionID,
		Version:         req.Version,
		Location:        req.Location,
		FirstSeenAt:     now,
		LastHeartbeatAt: now,
	}
	var others []domainagent.Connection
	for _, c := range existing {
		if c.SessionID != req.SessionID {
			others = append(others, c)
			continue
		}
		switch {
		case !c.IsEvicted():
			conn.FirstSeenAt = c.FirstSeenAt
		case c.IsLive(now, s.cfg.HeartbeatTTL):
			s.raiseDuplicate(ctx, a, req.SessionID)
			return domainagent.Agent{}, ErrDuplicateIdentity
		default:
			if err := s.conns.Delete(ctx, a.ID, c.SessionID); err != nil {
				return domainagent.Agent{}, fmt.Errorf("drop evicted connection: %w", err)
			}
		}
	}

	for _, c := range others {
		if !c.IsLive(now, s.cfg.HeartbeatTTL) {
			if err := s.conns.Delete(ctx, a.ID, c.SessionID); err != nil {
				slog.WarnContext(ctx, "failed to drop stale connection", "agent_id", a.ID, "error", err)
			}
			continue
		}
		if c.IsEvicted() || s.benignRestart(a, c, req, now) {
			continue
		}
		if !conn.StartedAfter(c) {
			s.raiseDuplicate(ctx, a, req.SessionID)
			return domainagent.Agent{}, ErrDuplicateIdentity
		}
		s.evictSession(ctx, a, c.SessionID, now)
	}

	if err := s.conns.Upsert(ctx, conn); err != nil {
		return domainagent.Agent{}, fmt.Errorf("upsert connection: %w", err)
	}

	a.RecordHeartbeat(now, s.cfg.HeartbeatTTL)
	if err := s.agents.Touch(ctx, a.ID, *a.LastHeartbeatAt, *a.ExpiresAt); err != nil {
		return domainagent.Agent{}, fmt.Errorf("touch agent: %w", err)
	}
	return a, nil
}

// benignRestart is a polling agent restarted in place: same location, and the
// older session heartbeated recently enough to be the same process lineage.
func (s *Service) benignRestart(a domainagent.Agent, c domainagent.Connection, req HeartbeatRequest, now time.Time) bool {
	if a.ConnectionMode != domainagent.ModePolling || c.Location != req.Location {
		return false
	}
	if s.cfg.SameLocationWindow <= 0 {
		return true
	}
	return now.Sub(c.LastHeartbeatAt) <= s.cfg.SameLocationWindow
}

func (s *Service) evictSession(ctx context.Context, a domainagent.Agent, sessionID string, now time.Time) {
	if err := s.bus.Publish(ctx, event.SelfDestruct(a.AccountID, a.ID, sessionID)); err != nil {
		slog.ErrorContext(ctx, "failed to publish self-destruct", "agent_id", a.ID, "session", sessionID, "error", err)
	}
	if err := s.conns.MarkEvicted(ctx, a.ID, sessionID, now); err != nil {
		slog.ErrorContext(ctx, "failed to mark evicted connection", "agent_id", a.ID, "error", err)
	}
	s.raiseDuplicate(ctx, a, sessionID)
}

func (s *Service) raiseDuplicate(ctx context.Context, a domainagent.Agent, sessionID string) {
	s.metrics.DuplicateSessions.Inc()
	slog.WarnContext(ctx, "duplicate agent identity", "agent_id", a.ID, "account_id", a.AccountID, "session", sessionID)
	s.alerts.Raise(ctx, domainalert.DuplicateIdentity(a.AccountID, a.ID, sessionID))
}

// ActiveAgents returns the enabled agents of the account with a live connection.
func (s *Service) ActiveAgents(ctx context.Context, accountID string) ([]domainagent.Agent, error) {
	now := s.now().UTC()
	live, err := s.conns.ListLive(ctx, accountID, now.Add(-s.cfg.HeartbeatTTL))
	if err != nil {
		return nil, fmt.Errorf("list live connections: %w", err)
	}
	if len(live) == 0 {
		return nil, nil
	}
	connected := make(map[uuid.UUID]struct{}, len(live))
	for _, c := range live {
		connected[c.AgentID] = struct{}{}
	}

	enabled := domainagent.StatusEnabled
	all, err := s.agents.List(ctx, domainagent.ListFilters{AccountID: &accountID, Status: &enabled})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var out []domainagent.Agent
	for _, a := range all {
		if _, ok := connected[a.ID]; ok && a.IsActive(now, s.cfg.HeartbeatTTL) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Service) IsActive(a domainagent.Agent) bool {
	return a.IsActive(s.now(), s.cfg.HeartbeatTTL)
}

// CountInstalled counts the account's non-deleted agent records.
func (s *Service) CountInstalled(ctx context.Context, accountID string) (int, error) {
	n, err := s.agents.CountByAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}

// Get loads an agent and checks it belongs to the account.
func (s *Service) Get(ctx context.Context, accountID string, id uuid.UUID) (domainagent.Agent, error) {
	a, err := s.agents.GetByID(ctx, id)
	if errors.Is(err, port.ErrNotFound) {
		return domainagent.Agent{}, ErrAgentNotFound
	}
	if err != nil {
		return domainagent.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	if accountID != "" && a.AccountID != accountID {
		return domainagent.Agent{}, ErrAgentNotFound
	}
	return a, nil
}

func (s *Service) List(ctx context.Context, filters domainagent.ListFilters) ([]domainagent.Agent, error) {
	agents, err := s.agents.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// Approve moves a pending agent to enabled.
func (s *Service) Approve(ctx context.Context, accountID string, id uuid.UUID) (domainagent.Agent, error) {
	a, err := s.Get(ctx, accountID, id)
	if err != nil {
		return domainagent.Agent{}, err
	}
	if !a.Status.CanTransitionTo(domainagent.StatusEnabled) {
		return domainagent.Agent{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, a.Status, domainagent.StatusEnabled)
	}
	if err := s.agents.UpdateStatus(ctx, id, a.Status, domainagent.StatusEnabled); err != nil {
		return domainagent.Agent{}, fmt.Errorf("approve agent: %w", err)
	}
	a.Status = domainagent.StatusEnabled
	slog.InfoContext(ctx, "agent approved", "agent_id", id, "account_id", a.AccountID)
	return a, nil
}

// Delete marks the agent deleted, drops its connections and tells every session
// of it to self-destruct. Deleting a deleted agent is a no-op.
func (s *Service) Delete(ctx context.Context, accountID string, id uuid.UUID) error {
	a, err := s.Get(ctx, accountID, id)
	if err != nil {
		return err
	}
	if a.Status == domainagent.StatusDeleted {
		return nil
	}
	if err := s.agents.UpdateStatus(ctx, id, a.Status, domainagent.StatusDeleted); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if err := s.conns.DeleteByAgent(ctx, id); err != nil {
		slog.ErrorContext(ctx, "failed to drop connections of deleted agent", "agent_id", id, "error", err)
	}
	if err := s.bus.Publish(ctx, event.SelfDestruct(a.AccountID, id, "")); err != nil {
		slog.ErrorContext(ctx, "failed to publish self-destruct", "agent_id", id, "error", err)
	}
	slog.InfoContext(ctx, "agent deleted", "agent_id", id, "account_id", a.AccountID)
	return nil
}

// PruneConnections drops connection records older than the heartbeat TTL.
func (s *Service) PruneConnections(ctx context.Context) (int64, error) {
	n, err := s.conns.DeleteStale(ctx, s.now().UTC().Add(-s.cfg.HeartbeatTTL))
	if err != nil {
		return 0, fmt.Errorf("prune connections: %w", err)
	}
	return n, nil
}
