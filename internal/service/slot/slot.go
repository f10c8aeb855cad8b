package slot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	domainslot "github.com/alanyang/delegate-broker/internal/domain/slot"
	"github.com/alanyang/delegate-broker/internal/metrics"
	"github.com/alanyang/delegate-broker/internal/port"
	portagent "github.com/alanyang/delegate-broker/internal/port/agent"
	portslot "github.com/alanyang/delegate-broker/internal/port/slot"
)

var (
	// ErrIdentitySlotExhausted is retryable: the agent should register again.
	ErrIdentitySlotExhausted = errors.New("could not allocate an identity slot, retry registration")

	ErrInvalidRegistration = errors.New("invalid registration")
)

// Evictor removes an agent record whose slot was reclaimed.
type Evictor interface {
	Delete(ctx context.Context, accountID string, id uuid.UUID) error
}

type Config struct {
	// Staleness is how long a slot may go unrefreshed before it can be reclaimed.
	Staleness time.Duration

	Attempts        uint
	RetryDelay      time.Duration
	RequireApproval bool
}

type RegisterRequest struct {
	AccountID      string
	AgentID        *uuid.UUID
	Name           string
	HostName       string
	IP             string
	Type           domainagent.Type
	ConnectionMode domainagent.ConnectionMode
	Selectors      []string
	SequenceNumber *int
	Token          string
}

type KeepAliveRequest struct {
	AccountID      string
	HostPrefix     string
	SequenceNumber int
	Token          string
}

type Registration struct {
	Agent domainagent.Agent        `json:"agent"`
	Slot  *domainagent.SlotBinding `json:"slot,omitempty"`
}

// Allocator registers agents and leases identity slots to the ones that cannot
// keep their own identity across restarts.
type Allocator struct {
	agents  portagent.Repository
	slots   portslot.Repository
	evictor Evictor
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

func NewAllocator(agents portagent.Repository, slots portslot.Repository, evictor Evictor, m *metrics.Metrics, cfg Config) *Allocator {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 20 * time.Millisecond
	}
	return &Allocator{agents: agents, slots: slots, evictor: evictor, metrics: m, cfg: cfg, now: time.Now}
}

func (s *Allocator) SetClock(now func() time.Time) { s.now = now }

func (s *Allocator) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	if req.AccountID == "" || req.HostName == "" {
		return Registration{}, fmt.Errorf("%w: account id and host name are required", ErrInvalidRegistration)
	}
	if req.Type == "" {
		req.Type = domainagent.TypeShell
	}
	if req.ConnectionMode == "" {
		req.ConnectionMode = domainagent.ModePolling
	}
	if !req.Type.NeedsIdentitySlot() {
		a, err := s.registerPlain(ctx, req)
		return Registration{Agent: a}, err
	}

	if reg, ok, err := s.fromAgentID(ctx, req); err != nil || ok {
		return reg, err
	}
	prefix := domainagent.HostPrefix(req.HostName)
	if reg, ok, err := s.fromToken(ctx, req, prefix); err != nil || ok {
		return reg, err
	}
	if reg, ok, err := s.reclaimStale(ctx, req, prefix); err != nil || ok {
		return reg, err
	}
	return s.allocate(ctx, req, prefix)
}

// KeepAlive refreshes the slot when the token matches. Mismatches are ignored.
func (s *Allocator) KeepAlive(ctx context.Context, req KeepAliveRequest) (bool, error) {
	ok, err := s.slots.Refresh(ctx, req.AccountID, req.HostPrefix, req.SequenceNumber, req.Token, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("refresh slot: %w", err)
	}
	if !ok {
		slog.DebugContext(ctx, "keep-alive ignored, token mismatch", "account_id", req.AccountID,
			"host_prefix", req.HostPrefix, "sequence", req.SequenceNumber)
	}
	return ok, nil
}

func (s *Allocator) registerPlain(ctx context.Context, req RegisterRequest) (domainagent.Agent, error) {
	if req.AgentID != nil {
		a, found, err := s.lookup(ctx, req.AccountID, *req.AgentID)
		if err != nil {
			return domainagent.Agent{}, err
		}
		if found {
			return s.refreshAgent(ctx, a, req, a.Slot)
		}
	}
	return s.createAgent(ctx, s.newAgent(req))
}

// fromAgentID: the agent presents its id and its stored slot binding still holds.
func (s *Allocator) fromAgentID(ctx context.Context, req RegisterRequest) (Registration, bool, error) {
	if req.AgentID == nil {
		return Registration{}, false, nil
	}
	a, found, err := s.lookup(ctx, req.AccountID, *req.AgentID)
	if err != nil || !found || a.Slot == nil {
		return Registration{}, false, err
	}
	sl, err := s.slots.Get(ctx, req.AccountID, a.Slot.HostPrefix, a.Slot.SequenceNumber)
	if errors.Is(err, port.ErrNotFound) {
		return Registration{}, false, nil
	}
	if err != nil {
		return Registration{}, false, fmt.Errorf("get slot: %w", err)
	}
	if !sl.Matches(a.Slot.SequenceNumber, a.Slot.Token) || sl.AgentID == nil || *sl.AgentID != a.ID {
		return Registration{}, false, nil
	}

	if _, err := s.slots.Refresh(ctx, sl.AccountID, sl.HostPrefix, sl.SequenceNumber, sl.Token, s.now().UTC()); err != nil {
		return Registration{}, false, fmt.Errorf("refresh slot: %w", err)
	}
	a, err = s.refreshAgent(ctx, a, req, a.Slot)
	if err != nil {
		return Registration{}, false, err
	}
	s.metrics.SlotAllocations.WithLabelValues("existing").Inc()
	return Registration{Agent: a, Slot: a.Slot}, true, nil
}

// fromToken: no usable id, but the agent remembers its (sequence, token).
func (s *Allocator) fromToken(ctx context.Context, req RegisterRequest, prefix string) (Registration, bool, error) {
	if req.SequenceNumber == nil || req.Token == "" {
		return Registration{}, false, nil
	}
	seq := *req.SequenceNumber
	sl, err := s.slots.Get(ctx, req.AccountID, prefix, seq)
	if errors.Is(err, port.ErrNotFound) {
		return Registration{}, false, nil
	}
	if err != nil {
		return Registration{}, false, fmt.Errorf("get slot: %w", err)
	}
	if !sl.Matches(seq, req.Token) {
		return Registration{}, false, nil
	}

	binding := &domainagent.SlotBinding{HostPrefix: prefix, SequenceNumber: seq, Token: sl.Token}
	now := s.now().UTC()

	if sl.AgentID != nil {
		holder, found, err := s.lookup(ctx, req.AccountID, *sl.AgentID)
		if err != nil {
			return Registration{}, false, err
		}
		if found {
			if _, err := s.slots.Refresh(ctx, req.AccountID, prefix, seq, sl.Token, now); err != nil {
				return Registration{}, false, fmt.Errorf("refresh slot: %w", err)
			}
			a, err := s.refreshAgent(ctx, holder, req, binding)
			if err != nil {
				return Registration{}, false, err
			}
			s.metrics.SlotAllocations.WithLabelValues("token").Inc()
			return Registration{Agent: a, Slot: binding}, true, nil
		}
	}

	a := s.newAgent(req)
	a.Slot = binding
	ok, err := s.slots.Rebind(ctx, sl, a.ID, sl.Token, now)
	if err != nil {
		return Registration{}, false, fmt.Errorf("rebind slot: %w", err)
	}
	if !ok {
		return Registration{}, false, nil
	}
	created, err := s.createAgent(ctx, a)
	if err != nil {
		return Registration{}, false, err
	}
	s.metrics.SlotAllocations.WithLabelValues("token").Inc()
	return Registration{Agent: created, Slot: binding}, true, nil
}

// reclaimStale hands a slot nobody refreshed within the staleness window to the
// new registration, carrying the previous holder's configuration forward.
func (s *Allocator) reclaimStale(ctx context.Context, req RegisterRequest, prefix string) (Registration, bool, error) {
	slots, err := s.slots.ListByPrefix(ctx, req.AccountID, prefix)
	if err != nil {
		return Registration{}, false, fmt.Errorf("list slots: %w", err)
	}
	now := s.now().UTC()

	for _, sl := range slots {
		if !sl.IsStale(now, s.cfg.Staleness) {
			continue
		}
		a := s.newAgent(req)
		var prev *domainagent.Agent
		if sl.AgentID != nil {
			holder, found, err := s.lookup(ctx, req.AccountID, *sl.AgentID)
			if err != nil {
				return Registration{}, false, err
			}
			if found {
				a.CopyConfigFrom(holder)
				prev = &holder
			}
		}

		token := domainslot.NewToken()
		ok, err := s.slots.Rebind(ctx, sl, a.ID, token, now)
		if err != nil {
			return Registration{}, false, fmt.Errorf("rebind slot: %w", err)
		}
		if !ok {
			// Refreshed or taken since listing.
			continue
		}
		a.Slot = &domainagent.SlotBinding{HostPrefix: prefix, SequenceNumber: sl.SequenceNumber, Token: token}
		created, err := s.createAgent(ctx, a)
		if err != nil {
			return Registration{}, false, err
		}

		if prev != nil {
			if err := s.evictor.Delete(ctx, req.AccountID, prev.ID); err != nil {
				slog.ErrorContext(ctx, "failed to evict stale slot holder", "agent_id", prev.ID, "error", err)
			}
		}
		s.metrics.SlotAllocations.WithLabelValues("reclaimed").Inc()
		slog.InfoContext(ctx, "stale identity slot reclaimed", "account_id", req.AccountID, "host_prefix", prefix,
			"sequence", sl.SequenceNumber, "agent_id", created.ID)
		return Registration{Agent: created, Slot: created.Slot}, true, nil
	}
	return Registration{}, false, nil
}

// allocate creates a slot with the lowest free sequence number. Concurrent
// allocations of the same number conflict on insert and retry.
func (s *Allocator) allocate(ctx context.Context, req RegisterRequest, prefix string) (Registration, error) {
	a := s.newAgent(req)
	var sl domainslot.IdentitySlot

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.cfg.Attempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, port.ErrConflict) }),
	)
	err := r.Do(func() error {
		existing, err := s.slots.ListByPrefix(ctx, req.AccountID, prefix)
		if err != nil {
			return fmt.Errorf("list slots: %w", err)
		}
		used := make([]int, 0, len(existing))
		for _, e := range existing {
			used = append(used, e.SequenceNumber)
		}
		sl = domainslot.New(req.AccountID, prefix, domainslot.LowestFree(used), a.ID, s.now())
		return s.slots.Create(ctx, sl)
	})
	if errors.Is(err, port.ErrConflict) {
		s.metrics.SlotAllocations.WithLabelValues("exhausted").Inc()
		slog.WarnContext(ctx, "identity slot allocation exhausted", "account_id", req.AccountID, "host_prefix", prefix)
		return Registration{}, ErrIdentitySlotExhausted
	}
	if err != nil {
		return Registration{}, fmt.Errorf("allocate slot: %w", err)
	}

	a.Slot = &domainagent.SlotBinding{HostPrefix: prefix, SequenceNumber: sl.SequenceNumber, Token: sl.Token}
	created, err := s.createAgent(ctx, a)
	if err != nil {
		return Registration{}, err
	}
	s.metrics.SlotAllocations.WithLabelValues("allocated").Inc()
	return Registration{Agent: created, Slot: created.Slot}, nil
}

func (s *Allocator) newAgent(req RegisterRequest) domainagent.Agent {
	name := req.Name
	if name == "" {
		name = req.HostName
	}
	a := domainagent.New(req.AccountID, name, req.HostName, req.Type, req.ConnectionMode)
	a.IP = req.IP
	a.CreatedAt = s.now().UTC()
	if req.Selectors != nil {
		a.ExplicitSelectors = req.Selectors
	}
	if s.cfg.RequireApproval {
		a.Status = domainagent.StatusPendingApproval
	}
	return a
}

func (s *Allocator) createAgent(ctx context.Context, a domainagent.Agent) (domainagent.Agent, error) {
	created, err := s.agents.Create(ctx, a)
	if err != nil {
		return domainagent.Agent{}, fmt.Errorf("create agent: %w", err)
	}
	slog.InfoContext(ctx, "agent registered", "agent_id", created.ID, "account_id", created.AccountID, "type", created.Type)
	return created, nil
}

func (s *Allocator) refreshAgent(ctx context.Context, a domainagent.Agent, req RegisterRequest, binding *domainagent.SlotBinding) (domainagent.Agent, error) {
	a.HostName = req.HostName
	a.IP = req.IP
	a.ConnectionMode = req.ConnectionMode
	a.Slot = binding
	if err := s.agents.Update(ctx, a); err != nil {
		return domainagent.Agent{}, fmt.Errorf("update agent: %w", err)
	}
	return a, nil
}

// lookup loads a live agent of the account; deleted or foreign agents are not found.
func (s *Allocator) lookup(ctx context.Context, accountID string, id uuid.UUID) (domainagent.Agent, bool, error) {
	a, err := s.agents.GetByID(ctx, id)
	if errors.Is(err, port.ErrNotFound) {
		return domainagent.Agent{}, false, nil
	}
	if err != nil {
		return domainagent.Agent{}, false, fmt.Errorf("get agent: %w", err)
	}
	if a.AccountID != accountID || a.Status == domainagent.StatusDeleted {
		return domainagent.Agent{}, false, nil
	}
	return a, true, nil
}
