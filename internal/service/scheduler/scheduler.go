package scheduler

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
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/metrics"
	"github.com/alanyang/delegate-broker/internal/port"
	portalert "github.com/alanyang/delegate-broker/internal/port/alert"
	portbroadcast "github.com/alanyang/delegate-broker/internal/port/broadcast"
	portevaluator "github.com/alanyang/delegate-broker/internal/port/evaluator"
	portflags "github.com/alanyang/delegate-broker/internal/port/flags"
	porttask "github.com/alanyang/delegate-broker/internal/port/task"
	"github.com/alanyang/delegate-broker/internal/service/capability"
	"github.com/alanyang/delegate-broker/internal/service/registry"
	"github.com/alanyang/delegate-broker/internal/service/response"
)

var (
	ErrNoInstalledAgents = errors.New("no delegates are installed for this account")
	ErrNoActiveAgents    = errors.New("no delegates are connected")
	ErrNoEligibleAgents  = errors.New("no connected delegate is eligible for this task")
	ErrAdmissionRejected = errors.New("in-flight ceiling reached for task rank")
	ErrTaskNotFound      = errors.New("task not found")
	ErrPackagePending    = errors.New("task package is still being prepared")
	ErrInvalidTask       = errors.New("invalid task")
	ErrWaitTimeout       = errors.New("timed out waiting for task response")
)

// Agents is the slice of the registry the scheduler reads.
type Agents interface {
	Get(ctx context.Context, accountID string, id uuid.UUID) (domainagent.Agent, error)
	CountInstalled(ctx context.Context, accountID string) (int, error)
}

// Resolver is the capability resolver.
type Resolver interface {
	DeriveRequirements(ctx context.Context, t domaintask.Task) ([]domaintask.Capability, error)
	EligibleActive(ctx context.Context, t domaintask.Task) ([]domainagent.Agent, capability.EligibilityLog, error)
	Eligible(agents []domainagent.Agent, t domaintask.Task, profiles map[uuid.UUID]domainagent.Profile) ([]uuid.UUID, capability.EligibilityLog)
	Profiles(ctx context.Context, accountID string) (map[uuid.UUID]domainagent.Profile, error)
}

// Finalizer routes broker-originated terminal outcomes.
type Finalizer interface {
	Fail(ctx context.Context, t domaintask.Task, code domaintask.ResponseCode, message string) error
}

type Config struct {
	// AdmissionEnforce rejects over-ceiling submissions; otherwise the check is advisory.
	AdmissionEnforce bool
	Ceilings         map[domaintask.Rank]int
}

type SubmitRequest struct {
	AccountID        string
	Kind             domaintask.Kind
	Rank             domaintask.Rank
	Async            bool
	Parameters       map[string]any
	Selectors        []string
	ScopeAttrs       map[string]string
	Timeout          time.Duration
	CallbackDriverID string
}

// Offer is a queued task advertised to a polling agent.
type Offer struct {
	TaskID uuid.UUID `json:"task_id"`
	Sync   bool      `json:"sync"`
}

// Service owns the task record state machine.
type Service struct {
	tasks     porttask.Repository
	agents    Agents
	resolver  Resolver
	evaluator portevaluator.Evaluator
	flags     portflags.Flags
	bus       portbroadcast.Broadcaster
	alerts    portalert.Sink
	router    Finalizer
	waits     *response.WaitRegistry
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

func NewService(
	tasks porttask.Repository,
	agents Agents,
	resolver Resolver,
	evaluator portevaluator.Evaluator,
	flags portflags.Flags,
	bus portbroadcast.Broadcaster,
	alerts portalert.Sink,
	router Finalizer,
	waits *response.WaitRegistry,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	return &Service{
		tasks:     tasks,
		agents:    agents,
		resolver:  resolver,
		evaluator: evaluator,
		flags:     flags,
		bus:       bus,
		alerts:    alerts,
		router:    router,
		waits:     waits,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Submit persists a queued task with its derived capability requirements and
// offers it to the account's agents.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (domaintask.Task, error) {
	t, err := build(req)
	if err != nil {
		return domaintask.Task{}, err
	}
	return s.submit(ctx, t)
}

// SubmitAndWait submits a synchronous task and blocks until its outcome is
// delivered or wait elapses. Giving up does not retract the task.
func (s *Service) SubmitAndWait(ctx context.Context, req SubmitRequest, wait time.Duration) (domaintask.Result, error) {
	req.Async = false
	t, err := build(req)
	if err != nil {
		return domaintask.Result{}, err
	}

	ch, cancel := s.waits.Register(t.WaitID)
	defer cancel()

	if _, err := s.submit(ctx, t); err != nil {
		return domaintask.Result{}, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return domaintask.Result{}, ctx.Err()
	case <-timer.C:
	}

	d, err := s.diagnose(ctx, t)
	if err != nil {
		return domaintask.Result{}, err
	}
	if d.reason != nil {
		return domaintask.Result{}, fmt.Errorf("%w: task %s", d.reason, t.ID)
	}
	return domaintask.Result{}, fmt.Errorf("%w: task %s", ErrWaitTimeout, t.ID)
}

func build(req SubmitRequest) (domaintask.Task, error) {
	if req.AccountID == "" {
		return domaintask.Task{}, fmt.Errorf("%w: account id is required", ErrInvalidTask)
	}
	if !req.Kind.Valid() {
		return domaintask.Task{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, req.Kind)
	}
	rank := req.Rank
	if rank == "" {
		rank = domaintask.RankImportant
	}
	switch rank {
	case domaintask.RankCritical, domaintask.RankImportant, domaintask.RankOptional:
	default:
		return domaintask.Task{}, fmt.Errorf("%w: unknown rank %q", ErrInvalidTask, rank)
	}

	t := domaintask.New(req.AccountID, req.Kind, rank, req.Async, req.Parameters)
	if req.Selectors != nil {
		t.ExplicitSelectors = req.Selectors
	}
	if req.ScopeAttrs != nil {
		t.ScopeAttrs = req.ScopeAttrs
	}
	t.Timeout = req.Timeout
	t.CallbackDriverID = req.CallbackDriverID
	return t, nil
}

func (s *Service) submit(ctx context.Context, t domaintask.Task) (domaintask.Task, error) {
	if err := s.admit(ctx, t); err != nil {
		return domaintask.Task{}, err
	}

	caps, err := s.resolver.DeriveRequirements(ctx, t)
	if err != nil {
		return domaintask.Task{}, fmt.Errorf("derive requirements: %w", err)
	}
	t.RequiredCapabilities = caps

	now := s.now().UTC()
	t.CreatedAt = now
	t.ExpiresAt = now.Add(t.EffectiveTimeout())

	d, err := s.diagnose(ctx, t)
	if err != nil {
		return domaintask.Task{}, err
	}
	t.PreferredAgentID = d.preferred

	created, err := s.tasks.Create(ctx, t)
	if err != nil {
		return domaintask.Task{}, fmt.Errorf("create task: %w", err)
	}
	if d.reason != nil {
		s.raise(ctx, created, d.reason)
	}

	mode := "async"
	if !created.IsAsync {
		mode = "sync"
	}
	s.metrics.Submissions.WithLabelValues(string(created.Rank), mode).Inc()

	if err := s.bus.Publish(ctx, event.TaskQueued(created)); err != nil {
		slog.ErrorContext(ctx, "failed to publish task offer", "task_id", created.ID, "error", err)
	}
	slog.InfoContext(ctx, "task submitted", "task_id", created.ID, "account_id", created.AccountID,
		"kind", created.Kind, "rank", created.Rank, "capabilities", len(caps))
	return created, nil
}

// admit runs the per-rank in-flight ceiling check.
func (s *Service) admit(ctx context.Context, t domaintask.Task) error {
	ceiling := s.cfg.Ceilings[t.Rank]
	if ceiling <= 0 {
		return nil
	}
	n, err := s.tasks.CountInFlight(ctx, t.AccountID, t.Rank)
	if err != nil {
		return fmt.Errorf("count in-flight tasks: %w", err)
	}
	if n < ceiling {
		s.metrics.AdmissionDecision.WithLabelValues(string(t.Rank), "admit").Inc()
		return nil
	}
	if !s.cfg.AdmissionEnforce {
		s.metrics.AdmissionDecision.WithLabelValues(string(t.Rank), "over_ceiling").Inc()
		slog.WarnContext(ctx, "admission ceiling exceeded", "account_id", t.AccountID, "rank", t.Rank, "in_flight", n, "ceiling", ceiling)
		return nil
	}
	s.metrics.AdmissionDecision.WithLabelValues(string(t.Rank), "reject").Inc()
	return fmt.Errorf("%w: %s has %d in flight (ceiling %d)", ErrAdmissionRejected, t.Rank, n, ceiling)
}

// diagnosis is the preferred agent for a task, or the reason there is none.
type diagnosis struct {
	preferred *uuid.UUID
	reason    error
}

func (s *Service) diagnose(ctx context.Context, t domaintask.Task) (diagnosis, error) {
	eligible, log, err := s.resolver.EligibleActive(ctx, t)
	if err != nil {
		return diagnosis{}, fmt.Errorf("evaluate eligibility: %w", err)
	}
	for _, a := range eligible {
		if !t.HasTried(a.ID) {
			id := a.ID
			return diagnosis{preferred: &id}, nil
		}
	}
	if len(log) > 0 {
		return diagnosis{reason: ErrNoEligibleAgents}, nil
	}
	installed, err := s.agents.CountInstalled(ctx, t.AccountID)
	if err != nil {
		return diagnosis{}, err
	}
	if installed == 0 {
		return diagnosis{reason: ErrNoInstalledAgents}, nil
	}
	return diagnosis{reason: ErrNoActiveAgents}, nil
}

func (s *Service) raise(ctx context.Context, t domaintask.Task, reason error) {
	var a domainalert.Alert
	switch {
	case errors.Is(reason, ErrNoInstalledAgents):
		a = domainalert.NoInstalledAgents(t.AccountID, t.ID)
	case errors.Is(reason, ErrNoActiveAgents):
		a = domainalert.NoActiveAgents(t.AccountID, t.ID)
	default:
		a = domainalert.NoEligibleAgents(t.AccountID, t.ID, domaintask.Bases(t.RequiredCapabilities))
	}
	slog.WarnContext(ctx, "task has no candidate agent", "task_id", t.ID, "account_id", t.AccountID, "reason", reason)
	s.alerts.Raise(ctx, a)
}

// Claim atomically assigns a queued task to agentID. It returns nil when the task
// is not available to the caller, and the stored package again when the caller
// already holds it.
func (s *Service) Claim(ctx context.Context, taskID, agentID uuid.UUID) (*domaintask.Package, error) {
	current, err := s.tasks.GetByID(ctx, taskID)
	if errors.Is(err, port.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	a, err := s.agents.Get(ctx, "", agentID)
	if errors.Is(err, registry.ErrAgentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.AccountID != current.AccountID {
		s.metrics.Claims.WithLabelValues("rejected").Inc()
		slog.WarnContext(ctx, "claim from agent of another account", "task_id", taskID, "agent_id", agentID,
			"account_id", current.AccountID)
		return nil, nil
	}
	if a.Status != domainagent.StatusEnabled && !current.IsAssignedTo(agentID) {
		s.metrics.Claims.WithLabelValues("rejected").Inc()
		return nil, nil
	}

	now := s.now().UTC()
	t, ok, err := s.tasks.Claim(ctx, taskID, a.AccountID, agentID, now.Add(current.EffectiveTimeout()))
	if errors.Is(err, port.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	if !ok {
		if t.Status == domaintask.StatusStarted && t.IsAssignedTo(agentID) {
			if t.Package == nil {
				return nil, ErrPackagePending
			}
			s.metrics.Claims.WithLabelValues("redelivered").Inc()
			return t.Package, nil
		}
		s.metrics.Claims.WithLabelValues("lost").Inc()
		return nil, nil
	}

	pkg, err := s.materialize(ctx, t, agentID, now)
	if err != nil {
		slog.ErrorContext(ctx, "failed to materialize task package", "task_id", t.ID, "agent_id", agentID, "error", err)
		if ferr := s.router.Fail(ctx, t, domaintask.ResponseFailure, err.Error()); ferr != nil {
			slog.ErrorContext(ctx, "failed to finalize task", "task_id", t.ID, "error", ferr)
		}
		return nil, err
	}
	if err := s.tasks.SetPackage(ctx, t.ID, agentID, pkg); err != nil {
		return nil, fmt.Errorf("store task package: %w", err)
	}

	s.metrics.Claims.WithLabelValues("won").Inc()
	slog.InfoContext(ctx, "task claimed", "task_id", t.ID, "agent_id", agentID, "account_id", t.AccountID)
	return &pkg, nil
}

func (s *Service) materialize(ctx context.Context, t domaintask.Task, agentID uuid.UUID, now time.Time) (domaintask.Package, error) {
	params, secrets, err := s.evaluator.Evaluate(ctx, t.AccountID, t.Parameters)
	if err != nil {
		return domaintask.Package{}, fmt.Errorf("evaluate parameters: %w", err)
	}
	return domaintask.Package{
		TaskID:       t.ID,
		AccountID:    t.AccountID,
		AgentID:      agentID,
		Kind:         t.Kind,
		Async:        t.IsAsync,
		Parameters:   params,
		Secrets:      secrets,
		LogStreaming: s.flags.Enabled(ctx, t.AccountID, portflags.LogStreaming),
		CDNDownloads: s.flags.Enabled(ctx, t.AccountID, portflags.CDNDownloads),
		Timeout:      t.EffectiveTimeout(),
		ClaimedAt:    now,
	}, nil
}

// Abort cancels a running async task. It reports false when the task was not
// abortable, which includes sync tasks and tasks that already finished.
func (s *Service) Abort(ctx context.Context, accountID string, taskID uuid.UUID) (bool, error) {
	if _, err := s.Get(ctx, accountID, taskID); err != nil {
		return false, err
	}
	t, ok, err := s.tasks.Transition(ctx, taskID, domaintask.RunningStatuses, domaintask.StatusAborted, true)
	if errors.Is(err, port.ErrNotFound) {
		return false, ErrTaskNotFound
	}
	if err != nil {
		return false, fmt.Errorf("abort task: %w", err)
	}
	if !ok {
		return false, nil
	}

	s.notifyAbort(ctx, t)
	s.metrics.Expirations.WithLabelValues("aborted").Inc()
	slog.InfoContext(ctx, "task aborted", "task_id", t.ID, "account_id", t.AccountID)
	if err := s.router.Fail(ctx, t, domaintask.ResponseAborted, "task aborted"); err != nil {
		return true, fmt.Errorf("deliver abort: %w", err)
	}
	return true, nil
}

// ExpireIfStale errors a running task whose deadline has passed. A task left in a
// terminal status by a failed delivery gets its delivery retried instead.
func (s *Service) ExpireIfStale(ctx context.Context, taskID uuid.UUID) (bool, error) {
	t, err := s.tasks.GetByID(ctx, taskID)
	if errors.Is(err, port.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get task: %w", err)
	}
	if s.now().Before(t.ExpiresAt) {
		return false, nil
	}

	switch t.Status {
	case domaintask.StatusAborted:
		return false, s.router.Fail(ctx, t, domaintask.ResponseAborted, "task aborted")
	case domaintask.StatusErrored:
		return false, s.router.Fail(ctx, t, domaintask.ResponseExpired, "task expired")
	}

	// Unlike abort, expiry applies to sync tasks too.
	t, ok, err := s.tasks.Transition(ctx, taskID, domaintask.RunningStatuses, domaintask.StatusErrored, false)
	if errors.Is(err, port.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expire task: %w", err)
	}
	if !ok {
		return false, nil
	}

	s.notifyAbort(ctx, t)
	s.metrics.Expirations.WithLabelValues("expired").Inc()
	slog.InfoContext(ctx, "task expired", "task_id", t.ID, "account_id", t.AccountID)
	if err := s.router.Fail(ctx, t, domaintask.ResponseExpired, "task expired"); err != nil {
		return true, fmt.Errorf("deliver expiry: %w", err)
	}
	return true, nil
}

// ExpireStale runs ExpireIfStale over every task past its deadline.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.tasks.List(ctx, domaintask.ListFilters{ExpiredBefore: &now, Limit: 500})
	if err != nil {
		return 0, fmt.Errorf("list expired tasks: %w", err)
	}
	expired := 0
	for _, t := range due {
		ok, err := s.ExpireIfStale(ctx, t.ID)
		if err != nil {
			slog.ErrorContext(ctx, "failed to expire task", "task_id", t.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) notifyAbort(ctx context.Context, t domaintask.Task) {
	if t.AgentID == nil {
		return
	}
	if err := s.bus.Publish(ctx, event.TaskAbort(t.AccountID, t.ID, t.AgentID)); err != nil {
		slog.ErrorContext(ctx, "failed to publish abort", "task_id", t.ID, "agent_id", *t.AgentID, "error", err)
	}
}

// PendingOffers lists queued tasks the agent is eligible for and has not tried.
// Agents that are not enabled get no offers.
func (s *Service) PendingOffers(ctx context.Context, accountID string, agentID uuid.UUID) ([]Offer, error) {
	a, err := s.agents.Get(ctx, accountID, agentID)
	if err != nil {
		return nil, err
	}
	if a.Status != domainagent.StatusEnabled {
		return nil, nil
	}
	queued := domaintask.StatusQueued
	tasks, err := s.tasks.List(ctx, domaintask.ListFilters{AccountID: &accountID, Status: &queued, Limit: 100})
	if err != nil {
		return nil, fmt.Errorf("list queued tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	profiles, err := s.resolver.Profiles(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var out []Offer
	for _, t := range tasks {
		if t.AgentID != nil || t.HasTried(agentID) {
			continue
		}
		if ids, _ := s.resolver.Eligible([]domainagent.Agent{a}, t, profiles); len(ids) == 0 {
			continue
		}
		out = append(out, Offer{TaskID: t.ID, Sync: !t.IsAsync})
	}
	return out, nil
}

// Get loads a task. An empty accountID skips the tenant check.
func (s *Service) Get(ctx context.Context, accountID string, id uuid.UUID) (domaintask.Task, error) {
	t, err := s.tasks.GetByID(ctx, id)
	if errors.Is(err, port.ErrNotFound) {
		return domaintask.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return domaintask.Task{}, fmt.Errorf("get task: %w", err)
	}
	if accountID != "" && t.AccountID != accountID {
		return domaintask.Task{}, ErrTaskNotFound
	}
	return t, nil
}
