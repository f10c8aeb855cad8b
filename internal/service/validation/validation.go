package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	domainalert "github.com/alanyang/delegate-broker/internal/domain/alert"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/metrics"
	"github.com/alanyang/delegate-broker/internal/port"
	portalert "github.com/alanyang/delegate-broker/internal/port/alert"
	portflags "github.com/alanyang/delegate-broker/internal/port/flags"
	porttask "github.com/alanyang/delegate-broker/internal/port/task"
	portwhitelist "github.com/alanyang/delegate-broker/internal/port/whitelist"
	"github.com/alanyang/delegate-broker/internal/service/capability"
)

// DefaultTimeout is how long probing agents get to report before validation completes.
const DefaultTimeout = 12 * time.Second

type Candidates interface {
	EligibleActive(ctx context.Context, t domaintask.Task) ([]domainagent.Agent, capability.EligibilityLog, error)
}

type Claimer interface {
	Claim(ctx context.Context, taskID, agentID uuid.UUID) (*domaintask.Package, error)
}

type Finalizer interface {
	Fail(ctx context.Context, t domaintask.Task, code domaintask.ResponseCode, message string) error
}

// AcquireResult carries either the claimed package or the capabilities the agent
// must probe and report before it can claim.
type AcquireResult struct {
	Package *domaintask.Package     `json:"task_package"`
	Probe   []domaintask.Capability `json:"probe,omitempty"`
}

// Coordinator runs the capability probe handshake for agent-probe capabilities.
type Coordinator struct {
	tasks      porttask.Repository
	candidates Candidates
	whitelist  portwhitelist.Cache
	flags      portflags.Flags
	claimer    Claimer
	router     Finalizer
	alerts     portalert.Sink
	metrics    *metrics.Metrics
	timeout    time.Duration
	now        func() time.Time
}

func NewCoordinator(
	tasks porttask.Repository,
	candidates Candidates,
	whitelist portwhitelist.Cache,
	flags portflags.Flags,
	claimer Claimer,
	router Finalizer,
	alerts portalert.Sink,
	m *metrics.Metrics,
	timeout time.Duration,
) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		tasks:      tasks,
		candidates: candidates,
		whitelist:  whitelist,
		flags:      flags,
		claimer:    claimer,
		router:     router,
		alerts:     alerts,
		metrics:    m,
		timeout:    timeout,
		now:        time.Now,
	}
}

func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// BeginValidation marks agentID as probing the task. It is a no-op once the task
// has been claimed or left the queue.
func (c *Coordinator) BeginValidation(ctx context.Context, taskID, agentID uuid.UUID) (domaintask.Task, bool, error) {
	t, ok, err := c.tasks.BeginValidation(ctx, taskID, agentID, c.now().UTC())
	if errors.Is(err, port.ErrNotFound) {
		return domaintask.Task{}, false, nil
	}
	if err != nil {
		return domaintask.Task{}, false, fmt.Errorf("begin validation: %w", err)
	}
	if ok {
		c.metrics.Validations.WithLabelValues("begun").Inc()
	}
	return t, ok, nil
}

// ReportResults records the agent's probe outcomes and reports whether they
// validate every probe capability of the task.
func (c *Coordinator) ReportResults(ctx context.Context, taskID, agentID uuid.UUID, outcomes []domaintask.CapabilityOutcome) (bool, error) {
	t, ok, err := c.tasks.RecordValidated(ctx, taskID, agentID)
	if errors.Is(err, port.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record validation: %w", err)
	}
	if !ok {
		return false, nil
	}

	probe := t.ProbeCapabilities()
	bases := domaintask.Bases(probe)
	covered, failed := domaintask.Covers(probe, outcomes)
	if covered {
		c.whitelist.Remember(ctx, t.AccountID, agentID, bases)
		c.metrics.Validations.WithLabelValues("validated").Inc()
		return true, nil
	}

	c.whitelist.Forget(ctx, t.AccountID, agentID, bases)
	c.metrics.Validations.WithLabelValues("rejected").Inc()
	slog.InfoContext(ctx, "agent failed capability probe", "task_id", taskID, "agent_id", agentID, "failed", failed)
	return false, nil
}

// IsComplete reports whether every probing agent has reported or the probe
// window has elapsed.
func (c *Coordinator) IsComplete(t domaintask.Task) bool {
	return t.ValidationComplete(c.now(), c.timeout)
}

// Acquire is an agent asking for a task. The agent gets the package when it
// holds the task or may claim it outright, and otherwise the capabilities it has to probe.
func (c *Coordinator) Acquire(ctx context.Context, taskID, agentID uuid.UUID) (AcquireResult, error) {
	t, err := c.tasks.GetByID(ctx, taskID)
	if errors.Is(err, port.ErrNotFound) {
		return AcquireResult{}, nil
	}
	if err != nil {
		return AcquireResult{}, fmt.Errorf("get task: %w", err)
	}

	if t.IsAssignedTo(agentID) {
		return c.claim(ctx, taskID, agentID)
	}
	if t.Status != domaintask.StatusQueued || t.AgentID != nil || t.HasTried(agentID) {
		return AcquireResult{}, nil
	}

	eligible, err := c.isEligible(ctx, t, agentID)
	if err != nil {
		return AcquireResult{}, err
	}
	if !eligible {
		slog.DebugContext(ctx, "acquire from ineligible agent", "task_id", taskID, "agent_id", agentID)
		return AcquireResult{}, nil
	}

	probe := t.ProbeCapabilities()
	if len(probe) == 0 || c.trusted(ctx, t, agentID, domaintask.Bases(probe)) {
		return c.claim(ctx, taskID, agentID)
	}

	if _, ok, err := c.BeginValidation(ctx, taskID, agentID); err != nil || !ok {
		return AcquireResult{}, err
	}
	return AcquireResult{Probe: probe}, nil
}

// Validate reports probe outcomes and claims the task on full success. Only an
// eligible agent that began validating through Acquire is heard.
func (c *Coordinator) Validate(ctx context.Context, taskID, agentID uuid.UUID, outcomes []domaintask.CapabilityOutcome) (*domaintask.Package, error) {
	t, err := c.tasks.GetByID(ctx, taskID)
	if errors.Is(err, port.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if !contains(t.ValidatingAgents, agentID) {
		slog.WarnContext(ctx, "validation from agent that is not probing", "task_id", taskID, "agent_id", agentID)
		return nil, nil
	}
	eligible, err := c.isEligible(ctx, t, agentID)
	if err != nil {
		return nil, err
	}
	if !eligible {
		slog.WarnContext(ctx, "validation from ineligible agent", "task_id", taskID, "agent_id", agentID)
		return nil, nil
	}

	ok, err := c.ReportResults(ctx, taskID, agentID, outcomes)
	if err != nil || !ok {
		return nil, err
	}
	return c.claimer.Claim(ctx, taskID, agentID)
}

func (c *Coordinator) claim(ctx context.Context, taskID, agentID uuid.UUID) (AcquireResult, error) {
	pkg, err := c.claimer.Claim(ctx, taskID, agentID)
	if err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{Package: pkg}, nil
}

// trusted is the whitelist shortcut, bypassed when the account re-probes whitelisted agents.
func (c *Coordinator) trusted(ctx context.Context, t domaintask.Task, agentID uuid.UUID, bases []string) bool {
	if c.flags.Enabled(ctx, t.AccountID, portflags.RevalidateWhitelisted) {
		return false
	}
	if !c.whitelist.Whitelisted(ctx, t.AccountID, agentID, bases) {
		return false
	}
	c.metrics.Validations.WithLabelValues("whitelisted").Inc()
	return true
}

func (c *Coordinator) isEligible(ctx context.Context, t domaintask.Task, agentID uuid.UUID) (bool, error) {
	agents, _, err := c.candidates.EligibleActive(ctx, t)
	if err != nil {
		return false, fmt.Errorf("evaluate eligibility: %w", err)
	}
	for _, a := range agents {
		if a.ID == agentID {
			return true, nil
		}
	}
	return false, nil
}

// CheckTimeouts fails queued tasks whose validation completed without any agent
// claiming them, unless an untried whitelisted agent is still connected.
func (c *Coordinator) CheckTimeouts(ctx context.Context) (int, error) {
	queued := domaintask.StatusQueued
	tasks, err := c.tasks.List(ctx, domaintask.ListFilters{Status: &queued, Validating: true, Limit: 500})
	if err != nil {
		return 0, fmt.Errorf("list validating tasks: %w", err)
	}

	failed := 0
	for _, t := range tasks {
		if !c.IsComplete(t) {
			continue
		}
		ok, err := c.failValidation(ctx, t)
		if err != nil {
			slog.ErrorContext(ctx, "failed to close validation", "task_id", t.ID, "error", err)
			continue
		}
		if ok {
			failed++
		}
	}
	return failed, nil
}

func (c *Coordinator) failValidation(ctx context.Context, t domaintask.Task) (bool, error) {
	bases := domaintask.Bases(t.ProbeCapabilities())
	fallback, err := c.hasFallback(ctx, t, bases)
	if err != nil || fallback {
		return false, err
	}

	errored, ok, err := c.tasks.Transition(ctx, t.ID, []domaintask.Status{domaintask.StatusQueued}, domaintask.StatusErrored, false)
	if errors.Is(err, port.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail task: %w", err)
	}
	if !ok {
		return false, nil
	}

	c.metrics.Validations.WithLabelValues("timed_out").Inc()
	c.metrics.Expirations.WithLabelValues("validation_timeout").Inc()
	c.alerts.Raise(ctx, domainalert.NoEligibleAgents(t.AccountID, t.ID, bases))
	slog.InfoContext(ctx, "task failed validation", "task_id", t.ID, "account_id", t.AccountID,
		"validating", len(t.ValidatingAgents), "validated", len(t.ValidatedAgents))

	msg := fmt.Sprintf("no delegate validated capabilities [%s]", strings.Join(bases, ", "))
	if err := c.router.Fail(ctx, errored, domaintask.ResponseValidationFailed, msg); err != nil {
		return true, fmt.Errorf("deliver validation failure: %w", err)
	}
	return true, nil
}

// hasFallback reports whether a connected, eligible agent that has not probed or
// tried the task is whitelisted for its probe bases.
func (c *Coordinator) hasFallback(ctx context.Context, t domaintask.Task, bases []string) (bool, error) {
	if c.flags.Enabled(ctx, t.AccountID, portflags.RevalidateWhitelisted) {
		return false, nil
	}
	agents, _, err := c.candidates.EligibleActive(ctx, t)
	if err != nil {
		return false, fmt.Errorf("evaluate eligibility: %w", err)
	}
	for _, a := range agents {
		if t.HasTried(a.ID) || contains(t.ValidatingAgents, a.ID) {
			continue
		}
		if c.whitelist.Whitelisted(ctx, t.AccountID, a.ID, bases) {
			return true, nil
		}
	}
	return false, nil
}

func contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
