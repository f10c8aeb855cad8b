package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	"github.com/alanyang/delegate-broker/internal/domain/event"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/metrics"
	"github.com/alanyang/delegate-broker/internal/port"
	portbroadcast "github.com/alanyang/delegate-broker/internal/port/broadcast"
	portcallback "github.com/alanyang/delegate-broker/internal/port/callback"
	porttask "github.com/alanyang/delegate-broker/internal/port/task"
	portwhitelist "github.com/alanyang/delegate-broker/internal/port/whitelist"
	"github.com/alanyang/delegate-broker/internal/service/capability"
)

// ErrNotAssignee is returned when an agent reports on a task it does not hold.
var ErrNotAssignee = errors.New("agent is not the assignee of this task")

// Candidates lists the connected agents eligible for a task.
type Candidates interface {
	EligibleActive(ctx context.Context, t domaintask.Task) ([]domainagent.Agent, capability.EligibilityLog, error)
}

// Router closes tasks: it routes final outcomes to the requester and requeues
// retry-on-other-agent outcomes while untried candidates remain.
type Router struct {
	tasks      porttask.Repository
	candidates Candidates
	whitelist  portwhitelist.Cache
	waits      *WaitRegistry
	bus        portbroadcast.Broadcaster
	callbacks  portcallback.Driver
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewRouter(
	tasks porttask.Repository,
	candidates Candidates,
	whitelist portwhitelist.Cache,
	waits *WaitRegistry,
	bus portbroadcast.Broadcaster,
	callbacks portcallback.Driver,
	m *metrics.Metrics,
) *Router {
	return &Router{
		tasks:      tasks,
		candidates: candidates,
		whitelist:  whitelist,
		waits:      waits,
		bus:        bus,
		callbacks:  callbacks,
		metrics:    m,
		now:        time.Now,
	}
}

func (r *Router) SetClock(now func() time.Time) { r.now = now }

func (r *Router) Waits() *WaitRegistry { return r.waits }

// Start resolves sync waiters on this replica from responses finalized elsewhere.
func (r *Router) Start(ctx context.Context) (portbroadcast.Subscription, error) {
	sub, err := r.bus.Subscribe(ctx, event.ChannelResponse, func(_ context.Context, e event.Event) {
		if e.Result != nil {
			r.waits.Resolve(e.Result.WaitID, *e.Result)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe responses: %w", err)
	}
	return sub, nil
}

// Deliver handles an agent's outcome for a task it holds. Reports for tasks that
// no longer exist, or that the broker already terminated, are no-ops.
func (r *Router) Deliver(ctx context.Context, taskID, agentID uuid.UUID, outcome domaintask.Outcome) error {
	t, err := r.tasks.GetByID(ctx, taskID)
	if errors.Is(err, port.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if !t.IsAssignedTo(agentID) {
		return ErrNotAssignee
	}
	if t.Status != domaintask.StatusStarted {
		return nil
	}

	if outcome.Code == domaintask.ResponseRetryOnOtherAgent {
		requeued, err := r.retryElsewhere(ctx, t, agentID)
		if err != nil || requeued {
			return err
		}
	}

	id := agentID
	return r.finish(ctx, t, &id, outcome)
}

// Fail finalizes a task the broker itself terminated.
func (r *Router) Fail(ctx context.Context, t domaintask.Task, code domaintask.ResponseCode, message string) error {
	return r.finish(ctx, t, t.AgentID, domaintask.Outcome{Code: code, Message: message})
}

func (r *Router) retryElsewhere(ctx context.Context, t domaintask.Task, reporter uuid.UUID) (bool, error) {
	others, err := r.untriedWhitelisted(ctx, t, reporter)
	if err != nil {
		return false, err
	}
	if len(others) == 0 {
		slog.InfoContext(ctx, "no untried agents left, finalizing retry outcome", "task_id", t.ID, "agent_id", reporter)
		return false, nil
	}

	requeued, ok, err := r.tasks.Requeue(ctx, t.ID, reporter)
	if errors.Is(err, port.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("requeue task: %w", err)
	}
	if !ok {
		// Aborted or expired concurrently; that path delivers the result.
		return true, nil
	}

	r.metrics.Requeues.Inc()
	if err := r.bus.Publish(ctx, event.TaskQueued(requeued)); err != nil {
		slog.ErrorContext(ctx, "failed to publish requeue offer", "task_id", t.ID, "error", err)
	}
	slog.InfoContext(ctx, "task requeued for another agent", "task_id", t.ID, "agent_id", reporter, "candidates", len(others))
	return true, nil
}

// untriedWhitelisted is the connected, eligible agents whitelisted for the task's
// probe capabilities, minus the reporter and everyone who already tried it.
func (r *Router) untriedWhitelisted(ctx context.Context, t domaintask.Task, reporter uuid.UUID) ([]uuid.UUID, error) {
	agents, _, err := r.candidates.EligibleActive(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	bases := domaintask.Bases(t.ProbeCapabilities())
	var out []uuid.UUID
	for _, a := range agents {
		if a.ID == reporter || t.HasTried(a.ID) {
			continue
		}
		if r.whitelist.Whitelisted(ctx, t.AccountID, a.ID, bases) {
			out = append(out, a.ID)
		}
	}
	return out, nil
}

func (r *Router) finish(ctx context.Context, t domaintask.Task, agentID *uuid.UUID, outcome domaintask.Outcome) error {
	res := domaintask.Result{
		TaskID:      t.ID,
		AccountID:   t.AccountID,
		WaitID:      t.WaitID,
		AgentID:     agentID,
		Outcome:     outcome,
		DeliveredAt: r.now().UTC(),
	}

	channel := "none"
	switch {
	case !t.IsAsync:
		channel = "sync"
		if !r.waits.Resolve(t.WaitID, res) {
			channel = "sync_remote"
			if err := r.bus.Publish(ctx, event.TaskResponse(res)); err != nil {
				return fmt.Errorf("publish response: %w", err)
			}
		}
	case t.CallbackDriverID != "":
		channel = "callback"
		// The record survives a failed callback so the outcome can be redelivered.
		if err := r.callbacks.Notify(ctx, t.CallbackDriverID, res); err != nil {
			return fmt.Errorf("deliver callback: %w", err)
		}
	}

	if _, err := r.tasks.Delete(ctx, t.ID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	r.metrics.Deliveries.WithLabelValues(channel, string(outcome.Code)).Inc()
	slog.InfoContext(ctx, "task finalized", "task_id", t.ID, "account_id", t.AccountID, "code", outcome.Code, "channel", channel)
	return nil
}
