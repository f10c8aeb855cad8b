package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	domainagent "github.com/alanyang/delegate-broker/internal/domain/agent"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	portprofile "github.com/alanyang/delegate-broker/internal/port/profile"
	portselectormap "github.com/alanyang/delegate-broker/internal/port/selectormap"
)

// CategoryBasisPrefix prefixes the basis of a category selector capability.
const CategoryBasisPrefix = "category:"

var ErrUnknownGroup = errors.New("unknown task group")

// SelectorOrigin says where an implicit selector came from.
type SelectorOrigin string

const (
	OriginHostName        SelectorOrigin = "host_name"
	OriginDelegateName    SelectorOrigin = "delegate_name"
	OriginProfileName     SelectorOrigin = "profile_name"
	OriginProfileSelector SelectorOrigin = "profile_selector"
)

// ActiveAgentLister is satisfied by the registry service.
type ActiveAgentLister interface {
	ActiveAgents(ctx context.Context, accountID string) ([]domainagent.Agent, error)
}

// Decision records why an agent was or was not eligible for a task.
type Decision struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

type EligibilityLog map[uuid.UUID]Decision

type Resolver struct {
	selectorMaps portselectormap.Repository
	profiles     portprofile.Repository
	agents       ActiveAgentLister
}

func NewResolver(selectorMaps portselectormap.Repository, profiles portprofile.Repository, agents ActiveAgentLister) *Resolver {
	return &Resolver{selectorMaps: selectorMaps, profiles: profiles, agents: agents}
}

// DeriveRequirements merges task selectors, the account's category selectors for
// the task's group and the capabilities implied by the task parameters.
func (r *Resolver) DeriveRequirements(ctx context.Context, t domaintask.Task) ([]domaintask.Capability, error) {
	var caps []domaintask.Capability
	if sel := normalize(t.ExplicitSelectors); len(sel) > 0 {
		caps = append(caps, domaintask.SelectorCapability(domaintask.BasisTaskSelectors, sel))
	}

	group := t.Kind.Group()
	category, err := r.selectorMaps.Get(ctx, t.AccountID, group)
	if err != nil {
		return nil, fmt.Errorf("get category selectors: %w", err)
	}
	if sel := normalize(category); len(sel) > 0 {
		caps = append(caps, domaintask.SelectorCapability(CategoryBasisPrefix+group, sel))
	}

	return append(caps, t.Kind.DeriveCapabilities(t.Parameters)...), nil
}

// PutCategorySelectors replaces the account's category selectors for a task group.
func (r *Resolver) PutCategorySelectors(ctx context.Context, accountID, group string, selectors []string) ([]string, error) {
	if !domaintask.KnownGroup(group) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}
	sel := normalize(selectors)
	if err := r.selectorMaps.Put(ctx, accountID, group, sel); err != nil {
		return nil, fmt.Errorf("put category selectors: %w", err)
	}
	return sel, nil
}

// ImplicitSelectors are the selectors an agent carries without being tagged.
func ImplicitSelectors(a domainagent.Agent, p *domainagent.Profile) map[string]SelectorOrigin {
	out := make(map[string]SelectorOrigin)
	add := func(s string, origin SelectorOrigin) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return
		}
		if _, ok := out[s]; !ok {
			out[s] = origin
		}
	}
	add(a.HostName, OriginHostName)
	add(a.Name, OriginDelegateName)
	if p != nil {
		add(p.Name, OriginProfileName)
		for _, s := range p.Selectors {
			add(s, OriginProfileSelector)
		}
	}
	return out
}

// Eligible filters agents to those whose selectors cover every central selector
// requirement of the task and whose scopes admit it.
func (r *Resolver) Eligible(agents []domainagent.Agent, t domaintask.Task, profiles map[uuid.UUID]domainagent.Profile) ([]uuid.UUID, EligibilityLog) {
	required := requiredSelectors(t)
	log := make(EligibilityLog, len(agents))
	var out []uuid.UUID

	for _, a := range agents {
		var profile *domainagent.Profile
		if a.ProfileID != nil {
			if p, ok := profiles[*a.ProfileID]; ok {
				profile = &p
			}
		}
		d := decide(a, profile, t, required)
		log[a.ID] = d
		if d.Eligible {
			out = append(out, a.ID)
		}
	}
	return out, log
}

// EligibleActive loads the account's active agents and filters them with Eligible.
func (r *Resolver) EligibleActive(ctx context.Context, t domaintask.Task) ([]domainagent.Agent, EligibilityLog, error) {
	active, err := r.agents.ActiveAgents(ctx, t.AccountID)
	if err != nil {
		return nil, nil, err
	}
	if len(active) == 0 {
		return nil, EligibilityLog{}, nil
	}
	profiles, err := r.Profiles(ctx, t.AccountID)
	if err != nil {
		return nil, nil, err
	}

	ids, log := r.Eligible(active, t, profiles)
	keep := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	var out []domainagent.Agent
	for _, a := range active {
		if _, ok := keep[a.ID]; ok {
			out = append(out, a)
		}
	}
	return out, log, nil
}

// Profiles indexes the account's profiles by id.
func (r *Resolver) Profiles(ctx context.Context, accountID string) (map[uuid.UUID]domainagent.Profile, error) {
	list, err := r.profiles.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := make(map[uuid.UUID]domainagent.Profile, len(list))
	for _, p := range list {
		out[p.ID] = p
	}
	return out, nil
}

func decide(a domainagent.Agent, p *domainagent.Profile, t domaintask.Task, required []string) Decision {
	have := ImplicitSelectors(a, p)
	for _, s := range a.ExplicitSelectors {
		have[strings.ToLower(strings.TrimSpace(s))] = ""
	}
	var missing []string
	for _, s := range required {
		if _, ok := have[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return Decision{Reason: fmt.Sprintf("missing selectors [%s]", strings.Join(missing, ", "))}
	}

	if included, ok := scopesMatch(a.IncludeScopes, t.ScopeAttrs); ok && !included {
		return Decision{Reason: "no include scope matches task"}
	}
	if excluded, ok := scopesMatch(a.ExcludeScopes, t.ScopeAttrs); ok && excluded {
		return Decision{Reason: "excluded by scope"}
	}
	return Decision{Eligible: true, Reason: "eligible"}
}

// scopesMatch reports whether any non-empty scope matches attrs. The second
// result is false when there are no non-empty scopes to evaluate.
func scopesMatch(scopes []domainagent.Scope, attrs map[string]string) (bool, bool) {
	evaluated := false
	for _, s := range scopes {
		if len(s) == 0 {
			continue
		}
		evaluated = true
		if s.Matches(attrs) {
			return true, true
		}
	}
	return false, evaluated
}

func requiredSelectors(t domaintask.Task) []string {
	sel := append([]string(nil), t.ExplicitSelectors...)
	for _, c := range t.RequiredCapabilities {
		if c.Kind == domaintask.CapabilitySelector && c.Mode == domaintask.ModeCentralStatic {
			sel = append(sel, c.Selectors...)
		}
	}
	return normalize(sel)
}

func normalize(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
