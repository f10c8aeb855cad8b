package task

import (
	"sort"
	"strings"
)

type EvaluationMode string

const (
	// ModeCentralStatic capabilities are decided by the broker alone.
	ModeCentralStatic EvaluationMode = "central_static"
	// ModeAgentProbe capabilities can only be decided by the remote agent.
	ModeAgentProbe EvaluationMode = "agent_probe"
)

type CapabilityKind string

const (
	CapabilitySelector     CapabilityKind = "selector"
	CapabilityReachability CapabilityKind = "reachability"
)

const BasisTaskSelectors = "task selectors"

type Capability struct {
	Kind      CapabilityKind `json:"kind"`
	Basis     string         `json:"basis"`
	Mode      EvaluationMode `json:"mode"`
	Selectors []string       `json:"selectors,omitempty"`
}

func SelectorCapability(basis string, selectors []string) Capability {
	return Capability{Kind: CapabilitySelector, Basis: basis, Mode: ModeCentralStatic, Selectors: selectors}
}

func ReachabilityCapability(target string) Capability {
	return Capability{Kind: CapabilityReachability, Basis: target, Mode: ModeAgentProbe}
}

// CapabilityOutcome is an agent-reported probe result for one capability basis.
type CapabilityOutcome struct {
	Basis     string `json:"basis"`
	Validated bool   `json:"validated"`
}

// Bases returns the sorted, de-duplicated bases of caps.
func Bases(caps []Capability) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if _, ok := seen[c.Basis]; ok {
			continue
		}
		seen[c.Basis] = struct{}{}
		out = append(out, c.Basis)
	}
	sort.Strings(out)
	return out
}

// BasisSetKey is a stable key for a set of capability bases.
func BasisSetKey(caps []Capability) string {
	return strings.Join(Bases(caps), "|")
}

// Covers reports whether outcomes contain a validated=true result for every capability
// in caps. The second return lists bases that were reported as failed.
func Covers(caps []Capability, outcomes []CapabilityOutcome) (bool, []string) {
	reported := make(map[string]bool, len(outcomes))
	var failed []string
	for _, o := range outcomes {
		reported[o.Basis] = o.Validated
		if !o.Validated {
			failed = append(failed, o.Basis)
		}
	}
	all := true
	for _, c := range caps {
		if ok, present := reported[c.Basis]; !present || !ok {
			all = false
		}
	}
	return all, failed
}
