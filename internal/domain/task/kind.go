package task

import (
	"net"
	"net/url"
	"strings"
)

// Kind is the task-type category. The set is closed: each kind declares its
// selector group and how its parameters translate into capabilities.
type Kind string

const (
	KindShell          Kind = "shell"
	KindGit            Kind = "git"
	KindHostValidation Kind = "host_validation"
	KindHTTPProbe      Kind = "http_probe"
	KindClusterDeploy  Kind = "cluster_deploy"
	KindGeneric        Kind = "generic"
)

type kindSpec struct {
	group  string
	derive func(params map[string]any) []Capability
}

var kinds = map[Kind]kindSpec{
	KindShell:          {group: "script", derive: noCapabilities},
	KindGit:            {group: "source_control", derive: deriveGit},
	KindHostValidation: {group: "connectivity", derive: deriveHostValidation},
	KindHTTPProbe:      {group: "connectivity", derive: deriveHTTPProbe},
	KindClusterDeploy:  {group: "deployment", derive: deriveClusterDeploy},
	KindGeneric:        {group: "generic", derive: noCapabilities},
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Group names the category selector map entry that applies to this kind.
func (k Kind) Group() string {
	return kinds[k].group
}

// KnownGroup reports whether some kind uses the selector group.
func KnownGroup(group string) bool {
	for _, def := range kinds {
		if def.group == group {
			return true
		}
	}
	return false
}

// DeriveCapabilities inspects params for connectivity needs. Unknown kinds derive nothing.
func (k Kind) DeriveCapabilities(params map[string]any) []Capability {
	def, ok := kinds[k]
	if !ok {
		return nil
	}
	return def.derive(params)
}

func noCapabilities(map[string]any) []Capability { return nil }

func deriveGit(params map[string]any) []Capability {
	host := hostOf(stringParam(params, "repo_url"))
	if host == "" {
		return nil
	}
	return []Capability{ReachabilityCapability(host)}
}

func deriveHostValidation(params map[string]any) []Capability {
	var out []Capability
	seen := map[string]bool{}
	for _, h := range stringsParam(params, "hosts") {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, ReachabilityCapability(h))
	}
	return out
}

func deriveHTTPProbe(params map[string]any) []Capability {
	host := hostOf(stringParam(params, "url"))
	if host == "" {
		return nil
	}
	return []Capability{ReachabilityCapability(host)}
}

func deriveClusterDeploy(params map[string]any) []Capability {
	host := hostOf(stringParam(params, "master_url"))
	if host == "" {
		return nil
	}
	return []Capability{ReachabilityCapability(host)}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Split(v, ",")
	}
	return nil
}

// hostOf extracts the host from a URL, an scp-style git remote, or a bare host[:port].
func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	// git@github.com:org/repo.git
	if at := strings.Index(raw, "@"); at >= 0 {
		raw = raw[at+1:]
		if colon := strings.Index(raw, ":"); colon >= 0 {
			raw = raw[:colon]
		}
		return strings.ToLower(raw)
	}
	if h, _, err := net.SplitHostPort(raw); err == nil {
		return strings.ToLower(h)
	}
	if slash := strings.Index(raw, "/"); slash >= 0 {
		raw = raw[:slash]
	}
	return strings.ToLower(raw)
}
