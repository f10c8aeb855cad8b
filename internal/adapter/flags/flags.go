package flags

import "context"

// Static answers feature-flag lookups from configuration: an account override
// wins over the global value, and unknown flags are off.
type Static struct {
	global   map[string]bool
	accounts map[string]map[string]bool
}

func NewStatic(global map[string]bool, accounts map[string]map[string]bool) *Static {
	return &Static{global: global, accounts: accounts}
}

func (s *Static) Enabled(_ context.Context, accountID, flag string) bool {
	if v, ok := s.accounts[accountID][flag]; ok {
		return v
	}
	return s.global[flag]
}
