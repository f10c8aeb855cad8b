package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// WhitelistCache is the process-local port/whitelist.Cache. Entries are kept per
// (account, basis, agent) so a basis set is whitelisted when every member is.
type WhitelistCache struct {
	lru *expirable.LRU[string, struct{}]
}

// NewWhitelistCache bounds the cache to maxEntries (0 is unbounded); entries
// expire ttl after they were last remembered.
func NewWhitelistCache(maxEntries int, ttl time.Duration) *WhitelistCache {
	return &WhitelistCache{lru: expirable.NewLRU[string, struct{}](maxEntries, nil, ttl)}
}

func (w *WhitelistCache) Whitelisted(_ context.Context, accountID string, agentID uuid.UUID, bases []string) bool {
	for _, b := range bases {
		if _, ok := w.lru.Get(whitelistKey(accountID, b, agentID)); !ok {
			return false
		}
	}
	return true
}

func (w *WhitelistCache) Remember(_ context.Context, accountID string, agentID uuid.UUID, bases []string) {
	for _, b := range bases {
		w.lru.Add(whitelistKey(accountID, b, agentID), struct{}{})
	}
}

func (w *WhitelistCache) Forget(_ context.Context, accountID string, agentID uuid.UUID, bases []string) {
	for _, b := range bases {
		w.lru.Remove(whitelistKey(accountID, b, agentID))
	}
}

func (w *WhitelistCache) Len() int { return w.lru.Len() }

func whitelistKey(accountID, basis string, agentID uuid.UUID) string {
	return accountID + "\x00" + basis + "\x00" + agentID.String()
}
