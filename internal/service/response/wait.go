package response

import (
	"sync"

	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
)

// WaitRegistry holds the futures of synchronous submitters on this replica, keyed by wait id.
type WaitRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan domaintask.Result
}

func NewWaitRegistry() *WaitRegistry {
	return &WaitRegistry{waiters: make(map[string]chan domaintask.Result)}
}

// Register creates the future for waitID. The returned cancel stops waiting
// without affecting the task.
func (w *WaitRegistry) Register(waitID string) (<-chan domaintask.Result, func()) {
	ch := make(chan domaintask.Result, 1)
	w.mu.Lock()
	w.waiters[waitID] = ch
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		if w.waiters[waitID] == ch {
			delete(w.waiters, waitID)
		}
		w.mu.Unlock()
	}
}

// Resolve completes the future for waitID. It reports false when no waiter for
// it lives on this replica.
func (w *WaitRegistry) Resolve(waitID string, r domaintask.Result) bool {
	w.mu.Lock()
	ch, ok := w.waiters[waitID]
	delete(w.waiters, waitID)
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- r
	return true
}
