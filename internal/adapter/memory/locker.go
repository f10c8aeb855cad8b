package memory

import (
	"context"
	"sync"
)

// Locker is the single-process port/locker.AdvisoryLocker used with the SQLite
// store. Like the Postgres locker it never waits: a held key skips fn.
type Locker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func NewLocker() *Locker {
	return &Locker{held: make(map[int64]bool)}
}

func (l *Locker) WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return nil
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}
