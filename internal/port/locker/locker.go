package locker

import (
	"context"
	"hash/fnv"
)

// AdvisoryLocker runs a critical section on at most one replica at a time.
// WithLock does not wait: when another holder has the key, fn is skipped.
type AdvisoryLocker interface {
	WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error
}

// KeyFor derives a stable lock key from a job name.
func KeyFor(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name)) //nolint:errcheck
	return int64(h.Sum64())
}
