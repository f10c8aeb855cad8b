package wire

import (
	"context"
	"log/slog"
	"time"

	portidempotency "github.com/alanyang/delegate-broker/internal/port/idempotency"
	portlocker "github.com/alanyang/delegate-broker/internal/port/locker"
)

var sweepLockKey = portlocker.KeyFor("delegate-broker/sweeper")

type expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

type validationTimer interface {
	CheckTimeouts(ctx context.Context) (int, error)
}

type connectionPruner interface {
	PruneConnections(ctx context.Context) (int64, error)
}

// sweeper runs the periodic housekeeping: task expiry, probe window timeouts,
// stale connection records and old idempotency keys. Only the replica holding
// the lock sweeps.
type sweeper struct {
	locker     portlocker.AdvisoryLocker
	tasks      expirer
	validation validationTimer
	conns      connectionPruner
	keys       portidempotency.Repository
	retention  time.Duration
	interval   time.Duration
	now        func() time.Time
}

func (s *sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "sweeper: pass failed", "error", err)
			}
		}
	}
}

// sweepOnce runs one pass. A failing step is logged and does not stop the others.
func (s *sweeper) sweepOnce(ctx context.Context) error {
	return s.locker.WithLock(ctx, sweepLockKey, func(ctx context.Context) error {
		expired, err := s.tasks.ExpireStale(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "sweeper: expire tasks failed", "error", err)
		}
		timedOut, err := s.validation.CheckTimeouts(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "sweeper: validation timeouts failed", "error", err)
		}
		pruned, err := s.conns.PruneConnections(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "sweeper: prune connections failed", "error", err)
		}
		var purged int64
		if s.keys != nil && s.retention > 0 {
			purged, err = s.keys.Purge(ctx, s.now().Add(-s.retention))
			if err != nil {
				slog.ErrorContext(ctx, "sweeper: purge idempotency keys failed", "error", err)
			}
		}
		if expired > 0 || timedOut > 0 || pruned > 0 || purged > 0 {
			slog.InfoContext(ctx, "sweeper: pass complete", "expired", expired, "validation_timeouts", timedOut,
				"pruned_connections", pruned, "purged_keys", purged)
		}
		return nil
	})
}
