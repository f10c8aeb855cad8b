package locker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	portlocker "github.com/alanyang/delegate-broker/internal/port/locker"
)

var _ portlocker.AdvisoryLocker = (*Locker)(nil)

// Locker takes Postgres session advisory locks. The lock lives on the acquired
// connection, so lock, fn and unlock all run while that connection is held.
type Locker struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

// WithLock runs fn when pg_try_advisory_lock succeeds and returns nil without
// running it when another session holds the key.
func (l *Locker) WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		conn.Release()
		return fmt.Errorf("try advisory lock %d: %w", key, err)
	}
	if !locked {
		conn.Release()
		return nil
	}
	defer l.unlock(conn, key)
	return fn(ctx)
}

// unlock runs detached from the caller's context. A session that cannot unlock
// is closed instead of returned to the pool, which releases the lock server-side.
func (l *Locker) unlock(conn *pgxpool.Conn, key int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
		slog.Warn("advisory unlock failed, closing session", "key", key, "error", err)
		conn.Hijack().Close(ctx) //nolint:errcheck
		return
	}
	conn.Release()
}
