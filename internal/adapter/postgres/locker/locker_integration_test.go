//go:build integration

package locker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/delegate-broker/internal/adapter/postgres/locker"
	portlocker "github.com/alanyang/delegate-broker/internal/port/locker"
	"github.com/alanyang/delegate-broker/internal/testutil"
)

func TestLocker_HeldLockSkips(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	l := locker.New(pool)
	ctx := context.Background()
	const key int64 = 424242

	var ran, nested bool
	err := l.WithLock(ctx, key, func(ctx context.Context) error {
		ran = true
		// A second session cannot take the lock while the first holds it.
		return l.WithLock(ctx, key, func(context.Context) error {
			nested = true
			return nil
		})
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, nested)
}

func TestLocker_ReleasedAfterRun(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	l := locker.New(pool)
	ctx := context.Background()
	key := portlocker.KeyFor(testutil.Account(t))

	runs := 0
	for i := 0; i < 3; i++ {
		require.NoError(t, l.WithLock(ctx, key, func(context.Context) error {
			runs++
			return nil
		}))
	}
	assert.Equal(t, 3, runs)
}

func TestLocker_PropagatesError(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	l := locker.New(pool)
	boom := errors.New("boom")

	err := l.WithLock(context.Background(), portlocker.KeyFor(testutil.Account(t)), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}
