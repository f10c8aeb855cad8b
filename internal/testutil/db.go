//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/delegate-broker/internal/adapter/postgres"
)

// SetupTestDB opens a pool on TEST_DATABASE_URL with the schema applied, or
// skips the test when the variable is unset. Tests share one database and
// isolate themselves with Account.
func SetupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := postgres.Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect to test DB: %v", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("migrate test DB: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// Account returns an account id no other test run uses.
func Account(t *testing.T) string {
	t.Helper()
	return "acct-" + uuid.NewString()[:8]
}
