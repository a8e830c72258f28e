// Package testutil provides test utilities and helpers.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"keygate/internal/db"
)

// TestDB connects to TEST_DATABASE_URL, runs migrations and empties the
// tables. The test is skipped when the variable is unset.
func TestDB(t *testing.T) (*db.DB, func()) {
	t.Helper()

	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("Skipping integration test: TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	database, err := db.New(ctx, connString)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	if err := database.RunMigrations(connString); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	CleanupTestData(ctx, database.Pool)
	cleanup := func() {
		CleanupTestData(ctx, database.Pool)
		database.Close()
	}

	return database, cleanup
}

// CleanupTestData removes all rows, children first.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) {
	pool.Exec(ctx, "DELETE FROM consumed_keys")
	pool.Exec(ctx, "DELETE FROM access_keys")
	pool.Exec(ctx, "DELETE FROM holder_preferences")
}

// CreateTestKey inserts an unredeemed key. A nil expiresAt never expires.
func CreateTestKey(t *testing.T, database *db.DB, token string, expiresAt *time.Time) {
	t.Helper()

	_, err := database.Pool.Exec(context.Background(), `
		INSERT INTO access_keys (token, issued_at, expires_at)
		VALUES ($1, NOW(), $2)
	`, token, expiresAt)
	if err != nil {
		t.Fatalf("failed to create test key: %v", err)
	}
}
