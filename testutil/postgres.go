package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/onnwee/live-router/db"
)

// SetupTestDB opens TEST_PG_DSN, applies the schema and empties the tables.
// It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *db.Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := db.Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	for _, tbl := range []string{"live_sessions", "channels", "credentials", "app_config", "fb_page_tokens"} {
		if _, err := database.ExecContext(ctx, "DELETE FROM "+tbl); err != nil {
			database.Close()
			t.Fatalf("failed to clean %s: %v", tbl, err)
		}
	}
	t.Cleanup(func() {
		database.Close()
	})
	return db.New(database)
}
