package testutil

import (
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/vrsandeep/mango-archiver/internal/assets"
	"github.com/vrsandeep/mango-archiver/internal/db"
)

// SetupTestDB creates an in-memory SQLite database and applies the embedded
// migrations. The database is closed when the test completes.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.InitDB(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})

	if err := db.RunMigrations(database, assets.MigrationsFS, zerolog.Nop()); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}
