package testutil

import (
	"testing"

	"rsched/internal/database"
	"rsched/internal/sched"
)

// NewTestStore creates an in-memory SQLite store with migrations applied,
// using clock for timestamps and sequential directory IDs.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T, clock sched.Clock) *database.SQLiteStore {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	store := database.NewSQLiteStoreFromDB(sqlDB, NewStubIDGenerator(), clock)
	if err := store.Migrate(); err != nil {
		store.Close()
		t.Fatalf("failed to migrate database: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}
