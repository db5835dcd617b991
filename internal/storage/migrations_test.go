package storage

import (
	"path/filepath"
	"testing"
)

func TestRunMigrationsIsIdempotent(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "migrate_test.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	if err := RunMigrations(db); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := RunMigrations(db); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var applied int
	if err := db.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&applied); err != nil {
		t.Fatalf("counting applied migrations: %v", err)
	}
	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}

	// Schema sanity: the tables the repositories depend on exist.
	for _, table := range []string{"integrations", "events", "sync_events", "event_syncs", "conflicts", "notifications"} {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}
