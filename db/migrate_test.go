package db

import (
	"path/filepath"
	"testing"
)

func TestMigrateFresh(t *testing.T) {
	database, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer database.Close()

	if err := Migrate(database, nil); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	for _, table := range []string{"canvases", "shapes", "events", "schema_migrations"} {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	database, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer database.Close()

	if err := Migrate(database, nil); err != nil {
		t.Fatalf("first Migrate failed: %v", err)
	}
	if err := Migrate(database, nil); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	var count int
	if err := database.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 4 {
		t.Errorf("expected 4 recorded migrations, got %d", count)
	}
}

func TestVersionUniquenessPerCanvas(t *testing.T) {
	database, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer database.Close()

	if err := Migrate(database, nil); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	mustExec := func(query string, args ...interface{}) {
		t.Helper()
		if _, err := database.Exec(query, args...); err != nil {
			t.Fatalf("exec failed: %v", err)
		}
	}

	mustExec("INSERT INTO canvases (id, name, created_at, updated_at) VALUES ('c1', '', '2026-01-01', '2026-01-01')")
	mustExec("INSERT INTO events (id, canvas_id, user_id, event_type, payload, version, created_at) VALUES ('e1', 'c1', 'u1', 'SHAPE_CREATED', '{}', 1, '2026-01-01')")

	// Same (canvas, version) must be rejected
	_, err = database.Exec("INSERT INTO events (id, canvas_id, user_id, event_type, payload, version, created_at) VALUES ('e2', 'c1', 'u1', 'SHAPE_CREATED', '{}', 1, '2026-01-01')")
	if err == nil {
		t.Error("duplicate (canvas_id, version) insert should fail")
	}
}
