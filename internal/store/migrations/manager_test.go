package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "migrations-test.db")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpAppliesEveryMigration(t *testing.T) {
	db := openTestDB(t)
	m, err := New(db, Config{Dialect: "sqlite3"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx := context.Background()
	if err := m.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}

	for _, table := range []string{"entries", "vars", "outstanding_actions"} {
		var name string
		row := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
		if err := row.Scan(&name); err != nil {
			t.Fatalf("expected table %s to exist after Up: %v", table, err)
		}
	}

	version, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if version != 3 {
		t.Fatalf("expected schema version 3, got %d", version)
	}
}

func TestUpIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	m, err := New(db, Config{Dialect: "sqlite3"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()

	if err := m.Up(ctx); err != nil {
		t.Fatalf("first up: %v", err)
	}
	if err := m.Up(ctx); err != nil {
		t.Fatalf("second up should be a no-op: %v", err)
	}
}

func TestDownRollsBackOneMigration(t *testing.T) {
	db := openTestDB(t)
	m, err := New(db, Config{Dialect: "sqlite3"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()

	if err := m.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := m.Down(ctx); err != nil {
		t.Fatalf("down: %v", err)
	}

	version, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema version 2 after one rollback, got %d", version)
	}
}

func TestNewRejectsEmptyDialect(t *testing.T) {
	db := openTestDB(t)
	if _, err := New(db, Config{}); err == nil {
		t.Fatalf("expected New to reject a Config with no Dialect")
	}
}
