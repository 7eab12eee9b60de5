// Package migrations manages schema evolution for the store backends
// via goose. Grounded on the teacher's
// internal/infrastructure/migrations/manager.go (goose.SetDialect +
// goose.Up/Down wrapped in a logging, timing Manager); the embedded
// SQL file set replaces the teacher's on-disk migrations directory
// since this module ships a fixed schema rather than an
// operator-editable one.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

// Config controls how the Manager talks to goose.
type Config struct {
	// Dialect is a goose dialect name: "sqlite3" or "postgres".
	Dialect string
	// Table overrides goose's version-tracking table name.
	Table string
	// Timeout bounds each Up/Down invocation.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Manager wraps a *sql.DB with goose-driven migration operations.
type Manager struct {
	db      *sql.DB
	dialect string
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a Manager around an already-open database handle. The
// caller owns db's lifecycle; Manager never closes it.
func New(db *sql.DB, cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dialect == "" {
		return nil, fmt.Errorf("migrations: dialect is required")
	}
	goose.SetBaseFS(embedded)
	goose.SetTableName(defaultString(cfg.Table, "rbhd_schema_version"))
	if err := goose.SetDialect(cfg.Dialect); err != nil {
		return nil, fmt.Errorf("migrations: set dialect %s: %w", cfg.Dialect, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Manager{db: db, dialect: cfg.Dialect, timeout: timeout, logger: logger}, nil
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Up applies every migration not yet recorded as applied.
func (m *Manager) Up(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	if err := goose.UpContext(ctx, m.db, "sql"); err != nil {
		m.logger.Error("migration up failed", "error", err)
		return fmt.Errorf("migrations: up: %w", err)
	}
	m.logger.Info("migrations applied", "duration", time.Since(start))
	return nil
}

// UpTo applies migrations up to and including the given version.
func (m *Manager) UpTo(ctx context.Context, version int64) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := goose.UpToContext(ctx, m.db, "sql", version); err != nil {
		return fmt.Errorf("migrations: up to %d: %w", version, err)
	}
	m.logger.Info("migrations applied up to version", "version", version)
	return nil
}

// Down rolls back a single migration step.
func (m *Manager) Down(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := goose.DownContext(ctx, m.db, "sql"); err != nil {
		return fmt.Errorf("migrations: down: %w", err)
	}
	m.logger.Info("one migration rolled back")
	return nil
}

// Status reports the current schema version.
func (m *Manager) Status(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	version, err := goose.GetDBVersionContext(ctx, m.db)
	if err != nil {
		return 0, fmt.Errorf("migrations: status: %w", err)
	}
	return version, nil
}
