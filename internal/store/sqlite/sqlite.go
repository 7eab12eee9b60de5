// Package sqlite implements store.Store on top of modernc.org/sqlite,
// a pure-Go sqlite driver chosen (as the teacher does) to avoid a cgo
// build dependency. Grounded on the teacher's
// internal/storage/sqlite/sqlite_storage.go (database/sql pooling,
// context-aware queries, structured logging of slow operations).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clusterfs/rbhd/internal/mask"
	"github.com/clusterfs/rbhd/internal/store"
)

// Store is a sqlite-backed store.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the sqlite database at dsn and
// ensures the entries/vars tables exist. Schema evolution beyond this
// bootstrap is handled by internal/store/migrations (goose).
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // sqlite: single-writer; avoid SQLITE_BUSY under our own load

	s := &Store{db: db, logger: logger}
	if err := s.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrap(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS entries (
	entry_id   TEXT PRIMARY KEY,
	parent_id  TEXT,
	name       TEXT,
	size       INTEGER,
	last_mod   INTEGER,
	fileclass  TEXT,
	scan_epoch INTEGER,
	removed    INTEGER NOT NULL DEFAULT 0,
	rm_time    INTEGER,
	columns    TEXT
);
CREATE INDEX IF NOT EXISTS idx_entries_epoch ON entries(scan_epoch);
CREATE INDEX IF NOT EXISTS idx_entries_removed ON entries(removed, rm_time);

CREATE TABLE IF NOT EXISTS vars (
	name  TEXT PRIMARY KEY,
	value TEXT
);`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("sqlite: bootstrap schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, entryID string) (store.Row, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT entry_id, parent_id, name, size, last_mod, fileclass, scan_epoch, removed, columns FROM entries WHERE entry_id = ?`, entryID)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return store.Row{}, false, nil
	}
	if err != nil {
		return store.Row{}, false, fmt.Errorf("sqlite: get %s: %w", entryID, err)
	}
	return r, true, nil
}

func (s *Store) Insert(ctx context.Context, r store.Row) error {
	cols, err := json.Marshal(r.Columns)
	if err != nil {
		return fmt.Errorf("sqlite: insert %s: marshal columns: %w", r.EntryID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (entry_id, parent_id, name, size, last_mod, fileclass, scan_epoch, removed, columns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		r.EntryID, r.ParentID, r.Name, r.Size, r.LastMod.Unix(), r.FileClass, r.ScanEpoch, string(cols))
	if err != nil {
		return fmt.Errorf("sqlite: insert %s: %w", r.EntryID, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, entryID string, columns map[string]any) error {
	existing, ok, err := s.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	if existing.Columns == nil {
		existing.Columns = make(map[string]any, len(columns))
	}
	for k, v := range columns {
		existing.Columns[k] = v
	}
	cols, err := json.Marshal(existing.Columns)
	if err != nil {
		return fmt.Errorf("sqlite: update %s: marshal columns: %w", entryID, err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE entries SET columns = ? WHERE entry_id = ?`, string(cols), entryID)
	if err != nil {
		return fmt.Errorf("sqlite: update %s: %w", entryID, err)
	}
	return nil
}

func (s *Store) BatchInsert(ctx context.Context, rows []store.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: batch insert: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (entry_id, parent_id, name, size, last_mod, fileclass, scan_epoch, removed, columns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: batch insert: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		cols, err := json.Marshal(r.Columns)
		if err != nil {
			return fmt.Errorf("sqlite: batch insert %s: marshal columns: %w", r.EntryID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.EntryID, r.ParentID, r.Name, r.Size, r.LastMod.Unix(), r.FileClass, r.ScanEpoch, string(cols)); err != nil {
			return fmt.Errorf("sqlite: batch insert %s: %w", r.EntryID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: batch insert: commit: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("sqlite: remove %s: %w", entryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SoftRemove(ctx context.Context, entryID string, removedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entries SET removed = 1, rm_time = ? WHERE entry_id = ?`, removedAt.Unix(), entryID)
	if err != nil {
		return fmt.Errorf("sqlite: soft remove %s: %w", entryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SoftRemoveDiscard(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entries SET removed = 0, rm_time = NULL WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("sqlite: discard soft remove %s: %w", entryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Iterator(ctx context.Context, filter store.Filter, srt store.Sort, opts store.IteratorOpts) (store.Iterator, error) {
	query := `SELECT entry_id, parent_id, name, size, last_mod, fileclass, scan_epoch, removed, columns FROM entries WHERE removed = 0`
	var args []any

	if len(filter.FileClasses) > 0 {
		query += " AND fileclass IN (" + placeholders(len(filter.FileClasses)) + ")"
		for _, fc := range filter.FileClasses {
			args = append(args, fc)
		}
	}
	if filter.DirsOnly {
		query += " AND json_extract(columns, '$.is_dir') = 1"
	}
	if filter.FilesOnly {
		query += " AND COALESCE(json_extract(columns, '$.is_dir'), 0) = 0"
	}
	if opts.AfterEntryID != "" {
		query += " AND entry_id > ?"
		args = append(args, opts.AfterEntryID)
	}
	query += " ORDER BY " + orderByClause(srt)
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: iterator: %w", err)
	}
	return &sqlRows{rows: rows}, nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func orderByClause(srt store.Sort) string {
	dir := "ASC"
	if srt.Descending {
		dir = "DESC"
	}
	switch srt.Attr {
	case store.SortLastMod:
		return "last_mod " + dir
	case store.SortSize:
		return "size " + dir
	default:
		return "entry_id " + dir
	}
}

func (s *Store) RMListIterator(ctx context.Context, olderThan time.Time) (store.Iterator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, parent_id, name, size, last_mod, fileclass, scan_epoch, removed, columns
		 FROM entries WHERE removed = 1 AND rm_time < ?`, olderThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite: rm list iterator: %w", err)
	}
	return &sqlRows{rows: rows}, nil
}

func (s *Store) MassRemove(ctx context.Context, beforeEpoch uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE scan_epoch < ?`, beforeEpoch)
	if err != nil {
		return 0, fmt.Errorf("sqlite: mass remove: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) MassSoftRemove(ctx context.Context, beforeEpoch uint64, removedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE entries SET removed = 1, rm_time = ? WHERE scan_epoch < ? AND removed = 0`, removedAt.Unix(), beforeEpoch)
	if err != nil {
		return 0, fmt.Errorf("sqlite: mass soft remove: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) GetVar(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM vars WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: get var %s: %w", name, err)
	}
	return value, true, nil
}

func (s *Store) SetVar(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO vars (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return fmt.Errorf("sqlite: set var %s: %w", name, err)
	}
	return nil
}

func (s *Store) ForceCommit(_ context.Context) error { return nil }

func (s *Store) WhatDiff(cached, fresh store.Row) store.Diff {
	changed := make(map[string]any)
	if cached.Size != fresh.Size {
		changed["size"] = fresh.Size
	}
	if !cached.LastMod.Equal(fresh.LastMod) {
		changed["last_mod"] = fresh.LastMod
	}
	if cached.FileClass != fresh.FileClass {
		changed["fileclass"] = fresh.FileClass
	}
	for k, v := range fresh.Columns {
		if cv, ok := cached.Columns[k]; !ok || cv != v {
			changed[k] = v
		}
	}
	return store.Diff{Changed: changed, Same: len(changed) == 0}
}

func (s *Store) BatchCompat(a, b mask.Mask) bool {
	return a.Equal(b)
}

func (s *Store) GenerateFields(instanceNames []string) []string {
	fields := make([]string, 0, len(instanceNames)*2)
	for _, name := range instanceNames {
		fields = append(fields, name+"_status", name+"_info")
	}
	return fields
}

func (s *Store) Close() error { return s.db.Close() }

func scanRow(row *sql.Row) (store.Row, error) {
	var r store.Row
	var lastMod, scanEpoch int64
	var removed int
	var columnsJSON string
	if err := row.Scan(&r.EntryID, &r.ParentID, &r.Name, &r.Size, &lastMod, &r.FileClass, &scanEpoch, &removed, &columnsJSON); err != nil {
		return store.Row{}, err
	}
	r.LastMod = time.Unix(lastMod, 0)
	r.ScanEpoch = uint64(scanEpoch)
	r.Removed = removed != 0
	if columnsJSON != "" {
		_ = json.Unmarshal([]byte(columnsJSON), &r.Columns)
	}
	return r, nil
}

type sqlRows struct {
	rows *sql.Rows
}

func (it *sqlRows) Next(_ context.Context) (store.Row, bool, error) {
	if !it.rows.Next() {
		return store.Row{}, false, it.rows.Err()
	}
	var r store.Row
	var lastMod, scanEpoch int64
	var removed int
	var columnsJSON string
	if err := it.rows.Scan(&r.EntryID, &r.ParentID, &r.Name, &r.Size, &lastMod, &r.FileClass, &scanEpoch, &removed, &columnsJSON); err != nil {
		return store.Row{}, false, err
	}
	r.LastMod = time.Unix(lastMod, 0)
	r.ScanEpoch = uint64(scanEpoch)
	r.Removed = removed != 0
	if columnsJSON != "" {
		_ = json.Unmarshal([]byte(columnsJSON), &r.Columns)
	}
	return r, true, nil
}

func (it *sqlRows) Close() error { return it.rows.Close() }
