// Package pgx implements store.Store on top of PostgreSQL via
// github.com/jackc/pgx/v5, for deployments large enough to want a
// shared, horizontally-scalable backing store instead of per-node
// sqlite. Grounded on the teacher's pgx connection-pool usage
// (postgres.NewPostgresPool) and the internal/store/sqlite sibling
// package's statement shapes, adapted to pgx's native context-aware
// pool API and $N placeholders.
package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clusterfs/rbhd/internal/mask"
	"github.com/clusterfs/rbhd/internal/store"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL at dsn and ensures the bootstrap schema
// exists. Production schema evolution is handled by
// internal/store/migrations (goose).
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx: connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.bootstrap(ctx); err != nil {
		pool.Close()
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
	size       BIGINT,
	last_mod   TIMESTAMPTZ,
	fileclass  TEXT,
	scan_epoch BIGINT,
	removed    BOOLEAN NOT NULL DEFAULT FALSE,
	rm_time    TIMESTAMPTZ,
	columns    JSONB
);
CREATE INDEX IF NOT EXISTS idx_entries_epoch ON entries(scan_epoch);
CREATE INDEX IF NOT EXISTS idx_entries_removed ON entries(removed, rm_time);

CREATE TABLE IF NOT EXISTS vars (
	name  TEXT PRIMARY KEY,
	value TEXT
);`
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("pgx: bootstrap schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, entryID string) (store.Row, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT entry_id, parent_id, name, size, last_mod, fileclass, scan_epoch, removed, columns FROM entries WHERE entry_id = $1`,
		entryID)
	r, err := scanRow(row)
	if err == pgx.ErrNoRows {
		return store.Row{}, false, nil
	}
	if err != nil {
		return store.Row{}, false, fmt.Errorf("pgx: get %s: %w", entryID, err)
	}
	return r, true, nil
}

func (s *Store) Insert(ctx context.Context, r store.Row) error {
	cols, err := json.Marshal(r.Columns)
	if err != nil {
		return fmt.Errorf("pgx: insert %s: marshal columns: %w", r.EntryID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO entries (entry_id, parent_id, name, size, last_mod, fileclass, scan_epoch, removed, columns)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)`,
		r.EntryID, r.ParentID, r.Name, r.Size, r.LastMod, r.FileClass, r.ScanEpoch, cols)
	if err != nil {
		return fmt.Errorf("pgx: insert %s: %w", r.EntryID, err)
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
		return fmt.Errorf("pgx: update %s: marshal columns: %w", entryID, err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE entries SET columns = $1 WHERE entry_id = $2`, cols, entryID)
	if err != nil {
		return fmt.Errorf("pgx: update %s: %w", entryID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) BatchInsert(ctx context.Context, rows []store.Row) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		cols, err := json.Marshal(r.Columns)
		if err != nil {
			return fmt.Errorf("pgx: batch insert %s: marshal columns: %w", r.EntryID, err)
		}
		batch.Queue(
			`INSERT INTO entries (entry_id, parent_id, name, size, last_mod, fileclass, scan_epoch, removed, columns)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)`,
			r.EntryID, r.ParentID, r.Name, r.Size, r.LastMod, r.FileClass, r.ScanEpoch, cols)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("pgx: batch insert: %w", err)
		}
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, entryID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM entries WHERE entry_id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("pgx: remove %s: %w", entryID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SoftRemove(ctx context.Context, entryID string, removedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE entries SET removed = TRUE, rm_time = $1 WHERE entry_id = $2`, removedAt, entryID)
	if err != nil {
		return fmt.Errorf("pgx: soft remove %s: %w", entryID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SoftRemoveDiscard(ctx context.Context, entryID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE entries SET removed = FALSE, rm_time = NULL WHERE entry_id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("pgx: discard soft remove %s: %w", entryID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Iterator(ctx context.Context, filter store.Filter, srt store.Sort, opts store.IteratorOpts) (store.Iterator, error) {
	query := `SELECT entry_id, parent_id, name, size, last_mod, fileclass, scan_epoch, removed, columns FROM entries WHERE removed = FALSE`
	var args []any
	n := 1

	if len(filter.FileClasses) > 0 {
		query += fmt.Sprintf(" AND fileclass = ANY($%d)", n)
		args = append(args, filter.FileClasses)
		n++
	}
	if filter.DirsOnly {
		query += " AND columns->>'is_dir' = 'true'"
	}
	if filter.FilesOnly {
		query += " AND COALESCE(columns->>'is_dir', 'false') <> 'true'"
	}
	if opts.AfterEntryID != "" {
		query += fmt.Sprintf(" AND entry_id > $%d", n)
		args = append(args, opts.AfterEntryID)
		n++
	}
	query += " ORDER BY " + orderByClause(srt)
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgx: iterator: %w", err)
	}
	return &pgxRows{rows: rows}, nil
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
	rows, err := s.pool.Query(ctx,
		`SELECT entry_id, parent_id, name, size, last_mod, fileclass, scan_epoch, removed, columns
		 FROM entries WHERE removed = TRUE AND rm_time < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("pgx: rm list iterator: %w", err)
	}
	return &pgxRows{rows: rows}, nil
}

func (s *Store) MassRemove(ctx context.Context, beforeEpoch uint64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM entries WHERE scan_epoch < $1`, beforeEpoch)
	if err != nil {
		return 0, fmt.Errorf("pgx: mass remove: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) MassSoftRemove(ctx context.Context, beforeEpoch uint64, removedAt time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE entries SET removed = TRUE, rm_time = $1 WHERE scan_epoch < $2 AND removed = FALSE`, removedAt, beforeEpoch)
	if err != nil {
		return 0, fmt.Errorf("pgx: mass soft remove: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetVar(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM vars WHERE name = $1`, name).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pgx: get var %s: %w", name, err)
	}
	return value, true, nil
}

func (s *Store) SetVar(ctx context.Context, name, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vars (name, value) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
		name, value)
	if err != nil {
		return fmt.Errorf("pgx: set var %s: %w", name, err)
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

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// row is satisfied by both pgx.Row (QueryRow) and used only for Get.
func scanRow(row pgx.Row) (store.Row, error) {
	var r store.Row
	var columnsJSON []byte
	if err := row.Scan(&r.EntryID, &r.ParentID, &r.Name, &r.Size, &r.LastMod, &r.FileClass, &r.ScanEpoch, &r.Removed, &columnsJSON); err != nil {
		return store.Row{}, err
	}
	if len(columnsJSON) > 0 {
		_ = json.Unmarshal(columnsJSON, &r.Columns)
	}
	return r, nil
}

type pgxRows struct {
	rows pgx.Rows
}

func (it *pgxRows) Next(_ context.Context) (store.Row, bool, error) {
	if !it.rows.Next() {
		return store.Row{}, false, it.rows.Err()
	}
	var r store.Row
	var columnsJSON []byte
	if err := it.rows.Scan(&r.EntryID, &r.ParentID, &r.Name, &r.Size, &r.LastMod, &r.FileClass, &r.ScanEpoch, &r.Removed, &columnsJSON); err != nil {
		return store.Row{}, false, err
	}
	if len(columnsJSON) > 0 {
		_ = json.Unmarshal(columnsJSON, &r.Columns)
	}
	return r, true, nil
}

func (it *pgxRows) Close() error {
	it.rows.Close()
	return nil
}
