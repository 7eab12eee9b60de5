// Package memory implements store.Store using an in-memory map.
// Grounded on the teacher's internal/storage/memory/memory_storage.go
// (RWMutex-guarded map, structured warning-on-construction logging),
// adapted from alert fingerprints to filesystem entry rows.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clusterfs/rbhd/internal/mask"
	"github.com/clusterfs/rbhd/internal/store"
)

// Store is a thread-safe, non-persistent store.Store implementation.
// It is suitable for tests and backs the in-memory store backend that
// cmd/rbhd opens when the configuration selects it.
type Store struct {
	mu     sync.RWMutex
	rows   map[string]store.Row
	vars   map[string]string
	logger *slog.Logger
}

// New returns an empty in-memory store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("in-memory store created: data will not persist across restarts")
	return &Store{
		rows:   make(map[string]store.Row),
		vars:   make(map[string]string),
		logger: logger,
	}
}

func (s *Store) Get(_ context.Context, entryID string) (store.Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[entryID]
	return r, ok, nil
}

func (s *Store) Insert(_ context.Context, row store.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[row.EntryID]; ok && !existing.Removed {
		return fmt.Errorf("store: insert %s: %w", row.EntryID, errAlreadyExists)
	}
	s.rows[row.EntryID] = row
	return nil
}

func (s *Store) Update(_ context.Context, entryID string, columns map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[entryID]
	if !ok {
		return store.ErrNotFound
	}
	if row.Columns == nil {
		row.Columns = make(map[string]any, len(columns))
	}
	for k, v := range columns {
		row.Columns[k] = v
	}
	s.rows[entryID] = row
	return nil
}

func (s *Store) BatchInsert(ctx context.Context, rows []store.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if existing, ok := s.rows[row.EntryID]; ok && !existing.Removed {
			return fmt.Errorf("store: batch insert %s: %w", row.EntryID, errAlreadyExists)
		}
	}
	for _, row := range rows {
		s.rows[row.EntryID] = row
	}
	return nil
}

func (s *Store) Remove(_ context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[entryID]; !ok {
		return store.ErrNotFound
	}
	delete(s.rows, entryID)
	return nil
}

func (s *Store) SoftRemove(_ context.Context, entryID string, removedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[entryID]
	if !ok {
		return store.ErrNotFound
	}
	row.Removed = true
	if row.Columns == nil {
		row.Columns = make(map[string]any, 1)
	}
	row.Columns["rm_time"] = removedAt
	s.rows[entryID] = row
	return nil
}

func (s *Store) SoftRemoveDiscard(_ context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[entryID]
	if !ok {
		return store.ErrNotFound
	}
	row.Removed = false
	delete(row.Columns, "rm_time")
	s.rows[entryID] = row
	return nil
}

func (s *Store) Iterator(_ context.Context, filter store.Filter, srt store.Sort, opts store.IteratorOpts) (store.Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []store.Row
	for _, r := range s.rows {
		if r.Removed || !matchesFilter(r, filter) {
			continue
		}
		rows = append(rows, r)
	}
	sortRows(rows, srt)
	rows = applyIteratorOpts(rows, opts)
	return &sliceIterator{rows: rows}, nil
}

func matchesFilter(r store.Row, f store.Filter) bool {
	if len(f.FileClasses) > 0 {
		match := false
		for _, fc := range f.FileClasses {
			if r.FileClass == fc {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	isDir, _ := r.Columns["is_dir"].(bool)
	if f.DirsOnly && !isDir {
		return false
	}
	if f.FilesOnly && isDir {
		return false
	}
	return true
}

func sortRows(rows []store.Row, srt store.Sort) {
	switch srt.Attr {
	case store.SortLastMod:
		sort.Slice(rows, func(i, j int) bool {
			if srt.Descending {
				return rows[i].LastMod.After(rows[j].LastMod)
			}
			return rows[i].LastMod.Before(rows[j].LastMod)
		})
	case store.SortSize:
		sort.Slice(rows, func(i, j int) bool {
			if srt.Descending {
				return rows[i].Size > rows[j].Size
			}
			return rows[i].Size < rows[j].Size
		})
	default:
		sort.Slice(rows, func(i, j int) bool { return rows[i].EntryID < rows[j].EntryID })
	}
}

// applyIteratorOpts implements the "first-eligible" resume position:
// skip rows up to and including AfterEntryID (in the order just
// applied), then cap the remainder at Limit.
func applyIteratorOpts(rows []store.Row, opts store.IteratorOpts) []store.Row {
	if opts.AfterEntryID != "" {
		for i, r := range rows {
			if r.EntryID == opts.AfterEntryID {
				rows = rows[i+1:]
				break
			}
		}
	}
	if opts.Limit > 0 && int64(len(rows)) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows
}

func (s *Store) RMListIterator(_ context.Context, olderThan time.Time) (store.Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []store.Row
	for _, r := range s.rows {
		if !r.Removed {
			continue
		}
		rmTime, _ := r.Columns["rm_time"].(time.Time)
		if rmTime.Before(olderThan) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].EntryID < rows[j].EntryID })
	return &sliceIterator{rows: rows}, nil
}

func (s *Store) MassRemove(_ context.Context, beforeEpoch uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.rows {
		if r.ScanEpoch < beforeEpoch {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) MassSoftRemove(_ context.Context, beforeEpoch uint64, removedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.rows {
		if r.ScanEpoch < beforeEpoch && !r.Removed {
			r.Removed = true
			if r.Columns == nil {
				r.Columns = make(map[string]any, 1)
			}
			r.Columns["rm_time"] = removedAt
			s.rows[id] = r
			n++
		}
	}
	return n, nil
}

func (s *Store) GetVar(_ context.Context, name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok, nil
}

func (s *Store) SetVar(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
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

func (s *Store) Close() error { return nil }

type sliceIterator struct {
	rows []store.Row
	i    int
}

func (it *sliceIterator) Next(_ context.Context) (store.Row, bool, error) {
	if it.i >= len(it.rows) {
		return store.Row{}, false, nil
	}
	r := it.rows[it.i]
	it.i++
	return r, true, nil
}

func (it *sliceIterator) Close() error { return nil }

var errAlreadyExists = fmt.Errorf("entry already exists")
