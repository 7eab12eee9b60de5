package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clusterfs/rbhd/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "rbhd-test.db")
	s, err := Open(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, store.Row{EntryID: "e1", Size: 10, LastMod: time.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	row, ok, err := s.Get(ctx, "e1")
	if err != nil || !ok {
		t.Fatalf("expected row to be found, ok=%v err=%v", ok, err)
	}
	if row.Size != 10 {
		t.Fatalf("expected size 10, got %d", row.Size)
	}
}

func TestUpdateMergesColumns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, store.Row{EntryID: "e1", LastMod: time.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Update(ctx, "e1", map[string]any{"hsm_status": "archived"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	row, _, _ := s.Get(ctx, "e1")
	if row.Columns["hsm_status"] != "archived" {
		t.Fatalf("expected hsm_status=archived, got %v", row.Columns["hsm_status"])
	}
}

func TestBatchInsertThenIterate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	rows := []store.Row{
		{EntryID: "a", Size: 1, LastMod: now},
		{EntryID: "b", Size: 2, LastMod: now},
		{EntryID: "c", Size: 3, LastMod: now},
	}
	if err := s.BatchInsert(ctx, rows); err != nil {
		t.Fatalf("batch insert: %v", err)
	}

	it, err := s.Iterator(ctx, store.Filter{}, store.Sort{}, store.IteratorOpts{})
	if err != nil {
		t.Fatalf("iterator: %v", err)
	}
	defer it.Close()

	count := 0
	for {
		_, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != len(rows) {
		t.Fatalf("expected %d rows, got %d", len(rows), count)
	}
}

func TestSoftRemoveExcludesFromIteratorIncludesInRMList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, store.Row{EntryID: "e1", LastMod: time.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SoftRemove(ctx, "e1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("soft remove: %v", err)
	}

	it, err := s.Iterator(ctx, store.Filter{}, store.Sort{}, store.IteratorOpts{})
	if err != nil {
		t.Fatalf("iterator: %v", err)
	}
	defer it.Close()
	if _, ok, _ := it.Next(ctx); ok {
		t.Fatalf("expected soft-removed row to be excluded from Iterator")
	}

	rmIt, err := s.RMListIterator(ctx, time.Now())
	if err != nil {
		t.Fatalf("rm list iterator: %v", err)
	}
	defer rmIt.Close()
	row, ok, err := rmIt.Next(ctx)
	if err != nil || !ok || row.EntryID != "e1" {
		t.Fatalf("expected soft-removed row to surface via RMListIterator, ok=%v err=%v", ok, err)
	}
}

func TestSoftRemoveDiscardRestoresEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Insert(ctx, store.Row{EntryID: "e1", LastMod: time.Now()})
	_ = s.SoftRemove(ctx, "e1", time.Now())
	if err := s.SoftRemoveDiscard(ctx, "e1"); err != nil {
		t.Fatalf("discard: %v", err)
	}

	it, _ := s.Iterator(ctx, store.Filter{}, store.Sort{}, store.IteratorOpts{})
	defer it.Close()
	row, ok, err := it.Next(ctx)
	if err != nil || !ok || row.EntryID != "e1" {
		t.Fatalf("expected discarded entry back in Iterator, ok=%v err=%v", ok, err)
	}
}

func TestMassRemoveByEpoch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	_ = s.Insert(ctx, store.Row{EntryID: "old", ScanEpoch: 1, LastMod: now})
	_ = s.Insert(ctx, store.Row{EntryID: "new", ScanEpoch: 5, LastMod: now})

	n, err := s.MassRemove(ctx, 5)
	if err != nil {
		t.Fatalf("mass remove: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row removed, got %d", n)
	}
	if _, ok, _ := s.Get(ctx, "old"); ok {
		t.Fatalf("expected stale row to be gone")
	}
	if _, ok, _ := s.Get(ctx, "new"); !ok {
		t.Fatalf("expected fresh row to remain")
	}
}

func TestMassSoftRemoveByEpoch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	_ = s.Insert(ctx, store.Row{EntryID: "old", ScanEpoch: 1, LastMod: now})
	_ = s.Insert(ctx, store.Row{EntryID: "new", ScanEpoch: 5, LastMod: now})

	n, err := s.MassSoftRemove(ctx, 5, now)
	if err != nil {
		t.Fatalf("mass soft remove: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row soft-removed, got %d", n)
	}
	row, ok, _ := s.Get(ctx, "old")
	if !ok || !row.Removed {
		t.Fatalf("expected old row to be marked removed")
	}
}

func TestSetGetVarRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetVar(ctx, "last_scan", "42"); err != nil {
		t.Fatalf("set var: %v", err)
	}
	v, ok, err := s.GetVar(ctx, "last_scan")
	if err != nil || !ok || v != "42" {
		t.Fatalf("expected last_scan=42, got %q ok=%v err=%v", v, ok, err)
	}

	if err := s.SetVar(ctx, "last_scan", "43"); err != nil {
		t.Fatalf("overwrite var: %v", err)
	}
	v, _, _ = s.GetVar(ctx, "last_scan")
	if v != "43" {
		t.Fatalf("expected overwrite to take effect, got %q", v)
	}
}

func TestGetMissingEntryReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("expected no error on miss, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing entry")
	}
}

func TestWhatDiffOnlyReportsChangedColumns(t *testing.T) {
	s := openTestStore(t)
	cached := store.Row{Size: 10, FileClass: "hot"}
	fresh := store.Row{Size: 20, FileClass: "hot"}
	diff := s.WhatDiff(cached, fresh)
	if diff.Same {
		t.Fatalf("expected a diff since size changed")
	}
	if _, ok := diff.Changed["size"]; !ok {
		t.Fatalf("expected size to be in the diff")
	}
	if _, ok := diff.Changed["fileclass"]; ok {
		t.Fatalf("did not expect fileclass to be in the diff")
	}
}
