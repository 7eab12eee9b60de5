package memory

import (
	"context"
	"testing"
	"time"

	"github.com/clusterfs/rbhd/internal/store"
)

func TestInsertGetRoundTrip(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	if err := s.Insert(ctx, store.Row{EntryID: "e1", Size: 10}); err != nil {
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

func TestSoftRemoveExcludesFromIteratorIncludesInRMList(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_ = s.Insert(ctx, store.Row{EntryID: "e1"})
	if err := s.SoftRemove(ctx, "e1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("soft remove: %v", err)
	}

	it, _ := s.Iterator(ctx, store.Filter{}, store.Sort{}, store.IteratorOpts{})
	if _, ok, _ := it.Next(ctx); ok {
		t.Fatalf("expected soft-removed row to be excluded from Iterator")
	}

	rmIt, _ := s.RMListIterator(ctx, time.Now())
	row, ok, _ := rmIt.Next(ctx)
	if !ok || row.EntryID != "e1" {
		t.Fatalf("expected soft-removed row to surface via RMListIterator")
	}
}

func TestMassRemoveByEpoch(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_ = s.Insert(ctx, store.Row{EntryID: "old", ScanEpoch: 1})
	_ = s.Insert(ctx, store.Row{EntryID: "new", ScanEpoch: 5})

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

func TestWhatDiffOnlyReportsChangedColumns(t *testing.T) {
	s := New(nil)
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
