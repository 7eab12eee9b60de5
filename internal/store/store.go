// Package store defines the database collaborator (spec section 6.1):
// the persistence interface the pipeline, policy-run, and trigger
// packages use to read and write entry rows, independent of which
// engine backs it.
//
// Grounded on the teacher's internal/storage (factory + sqlite/memory
// implementations), adapted from alert rows to filesystem entry rows
// and expanded to the DB collaborator's full operation set.
package store

import (
	"context"
	"time"

	"github.com/clusterfs/rbhd/internal/mask"
)

// Row is one persisted entry: standard attributes plus every
// status-manager's status/info columns, stored generically since the
// set of status-manager columns is only known at registry
// registration time (spec 4.1/4.2).
type Row struct {
	EntryID    string
	ParentID   string
	Name       string
	Size       int64
	LastMod    time.Time
	FileClass  string
	ScanEpoch  uint64
	Removed    bool // soft-removed: kept for rm_list_iterator, excluded from Iterator
	Columns    map[string]any
}

// Diff is the column-level delta What Diff (spec 6.1's what_diff)
// computes between a cached row and a freshly fetched one, letting a
// caller write only changed columns.
type Diff struct {
	Changed map[string]any
	Same    bool
}

// Iterator yields rows one at a time. Close must be called once done.
type Iterator interface {
	Next(ctx context.Context) (Row, bool, error)
	Close() error
}

// SortAttr names the column a policy run orders its candidate stream
// by (spec 4.7's configurable lru_sort_attr).
type SortAttr int

const (
	SortNone SortAttr = iota
	SortLastMod
	SortSize
)

// Sort is the ordering an Iterator should apply server-side, so a
// policy run's "oldest/largest first" requirement and its resume
// position both live in the query instead of an in-process sort.
type Sort struct {
	Attr       SortAttr
	Descending bool
}

// Filter narrows an Iterator to the rows a caller actually needs,
// letting the policy scope, ignore-rule, and target-type predicates of
// spec 4.7 be pushed down to storage instead of re-evaluated on every
// row after a full fetch (spec 6.1's iterator(filter, sort, opts)).
type Filter struct {
	FileClasses []string // row's fileclass must be one of these; empty = no restriction
	DirsOnly    bool
	FilesOnly   bool
}

// IteratorOpts bounds and paginates an Iterator. AfterEntryID backs
// spec 4.7's "first-eligible" lower bound: a policy run resuming after
// a suspension or a STOP_RUN can skip straight past everything it
// already considered, ordered by Sort.
type IteratorOpts struct {
	Limit        int64
	AfterEntryID string
}

// Store is the full DB collaborator interface of spec 6.1.
type Store interface {
	// Get fetches a single row by entry ID.
	Get(ctx context.Context, entryID string) (Row, bool, error)

	// Insert creates a new row. Insert on an existing (non-removed) ID
	// is an error; batch_compat callers should check Get first.
	Insert(ctx context.Context, row Row) error

	// Update writes (only) the given columns for an existing row.
	Update(ctx context.Context, entryID string, columns map[string]any) error

	// BatchInsert inserts many rows as a single unit of work, the
	// batching the pipeline's DB-apply stage relies on to keep
	// transaction overhead flat under changelog bursts.
	BatchInsert(ctx context.Context, rows []Row) error

	// Remove permanently deletes a row (spec 4.5's rec_action rm_all).
	Remove(ctx context.Context, entryID string) error

	// SoftRemove marks a row removed without deleting it, so it still
	// surfaces via RMListIterator until a later mass_remove sweep
	// (spec 4.5's rec_action softrm_if_exists/softrm_always).
	SoftRemove(ctx context.Context, entryID string, removedAt time.Time) error

	// SoftRemoveDiscard undoes a pending soft-remove: the entry came
	// back to life (e.g. a hardlink recreated before GC ran).
	SoftRemoveDiscard(ctx context.Context, entryID string) error

	// Iterator returns every non-removed row matching filter, ordered by
	// sort and bounded/paginated by opts (spec 6.1's iterator(filter,
	// sort, opts)). A zero Filter/Sort/IteratorOpts matches every
	// non-removed row in unspecified order, as before.
	Iterator(ctx context.Context, filter Filter, sort Sort, opts IteratorOpts) (Iterator, error)

	// RMListIterator returns every soft-removed row older than
	// olderThan, for final physical cleanup.
	RMListIterator(ctx context.Context, olderThan time.Time) (Iterator, error)

	// MassRemove permanently deletes every row last touched before a
	// given scan epoch (the pipeline's GC-old-entries stage).
	MassRemove(ctx context.Context, beforeEpoch uint64) (int64, error)

	// MassSoftRemove soft-removes every row last touched before a
	// given scan epoch.
	MassSoftRemove(ctx context.Context, beforeEpoch uint64, removedAt time.Time) (int64, error)

	// GetVar / SetVar persist small process-wide key/value state (last
	// changelog index processed, last full-scan timestamp, ...).
	GetVar(ctx context.Context, name string) (string, bool, error)
	SetVar(ctx context.Context, name, value string) error

	// ForceCommit flushes any buffered writes (a no-op for
	// autocommit-per-statement backends, meaningful for batched ones).
	ForceCommit(ctx context.Context) error

	// BatchCompat reports whether two pending operations' column masks
	// are compatible for inclusion in the same DB-apply batch statement
	// (spec 4.4's dbop_is_batchable): a batch groups only operations
	// touching the identical set of columns, so one prepared statement
	// covers the whole batch.
	BatchCompat(a, b mask.Mask) bool

	// WhatDiff compares cached against fresh and returns only the
	// columns that actually changed, letting Update write a minimal
	// set (spec 6.1's what_diff).
	WhatDiff(cached, fresh Row) Diff

	// GenerateFields builds the column map a Row's Columns should use
	// for a given set of status-manager instance names, so a store
	// implementation's schema-mapping logic stays in one place (spec
	// 6.1's generate_fields).
	GenerateFields(instanceNames []string) []string

	Close() error
}

// ErrNotFound is returned by Update, Remove, SoftRemove and
// SoftRemoveDiscard when no row exists. Get reports a miss as ok=false
// with a nil error.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: entry not found" }
