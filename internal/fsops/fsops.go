// Package fsops is the filesystem collaborator (spec section 6.2):
// the interface Get-info-FS uses to stat entries, read symlinks, and
// query stripe/FID metadata, independent of which filesystem backs
// the scanned tree.
//
// Grounded on the teacher's pattern of a narrow collaborator interface
// plus a POSIX-backed implementation and an in-memory fake for tests
// (internal/storage's memory/sqlite pair), adapted to filesystem
// syscalls instead of database rows.
package fsops

import (
	"errors"
	"io/fs"
	"time"
)

// Stat is the subset of lstat(2) results Get-info-FS needs.
type Stat struct {
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
	IsLink  bool
}

// StripeInfo describes a regular file's Lustre-style striping layout.
// Populated only on filesystems that support GetStripeByPath; zero
// value elsewhere.
type StripeInfo struct {
	StripeCount int
	StripeSize  int64
	PoolName    string
}

// StripeItem names one OST (or equivalent) a file's stripe lands on.
type StripeItem struct {
	Index  int
	Target string
}

// ErrVanished is returned by Lstat/Readlink when the path no longer
// resolves (ENOENT/ESTALE), the trigger for the "vanished" delete
// policy decision (spec section 4.7).
var ErrVanished = errors.New("fsops: entry vanished")

// ErrUnsupported marks an optional operation the backing filesystem
// does not implement (get_stripe_by_path, get_fid_by_path,
// get_fullpath, mds_stat_by_id on a plain POSIX tree).
var ErrUnsupported = errors.New("fsops: operation unsupported on this backend")

// FS is the full FS collaborator interface of spec section 6.2.
type FS interface {
	// Lstat stats path without following a trailing symlink.
	// Returns ErrVanished if path no longer exists.
	Lstat(path string) (Stat, error)

	// Readlink reads a symlink's target.
	Readlink(path string) (string, error)

	// GetStripeByPath returns striping metadata for a regular file.
	// Optional: ErrUnsupported on backends without stripe concepts.
	GetStripeByPath(path string) (StripeInfo, []StripeItem, error)

	// GetFIDByPath returns the filesystem-native identity for path,
	// when the backend exposes one distinct from its path.
	// Optional: ErrUnsupported otherwise.
	GetFIDByPath(path string) (string, error)

	// GetFullpath resolves an identity back to a human-readable path.
	// Optional: ErrUnsupported on backends with no reverse index.
	GetFullpath(id string) (string, error)

	// MDSStatByID stats an entry directly by identity, bypassing a
	// path lookup. Optional: ErrUnsupported otherwise.
	MDSStatByID(id string) (Stat, error)

	// Unlink removes path from the filesystem. Used only when no
	// external action has claimed responsibility for the deletion
	// (spec section 6.3's action dispatch).
	Unlink(path string) error
}
