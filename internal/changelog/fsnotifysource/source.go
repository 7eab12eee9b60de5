// Package fsnotifysource implements a non-Lustre changelog producer by
// watching a POSIX directory tree with fsnotify and translating its
// events into changelog.Record values. It stands in for the Lustre MDT
// changelog reader spec section 1 calls out as optional/out of scope
// for non-Lustre filesystems.
package fsnotifysource

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/clusterfs/rbhd/internal/changelog"
)

// Source watches a directory tree and emits changelog.Record values on
// Records(). Close stops the underlying watcher.
type Source struct {
	watcher *fsnotify.Watcher
	records chan changelog.Record
	errs    chan error
	seq     uint64
}

// New starts watching root (and every subdirectory beneath it at
// construction time; directories created later are added on MKDIR).
func New(root string) (*Source, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotifysource: %w", err)
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return nil, fmt.Errorf("fsnotifysource: watch %s: %w", root, err)
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() && path != root {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("fsnotifysource: watch %s: %w", root, err)
	}

	s := &Source{
		watcher: w,
		records: make(chan changelog.Record, 256),
		errs:    make(chan error, 16),
	}
	return s, nil
}

// Run translates fsnotify events into changelog records until ctx is
// cancelled or the watcher is closed.
func (s *Source) Run(ctx context.Context) {
	defer close(s.records)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.records <- s.translate(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errs <- err:
			default:
			}
		}
	}
}

func (s *Source) translate(ev fsnotify.Event) changelog.Record {
	idx := atomic.AddUint64(&s.seq, 1)
	rec := changelog.Record{
		Index: idx,
		Time:  time.Now(),
		Name:  ev.Name,
	}
	switch {
	case ev.Op&fsnotify.Create != 0:
		rec.Type = changelog.TypeCreate
	case ev.Op&fsnotify.Remove != 0:
		rec.Type = changelog.TypeUnlink
		rec.UnlinkLast = true
	case ev.Op&fsnotify.Rename != 0:
		rec.Type = changelog.TypeRename
	case ev.Op&fsnotify.Write != 0:
		rec.Type = changelog.TypeMtime
	case ev.Op&fsnotify.Chmod != 0:
		rec.Type = changelog.TypeSetattr
	default:
		rec.Type = changelog.TypeExt
	}
	if rec.Type == changelog.TypeCreate {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = s.watcher.Add(ev.Name)
			rec.Type = changelog.TypeMkdir
		}
	}
	return rec
}

// Records returns the channel of translated changelog records.
func (s *Source) Records() <-chan changelog.Record { return s.records }

// Errors returns the channel of underlying watcher errors.
func (s *Source) Errors() <-chan error { return s.errs }

// Close stops the watcher.
func (s *Source) Close() error { return s.watcher.Close() }
