package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/clusterfs/rbhd/internal/mask"
	"github.com/clusterfs/rbhd/internal/statusmgr"
)

// Archive-manager status values (spec 3.1 examples: "archive_running",
// "released"; grounded on original_source/src/backend_ext/backend_basic.c
// and policy_modules/migration/migr_arch.c).
const (
	ArchiveNew       = "new"
	ArchiveModified  = "modified"
	ArchiveRunning   = "archive_running"
	ArchiveSynced    = "synchro"
	ArchiveReleased  = "released"
	ArchiveReleasing = "release_pending"
)

// ArchiveBackend is the external collaborator a real deployment would
// inject (HSM copy-out, a blob store, ...). Spec section 1 treats the
// action backend as external; this interface is the dispatch contract.
type ArchiveBackend interface {
	Copy(ctx context.Context, path string) (backendPath string, err error)
	Release(ctx context.Context, backendPath string) error
	Rebind(ctx context.Context, oldBackendPath, newPath string) (backendPath string, err error)
}

// ArchiveDefinition returns the "archive" status manager. Its executor
// wraps the archive/release/rebind action and updates status/backend
// path info atomically with the result, per spec 4.2's executor form.
func ArchiveDefinition(backend ArchiveBackend) *statusmgr.Definition {
	return &statusmgr.Definition{
		Name:  "archive",
		Flags: 0,
		StatusEnum: []string{
			ArchiveNew, ArchiveModified, ArchiveRunning,
			ArchiveSynced, ArchiveReleased, ArchiveReleasing,
		},
		InfoTypes: []statusmgr.InfoType{
			{UserName: "backend_path", DBName: "bkpath", DBType: statusmgr.InfoString, Size: 1024},
			{UserName: "last_archive", DBName: "lstarch", DBType: statusmgr.InfoDuration},
		},
		StatusNeedsAttrsFresh:  mask.Mask{Std: mask.AttrLastMod | mask.AttrSize},
		StatusNeedsAttrsCached: mask.Mask{Std: mask.AttrLastMod},
		GetStatus: func(_ context.Context, inst *statusmgr.Instance, _ statusmgr.EntryID, attrs statusmgr.AttrView, out statusmgr.AttrSetter) error {
			if _, known := attrs.GetUint("known"); !known {
				out.SetStatusAttr(inst.Name, ArchiveNew)
				return nil
			}
			return nil
		},
		Executor: func(ctx context.Context, inst *statusmgr.Instance, id statusmgr.EntryID, attrs statusmgr.AttrSetter, run func() error) (statusmgr.PostAction, error) {
			attrs.SetStatusAttr(inst.Name, ArchiveRunning)
			if err := run(); err != nil {
				attrs.SetStatusAttr(inst.Name, ArchiveModified)
				return statusmgr.PostActionUpdate, err
			}
			attrs.SetStatusAttr(inst.Name, ArchiveSynced)
			attrs.SetUintInfo(inst.Name, "last_archive", uint64(time.Now().Unix()))
			return statusmgr.PostActionUpdate, nil
		},
	}
}

// ArchiveAction adapts an ArchiveBackend.Copy call to the
// status-manager executor's run() signature, writing the resulting
// backend path into the attribute set on success. This is the
// function an action.Definition of type ACTION_FUNCTION would invoke
// for the "archive" policy (spec 6.3).
func ArchiveAction(backend ArchiveBackend, path string, attrs statusmgr.AttrSetter, instName string) func() error {
	return func() error {
		bp, err := backend.Copy(context.Background(), path)
		if err != nil {
			return fmt.Errorf("archive: copy %s: %w", path, err)
		}
		attrs.SetInfo(instName, "backend_path", bp)
		return nil
	}
}
