// Package builtin provides a handful of concrete status-manager
// definitions that exercise internal/statusmgr end to end: a generic
// lifecycle manager ("new"/"modified"/"ok", grounded on
// original_source/src/modules/basic.c), a checker manager (grounded on
// modules/checker.c), and an archive/HSM-flavored manager (grounded on
// modules/hpss_rebind.c and backend_ext.c).
package builtin

import (
	"context"
	"time"

	"github.com/clusterfs/rbhd/internal/mask"
	"github.com/clusterfs/rbhd/internal/statusmgr"
)

// Lifecycle statuses for the lifecycle manager (scenario 1 of spec
// section 8: a freshly scanned entry with no prior DB row gets "new").
const (
	BasicNew      = "new"
	BasicModified = "modified"
	BasicOK       = "ok"
)

// NewLifecycleDefinition returns the "lifecycle" status manager. Its
// GetStatus assigns "new" to an entry without the "known"
// pseudo-attribute and "ok" to every other entry; it never assigns
// "modified" and reads no timestamps. It declares no info attributes
// and no extra attribute needs.
func NewLifecycleDefinition() *statusmgr.Definition {
	return &statusmgr.Definition{
		Name:       "lifecycle",
		Flags:      statusmgr.FlagShared,
		StatusEnum: []string{BasicNew, BasicModified, BasicOK},
		GetStatus: func(_ context.Context, inst *statusmgr.Instance, _ statusmgr.EntryID, attrs statusmgr.AttrView, out statusmgr.AttrSetter) error {
			// db_exists is encoded by the caller clearing/setting the
			// "known" pseudo-attribute before invoking get_status.
			if _, known := attrs.GetUint("known"); !known {
				out.SetStatusAttr(inst.Name, BasicNew)
				return nil
			}
			out.SetStatusAttr(inst.Name, BasicOK)
			return nil
		},
		ActionCB: func(_ context.Context, inst *statusmgr.Instance, _ statusmgr.EntryID, _ statusmgr.AttrView, actionErr error) error {
			return nil
		},
	}
}

// CheckerDefinition returns the "checker" status manager (grounded on
// modules/checker.c): it runs an external command against an entry
// and records ok/failed plus last_check/last_success/output info
// attributes, letting policy rules reference "checker.last_check".
func CheckerDefinition() *statusmgr.Definition {
	return &statusmgr.Definition{
		Name:       "checker",
		Flags:      0,
		StatusEnum: []string{"ok", "failed"},
		InfoTypes: []statusmgr.InfoType{
			{UserName: "last_check", DBName: "lstchk", DBType: statusmgr.InfoDuration},
			{UserName: "last_success", DBName: "lstsuc", DBType: statusmgr.InfoDuration},
			{UserName: "output", DBName: "out", DBType: statusmgr.InfoString, Size: 255},
		},
		StatusNeedsAttrsFresh:  mask.Mask{Std: mask.AttrLastMod},
		StatusNeedsAttrsCached: mask.Mask{Std: mask.AttrLastMod},
		Executor: func(ctx context.Context, inst *statusmgr.Instance, id statusmgr.EntryID, attrs statusmgr.AttrSetter, run func() error) (statusmgr.PostAction, error) {
			now := uint64(time.Now().Unix())
			attrs.SetUintInfo(inst.Name, "last_check", now)
			err := run()
			if err != nil {
				attrs.SetStatusAttr(inst.Name, "failed")
				return statusmgr.PostActionUpdate, err
			}
			attrs.SetStatusAttr(inst.Name, "ok")
			attrs.SetUintInfo(inst.Name, "last_success", now)
			return statusmgr.PostActionUpdate, nil
		},
	}
}
