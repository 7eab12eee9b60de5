package fsops

import (
	"fmt"
	"os"
)

// LustreStub implements FS for a Lustre-backed tree. It answers
// stripe, FID, and fullpath queries from a caller-supplied lookup
// table rather than issuing real ioctl(LL_IOC_LOV_GETSTRIPE)/llapi
// calls, since linking against liblustreapi is outside this module's
// build — a real deployment swaps this for a cgo-backed
// implementation behind the same FS interface.
type LustreStub struct {
	POSIX
	stripes   map[string]stripeEntry
	fids      map[string]string // path -> fid
	fullpaths map[string]string // fid -> path
}

type stripeEntry struct {
	info  StripeInfo
	items []StripeItem
}

// NewLustreStub returns a LustreStub with empty lookup tables; use
// SetStripe/SetFID to populate it for tests or a static deployment
// manifest.
func NewLustreStub() *LustreStub {
	return &LustreStub{
		stripes:   make(map[string]stripeEntry),
		fids:      make(map[string]string),
		fullpaths: make(map[string]string),
	}
}

// SetStripe records the stripe layout reported for path.
func (l *LustreStub) SetStripe(path string, info StripeInfo, items []StripeItem) {
	l.stripes[path] = stripeEntry{info: info, items: items}
}

// SetFID records the FID associated with path in both directions.
func (l *LustreStub) SetFID(path, fid string) {
	l.fids[path] = fid
	l.fullpaths[fid] = path
}

func (l *LustreStub) GetStripeByPath(path string) (StripeInfo, []StripeItem, error) {
	e, ok := l.stripes[path]
	if !ok {
		return StripeInfo{}, nil, fmt.Errorf("fsops: no stripe data for %s: %w", path, os.ErrNotExist)
	}
	return e.info, e.items, nil
}

func (l *LustreStub) GetFIDByPath(path string) (string, error) {
	fid, ok := l.fids[path]
	if !ok {
		return "", fmt.Errorf("fsops: no fid recorded for %s: %w", path, os.ErrNotExist)
	}
	return fid, nil
}

func (l *LustreStub) GetFullpath(id string) (string, error) {
	path, ok := l.fullpaths[id]
	if !ok {
		return "", fmt.Errorf("fsops: no path recorded for fid %s: %w", id, os.ErrNotExist)
	}
	return path, nil
}

func (l *LustreStub) MDSStatByID(id string) (Stat, error) {
	path, err := l.GetFullpath(id)
	if err != nil {
		return Stat{}, err
	}
	return l.POSIX.Lstat(path)
}
