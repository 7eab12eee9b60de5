package pipeline

import (
	"sync"

	"github.com/clusterfs/rbhd/internal/mask"
)

// AttrSet is the in-memory attribute bag an Operation carries through
// every stage: standard attributes, per-status-manager status values,
// and per-status-manager typed info values. It implements
// statusmgr.AttrView / statusmgr.AttrSetter structurally.
type AttrSet struct {
	mu sync.RWMutex

	have mask.Mask // which standard attributes currently hold a value

	uints    map[string]uint64
	strings  map[string]string
	statuses map[string]string
	info     map[string]any
}

// NewAttrSet returns an empty attribute set.
func NewAttrSet() *AttrSet {
	return &AttrSet{
		uints:    make(map[string]uint64),
		strings:  make(map[string]string),
		statuses: make(map[string]string),
		info:     make(map[string]any),
	}
}

// SetUint stores a standard or pseudo attribute by name.
func (a *AttrSet) SetUint(name string, v uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uints[name] = v
}

// SetString stores a standard or pseudo string attribute by name.
func (a *AttrSet) SetString(name string, v string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strings[name] = v
}

// GetUint implements statusmgr.AttrView.
func (a *AttrSet) GetUint(name string) (uint64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.uints[name]
	return v, ok
}

// GetString implements statusmgr.AttrView.
func (a *AttrSet) GetString(name string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.strings[name]
	return v, ok
}

// SetStatusAttr implements statusmgr.AttrSetter.
func (a *AttrSet) SetStatusAttr(instName, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[instName] = value
}

// Status returns the current status value recorded for instName.
func (a *AttrSet) Status(instName string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.statuses[instName]
	return v, ok
}

// SetUintInfo implements statusmgr.AttrSetter.
func (a *AttrSet) SetUintInfo(instName, infoName string, value uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.info[instName+"."+infoName] = value
}

// SetInfo implements statusmgr.AttrSetter.
func (a *AttrSet) SetInfo(instName, infoName string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.info[instName+"."+infoName] = value
}

// Info returns a previously recorded info value.
func (a *AttrSet) Info(instName, infoName string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.info[instName+"."+infoName]
	return v, ok
}

// HasStd reports whether every bit in want is currently populated.
func (a *AttrSet) HasStd(want mask.Word) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.have.HasStd(want)
}

// MarkStd records that the given standard attribute bits now hold a
// value (called by the stage that fetched them).
func (a *AttrSet) MarkStd(attr mask.Word) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.have = a.have.WithStd(attr)
}

// Missing returns the subset of want not currently populated.
func (a *AttrSet) Missing(want mask.Word) mask.Word {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return want &^ a.have.Std
}
