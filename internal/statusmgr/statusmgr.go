// Package statusmgr implements the status-manager registry (spec
// component C2): it loads pluggable status-manager definitions,
// assigns each instance a status slot and an info-attribute range,
// and holds per-instance configuration and soft-remove masks.
//
// Grounded on original_source/src/policies/status_manager.c and
// src/include/status_manager.h (the create_sm_instance /
// get_sm_instance / SMI_MASK protocol), rewritten as a data-driven
// table per spec section 9 ("no virtual dispatch is required outside
// a dispatch table lookup indexed by smi_index").
package statusmgr

import (
	"context"
	"fmt"

	"github.com/clusterfs/rbhd/internal/mask"
)

// Flags on a Definition.
const (
	FlagShared  = 1 << iota // manager may be shared across policies
	FlagDeleted             // manager participates in soft-remove bookkeeping
)

// InfoType describes one typed per-instance info attribute (spec 3.1:
// "a typed value ... per declared info slot, e.g. last_check,
// last_alert, last_success, output").
type InfoType struct {
	UserName string // e.g. "last_check"
	DBName   string // e.g. "archive_last_check"
	DBType   InfoKind
	Size     int // for Str kind, max byte length
	Default  any
}

// InfoKind enumerates the supported info-attribute value types.
type InfoKind int

const (
	InfoUint InfoKind = iota
	InfoDuration
	InfoString
	InfoBool
)

// RecAction is the priority-ordered action a changelog callback may
// request for an entry (spec 4.5): none < softrm_if_exists <
// softrm_always < rm_all.
type RecAction int

const (
	RecActionNone RecAction = iota
	RecActionSoftrmIfExists
	RecActionSoftrmAlways
	RecActionRmAll
)

// Higher returns the higher-priority (more destructive) of a and b,
// implementing spec 4.5's "the highest-priority rec_action wins".
func Higher(a, b RecAction) RecAction {
	if b > a {
		return b
	}
	return a
}

// PostAction is the executor's advisory about what should happen to
// the entry's row after an action completes (spec 4.2).
type PostAction int

const (
	PostActionNone PostAction = iota
	PostActionUpdate
	PostActionRmOne
	PostActionRmAll
)

// Definition is the static, data-driven description of a status
// manager: a record of function pointers plus metadata, not a class
// hierarchy (spec section 9).
type Definition struct {
	Name  string
	Flags int

	// StatusEnum is the ordered list of legal status values this
	// manager can assign (e.g. "new", "modified", "ok", ...).
	StatusEnum []string

	InfoTypes []InfoType

	// StatusNeedsAttrsCached / StatusNeedsAttrsFresh are generic masks
	// (bit 0 of Status means "my own status").
	StatusNeedsAttrsCached mask.Mask
	StatusNeedsAttrsFresh  mask.Mask

	// SoftrmFilterMask / SoftrmTableMask are only meaningful when
	// FlagDeleted is set.
	SoftrmFilterMask mask.Mask
	SoftrmTableMask  mask.Mask

	// ScopeMatch reports whether this manager's scope covers the given
	// entry. A nil ScopeMatch means "matches every entry".
	ScopeMatch func(attrs AttrView) bool

	GetStatus   GetStatusFunc
	ChangelogCB ChangelogCBFunc

	// Exactly one of ActionCB / Executor is used per action (spec 4.2).
	ActionCB ActionCBFunc
	Executor ExecutorFunc

	// Init runs once at smi_init_all time, in registration order.
	Init func(ctx context.Context, inst *Instance) error
}

// AttrView is the minimal read surface a status manager needs to
// decide whether its scope matches, or to read current values. It is
// satisfied by *pipeline.AttrSet (kept decoupled to avoid an import
// cycle between statusmgr and pipeline).
type AttrView interface {
	GetUint(name string) (uint64, bool)
	GetString(name string) (string, bool)
}

// GetStatusFunc computes/refreshes the status of one entry. `out` is
// mutated in place with any refreshed attributes/status.
type GetStatusFunc func(ctx context.Context, inst *Instance, id EntryID, attrs AttrView, out AttrSetter) error

// ChangelogCBFunc is consulted for every changelog record whose scope
// matches; it may request extra attrs, a status recompute, and/or a
// RecAction (spec 4.5).
type ChangelogCBFunc func(inst *Instance, rec ChangelogRecord, id EntryID, attrs AttrView, refreshed AttrSetter) (needStatus bool, action RecAction, err error)

// ActionCBFunc updates status after a plain action call, given its
// return code.
type ActionCBFunc func(ctx context.Context, inst *Instance, id EntryID, attrs AttrView, actionErr error) error

// ExecutorFunc wraps the action call itself and may update status
// atomically with the result, returning a PostAction advisory.
type ExecutorFunc func(ctx context.Context, inst *Instance, id EntryID, attrs AttrSetter, run func() error) (PostAction, error)

// AttrSetter is the mutation surface status managers use to report
// results back into the pipeline's attribute set.
type AttrSetter interface {
	AttrView
	SetStatusAttr(instName string, value string)
	SetUintInfo(instName, infoName string, value uint64)
	SetInfo(instName, infoName string, value any)
}

// EntryID and ChangelogRecord are narrow aliases kept local to avoid
// an import cycle; internal/pipeline and internal/changelog define
// the canonical types and satisfy these via identical underlying
// representations (statusmgr imports neither package; internal/changelog
// imports statusmgr).
type EntryID = string

// ChangelogRecord is the minimal shape a status manager's changelog
// callback needs to see.
type ChangelogRecord struct {
	Type       string
	UnlinkLast bool
}

// Instance is a registered, indexed status-manager instance.
type Instance struct {
	Name       string // "<sm_name>" or "<sm_name>_<policy_name>" when not shared
	StatusName string // "<instance_name>_status" DB column name
	SMIIndex   int
	InfoOffset int
	Def        *Definition

	// StatusMaskFresh / StatusMaskCached / SoftrmTableMask /
	// SoftrmFilterMask are the *actual* masks computed by UpdateMasks.
	StatusMaskFresh  mask.Mask
	StatusMaskCached mask.Mask
	SoftrmTableMask  mask.Mask
	SoftrmFilterMask mask.Mask

	translator mask.Translator
}

// InfoName returns the fully qualified "<instance>.<attr>" name for
// one of this instance's declared info attributes.
func (inst *Instance) InfoName(attr string) string {
	return inst.Name + "." + attr
}

// Matches reports whether this instance's scope covers the given
// entry (a nil ScopeMatch matches unconditionally).
func (inst *Instance) Matches(attrs AttrView) bool {
	if inst.Def.ScopeMatch == nil {
		return true
	}
	return inst.Def.ScopeMatch(attrs)
}

// Registry holds all registered status-manager instances for the
// process lifetime. Registration order is fixed once InitAll has run;
// after that point the registry is read-only (spec section 9: "three
// globals must survive refactoring but should be constructed at
// startup and thereafter treated as immutable after publication").
type Registry struct {
	byName     map[string]*Instance
	order      []*Instance
	shared     map[string]*Instance // sm_name -> instance, only for FlagShared defs
	initedOnce bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Instance),
		shared: make(map[string]*Instance),
	}
}

// CreateInstance implements spec 4.2's create_instance: if def is
// shared, returns the existing instance for def.Name when one already
// exists; otherwise constructs a new instance, assigning the next
// available smi_index and sm_info_offset.
func (r *Registry) CreateInstance(policyName string, def *Definition) (*Instance, error) {
	if def.Flags&FlagShared != 0 {
		if existing, ok := r.shared[def.Name]; ok {
			return existing, nil
		}
	}

	name := def.Name
	if def.Flags&FlagShared == 0 && policyName != "" {
		name = def.Name + "_" + policyName
	}
	if _, dup := r.byName[name]; dup {
		return nil, fmt.Errorf("statusmgr: instance %q already registered", name)
	}

	smiIndex := len(r.order)
	if err := mask.CheckBit("status", smiIndex); err != nil {
		return nil, fmt.Errorf("statusmgr: registering %q: %w", name, err)
	}

	infoOffset := 0
	for _, prior := range r.order {
		infoOffset += len(prior.Def.InfoTypes)
	}
	if err := mask.CheckBit("info", infoOffset+len(def.InfoTypes)-1); len(def.InfoTypes) > 0 && err != nil {
		return nil, fmt.Errorf("statusmgr: registering %q: %w", name, err)
	}

	inst := &Instance{
		Name:       name,
		StatusName: name + "_status",
		SMIIndex:   smiIndex,
		InfoOffset: infoOffset,
		Def:        def,
		translator: mask.Translator{SMIIndex: smiIndex, InfoOffset: infoOffset, InfoCount: len(def.InfoTypes)},
	}

	r.byName[name] = inst
	r.order = append(r.order, inst)
	if def.Flags&FlagShared != 0 {
		r.shared[def.Name] = inst
	}
	return inst, nil
}

// ByName returns the instance registered under `name`, or nil.
func (r *Registry) ByName(name string) *Instance { return r.byName[name] }

// ByIndex returns the Nth registered instance (registration order), or nil.
func (r *Registry) ByIndex(n int) *Instance {
	if n < 0 || n >= len(r.order) {
		return nil
	}
	return r.order[n]
}

// Instances returns all registered instances in registration order.
// The returned slice must not be mutated by the caller.
func (r *Registry) Instances() []*Instance { return r.order }

// UpdateMasks computes every instance's actual status_mask_fresh,
// status_mask_cached, softrm_table_mask and softrm_filter_mask by
// applying the generic->actual translation of mask.Translator (spec
// 4.2's smi_update_masks). It must be called once after every
// instance has been registered and before any pipeline operation
// runs.
func (r *Registry) UpdateMasks() {
	for _, inst := range r.order {
		inst.StatusMaskFresh = inst.translator.Translate(inst.Def.StatusNeedsAttrsFresh)
		inst.StatusMaskCached = inst.translator.Translate(inst.Def.StatusNeedsAttrsCached)
		if inst.Def.Flags&FlagDeleted != 0 {
			inst.SoftrmTableMask = inst.translator.Translate(inst.Def.SoftrmTableMask)
			inst.SoftrmFilterMask = inst.translator.Translate(inst.Def.SoftrmFilterMask)
		}
	}
}

// InitAll calls every instance's optional Init in registration order;
// on the first failure it aborts with that instance's error (spec
// 4.2's smi_init_all — "on first failure, aborts startup with that
// instance's error code").
func (r *Registry) InitAll(ctx context.Context) error {
	if r.initedOnce {
		return fmt.Errorf("statusmgr: InitAll already ran")
	}
	for _, inst := range r.order {
		if inst.Def.Init == nil {
			continue
		}
		if err := inst.Def.Init(ctx, inst); err != nil {
			return fmt.Errorf("statusmgr: init %q: %w", inst.Name, err)
		}
	}
	r.initedOnce = true
	return nil
}

// AllStatusMask returns the union of every registered instance's
// status bit (original source's all_status_mask()).
func (r *Registry) AllStatusMask() mask.Word {
	var m mask.Word
	for i := range r.order {
		m |= mask.SMIMask(i)
	}
	return m
}

// NeedFreshAttrsForMatching returns the union of status_needs_attrs_fresh
// across every instance whose scope matches attrs — used by the
// pipeline's Get-info-FS stage to decide which managers to refresh.
func (r *Registry) NeedFreshAttrsForMatching(attrs AttrView) mask.Mask {
	var out mask.Mask
	for _, inst := range r.order {
		if inst.Matches(attrs) {
			out = mask.Union(out, inst.StatusMaskFresh)
		}
	}
	return out
}

// MatchingInstances returns every registered instance whose scope
// matches attrs, in registration order.
func (r *Registry) MatchingInstances(attrs AttrView) []*Instance {
	var out []*Instance
	for _, inst := range r.order {
		if inst.Matches(attrs) {
			out = append(out, inst)
		}
	}
	return out
}
