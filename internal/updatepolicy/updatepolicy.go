// Package updatepolicy implements the update-policy evaluator (spec
// component C3): for each of the attribute families {metadata, path,
// fileclass}, decides whether a cached value is fresh enough to use
// or must be re-read / re-matched.
//
// Grounded on original_source/src/common/update_params.c.
package updatepolicy

import (
	"fmt"
	"time"
)

// Mode is one of the five update-policy modes of spec 4.3.
type Mode int

const (
	ModeNever Mode = iota
	ModeAlways
	ModeOnEvent
	ModePeriodic
	ModeOnEventPeriodic
)

// Policy is a single family's update policy. Min/Max are only
// meaningful for ModeOnEventPeriodic/ModePeriodic respectively.
type Policy struct {
	Mode Mode
	Min  time.Duration // on_event_periodic only
	Max  time.Duration // periodic / on_event_periodic
}

// Family identifies which of the three attribute families a policy
// governs. fileclass policies reject on_event/on_event_periodic at
// parse time (spec 4.3: "need_fileclass_update: never/always/periodic
// only ... on_event modes are rejected at parse time").
type Family int

const (
	FamilyMetadata Family = iota
	FamilyPath
	FamilyFileclass
)

// Parse validates a Mode against the family it will govern, enforcing
// spec 4.3's "on_event modes are rejected at parse time" for
// fileclass policies. Callers building a Policy for FamilyFileclass
// must route it through Parse rather than constructing it directly.
func Parse(family Family, mode Mode, min, max time.Duration) (Policy, error) {
	if family == FamilyFileclass && (mode == ModeOnEvent || mode == ModeOnEventPeriodic) {
		return Policy{}, fmt.Errorf("updatepolicy: fileclass update policy cannot be %v", mode)
	}
	return Policy{Mode: mode, Min: min, Max: max}, nil
}

// Snapshot is the minimal view the evaluator needs of a cached
// attribute: when it was last updated, and (for the path family only)
// whether the cached value is a partial path.
type Snapshot struct {
	LastUpdate    time.Time
	HasLastUpdate bool
	PartialPath   bool // only consulted for FamilyPath
}

// Decision is the evaluator's verdict for one attribute family.
type Decision struct {
	Update           bool
	MayUpdateOnEvent bool
}

// NeedInfoUpdate implements spec 4.3's need_info_update for the
// metadata and path families.
func NeedInfoUpdate(p Policy, family Family, snap Snapshot, now time.Time) Decision {
	if !snap.HasLastUpdate {
		return Decision{Update: true}
	}
	if family == FamilyPath && snap.PartialPath {
		return Decision{Update: true}
	}

	switch p.Mode {
	case ModeAlways:
		return Decision{Update: true}
	case ModeNever:
		return Decision{Update: false}
	case ModeOnEvent:
		return Decision{Update: false, MayUpdateOnEvent: true}
	case ModePeriodic:
		return Decision{Update: now.Sub(snap.LastUpdate) >= p.Max}
	case ModeOnEventPeriodic:
		age := now.Sub(snap.LastUpdate)
		if age < p.Min {
			return Decision{Update: false}
		}
		if age >= p.Max {
			return Decision{Update: true}
		}
		return Decision{Update: false, MayUpdateOnEvent: true}
	default:
		return Decision{Update: false}
	}
}

// NeedFileclassUpdate implements spec 4.3's need_fileclass_update: it
// behaves like NeedInfoUpdate restricted to {never, always, periodic},
// and never reports MayUpdateOnEvent since on_event is not a legal
// fileclass mode.
func NeedFileclassUpdate(p Policy, snap Snapshot, now time.Time) Decision {
	if p.Mode == ModeOnEvent || p.Mode == ModeOnEventPeriodic {
		// Should have been rejected by Parse; treat defensively as
		// "always" rather than silently skipping reclassification.
		return Decision{Update: true}
	}
	d := NeedInfoUpdate(p, FamilyFileclass, snap, now)
	d.MayUpdateOnEvent = false
	return d
}
