// Package trigger implements trigger configuration and live reload
// (spec component C8): the conditions that start a policy run
// (periodic, scheduled, global/user/group/OST/pool usage thresholds),
// validation of the fileclass/on_event restriction, and hot reload
// with immutable-field rejection.
//
// Grounded on original_source/src/policies/policy_run_cfg.c, and on
// the teacher's internal/config.ReloadCoordinator atomic-swap idiom
// (kept as a pattern, not copied: triggers have no distributed lock or
// multi-component rollback to coordinate).
package trigger

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/clusterfs/rbhd/internal/updatepolicy"
)

// Kind enumerates the trigger types of spec 4.8.
type Kind string

const (
	KindPeriodic     Kind = "periodic"
	KindScheduled    Kind = "scheduled" // cron-style wall-clock trigger
	KindGlobalUsage  Kind = "global_usage"
	KindUserUsage    Kind = "user_usage"
	KindGroupUsage   Kind = "group_usage"
	KindOSTUsage     Kind = "ost_usage"
	KindPoolUsage    Kind = "pool_usage"
)

// Trigger is one configured trigger instance.
type Trigger struct {
	Kind Kind

	// Periodic / scheduled
	Interval time.Duration
	Cron     string

	// Usage-threshold triggers (global/user/group/OST/pool)
	HighThreshold float64 // start a run above this usage fraction
	LowThreshold  float64 // stop once usage falls back below this
	Target        string  // principal name for user/group/OST/pool kinds
}

// validate enforces spec 4.8's structural rules for one trigger.
func (t Trigger) validate() error {
	switch t.Kind {
	case KindPeriodic:
		if t.Interval <= 0 {
			return fmt.Errorf("trigger: periodic trigger requires a positive interval")
		}
	case KindScheduled:
		if t.Cron == "" {
			return fmt.Errorf("trigger: scheduled trigger requires a cron expression")
		}
	case KindGlobalUsage, KindUserUsage, KindGroupUsage, KindOSTUsage, KindPoolUsage:
		if t.HighThreshold <= 0 || t.HighThreshold > 1 {
			return fmt.Errorf("trigger: %s high_threshold must be in (0,1]", t.Kind)
		}
		if t.LowThreshold < 0 || t.LowThreshold >= t.HighThreshold {
			return fmt.Errorf("trigger: %s low_threshold must be below high_threshold", t.Kind)
		}
		if t.Kind != KindGlobalUsage && t.Target == "" {
			return fmt.Errorf("trigger: %s requires a target principal", t.Kind)
		}
	default:
		return fmt.Errorf("trigger: unknown kind %q", t.Kind)
	}
	return nil
}

// PolicyTriggerConfig is the full, validated trigger+freshness
// configuration of one policy (spec 4.8 groups triggers with the
// update-policy settings they gate).
type PolicyTriggerConfig struct {
	PolicyName          string
	Triggers            []Trigger
	RecheckIgnored      bool
	FileclassUpdate     updatepolicy.Policy
	NbThreads           int
	QueueSize           int
	LRUSortAttr         string
}

// immutable fields cannot change across a live reload without
// restarting worker pools/LRU structures built around their old
// values (spec 4.8: "nb_threads, queue_size, and lru_sort_attr are
// rejected by a live reload").
func (c PolicyTriggerConfig) immutableDiff(next PolicyTriggerConfig) error {
	if c.NbThreads != next.NbThreads {
		return fmt.Errorf("trigger: nb_threads is immutable across reload (%d -> %d)", c.NbThreads, next.NbThreads)
	}
	if c.QueueSize != next.QueueSize {
		return fmt.Errorf("trigger: queue_size is immutable across reload (%d -> %d)", c.QueueSize, next.QueueSize)
	}
	if c.LRUSortAttr != next.LRUSortAttr {
		return fmt.Errorf("trigger: lru_sort_attr is immutable across reload (%q -> %q)", c.LRUSortAttr, next.LRUSortAttr)
	}
	return nil
}

// Validate checks every trigger plus the cross-cutting
// recheck_ignored_entries / fileclass on_event restriction (spec 4.8's
// documented Open Question: on_event fileclass freshness combined with
// recheck_ignored_entries=false is rejected outright, since an ignored
// entry would then never be reclassified).
func (c PolicyTriggerConfig) Validate() error {
	for _, tr := range c.Triggers {
		if err := tr.validate(); err != nil {
			return err
		}
	}
	if !c.RecheckIgnored &&
		(c.FileclassUpdate.Mode == updatepolicy.ModeOnEvent || c.FileclassUpdate.Mode == updatepolicy.ModeOnEventPeriodic) {
		return fmt.Errorf("trigger: recheck_ignored_entries=false is incompatible with an on_event fileclass update policy")
	}
	if _, err := updatepolicy.Parse(updatepolicy.FamilyFileclass, c.FileclassUpdate.Mode, c.FileclassUpdate.Min, c.FileclassUpdate.Max); err != nil {
		return err
	}
	return nil
}

// Coordinator holds the live configuration for one policy's triggers
// and publishes each accepted reload as a whole. Readers call
// Current(), which is lock-free (atomic.Value), matching the teacher's
// reload-coordinator pattern of publishing immutable snapshots. Reload
// takes no lock: concurrent Reload calls are each checked against the
// configuration current when they run, and the last one stored wins.
type Coordinator struct {
	current atomic.Value // PolicyTriggerConfig
}

// NewCoordinator validates and publishes the initial configuration.
func NewCoordinator(initial PolicyTriggerConfig) (*Coordinator, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{}
	c.current.Store(initial)
	return c, nil
}

// Current returns the live configuration.
func (c *Coordinator) Current() PolicyTriggerConfig {
	return c.current.Load().(PolicyTriggerConfig)
}

// Reload validates next, rejects it if it changes an immutable field
// relative to the currently published configuration, and otherwise
// atomically publishes it.
func (c *Coordinator) Reload(next PolicyTriggerConfig) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("trigger: reload rejected: %w", err)
	}
	cur := c.Current()
	if err := cur.immutableDiff(next); err != nil {
		return fmt.Errorf("trigger: reload rejected: %w", err)
	}
	c.current.Store(next)
	return nil
}
