package trigger

import (
	"testing"
	"time"

	"github.com/clusterfs/rbhd/internal/updatepolicy"
)

func baseConfig() PolicyTriggerConfig {
	return PolicyTriggerConfig{
		PolicyName:      "purge",
		Triggers:        []Trigger{{Kind: KindPeriodic, Interval: time.Hour}},
		RecheckIgnored:  true,
		FileclassUpdate: updatepolicy.Policy{Mode: updatepolicy.ModePeriodic, Max: time.Hour},
		NbThreads:       4,
		QueueSize:       1000,
		LRUSortAttr:     "last_mod",
	}
}

func TestValidateRejectsOnEventFileclassWithoutRecheck(t *testing.T) {
	cfg := baseConfig()
	cfg.RecheckIgnored = false
	cfg.FileclassUpdate = updatepolicy.Policy{Mode: updatepolicy.ModeOnEvent}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected on_event fileclass + recheck_ignored=false to be rejected")
	}
}

func TestValidateRejectsOnEventFileclassOutright(t *testing.T) {
	cfg := baseConfig()
	cfg.FileclassUpdate = updatepolicy.Policy{Mode: updatepolicy.ModeOnEvent}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected updatepolicy.Parse to reject on_event for fileclass regardless of recheck flag")
	}
}

func TestUsageTriggerRequiresTarget(t *testing.T) {
	tr := Trigger{Kind: KindUserUsage, HighThreshold: 0.9, LowThreshold: 0.8}
	if err := tr.validate(); err == nil {
		t.Fatalf("expected user_usage trigger without a target to be rejected")
	}
}

func TestReloadRejectsImmutableFieldChange(t *testing.T) {
	c, err := NewCoordinator(baseConfig())
	if err != nil {
		t.Fatalf("unexpected error constructing coordinator: %v", err)
	}
	next := baseConfig()
	next.NbThreads = 8
	if err := c.Reload(next); err == nil {
		t.Fatalf("expected reload changing nb_threads to be rejected")
	}
}

func TestReloadAcceptsMutableFieldChange(t *testing.T) {
	c, err := NewCoordinator(baseConfig())
	if err != nil {
		t.Fatalf("unexpected error constructing coordinator: %v", err)
	}
	next := baseConfig()
	next.Triggers = []Trigger{{Kind: KindPeriodic, Interval: 2 * time.Hour}}
	if err := c.Reload(next); err != nil {
		t.Fatalf("expected reload changing only trigger interval to succeed: %v", err)
	}
	if c.Current().Triggers[0].Interval != 2*time.Hour {
		t.Fatalf("expected reloaded config to be published")
	}
}
