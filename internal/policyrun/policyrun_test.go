package policyrun

import (
	"context"
	"errors"
	"testing"
	"time"
)

type sliceSource struct {
	items []Candidate
	i     int
}

func (s *sliceSource) Next(_ context.Context) (Candidate, bool, error) {
	if s.i >= len(s.items) {
		return Candidate{}, false, nil
	}
	c := s.items[s.i]
	s.i++
	return c, true, nil
}

func alwaysMatch(context.Context, Candidate, map[string]string) (map[string]string, error) {
	return nil, nil
}

func TestRunStopsAtTargetCount(t *testing.T) {
	src := &sliceSource{items: []Candidate{{EntryID: "a"}, {EntryID: "b"}, {EntryID: "c"}}}
	e := &Engine{
		Name:    "purge",
		Workers: 1,
		Rules:   []Rule{{Name: "all", Match: func(Candidate) bool { return true }, Action: alwaysMatch}},
		Limits:  Limits{TargetCount: 2},
	}
	rep, err := e.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Succeeded < 2 {
		t.Fatalf("expected at least 2 successes before the target stopped the run, got %d", rep.Succeeded)
	}
}

func TestRunSuspendsOnErrorThreshold(t *testing.T) {
	items := make([]Candidate, 10)
	for i := range items {
		items[i] = Candidate{EntryID: string(rune('a' + i))}
	}
	src := &sliceSource{items: items}
	e := &Engine{
		Name:    "purge",
		Workers: 1,
		Rules: []Rule{{
			Name:  "fail-all",
			Match: func(Candidate) bool { return true },
			Action: func(context.Context, Candidate, map[string]string) (map[string]string, error) {
				return nil, errors.New("boom")
			},
		}},
		Limits: Limits{SuspendErrorMin: 2, SuspendErrorPct: 0.5},
	}
	rep, err := e.Run(context.Background(), src)
	if err == nil {
		t.Fatalf("expected suspension error")
	}
	if !rep.Suspended {
		t.Fatalf("expected report to flag suspension")
	}
	if rep.Failed < 2 {
		t.Fatalf("expected at least SuspendErrorMin failures before suspending, got %d", rep.Failed)
	}
}

// TestRunEndOfListHeuristic covers spec 4.7.5: once the synthetic
// probe entry (all time attributes pinned to the last-seen sort value)
// fails to match the rule tree, the pass ends even though the source
// still has unscanned candidates behind it.
func TestRunEndOfListHeuristic(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []Candidate{
		{EntryID: "a", LastMod: base, FileClass: "old"},
		{EntryID: "b", LastMod: base.Add(time.Hour), FileClass: "old"},
		{EntryID: "c", LastMod: base.Add(2 * time.Hour), FileClass: "too-new"},
		{EntryID: "d", LastMod: base.Add(3 * time.Hour), FileClass: "too-new"},
	}
	src := &sliceSource{items: items}

	cutoff := base.Add(90 * time.Minute)
	e := &Engine{
		Name:    "purge",
		Workers: 1,
		Rules: []Rule{{
			Name:  "old-enough",
			Match: func(c Candidate) bool { return !c.LastMod.After(cutoff) },
			Action: func(context.Context, Candidate, map[string]string) (map[string]string, error) {
				return nil, nil
			},
		}},
		Limits: Limits{EOLProbeInterval: 1},
	}
	rep, err := e.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rep.StoppedEOL {
		t.Fatalf("expected the synthetic-probe heuristic to stop the pass once entries pass the cutoff")
	}
	if rep.Scanned >= int64(len(items)) {
		t.Fatalf("expected the pass to end before scanning every candidate, scanned %d of %d", rep.Scanned, len(items))
	}
}

// TestRunCapturesFileclassAndMergesParams covers spec 4.7 steps 5-7: a
// matched rule captures its fileclass, and the action receives
// parameters merged policy-defaults < trigger < rule < fileclass, each
// layer overriding the last.
func TestRunCapturesFileclassAndMergesParams(t *testing.T) {
	var gotParams map[string]string
	var gotCandidate Candidate
	src := &sliceSource{items: []Candidate{{EntryID: "a"}}}

	e := &Engine{
		Name:    "archive",
		Workers: 1,
		Rules: []Rule{{
			Name:           "hot",
			FileClass:      "hot_tier",
			Match:          func(Candidate) bool { return true },
			ParamOverrides: map[string]string{"target": "tier2", "dry_run": "false"},
			Action: func(_ context.Context, c Candidate, params map[string]string) (map[string]string, error) {
				gotCandidate = c
				gotParams = params
				return nil, nil
			},
		}},
		PolicyDefaults:   map[string]string{"dry_run": "true", "compress": "gzip"},
		TriggerOverrides: map[string]string{"target": "tier1"},
		FileClassOverrides: map[string]map[string]string{
			"hot_tier": {"compress": "zstd"},
		},
	}
	rep, err := e.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Succeeded != 1 {
		t.Fatalf("expected 1 success, got %d", rep.Succeeded)
	}
	if gotCandidate.FileClass != "hot_tier" {
		t.Fatalf("expected the matched rule's fileclass to be captured onto the candidate, got %q", gotCandidate.FileClass)
	}
	if gotParams["dry_run"] != "false" {
		t.Fatalf("expected the rule override to win over the policy default, got %q", gotParams["dry_run"])
	}
	if gotParams["target"] != "tier2" {
		t.Fatalf("expected the rule override to win over the trigger override, got %q", gotParams["target"])
	}
	if gotParams["compress"] != "zstd" {
		t.Fatalf("expected the fileclass override to win over the policy default, got %q", gotParams["compress"])
	}
}

// TestRunTimeOrderingInvarianceReportsAccessed covers spec 4.7 step 4:
// a candidate whose sort-attribute value changed between entering the
// queue and being processed must not be matched against the rule tree.
func TestRunTimeOrderingInvarianceReportsAccessed(t *testing.T) {
	queued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := queued.Add(time.Minute)
	src := &sliceSource{items: []Candidate{{EntryID: "a", LastMod: fresh, QueuedSortValue: queued}}}

	actionRan := false
	e := &Engine{
		Name:    "purge",
		Workers: 1,
		Rules: []Rule{{
			Name:  "all",
			Match: func(Candidate) bool { return true },
			Action: func(context.Context, Candidate, map[string]string) (map[string]string, error) {
				actionRan = true
				return nil, nil
			},
		}},
	}
	rep, err := e.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actionRan {
		t.Fatalf("expected the action not to run for an entry accessed since it entered the queue")
	}
	if rep.Outcomes[OutcomeAccessed] != 1 {
		t.Fatalf("expected 1 ACCESSED outcome, got %d", rep.Outcomes[OutcomeAccessed])
	}
}

// TestRunConditionRecheckWhitelistsMatch covers spec 4.7 step 6: a
// rule's boolean condition is re-checked after the match, and a
// now-false condition whitelists the entry instead of running the
// action.
func TestRunConditionRecheckWhitelistsMatch(t *testing.T) {
	src := &sliceSource{items: []Candidate{{EntryID: "a"}}}
	actionRan := false
	e := &Engine{
		Name:    "purge",
		Workers: 1,
		Rules: []Rule{{
			Name:      "all",
			Match:     func(Candidate) bool { return true },
			Condition: func(Candidate) bool { return false },
			Action: func(context.Context, Candidate, map[string]string) (map[string]string, error) {
				actionRan = true
				return nil, nil
			},
		}},
	}
	rep, err := e.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actionRan {
		t.Fatalf("expected the action not to run once the rule's condition re-check fails")
	}
	if rep.Outcomes[OutcomeWhitelisted] != 1 {
		t.Fatalf("expected 1 WHITELISTED outcome, got %d", rep.Outcomes[OutcomeWhitelisted])
	}
}

// TestRunScopeAndWhitelistOutcomes covers spec 4.7 steps 2-3.
func TestRunScopeAndWhitelistOutcomes(t *testing.T) {
	src := &sliceSource{items: []Candidate{{EntryID: "out-of-scope"}, {EntryID: "whitelisted"}}}
	e := &Engine{
		Name:    "purge",
		Workers: 1,
		Scope:   func(c Candidate) bool { return c.EntryID != "out-of-scope" },
		Whitelist: func(c Candidate) bool { return c.EntryID == "whitelisted" },
		Rules:   []Rule{{Name: "all", Match: func(Candidate) bool { return true }, Action: alwaysMatch}},
	}
	rep, err := e.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Outcomes[OutcomeOutOfScope] != 1 {
		t.Fatalf("expected 1 OUT_OF_SCOPE outcome, got %d", rep.Outcomes[OutcomeOutOfScope])
	}
	if rep.Outcomes[OutcomeWhitelisted] != 1 {
		t.Fatalf("expected 1 WHITELISTED outcome, got %d", rep.Outcomes[OutcomeWhitelisted])
	}
}

type fakeProbe struct{ completed map[string]bool }

func (f fakeProbe) Completed(_ context.Context, a OutstandingAction) (bool, error) {
	return f.completed[a.EntryID], nil
}

func TestReconcileDropsCompletedKeepsStalePending(t *testing.T) {
	now := time.Now()
	outstanding := []OutstandingAction{
		{EntryID: "done", StartedAt: now.Add(-time.Hour)},
		{EntryID: "stale", StartedAt: now.Add(-time.Hour)},
		{EntryID: "fresh", StartedAt: now.Add(-time.Second)},
	}
	probe := fakeProbe{completed: map[string]bool{"done": true}}
	pending, err := Reconcile(context.Background(), probe, outstanding, 10*time.Minute, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 1 || pending[0].EntryID != "stale" {
		t.Fatalf("expected only the stale, incomplete action to be pending, got %+v", pending)
	}
}
