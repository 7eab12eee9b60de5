// Package policyrun implements the policy run engine (spec component
// C6): the outer scan-and-act loop that pulls candidates from a
// database iterator, refreshes and re-validates each one, matches it
// against a rule tree, schedules its action, and tracks limits,
// suspension thresholds, and end-of-list heuristics.
//
// Grounded on original_source/src/policies/policy_run.c (run_policy,
// fill_workers_queue, the ok_ctr/target_ctr accounting,
// suspend_error_min/pct, the heuristic end-of-list probe) and
// policy_modules/{purge/resmon_purge.c,migration/migr_arch.c} for the
// two canonical policy shapes (space-reclaim vs replicate-then-clear).
package policyrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clusterfs/rbhd/internal/action"
	"github.com/clusterfs/rbhd/internal/sched"
)

// CheckMode controls how much a candidate is revalidated before it is
// matched against the rule tree (spec 4.7 step 1).
type CheckMode int

const (
	CheckNone CheckMode = iota
	CheckCacheOnly
	CheckAutoUpdate
	CheckForceUpdate
)

// Outcome is the per-entry result spec 4.7 reports through queue
// feedback, used both for the run's summary counters and for deciding
// how the row should be updated.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeAccessed
	OutcomeMoved
	OutcomeWhitelisted
	OutcomeOutOfScope
	OutcomeNoPolicy
	OutcomeBadType
	OutcomeBusy
	OutcomeAlready
	OutcomeMissingMD
	OutcomeStatFailure
	OutcomeError
	OutcomeAbort
	OutcomeNotScheduled
)

func (o Outcome) String() string {
	names := [...]string{
		"OK", "ACCESSED", "MOVED", "WHITELISTED", "OUT_OF_SCOPE",
		"NO_POLICY", "BAD_TYPE", "BUSY", "ALREADY", "MISSING_MD",
		"STAT_FAILURE", "ERROR", "ABORT", "NOT_SCHEDULED",
	}
	if int(o) < 0 || int(o) >= len(names) {
		return "UNKNOWN"
	}
	return names[o]
}

// Candidate is one entry under consideration for this policy run.
type Candidate struct {
	EntryID     string
	Size        int64
	LastMod     time.Time
	FileClass   string
	Whitelisted bool // a candidate-selection optimization filter already flagged this one; Engine counts it WHITELISTED without refreshing or re-evaluating it
	Attrs       map[string]any

	// QueuedSortValue and QueuedSize are the sort-attribute value and
	// size this candidate carried when it entered the queue, for the
	// time-ordering invariance check of spec 4.7 step 4. A zero
	// QueuedSortValue disables that check (no prior sample to compare
	// against, e.g. a single-file run).
	QueuedSortValue time.Time
	QueuedSize      int64
}

// Refresher re-stats and re-validates a candidate before it is matched,
// implementing spec 4.7 step 1's check_entry under the configured
// CheckMode. CheckNone/CheckCacheOnly must not touch the filesystem;
// CheckAutoUpdate/CheckForceUpdate may re-stat and refresh status.
type Refresher interface {
	Refresh(ctx context.Context, c Candidate, mode CheckMode) (Candidate, error)
}

// RefresherFunc adapts a plain function to Refresher.
type RefresherFunc func(ctx context.Context, c Candidate, mode CheckMode) (Candidate, error)

func (f RefresherFunc) Refresh(ctx context.Context, c Candidate, mode CheckMode) (Candidate, error) {
	return f(ctx, c, mode)
}

// Rule is one node of the rule tree: a predicate that both selects the
// rule and captures the fileclass it assigns, an optional Condition
// re-checked once more after refresh (spec 4.7 step 6), per-rule
// parameter overrides, and the action to run on a match.
type Rule struct {
	Name      string
	FileClass string // captured fileclass; defaults to Name if empty
	Match     func(Candidate) bool
	Condition func(Candidate) bool // nil = always true

	// ParamOverrides are this rule's action-parameter overrides, merged
	// over the policy defaults and trigger overrides, and under the
	// fileclass overrides (spec 6.3 step 7's four-layer merge order is
	// policy < trigger < rule < fileclass; callers passing rule-level
	// values that should win over a fileclass should fold them into
	// Engine.FileClassOverrides instead).
	ParamOverrides map[string]string

	// Action runs the matched rule's action with the fully merged and
	// placeholder-substituted parameters, returning whatever the action
	// reports back (e.g. ACTION_FUNCTION's post map).
	Action func(ctx context.Context, c Candidate, params map[string]string) (map[string]string, error)
}

// Limits bounds one run (spec 4.7's "Limits and suspension").
type Limits struct {
	TargetCount     int64   // ok_ctr must reach this to stop normally; 0 = unbounded
	TargetVolume    int64   // cumulative bytes; 0 = unbounded
	SuspendErrorMin int     // absolute error count that suspends the run
	SuspendErrorPct float64 // error fraction (of attempts) that suspends the run, e.g. 0.5

	// EOLProbeInterval is how many candidates the fill loop scans
	// between heuristic end-of-list probes (spec 4.7.5): every this-many
	// candidates, a synthetic entry at the last-seen sort value is
	// matched against the full rule tree; if it matches nothing, no
	// later (newer) entry can match either and the pass ends. 0 disables
	// the probe.
	EOLProbeInterval int64
}

// Source supplies candidates, in the order the policy wants them
// considered (the database iterator of spec 6.1; index ordering e.g.
// by age is the caller's responsibility, not this package's).
type Source interface {
	Next(ctx context.Context) (Candidate, bool, error)
}

// Report summarizes one run's outcome.
type Report struct {
	Scanned     int64
	Matched     int64
	Succeeded   int64
	Failed      int64
	VolumeBytes int64
	Suspended   bool
	StoppedEOL  bool
	Duration    time.Duration
	Outcomes    map[Outcome]int64
}

// Engine runs one policy to completion (or suspension).
type Engine struct {
	Name    string
	Rules   []Rule
	Limits  Limits
	Stack   *sched.Stack
	Logger  *slog.Logger
	NowFunc func() time.Time

	// Workers is the fixed worker-pool size processing candidates
	// concurrently once they clear the fill loop (spec 5: "policy run:
	// fixed pool of workers"). 0 defaults to 4.
	Workers int

	// CheckMode and PostCheckMode are spec 4.7 step 1's pre-scheduling
	// check mode and spec 4.8's distinct post-scheduling check mode.
	CheckMode     CheckMode
	PostCheckMode CheckMode

	// IgnorePolicies mirrors --ignore-policies: whitelist/ignore rules
	// and a matched rule's Condition are not evaluated.
	IgnorePolicies bool

	// TimeOrderedOnSize gates the size half of the time-ordering
	// invariance check (spec 4.7 step 4): only last_access/last_mod sort
	// modes also require the size to be unchanged.
	TimeOrderedOnSize bool

	Refresher Refresher
	Scope     func(Candidate) bool
	Whitelist func(Candidate) bool

	// PolicyDefaults and TriggerOverrides are the first two layers of
	// spec 6.3 step 7's parameter merge; FileClassOverrides supplies the
	// fourth, keyed by the fileclass a matched Rule captures.
	PolicyDefaults     map[string]string
	TriggerOverrides   map[string]string
	FileClassOverrides map[string]map[string]string

	// PostAction implements spec 4.7 step 10: update the row per
	// post_action after a successful action, or with fresh attrs (so it
	// isn't retried immediately) after a failed one. A non-nil error is
	// logged but does not fail the run.
	PostAction func(ctx context.Context, c Candidate, outcome Outcome, post map[string]string) error
}

// errRetryLater signals SCHED_DELAY: the candidate was not processed;
// it is counted NOT_SCHEDULED, not as matched or failed, and is not
// queued again in this run.
var errRetryLater = errors.New("policyrun: scheduler delayed this entry")

// errStopRun signals SCHED_STOP_RUN: the run ends as if the candidate
// list were exhausted.
var errStopRun = errors.New("policyrun: scheduler stopped the run")

// Run drives the outer loop described by spec 4.7: a single fill
// goroutine reads Source in order (so the end-of-list heuristic can
// track the last-seen sort value), feeding a fixed worker pool that
// runs the full per-entry lifecycle concurrently. The run stops once
// target_ctr is reached, the suspend threshold trips, a scheduler
// returns STOP_RUN/KILL_RUN, or the end-of-list heuristic fires.
func (e *Engine) Run(ctx context.Context, src Source) (Report, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := e.NowFunc
	if now == nil {
		now = time.Now
	}
	start := now()
	workers := e.Workers
	if workers <= 0 {
		workers = 4
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu         sync.Mutex
		rep        = Report{Outcomes: make(map[Outcome]int64)}
		attempts   int
		runErr     error
		stopReason string
	)

	stopRun := func(reason string, err error) {
		mu.Lock()
		if stopReason == "" {
			stopReason = reason
			runErr = err
		}
		mu.Unlock()
		cancel()
	}

	targetReached := func() bool {
		mu.Lock()
		defer mu.Unlock()
		if e.Limits.TargetCount > 0 && rep.Succeeded >= e.Limits.TargetCount {
			return true
		}
		if e.Limits.TargetVolume > 0 && rep.VolumeBytes >= e.Limits.TargetVolume {
			return true
		}
		return false
	}

	queue := make(chan Candidate, workers*2)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for cand := range queue {
				select {
				case <-runCtx.Done():
					mu.Lock()
					rep.Outcomes[OutcomeAbort]++
					mu.Unlock()
					continue
				default:
				}
				e.handleOne(runCtx, cand, &mu, &rep, &attempts, logger, stopRun)
			}
		}()
	}

	var lastSeenSortValue time.Time
	var scannedSinceProbe int64
	eol := false

fill:
	for {
		select {
		case <-runCtx.Done():
			break fill
		default:
		}
		if targetReached() {
			break fill
		}

		cand, ok, err := src.Next(runCtx)
		if err != nil {
			stopRun("source-error", fmt.Errorf("policyrun: %s: candidate source failed: %w", e.Name, err))
			break fill
		}
		if !ok {
			break fill
		}

		mu.Lock()
		rep.Scanned++
		mu.Unlock()
		lastSeenSortValue = cand.LastMod
		scannedSinceProbe++

		queue <- cand

		if e.Limits.EOLProbeInterval > 0 && scannedSinceProbe >= e.Limits.EOLProbeInterval {
			scannedSinceProbe = 0
			if e.probeEndOfList(lastSeenSortValue) {
				eol = true
				break fill
			}
		}
	}
	close(queue)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	rep.Duration = now().Sub(start)
	if eol {
		rep.StoppedEOL = true
		return rep, nil
	}
	if stopReason == "stoprun" {
		rep.StoppedEOL = true
		return rep, nil
	}
	if stopReason != "" {
		return rep, runErr
	}
	return rep, nil
}

// handleOne runs the full per-entry lifecycle for one candidate and
// folds its outcome into the shared report.
func (e *Engine) handleOne(ctx context.Context, cand Candidate, mu *sync.Mutex, rep *Report, attempts *int, logger *slog.Logger, stopRun func(string, error)) {
	if cand.Whitelisted {
		mu.Lock()
		rep.Outcomes[OutcomeWhitelisted]++
		mu.Unlock()
		return
	}

	outcome, err := e.processOne(ctx, cand)

	mu.Lock()
	rep.Outcomes[outcome]++
	mu.Unlock()

	switch {
	case errors.Is(err, errRetryLater):
		return
	case errors.Is(err, errStopRun):
		stopRun("stoprun", nil)
		return
	case errors.Is(err, sched.ErrKilled):
		stopRun("killrun", sched.ErrKilled)
		return
	}

	switch outcome {
	case OutcomeOK:
		mu.Lock()
		rep.Matched++
		rep.Succeeded++
		rep.VolumeBytes += cand.Size
		*attempts = *attempts + 1
		mu.Unlock()
	case OutcomeError:
		mu.Lock()
		rep.Matched++
		rep.Failed++
		*attempts = *attempts + 1
		failed, att := rep.Failed, *attempts
		mu.Unlock()
		logger.Warn("policy action failed", "policy", e.Name, "entry_id", cand.EntryID, "error", err)
		if e.checkSuspend(failed, att) {
			mu.Lock()
			rep.Suspended = true
			mu.Unlock()
			stopRun("suspend", fmt.Errorf("policyrun: %s: suspended after %d failures in %d attempts", e.Name, failed, att))
		}
	}
}

// processOne implements spec 4.7's per-entry lifecycle: refresh and
// re-validate, evaluate scope/whitelist/time-ordering, match the rule
// tree, re-check the matched rule's condition, merge action parameters,
// schedule, run the action, and update the row.
func (e *Engine) processOne(ctx context.Context, cand Candidate) (Outcome, error) {
	if e.Refresher != nil {
		refreshed, err := e.Refresher.Refresh(ctx, cand, e.CheckMode)
		if err != nil {
			return OutcomeStatFailure, err
		}
		cand = refreshed
	}

	if e.Scope != nil && !e.Scope(cand) {
		return OutcomeOutOfScope, nil
	}

	if !e.IgnorePolicies && e.Whitelist != nil && e.Whitelist(cand) {
		return OutcomeWhitelisted, nil
	}

	if !cand.QueuedSortValue.IsZero() {
		if !cand.QueuedSortValue.Equal(cand.LastMod) {
			return OutcomeAccessed, nil
		}
		if e.TimeOrderedOnSize && cand.QueuedSize != 0 && cand.QueuedSize != cand.Size {
			return OutcomeAccessed, nil
		}
	}

	rule, fileclass := e.firstMatch(cand)
	if rule == nil {
		return OutcomeNoPolicy, nil
	}
	cand.FileClass = fileclass

	if !e.IgnorePolicies && rule.Condition != nil && !rule.Condition(cand) {
		return OutcomeWhitelisted, nil
	}

	params := action.MergeParams(e.PolicyDefaults, e.TriggerOverrides, rule.ParamOverrides, e.FileClassOverrides[fileclass])

	if e.Stack != nil {
		v := e.Stack.Schedule(ctx, sched.Candidate{EntryID: cand.EntryID, Size: cand.Size})
		switch v {
		case sched.SchedDelay:
			return OutcomeNotScheduled, errRetryLater
		case sched.SchedSkipEntry:
			return OutcomeNotScheduled, nil
		case sched.SchedStopRun:
			return OutcomeNotScheduled, errStopRun
		case sched.SchedKillRun:
			return OutcomeNotScheduled, sched.ErrKilled
		}
		if e.Refresher != nil {
			if refreshed, err := e.Refresher.Refresh(ctx, cand, e.PostCheckMode); err == nil {
				cand = refreshed
			}
		}
	}

	post, actErr := rule.Action(ctx, cand, params)

	if e.Stack != nil {
		e.Stack.Release(sched.Candidate{EntryID: cand.EntryID, Size: cand.Size})
	}

	outcome := OutcomeOK
	if actErr != nil {
		outcome = OutcomeError
	}
	if e.PostAction != nil {
		if perr := e.PostAction(ctx, cand, outcome, post); perr != nil {
			logger := e.Logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("post-action row update failed", "policy", e.Name, "entry_id", cand.EntryID, "error", perr)
		}
	}
	if actErr != nil {
		return OutcomeError, actErr
	}
	return OutcomeOK, nil
}

func (e *Engine) firstMatch(c Candidate) (*Rule, string) {
	for i := range e.Rules {
		r := &e.Rules[i]
		if r.Match != nil && r.Match(c) {
			fc := r.FileClass
			if fc == "" {
				fc = r.Name
			}
			return r, fc
		}
	}
	return nil, ""
}

// probeEndOfList implements spec 4.7.5: a synthetic entry whose
// LastMod is the last-seen sort value is matched against scope,
// whitelist, and the rule tree exactly as a real candidate would be;
// if nothing matches, no later (newer) entry can match either, since
// the source is ordered by that same attribute ascending. Every other
// field of the probe is zero-valued, so a predicate that reads another
// field sees its zero value.
func (e *Engine) probeEndOfList(lastSeen time.Time) bool {
	probe := Candidate{LastMod: lastSeen}
	if e.Scope != nil && !e.Scope(probe) {
		return true
	}
	if e.Whitelist != nil && e.Whitelist(probe) {
		return true
	}
	rule, _ := e.firstMatch(probe)
	return rule == nil
}

// checkSuspend implements spec 4.7's suspend_error_min/pct: the run
// suspends once the failure count crosses the absolute floor AND the
// failure fraction of attempts crosses the configured percentage —
// either threshold alone being unset (zero) disables it.
func (e *Engine) checkSuspend(failures int64, attempts int) bool {
	if e.Limits.SuspendErrorMin == 0 && e.Limits.SuspendErrorPct == 0 {
		return false
	}
	if e.Limits.SuspendErrorMin > 0 && failures < int64(e.Limits.SuspendErrorMin) {
		return false
	}
	if e.Limits.SuspendErrorPct > 0 && attempts > 0 {
		if float64(failures)/float64(attempts) < e.Limits.SuspendErrorPct {
			return false
		}
	}
	return true
}

// OutstandingAction is a previously scheduled action that the process
// restarted before observing its result (spec 4.9's outstanding-action
// recovery: "on restart, actions left running must be reconciled
// rather than silently re-issued or silently forgotten").
type OutstandingAction struct {
	EntryID    string
	PolicyName string
	StartedAt  time.Time
}

// RecoveryProbe checks whether an outstanding action actually
// completed while the process was down.
type RecoveryProbe interface {
	// Completed reports whether the action for this entry has already
	// finished (e.g. its status manager shows a terminal state).
	Completed(ctx context.Context, a OutstandingAction) (bool, error)
}

// Reconcile resolves a set of outstanding actions recorded before a
// restart: completed ones are dropped, stale ones (older than
// staleAfter with no evidence of completion) are returned for
// re-scheduling.
func Reconcile(ctx context.Context, probe RecoveryProbe, outstanding []OutstandingAction, staleAfter time.Duration, now time.Time) ([]OutstandingAction, error) {
	var pending []OutstandingAction
	for _, a := range outstanding {
		done, err := probe.Completed(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("policyrun: reconcile %s: %w", a.EntryID, err)
		}
		if done {
			continue
		}
		if now.Sub(a.StartedAt) >= staleAfter {
			pending = append(pending, a)
		}
	}
	return pending, nil
}
