package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrencyLimiterDelaysOnceFull(t *testing.T) {
	l := NewConcurrencyLimiter(1)
	ctx := context.Background()
	c := Candidate{EntryID: "e1"}

	if v := l.Admit(ctx, c); v != SchedOK {
		t.Fatalf("expected first admission to succeed, got %v", v)
	}
	if v := l.Admit(ctx, c); v != SchedDelay {
		t.Fatalf("expected second admission to delay, got %v", v)
	}
	l.Release(c)
	if v := l.Admit(ctx, c); v != SchedOK {
		t.Fatalf("expected admission after release to succeed, got %v", v)
	}
}

func TestVolumeLimiterStopsRunOverBudget(t *testing.T) {
	v := NewVolumeLimiter(100)
	ctx := context.Background()
	if got := v.Admit(ctx, Candidate{EntryID: "a", Size: 60}); got != SchedOK {
		t.Fatalf("expected first candidate within budget to be admitted, got %v", got)
	}
	if got := v.Admit(ctx, Candidate{EntryID: "b", Size: 60}); got != SchedStopRun {
		t.Fatalf("expected second candidate over budget to stop the run, got %v", got)
	}
}

// funcStage is a Stage whose Admit verdict is supplied by a test.
type funcStage struct {
	fn      func(Candidate) Verdict
	release int32
}

func (f *funcStage) Admit(_ context.Context, c Candidate) Verdict { return f.fn(c) }
func (f *funcStage) Release(_ Candidate)                          { atomic.AddInt32(&f.release, 1) }

// gatedStage blocks every Admit call until its gate channel is closed,
// then always returns SchedOK.
type gatedStage struct {
	gate    chan struct{}
	admits  int32
	release int32
}

func (g *gatedStage) Admit(_ context.Context, _ Candidate) Verdict {
	atomic.AddInt32(&g.admits, 1)
	<-g.gate
	return SchedOK
}
func (g *gatedStage) Release(_ Candidate) { atomic.AddInt32(&g.release, 1) }

// TestStackRetriesScheduleDelayAfterRescheduleDelay covers spec 4.8:
// "on SCHED_DELAY it retries after reschedule_delay_ms". A stage that
// delays exactly once then admits must still resolve to SCHED_OK from
// the caller's point of view, after roughly one reschedule interval.
func TestStackRetriesScheduleDelayAfterRescheduleDelay(t *testing.T) {
	var attempts int32
	stage := &funcStage{fn: func(Candidate) Verdict {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return SchedDelay
		}
		return SchedOK
	}}

	const delay = 40 * time.Millisecond
	stack := NewWithDelay(delay, stage)
	defer stack.Close()

	start := time.Now()
	v := stack.Schedule(context.Background(), Candidate{EntryID: "x"})
	elapsed := time.Since(start)

	if v != SchedOK {
		t.Fatalf("expected eventual SCHED_OK after one retry, got %v", v)
	}
	if elapsed < delay {
		t.Fatalf("expected the retry to wait at least the reschedule delay (%v), took %v", delay, elapsed)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected exactly 2 admit attempts, got %d", got)
	}
}

// TestScenarioFiveStopRunFlushesEarlierScheduler covers spec section 8
// scenario 5: a stack of two schedulers S0, S1. Entry A has already
// cleared S0 and is admitted into S1; entry B is pushed to S0 and gets
// SCHED_STOP_RUN. S0 (the only scheduler with index < 1) is flushed, B
// is acknowledged SKIP_ENTRY, and the stack accepts no further
// candidates — but A, already inside S1, keeps running to completion.
func TestScenarioFiveStopRunFlushesEarlierScheduler(t *testing.T) {
	s0 := &funcStage{fn: func(c Candidate) Verdict {
		if c.EntryID == "A" {
			return SchedOK
		}
		return SchedStopRun
	}}
	s1 := &gatedStage{gate: make(chan struct{})}

	stack := NewWithDelay(10*time.Millisecond, s0, s1)
	defer stack.Close()

	aDone := make(chan Verdict, 1)
	stack.ScheduleAsync(context.Background(), Candidate{EntryID: "A"}, func(v Verdict) { aDone <- v })

	// Wait for A to clear S0 and block inside S1, so B's STOP_RUN is
	// guaranteed to observe A already past the flushed scheduler.
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&s1.admits) == 0 {
		select {
		case <-deadline:
			t.Fatal("A never reached S1")
		case <-time.After(time.Millisecond):
		}
	}

	bDone := make(chan Verdict, 1)
	stack.ScheduleAsync(context.Background(), Candidate{EntryID: "B"}, func(v Verdict) { bDone <- v })

	select {
	case v := <-bDone:
		if v != SchedSkipEntry {
			t.Fatalf("expected B to be ack'd SCHED_SKIP_ENTRY by the STOP_RUN, got %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("B was never acknowledged")
	}

	if !stack.isStopped() {
		t.Fatal("expected the stack to record stopped after SCHED_STOP_RUN")
	}
	if stack.Killed() {
		t.Fatal("SCHED_STOP_RUN must not be reported as killed")
	}

	// A was already admitted into S1 before the stop; it must still be
	// allowed to finish.
	close(s1.gate)
	select {
	case v := <-aDone:
		if v != SchedOK {
			t.Fatalf("expected A, already inside S1, to complete with SCHED_OK, got %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("A never completed")
	}

	// A fresh submission after the stop must not reach any scheduler.
	cDone := make(chan Verdict, 1)
	stack.ScheduleAsync(context.Background(), Candidate{EntryID: "C"}, func(v Verdict) { cDone <- v })
	select {
	case v := <-cDone:
		if v != SchedSkipEntry {
			t.Fatalf("expected a post-stop submission to be ack'd SCHED_SKIP_ENTRY, got %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("C was never acknowledged")
	}
}

// TestKillRunFlushesEveryScheduler covers spec 4.8's SCHED_KILL_RUN:
// every scheduler in the stack is flushed, not just the earlier ones,
// and the triggering candidate is reported SCHED_KILL_RUN (a run
// failure) rather than SCHED_SKIP_ENTRY.
func TestKillRunFlushesEveryScheduler(t *testing.T) {
	s0 := &funcStage{fn: func(Candidate) Verdict { return SchedKillRun }}
	s1 := &funcStage{fn: func(Candidate) Verdict { return SchedOK }}

	stack := NewWithDelay(10*time.Millisecond, s0, s1)
	defer stack.Close()

	v := stack.Schedule(context.Background(), Candidate{EntryID: "x"})
	if v != SchedKillRun {
		t.Fatalf("expected SCHED_KILL_RUN to surface to the caller, got %v", v)
	}
	if !stack.Killed() {
		t.Fatal("expected the stack to record killed after SCHED_KILL_RUN")
	}
}
