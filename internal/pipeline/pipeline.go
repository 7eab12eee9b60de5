// Package pipeline implements the entry-processor pipeline (spec
// component C4): a fixed seven-stage dataflow that turns a changelog
// record (or a scan result) into a committed database state, enforcing
// per-entry ID-consistency ordering and batching database writes.
//
// Grounded on original_source/src/entry_processor/std_pipeline.c (the
// stage table, Acknowledge, and the entry_id hash-chain constraint) and
// the teacher's internal/core/processing/async_processor.go worker-pool
// idiom.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/clusterfs/rbhd/internal/mask"
)

// Stage identifies one of the seven fixed pipeline stages (spec 3.2).
type Stage int

const (
	StageGetID Stage = iota
	StageGetInfoDB
	StageGetInfoFS
	StagePreApply
	StageDBApply
	StageChangelogClear
	StageGCOldEntries
	numStages
)

func (s Stage) String() string {
	names := [...]string{
		"Get-ID", "Get-info-DB", "Get-info-FS", "Pre-apply",
		"DB-apply", "Changelog-clear", "GC-old-entries",
	}
	if int(s) < 0 || int(s) >= len(names) {
		return "unknown"
	}
	return names[s]
}

// StageConcurrency declares how a stage may run relative to other
// operations (spec 3.2's "PARALLEL|SEQUENTIAL|MAX_THREADS" stage
// flags). ID-constrained stages must serialize operations that share
// an entry ID, to preserve per-entry ordering of changelog effects.
type StageConcurrency int

const (
	ConcurrencyParallel   StageConcurrency = iota // independent of entry ID
	ConcurrencyIDOrdered                           // serialized per entry ID only
	ConcurrencySequential                           // fully serialized (e.g. DB-apply batching)
)

// stageConcurrency is the fixed per-stage table. Get-ID through
// Pre-apply carry the ID_CONSTRAINT (spec 5: "at most one operation
// per identity is in any of those stages"), so they're ID-ordered
// rather than fully parallel; DB-apply batches writes and
// Changelog-clear acknowledges changelog records, both of which must
// run in a single global order, not per-entry-ID order.
var stageConcurrency = [numStages]StageConcurrency{
	StageGetID:          ConcurrencyIDOrdered,
	StageGetInfoDB:       ConcurrencyIDOrdered,
	StageGetInfoFS:       ConcurrencyIDOrdered,
	StagePreApply:        ConcurrencyIDOrdered,
	StageDBApply:         ConcurrencySequential,
	StageChangelogClear:  ConcurrencySequential,
	StageGCOldEntries:    ConcurrencyParallel,
}

// DBOpType is the kind of database write an Operation's DB-apply stage
// will perform (spec 3.2's db_op_type).
type DBOpType int

const (
	DBOpNone DBOpType = iota
	DBOpInsert
	DBOpUpdate
	DBOpRemove
	DBOpSoftRemove
)

// Flags are the per-operation booleans of spec 3.2.
type Flags struct {
	EntryIDIsSet     bool
	DBExists         bool
	GetFIDFromDB     bool
	CheckIfLastEntry bool
	GCEntries        bool
	GCNames          bool
}

// Operation is one unit of pipeline work: one entry, moving through
// the seven fixed stages, carrying its attribute set and the mask of
// attributes each remaining stage still needs to populate.
type Operation struct {
	EntryID    string
	ExtraInfo  any // changelog.Record, a scan result, or nil
	DBOpType   DBOpType
	Flags      Flags
	Attrs      *AttrSet
	FSAttrNeed mask.Mask
	DBAttrNeed mask.Mask

	// RecordIndex is the changelog.Record.Index this operation
	// originated from (zero for scan-sourced operations). Sequential
	// stages dispatch strictly in submission order, so acknowledging
	// Changelog-clear in RecordIndex order only requires submitting
	// operations to the pipeline in that same order.
	RecordIndex uint64

	stage     Stage
	scanEpoch uint64
	ticket    uint64 // submission-order position, assigned by Pipeline.Submit
	seqDone   bool   // true once this operation's ticket has been resolved (run or skipped)

	// onComplete is invoked exactly once, after the operation leaves
	// the pipeline (dropped or having run every stage).
	onComplete func(*Operation, error)
}

// entryHash maps an entry ID to a small integer so ID-ordered stages
// can hash-chain operations: two operations with the same entry ID
// always land in the same worker queue, preserving the order in which
// they were submitted. Grounded on std_pipeline.c's id_constraint hash
// table.
func entryHash(id string, buckets int) int {
	if buckets <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32()) % buckets
}

// StageFunc performs one stage's work for one operation. Returning a
// non-nil error drops the operation from the pipeline.
type StageFunc func(ctx context.Context, op *Operation) error

// Pipeline runs one pool of workers, each draining its own ID-ordered
// queue (an entry ID always hashes to the same worker). Sequential
// stages pass through a ticket reorder gate and run on whichever
// goroutine releases them; Parallel stages run inline in dispatch. It
// is the Go analogue of std_pipeline.c's per-stage thread pools.
type Pipeline struct {
	stages  [numStages]StageFunc
	workers int
	logger  *slog.Logger

	idQueues []chan *Operation // one per worker, for ID-ordered stages
	wg       sync.WaitGroup
	mu       sync.Mutex
	epoch    uint64
	seq      uint64 // submission-order ticket counter, assigned in Submit

	// seqMu guards the Sequential-stage reorder gate: operations reach
	// Get-ID..Pre-apply through independent per-entry-ID worker queues
	// and so can arrive at the Sequential boundary out of submission
	// order; seqPending holds ones waiting their turn, seqSkipped
	// records tickets that resolved without ever needing the Sequential
	// stages (dropped earlier), and seqNext is the next ticket allowed
	// through. This is what makes Changelog-clear's acknowledgment order
	// match submission order (and therefore RecordIndex order) instead
	// of whichever worker happened to finish first.
	seqMu      sync.Mutex
	seqNext    uint64
	seqPending map[uint64]*Operation
	seqSkipped map[uint64]bool

	ackMu         sync.Mutex
	lastRecordAck uint64
}

// Config configures a Pipeline.
type Config struct {
	Workers int
	Logger  *slog.Logger
}

// New constructs a Pipeline. Stage functions not set with SetStage run
// as a no-op that simply advances to the next stage.
func New(cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pipeline{
		workers:    cfg.Workers,
		logger:     cfg.Logger,
		idQueues:   make([]chan *Operation, cfg.Workers),
		seqNext:    1,
		seqPending: make(map[uint64]*Operation),
		seqSkipped: make(map[uint64]bool),
	}
	for i := range p.idQueues {
		p.idQueues[i] = make(chan *Operation, 256)
	}
	return p
}

// SetStage installs the function that implements one stage.
func (p *Pipeline) SetStage(s Stage, fn StageFunc) {
	p.stages[s] = fn
}

// Start launches the worker goroutines that drain the ID-ordered
// queues. Parallel stages run inline in dispatch, on the goroutine
// that reaches them, since they carry no ordering constraint.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop closes every worker queue and waits for drain.
func (p *Pipeline) Stop() {
	for _, q := range p.idQueues {
		close(q)
	}
	p.wg.Wait()
}

// LastAcknowledgedRecordIndex returns the RecordIndex of the most
// recently completed Sequential-stage operation, for callers (and
// tests) verifying the strictly-increasing acknowledgment order spec 8
// requires of Changelog-clear.
func (p *Pipeline) LastAcknowledgedRecordIndex() uint64 {
	p.ackMu.Lock()
	defer p.ackMu.Unlock()
	return p.lastRecordAck
}

// NextScanEpoch allocates a new scan-epoch marker; the GC-old-entries
// stage drops any DB row whose last-seen epoch predates the current
// scan, implementing spec 3.2's "entries not refreshed by the current
// scan are garbage".
func (p *Pipeline) NextScanEpoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	return p.epoch
}

// Submit enqueues op for processing, starting at StageGetID. onComplete
// fires exactly once when the operation leaves the pipeline. ticket is
// assigned here, in caller order, and is what the Sequential-stage
// reorder gate uses to restore submission order later.
func (p *Pipeline) Submit(op *Operation, onComplete func(*Operation, error)) {
	p.mu.Lock()
	p.seq++
	op.ticket = p.seq
	p.mu.Unlock()

	op.stage = StageGetID
	op.onComplete = onComplete
	p.dispatch(context.Background(), op)
}

// dispatch runs all parallel stages for op inline (they carry no
// ordering requirement), routes the first ID-ordered stage it reaches
// onto that worker's queue (preserving entry-ID order going forward),
// or hands the first Sequential stage it reaches to the reorder gate
// (preserving submission/RecordIndex order across every entry, spec
// 5's ID_CONSTRAINT and spec 3.2's single-order requirement on
// DB-apply/Changelog-clear respectively).
func (p *Pipeline) dispatch(ctx context.Context, op *Operation) {
	for {
		if int(op.stage) >= int(numStages) {
			p.finish(op, nil)
			return
		}
		fn := p.stages[op.stage]
		switch stageConcurrency[op.stage] {
		case ConcurrencyParallel:
			if fn != nil {
				if err := fn(ctx, op); err != nil {
					p.finish(op, err)
					return
				}
			}
			op.stage++
			continue
		case ConcurrencySequential:
			p.seqEnter(ctx, op)
			return
		default: // ID-ordered: queue and let a worker drive the rest
			idx := entryHash(op.EntryID, p.workers)
			select {
			case p.idQueues[idx] <- op:
			default:
				p.logger.Warn("pipeline queue full, blocking", "stage", op.stage.String(), "entry_id", op.EntryID)
				p.idQueues[idx] <- op
			}
			return
		}
	}
}

// worker drains one ID-ordered queue, running every remaining stage
// for each operation in order before handing it back to dispatch (for
// a trailing parallel or sequential stage) or finishing it.
func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With("worker_id", id)
	for op := range p.idQueues[id] {
		p.drive(ctx, op, log)
	}
}

// drive runs op forward from its current stage until it either hits a
// stage whose concurrency class differs from the one it is currently
// being driven under (handed back to dispatch to re-route) or leaves
// the pipeline.
func (p *Pipeline) drive(ctx context.Context, op *Operation, log *slog.Logger) {
	home := stageConcurrency[op.stage]
	for int(op.stage) < int(numStages) {
		conc := stageConcurrency[op.stage]
		if conc != home {
			p.dispatch(ctx, op)
			return
		}
		if err := p.runStage(ctx, op, log); err != nil {
			return
		}
		if int(op.stage) >= int(numStages) {
			p.finish(op, nil)
			return
		}
	}
}

// runStage executes op's current stage function and advances op.stage,
// returning the stage's error (having already finished/dropped op) so
// callers can stop driving it further.
func (p *Pipeline) runStage(ctx context.Context, op *Operation, log *slog.Logger) error {
	cur := op.stage
	fn := p.stages[cur]
	if fn != nil {
		if err := fn(ctx, op); err != nil {
			log.Debug("operation dropped", "stage", op.stage.String(), "entry_id", op.EntryID, "error", err)
			if !op.seqDone && op.stage < StageDBApply {
				p.seqResolve(op.ticket)
			}
			p.finish(op, err)
			return err
		}
	}
	if cur == StageChangelogClear {
		p.ackMu.Lock()
		p.lastRecordAck = op.RecordIndex
		p.ackMu.Unlock()
	}
	if op.stage == cur {
		op.stage++
	} else if !op.seqDone && op.stage > StageChangelogClear {
		// Acknowledge skipped both Sequential stages: release the ticket.
		p.seqResolve(op.ticket)
	}
	return nil
}

// seqEnter hands op to the Sequential-stage reorder gate: it runs
// immediately if op's ticket is next in line, otherwise it waits in
// seqPending until every earlier ticket has resolved.
func (p *Pipeline) seqEnter(ctx context.Context, op *Operation) {
	p.seqMu.Lock()
	p.seqPending[op.ticket] = op
	ready := p.popReadySequentialLocked()
	p.seqMu.Unlock()

	log := p.logger.With("worker_id", "sequential")
	for _, o := range ready {
		p.drive(ctx, o, log)
	}
}

// seqResolve marks ticket settled without ever running the Sequential
// stages (the operation dropped earlier) and releases whichever
// pending operations are now unblocked.
func (p *Pipeline) seqResolve(ticket uint64) {
	p.seqMu.Lock()
	p.seqSkipped[ticket] = true
	ready := p.popReadySequentialLocked()
	p.seqMu.Unlock()

	log := p.logger.With("worker_id", "sequential")
	for _, o := range ready {
		p.drive(context.Background(), o, log)
	}
}

// popReadySequentialLocked must be called with seqMu held. It pops and
// returns, in ticket order, every pending operation that can now run,
// advancing seqNext past any ticket that resolved without needing the
// Sequential stages.
func (p *Pipeline) popReadySequentialLocked() []*Operation {
	var ready []*Operation
	for {
		if p.seqSkipped[p.seqNext] {
			delete(p.seqSkipped, p.seqNext)
			p.seqNext++
			continue
		}
		op, ok := p.seqPending[p.seqNext]
		if !ok {
			return ready
		}
		delete(p.seqPending, p.seqNext)
		op.seqDone = true
		ready = append(ready, op)
		p.seqNext++
	}
}

func (p *Pipeline) finish(op *Operation, err error) {
	if op.onComplete != nil {
		op.onComplete(op, err)
	}
}

// Acknowledge advances op to nextStage explicitly, or drops it when
// drop is true. This is the direct analogue of std_pipeline.c's
// Acknowledge(), exposed for stage implementations that need to skip
// stages (e.g. Pre-apply deciding DB-apply is unnecessary).
func Acknowledge(op *Operation, nextStage Stage, drop bool) error {
	if drop {
		return fmt.Errorf("pipeline: operation for entry %s dropped at %s", op.EntryID, op.stage)
	}
	op.stage = nextStage
	return nil
}
