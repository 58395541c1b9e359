// Package ooocore implements the out-of-order pipeline of spec.md §4:
// fetch/decode through the shared bbcache and decode packages, rename via
// physreg, dispatch into rob/issueq/lsq, tag-broadcast issue and
// Tomasulo-style wakeup, real (if architecturally arbitrary) execution of
// ALU/address/branch/memory uops, in-order commit, and branch/fault/alias
// recovery through annul.
//
// Per-cycle stage order follows the teacher's convention of processing a
// pipeline back-to-front within a cycle (commit before dispatch, dispatch
// before fetch) so that a stage never observes a value produced in the
// same cycle by a stage that logically comes before it: a block fetched in
// one cycle is dispatched in the next at the earliest.
package ooocore

import (
	"github.com/avadhpatel/suprax-core/bbcache"
	"github.com/avadhpatel/suprax-core/config"
	"github.com/avadhpatel/suprax-core/decode"
	"github.com/avadhpatel/suprax-core/extiface"
	"github.com/avadhpatel/suprax-core/issueq"
	"github.com/avadhpatel/suprax-core/logx"
	"github.com/avadhpatel/suprax-core/lsq"
	"github.com/avadhpatel/suprax-core/physreg"
	"github.com/avadhpatel/suprax-core/rip"
	"github.com/avadhpatel/suprax-core/rob"
	"github.com/avadhpatel/suprax-core/stats"
	"github.com/avadhpatel/suprax-core/tlbwalk"
	"github.com/avadhpatel/suprax-core/uop"
	"github.com/rs/zerolog"
)

// Thread is the architectural and rename state private to one hardware
// thread context.
type Thread struct {
	ID        int
	Ctx       extiface.Context
	SpecRRT   physreg.RRT
	CommitRRT physreg.RRT

	fetchRIP  uint64
	pending   *uop.BasicBlock // decoded, not yet fully dispatched
	pendingAt int             // next uop index within pending to dispatch

	// pendingPredictedRIP is the branch predictor's answer for pending's
	// terminator, computed once at fetch time and stamped onto the
	// terminator uop's ROB entry at dispatch (spec.md §4.4, §4.7).
	pendingPredictedRIP uint64

	// dtlb is a page-granularity "this translation is resident" set,
	// driving TLB-hit/miss timing only; Context.CheckAndTranslate alone is
	// the source of translation correctness (spec.md §4.6).
	dtlb map[uint64]bool

	// lockHeld/lockAddr track the single outstanding cache-line lock a
	// locked RMW's load takes at execute (or its store, if no load took it)
	// and its store releases at execute (see lsq.Queue.Lock); the fence
	// uops do not touch it. The toy decoder's lock sequence never nests locked
	// regions, so one outstanding lock per thread is sufficient.
	lockHeld bool
	lockAddr uint64
}

// execSlot models one in-flight issued uop awaiting a fixed one-cycle
// writeback latency after execute has already computed its result. Real
// functional-unit latency variation is out of scope (spec.md treats
// execution latencies as a configuration surface, not a design point).
type execSlot struct {
	robIndex int32
	robGen   uint32
	iqSlot   int
	threadID int
	value    uint64
	flags    uop.FlagMask
}

// pendingWalk is one TLB walk in flight, parked outside the issue queue
// until tlbwalk.Walk.Step reports Done (spec.md §4.6).
type pendingWalk struct {
	walk     *tlbwalk.Walk
	threadID int
	robIndex int32
	robGen   uint32
}

// Core is one out-of-order execution core.
type Core struct {
	ID  int
	Cfg config.CoreConfig

	Decoder *decode.Decoder
	BBCache *bbcache.Cache

	IntFile  *physreg.File
	FlagFile *physreg.File // spec.md §4.2 requires a distinct flags file; this toy decoder's RegFlags scratch register is renamed through IntFile instead (see DESIGN.md), so FlagFile stays allocated but unexercised.
	ZeroFile *physreg.File

	ROB *rob.Arena
	IQ  *issueq.Queue
	LSQ *lsq.Queue

	MH      extiface.MemoryHierarchy
	BP      extiface.BranchPredictor
	Assists extiface.AssistTable
	Stats   stats.Stats
	Log     zerolog.Logger

	Threads []*Thread

	cycle    uint64
	inFlight []execSlot
	tlbWalks []*pendingWalk

	// toReplay holds issue-queue slots an execute attempt rejected
	// (cache/lock/ordering contention) this cycle; they're handed back to
	// issueq.Replay at the start of the NEXT tickIssue so a same-cycle
	// retry can't starve every other ready slot behind a doomed one.
	toReplay []int
}

// New builds a Core from cfg, wiring in the external collaborators the
// simulator host supplies.
func New(id int, cfg config.CoreConfig, src decode.ByteSource, mh extiface.MemoryHierarchy, bp extiface.BranchPredictor, assists extiface.AssistTable, st stats.Stats) *Core {
	if st == nil {
		st = stats.Noop{}
	}
	// A core with EnableLSAP off is given no alias predictor at all, so
	// lsq.Queue.ProbeForward's knownAliaser gate is always false: a load
	// never waits on an older store whose address is unresolved, it races
	// ahead, and no aliasing RIP is recorded (spec.md's Open Question on
	// whether LSAP ships on by default; see DESIGN.md).
	var lsap *extiface.LSAP
	if cfg.EnableLSAP {
		lsap = extiface.NewLSAP()
	}

	c := &Core{
		ID: id, Cfg: cfg,
		Decoder:  decode.New(src),
		BBCache:  bbcache.New(),
		IntFile:  physreg.NewFile(physreg.FileInt, cfg.PhysIntRegisters),
		FlagFile: physreg.NewFile(physreg.FileFlags, cfg.PhysFlagRegisters),
		ZeroFile: physreg.NewFile(physreg.FileZero, 1),
		ROB:      rob.NewArena(cfg.ROBSize, cfg.NumThreads),
		IQ:       issueq.New(cfg.IssueQueueSize, cfg.NumThreads, cfg.IssueQueueReserved),
		LSQ:      lsq.New(cfg.LSQSize, lsap),
		MH:       mh, BP: bp, Assists: assists, Stats: st,
		Log: logx.New("ooocore"),
	}
	for i := 0; i < cfg.NumThreads; i++ {
		c.Threads = append(c.Threads, &Thread{
			ID: i, SpecRRT: physreg.NewRRT(), CommitRRT: physreg.NewRRT(),
			dtlb: make(map[uint64]bool),
		})
	}
	return c
}

// AttachContext binds a thread's architectural-state provider, required
// before Tick fetches anything for it.
func (c *Core) AttachContext(threadID int, ctx extiface.Context) {
	t := c.Threads[threadID]
	t.Ctx = ctx
	t.fetchRIP = ctx.EIP()
}

// Tick advances the core by one cycle, in commit-before-fetch order.
func (c *Core) Tick() {
	c.cycle++
	c.BBCache.SetCycle(c.cycle)
	c.Stats.Tick(c.cycle)

	c.tickCommit()
	c.tickWriteback()
	c.tickIssue()
	for _, t := range c.Threads {
		c.tickDispatch(t)
		c.tickFetch(t)
	}

	occ := c.ROB.Occupied()
	c.Stats.ObserveROBOccupancy(c.ID, occ)
}

func (c *Core) fileFor(r uop.RegID) *physreg.File {
	if r == uop.RegNone {
		return c.ZeroFile
	}
	return c.IntFile
}

// tickWriteback advances uops execute already finished: it writes their
// computed result into the physical register file, broadcasts their tag to
// the issue queue, and moves the ROB entry to ReadyToCommit.
func (c *Core) tickWriteback() {
	ready := c.inFlight
	c.inFlight = nil
	for _, slot := range ready {
		e := c.ROB.Entry(slot.robIndex)
		if e.Gen != slot.robGen {
			continue // annulled since issue
		}
		if e.DestTag != physreg.NoRef {
			file := c.fileFor(e.Uop.RD)
			file.Write(e.DestTag, slot.value, slot.flags)
			c.IQ.Broadcast(e.DestTag)
		}
		c.IQ.Remove(slot.iqSlot)
		c.ROB.ReadyToWriteback(slot.robIndex)
		c.ROB.Writeback(slot.robIndex)
	}
}

// tickIssue selects up to IssueWidth ready ops from the issue queue and
// executes each one, routing the outcome to replay, a parked TLB walk, an
// immediate commit-time fault, or a completed result awaiting writeback.
func (c *Core) tickIssue() {
	c.tickTLBWalks()
	for _, idx := range c.toReplay {
		c.IQ.Replay(idx)
	}
	c.toReplay = c.toReplay[:0]

	for i := 0; i < c.Cfg.IssueWidth; i++ {
		slotIdx, ok := c.IQ.SelectForIssue()
		if !ok {
			break
		}
		slot := c.IQ.SlotAt(slotIdx)
		c.IQ.MarkIssued(slotIdx)
		c.ROB.Issue(slot.RobIndex)
		e := c.ROB.Entry(slot.RobIndex)
		t := c.Threads[slot.ThreadID]

		res := c.execute(t, slot.RobIndex, e)
		switch res.outcome {
		case execReplay:
			c.toReplay = append(c.toReplay, slotIdx)
		case execTLBMiss, execFault:
			c.IQ.Remove(slotIdx)
		case execDone:
			c.ROB.Complete(slot.RobIndex)
			c.inFlight = append(c.inFlight, execSlot{
				robIndex: slot.RobIndex, robGen: slot.RobGen, iqSlot: slotIdx, threadID: slot.ThreadID,
				value: res.value, flags: res.flags,
			})
		}
	}
}

// tickDispatch renames and allocates ROB/issue-queue/LSQ resources for as
// many of t's pending decoded uops as DispatchWidth allows, stalling on
// ROB or physical-register exhaustion exactly at the op that needs it.
func (c *Core) tickDispatch(t *Thread) {
	if t.pending == nil {
		return
	}
	for n := 0; n < c.Cfg.DispatchWidth && t.pendingAt < len(t.pending.Ops); n++ {
		op := t.pending.Ops[t.pendingAt]

		if op.RD != uop.RegNone && !c.fileFor(op.RD).HasFree() {
			return
		}
		if (op.IsMem() || op.IsFence()) && c.LSQ.Full() {
			return
		}
		robIdx, ok := c.ROB.Allocate(t.ID, 0, op)
		if !ok {
			return
		}
		t.pendingAt++

		srcTag, operand, destTag := c.rename(t, op)
		c.ROB.Dispatch(robIdx, srcTag, destTag)
		c.ROB.SetOperand(robIdx, operand)

		e := c.ROB.Entry(robIdx)
		if isBranch(op) {
			e.PredictedRIP = t.pendingPredictedRIP
		}
		if op.IsMem() || op.IsFence() {
			e.LSQIndex = int32(c.LSQ.Insert(kindOf(op), t.ID, robIdx, e.Gen, op.Locked, op.IsFence()))
		}
		if slot, ok := c.IQ.Insert(t.ID, robIdx, e.Gen, srcTag); ok {
			e.IssueQueueSlot = slot
		}
	}
	if t.pendingAt >= len(t.pending.Ops) {
		t.pending = nil
	}
}

func isBranch(op uop.TransOp) bool {
	return op.Opcode == uop.OpBr || op.Opcode == uop.OpBru || op.Opcode == uop.OpBru1
}

func kindOf(op uop.TransOp) lsq.EntryKind {
	if op.IsStore {
		return lsq.KindStore
	}
	return lsq.KindLoad
}

// rename looks up source operands against SpecRRT and allocates a fresh
// physical register for the destination, bumping its speculative refcount
// (spec.md §4.2). srcTag reports only operands the issue queue still needs
// to wait on (NoRef once an operand is already Ready); operand reports
// every resolved source ref regardless of readiness, since execute needs
// the physreg long after wakeup bookkeeping has stopped caring about it.
func (c *Core) rename(t *Thread, op uop.TransOp) (srcTag, operand [3]physreg.Ref, dest physreg.Ref) {
	srcTag = [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef}
	operand = [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef}
	regs := [3]uop.RegID{op.RA, op.RB, op.RC}
	for i, r := range regs {
		if r == uop.RegNone {
			continue
		}
		ref := t.SpecRRT.Lookup(r)
		operand[i] = ref
		if !c.fileFor(r).Ready(ref) {
			srcTag[i] = ref
		}
	}
	dest = physreg.NoRef
	if op.RD != uop.RegNone {
		file := c.fileFor(op.RD)
		dest = file.Allocate(0)
		if dest != physreg.NoRef {
			file.AddSpecRef(dest)
			old := t.SpecRRT.Lookup(op.RD)
			t.SpecRRT.Rename(op.RD, dest)
			file.UnrefSpec(old)
		}
	}
	return srcTag, operand, dest
}

// tickFetch decodes the next basic block for t once its dispatch buffer
// has drained, consulting the basic block cache first and asking the
// branch predictor for the real next-fetch RIP.
func (c *Core) tickFetch(t *Thread) {
	if t.pending != nil || t.Ctx == nil {
		return
	}
	frame := rip.Frame(t.fetchRIP >> 12)
	loc := rip.New(t.fetchRIP, frame, 0)

	bb, ok := c.BBCache.Lookup(loc)
	if !ok {
		bb = c.Decoder.Translate(loc)
		c.BBCache.Insert(bb)
		bb, _ = c.BBCache.Lookup(bb.Loc)
	}

	t.pending = bb
	t.pendingAt = 0
	predicted := c.predictNext(t, bb)
	t.pendingPredictedRIP = predicted
	t.fetchRIP = predicted
}

// predictNext asks the branch predictor for bb's terminator's next RIP, or
// returns straight-line fallthrough for a block with no branch.
func (c *Core) predictNext(t *Thread, bb *uop.BasicBlock) uint64 {
	fallthroughRIP := bb.Loc.RIP + uint64(bb.Bytes)
	switch bb.Terminator {
	case uop.BranchCond, uop.BranchUncond, uop.BranchIndirect:
		info := extiface.BranchInfo{
			RIP: bb.Loc.RIP, FallthroughRIP: fallthroughRIP, TakenTarget: bb.PredictedTaken,
			ThreadID: t.ID, IsCond: bb.Terminator == uop.BranchCond,
		}
		return c.BP.Predict(info, bb.Terminator)
	default:
		return fallthroughRIP
	}
}
