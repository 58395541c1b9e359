// Package atomcore implements the in-order "Atom" pipeline of spec.md §4.9:
// a short, staged in-order pipeline that packs consecutive uops sharing a
// functional-unit cluster into one AtomOp bundle (up to MaxUopsPerAtomOp),
// ticks that bundle through fetch -> frontend -> issue -> execute ->
// forward -> transfer -> writeback, and realigns its retirement latency to
// MinPipelineCycles in the transfer stage. Atom has no physical register
// file or reorder buffer; a per-register scoreboard (Thread.busy) stands
// in for rename, and AtomOp bundles retire strictly in program order via
// Arena's per-thread FIFO. Two hardware threads share the pipeline by
// switching on an icache/dcache miss, the simplification PTLsim's Atom
// model uses in place of a full out-of-order window.
package atomcore

import (
	"github.com/avadhpatel/suprax-core/bbcache"
	"github.com/avadhpatel/suprax-core/config"
	"github.com/avadhpatel/suprax-core/decode"
	"github.com/avadhpatel/suprax-core/extiface"
	"github.com/avadhpatel/suprax-core/logx"
	"github.com/avadhpatel/suprax-core/rip"
	"github.com/avadhpatel/suprax-core/stats"
	"github.com/avadhpatel/suprax-core/uop"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// missLatencyCycles is the placeholder wakeup delay handed to
// MemoryHierarchy.AddEvent; the real miss latency lives in the (mocked)
// memory hierarchy's own timing model, not here.
const missLatencyCycles = 20

// atomArenaSize is the bundle-slot count backing one core's Arena. Atom
// has no config knob of its own for this (spec.md §6 lists ROB/IQ/LSQ
// sizing for the OoO core only); a handful of bundles per thread is enough
// to keep fetch, issue, and writeback from ever starving each other.
const atomArenaSize = 8

// noProducer marks a Thread.busy scoreboard slot with no in-flight
// producer.
const noProducer int32 = -1

// storeBufEntry is one pending store the local forwarding buffer can
// satisfy a same-thread load from before it drains to the memory
// hierarchy at writeback.
type storeBufEntry struct {
	valid    bool
	addr     uint64
	size     int
	data     uint64
	threadID int
}

// Thread is one SMT context's architectural and in-flight state.
type Thread struct {
	ID  int
	Ctx extiface.Context

	fetchRIP uint64
	block    *uop.BasicBlock
	at       int
	stalled  bool

	// pendingAssist gates fetch while an AtomOp carrying a microcode
	// assist is in flight: the assist may redirect architectural state no
	// younger bundle should have observed, so nothing past it is packed
	// until commitAssist resolves it (spec.md §4.9, §6).
	pendingAssist bool

	// busy is a per-architectural-register scoreboard: busy[r] names the
	// AtomOp index currently producing r, or noProducer. Stands in for a
	// physical register file's Pending state (spec.md §4.9 "Atom has no
	// physical register file").
	busy     [256]int32
	fwdValid [256]bool
	fwdValue [256]uint64

	// commitBuf is the explicit commit buffer of spec.md §4.9: bundles
	// the transfer stage has realigned to MinPipelineCycles, queued for
	// writeback strictly in program order.
	commitBuf []int32
}

func newThread(id int) *Thread {
	t := &Thread{ID: id}
	for i := range t.busy {
		t.busy[i] = noProducer
	}
	return t
}

// Core is one in-order Atom core shared by up to two threads.
type Core struct {
	ID  int
	Cfg config.CoreConfig

	Decoder *decode.Decoder
	BBCache *bbcache.Cache
	MH      extiface.MemoryHierarchy
	BP      extiface.BranchPredictor
	Assists extiface.AssistTable
	Stats   stats.Stats
	Log     zerolog.Logger

	Threads []*Thread
	active  int // index into Threads of the currently fetching/issuing thread

	Arena *Arena

	// clusterBusyUntil/clusterIssued gate issue against spec.md §4.9's
	// per-cluster FU/port counts: clusterBusyUntil holds a non-pipelined
	// bundle's port for its whole latency, clusterIssued caps how many
	// pipelined bundles of a cluster can start this same cycle.
	clusterBusyUntil [4]uint64
	clusterIssued    [4]int

	storeBuf []storeBufEntry
	cycle    uint64
}

// New builds an Atom core. storeBufDepth bounds the local forwarding
// buffer; spec.md's Atom model keeps this small (a handful of entries)
// since it exists only to forward within one thread's own recent stores.
func New(id int, cfg config.CoreConfig, src decode.ByteSource, mh extiface.MemoryHierarchy, bp extiface.BranchPredictor, assists extiface.AssistTable, st stats.Stats, storeBufDepth int) *Core {
	if st == nil {
		st = stats.Noop{}
	}
	numThreads := cfg.NumThreads
	if numThreads <= 0 {
		numThreads = 1
	}
	c := &Core{
		ID: id, Cfg: cfg,
		Decoder: decode.New(src),
		BBCache: bbcache.New(),
		MH:      mh, BP: bp, Assists: assists, Stats: st,
		Log:      logx.New("atomcore"),
		Arena:    newArena(atomArenaSize*numThreads, numThreads),
		storeBuf: make([]storeBufEntry, 0, storeBufDepth),
	}
	for i := 0; i < numThreads; i++ {
		c.Threads = append(c.Threads, newThread(i))
	}
	return c
}

func (c *Core) AttachContext(threadID int, ctx extiface.Context) {
	t := c.Threads[threadID]
	t.Ctx = ctx
	t.fetchRIP = ctx.EIP()
}

// Tick advances the core one cycle, processing the pipeline back-to-front
// (writeback before transfer, transfer before forward, ... , frontend
// before fetch) so no stage observes a value an earlier stage produces this
// same cycle, matching ooocore's per-cycle convention.
func (c *Core) Tick() {
	c.cycle++
	c.BBCache.SetCycle(c.cycle)
	c.Stats.Tick(c.cycle)

	for _, t := range c.Threads {
		if t.Ctx != nil {
			c.tickWriteback(t)
		}
	}
	c.tickTransfer()
	c.tickForward()
	c.tickExecute()
	c.tickIssue()
	c.tickFrontendCountdown()
	for _, t := range c.Threads {
		if t.Ctx != nil {
			c.tickFrontendPack(t)
		}
	}

	t := c.currentThread()
	if t != nil && t.Ctx != nil {
		if t.stalled {
			c.attemptThreadSwitch()
		} else if !t.pendingAssist {
			c.fetch(t)
		}
	}

	c.Stats.ObserveROBOccupancy(c.ID, c.Arena.Occupied())
}

func (c *Core) currentThread() *Thread {
	if len(c.Threads) == 0 {
		return nil
	}
	return c.Threads[c.active]
}

// attemptThreadSwitch moves the active pointer to the other SMT context
// when the current one is stalled on a cache miss, the teacher's "switch
// rather than stall the pipeline" SMT discipline.
func (c *Core) attemptThreadSwitch() {
	for i := 1; i <= len(c.Threads); i++ {
		cand := (c.active + i) % len(c.Threads)
		if !c.Threads[cand].stalled {
			c.active = cand
			return
		}
	}
}

// tickFrontendCountdown advances every bundle sitting in the frontend
// pipe for NUM_FRONTEND_STAGES cycles (spec.md §4.9) before it becomes
// eligible to issue.
func (c *Core) tickFrontendCountdown() {
	c.Arena.Each(AtomFrontend, func(idx int32) {
		e := c.Arena.Entry(idx)
		e.CyclesLeft--
		if e.CyclesLeft <= 0 {
			c.Arena.MoveTo(idx, AtomReadyToIssue)
		}
	})
}

// tickFrontendPack packs at most one new bundle per thread per cycle,
// bounded by the core's fetch width, and enters it into the frontend
// countdown.
func (c *Core) tickFrontendPack(t *Thread) {
	if t.block == nil || t.pendingAssist || t.at >= len(t.block.Ops) {
		return
	}
	ops, isLast := packBundle(t.block, t.at, c.Cfg.MaxFetchWidth)
	idx, ok := c.Arena.Allocate(t.ID, ops)
	if !ok {
		return
	}
	e := c.Arena.Entry(idx)
	stages := c.Cfg.NumFrontendStages
	if stages < 1 {
		stages = 1
	}
	e.CyclesLeft = stages
	t.at += len(ops)

	if isLast {
		e.BlockEnd = true
		if e.IsAssist {
			t.pendingAssist = true
		} else {
			e.NextRIP = predictedNextRIP(t.block)
			t.fetchRIP = e.NextRIP
		}
		t.block = nil
		t.at = 0
	}
}

// packBundle groups uops from block starting at "at" into one AtomOp-sized
// bundle (spec.md §4.9). A whole x86 macro-op (the decoder's SOM..EOM
// uop run, e.g. an OpAdda+OpLd pair lowering one load instruction) is the
// packing unit, never split: a macro-op touching memory or control flow
// is always bundled alone, since it's the one that decides the FU cluster
// and, for a terminator, the next-fetch RIP. Consecutive pure-ALU
// macro-ops may share a bundle up to MaxUopsPerAtomOp/MaxFetchWidth.
func packBundle(block *uop.BasicBlock, at int, maxFetchWidth int) ([]uop.TransOp, bool) {
	end := macroOpEnd(block.Ops, at)
	if containsMemOrControl(block.Ops[at:end]) {
		return block.Ops[at:end], end >= len(block.Ops)
	}

	width := MaxUopsPerAtomOp
	if maxFetchWidth > 0 && maxFetchWidth < width {
		width = maxFetchWidth
	}
	for end < len(block.Ops) && end-at < width {
		next := macroOpEnd(block.Ops, end)
		if next-at > width || containsMemOrControl(block.Ops[end:next]) {
			break
		}
		end = next
	}
	return block.Ops[at:end], end >= len(block.Ops)
}

// macroOpEnd returns the exclusive end of the macro-op starting at "at",
// i.e. the index one past its EOM-marked uop.
func macroOpEnd(ops []uop.TransOp, at int) int {
	i := at
	for i < len(ops)-1 && !ops[i].EOM {
		i++
	}
	return i + 1
}

func containsMemOrControl(ops []uop.TransOp) bool {
	for _, op := range ops {
		if isMemOrControl(op) {
			return true
		}
	}
	return false
}

// isMemOrControl reports whether op forces its macro-op to be the sole
// occupant of its bundle: a load/store/fence ties up a distinct FU
// cluster, and a branch/assist decides where fetch goes next.
func isMemOrControl(op uop.TransOp) bool {
	if op.IsMem() || op.IsFence() {
		return true
	}
	switch op.Opcode {
	case uop.OpBr, uop.OpBru, uop.OpBru1, uop.OpAssist, uop.OpLightAssist:
		return true
	default:
		return false
	}
}

// predictedNextRIP mirrors the predecessor interpreter's advanceRIP: the
// fetch-time-predicted fallthrough/target for the block's terminator.
func predictedNextRIP(block *uop.BasicBlock) uint64 {
	switch block.Terminator {
	case uop.BranchUncond, uop.BranchCond:
		if block.PredictedTaken != 0 {
			return block.PredictedTaken
		}
	}
	return block.Loc.RIP + uint64(block.Bytes)
}

// tickIssue tries, per thread, to issue the oldest not-yet-issued bundle
// once its sources are ready and its FU cluster has a free port.
func (c *Core) tickIssue() {
	for i := range c.clusterIssued {
		c.clusterIssued[i] = 0
	}
	for _, t := range c.Threads {
		if t.Ctx == nil {
			continue
		}
		idx, ok := c.Arena.NextToIssue(t.ID)
		if !ok {
			continue
		}
		e := c.Arena.Entry(idx)
		if e.State != AtomReadyToIssue {
			continue
		}
		if !c.sourcesReady(t, e) {
			continue
		}
		if !c.clusterFree(e) {
			continue
		}
		c.beginExecute(t, idx, e)
	}
}

func (c *Core) sourcesReady(t *Thread, e *AtomOp) bool {
	for _, op := range e.Ops {
		for _, r := range [...]uop.RegID{op.RA, op.RB, op.RC} {
			if r == uop.RegNone {
				continue
			}
			if t.busy[r] != noProducer {
				return false
			}
		}
	}
	return true
}

func (c *Core) clusterFree(e *AtomOp) bool {
	cls := int(e.Cluster)
	if c.cycle < c.clusterBusyUntil[cls] {
		return false
	}
	fu := c.fuCountFor(e.Cluster)
	if fu <= 0 {
		return true
	}
	return c.clusterIssued[cls] < fu
}

func (c *Core) fuCountFor(cls fuClass) int {
	switch cls {
	case fuLoad:
		return c.Cfg.FUCounts.Load
	case fuStore:
		return c.Cfg.FUCounts.Store
	case fuBranch:
		return c.Cfg.FUCounts.Branch
	default:
		return c.Cfg.FUCounts.ALU
	}
}

func (c *Core) beginExecute(t *Thread, idx int32, e *AtomOp) {
	cls := int(e.Cluster)
	c.clusterIssued[cls]++
	if e.NonPipe {
		c.clusterBusyUntil[cls] = c.cycle + uint64(e.Latency)
	}
	for _, op := range e.Ops {
		if op.RD != uop.RegNone {
			t.busy[op.RD] = idx
		}
	}
	e.Issued = true
	e.CyclesLeft = e.Latency
	c.Arena.MoveTo(idx, AtomExecuting)
}

// execOutcome is what performExecute (and the load path specifically)
// reports back to tickExecute for one cycle's worth of progress.
type execOutcome int

const (
	execDone execOutcome = iota
	execParked
	execFaulted
)

// tickExecute ticks every bundle's latency countdown and, once it expires,
// runs its uops.
func (c *Core) tickExecute() {
	c.Arena.Each(AtomExecuting, func(idx int32) {
		e := c.Arena.Entry(idx)
		if e.Parked {
			return
		}
		if e.CyclesLeft > 0 {
			e.CyclesLeft--
			return
		}
		t := c.Threads[e.ThreadID]
		switch c.performExecute(t, idx, e) {
		case execParked, execFaulted:
			return
		default:
			e.CyclesLeft = 1
			c.Arena.MoveTo(idx, AtomForwarding)
		}
	})
}

// performExecute runs every uop in the bundle. A microcode assist is left
// for commitAssist (writeback) to actually run, mirroring ooocore's
// executeAssist/commitAssist split: it may redirect architectural state,
// so it must wait until it is the oldest thing in flight.
func (c *Core) performExecute(t *Thread, idx int32, e *AtomOp) execOutcome {
	if e.IsAssist {
		return execDone
	}
	for i, op := range e.Ops {
		switch {
		case op.IsFence():
			// no ordering to enforce beyond program order itself; Atom
			// has no reordering for a fence to guard against.
		case op.IsStore:
			addr := c.readBundleOperand(t, e, i, op.RA)
			data := c.readBundleOperand(t, e, i, op.RB)
			c.executeStore(t, e, i, addr, data, op.Size.Bytes())
		case op.IsLoad:
			addr := c.readBundleOperand(t, e, i, op.RA)
			_, outcome := c.executeLoad(t, idx, e, i, addr, op.Size.Bytes())
			if outcome != execDone {
				return outcome
			}
		case op.Opcode == uop.OpCmp:
			a := c.readBundleOperand(t, e, i, op.RA)
			b := c.readBundleOperand(t, e, i, op.RB)
			e.DestVal[i] = uint64(flagsFor(a, b, op.Flags))
			e.DestValid[i] = true
		case op.Opcode == uop.OpLightAssist:
			e.DestVal[i] = c.Assists.RunLight(extiface.LightAssistID(op.LightAssistID), t.Ctx, &e.Ops[i])
			e.DestValid[i] = true
		case op.Opcode == uop.OpAdda:
			e.DestVal[i] = c.readBundleOperand(t, e, i, op.RA) + uint64(op.Imm)
			e.DestValid[i] = true
		case op.Opcode == uop.OpBr, op.Opcode == uop.OpBru, op.Opcode == uop.OpBru1, op.Opcode == uop.OpNop:
			// branch outcome was already baked into NextRIP at frontend
			// time; nothing to compute here.
		default:
			// Atom has no real ALU datapath beyond "copy RA into RD"
			// (matches the predecessor interpreter's issueAndExecute).
			if op.RD != uop.RegNone {
				e.DestVal[i] = c.readBundleOperand(t, e, i, op.RA)
				e.DestValid[i] = true
			}
		}
	}
	return execDone
}

// readBundleOperand reads register r, preferring an earlier uop's result
// already produced this same bundle (intra-bundle forwarding) over the
// thread's stale forwarding/register state.
func (c *Core) readBundleOperand(t *Thread, e *AtomOp, i int, r uop.RegID) uint64 {
	for j := 0; j < i; j++ {
		if e.Ops[j].RD == r && e.DestValid[j] {
			return e.DestVal[j]
		}
	}
	return c.readReg(t, r)
}

func (c *Core) readReg(t *Thread, r uop.RegID) uint64 {
	if r == uop.RegNone {
		return 0
	}
	if t.fwdValid[r] {
		return t.fwdValue[r]
	}
	return t.Ctx.ReadReg(r)
}

// flagsFor is Atom's cmp-uop flag computation: zero/not-zero is the only
// comparison the toy decoder's opCmp actually needs (atomcore_test's
// TestAddWritesRegisterInOrder and friends never branch on CF/OF/SF), so
// those bits stay clear.
func flagsFor(a, b uint64, mask uop.FlagMask) uop.FlagMask {
	var f uop.FlagMask
	if mask&uop.FlagZF != 0 && a == b {
		f |= uop.FlagZF
	}
	return f
}

func (c *Core) executeStore(t *Thread, e *AtomOp, i int, addr, data uint64, size int) {
	masked := data & byteMaskFor(size)
	e.StoreValid[i] = true
	e.StoreAddr[i] = addr
	e.StoreData[i] = masked
	e.StoreSize[i] = size
	c.bufferStore(t.ID, addr, size, masked)
}

// executeLoad resolves addr, preferring same-thread store-buffer
// forwarding, then faulting or parking on a miss exactly like a real
// cache/TLB would: handleFault resolves a page fault the same cycle (no
// async wait needed), while parkLoad schedules an async wakeup through
// the memory hierarchy instead of spinning forever on a stuck stalled
// flag.
func (c *Core) executeLoad(t *Thread, idx int32, e *AtomOp, i int, addr uint64, size int) (uint64, execOutcome) {
	if val, ok := c.forwardLoad(t.ID, addr, size); ok {
		e.DestVal[i] = val
		e.DestValid[i] = true
		return val, execDone
	}

	tr := t.Ctx.CheckAndTranslate(addr, size, false, false)
	if tr.Exception {
		c.handleFault(t, idx, addr, tr.ErrorCode)
		return 0, execFaulted
	}
	if !c.MH.IsCacheAvailable(c.ID, t.ID, false) {
		c.Stats.IncCacheMiss(c.ID, false)
		c.parkLoad(t, e, addr, size)
		return 0, execParked
	}

	val := t.Ctx.LoadPhys(tr.PhysAddr, size)
	e.DestVal[i] = val
	e.DestValid[i] = true
	return val, execDone
}

// handleFault resolves a page fault the same cycle it's discovered: the
// host's fault handler runs synchronously and leaves EIP pointing at the
// fault handler, so there's nothing async to wait on, unlike a cache
// miss.
func (c *Core) handleFault(t *Thread, idx int32, addr uint64, code extiface.PageFaultErrorCode) {
	t.Ctx.HandlePageFault(addr, code)
	c.flushThread(t, idx, t.Ctx.EIP(), "page-fault")
}

// parkFetch schedules a fetch-side icache-miss wakeup. Unlike the
// predecessor interpreter, which set Thread.stalled and relied on a
// future fetch() call to clear it (a call fetch itself never makes once
// t.block stays nil and t.stalled stays true), this registers a real
// MemoryHierarchy.AddEvent callback so the thread actually resumes once
// the miss is serviced.
func (c *Core) parkFetch(t *Thread, addr uint64) {
	t.stalled = true
	req := extiface.Request{UUID: uuid.New(), Kind: extiface.ReqFetch, CoreID: c.ID, ThreadID: t.ID, PhysAddr: addr, IsICache: true}
	c.MH.AddEvent(missLatencyCycles, req, func(extiface.Request, extiface.AccessResult) {
		t.stalled = false
	})
}

// parkLoad is parkFetch's load-side counterpart: a dcache miss parks both
// the thread (so attemptThreadSwitch can run the other SMT context) and
// the bundle itself (so tickExecute leaves its countdown alone instead of
// retrying every cycle), and the same AddEvent callback clears both.
func (c *Core) parkLoad(t *Thread, e *AtomOp, addr uint64, size int) {
	t.stalled = true
	e.Parked = true
	req := extiface.Request{UUID: uuid.New(), Kind: extiface.ReqLoad, CoreID: c.ID, ThreadID: t.ID, PhysAddr: addr, Size: size}
	c.MH.AddEvent(missLatencyCycles, req, func(extiface.Request, extiface.AccessResult) {
		t.stalled = false
		e.Parked = false
	})
}

// flushThread drops fromIdx and everything younger from t's program
// order, releases any scoreboard entries they held, and resumes fetch at
// nextFetchRIP.
func (c *Core) flushThread(t *Thread, fromIdx int32, nextFetchRIP uint64, reason string) {
	dropped := c.Arena.Annul(t.ID, fromIdx)
	for _, idx := range dropped {
		e := c.Arena.Entry(idx)
		for _, op := range e.Ops {
			if op.RD == uop.RegNone {
				continue
			}
			if t.busy[op.RD] == idx {
				t.busy[op.RD] = noProducer
			}
			t.fwdValid[op.RD] = false
		}
	}
	live := t.commitBuf[:0]
	for _, idx := range t.commitBuf {
		if !contains(dropped, idx) {
			live = append(live, idx)
		}
	}
	t.commitBuf = live

	t.block = nil
	t.at = 0
	t.pendingAssist = false
	t.fetchRIP = nextFetchRIP
	c.Stats.IncFlush(c.ID, t.ID, reason)
}

func contains(s []int32, v int32) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// tickTransfer realigns every forwarded bundle to MIN_PIPELINE_CYCLES
// (spec.md §4.9) and, strictly in program order, promotes a thread's
// oldest waiting bundle to the commit buffer once its countdown expires.
func (c *Core) tickTransfer() {
	c.Arena.Each(AtomWaitingToWriteback, func(idx int32) {
		e := c.Arena.Entry(idx)
		if e.MinCyclesLeft > 0 {
			e.MinCyclesLeft--
		}
	})
	for _, t := range c.Threads {
		head, ok := c.Arena.Head(t.ID)
		if !ok {
			continue
		}
		e := c.Arena.Entry(head)
		if e.State == AtomWaitingToWriteback && e.MinCyclesLeft <= 0 {
			c.Arena.MoveTo(head, AtomReadyToWriteback)
			t.commitBuf = append(t.commitBuf, head)
		}
	}
}

// tickForward publishes every executing-bundle-that-finished's results to
// the thread's forwarding bypass, releases the scoreboard entries it held,
// and schedules its MIN_PIPELINE_CYCLES realignment wait.
func (c *Core) tickForward() {
	c.Arena.Each(AtomForwarding, func(idx int32) {
		e := c.Arena.Entry(idx)
		t := c.Threads[e.ThreadID]
		for i, op := range e.Ops {
			if op.RD == uop.RegNone || !e.DestValid[i] {
				continue
			}
			t.fwdValue[op.RD] = e.DestVal[i]
			t.fwdValid[op.RD] = true
			if t.busy[op.RD] == idx {
				t.busy[op.RD] = noProducer
			}
		}
		elapsed := c.Cfg.NumFrontendStages + e.Latency + 1
		e.MinCyclesLeft = c.Cfg.MinPipelineCycles - elapsed
		if e.MinCyclesLeft < 0 {
			e.MinCyclesLeft = 0
		}
		c.Arena.MoveTo(idx, AtomWaitingToWriteback)
	})
}

// tickWriteback drains at most one bundle per thread per cycle from the
// commit buffer: an assist bundle redirects architectural state through
// commitAssist, everything else writes its registers/stores through.
func (c *Core) tickWriteback(t *Thread) {
	if len(t.commitBuf) == 0 {
		return
	}
	idx := t.commitBuf[0]
	t.commitBuf = t.commitBuf[1:]
	e := c.Arena.Entry(idx)

	if e.IsAssist {
		c.commitAssist(t, idx, e)
		return
	}

	for i, op := range e.Ops {
		switch {
		case op.IsStore && e.StoreValid[i]:
			t.Ctx.StoreMaskVirt(e.StoreAddr[i], e.StoreData[i], byteMaskFor(e.StoreSize[i]), e.StoreSize[i])
		case op.RD != uop.RegNone && e.DestValid[i]:
			t.Ctx.WriteReg(op.RD, e.DestVal[i])
		}
	}
	if e.BlockEnd {
		t.Ctx.SetEIP(e.NextRIP)
	}
	c.Arena.Dequeue(t.ID)
	c.Arena.Free(idx)
	c.Stats.IncCommit(c.ID, t.ID)
}

// commitAssist runs a microcode assist at the moment it retires, mirroring
// ooocore/commit.go's commitAssist: SetEIP must land before the plain
// fetch-state resets below, so a flush's redirect target can't be
// stomped by them.
func (c *Core) commitAssist(t *Thread, idx int32, e *AtomOp) {
	op := e.Ops[0]
	out := c.Assists.RunMicrocode(extiface.MicrocodeAssistID(op.AssistID), t.Ctx, op.MacroRIP)
	if out.FaultVector != 0 {
		t.Ctx.PropagateException(out.FaultVector, out.FaultErrCode, out.FaultAddr)
	}
	nextRIP := out.NextRIP
	if out.NeedsFlush && out.RedirectRIP != 0 {
		nextRIP = out.RedirectRIP
	}
	t.Ctx.SetEIP(nextRIP)

	c.Arena.Dequeue(t.ID)
	c.Arena.Free(idx)
	c.Stats.IncCommit(c.ID, t.ID)
	if out.NeedsFlush {
		c.Stats.IncFlush(c.ID, t.ID, "assist")
	}

	t.pendingAssist = false
	t.block = nil
	t.at = 0
	t.fetchRIP = nextRIP
}

func byteMaskFor(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(size*8)) - 1
}

func (c *Core) bufferStore(threadID int, addr uint64, size int, data uint64) {
	if cap(c.storeBuf) > 0 && len(c.storeBuf) >= cap(c.storeBuf) {
		c.storeBuf = c.storeBuf[1:]
	}
	c.storeBuf = append(c.storeBuf, storeBufEntry{valid: true, addr: addr, size: size, data: data, threadID: threadID})
}

// forwardLoad looks for the most recent same-thread store covering the
// full requested range; partial overlap is treated as a miss so the
// caller falls through to the memory hierarchy rather than assembling a
// mixed result (Atom's local buffer is a convenience, not a full LSQ).
func (c *Core) forwardLoad(threadID int, addr uint64, size int) (uint64, bool) {
	for i := len(c.storeBuf) - 1; i >= 0; i-- {
		e := c.storeBuf[i]
		if e.valid && e.threadID == threadID && e.addr <= addr && addr+uint64(size) <= e.addr+uint64(e.size) {
			return (e.data >> ((addr - e.addr) * 8)) & byteMaskFor(size), true
		}
	}
	return 0, false
}

// fetch decodes the next basic block for t once its previous block has
// fully issued, via the shared bbcache. A miss schedules an async
// wakeup through parkFetch instead of leaving Thread.stalled with no
// path back to false.
func (c *Core) fetch(t *Thread) {
	if t.block != nil {
		return
	}
	frame := rip.Frame(t.fetchRIP >> 12)
	loc := rip.New(t.fetchRIP, frame, 0)

	bb, ok := c.BBCache.Lookup(loc)
	if !ok {
		if !c.MH.IsCacheAvailable(c.ID, t.ID, true) {
			c.Stats.IncCacheMiss(c.ID, true)
			c.parkFetch(t, t.fetchRIP)
			return
		}
		bb = c.Decoder.Translate(loc)
		c.BBCache.Insert(bb)
	}
	t.block = bb
	t.at = 0
}
