package ooocore

import (
	"github.com/avadhpatel/suprax-core/extiface"
	"github.com/avadhpatel/suprax-core/lsq"
	"github.com/avadhpatel/suprax-core/physreg"
	"github.com/avadhpatel/suprax-core/rob"
	"github.com/avadhpatel/suprax-core/tlbwalk"
	"github.com/avadhpatel/suprax-core/uop"
)

// execOutcome is what one issue-slot's execute attempt resolves to this
// cycle.
type execOutcome int

const (
	// execDone means the uop produced a final value/flags pair this cycle,
	// ready for tickWriteback one cycle later.
	execDone execOutcome = iota
	// execReplay means a structural hazard (cache port, store ordering,
	// lock, LSQ forwarding wait) blocked execution; the slot retries next
	// cycle with the same already-resolved operands.
	execReplay
	// execTLBMiss means a memory uop's address translation is parked on a
	// tlbwalk.Walk; it completes asynchronously via tickTLBWalks.
	execTLBMiss
	// execFault means the uop raised an architectural exception, already
	// recorded on its ROB entry via rob.Fault.
	execFault
)

type execResult struct {
	outcome execOutcome
	value   uint64
	flags   uop.FlagMask
}

// execute runs one issued uop for real: a genuine (if architecturally
// arbitrary) ALU/address computation, a real load/store through the LSQ
// and TLB-walk machinery, or a real branch-target comparison against the
// fetch-time prediction. spec.md's "not a functional simulator" non-goal
// means the VALUES need not match true x86 semantics, but the structural
// dependency, forwarding, and misprediction behavior does.
func (c *Core) execute(t *Thread, idx int32, e *rob.Entry) execResult {
	op := e.Uop
	switch {
	case op.Opcode == uop.OpNop, op.Opcode == uop.OpCollCC:
		return execResult{outcome: execDone}
	case op.Opcode == uop.OpAssist, op.Opcode == uop.OpLightAssist:
		return c.executeAssist(t, idx, e)
	case op.IsFence():
		return c.executeFence(t, idx, e)
	case op.IsLoad:
		return c.executeLoad(t, idx, e)
	case op.IsStore:
		return c.executeStore(t, idx, e)
	case op.Opcode == uop.OpBr, op.Opcode == uop.OpBru, op.Opcode == uop.OpBru1:
		return c.executeBranch(t, idx, e)
	default:
		return c.executeALU(t, idx, e)
	}
}

// executeALU computes a real arithmetic/logical/comparison/select result
// from the entry's resolved operand physregs (spec.md §4.4).
func (c *Core) executeALU(t *Thread, idx int32, e *rob.Entry) execResult {
	op := e.Uop
	a, b := c.operandValue(e, 0), c.operandValue(e, 1)
	var value uint64
	switch op.Opcode {
	case uop.OpAdd:
		value = a + b + uint64(op.Imm)
	case uop.OpSub:
		value = a - b
	case uop.OpAnd:
		value = a & b
	case uop.OpOr:
		value = a | b
	case uop.OpXor:
		value = a ^ b
	case uop.OpShl:
		value = a << uint(b&63)
	case uop.OpShr:
		value = a >> uint(b&63)
	case uop.OpSar:
		value = uint64(int64(a) >> uint(b&63))
	case uop.OpSel:
		if op.Cond.Eval(c.operandFlags(e, 0)) {
			value = c.operandValue(e, 1)
		} else {
			value = c.operandValue(e, 2)
		}
	case uop.OpCmp:
		value = a - b
	case uop.OpAdda:
		value = a + uint64(op.Imm)
	}

	flags := computeFlags(op.Opcode, a, b, value) & op.Flags
	if op.Opcode == uop.OpCmp {
		value = 0 // cmp has no architectural result, only flags
	}
	return execResult{outcome: execDone, value: value, flags: flags}
}

// computeFlags derives ZF/SF/CF from a computed result. OF is not modeled
// (spec.md's "not a functional simulator" non-goal: the toy decoder never
// emits a condition code that depends on it). The caller masks the result
// against the uop's declared Flags, so an op that updates nothing reports
// nothing.
func computeFlags(op uop.Opcode, a, b, result uint64) uop.FlagMask {
	var f uop.FlagMask
	if result == 0 {
		f |= uop.FlagZF
	}
	if int64(result) < 0 {
		f |= uop.FlagSF
	}
	switch op {
	case uop.OpAdd:
		if result < a {
			f |= uop.FlagCF
		}
	case uop.OpSub, uop.OpCmp:
		if a < b {
			f |= uop.FlagCF
		}
	}
	return f
}

// executeBranch computes the real taken/not-taken target, updates the
// branch predictor, and triggers recovery if it disagrees with the
// fetch-time prediction stamped on the entry (spec.md §4.7).
func (c *Core) executeBranch(t *Thread, idx int32, e *rob.Entry) execResult {
	op := e.Uop
	var taken bool
	var target uint64
	switch op.Opcode {
	case uop.OpBru:
		taken, target = true, op.PredictedTaken
	case uop.OpBru1:
		taken, target = true, c.operandValue(e, 0)
	default: // OpBr: conditional
		taken = op.Cond.Eval(c.operandFlags(e, 0))
		if taken {
			target = op.PredictedTaken
		} else {
			target = op.PredictedNotTaken
		}
	}

	info := extiface.BranchInfo{
		RIP: op.MacroRIP, FallthroughRIP: op.PredictedNotTaken, TakenTarget: op.PredictedTaken,
		ThreadID: t.ID, IsCond: op.Opcode == uop.OpBr,
	}
	c.BP.Update(info, target, taken)

	if target != e.PredictedRIP {
		c.recoverMisprediction(t, idx, target)
	}
	return execResult{outcome: execDone}
}

// recoverMisprediction annuls every younger entry, releases their
// resources, and redirects fetch to the real target (spec.md §4.7). The
// branch itself (idx) survives the annul and proceeds to writeback/commit
// normally.
func (c *Core) recoverMisprediction(t *Thread, idx int32, actualTarget uint64) {
	annulled := c.ROB.Annul(t.ID, idx, false)
	c.releaseAnnulled(t, annulled)
	c.Stats.IncFlush(c.ID, t.ID, "branch-mispredict")
	t.fetchRIP = actualTarget
	t.pending = nil
}

// recoverAlias handles a store discovering, at its own execute, that a
// younger load already completed against an overlapping address (spec.md
// §4.5, §4.7). With value-mispredict recovery enabled, the load and every
// instruction that consumed its stale value are redispatched in place
// (spec.md §4.7 "Redispatch of dependents"); otherwise it falls back to
// conservatively annulling from the aliased load onward, inclusive, and
// refetching from it.
func (c *Core) recoverAlias(t *Thread, aliasedLSQIdx int) {
	aliased := c.LSQ.Entry(aliasedLSQIdx)
	robIdx := aliased.RobIndex
	if c.ROB.Entry(robIdx).Gen != aliased.RobGen {
		return // the aliased load's ROB slot has already been recycled
	}

	if c.Cfg.EnableValueMispredict {
		c.redispatchStaleLoad(t, robIdx)
		return
	}

	refetchRIP := c.ROB.Entry(robIdx).Uop.MacroRIP
	annulled := c.ROB.Annul(t.ID, robIdx, true)
	c.releaseAnnulled(t, annulled)
	c.Stats.IncFlush(c.ID, t.ID, "store-load-alias")
	t.fetchRIP = refetchRIP
	t.pending = nil
}

// redispatchStaleLoad re-runs the load that read stale data, and every
// instruction that transitively consumed its value, in their original ROB
// and LSQ slots instead of annulling and refetching everything younger
// (spec.md §4.7 "Redispatch of dependents"). dependentsOf supplies the
// issue-queue tag graph rob.Arena.Redispatch needs but does not itself
// know how to walk.
func (c *Core) redispatchStaleLoad(t *Thread, robIdx int32) {
	touched := c.ROB.Redispatch(robIdx, c.dependentsOf(t))
	c.ROB.RedispatchSelf(robIdx)
	touched = append(touched, robIdx)

	for _, idx := range touched {
		e := c.ROB.Entry(idx)
		if e.DestTag != physreg.NoRef {
			c.fileFor(e.Uop.RD).MarkPending(e.DestTag)
		}
		if e.LSQIndex >= 0 {
			c.LSQ.ResetForRedispatch(int(e.LSQIndex))
		}
		c.requeueForReissue(t, idx)
	}
	c.Stats.IncFlush(c.ID, t.ID, "store-load-alias-redispatch")
}

// requeueForReissue turns a ROB entry rob.Arena.Redispatch moved back to
// StateReadyToDispatch into a live issue-queue slot again. Its resolved
// source operands (e.Operand) survive redispatch untouched, so SrcTag only
// needs recomputing against each operand's current readiness (a
// dependent's own producer may itself have just been marked pending by
// this same pass); the destination keeps the physical register it already
// owned, now reset to Pending by the MarkPending call above.
func (c *Core) requeueForReissue(t *Thread, idx int32) {
	e := c.ROB.Entry(idx)
	op := e.Uop
	var srcTag [3]physreg.Ref
	for i, r := range [3]uop.RegID{op.RA, op.RB, op.RC} {
		srcTag[i] = physreg.NoRef
		if r == uop.RegNone {
			continue
		}
		ref := e.Operand[i]
		if ref != physreg.NoRef && !c.fileFor(r).Ready(ref) {
			srcTag[i] = ref
		}
	}
	c.ROB.Dispatch(idx, srcTag, e.DestTag)
	if slot, ok := c.IQ.Insert(t.ID, idx, e.Gen, srcTag); ok {
		e.IssueQueueSlot = slot
	}
}

// dependentsOf returns, for an entry in t, the Redispatch dependency-walk
// function: every still in-flight, younger-in-program-order entry whose
// resolved operands reference idx's destination tag (spec.md §4.7). The
// issue queue itself has no "consumers of this tag" query, so this walks
// the ROB's program order directly instead.
func (c *Core) dependentsOf(t *Thread) func(idx int32) []int32 {
	return func(idx int32) []int32 {
		tag := c.ROB.Entry(idx).DestTag
		if tag == physreg.NoRef {
			return nil
		}
		var out []int32
		for _, j := range c.ROB.ProgramOrderAfter(t.ID, idx) {
			oe := c.ROB.Entry(j)
			for _, ref := range oe.Operand {
				if ref == tag {
					out = append(out, j)
					break
				}
			}
		}
		return out
	}
}

// executeFence completes a fence once every older memory op in its thread
// has drained (spec.md §4.5).
func (c *Core) executeFence(t *Thread, idx int32, e *rob.Entry) execResult {
	lsqIdx := int(e.LSQIndex)
	if !c.LSQ.FenceBarrier(lsqIdx) {
		return execResult{outcome: execReplay}
	}
	c.LSQ.MarkCompleted(lsqIdx)
	return execResult{outcome: execDone}
}

// executeLoad resolves a load's address, probes older stores for
// forwarding, walks the TLB on a miss, and reads the cache (spec.md §4.5,
// §4.6).
func (c *Core) executeLoad(t *Thread, idx int32, e *rob.Entry) execResult {
	op := e.Uop
	lsqIdx := int(e.LSQIndex)
	addr := c.operandValue(e, 0) // RA: effective address, from OpAdda
	c.LSQ.SetAddress(lsqIdx, addr, op.Size.Bytes())

	fwd := c.LSQ.ProbeForward(lsqIdx, op.MacroRIP)
	if fwd.MustWait {
		return execResult{outcome: execReplay}
	}

	if op.Locked && !t.lockHeld {
		if !c.LSQ.Lock(c.MH, addr, t.Ctx.CPUIndex()) {
			return execResult{outcome: execReplay}
		}
		t.lockHeld, t.lockAddr = true, addr
	}

	phys, res, ok := c.translate(t, idx, e, addr, op.Size.Bytes(), false)
	if !ok {
		return res
	}

	if !c.MH.IsCacheAvailable(c.ID, t.ID, false) {
		return execResult{outcome: execReplay}
	}

	value := mergeForward(t.Ctx.LoadPhys(phys, op.Size.Bytes()), fwd)
	c.LSQ.MarkCompleted(lsqIdx)
	return execResult{outcome: execDone, value: value}
}

// executeStore enforces program-order store-to-store issue, resolves
// address and data, walks the TLB on a miss, writes through the cache, and
// checks whether a younger load already raced ahead of it (spec.md §4.5,
// §4.6).
func (c *Core) executeStore(t *Thread, idx int32, e *rob.Entry) execResult {
	op := e.Uop
	lsqIdx := int(e.LSQIndex)
	if !c.LSQ.CanStoreIssueBefore(lsqIdx) {
		return execResult{outcome: execReplay}
	}

	addr := c.operandValue(e, 0) // RA: effective address
	data := c.operandValue(e, 1) // RB: store data
	c.LSQ.SetAddress(lsqIdx, addr, op.Size.Bytes())
	c.LSQ.SetStoreData(lsqIdx, data, op.Size.Bytes())

	if op.Locked && !t.lockHeld {
		if !c.LSQ.Lock(c.MH, addr, t.Ctx.CPUIndex()) {
			return execResult{outcome: execReplay}
		}
		t.lockHeld, t.lockAddr = true, addr
	}

	_, res, ok := c.translate(t, idx, e, addr, op.Size.Bytes(), true)
	if !ok {
		return res
	}

	if !c.MH.IsCacheAvailable(c.ID, t.ID, false) {
		return execResult{outcome: execReplay}
	}

	t.Ctx.StoreMaskVirt(addr, data, byteMaskFor(op.Size.Bytes()), op.Size.Bytes())
	c.LSQ.MarkCompleted(lsqIdx)

	if op.Locked {
		c.LSQ.Unlock(c.MH, t.lockAddr, t.Ctx.CPUIndex())
		t.lockHeld = false
	}

	if aliasedIdx, found := c.LSQ.FindAliasedLoad(lsqIdx); found {
		c.recoverAlias(t, aliasedIdx)
	}
	return execResult{outcome: execDone}
}

// executeAssist handles both assist flavors (spec.md §6). A light assist
// runs immediately, inline with execute, and produces a normal register
// result. A microcode assist may only run once it is the oldest uop in its
// thread (it can redirect architectural state no younger uop should have
// observed), so execute just gates it with replay; commit.go's
// commitAssist does the actual RunMicrocode call.
func (c *Core) executeAssist(t *Thread, idx int32, e *rob.Entry) execResult {
	op := e.Uop
	if op.Opcode == uop.OpLightAssist {
		value := c.Assists.RunLight(extiface.LightAssistID(op.LightAssistID), t.Ctx, &e.Uop)
		return execResult{outcome: execDone, value: value}
	}
	head, ok := c.ROB.CommitHead(t.ID)
	if !ok || head != idx {
		return execResult{outcome: execReplay}
	}
	return execResult{outcome: execDone}
}

// translate resolves addr to a physical address, starting a TLB walk on a
// dtlb miss (timing only) and reporting an architectural fault via
// rob.Fault when CheckAndTranslate's permission check fails (spec.md
// §4.6). ok is false whenever the caller must return res immediately
// instead of proceeding with phys.
func (c *Core) translate(t *Thread, idx int32, e *rob.Entry, addr uint64, size int, isStore bool) (uint64, execResult, bool) {
	page := addr &^ uint64(0xFFF)
	if !t.dtlb[page] {
		c.ROB.TLBMiss(idx)
		w := tlbwalk.Start(t.ID, idx, e.Gen, addr, isStore, c.Cfg.PageTableDepth)
		c.tlbWalks = append(c.tlbWalks, &pendingWalk{walk: w, threadID: t.ID, robIndex: idx, robGen: e.Gen})
		return 0, execResult{outcome: execTLBMiss}, false
	}
	tr := t.Ctx.CheckAndTranslate(addr, size, isStore, false)
	if tr.Exception {
		c.ROB.Fault(idx, rob.ExceptionPageFault, addr, uint32(tr.ErrorCode))
		return 0, execResult{outcome: execFault}, false
	}
	t.dtlb[page] = true
	return tr.PhysAddr, execResult{}, true
}

// tickTLBWalks steps every in-flight walk once, finishing the parked
// memory op the cycle a walk resolves or faults. A walk whose ROB entry
// was annulled since it started (Gen mismatch) is silently dropped.
func (c *Core) tickTLBWalks() {
	pending := c.tlbWalks
	var still []*pendingWalk
	for _, pw := range pending {
		e := c.ROB.Entry(pw.robIndex)
		if e.Gen != pw.robGen {
			continue
		}
		t := c.Threads[pw.threadID]
		out := pw.walk.Step(t.Ctx)
		if !out.Done {
			still = append(still, pw)
			continue
		}
		if out.Fault {
			c.ROB.Fault(pw.robIndex, rob.ExceptionPageFault, out.FaultAddr, uint32(out.ErrorCode))
			continue
		}
		t.dtlb[pw.walk.VirtAddr&^uint64(0xFFF)] = true
		c.completeMemAfterWalk(t, pw.robIndex, e, out.PhysAddr)
	}
	c.tlbWalks = still
}

// completeMemAfterWalk finishes a load or store whose address translation
// was the only thing blocking it: the ordering/forwarding/lock gates in
// executeLoad/executeStore already passed before the walk started, so only
// the data movement remains. The cache-port-contention gate is
// deliberately not re-checked here (spec.md §4.6 simplification, see
// DESIGN.md); a walk's completion always finds the cache free, rather
// than stacking a second asynchronous wait state on top of the walk.
func (c *Core) completeMemAfterWalk(t *Thread, idx int32, e *rob.Entry, phys uint64) {
	op := e.Uop
	lsqIdx := int(e.LSQIndex)
	lsqEntry := c.LSQ.Entry(lsqIdx)

	if op.IsStore {
		data := c.operandValue(e, 1)
		t.Ctx.StoreMaskVirt(lsqEntry.Addr, data, byteMaskFor(op.Size.Bytes()), op.Size.Bytes())
		c.LSQ.MarkCompleted(lsqIdx)
		if op.Locked {
			c.LSQ.Unlock(c.MH, t.lockAddr, t.Ctx.CPUIndex())
			t.lockHeld = false
		}
		if aliasedIdx, found := c.LSQ.FindAliasedLoad(lsqIdx); found {
			c.recoverAlias(t, aliasedIdx)
		}
	} else {
		fwd := c.LSQ.ProbeForward(lsqIdx, op.MacroRIP)
		value := mergeForward(t.Ctx.LoadPhys(phys, op.Size.Bytes()), fwd)
		c.LSQ.MarkCompleted(lsqIdx)
		if e.DestTag != physreg.NoRef {
			file := c.fileFor(op.RD)
			file.Write(e.DestTag, value, 0)
			c.IQ.Broadcast(e.DestTag)
		}
	}
	c.ROB.Complete(idx)
	c.ROB.ReadyToWriteback(idx)
	c.ROB.Writeback(idx)
}

// operandValue reads operand i's resolved physreg value, or 0 for an
// unused (RegNone) operand.
func (c *Core) operandValue(e *rob.Entry, i int) uint64 {
	r := regAt(e.Uop, i)
	if r == uop.RegNone {
		return 0
	}
	ref := e.Operand[i]
	if ref == physreg.NoRef {
		return 0
	}
	return c.fileFor(r).Registers[ref].Value
}

// operandFlags reads operand i's resolved physreg flags (used by a
// conditional branch/select reading its RegFlags-routed operand).
func (c *Core) operandFlags(e *rob.Entry, i int) uop.FlagMask {
	r := regAt(e.Uop, i)
	if r == uop.RegNone {
		return 0
	}
	ref := e.Operand[i]
	if ref == physreg.NoRef {
		return 0
	}
	return c.fileFor(r).Registers[ref].Flags
}

func regAt(op uop.TransOp, i int) uop.RegID {
	switch i {
	case 0:
		return op.RA
	case 1:
		return op.RB
	default:
		return op.RC
	}
}

// mergeForward overlays forwarded bytes (fwd.Mask/fwd.Data) onto a cache
// read result, matching lsq's own byte-mask merge convention.
func mergeForward(cacheVal uint64, fwd lsq.ForwardResult) uint64 {
	if fwd.Mask == 0 {
		return cacheVal
	}
	result := cacheVal
	for byteIdx := 0; byteIdx < 8; byteIdx++ {
		bit := uint64(0xFF) << uint(byteIdx*8)
		if fwd.Mask&bit != 0 {
			result = (result &^ bit) | (fwd.Data & bit)
		}
	}
	return result
}

func byteMaskFor(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(size*8)) - 1
}
