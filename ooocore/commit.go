package ooocore

import (
	"github.com/avadhpatel/suprax-core/extiface"
	"github.com/avadhpatel/suprax-core/physreg"
	"github.com/avadhpatel/suprax-core/rob"
	"github.com/avadhpatel/suprax-core/uop"
)

// tickCommit retires every thread's head-of-program-order entry that has
// reached StateReadyToCommit, in program order, honoring CommitWidth.
func (c *Core) tickCommit() {
	for _, t := range c.Threads {
		committed := 0
		for committed < c.Cfg.CommitWidth {
			idx, ok := c.ROB.CommitHead(t.ID)
			if !ok {
				break
			}
			e := c.ROB.Entry(idx)
			if e.State != rob.StateReadyToCommit {
				break
			}
			if e.Exception != rob.ExceptionNone {
				c.handleException(t, idx, e)
				return
			}
			if e.Uop.Opcode == uop.OpAssist {
				c.commitAssist(t, idx, e)
				return
			}
			c.retireRegisters(t, e)
			if e.LSQIndex >= 0 {
				// A normally-retiring memory op's LSQ entry has nothing left
				// to offer a forwarding/ordering scan once every older and
				// younger op either saw its data or will read memory
				// directly; release it the same way an annulled entry's is
				// released (spec.md §4.8 commit step 3), rather than only on
				// the misprediction/fault recovery path.
				c.LSQ.Invalidate(int(e.LSQIndex))
			}
			c.ROB.Commit(t.ID)
			c.Stats.IncCommit(c.ID, t.ID)
			committed++
		}
	}
}

// retireRegisters moves a committing uop's destination from SpecRRT
// ownership to CommitRRT ownership (spec.md §4.2: commit re-homes the
// architectural mapping, dropping the old CommitRRT entry's ref).
func (c *Core) retireRegisters(t *Thread, e *rob.Entry) {
	if e.Uop.RD == uop.RegNone || e.DestTag == physreg.NoRef {
		return
	}
	file := c.fileFor(e.Uop.RD)
	old := t.CommitRRT.Lookup(e.Uop.RD)
	t.CommitRRT.Rename(e.Uop.RD, e.DestTag)
	file.AddArchRef(e.DestTag)
	file.UnrefArch(old)
}

// handleException annuls every younger entry for t and redirects fetch,
// matching spec.md §4.7: an exception commits only once every older uop
// has retired, then flushes everything after it.
func (c *Core) handleException(t *Thread, idx int32, e *rob.Entry) {
	annulled := c.ROB.Annul(t.ID, idx, false)
	c.releaseAnnulled(t, annulled)
	c.ROB.Commit(t.ID) // the faulting entry itself now retires
	c.Stats.IncFlush(c.ID, t.ID, exceptionName(e.Exception))
	if e.Exception == rob.ExceptionSkipBlock {
		t.fetchRIP = e.Uop.MacroRIP
	} else {
		t.fetchRIP = e.FaultAddr
	}
	t.pending = nil
}

// commitAssist runs a microcode assist's out-of-line handler now that it
// is the oldest uop in its thread (spec.md §6): architectural state is
// only ever touched at this point, never speculatively. A handler that
// requests a flush gets exactly the same annul-then-redirect treatment as
// a branch misprediction or fault.
func (c *Core) commitAssist(t *Thread, idx int32, e *rob.Entry) {
	out := c.Assists.RunMicrocode(extiface.MicrocodeAssistID(e.Uop.AssistID), t.Ctx, e.Uop.MacroRIP)

	if out.NeedsFlush {
		annulled := c.ROB.Annul(t.ID, idx, false)
		c.releaseAnnulled(t, annulled)
	}
	c.ROB.Commit(t.ID)
	c.Stats.IncCommit(c.ID, t.ID)

	if out.FaultVector != 0 {
		t.Ctx.PropagateException(out.FaultVector, out.FaultErrCode, out.FaultAddr)
	}

	nextRIP := out.NextRIP
	if out.NeedsFlush && out.RedirectRIP != 0 {
		nextRIP = out.RedirectRIP
	}
	t.Ctx.SetEIP(nextRIP)
	t.fetchRIP = nextRIP
	t.pending = nil
	if out.NeedsFlush {
		c.Stats.IncFlush(c.ID, t.ID, "assist")
	}
}

// exceptionName gives exceptions a stable label for stats (kept here
// rather than in rob to avoid rob importing a formatting concern it has
// no other use for).
func exceptionName(e rob.Exception) string { return exceptionNames[e] }

var exceptionNames = map[rob.Exception]string{
	rob.ExceptionNone:        "none",
	rob.ExceptionPageFault:   "page-fault",
	rob.ExceptionGPFault:     "gp-fault",
	rob.ExceptionDivideError: "divide-error",
	rob.ExceptionAssistFault: "assist-fault",
	rob.ExceptionSkipBlock:   "skip-block",
}

// releaseAnnulled frees every resource an annulled entry held: its
// speculative destination register, its issue-queue slot, and its LSQ
// slot, then reconstructs SpecRRT (spec.md §4.7 "SpecRRT reconstruction"):
// reset to the (necessarily still-correct) CommitRRT, then pseudo-commit
// every surviving in-flight entry's rename back into it, oldest first, the
// same way ptlsim's ReorderBufferEntry::pseudocommit() walks the ROB from
// the commit head forward after an annul. Without this walk, an older
// producer that survives the annul still holds its physreg (its SpecRef
// was never dropped, since it isn't in annulled), but the blanket reset to
// CommitRRT would make that rename unreachable again until the producer
// itself commits.
func (c *Core) releaseAnnulled(t *Thread, annulled []int32) {
	for _, idx := range annulled {
		e := c.ROB.Entry(idx)
		if e.DestTag != physreg.NoRef {
			c.fileFor(e.Uop.RD).UnrefSpec(e.DestTag)
		}
		if e.IssueQueueSlot >= 0 {
			c.IQ.Remove(e.IssueQueueSlot)
		}
		if e.LSQIndex >= 0 {
			c.LSQ.Invalidate(int(e.LSQIndex))
		}
	}
	t.SpecRRT = t.CommitRRT
	for _, idx := range c.ROB.ProgramOrder(t.ID) {
		e := c.ROB.Entry(idx)
		if e.Uop.RD != uop.RegNone && e.DestTag != physreg.NoRef {
			t.SpecRRT.Rename(e.Uop.RD, e.DestTag)
		}
	}
}
