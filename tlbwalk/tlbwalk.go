// Package tlbwalk implements the page-table walk state machine of spec.md
// §4.6: a TLB miss suspends the faulting ROB entry (parked on
// rob_tlb_miss_list by the caller) while a multi-level walk counts down
// one level per cycle, consulting Context.VirtToPTEPhys at each level,
// until it resolves to a physical address or reports a fault.
package tlbwalk

import "github.com/avadhpatel/suprax-core/extiface"

// Outcome is what a completed walk reports back to its ROB entry.
type Outcome struct {
	Done      bool
	PhysAddr  uint64
	Fault     bool
	FaultAddr uint64
	ErrorCode extiface.PageFaultErrorCode
}

// Walk is one in-flight page-table walk. WalkLevel counts down from the
// host page-table depth (PTLsim's walk_level convention): a 4-level x86-64
// table starts a walk at level 4 and finishes at level 0.
type Walk struct {
	Active    bool
	ThreadID  int
	RobIndex  int32
	RobGen    uint32
	VirtAddr  uint64
	IsStore   bool
	WalkLevel int
	startLvl  int
}

// Start begins a walk at startLevel (the host's page-table depth; 4 for a
// standard x86-64 4-level table, 3 if large-page support collapses one
// level; the decoder's CR4 state is the caller's to interpret, tlbwalk
// only counts).
func Start(threadID int, robIndex int32, robGen uint32, virtAddr uint64, isStore bool, startLevel int) *Walk {
	return &Walk{
		Active: true, ThreadID: threadID, RobIndex: robIndex, RobGen: robGen,
		VirtAddr: virtAddr, IsStore: isStore, WalkLevel: startLevel, startLvl: startLevel,
	}
}

// Step advances the walk by one level: consult Context.VirtToPTEPhys for
// the current WalkLevel, and either count down (more levels to go),
// finish (WalkLevel reaches 0, meaning the final physical address is now
// known), or fault (the host reports no mapping at this level).
func (w *Walk) Step(ctx extiface.Context) Outcome {
	if !w.Active {
		return Outcome{Done: true}
	}
	phys, ok := ctx.VirtToPTEPhys(w.VirtAddr, w.WalkLevel)
	if !ok {
		w.Active = false
		errCode := extiface.PageFaultErrorCode(0)
		if w.IsStore {
			errCode |= 1 << 1 // write bit
		}
		return Outcome{Done: true, Fault: true, FaultAddr: w.VirtAddr, ErrorCode: errCode}
	}
	if w.WalkLevel == 0 {
		w.Active = false
		return Outcome{Done: true, PhysAddr: phys}
	}
	w.WalkLevel--
	return Outcome{Done: false}
}

// Reset rearms w for reuse at its original depth (a walk that completed or
// faulted can be recycled rather than reallocated).
func (w *Walk) Reset() { w.WalkLevel = w.startLvl; w.Active = true }
