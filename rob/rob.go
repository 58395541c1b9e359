// Package rob implements the reorder buffer of spec.md §4.3: an arena of
// entries threaded through the named state lists PTLsim/MARSS used
// (rob_free_list, rob_ready_to_dispatch_list, rob_dispatched_list,
// rob_issued_list, rob_completed_list, rob_ready_to_writeback_list,
// rob_cache_miss_list, rob_tlb_miss_list, rob_memory_fence_list,
// rob_ready_to_commit_list), each entry belonging to exactly one list at a
// time via statelist's single MoveTo mutator; the Go analog of the
// original simulator's changestate().
package rob

import (
	"github.com/avadhpatel/suprax-core/physreg"
	"github.com/avadhpatel/suprax-core/statelist"
	"github.com/avadhpatel/suprax-core/uop"
)

// State names an entry's position in the commit pipeline.
type State int

const (
	StateFree State = iota
	StateReadyToDispatch
	StateDispatched
	StateIssued
	StateCompleted
	StateReadyToWriteback
	StateCacheMiss
	StateTLBMiss
	StateMemoryFence
	StateReadyToCommit
	numStates
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateReadyToDispatch:
		return "ready-to-dispatch"
	case StateDispatched:
		return "dispatched"
	case StateIssued:
		return "issued"
	case StateCompleted:
		return "completed"
	case StateReadyToWriteback:
		return "ready-to-writeback"
	case StateCacheMiss:
		return "cache-miss"
	case StateTLBMiss:
		return "tlb-miss"
	case StateMemoryFence:
		return "memory-fence"
	case StateReadyToCommit:
		return "ready-to-commit"
	default:
		return "unknown"
	}
}

// Exception discriminates why an entry cannot commit cleanly. SkipBlock
// mirrors PTLsim's EXCEPTION_SkipBlock: the fetch unit decoded across a
// page it shouldn't have touched, and the fix is to refetch rather than
// to deliver a fault to the guest.
type Exception int

const (
	ExceptionNone Exception = iota
	ExceptionPageFault
	ExceptionGPFault
	ExceptionDivideError
	ExceptionAssistFault
	ExceptionSkipBlock
)

// Entry is one in-flight micro-op's bookkeeping.
type Entry struct {
	Valid    bool
	ThreadID int
	Cluster  int
	Gen      uint32 // bumped on every Allocate; guards stale-index references

	Uop uop.TransOp

	State     State
	Exception Exception
	FaultAddr uint64
	FaultCode uint32

	DestTag physreg.Ref
	SrcTag  [3]physreg.Ref

	// Operand mirrors SrcTag but is never cleared once a source resolves:
	// SrcTag[i] only matters to the issue queue while operand i is still
	// pending wakeup, whereas execute needs the resolved physreg for every
	// operand regardless of how long ago it became ready (spec.md §4.4).
	Operand [3]physreg.Ref

	// PredictedRIP is the fetch-time predicted next RIP for a branch uop,
	// compared against the actual target at execute to detect misprediction
	// (spec.md §4.4, §4.7).
	PredictedRIP uint64

	IssueQueueSlot int // -1 if not resident in an issue queue
	LSQIndex       int32

	node statelist.Node
}

// reset clears an entry's uop-specific fields for reuse, preserving Gen
// (bumped separately by Allocate) and node (the live statelist linkage,
// which Allocate's subsequent moveTo call depends on reading correctly).
func (e *Entry) reset() {
	node, gen := e.node, e.Gen
	*e = Entry{IssueQueueSlot: -1, LSQIndex: -1, Gen: gen, node: node}
}

// Arena owns every ROB entry for one core and the state lists threading
// them together, plus one program-order queue per thread so commit can
// enforce in-order retirement even though entries reach StateReadyToCommit
// out of order.
type Arena struct {
	entries []Entry
	lists   [numStates]*statelist.List

	programOrder [][]int32 // programOrder[threadID] is a FIFO of rob indices
}

// NewArena builds an arena with `size` entries, all initially free, ready
// to serve `numThreads` threads.
func NewArena(size, numThreads int) *Arena {
	a := &Arena{
		entries:      make([]Entry, size),
		programOrder: make([][]int32, numThreads),
	}
	for s := range a.lists {
		a.lists[s] = statelist.New(State(s).String())
	}
	for i := range a.entries {
		a.entries[i] = Entry{IssueQueueSlot: -1, LSQIndex: -1}
		statelist.PushBack(a.lists[StateFree], a, statelist.Index(i))
	}
	return a
}

// NodeAt implements statelist.Nodes.
func (a *Arena) NodeAt(i statelist.Index) *statelist.Node { return &a.entries[i].node }

// Entry returns the live entry at idx. Callers must have validated gen
// against Entry.Gen if idx came from a possibly-stale external reference
// (a physreg.Register.RobIndex, an issueq.Slot.RobIndex/RobGen pair).
func (a *Arena) Entry(idx int32) *Entry { return &a.entries[idx] }

func (a *Arena) moveTo(idx int32, s State) {
	statelist.MoveTo(a, statelist.Index(idx), a.lists[s])
	a.entries[idx].State = s
}

// Allocate claims a free entry for threadID, sets it up for the given uop,
// and enqueues it on that thread's program-order FIFO. Returns (-1, false)
// if the ROB is full.
func (a *Arena) Allocate(threadID, cluster int, op uop.TransOp) (int32, bool) {
	l := a.lists[StateFree]
	if l.Empty() {
		return -1, false
	}
	idx := int32(l.Head)
	e := &a.entries[idx]
	e.reset()
	e.Gen++
	e.Valid = true
	e.ThreadID = threadID
	e.Cluster = cluster
	e.Uop = op
	e.Exception = ExceptionNone
	a.moveTo(idx, StateReadyToDispatch)
	a.programOrder[threadID] = append(a.programOrder[threadID], idx)
	return idx, true
}

// Dispatch records the renamed source/dest tags for idx and advances it.
// srcTag holds only operands the issue queue still needs to wait on
// (NoRef for an operand already Ready); callers that also need the
// resolved physreg for an already-ready operand at execute time call
// SetOperand separately, since unlike srcTag that value must survive
// regardless of wakeup state.
func (a *Arena) Dispatch(idx int32, srcTag [3]physreg.Ref, destTag physreg.Ref) {
	e := &a.entries[idx]
	e.SrcTag = srcTag
	e.DestTag = destTag
	a.moveTo(idx, StateDispatched)
}

// SetOperand records the full resolved source-operand refs for idx,
// independent of issue-queue wakeup bookkeeping (spec.md §4.4: execute
// needs an operand's physreg even long after it became ready, whereas the
// issue queue only cares about pending ones).
func (a *Arena) SetOperand(idx int32, operand [3]physreg.Ref) {
	a.entries[idx].Operand = operand
}

func (a *Arena) Issue(idx int32)            { a.moveTo(idx, StateIssued) }
func (a *Arena) Complete(idx int32)         { a.moveTo(idx, StateCompleted) }
func (a *Arena) ReadyToWriteback(idx int32) { a.moveTo(idx, StateReadyToWriteback) }
func (a *Arena) CacheMiss(idx int32)        { a.moveTo(idx, StateCacheMiss) }
func (a *Arena) TLBMiss(idx int32)          { a.moveTo(idx, StateTLBMiss) }
func (a *Arena) MemoryFence(idx int32)      { a.moveTo(idx, StateMemoryFence) }

// Writeback marks idx's result delivered to the physical register file and
// queues it for in-order commit.
func (a *Arena) Writeback(idx int32) {
	a.moveTo(idx, StateReadyToCommit)
}

// Fault records an exception on idx; the entry still must reach the head
// of program order before the exception is delivered (spec.md §4.3: a
// faulting uop still occupies its ROB slot until every older uop commits).
func (a *Arena) Fault(idx int32, exc Exception, faultAddr uint64, faultCode uint32) {
	e := &a.entries[idx]
	e.Exception = exc
	e.FaultAddr = faultAddr
	e.FaultCode = faultCode
	a.moveTo(idx, StateReadyToCommit)
}

// CommitHead returns the oldest not-yet-committed entry for threadID
// without removing it, or (-1, false) if the thread has nothing in
// flight.
func (a *Arena) CommitHead(threadID int) (int32, bool) {
	q := a.programOrder[threadID]
	if len(q) == 0 {
		return -1, false
	}
	return q[0], true
}

// Commit retires the head-of-program-order entry for threadID. The caller
// must have already verified it is in StateReadyToCommit; Commit panics
// otherwise since committing out of order or twice is a simulator bug, not
// a recoverable runtime condition.
func (a *Arena) Commit(threadID int) {
	q := a.programOrder[threadID]
	idx := q[0]
	e := &a.entries[idx]
	if e.State != StateReadyToCommit {
		panic("rob: commit of entry not in StateReadyToCommit")
	}
	a.programOrder[threadID] = q[1:]
	a.moveTo(idx, StateFree)
	e.Valid = false
}

// Redispatch implements the fixed-point worklist of spec.md §4.7: starting
// from a value-mispredicted producer, walk forward through every entry
// that (transitively) consumed a stale value and push it back to
// StateReadyToDispatch so it re-executes with corrected inputs.
// dependents reports an entry's immediate consumers (supplied by the
// caller, which alone knows the issue-queue tag graph); Redispatch handles
// only the traversal and state transition, not dependency discovery.
func (a *Arena) Redispatch(root int32, dependents func(idx int32) []int32) []int32 {
	visited := map[int32]bool{root: true}
	worklist := []int32{root}
	var touched []int32

	for len(worklist) > 0 {
		idx := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		if idx != root {
			a.moveTo(idx, StateReadyToDispatch)
			touched = append(touched, idx)
		}
		for _, next := range dependents(idx) {
			if !visited[next] {
				visited[next] = true
				worklist = append(worklist, next)
			}
		}
	}
	return touched
}

// RedispatchSelf moves idx itself back to StateReadyToDispatch. Redispatch
// deliberately skips the root it started from (it only walks transitive
// dependents); a caller recovering a value mispredict where the root
// producer itself must also re-execute calls this directly alongside
// Redispatch (spec.md §4.7 "Redispatch of dependents").
func (a *Arena) RedispatchSelf(idx int32) {
	a.moveTo(idx, StateReadyToDispatch)
}

// Annul frees every entry for threadID younger than (and including, if
// inclusive is true) keepBefore in program order; the branch-
// misprediction and fault-recovery primitive of spec.md §4.7. Freed
// entries' issue-queue/LSQ resources are the caller's responsibility to
// release (rob only owns its own arena slots and program-order queue).
func (a *Arena) Annul(threadID int, keepBefore int32, inclusive bool) []int32 {
	q := a.programOrder[threadID]
	cut := len(q)
	for i, idx := range q {
		if idx == keepBefore {
			if inclusive {
				cut = i
			} else {
				cut = i + 1
			}
			break
		}
	}
	annulled := append([]int32(nil), q[cut:]...)
	a.programOrder[threadID] = q[:cut]
	for _, idx := range annulled {
		e := &a.entries[idx]
		e.Valid = false
		a.moveTo(idx, StateFree)
	}
	return annulled
}

// ProgramOrder returns every currently in-flight index for threadID,
// oldest-first. A caller that just annulled a younger suffix uses this to
// walk the surviving entries still ahead of it in program order (spec.md
// §4.7 "SpecRRT reconstruction").
func (a *Arena) ProgramOrder(threadID int) []int32 {
	return append([]int32(nil), a.programOrder[threadID]...)
}

// ProgramOrderAfter returns every in-flight index for threadID strictly
// younger than after, oldest-first; the primitive ooocore's dependents
// walk for Redispatch scans (spec.md §4.5, §4.7).
func (a *Arena) ProgramOrderAfter(threadID int, after int32) []int32 {
	q := a.programOrder[threadID]
	for i, idx := range q {
		if idx == after {
			return append([]int32(nil), q[i+1:]...)
		}
	}
	return nil
}

// Each iterates every live entry currently in state s, in list order
// (oldest-inserted first), calling fn(idx). Safe against fn moving idx out
// of s mid-iteration.
func (a *Arena) Each(s State, fn func(idx int32)) {
	statelist.Each(a.lists[s], a, func(i statelist.Index) {
		fn(int32(i))
	})
}

// Occupied reports how many entries are not free, across all threads.
func (a *Arena) Occupied() int {
	total := 0
	for s := StateReadyToDispatch; s < numStates; s++ {
		total += a.lists[s].Count
	}
	return total
}
