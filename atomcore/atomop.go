package atomcore

import (
	"github.com/avadhpatel/suprax-core/statelist"
	"github.com/avadhpatel/suprax-core/uop"
)

// MaxUopsPerAtomOp bounds how many uops one AtomOp bundle packs together
// (spec.md §4.9): a bundle shares a single functional-unit cluster, so
// only consecutive uops that would issue to the same cluster are ever
// combined.
const MaxUopsPerAtomOp = 4

// fuClass is the functional-unit cluster an AtomOp bundle issues to.
// spec.md §4.9's per-cluster port/FU counts (config.FUCounts) gate how
// many bundles of a given class can issue in one cycle.
type fuClass int

const (
	fuALU fuClass = iota
	fuLoad
	fuStore
	fuBranch
)

func (f fuClass) String() string {
	switch f {
	case fuLoad:
		return "load"
	case fuStore:
		return "store"
	case fuBranch:
		return "branch"
	default:
		return "alu"
	}
}

// classifyFU picks the single cluster a bundle's uops share. A bundle
// containing a store, load, or branch is always solo (see isMemOrControl
// in atomcore.go), so this only needs to distinguish one uop's class in
// practice; the loop stays general for a mixed bundle regardless.
func classifyFU(ops []uop.TransOp) fuClass {
	for _, op := range ops {
		if op.IsStore {
			return fuStore
		}
	}
	for _, op := range ops {
		if op.IsLoad {
			return fuLoad
		}
	}
	for _, op := range ops {
		if op.Opcode == uop.OpBr || op.Opcode == uop.OpBru || op.Opcode == uop.OpBru1 {
			return fuBranch
		}
	}
	return fuALU
}

// latencyFor is the execute-stage cycle count for a bundle of the given
// cluster (spec.md treats functional-unit latency as a configuration
// surface, not a design point, matching ooocore's execSlot doc comment).
func latencyFor(cluster fuClass, isAssist bool) int {
	switch {
	case isAssist:
		return 1
	case cluster == fuLoad, cluster == fuStore:
		return 2
	default:
		return 1
	}
}

// AtomOpState names a bundle's position in the Atom pipeline (spec.md
// §4.9: fetch -> frontend -> issue -> execute -> forward -> transfer ->
// writeback).
type AtomOpState int

const (
	AtomFree AtomOpState = iota
	AtomFrontend
	AtomReadyToIssue
	AtomExecuting
	AtomForwarding
	AtomWaitingToWriteback
	AtomReadyToWriteback
	numAtomStates
)

func (s AtomOpState) String() string {
	switch s {
	case AtomFree:
		return "free"
	case AtomFrontend:
		return "frontend"
	case AtomReadyToIssue:
		return "ready-to-issue"
	case AtomExecuting:
		return "executing"
	case AtomForwarding:
		return "forwarding"
	case AtomWaitingToWriteback:
		return "waiting-to-writeback"
	case AtomReadyToWriteback:
		return "ready-to-writeback"
	default:
		return "unknown"
	}
}

// AtomOp is one packed bundle of up to MaxUopsPerAtomOp uops moving
// through the Atom pipeline together (spec.md §4.9). Unlike rob.Entry,
// which tracks one uop per slot, an AtomOp tracks a small parallel slice
// per packed uop: Ops[i]'s result lives at DestVal[i]/StoreAddr[i]/etc.
type AtomOp struct {
	Valid    bool
	ThreadID int
	Gen      uint32

	Ops      []uop.TransOp
	MacroRIP uint64

	Cluster  fuClass
	NonPipe  bool // occupies its cluster's port for its whole latency, not just issue
	IsAssist bool

	State AtomOpState

	CyclesLeft    int // meaning depends on State: frontend latency, then execute latency
	Latency       int
	MinCyclesLeft int // MIN_PIPELINE_CYCLES realignment countdown in the transfer stage

	DestValid  []bool
	DestVal    []uint64
	StoreValid []bool
	StoreAddr  []uint64
	StoreData  []uint64
	StoreSize  []int

	// BlockEnd/NextRIP carry the fetch-time-predicted next RIP for the
	// bundle containing a basic block's terminating branch, so the
	// architectural EIP commits only once this bundle retires (spec.md
	// §4.9) while t.fetchRIP can already have moved on speculatively.
	BlockEnd bool
	NextRIP  uint64

	// Issued marks a bundle that has already left AtomReadyToIssue, so
	// NextToIssue can skip it without Head's "oldest in any state" view
	// permanently blocking younger ready bundles behind it.
	Issued bool

	// Parked marks a bundle executing a load that missed the cache and is
	// waiting on MemoryHierarchy.AddEvent's callback; tickExecute leaves a
	// parked bundle alone instead of spinning its CyclesLeft countdown.
	Parked bool

	node statelist.Node
}

func (e *AtomOp) reset() {
	node, gen := e.node, e.Gen
	*e = AtomOp{Gen: gen, node: node}
}

// Arena owns every AtomOp bundle slot for one core plus the per-thread
// program-order FIFO that enforces in-order issue and in-order writeback,
// mirroring rob.Arena's structure one level up (a bundle of uops instead
// of one uop).
type Arena struct {
	entries      []AtomOp
	lists        [numAtomStates]*statelist.List
	programOrder [][]int32
}

func newArena(size, numThreads int) *Arena {
	a := &Arena{
		entries:      make([]AtomOp, size),
		programOrder: make([][]int32, numThreads),
	}
	for s := range a.lists {
		a.lists[s] = statelist.New(AtomOpState(s).String())
	}
	for i := range a.entries {
		statelist.PushBack(a.lists[AtomFree], a, statelist.Index(i))
	}
	return a
}

// NodeAt implements statelist.Nodes.
func (a *Arena) NodeAt(i statelist.Index) *statelist.Node { return &a.entries[i].node }

func (a *Arena) Entry(idx int32) *AtomOp { return &a.entries[idx] }

func (a *Arena) moveTo(idx int32, s AtomOpState) {
	statelist.MoveTo(a, statelist.Index(idx), a.lists[s])
	a.entries[idx].State = s
}

// MoveTo exposes moveTo for atomcore's pipeline stages, one package up.
func (a *Arena) MoveTo(idx int32, s AtomOpState) { a.moveTo(idx, s) }

// Allocate claims a free slot for threadID's bundle ops, classifies its FU
// cluster, and enqueues it at the tail of threadID's program order.
// Returns (-1, false) if the arena is full.
func (a *Arena) Allocate(threadID int, ops []uop.TransOp) (int32, bool) {
	l := a.lists[AtomFree]
	if l.Empty() {
		return -1, false
	}
	idx := int32(l.Head)
	e := &a.entries[idx]
	e.reset()
	e.Gen++
	e.Valid = true
	e.ThreadID = threadID
	e.Ops = ops
	e.MacroRIP = ops[0].MacroRIP
	e.Cluster = classifyFU(ops)
	e.IsAssist = ops[0].Opcode == uop.OpAssist
	e.NonPipe = e.IsAssist || ops[0].IsFence()
	e.Latency = latencyFor(e.Cluster, e.IsAssist)

	n := len(ops)
	e.DestValid = make([]bool, n)
	e.DestVal = make([]uint64, n)
	e.StoreValid = make([]bool, n)
	e.StoreAddr = make([]uint64, n)
	e.StoreData = make([]uint64, n)
	e.StoreSize = make([]int, n)

	a.moveTo(idx, AtomFrontend)
	a.programOrder[threadID] = append(a.programOrder[threadID], idx)
	return idx, true
}

// Each iterates every live entry currently in state s, oldest-inserted
// first; safe against fn moving the current index out of s mid-iteration
// (see statelist.Each).
func (a *Arena) Each(s AtomOpState, fn func(idx int32)) {
	statelist.Each(a.lists[s], a, func(i statelist.Index) {
		fn(int32(i))
	})
}

// Head returns threadID's oldest in-flight bundle (in any state) without
// removing it, or (-1, false) if nothing is in flight.
func (a *Arena) Head(threadID int) (int32, bool) {
	q := a.programOrder[threadID]
	if len(q) == 0 {
		return -1, false
	}
	return q[0], true
}

// NextToIssue returns the oldest not-yet-issued bundle for threadID,
// distinct from Head: once the true head has issued but not yet retired,
// Head would keep pointing at it forever, so issue scans program order for
// the first entry still carrying Issued == false.
func (a *Arena) NextToIssue(threadID int) (int32, bool) {
	for _, idx := range a.programOrder[threadID] {
		if !a.entries[idx].Issued {
			return idx, true
		}
	}
	return -1, false
}

// Annul drops fromIdx and every younger bundle in threadID's program order,
// freeing each and returning the dropped indices, oldest-first; mirrors
// rob.Arena.Annul one level up.
func (a *Arena) Annul(threadID int, fromIdx int32) []int32 {
	q := a.programOrder[threadID]
	cut := -1
	for i, idx := range q {
		if idx == fromIdx {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil
	}
	dropped := append([]int32(nil), q[cut:]...)
	a.programOrder[threadID] = q[:cut]
	for _, idx := range dropped {
		a.Free(idx)
	}
	return dropped
}

// Dequeue drops threadID's program-order head. Callers must only do this
// once that entry has actually retired (writeback of a ReadyToWriteback
// bundle).
func (a *Arena) Dequeue(threadID int) {
	q := a.programOrder[threadID]
	a.programOrder[threadID] = q[1:]
}

// Free returns idx to the free list without regard to program order;
// callers flushing a thread after an assist or a fault use this directly
// once they've already cleared programOrder themselves.
func (a *Arena) Free(idx int32) {
	a.entries[idx].Valid = false
	a.moveTo(idx, AtomFree)
}

// ProgramOrder returns every in-flight bundle index for threadID,
// oldest-first.
func (a *Arena) ProgramOrder(threadID int) []int32 {
	return append([]int32(nil), a.programOrder[threadID]...)
}

// ClearProgramOrder drops every in-flight index for threadID without
// freeing the underlying slots; callers free each one themselves first.
func (a *Arena) ClearProgramOrder(threadID int) {
	a.programOrder[threadID] = nil
}

// Occupied reports how many bundles are not free, across all threads.
func (a *Arena) Occupied() int {
	total := 0
	for s := AtomFrontend; s < numAtomStates; s++ {
		total += a.lists[s].Count
	}
	return total
}
