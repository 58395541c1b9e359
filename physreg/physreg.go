// Package physreg implements the physical register file, rename tables,
// and the ref-counted free/arch/speculative state machine of spec.md §4.2.
package physreg

import "github.com/avadhpatel/suprax-core/uop"

// NumArchRegisters is the architectural register space renamed through the
// RRTs (GPRs plus a handful of flag registers and a hard-wired zero reg).
// Sized to the full RegID byte range (RegNone=0xFF excluded) rather than
// just the 16 GPRs x86-64 exposes architecturally, since the decoder also
// renames a handful of conventional scratch registers for address
// generation and flags (spec.md §4.1 "memory operands lower to explicit
// address-generation... followed by an ld/st uop").
const NumArchRegisters = 256

// State is a physical register's position in its lifecycle (spec.md §3).
type State uint8

const (
	StateFree State = iota
	StatePending
	StateBypass
	StateWritten
	StateArch
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StatePending:
		return "pending"
	case StateBypass:
		return "bypass"
	case StateWritten:
		return "written"
	case StateArch:
		return "arch"
	case StateWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// Ref is an arena index into a File's registers slice.
type Ref int32

const NoRef Ref = -1

// Register is one rename-slot cell.
type Register struct {
	Value uint64
	Flags uop.FlagMask
	State State

	// RobIndex is the owning ROB entry's arena index while the register is
	// in-flight (Pending/Bypass/Written/Waiting); validated against the
	// ROB's generation counter by callers, since physregs are reused.
	RobIndex  int32
	Gen       uint32 // bumped every reallocation; guards stale RobIndex reads
	SpecRefs  int32  // count of SpecRRT entries pointing here
	ArchRefs  int32  // count of CommitRRT entries pointing here
	FileIndex int    // which register file this belongs to (int/flags/zero)
}

// FileKind distinguishes the register files spec.md §4.2 requires at
// minimum: integers, flags, and a hard-wired zero/constant register.
type FileKind int

const (
	FileInt FileKind = iota
	FileFlags
	FileZero
)

// File is one physical register file: a free list plus the register cells
// themselves. Register 0 of every file is pinned to StateArch, value 0,
// and is never handed out by Allocate or returned by the ref-counting
// methods: NewRRT maps every architectural register to Ref(0) before its
// first rename (spec.md §4.2 "start-of-day state"), and since every
// not-yet-written architectural register shares that same slot, slot 0's
// refcount can never be allowed to reach the free-on-zero threshold the
// way a normal register's does. The zero/constant file is simply a File
// of size 1, so this pinning is also its entire behavior.
type File struct {
	Kind      FileKind
	Registers []Register
	free      []Ref
}

// NewFile allocates a register file with size entries; Registers[0] is
// pinned arch/zero (see File's doc comment) and the rest start free.
func NewFile(kind FileKind, size int) *File {
	f := &File{Kind: kind, Registers: make([]Register, size)}
	f.Registers[0].State = StateArch
	f.Registers[0].ArchRefs = 1
	for i := 1; i < size; i++ {
		f.free = append(f.free, Ref(i))
	}
	return f
}

// Allocate pulls a register off the free list and marks it StatePending,
// owned by robIndex. Returns NoRef if the file is exhausted.
func (f *File) Allocate(robIndex int32) Ref {
	if len(f.free) == 0 {
		return NoRef
	}
	r := f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	reg := &f.Registers[r]
	// invariant: a free register has zero refs and data callers must never
	// observe (spec.md §4.2 (iii)); scrub it here rather than at free time
	// so a stale read racing a reuse always sees zeroed state.
	reg.Value = 0
	reg.Flags = 0
	reg.SpecRefs = 0
	reg.ArchRefs = 0
	reg.State = StatePending
	reg.RobIndex = robIndex
	reg.Gen++
	return r
}

// HasFree reports whether the file has at least one register Allocate
// could hand out right now. A caller renaming a destination must check
// this before consuming any other resource (a ROB slot, an issue-queue
// slot) for the same uop, since a silently-dropped destination can never
// later be Write'd (spec.md §4.2).
func (f *File) HasFree() bool { return len(f.free) > 0 }

// Ready reports whether the register holds a final value (Written or
// already retired to Arch) versus still Pending/Bypass/Waiting.
func (f *File) Ready(r Ref) bool {
	s := f.Registers[r].State
	return s == StateWritten || s == StateArch
}

// Write installs a produced value, transitioning Pending/Bypass -> Written.
func (f *File) Write(r Ref, value uint64, flags uop.FlagMask) {
	reg := &f.Registers[r]
	reg.Value = value
	reg.Flags = flags
	if reg.State == StatePending || reg.State == StateBypass || reg.State == StateWaiting {
		reg.State = StateWritten
	}
}

// MarkPending resets a written-but-not-yet-arch register back to Pending,
// so a later Write/Broadcast pair can re-wake any consumer a redispatch
// sent back to the issue queue (spec.md §4.7 "Redispatch of dependents":
// the producer's physical register must look unresolved again, not just
// its ROB entry).
func (f *File) MarkPending(r Ref) {
	reg := &f.Registers[r]
	if reg.State == StateWritten || reg.State == StateBypass {
		reg.State = StatePending
	}
}

// AddSpecRef/UnrefSpec implement the SpecRRT refcounting of spec.md §4.2:
// "the old SpecRRT mapping's speculative refcount is decremented; if it
// reaches zero and no arch refs remain, the physreg is returned to free."
// Ref 0 is excluded from every ref-counting method below: it is the shared
// start-of-day target of every not-yet-renamed architectural register (see
// File's doc comment), so its refcount does not track "how many RRT
// entries point here" the way every other register's does, and must never
// be allowed to reach maybeFree's free-on-zero threshold.
func (f *File) AddSpecRef(r Ref) {
	if f.Kind == FileZero || r == 0 {
		return
	}
	f.Registers[r].SpecRefs++
}

func (f *File) UnrefSpec(r Ref) {
	if f.Kind == FileZero || r == NoRef || r == 0 {
		return
	}
	reg := &f.Registers[r]
	reg.SpecRefs--
	f.maybeFree(r)
}

func (f *File) AddArchRef(r Ref) {
	if f.Kind == FileZero || r == 0 {
		return
	}
	reg := &f.Registers[r]
	reg.ArchRefs++
	reg.State = StateArch
}

func (f *File) UnrefArch(r Ref) {
	if f.Kind == FileZero || r == NoRef || r == 0 {
		return
	}
	reg := &f.Registers[r]
	reg.ArchRefs--
	if reg.ArchRefs < 0 {
		reg.ArchRefs = 0
	}
	f.maybeFree(r)
}

func (f *File) maybeFree(r Ref) {
	reg := &f.Registers[r]
	if reg.SpecRefs <= 0 && reg.ArchRefs <= 0 && reg.State != StateFree {
		reg.State = StateFree
		reg.Value = 0
		reg.Flags = 0
		reg.RobIndex = 0
		f.free = append(f.free, r)
	}
}

// RRT is a NumArchRegisters-entry architectural-register -> physical-
// register map. Two exist per thread: SpecRRT (updated at dispatch) and
// CommitRRT (updated at commit). A zero value RRT maps every architectural
// register to Ref(0), the pinned always-ready register 0 of its File,
// which is how a not-yet-renamed register reads.
type RRT struct {
	Int   [NumArchRegisters]Ref
	Flags [NumArchRegisters]Ref // same index space, distinct file
}

// NewRRT returns an RRT with every entry pointing at Ref(0), the pinned
// register 0 of each File, matching architectural start-of-day state.
func NewRRT() RRT {
	var t RRT
	for i := range t.Int {
		t.Int[i] = 0
		t.Flags[i] = 0
	}
	return t
}

// Equal reports bytewise equality, used to check the post-flush invariant
// "SpecRRT == CommitRRT" (spec.md §3, §8 invariant 3).
func (t RRT) Equal(o RRT) bool {
	return t.Int == o.Int && t.Flags == o.Flags
}

// Rename maps an architectural register to a physical register. Callers
// use this at dispatch against SpecRRT and at commit against CommitRRT.
func (t *RRT) Rename(arch uop.RegID, r Ref) { t.Int[arch] = r }

func (t *RRT) RenameFlags(arch uop.RegID, r Ref) { t.Flags[arch] = r }

func (t RRT) Lookup(arch uop.RegID) Ref { return t.Int[arch] }

func (t RRT) LookupFlags(arch uop.RegID) Ref { return t.Flags[arch] }
