// Package uop defines the micro-op (TransOp) representation that the x86
// decoder lowers instructions into, and the BasicBlock container the
// decoder and both pipelines share.
package uop

import "github.com/avadhpatel/suprax-core/rip"

// Opcode is the micro-op operation code. The decoder's opcode *tables* are
// treated as data (per spec.md §1); this is a representative, non-
// exhaustive set of the uop classes the pipelines need to reason about
// (ALU, address generation, memory, control flow, fences, assists), not a
// transcription of the x86 ISA.
type Opcode uint16

const (
	OpNop Opcode = iota
	OpAdd
	OpSub
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpSar
	OpSel  // conditional select (cmov lowering)
	OpCmp  // computes flags into its destination (the decoder's flags scratch register)
	OpAdda // address-generation: base + disp (RA + Imm)
	OpLd   // load uop, reads [addr physreg]
	OpSt   // store uop, writes [addr physreg] = data
	OpBr   // conditional branch
	OpBru  // unconditional branch
	OpBru1 // uncond indirect branch (jmp r/m, ret, call target resolution)
	OpMfLfence
	OpMfSfence
	OpMfMfence
	OpAssist // microcode assist: dest is next-RIP, handler runs at commit
	OpLightAssist
	OpCollCC // collapse/ccall marker for flags merge (rare complex-path glue)
)

// BranchType classifies the terminating branch of a BasicBlock.
type BranchType uint8

const (
	BranchNone BranchType = iota
	BranchCond
	BranchUncond
	BranchIndirect
	BranchAssist
	BranchBarrier
	BranchSplit // block ended only because it hit the uop/byte budget
)

// SizeShift encodes operand width: 0..3 = 1/2/4/8 bytes.
type SizeShift uint8

func (s SizeShift) Bytes() int { return 1 << s }

// FlagMask selects which x86 user flags (ZF/CF/OF/SF/PF/AF) a uop updates.
type FlagMask uint8

const (
	FlagZF FlagMask = 1 << iota
	FlagCF
	FlagOF
	FlagSF
	FlagPF
	FlagAF
)

// CondCode is the x86 condition code a conditional branch or select tests.
// The real x86 condition-code encoding is data (spec.md §1); this is a
// small representative set sufficient for the decoder's fast-path jcc and
// the cmov-style select uop.
type CondCode uint8

const (
	CondZ CondCode = iota
	CondNZ
	CondC
	CondNC
	CondO
	CondNO
	CondS
	CondNS
	CondAlways
)

// Eval tests cc against a computed flag bitmask, as a conditional branch
// or select uop does at execute (spec.md §4.4).
func (cc CondCode) Eval(f FlagMask) bool {
	switch cc {
	case CondZ:
		return f&FlagZF != 0
	case CondNZ:
		return f&FlagZF == 0
	case CondC:
		return f&FlagCF != 0
	case CondNC:
		return f&FlagCF == 0
	case CondO:
		return f&FlagOF != 0
	case CondNO:
		return f&FlagOF == 0
	case CondS:
		return f&FlagSF != 0
	case CondNS:
		return f&FlagSF == 0
	default:
		return true
	}
}

// TransOp is one decoded, immutable three-operand micro-op. It is never
// mutated after the decoder's Translate returns it; the pipelines only ever copy its
// fields into a ROB/AtomOp slot.
type TransOp struct {
	Opcode Opcode

	// Architectural register operands. RegNone means "operand unused".
	RA, RB, RC RegID
	RD         RegID // destination; RegNone when the uop writes no register (e.g. a branch)

	Imm   int64
	Cond  CondCode
	Size  SizeShift
	Flags FlagMask

	// SOM/EOM mark the first/last uop of one x86 macro-op. Exactly one
	// uop in a macro-op's sequence has SOM set and exactly one has EOM
	// set (they may be the same uop).
	SOM bool
	EOM bool

	// RIP of the x86 instruction this uop belongs to (shared by every uop
	// in the same macro-op); used to reconstruct SOM/EOM boundaries during
	// annul (spec.md §4.7) without re-decoding.
	MacroRIP uint64

	// Predicted targets, valid only on the BB-terminating branch uop.
	PredictedTaken    uint64
	PredictedNotTaken uint64

	// Is this uop a memory access, and if so is it a locked RMW that a
	// fence must bracket (spec.md §4.1 "locked read-modify-write...always
	// generate a memory fence before and after").
	IsLoad  bool
	IsStore bool
	Locked  bool

	// LightAssistID / AssistID index into the external assist tables
	// (spec.md §6) for OpLightAssist / OpAssist uops. Zero means unused.
	LightAssistID int
	AssistID      int
}

// RegID is an architectural register id. It spans the full byte range
// (physreg.NumArchRegisters is 256); the decoder's scratch registers sit
// near the top of it, and RegNone marks an unused operand.
type RegID uint8

const RegNone RegID = 0xFF

// IsMem reports whether the uop touches memory at all.
func (t TransOp) IsMem() bool { return t.IsLoad || t.IsStore }

// IsFence reports whether this is one of the mf.* fence uops.
func (t TransOp) IsFence() bool {
	return t.Opcode == OpMfLfence || t.Opcode == OpMfSfence || t.Opcode == OpMfMfence
}

// BasicBlock is the decoder's unit of translation and caching: an ordered
// sequence of TransOps ending in at most one terminating branch/assist.
type BasicBlock struct {
	Loc   rip.VirtPhys
	Ops   []TransOp
	Bytes int

	Terminator BranchType
	// Predicted RIPs for the terminating branch, copied up from the
	// terminator TransOp for cheap access by fetch.
	PredictedTaken    uint64
	PredictedNotTaken uint64

	TagCount   int // number of uops that consume an issue-queue/ROB slot
	MemCount   int
	StoreCount int

	UsedArchRegs uint64 // bitmap of architectural registers read or written

	// Cache bookkeeping (spec.md §3 BasicBlock lifetime).
	RefCount int
	LastUsed uint64 // sim_cycle at last fetch-hit
	HitCount uint64
}

// MaxUopsPerBB bounds decode length per spec.md §2 ("≤ a configured
// maximum per BB, typically 64").
const MaxUopsPerBB = 64

// MaxBytesPerInsn bounds per-instruction byte consumption (x86's legal
// maximum encoding length).
const MaxBytesPerInsn = 15

// StructurallyEqual compares two blocks ignoring cache bookkeeping
// (RefCount/LastUsed/HitCount), used by the "decode twice -> same result"
// round-trip property in spec.md §8.
func (b *BasicBlock) StructurallyEqual(o *BasicBlock) bool {
	if !b.Loc.Equal(o.Loc) || len(b.Ops) != len(o.Ops) || b.Terminator != o.Terminator {
		return false
	}
	for i := range b.Ops {
		if b.Ops[i] != o.Ops[i] {
			return false
		}
	}
	return true
}
