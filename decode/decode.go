// Package decode translates x86 instruction bytes at a given RIP into a
// cached BasicBlock of TransOps (spec.md §4.1).
//
// The real x86 opcode maps are data, not design (spec.md §1: "treated as
// data, not as part of the design to reproduce"); what this package
// implements is the decode *contract*: the fast/complex/sse/x87 dispatch
// shape, basic-block boundary rules, the lowering of memory operands into
// address-generation + ld/st uops, the locked-RMW fence-pairing rule, and
// assist emission on invalid opcodes or faulting fetches. opcodeClass is
// therefore a small, representative byte-classification table rather than
// an exhaustive transcription of the x86 ISA.
package decode

import (
	"github.com/avadhpatel/suprax-core/extiface"
	"github.com/avadhpatel/suprax-core/rip"
	"github.com/avadhpatel/suprax-core/uop"
)

// ByteSource is the minimal fetch contract the decoder needs: read one
// byte of the instruction stream at a virtual address, reporting whether
// the byte is fetchable (false models a page fault mid-fetch).
type ByteSource interface {
	FetchByte(vaddr uint64) (b byte, ok bool)
	Frame(vaddr uint64) rip.Frame
}

// Conventional scratch architectural registers the decoder renames memory
// operands and flags through, distinct from the 16 x86 GPRs (spec.md §4.1
// "memory operands lower to explicit address-generation... followed by an
// ld/st uop"). Living in the same architectural register space as the
// GPRs, they get renamed and tracked by the ordinary RRT/ROB machinery;
// no separate tag space for the issue queue to special-case.
const (
	RegEA    uop.RegID = 250 // effective address, written by OpAdda
	RegTmp   uop.RegID = 251 // locked-RMW load/modify/store temp
	RegFlags uop.RegID = 252 // cmp's flags result, consumed by a later jcc
)

// class is which of the four decode subroutines handles an opcode byte.
type class int

const (
	classFast class = iota
	classComplex
	classSSE
	classX87
	classInvalid
)

// Representative byte-classification table (spec.md §4.1 "four
// subroutines selected by a lookup table"). Every entry not listed here
// classifies as classInvalid.
var opcodeClass = map[byte]class{
	0x00: classFast,    // nop
	0x01: classFast,    // add dst, src1, src2
	0x02: classFast,    // load dst, [base+disp8]
	0x03: classFast,    // store [base+disp8], src
	0x04: classFast,    // cmp src1, src2
	0x05: classFast,    // jcc rel8
	0x06: classFast,    // jmp rel8
	0x07: classFast,    // jmp/call [reg] (indirect)
	0x08: classComplex, // lock inc [base+disp8]
	0x09: classComplex, // cpuid-like microcode assist
	0x0A: classSSE,
	0x0B: classX87,
}

const (
	opNop byte = iota
	opAdd
	opLoad
	opStore
	opCmp
	opJcc
	opJmp
	opJmpInd
	opLockInc
	opAssistCPUID
	opSSEAdd  byte = 0x0A
	opX87Fld  byte = 0x0B
	opInvalid byte = 0xFE
)

// Decoder translates bytes into BasicBlocks.
type Decoder struct {
	src ByteSource
}

func New(src ByteSource) *Decoder { return &Decoder{src: src} }

// Translate implements the contract of spec.md §4.1: decode starting at
// loc until a branch, an assist, the per-BB uop budget, or an invalid
// page is hit, and return the resulting BasicBlock (not yet cached).
func (d *Decoder) Translate(loc rip.VirtPhys) *uop.BasicBlock {
	bb := &uop.BasicBlock{Loc: loc}
	vaddr := loc.RIP
	startFrame := d.src.Frame(vaddr)

	for len(bb.Ops) < uop.MaxUopsPerBB {
		opcodeByte, ok := d.src.FetchByte(vaddr)
		if !ok {
			d.emitExecFault(bb, vaddr)
			return finish(bb, d.src, startFrame)
		}

		cls, known := opcodeClass[opcodeByte]
		if !known {
			d.emitInvalidOpcode(bb, vaddr)
			return finish(bb, d.src, startFrame)
		}

		var consumed int
		var done bool
		switch cls {
		case classFast:
			consumed, done = d.decodeFast(bb, vaddr, opcodeByte)
		case classComplex:
			consumed, done = d.decodeComplex(bb, vaddr, opcodeByte)
		case classSSE:
			consumed, done = d.decodeSSE(bb, vaddr, opcodeByte)
		case classX87:
			consumed, done = d.decodeX87(bb, vaddr, opcodeByte)
		}

		bb.Bytes += consumed
		vaddr += uint64(consumed)

		if done {
			break
		}
		if len(bb.Ops) >= uop.MaxUopsPerBB && bb.Terminator == uop.BranchNone {
			bb.Terminator = uop.BranchSplit
			break
		}
	}

	return finish(bb, d.src, startFrame)
}

func finish(bb *uop.BasicBlock, src ByteSource, startFrame rip.Frame) *uop.BasicBlock {
	endFrame := startFrame
	if bb.Bytes > 0 {
		endFrame = src.Frame(bb.Loc.RIP + uint64(bb.Bytes) - 1)
	}
	if endFrame != startFrame {
		bb.Loc = rip.NewCrossPage(bb.Loc.RIP, startFrame, endFrame, bb.Loc.ModeBits)
	}
	for _, op := range bb.Ops {
		bb.TagCount++
		if op.IsMem() {
			bb.MemCount++
		}
		if op.IsStore {
			bb.StoreCount++
		}
		if op.RA != uop.RegNone {
			bb.UsedArchRegs |= 1 << (op.RA & 63)
		}
		if op.RB != uop.RegNone {
			bb.UsedArchRegs |= 1 << (op.RB & 63)
		}
		if op.RD != uop.RegNone {
			bb.UsedArchRegs |= 1 << (op.RD & 63)
		}
	}
	return bb
}

// decodeFast covers simple ALU/loads/stores/branches (spec.md §4.1).
func (d *Decoder) decodeFast(bb *uop.BasicBlock, vaddr uint64, opcodeByte byte) (consumed int, done bool) {
	switch opcodeByte {
	case opNop:
		bb.Ops = append(bb.Ops, uop.TransOp{
			Opcode: uop.OpNop, RA: uop.RegNone, RB: uop.RegNone, RD: uop.RegNone,
			SOM: true, EOM: true, MacroRIP: vaddr,
		})
		return 1, false

	case opAdd:
		dst, s1, s2, ok := d.fetch3(vaddr + 1)
		if !ok {
			d.emitExecFault(bb, vaddr)
			return 1, true
		}
		bb.Ops = append(bb.Ops, uop.TransOp{
			Opcode: uop.OpAdd, RD: uop.RegID(dst), RA: uop.RegID(s1), RB: uop.RegID(s2),
			SOM: true, EOM: true, MacroRIP: vaddr,
		})
		return 4, false

	case opCmp:
		s1, s2, ok := d.fetch2(vaddr + 1)
		if !ok {
			d.emitExecFault(bb, vaddr)
			return 1, true
		}
		// Cmp has no architectural destination, but the flags it computes
		// are a real rename dependency a later jcc must wait on (spec.md
		// §4.2 "flags... renamed independently"). RegFlags is the single
		// conventional architectural slot this table renames flags
		// through, exactly like RegEA brackets a memory operand.
		bb.Ops = append(bb.Ops, uop.TransOp{
			Opcode: uop.OpCmp, RA: uop.RegID(s1), RB: uop.RegID(s2), RD: RegFlags,
			Flags: uop.FlagZF | uop.FlagCF | uop.FlagOF | uop.FlagSF,
			SOM:   true, EOM: true, MacroRIP: vaddr,
		})
		return 3, false

	case opLoad:
		dst, base, disp, ok := d.fetch3(vaddr + 1)
		if !ok {
			d.emitExecFault(bb, vaddr)
			return 1, true
		}
		// Memory operands lower to explicit address-generation followed by
		// an ld/st uop (spec.md §4.1). The addr uop and the ld/st uop share
		// the macro-op's SOM/EOM bracket.
		bb.Ops = append(bb.Ops,
			uop.TransOp{Opcode: uop.OpAdda, RD: RegEA, RA: uop.RegID(base), RB: uop.RegNone, Imm: int64(int8(disp)), SOM: true, MacroRIP: vaddr},
			uop.TransOp{Opcode: uop.OpLd, RD: uop.RegID(dst), RA: RegEA, RB: uop.RegNone, IsLoad: true, Size: 3, EOM: true, MacroRIP: vaddr},
		)
		return 4, false

	case opStore:
		base, disp, src, ok := d.fetch3(vaddr + 1)
		if !ok {
			d.emitExecFault(bb, vaddr)
			return 1, true
		}
		bb.Ops = append(bb.Ops,
			uop.TransOp{Opcode: uop.OpAdda, RD: RegEA, RA: uop.RegID(base), RB: uop.RegNone, Imm: int64(int8(disp)), SOM: true, MacroRIP: vaddr},
			uop.TransOp{Opcode: uop.OpSt, RA: RegEA, RB: uop.RegID(src), RD: uop.RegNone, IsStore: true, Size: 3, EOM: true, MacroRIP: vaddr},
		)
		return 4, false

	case opJcc:
		cond, rel, ok := d.fetch2(vaddr + 1)
		if !ok {
			d.emitExecFault(bb, vaddr)
			return 1, true
		}
		target := vaddr + 3 + uint64(int64(int8(rel)))
		seq := vaddr + 3
		// RA carries the flags dependency cmp produced (RegFlags), so the
		// rename/issue machinery makes this branch wait for it like any
		// other operand instead of executing against stale flags.
		bb.Ops = append(bb.Ops, uop.TransOp{
			Opcode: uop.OpBr, RA: RegFlags, RB: uop.RegNone, RD: uop.RegNone,
			Cond: uop.CondCode(cond), SOM: true, EOM: true, MacroRIP: vaddr,
			PredictedTaken: target, PredictedNotTaken: seq,
		})
		bb.Terminator = uop.BranchCond
		bb.PredictedTaken, bb.PredictedNotTaken = target, seq
		return 3, true

	case opJmp:
		rel, ok := d.fetch1(vaddr + 1)
		if !ok {
			d.emitExecFault(bb, vaddr)
			return 1, true
		}
		target := vaddr + 2 + uint64(int64(int8(rel)))
		bb.Ops = append(bb.Ops, uop.TransOp{
			Opcode: uop.OpBru, RA: uop.RegNone, RB: uop.RegNone, RD: uop.RegNone,
			SOM: true, EOM: true, MacroRIP: vaddr, PredictedTaken: target,
		})
		bb.Terminator = uop.BranchUncond
		bb.PredictedTaken = target
		return 2, true

	case opJmpInd:
		reg, ok := d.fetch1(vaddr + 1)
		if !ok {
			d.emitExecFault(bb, vaddr)
			return 1, true
		}
		bb.Ops = append(bb.Ops, uop.TransOp{
			Opcode: uop.OpBru1, RA: uop.RegID(reg), RB: uop.RegNone, RD: uop.RegNone,
			SOM: true, EOM: true, MacroRIP: vaddr,
		})
		bb.Terminator = uop.BranchIndirect
		return 2, true

	default:
		d.emitInvalidOpcode(bb, vaddr)
		return 1, true
	}
}

// decodeComplex covers instructions touching architectural state: either
// an inline uop sequence (the locked RMW here) or a microcode assist
// (spec.md §4.1).
func (d *Decoder) decodeComplex(bb *uop.BasicBlock, vaddr uint64, opcodeByte byte) (consumed int, done bool) {
	switch opcodeByte {
	case opLockInc:
		base, disp, ok := d.fetch2(vaddr + 1)
		if !ok {
			d.emitExecFault(bb, vaddr)
			return 1, true
		}
		// Locked RMW: decoder always pairs a fence before and after the
		// RMW itself (spec.md §4.1 and §4.5, the `mf` the decoder always
		// pairs with a locked RMW).
		bb.Ops = append(bb.Ops,
			uop.TransOp{Opcode: uop.OpMfMfence, RA: uop.RegNone, RB: uop.RegNone, RD: uop.RegNone, SOM: true, MacroRIP: vaddr},
			uop.TransOp{Opcode: uop.OpAdda, RD: RegEA, RA: uop.RegID(base), RB: uop.RegNone, Imm: int64(int8(disp)), MacroRIP: vaddr},
			uop.TransOp{Opcode: uop.OpLd, RD: RegTmp, RA: RegEA, RB: uop.RegNone, IsLoad: true, Locked: true, Size: 3, MacroRIP: vaddr},
			uop.TransOp{Opcode: uop.OpAdd, RD: RegTmp, RA: RegTmp, RB: uop.RegNone, Imm: 1, MacroRIP: vaddr},
			uop.TransOp{Opcode: uop.OpSt, RA: RegEA, RB: RegTmp, RD: uop.RegNone, IsStore: true, Locked: true, Size: 3, MacroRIP: vaddr},
			uop.TransOp{Opcode: uop.OpMfMfence, RA: uop.RegNone, RB: uop.RegNone, RD: uop.RegNone, EOM: true, MacroRIP: vaddr},
		)
		return 3, false

	case opAssistCPUID:
		bb.Ops = append(bb.Ops, uop.TransOp{
			Opcode: uop.OpAssist, RA: uop.RegNone, RB: uop.RegNone, RD: uop.RegNone,
			AssistID: int(extiface.AssistCPUID),
			SOM:      true, EOM: true, MacroRIP: vaddr,
		})
		bb.Terminator = uop.BranchAssist
		return 1, true

	default:
		d.emitInvalidOpcode(bb, vaddr)
		return 1, true
	}
}

func (d *Decoder) decodeSSE(bb *uop.BasicBlock, vaddr uint64, opcodeByte byte) (consumed int, done bool) {
	dst, s1, ok := d.fetch2(vaddr + 1)
	if !ok {
		d.emitExecFault(bb, vaddr)
		return 1, true
	}
	bb.Ops = append(bb.Ops, uop.TransOp{
		Opcode: uop.OpAdd, RD: uop.RegID(dst), RA: uop.RegID(s1), RB: uop.RegNone,
		Size: 3, SOM: true, EOM: true, MacroRIP: vaddr,
	})
	return 3, false
}

func (d *Decoder) decodeX87(bb *uop.BasicBlock, vaddr uint64, opcodeByte byte) (consumed int, done bool) {
	dst, ok := d.fetch1(vaddr + 1)
	if !ok {
		d.emitExecFault(bb, vaddr)
		return 1, true
	}
	bb.Ops = append(bb.Ops, uop.TransOp{
		Opcode: uop.OpLightAssist, RD: uop.RegID(dst), RA: uop.RegNone, RB: uop.RegNone,
		LightAssistID: int(0), Size: 3, SOM: true, EOM: true, MacroRIP: vaddr,
	})
	return 2, false
}

// emitInvalidOpcode implements "Invalid opcode -> emit an 'invalid-
// opcode' assist" (spec.md §4.1 failure modes). If this is the very first
// insn of the block, the BB ends with exactly this one uop (spec.md §4.1
// "If the first insn itself is invalid...").
func (d *Decoder) emitInvalidOpcode(bb *uop.BasicBlock, vaddr uint64) {
	bb.Ops = append(bb.Ops, uop.TransOp{
		Opcode: uop.OpAssist, RA: uop.RegNone, RB: uop.RegNone, RD: uop.RegNone,
		AssistID: int(extiface.AssistInvalidOpcode), SOM: true, EOM: true, MacroRIP: vaddr,
	})
	bb.Terminator = uop.BranchAssist
}

// emitExecFault implements "Page fault while fetching bytes -> emit an
// 'exec-fault' assist whose handler propagates the x86 page fault."
func (d *Decoder) emitExecFault(bb *uop.BasicBlock, vaddr uint64) {
	bb.Ops = append(bb.Ops, uop.TransOp{
		Opcode: uop.OpAssist, RA: uop.RegNone, RB: uop.RegNone, RD: uop.RegNone,
		AssistID: int(extiface.AssistExecFault), SOM: true, EOM: true, MacroRIP: vaddr,
	})
	bb.Terminator = uop.BranchAssist
}

func (d *Decoder) fetch1(vaddr uint64) (byte, bool) { return d.src.FetchByte(vaddr) }

func (d *Decoder) fetch2(vaddr uint64) (a, b byte, ok bool) {
	a, ok = d.src.FetchByte(vaddr)
	if !ok {
		return
	}
	b, ok = d.src.FetchByte(vaddr + 1)
	return
}

func (d *Decoder) fetch3(vaddr uint64) (a, b, c byte, ok bool) {
	a, b, ok = d.fetch2(vaddr)
	if !ok {
		return
	}
	c, ok = d.src.FetchByte(vaddr + 2)
	return
}
