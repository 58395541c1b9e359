package decode

import (
	"testing"

	"github.com/avadhpatel/suprax-core/rip"
	"github.com/avadhpatel/suprax-core/uop"
)

// fakeSrc is a byte source backed by a plain slice, with an optional fault
// address to simulate a page fault mid-fetch.
type fakeSrc struct {
	base  uint64
	bytes []byte
	fault uint64 // 0 means "no fault"
}

func (f *fakeSrc) FetchByte(vaddr uint64) (byte, bool) {
	if f.fault != 0 && vaddr >= f.fault {
		return 0, false
	}
	off := vaddr - f.base
	if off >= uint64(len(f.bytes)) {
		return 0, false
	}
	return f.bytes[off], true
}

func (f *fakeSrc) Frame(vaddr uint64) rip.Frame { return rip.Frame(vaddr >> 12) }

func TestDecodeFastAddSequence(t *testing.T) {
	// add; nop; jmp +0 (the jmp terminates the block so decode doesn't run
	// off the end of the fake byte stream).
	src := &fakeSrc{base: 0x1000, bytes: []byte{opAdd, 1, 2, 3, opNop, opJmp, 0}}
	d := New(src)
	bb := d.Translate(rip.New(0x1000, 1, 0))

	if len(bb.Ops) != 3 {
		t.Fatalf("want 3 ops (add, nop, jmp), got %d", len(bb.Ops))
	}
	if bb.Ops[0].Opcode != uop.OpAdd {
		t.Fatalf("want OpAdd, got %v", bb.Ops[0].Opcode)
	}
	if bb.Terminator != uop.BranchUncond {
		t.Fatalf("want BranchUncond, got %v", bb.Terminator)
	}
}

func TestDecodeLoadLowersToAddaThenLd(t *testing.T) {
	src := &fakeSrc{base: 0x1000, bytes: []byte{opLoad, 1, 2, 3, opJmp, 0}}
	d := New(src)
	bb := d.Translate(rip.New(0x1000, 1, 0))

	if len(bb.Ops) != 3 {
		t.Fatalf("want 3 ops (addr-gen + ld + jmp), got %d", len(bb.Ops))
	}
	if bb.Ops[0].Opcode != uop.OpAdda {
		t.Fatalf("first op should be address generation, got %v", bb.Ops[0].Opcode)
	}
	if bb.Ops[1].Opcode != uop.OpLd || !bb.Ops[1].IsLoad {
		t.Fatalf("second op should be a load, got %+v", bb.Ops[1])
	}
	if bb.MemCount != 1 {
		t.Fatalf("want MemCount 1, got %d", bb.MemCount)
	}
}

func TestDecodeLockedRMWPairsFences(t *testing.T) {
	// The lock-prefixed increment itself lowers to exactly 6 uops: a
	// leading fence, addr-gen, locked load, add, locked store, trailing
	// fence. The jmp after it only exists to give decode a terminator.
	src := &fakeSrc{base: 0x2000, bytes: []byte{opLockInc, 4, 8, opJmp, 0}}
	d := New(src)
	bb := d.Translate(rip.New(0x2000, 2, 0))

	if len(bb.Ops) < 6 {
		t.Fatalf("expected at least 6 ops for the locked RMW sequence, got %d", len(bb.Ops))
	}
	first, lastOfRMW := bb.Ops[0], bb.Ops[5]
	if first.Opcode != uop.OpMfMfence || lastOfRMW.Opcode != uop.OpMfMfence {
		t.Fatalf("locked RMW must be bracketed by fences, got first=%v lastOfRMW=%v", first.Opcode, lastOfRMW.Opcode)
	}
	sawLockedLoad, sawLockedStore := false, false
	for _, op := range bb.Ops {
		if op.IsLoad && op.Locked {
			sawLockedLoad = true
		}
		if op.IsStore && op.Locked {
			sawLockedStore = true
		}
	}
	if !sawLockedLoad || !sawLockedStore {
		t.Fatalf("locked RMW must contain a locked load and a locked store")
	}
}

func TestDecodeCondBranchTerminatesBlock(t *testing.T) {
	src := &fakeSrc{base: 0x3000, bytes: []byte{opJcc, 0, 0xFE, opNop}}
	d := New(src)
	bb := d.Translate(rip.New(0x3000, 3, 0))

	if bb.Terminator != uop.BranchCond {
		t.Fatalf("want BranchCond, got %v", bb.Terminator)
	}
	if len(bb.Ops) != 1 {
		t.Fatalf("branch must end the block, got %d ops", len(bb.Ops))
	}
}

func TestDecodeInvalidOpcodeEmitsAssist(t *testing.T) {
	src := &fakeSrc{base: 0x4000, bytes: []byte{0xAB}}
	d := New(src)
	bb := d.Translate(rip.New(0x4000, 4, 0))

	if bb.Terminator != uop.BranchAssist {
		t.Fatalf("want BranchAssist, got %v", bb.Terminator)
	}
	if len(bb.Ops) != 1 || bb.Ops[0].Opcode != uop.OpAssist {
		t.Fatalf("want a single assist uop, got %+v", bb.Ops)
	}
}

func TestDecodeExecFaultEmitsAssist(t *testing.T) {
	src := &fakeSrc{base: 0x5000, bytes: []byte{opAdd, 1, 2, 3}, fault: 0x5000}
	d := New(src)
	bb := d.Translate(rip.New(0x5000, 5, 0))

	if bb.Terminator != uop.BranchAssist {
		t.Fatalf("want BranchAssist for exec fault, got %v", bb.Terminator)
	}
}

func TestDecodeCrossPageBlockSetsHiFrame(t *testing.T) {
	// Byte at 0xFFF starts a 4-byte add that spans into frame 1.
	src := &fakeSrc{base: 0xFFF, bytes: []byte{opAdd, 1, 2, 3}}
	d := New(src)
	bb := d.Translate(rip.New(0xFFF, 0, 0))

	if !bb.Loc.Crosses {
		t.Fatalf("expected cross-page block")
	}
	if bb.Loc.HiFrame != 1 {
		t.Fatalf("want HiFrame 1, got %d", bb.Loc.HiFrame)
	}
}
