package tlbwalk

import (
	"testing"

	"github.com/avadhpatel/suprax-core/extiface"
	"github.com/avadhpatel/suprax-core/uop"
)

// fakeCtx implements extiface.Context with every method a no-op except
// VirtToPTEPhys, the only one the walk state machine consults.
type fakeCtx struct {
	mapped map[int]uint64 // level -> phys addr; missing key means unmapped
}

func (f *fakeCtx) ReadReg(uop.RegID) uint64                               { return 0 }
func (f *fakeCtx) WriteReg(uop.RegID, uint64)                             {}
func (f *fakeCtx) EIP() uint64                                            { return 0 }
func (f *fakeCtx) SetEIP(uint64)                                          {}
func (f *fakeCtx) CheckAndTranslate(uint64, int, bool, bool) extiface.TranslateResult {
	return extiface.TranslateResult{}
}
func (f *fakeCtx) TryHandleFault(uint64, bool) bool { return false }
func (f *fakeCtx) LoadPhys(uint64, int) uint64      { return 0 }
func (f *fakeCtx) LoadVirt(uint64, int) uint64      { return 0 }
func (f *fakeCtx) StoreMaskVirt(uint64, uint64, uint64, int) {}
func (f *fakeCtx) StoreInternal(uint64, uint64, int)         {}
func (f *fakeCtx) PropagateException(int, extiface.PageFaultErrorCode, uint64) {}
func (f *fakeCtx) CheckEvents() bool                                        { return false }
func (f *fakeCtx) EventUpcall()                                             {}
func (f *fakeCtx) HandlePageFault(uint64, extiface.PageFaultErrorCode)      {}
func (f *fakeCtx) SegmentBase(uop.RegID) uint64                             { return 0 }
func (f *fakeCtx) VirtToPTEPhys(_ uint64, level int) (uint64, bool) {
	p, ok := f.mapped[level]
	return p, ok
}
func (f *fakeCtx) CPUIndex() int        { return 0 }
func (f *fakeCtx) DirectionFlag() bool  { return false }
func (f *fakeCtx) KernelMode() bool     { return false }
func (f *fakeCtx) CR0() uint64          { return 0 }
func (f *fakeCtx) CR4() uint64          { return 0 }

func TestWalkCountsDownThroughEveryLevel(t *testing.T) {
	f := &fakeCtx{mapped: map[int]uint64{4: 1, 3: 1, 2: 1, 1: 1, 0: 0xABCD000}}
	w := Start(0, 1, 1, 0x401000, false, 4)

	for lvl := 4; lvl > 0; lvl-- {
		out := w.Step(f)
		if out.Done {
			t.Fatalf("walk finished early at level %d", lvl)
		}
	}
	out := w.Step(f)
	if !out.Done || out.Fault {
		t.Fatalf("want completed walk, got %+v", out)
	}
	if out.PhysAddr != 0xABCD000 {
		t.Fatalf("want phys 0xABCD000, got %#x", out.PhysAddr)
	}
}

func TestWalkFaultsOnMissingLevel(t *testing.T) {
	f := &fakeCtx{mapped: map[int]uint64{4: 1, 3: 1}} // level 2 unmapped
	w := Start(0, 1, 1, 0x401000, true, 4)

	w.Step(f) // level 4 -> 3
	w.Step(f) // level 3 -> 2
	out := w.Step(f)
	if !out.Done || !out.Fault {
		t.Fatalf("want a fault at the unmapped level, got %+v", out)
	}
	if out.ErrorCode&(1<<1) == 0 {
		t.Fatal("write fault must set the write bit in the error code")
	}
}
