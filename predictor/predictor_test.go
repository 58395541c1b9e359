package predictor

import (
	"testing"

	"github.com/avadhpatel/suprax-core/extiface"
	"github.com/avadhpatel/suprax-core/uop"
)

func TestUnconditionalAlwaysPredictsTakenTarget(t *testing.T) {
	p := New()
	info := extiface.BranchInfo{RIP: 0x1000, FallthroughRIP: 0x1005, TakenTarget: 0x2000}
	if got := p.Predict(info, uop.BranchUncond); got != 0x2000 {
		t.Fatalf("want 0x2000, got %#x", got)
	}
}

func TestCondBranchLearnsTakenAfterRepeatedUpdates(t *testing.T) {
	p := New()
	info := extiface.BranchInfo{RIP: 0x4000, FallthroughRIP: 0x4002, TakenTarget: 0x9000, IsCond: true}

	for i := 0; i < 20; i++ {
		p.Update(info, info.TakenTarget, true)
	}
	if got := p.Predict(info, uop.BranchCond); got != 0x9000 {
		t.Fatalf("want predictor to learn taken, got %#x", got)
	}
}

func TestReturnPredictsPushedCallSite(t *testing.T) {
	p := New()
	call := extiface.BranchInfo{RIP: 0x1000, FallthroughRIP: 0x1005, TakenTarget: 0x5000, IsCall: true}
	p.Predict(call, uop.BranchUncond)

	ret := extiface.BranchInfo{RIP: 0x5010, FallthroughRIP: 0, IsReturn: true}
	got := p.Predict(ret, uop.BranchIndirect)
	if got != 0x1005 {
		t.Fatalf("want return to predict call's fallthrough 0x1005, got %#x", got)
	}
}

func TestIndirectTargetLearnedAfterUpdate(t *testing.T) {
	p := New()
	info := extiface.BranchInfo{RIP: 0x7000, FallthroughRIP: 0x7002}
	if got := p.Predict(info, uop.BranchIndirect); got != info.FallthroughRIP {
		t.Fatalf("first indirect prediction should fall back to fallthrough, got %#x", got)
	}
	p.Update(info, 0xDEAD, false)
	if got := p.Predict(info, uop.BranchIndirect); got != 0xDEAD {
		t.Fatalf("want learned indirect target 0xDEAD, got %#x", got)
	}
}

func TestAnnulRASUndoesSpeculativePush(t *testing.T) {
	p := New()
	call := extiface.BranchInfo{RIP: 0x1000, FallthroughRIP: 0x1005, TakenTarget: 0x5000, IsCall: true}
	p.Predict(call, uop.BranchUncond)
	p.AnnulRAS(call)

	ret := extiface.BranchInfo{RIP: 0x5010, FallthroughRIP: 0x9999, IsReturn: true}
	got := p.Predict(ret, uop.BranchIndirect)
	if got != 0x9999 {
		t.Fatalf("want empty RAS to fall back to fallthrough 0x9999, got %#x", got)
	}
}
