package rob

import (
	"testing"

	"github.com/avadhpatel/suprax-core/physreg"
	"github.com/avadhpatel/suprax-core/uop"
)

func TestAllocateDispatchCommitLifecycle(t *testing.T) {
	a := NewArena(4, 1)
	idx, ok := a.Allocate(0, 0, uop.TransOp{Opcode: uop.OpAdd})
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	if a.Entry(idx).State != StateReadyToDispatch {
		t.Fatalf("want ready-to-dispatch, got %v", a.Entry(idx).State)
	}

	a.Dispatch(idx, [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef}, physreg.Ref(3))
	a.Issue(idx)
	a.Complete(idx)
	a.ReadyToWriteback(idx)
	a.Writeback(idx)
	if a.Entry(idx).State != StateReadyToCommit {
		t.Fatalf("want ready-to-commit, got %v", a.Entry(idx).State)
	}

	head, ok := a.CommitHead(0)
	if !ok || head != idx {
		t.Fatalf("want commit head %d, got %d ok=%v", idx, head, ok)
	}
	a.Commit(0)
	if a.Entry(idx).Valid {
		t.Fatal("entry should be invalid after commit")
	}
	if a.Entry(idx).State != StateFree {
		t.Fatalf("want free after commit, got %v", a.Entry(idx).State)
	}
}

func TestAllocateExhaustionReturnsFalse(t *testing.T) {
	a := NewArena(2, 1)
	if _, ok := a.Allocate(0, 0, uop.TransOp{}); !ok {
		t.Fatal("first allocate should succeed")
	}
	if _, ok := a.Allocate(0, 0, uop.TransOp{}); !ok {
		t.Fatal("second allocate should succeed")
	}
	if _, ok := a.Allocate(0, 0, uop.TransOp{}); ok {
		t.Fatal("third allocate should fail: arena has only 2 entries")
	}
}

func TestCommitPanicsIfNotReady(t *testing.T) {
	a := NewArena(2, 1)
	a.Allocate(0, 0, uop.TransOp{})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic committing a non-ready entry")
		}
	}()
	a.Commit(0)
}

func TestAnnulFreesYoungerEntriesOnly(t *testing.T) {
	a := NewArena(4, 1)
	i0, _ := a.Allocate(0, 0, uop.TransOp{})
	i1, _ := a.Allocate(0, 0, uop.TransOp{})
	i2, _ := a.Allocate(0, 0, uop.TransOp{})

	annulled := a.Annul(0, i0, false)
	if len(annulled) != 2 {
		t.Fatalf("want 2 annulled, got %d", len(annulled))
	}
	if a.Entry(i0).State != StateReadyToDispatch {
		t.Fatalf("i0 must survive, got state %v", a.Entry(i0).State)
	}
	if a.Entry(i1).Valid || a.Entry(i2).Valid {
		t.Fatal("i1 and i2 must be freed")
	}
}

func TestRedispatchWalksTransitiveDependents(t *testing.T) {
	a := NewArena(4, 1)
	root, _ := a.Allocate(0, 0, uop.TransOp{})
	child, _ := a.Allocate(0, 0, uop.TransOp{})
	grandchild, _ := a.Allocate(0, 0, uop.TransOp{})
	a.Dispatch(root, [3]physreg.Ref{}, physreg.NoRef)
	a.Dispatch(child, [3]physreg.Ref{}, physreg.NoRef)
	a.Dispatch(grandchild, [3]physreg.Ref{}, physreg.NoRef)
	a.Issue(root)
	a.Issue(child)
	a.Issue(grandchild)

	graph := map[int32][]int32{root: {child}, child: {grandchild}}
	touched := a.Redispatch(root, func(idx int32) []int32 { return graph[idx] })

	if len(touched) != 2 {
		t.Fatalf("want child+grandchild touched, got %d", len(touched))
	}
	if a.Entry(child).State != StateReadyToDispatch || a.Entry(grandchild).State != StateReadyToDispatch {
		t.Fatal("dependents must be pushed back to ready-to-dispatch")
	}
	if a.Entry(root).State != StateIssued {
		t.Fatal("root itself is not touched by its own redispatch")
	}
}

func TestFaultDeliveredAtCommit(t *testing.T) {
	a := NewArena(2, 1)
	idx, _ := a.Allocate(0, 0, uop.TransOp{})
	a.Fault(idx, ExceptionSkipBlock, 0, 0)
	if a.Entry(idx).State != StateReadyToCommit {
		t.Fatalf("faulted entry must still reach commit in order, got %v", a.Entry(idx).State)
	}
	if a.Entry(idx).Exception != ExceptionSkipBlock {
		t.Fatal("exception discriminant lost")
	}
}
