package bbcache

import (
	"testing"

	"github.com/avadhpatel/suprax-core/rip"
	"github.com/avadhpatel/suprax-core/uop"
	"github.com/stretchr/testify/require"
)

func block(vrip uint64, frame rip.Frame) *uop.BasicBlock {
	return &uop.BasicBlock{
		Loc: rip.New(vrip, frame, 0),
		Ops: []uop.TransOp{{Opcode: uop.OpAdd, SOM: true, EOM: true}},
	}
}

func TestInsertLookupBumpsRefcount(t *testing.T) {
	c := New()
	bb := block(0x1000, 1)
	c.Insert(bb)

	got, ok := c.Lookup(bb.Loc)
	require.True(t, ok)
	require.Equal(t, 1, got.RefCount)

	c.Release(bb.Loc)
	require.Equal(t, 0, got.RefCount)
}

func TestInvalidatePageFreesTouchingBlocks(t *testing.T) {
	c := New()
	bb1 := block(0x1000, 1)
	bb2 := block(0x2000, 1)
	bb3 := block(0x3000, 2)
	c.Insert(bb1)
	c.Insert(bb2)
	c.Insert(bb3)

	freed := c.InvalidatePage(1, ReasonSMCDirty)
	require.Equal(t, 2, freed)
	require.Equal(t, 1, c.Len())

	_, ok := c.Lookup(bb1.Loc)
	require.False(t, ok)
	_, ok = c.Lookup(bb3.Loc)
	require.True(t, ok)
}

func TestInvalidateDefersWhileReferenced(t *testing.T) {
	c := New()
	bb := block(0x1000, 1)
	c.Insert(bb)
	_, _ = c.Lookup(bb.Loc) // refcount -> 1

	freed := c.InvalidatePage(1, ReasonSMCDirty)
	require.Equal(t, 0, freed, "referenced block must not be freed yet")
	require.Equal(t, 1, c.Len())

	c.Release(bb.Loc) // refcount -> 0, retries the deferred free
	require.Equal(t, 0, c.Len())
}

func TestReclaimEvictsBelowAverageLastUsed(t *testing.T) {
	c := New()
	old := block(0x1000, 1)
	fresh := block(0x2000, 2)
	c.SetCycle(0)
	c.Insert(old)
	c.SetCycle(100)
	c.Insert(fresh)

	freed := c.Reclaim()
	require.Equal(t, 1, freed)
	_, ok := c.Lookup(old.Loc)
	require.False(t, ok)
	_, ok = c.Lookup(fresh.Loc)
	require.True(t, ok)
}

func TestReclaimSkipsReferencedBlocks(t *testing.T) {
	c := New()
	bb := block(0x1000, 1)
	c.Insert(bb)
	_, _ = c.Lookup(bb.Loc) // held

	freed := c.Reclaim()
	require.Equal(t, 0, freed)
}

func TestCrossPageBlockIndexedUnderBothFrames(t *testing.T) {
	c := New()
	bb := &uop.BasicBlock{Loc: rip.NewCrossPage(0xFF0, 1, 2, 0)}
	c.Insert(bb)

	require.Equal(t, 1, c.InvalidatePage(2, ReasonSMCDirty))
	require.Equal(t, 0, c.Len())
}
