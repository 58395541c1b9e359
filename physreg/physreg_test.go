package physreg

import (
	"testing"

	"github.com/avadhpatel/suprax-core/uop"
	"github.com/stretchr/testify/require"
)

func TestAllocateScrubsAndMarksPending(t *testing.T) {
	f := NewFile(FileInt, 4)
	r := f.Allocate(7)
	require.NotEqual(t, NoRef, r)
	require.Equal(t, StatePending, f.Registers[r].State)
	require.Zero(t, f.Registers[r].Value)
	require.EqualValues(t, 7, f.Registers[r].RobIndex)
}

func TestFreeRequiresBothRefsZero(t *testing.T) {
	f := NewFile(FileInt, 2)
	r := f.Allocate(0)
	f.AddSpecRef(r)
	f.AddArchRef(r)

	f.UnrefSpec(r)
	require.Equal(t, StateArch, f.Registers[r].State, "still held by an arch ref")

	f.UnrefArch(r)
	require.Equal(t, StateFree, f.Registers[r].State)
	require.Zero(t, f.Registers[r].Value, "freed register must not expose stale data")
}

func TestAllocateExhaustion(t *testing.T) {
	// Size 2: register 0 is pinned arch/zero and never allocatable (see
	// File's doc comment), leaving exactly one allocatable slot.
	f := NewFile(FileInt, 2)
	r1 := f.Allocate(0)
	require.NotEqual(t, NoRef, r1)
	require.Equal(t, NoRef, f.Allocate(0))
}

func TestIntFileRegisterZeroIsPinnedArch(t *testing.T) {
	// Guards the start-of-day deadlock: NewRRT maps every architectural
	// register to Ref(0), so register 0 of an ordinary file (not just
	// FileZero) must already be Ready and immune to the free-on-zero
	// refcounting every other register is subject to.
	f := NewFile(FileInt, 4)
	require.Equal(t, StateArch, f.Registers[0].State)
	require.True(t, f.Ready(0))
	f.UnrefArch(0)
	require.Equal(t, StateArch, f.Registers[0].State, "register 0 must stay pinned regardless of ref count")
	f.UnrefSpec(0)
	require.Equal(t, StateArch, f.Registers[0].State, "register 0 must stay pinned regardless of ref count")
}

func TestZeroFileNeverFrees(t *testing.T) {
	f := NewFile(FileZero, 4)
	require.Equal(t, StateArch, f.Registers[0].State)
	f.UnrefArch(0)
	require.Equal(t, StateArch, f.Registers[0].State, "zero register is pinned")
}

func TestRRTEqualAfterFlush(t *testing.T) {
	spec := NewRRT()
	commit := NewRRT()
	spec.Rename(3, 9)
	require.False(t, spec.Equal(commit))

	spec = commit // flush: SpecRRT reset to CommitRRT
	require.True(t, spec.Equal(commit))
}

func TestWriteTransitionsPendingToWritten(t *testing.T) {
	f := NewFile(FileInt, 2)
	r := f.Allocate(0)
	require.False(t, f.Ready(r))
	f.Write(r, 0xDEADBEEF, uop.FlagZF)
	require.True(t, f.Ready(r))
	require.EqualValues(t, 0xDEADBEEF, f.Registers[r].Value)
}
