package issueq

import (
	"testing"

	"github.com/avadhpatel/suprax-core/physreg"
	"github.com/stretchr/testify/require"
)

func TestInsertWithNoPendingOperandsIsImmediatelyReady(t *testing.T) {
	q := New(8, 2, 2)
	idx, ok := q.Insert(0, 1, 1, [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef})
	require.True(t, ok)

	sel, ok := q.SelectForIssue()
	require.True(t, ok)
	require.Equal(t, idx, sel)
}

func TestBroadcastWakesSlotWhenLastOperandResolves(t *testing.T) {
	q := New(8, 2, 2)
	idx, ok := q.Insert(0, 1, 1, [3]physreg.Ref{5, 9, physreg.NoRef})
	require.True(t, ok)

	_, ok = q.SelectForIssue()
	require.False(t, ok, "not ready until both tags broadcast")

	q.Broadcast(5)
	_, ok = q.SelectForIssue()
	require.False(t, ok, "still waiting on tag 9")

	q.Broadcast(9)
	sel, ok := q.SelectForIssue()
	require.True(t, ok)
	require.Equal(t, idx, sel)
}

func TestSelectForIssuePrefersOldest(t *testing.T) {
	q := New(8, 1, 8)
	older, _ := q.Insert(0, 1, 1, [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef})
	_, _ = q.Insert(0, 2, 1, [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef})

	sel, ok := q.SelectForIssue()
	require.True(t, ok)
	require.Equal(t, older, sel)
}

func TestMarkIssuedRemovesFromCandidatesUntilReplayed(t *testing.T) {
	q := New(8, 1, 8)
	idx, _ := q.Insert(0, 1, 1, [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef})
	q.MarkIssued(idx)

	_, ok := q.SelectForIssue()
	require.False(t, ok, "issued slot must not be reselected")

	q.Replay(idx)
	sel, ok := q.SelectForIssue()
	require.True(t, ok)
	require.Equal(t, idx, sel)
}

func TestReservedCapacityGuaranteesPerThreadSlot(t *testing.T) {
	q := New(4, 2, 1)
	// Thread 1 fills the shared pool entirely.
	for i := 0; i < 3; i++ {
		_, ok := q.Insert(1, int32(i), 1, [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef})
		require.True(t, ok)
	}
	require.False(t, q.CanInsert(1), "thread 1 must not starve thread 0's reserved slot")
	require.True(t, q.CanInsert(0), "thread 0's reserved slot must remain available")
}

func TestAnnulRemovesOnlyDeadSlotsForThread(t *testing.T) {
	q := New(8, 2, 4)
	keep, _ := q.Insert(0, 1, 1, [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef})
	drop, _ := q.Insert(0, 2, 1, [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef})
	other, _ := q.Insert(1, 3, 1, [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef})

	removed := q.Annul(0, func(robIndex int32, robGen uint32) bool {
		return robIndex != 2
	})
	require.Equal(t, 1, removed)
	require.Equal(t, 2, q.Occupancy()+0) // keep + other still valid

	_, stillReady := q.SelectForIssue()
	require.True(t, stillReady)
	_ = keep
	_ = drop
	_ = other
}

func TestRemoveFreesSlotForReuse(t *testing.T) {
	q := New(1, 1, 1)
	idx, ok := q.Insert(0, 1, 1, [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef})
	require.True(t, ok)
	_, ok = q.Insert(0, 2, 1, [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef})
	require.False(t, ok, "queue at capacity 1")

	q.Remove(idx)
	_, ok = q.Insert(0, 2, 1, [3]physreg.Ref{physreg.NoRef, physreg.NoRef, physreg.NoRef})
	require.True(t, ok)
}
