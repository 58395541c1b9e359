package statelist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type arena struct {
	nodes []Node
}

func (a *arena) NodeAt(i Index) *Node { return &a.nodes[i] }

func newArena(n int) *arena {
	a := &arena{nodes: make([]Node, n)}
	for i := range a.nodes {
		a.nodes[i] = Node{Next: NoIndex, Prev: NoIndex}
	}
	return a
}

func collect(l *List, nodes Nodes) []Index {
	var out []Index
	Each(l, nodes, func(i Index) { out = append(out, i) })
	return out
}

func TestPushBackPreservesOrder(t *testing.T) {
	a := newArena(4)
	free := New("free")
	for i := Index(0); i < 4; i++ {
		PushBack(free, a, i)
	}
	require.Equal(t, []Index{0, 1, 2, 3}, collect(free, a))
	require.Equal(t, 4, free.Count)
}

func TestMoveToSingleList(t *testing.T) {
	a := newArena(3)
	listA := New("a")
	listB := New("b")
	for i := Index(0); i < 3; i++ {
		PushBack(listA, a, i)
	}

	MoveTo(a, 1, listB)

	require.Equal(t, []Index{0, 2}, collect(listA, a))
	require.Equal(t, []Index{1}, collect(listB, a))
	require.Same(t, listB, CurrentList(a, 1))
}

func TestRemoveFromMiddle(t *testing.T) {
	a := newArena(5)
	l := New("l")
	for i := Index(0); i < 5; i++ {
		PushBack(l, a, i)
	}
	Remove(a, 2)
	require.Equal(t, []Index{0, 1, 3, 4}, collect(l, a))
	require.Equal(t, 4, l.Count)

	Remove(a, 0)
	require.Equal(t, []Index{1, 3, 4}, collect(l, a))

	Remove(a, 4)
	require.Equal(t, []Index{1, 3}, collect(l, a))
}

func TestEachAllowsSelfRemoval(t *testing.T) {
	a := newArena(3)
	src := New("src")
	dst := New("dst")
	for i := Index(0); i < 3; i++ {
		PushBack(src, a, i)
	}

	Each(src, a, func(i Index) {
		MoveTo(a, i, dst)
	})

	require.True(t, src.Empty())
	require.Equal(t, []Index{0, 1, 2}, collect(dst, a))
}
