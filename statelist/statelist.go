// Package statelist implements the intrusive-doubly-linked-list-over-an-
// arena pattern used throughout both pipelines (Design Notes §9 of
// SPEC_FULL.md): a ROB or AtomOp moves between named logical states in
// O(1) without reallocation, tracked by index rather than pointer so the
// arena can be a plain slice.
package statelist

// Index is a slot index into an arena. NoIndex marks "no such neighbour".
type Index int32

const NoIndex Index = -1

// Node is the intrusive linkage every arena element embeds.
type Node struct {
	Next, Prev Index
	list       *List
}

// List is a named doubly-linked list of arena indices. Build one with New:
// the zero value has Head and Tail 0 rather than NoIndex, so it is not a
// usable empty list.
type List struct {
	Name       string
	Head, Tail Index
	Count      int
}

// New returns an empty named list.
func New(name string) *List {
	return &List{Name: name, Head: NoIndex, Tail: NoIndex}
}

// Nodes is the interface an arena must provide so List can reach a given
// element's intrusive Node by index.
type Nodes interface {
	NodeAt(i Index) *Node
}

// PushBack appends idx to the tail of l (program-order-preserving: callers
// always insert newly dispatched entries at the tail, so list iteration
// order IS program order within the list, per spec.md §3).
func PushBack(l *List, nodes Nodes, idx Index) {
	n := nodes.NodeAt(idx)
	n.list = l
	n.Next = NoIndex
	n.Prev = l.Tail
	if l.Tail != NoIndex {
		nodes.NodeAt(l.Tail).Next = idx
	} else {
		l.Head = idx
	}
	l.Tail = idx
	l.Count++
}

// Remove unlinks idx from whichever list it currently belongs to. It is a
// no-op if idx is not on any list.
func Remove(nodes Nodes, idx Index) {
	n := nodes.NodeAt(idx)
	l := n.list
	if l == nil {
		return
	}
	if n.Prev != NoIndex {
		nodes.NodeAt(n.Prev).Next = n.Next
	} else {
		l.Head = n.Next
	}
	if n.Next != NoIndex {
		nodes.NodeAt(n.Next).Prev = n.Prev
	} else {
		l.Tail = n.Prev
	}
	n.Next, n.Prev, n.list = NoIndex, NoIndex, nil
	l.Count--
}

// MoveTo is the single state-transition primitive: unlink idx from its
// current list (if any) and relink it at the tail of dst. This is the Go
// analog of the original simulator's changestate(); every state change in
// either pipeline must go through this one function so "an entry is in
// exactly one state-list at any time" always holds.
func MoveTo(nodes Nodes, idx Index, dst *List) {
	Remove(nodes, idx)
	PushBack(dst, nodes, idx)
}

// CurrentList reports which list idx is presently linked into, or nil.
func CurrentList(nodes Nodes, idx Index) *List {
	return nodes.NodeAt(idx).list
}

// Each iterates l from head to tail (program order), calling fn with each
// index. fn may call MoveTo/Remove on the current index (but not on other
// indices) without corrupting iteration, since the next pointer is read
// before fn runs.
func Each(l *List, nodes Nodes, fn func(Index)) {
	for cur := l.Head; cur != NoIndex; {
		next := nodes.NodeAt(cur).Next
		fn(cur)
		cur = next
	}
}

// Empty reports whether l has no entries.
func (l *List) Empty() bool { return l.Count == 0 }
