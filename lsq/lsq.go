// Package lsq implements the load-store queue of spec.md §4.5: two-phase
// store issue (address then data), program-order store-to-store ordering,
// store-to-load aliasing via a load-store alias predictor, byte-mask
// merging for store-to-load forwarding, fence ordering, and the
// cache-coherent interlock a locked RMW needs.
package lsq

import (
	"github.com/avadhpatel/suprax-core/extiface"
)

// EntryKind distinguishes a load slot from a store slot.
type EntryKind int

const (
	KindLoad EntryKind = iota
	KindStore
)

// AddrState tracks a store's two-phase issue (spec.md §4.5: "a store
// computes its address in one cycle and commits its data in a later,
// independent cycle").
type AddrState int

const (
	AddrUnknown AddrState = iota
	AddrKnown
)

type DataState int

const (
	DataUnknown DataState = iota
	DataKnown
)

// Entry is one load or store queue slot.
type Entry struct {
	Valid    bool
	Kind     EntryKind
	ThreadID int
	RobIndex int32
	RobGen   uint32
	Seq      uint64 // program-order sequence number, assigned at Insert

	Addr     uint64
	Size     int
	AddrSt   AddrState
	DataSt   DataState
	Data     uint64
	ByteMask uint64 // which bytes of Data are valid: 0xFF in each valid byte's lane, low byte = byte 0

	Locked    bool
	Fenced    bool // this entry is itself a fence barrier
	Annulled  bool
	Completed bool
}

// Queue is a combined load/store queue. Loads and stores share one
// program-order sequence space so aliasing and fence checks can compare
// ages directly.
type Queue struct {
	entries  []Entry
	nextSeq  uint64
	lsap     *extiface.LSAP
	capacity int
}

func New(capacity int, lsap *extiface.LSAP) *Queue {
	return &Queue{entries: make([]Entry, 0, capacity), lsap: lsap, capacity: capacity}
}

// Full reports whether the queue already holds `capacity` live entries, so
// a caller (ooocore's dispatch stage) can stall before allocating any other
// per-uop resource rather than growing the backing slice without bound
// (spec.md §6's queue-sizes configuration surface applies to the LSQ the
// same as the ROB and issue queue).
func (q *Queue) Full() bool {
	return q.occupied() >= q.capacity
}

func (q *Queue) occupied() int {
	n := 0
	for i := range q.entries {
		if q.entries[i].Valid {
			n++
		}
	}
	return n
}

// Insert appends a new load or store entry, returning its slot index.
// Callers must check Full() first; Insert itself does not reject an
// over-capacity request since ooocore needs to know "would this be full"
// before it commits to allocating the ROB/physreg resources for the same
// uop, not after.
func (q *Queue) Insert(kind EntryKind, threadID int, robIndex int32, robGen uint32, locked, fenced bool) int {
	e := Entry{
		Valid: true, Kind: kind, ThreadID: threadID, RobIndex: robIndex, RobGen: robGen,
		Seq: q.nextSeq, Locked: locked, Fenced: fenced,
	}
	q.nextSeq++
	q.entries = append(q.entries, e)
	return len(q.entries) - 1
}

// SetAddress records a store or load's computed effective address.
func (q *Queue) SetAddress(idx int, addr uint64, size int) {
	e := &q.entries[idx]
	e.Addr, e.Size, e.AddrSt = addr, size, AddrKnown
}

// SetStoreData records a store's data value and completes its byte mask
// (the second of the two independent store-issue phases).
func (q *Queue) SetStoreData(idx int, data uint64, size int) {
	e := &q.entries[idx]
	e.Data = data
	e.ByteMask = maskFor(size)
	e.DataSt = DataKnown
}

func maskFor(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (uint(size) * 8)) - 1
}

// CanStoreIssueBefore enforces program-order store-to-store ordering
// (spec.md §4.5): store idx may issue only once every older store in the
// same thread has already had its address resolved.
func (q *Queue) CanStoreIssueBefore(idx int) bool {
	e := q.entries[idx]
	for i := range q.entries {
		o := &q.entries[i]
		if !o.Valid || o.Kind != KindStore || o.ThreadID != e.ThreadID {
			continue
		}
		if o.Seq < e.Seq && o.AddrSt != AddrKnown {
			return false
		}
	}
	return true
}

// ForwardResult is what a load probe against older stores returns.
type ForwardResult struct {
	Hit      bool
	Data     uint64
	Mask     uint64 // bytes satisfied by forwarding; remaining bytes still need cache
	MustWait bool   // an older store's address is not yet known: load cannot proceed
	Aliased  bool   // an older store to the same resolved address was found; the load's RIP is then recorded in the LSAP
}

// ProbeForward implements store-to-load forwarding with LSAP-gated
// aliasing (spec.md §4.5): scans older stores for the same address,
// merging their byte masks into the load's result; a load whose RIP the
// LSAP has previously recorded as aliasing must wait for every older
// store's address even if none yet overlaps, rather than racing ahead.
func (q *Queue) ProbeForward(idx int, loadRIP uint64) ForwardResult {
	e := q.entries[idx]
	var res ForwardResult
	remaining := maskFor(e.Size)

	knownAliaser := q.lsap != nil && q.lsap.Contains(loadRIP)

	for i := range q.entries {
		o := &q.entries[i]
		if !o.Valid || o.Kind != KindStore || o.Seq >= e.Seq || o.ThreadID != e.ThreadID {
			continue
		}
		if o.AddrSt != AddrKnown {
			if knownAliaser {
				res.MustWait = true
				return res
			}
			continue
		}
		if o.Addr != e.Addr {
			continue
		}
		res.Aliased = true
		if o.DataSt != DataKnown {
			res.MustWait = true
			return res
		}
		overlap := o.ByteMask & remaining
		if overlap == 0 {
			continue
		}
		res.Data = mergeBytes(res.Data, o.Data, overlap)
		res.Mask |= overlap
		remaining &^= overlap
	}

	res.Hit = res.Mask == maskFor(e.Size)
	if res.Aliased && q.lsap != nil {
		q.lsap.Record(loadRIP)
	}
	return res
}

// mergeBytes copies the bytes selected by mask from src into dst.
func mergeBytes(dst, src uint64, mask uint64) uint64 {
	for byteIdx := 0; byteIdx < 8; byteIdx++ {
		bit := uint64(0xFF) << uint(byteIdx*8)
		if mask&bit != 0 {
			dst = (dst &^ bit) | (src & bit)
		}
	}
	return dst
}

// FenceBarrier reports whether idx (a fence entry) has drained every
// older memory op in its thread; the gate a lfence/sfence/mfence uop
// must pass before it can complete (spec.md §4.5 fences).
func (q *Queue) FenceBarrier(idx int) bool {
	e := q.entries[idx]
	for i := range q.entries {
		o := &q.entries[i]
		if o.Seq >= e.Seq || o.ThreadID != e.ThreadID || !o.Valid {
			continue
		}
		if !o.Completed {
			return false
		}
	}
	return true
}

// MarkCompleted records idx as having finished its memory access.
func (q *Queue) MarkCompleted(idx int) { q.entries[idx].Completed = true }

// Lock is the cache-coherent interlock for a locked RMW, delegated to the
// memory hierarchy. ooocore takes it when the locked load executes (or the
// locked store, if no load took it) and releases it through Unlock when
// the locked store executes; the fence uops neither take nor release it,
// and the lock is not held until the macro-op commits.
func (q *Queue) Lock(mh extiface.MemoryHierarchy, addr uint64, cpuIndex int) bool {
	return mh.GrabLock(addr, cpuIndex)
}

func (q *Queue) Unlock(mh extiface.MemoryHierarchy, addr uint64, cpuIndex int) {
	mh.InvalidateLock(addr, cpuIndex)
}

// Annul invalidates every entry in threadID whose Seq is greater than
// keepSeq (the last surviving Seq, supplied by the caller).
func (q *Queue) Annul(threadID int, keepSeq uint64) int {
	n := 0
	for i := range q.entries {
		e := &q.entries[i]
		if e.Valid && e.ThreadID == threadID && e.Seq > keepSeq {
			e.Valid = false
			e.Annulled = true
			n++
		}
	}
	return n
}

// Invalidate drops a single entry by its own slot index, used when the
// caller (ooocore's recovery path) already has the exact annulled ROB
// entries in hand from rob.Arena.Annul's return value and just needs to
// release the matching LSQ slot rather than rescan the whole queue.
func (q *Queue) Invalidate(idx int) {
	e := &q.entries[idx]
	if e.Valid {
		e.Valid = false
		e.Annulled = true
	}
}

// ResetForRedispatch clears idx's resolved address/data/completion state
// while preserving its Seq and thread, so a redispatched load or store
// (spec.md §4.7 "Redispatch of dependents") re-executes in its original
// program-order slot instead of racing to the back of the queue with a
// freshly minted Seq.
func (q *Queue) ResetForRedispatch(idx int) {
	e := &q.entries[idx]
	e.AddrSt = AddrUnknown
	e.DataSt = DataUnknown
	e.Completed = false
	e.Annulled = false
}

// FindAliasedLoad scans for a load that is older than storeIdx is not, i.e.
// a load the store executed after in program order whose address overlaps
// the store's; the forward "a store discovers it aliased an
// already-issued younger load" direction spec.md §4.5 and §4.7 require
// recovery for, distinct from ProbeForward's backward store-to-load scan.
// Reports the aliased load's index, or false if store idx's address is not
// yet known or no completed, overlapping younger load exists.
func (q *Queue) FindAliasedLoad(storeIdx int) (int, bool) {
	s := q.entries[storeIdx]
	if s.Kind != KindStore || s.AddrSt != AddrKnown {
		return 0, false
	}
	for i := range q.entries {
		o := &q.entries[i]
		if !o.Valid || o.Kind != KindLoad || o.ThreadID != s.ThreadID {
			continue
		}
		if o.Seq <= s.Seq || !o.Completed {
			continue
		}
		if o.AddrSt != AddrKnown {
			continue
		}
		if overlaps(s.Addr, s.Size, o.Addr, o.Size) {
			return i, true
		}
	}
	return 0, false
}

// overlaps reports whether the byte ranges [a, a+aSize) and [b, b+bSize)
// intersect.
func overlaps(a uint64, aSize int, b uint64, bSize int) bool {
	return a < b+uint64(bSize) && b < a+uint64(aSize)
}

// Compact drops annulled/retired entries, keeping only Valid ones. It
// shifts the surviving entries down, so every index Insert handed out
// before the call is stale afterwards; ooocore keeps LSQ indices in its
// ROB entries and never calls it.
func (q *Queue) Compact() {
	live := q.entries[:0]
	for _, e := range q.entries {
		if e.Valid {
			live = append(live, e)
		}
	}
	q.entries = live
}

func (q *Queue) Entry(idx int) Entry { return q.entries[idx] }

func (q *Queue) Len() int { return len(q.entries) }
