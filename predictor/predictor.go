// Package predictor implements extiface.BranchPredictor: a geometrically-
// indexed tagged predictor for conditional branches, a small target cache
// for indirect branches, and a return-address stack for calls/returns
// (spec.md §6, glossary "BranchPredictor").
//
// The tagged-table mechanics (geometric history lengths, bitmap-gated
// parallel lookup, XOR tag/context comparison, longest-match-wins via a
// leading-zero scan, 4-way-local LRU allocation) are adapted from
// proto/tage/tage.go. What changes is the contract: tage.go predicts a
// direction (taken/not-taken) for a bare (pc, context) pair, whereas
// Predictor chooses between two RIPs the decoder already computed
// (FallthroughRIP, TakenTarget) and additionally owns a RAS for
// calls/returns, which tage.go has no notion of.
package predictor

import (
	"math/bits"

	"github.com/avadhpatel/suprax-core/extiface"
	"github.com/avadhpatel/suprax-core/uop"
)

const (
	numTables       = 8
	entriesPerTable = 1024
	tagBits         = 13
	maxCounter      = 7
	neutralCounter  = 4
	takenThreshold  = 4
	lruSearchWidth  = 4
	numThreads      = 8
	rasDepth        = 16
)

var historyLengths = [numTables]int{0, 4, 8, 12, 16, 24, 32, 64}

type entry struct {
	tag     uint16
	counter uint8
	valid   bool
	taken   bool
	age     uint8
}

type table struct {
	entries    [entriesPerTable]entry
	historyLen int
}

// Predictor is the default extiface.BranchPredictor.
type Predictor struct {
	tables  [numTables]table
	history [numThreads]uint64

	indirect map[uint64]uint64 // BTB-style indirect-target cache, keyed by branch RIP
	ras      [numThreads][]uint64
}

func New() *Predictor {
	p := &Predictor{indirect: make(map[uint64]uint64)}
	for i := range p.tables {
		p.tables[i].historyLen = historyLengths[i]
	}
	base := &p.tables[0]
	for i := range base.entries {
		base.entries[i] = entry{counter: neutralCounter, valid: true}
	}
	return p
}

func hashIndex(pc uint64, history uint64, historyLen int) uint32 {
	pcBits := uint32((pc >> 12) & 0x3FF)
	if historyLen == 0 {
		return pcBits
	}
	mask := uint64(1)<<uint(historyLen) - 1
	h := uint32(history & mask)
	for h > 0x3FF {
		h = (h & 0x3FF) ^ (h >> 10)
	}
	return (pcBits ^ h) & 0x3FF
}

func hashTag(pc uint64) uint16 { return uint16((pc >> 22) & (1<<tagBits - 1)) }

// Predict selects the next RIP for bpType, consulting the tagged tables
// for a conditional branch, the indirect-target cache or RAS for an
// indirect branch, and pushing onto the RAS for a call.
func (p *Predictor) Predict(info extiface.BranchInfo, bpType uop.BranchType) uint64 {
	if info.IsCall {
		p.pushRAS(info.ThreadID, info.FallthroughRIP)
	}

	switch bpType {
	case uop.BranchUncond:
		return info.TakenTarget

	case uop.BranchIndirect:
		if info.IsReturn {
			if target, ok := p.peekRAS(info.ThreadID); ok {
				return target
			}
			return info.FallthroughRIP
		}
		if target, ok := p.indirect[info.RIP]; ok {
			return target
		}
		return info.FallthroughRIP

	case uop.BranchCond:
		if p.predictTaken(info.RIP, info.ThreadID) {
			return info.TakenTarget
		}
		return info.FallthroughRIP

	default:
		return info.FallthroughRIP
	}
}

// predictTaken runs the parallel tagged-table lookup, picking the
// longest-history table that hits (proto/tage's bitmap + leading-zero
// priority encoder), falling back to the base (history-0) table.
func (p *Predictor) predictTaken(pc uint64, threadID int) bool {
	history := p.history[threadID%numThreads]
	tag := hashTag(pc)

	var hitBitmap uint8
	var predictions [numTables]bool

	for i := 0; i < numTables; i++ {
		t := &p.tables[i]
		idx := hashIndex(pc, history, t.historyLen)
		e := &t.entries[idx]
		if !e.valid || e.tag != tag {
			continue
		}
		hitBitmap |= 1 << uint(i)
		predictions[i] = e.taken
	}

	if hitBitmap == 0 {
		base := &p.tables[0].entries[hashIndex(pc, 0, 0)]
		return base.counter >= takenThreshold
	}
	winner := 7 - bits.LeadingZeros8(hitBitmap)
	return predictions[winner]
}

// Update trains the predictor once the branch's actual outcome is known
// (spec.md §6: called at commit or at misprediction detection, whichever
// is earlier for that branch).
func (p *Predictor) Update(info extiface.BranchInfo, actualTarget uint64, taken bool) {
	if info.IsCond {
		p.updateTagged(info.RIP, info.ThreadID, taken)
	}
	if info.IsReturn {
		// RAS correctness is re-synced at annul; a correctly predicted
		// return needs no action here.
		return
	}
	if !info.IsCond {
		// Indirect jump/call target learning.
		p.indirect[info.RIP] = actualTarget
	}
}

func (p *Predictor) updateTagged(pc uint64, threadID int, taken bool) {
	tid := threadID % numThreads
	history := p.history[tid]
	tag := hashTag(pc)

	matched := -1
	var matchedIdx uint32
	for i := numTables - 1; i >= 0; i-- {
		t := &p.tables[i]
		idx := hashIndex(pc, history, t.historyLen)
		e := &t.entries[idx]
		if e.valid && e.tag == tag {
			matched = i
			matchedIdx = idx
			break
		}
	}

	if matched >= 0 {
		e := &p.tables[matched].entries[matchedIdx]
		if taken && e.counter < maxCounter {
			e.counter++
		} else if !taken && e.counter > 0 {
			e.counter--
		}
		e.taken = taken
		e.age = 0
	} else if numTables > 1 {
		t := &p.tables[1]
		idx := hashIndex(pc, history, t.historyLen)
		victim := findLRUVictim(t, idx)
		t.entries[victim] = entry{tag: tag, counter: neutralCounter, taken: taken, valid: true}
	}

	p.history[tid] <<= 1
	if taken {
		p.history[tid] |= 1
	}
}

func findLRUVictim(t *table, preferred uint32) uint32 {
	victim := preferred
	foundFree := false
	var maxAge uint8
	for off := uint32(0); off < lruSearchWidth; off++ {
		idx := (preferred + off) % entriesPerTable
		e := &t.entries[idx]
		if !e.valid {
			if !foundFree {
				victim = idx
				foundFree = true
			}
			continue
		}
		if foundFree {
			continue
		}
		if e.age > maxAge {
			maxAge = e.age
			victim = idx
		}
	}
	return victim
}

func (p *Predictor) pushRAS(threadID int, returnRIP uint64) {
	tid := threadID % numThreads
	s := p.ras[tid]
	if len(s) >= rasDepth {
		s = s[1:]
	}
	p.ras[tid] = append(s, returnRIP)
}

func (p *Predictor) peekRAS(threadID int) (uint64, bool) {
	s := p.ras[threadID%numThreads]
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1], true
}

// UpdateRAS pops the entry a confirmed return actually consumed.
func (p *Predictor) UpdateRAS(info extiface.BranchInfo) {
	tid := info.ThreadID % numThreads
	if s := p.ras[tid]; len(s) > 0 {
		p.ras[tid] = s[:len(s)-1]
	}
}

// AnnulRAS discards the RAS entry pushed by one since-annulled speculative
// call; each call pops one entry. Since entries are pushed in program
// order and annul always removes a contiguous youngest suffix of in-flight
// instructions, calling it once per annulled call restores the RAS to its
// pre-speculation depth.
func (p *Predictor) AnnulRAS(info extiface.BranchInfo) {
	tid := info.ThreadID % numThreads
	if s := p.ras[tid]; len(s) > 0 {
		p.ras[tid] = s[:len(s)-1]
	}
}
