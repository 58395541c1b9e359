// Package bbcache implements the BasicBlockCache of spec.md §4.1: a
// RIPVirtPhys-keyed cache of decoded basic blocks with self-modifying-code
// invalidation and a single-pass LRU-approximation reclaim policy.
package bbcache

import (
	"fmt"
	"strings"

	"github.com/avadhpatel/suprax-core/rip"
	"github.com/avadhpatel/suprax-core/uop"
	"gopkg.in/yaml.v3"
)

// Reason distinguishes why a block was invalidated, for diagnostics
// (spec.md §4.1 "The cache distinguishes invalidation reasons").
type Reason int

const (
	ReasonSMCDirty Reason = iota
	ReasonReclaim
	ReasonSpurious
)

func (r Reason) String() string {
	switch r {
	case ReasonSMCDirty:
		return "smc-dirty"
	case ReasonReclaim:
		return "reclaim"
	default:
		return "spurious"
	}
}

// Event records one invalidation for the optional text/YAML dump.
type Event struct {
	Reason Reason `yaml:"reason"`
	Loc    string `yaml:"loc"`
	Ops    int    `yaml:"ops"`
}

// Cache is the BasicBlockCache: a hash map from RIPVirtPhys to BasicBlock
// plus two reverse indexes (page-frame -> chunk list) for SMC invalidation
// and page-level reclaim (spec.md §3).
type Cache struct {
	blocks map[rip.VirtPhys]*uop.BasicBlock
	byLo   map[rip.Frame][]rip.VirtPhys
	byHi   map[rip.Frame][]rip.VirtPhys

	// pending holds blocks SMC wants freed but whose refcount is still
	// nonzero; retried whenever a refcount drops to zero.
	pending map[rip.VirtPhys]Reason

	events []Event
	cycle  uint64
}

func New() *Cache {
	return &Cache{
		blocks:  make(map[rip.VirtPhys]*uop.BasicBlock),
		byLo:    make(map[rip.Frame][]rip.VirtPhys),
		byHi:    make(map[rip.Frame][]rip.VirtPhys),
		pending: make(map[rip.VirtPhys]Reason),
	}
}

// SetCycle updates the cache's notion of "now" for LastUsed bookkeeping.
func (c *Cache) SetCycle(cyc uint64) { c.cycle = cyc }

// Lookup returns the cached block for loc, bumping RefCount/LastUsed/
// HitCount on a hit. Returns nil, false on a miss.
func (c *Cache) Lookup(loc rip.VirtPhys) (*uop.BasicBlock, bool) {
	bb, ok := c.blocks[loc]
	if !ok {
		return nil, false
	}
	bb.RefCount++
	bb.LastUsed = c.cycle
	bb.HitCount++
	return bb, true
}

// Release drops one reference to a looked-up block, retrying a deferred
// free if the block was pending invalidation (spec.md §4.1: "A BB with
// non-zero refcount cannot be freed; it is marked pending and retried.").
func (c *Cache) Release(loc rip.VirtPhys) {
	bb, ok := c.blocks[loc]
	if !ok {
		return
	}
	if bb.RefCount > 0 {
		bb.RefCount--
	}
	if bb.RefCount == 0 {
		if reason, pending := c.pending[loc]; pending {
			c.freeLocked(loc, reason)
		}
	}
}

// Insert adds a freshly decoded block to the cache, indexing it by the
// page frame(s) it occupies.
func (c *Cache) Insert(bb *uop.BasicBlock) {
	bb.LastUsed = c.cycle
	c.blocks[bb.Loc] = bb
	c.byLo[bb.Loc.LoFrame] = append(c.byLo[bb.Loc.LoFrame], bb.Loc)
	if bb.Loc.Crosses {
		c.byHi[bb.Loc.HiFrame] = append(c.byHi[bb.Loc.HiFrame], bb.Loc)
	}
}

// InvalidatePage walks the chunk list for mfn and frees (or defers) every
// block that touches it. This is the SMC path: a store into a page that
// backs a cached block must drop that block so subsequent fetches re-
// decode the new bytes.
func (c *Cache) InvalidatePage(mfn rip.Frame, reason Reason) int {
	locs := append([]rip.VirtPhys(nil), c.byLo[mfn]...)
	locs = append(locs, c.byHi[mfn]...)
	freed := 0
	seen := make(map[rip.VirtPhys]bool, len(locs))
	for _, loc := range locs {
		if seen[loc] {
			continue
		}
		seen[loc] = true
		if c.freeLocked(loc, reason) {
			freed++
		}
	}
	return freed
}

// freeLocked attempts to remove loc from the cache. If its block still has
// outstanding references it is marked pending instead of freed, per the
// non-zero-refcount invariant, and freeLocked returns false.
func (c *Cache) freeLocked(loc rip.VirtPhys, reason Reason) bool {
	bb, ok := c.blocks[loc]
	if !ok {
		delete(c.pending, loc)
		return false
	}
	if bb.RefCount > 0 {
		c.pending[loc] = reason
		return false
	}
	delete(c.blocks, loc)
	delete(c.pending, loc)
	c.removeFromIndex(c.byLo, loc.LoFrame, loc)
	if loc.Crosses {
		c.removeFromIndex(c.byHi, loc.HiFrame, loc)
	}
	c.events = append(c.events, Event{Reason: reason, Loc: loc.String(), Ops: len(bb.Ops)})
	return true
}

func (c *Cache) removeFromIndex(idx map[rip.Frame][]rip.VirtPhys, f rip.Frame, loc rip.VirtPhys) {
	list := idx[f]
	for i, l := range list {
		if l == loc {
			idx[f] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(idx[f]) == 0 {
		delete(idx, f)
	}
}

// Reclaim implements the single-pass LRU approximation of spec.md §4.1:
// compute the average LastUsed across all blocks and evict every
// unreferenced block at or below that average.
func (c *Cache) Reclaim() int {
	if len(c.blocks) == 0 {
		return 0
	}
	var sum uint64
	for _, bb := range c.blocks {
		sum += bb.LastUsed
	}
	avg := sum / uint64(len(c.blocks))

	var victims []rip.VirtPhys
	for loc, bb := range c.blocks {
		if bb.RefCount == 0 && bb.LastUsed <= avg {
			victims = append(victims, loc)
		}
	}
	freed := 0
	for _, loc := range victims {
		if c.freeLocked(loc, ReasonReclaim) {
			freed++
		}
	}
	return freed
}

// Len reports how many blocks are currently cached.
func (c *Cache) Len() int { return len(c.blocks) }

// DrainEvents returns and clears the recorded invalidation events.
func (c *Cache) DrainEvents() []Event {
	ev := c.events
	c.events = nil
	return ev
}

// DumpText renders recorded invalidation events as a human-readable
// report, matching spec.md §6's "optional BB-cache text dump on
// invalidation".
func DumpText(events []Event) string {
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "[%s] invalidated %s (%d uops)\n", e.Reason, e.Loc, e.Ops)
	}
	return b.String()
}

// DumpYAML renders events as YAML, the machine-readable counterpart.
func DumpYAML(events []Event) ([]byte, error) {
	return yaml.Marshal(events)
}
