// Package config loads the YAML-backed configuration surface of spec.md
// §6: per-core pipeline kind, structural widths, queue depths, and the
// toggles that select which optional recovery/forwarding behaviors are
// enabled. A single typed Machine struct is round-tripped through yaml.v3
// with documented defaults.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PipelineKind selects which of the two pipeline implementations a core
// runs (spec.md §2: Atom in-order vs out-of-order).
type PipelineKind string

const (
	PipelineAtom PipelineKind = "atom"
	PipelineOOO  PipelineKind = "ooo"
)

// CoreConfig is the per-core structural configuration.
type CoreConfig struct {
	Kind PipelineKind `yaml:"kind"`

	NumThreads int `yaml:"num_threads"`

	// BasicBlockCache.
	BBCacheSize        int `yaml:"bb_cache_size"`
	BBCacheReclaimFreq int `yaml:"bb_cache_reclaim_frequency_cycles"`

	// Out-of-order structural widths (ignored by an Atom core).
	ROBSize            int `yaml:"rob_size"`
	IssueQueueSize     int `yaml:"issue_queue_size"`
	IssueQueueReserved int `yaml:"issue_queue_reserved_per_thread"`
	LSQSize            int `yaml:"lsq_size"`
	PhysIntRegisters   int `yaml:"phys_int_registers"`
	PhysFlagRegisters  int `yaml:"phys_flag_registers"`

	DispatchWidth int `yaml:"dispatch_width"`
	IssueWidth    int `yaml:"issue_width"`
	CommitWidth   int `yaml:"commit_width"`

	// PageTableDepth is the number of levels tlbwalk.Start walks on a TLB
	// miss before producing a physical address (spec.md §4.6).
	PageTableDepth int `yaml:"page_table_depth"`

	// Feature toggles (spec.md Open Questions resolved in DESIGN.md).
	EnableLSAP            bool `yaml:"enable_lsap"`
	EnableValueMispredict bool `yaml:"enable_value_mispredict_recovery"`

	// Atom structural widths (ignored by an out-of-order core): spec.md §4.9
	// and §6's minimum-required-options list.
	FUCounts          FUCounts `yaml:"fu_counts"`
	MaxFetchWidth     int      `yaml:"max_fetch_width"`
	MaxIssuePerCycle  int      `yaml:"max_issue_per_cycle"`
	NumFrontendStages int      `yaml:"num_frontend_stages"`
	MinPipelineCycles int      `yaml:"min_pipeline_cycles"`
	MaxBranchInFlight int      `yaml:"max_branch_in_flight"`

	// Cache/TLB sizes (spec.md §6): the memory hierarchy itself lives
	// outside this module (extiface.MemoryHierarchy), but the core still
	// needs these to size its own dtlb/itlb residency tracking and to
	// report structurally accurate occupancy.
	L1ICacheSize int `yaml:"l1_icache_size"`
	L1DCacheSize int `yaml:"l1_dcache_size"`
	L2CacheSize  int `yaml:"l2_cache_size"`
	ITLBSize     int `yaml:"itlb_size"`
	DTLBSize     int `yaml:"dtlb_size"`
}

// FUCounts is the per-core functional-unit/port inventory spec.md §4.9's
// AtomOp packing and issue-availability checks are gated on: an AtomOp may
// issue only once its cluster has a free port this cycle.
type FUCounts struct {
	ALU    int `yaml:"alu"`
	Load   int `yaml:"load"`
	Store  int `yaml:"store"`
	Branch int `yaml:"branch"`
}

// DefaultCoreConfig returns the structural defaults a freshly constructed
// core uses absent an explicit config file.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Kind:                  PipelineOOO,
		NumThreads:            2,
		BBCacheSize:           4096,
		BBCacheReclaimFreq:    100000,
		ROBSize:               128,
		IssueQueueSize:        64,
		IssueQueueReserved:    8,
		LSQSize:               64,
		PhysIntRegisters:      256,
		PhysFlagRegisters:     128,
		DispatchWidth:         4,
		IssueWidth:            6,
		CommitWidth:           4,
		PageTableDepth:        4,
		EnableLSAP:            true,
		EnableValueMispredict: true,

		FUCounts:          FUCounts{ALU: 2, Load: 1, Store: 1, Branch: 1},
		MaxFetchWidth:     2,
		MaxIssuePerCycle:  1,
		NumFrontendStages: 2,
		MinPipelineCycles: 3,
		MaxBranchInFlight: 1,

		L1ICacheSize: 32 * 1024,
		L1DCacheSize: 24 * 1024,
		L2CacheSize:  256 * 1024,
		ITLBSize:     64,
		DTLBSize:     64,
	}
}

// Machine is the top-level configuration document: one or more cores plus
// global simulation controls.
type Machine struct {
	Cores      []CoreConfig `yaml:"cores"`
	MaxCycles  uint64       `yaml:"max_cycles"`
	LogLevel   string       `yaml:"log_level"`
	StatsEvery uint64       `yaml:"stats_every_cycles"`

	// StartRIP/StopRIP bound the simulated region by instruction address:
	// simulation in detail mode begins the first time a thread's RIP hits
	// StartRIP (0 means "from the start") and ends the first time it hits
	// StopRIP (0 means "run to MaxCycles/StopIteration instead").
	StartRIP uint64 `yaml:"start_rip"`
	StopRIP  uint64 `yaml:"stop_rip"`

	// StartIteration/StopIteration bound the region by loop-trip-count
	// instead, for a workload whose region of interest is "the Nth time
	// control reaches this point" rather than a raw RIP (spec.md §6).
	StartIteration uint64 `yaml:"start_iteration"`
	StopIteration  uint64 `yaml:"stop_iteration"`

	// CheckerEnabled turns on the functional checker that cross-validates
	// committed architectural state against a reference interpreter
	// (spec.md §6); consumed by the host binary, not this module.
	CheckerEnabled bool `yaml:"checker_enabled"`
}

// DefaultMachine returns a single-core out-of-order machine, the simplest
// configuration that exercises every module.
func DefaultMachine() Machine {
	return Machine{
		Cores:      []CoreConfig{DefaultCoreConfig()},
		MaxCycles:  1_000_000,
		LogLevel:   "info",
		StatsEvery: 100_000,
	}
}

// Load reads and parses a YAML machine configuration from path.
func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, errors.Wrapf(err, "reading config %s", path)
	}
	m := DefaultMachine()
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, errors.Wrapf(err, "parsing config %s", path)
	}
	return m, nil
}

// Dump renders m back to YAML, used by `suprax-sim -dump-config`.
func Dump(m Machine) ([]byte, error) {
	out, err := yaml.Marshal(m)
	return out, errors.Wrap(err, "marshaling config")
}
