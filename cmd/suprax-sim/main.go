// Command suprax-sim drives a machine.Machine over a flat instruction image
// for a configured number of cycles, the thin CLI front end spec.md §6 calls
// an "external collaborator" surface: suprax-sim supplies the minimal stand-
// ins for Context, MemoryHierarchy, and AssistTable a standalone run needs,
// since the simulator core consumes those interfaces rather than
// implementing them.
//
// Usage:
//
//	suprax-sim [flags] <image>
//
// Flags:
//
//	-config <path>   Load a YAML machine configuration (default: built-in)
//	-cycles N        Override the configured max_cycles (0 keeps the config's value)
//	-base 0xADDR     Load address of <image> (default 0x1000)
//	-dump-config     Print the resolved configuration as YAML and exit
//	-version         Print version and exit
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/avadhpatel/suprax-core/config"
	"github.com/avadhpatel/suprax-core/extiface"
	"github.com/avadhpatel/suprax-core/machine"
	"github.com/avadhpatel/suprax-core/predictor"
	"github.com/avadhpatel/suprax-core/rip"
	"github.com/avadhpatel/suprax-core/stats"
	"github.com/avadhpatel/suprax-core/uop"
)

const version = "0.1.0"

func main() {
	var (
		configPath = flag.String("config", "", "Load a YAML machine configuration (default: built-in)")
		cycles     = flag.Uint64("cycles", 0, "Override max_cycles (0 keeps the config's own value)")
		baseFlag   = flag.String("base", "0x1000", "Load address of <image>")
		dumpConfig = flag.Bool("dump-config", false, "Print the resolved configuration as YAML and exit")
		ver        = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *ver {
		fmt.Printf("suprax-sim %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *cycles != 0 {
		cfg.MaxCycles = *cycles
	}

	if *dumpConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: suprax-sim [flags] <image>")
		os.Exit(1)
	}

	base, err := strconv.ParseUint(*baseFlag, 0, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: bad -base %q: %v\n", *baseFlag, err)
		os.Exit(1)
	}

	image, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	src := newFlatSource(base, image)
	mh := newStubMemoryHierarchy()
	bp := predictor.New()
	assists := stubAssistTable{}
	st := stats.Noop{}

	m := machine.New(cfg, src, mh, bp, assists, st)
	for coreID, cc := range cfg.Cores {
		for threadID := 0; threadID < cc.NumThreads; threadID++ {
			m.AttachContext(coreID, threadID, newFlatContext(base))
		}
	}

	m.Run()
	fmt.Printf("ran %d cycles across %d core(s)\n", m.Cycle(), len(cfg.Cores))
}

func loadConfig(path string) (config.Machine, error) {
	if path == "" {
		return config.DefaultMachine(), nil
	}
	return config.Load(path)
}

// flatSource serves decode.ByteSource from a single in-memory image loaded
// at base; bytes outside the image report a fetch fault the way an
// unmapped guest page would.
type flatSource struct {
	base  uint64
	bytes []byte
}

func newFlatSource(base uint64, bytes []byte) *flatSource {
	return &flatSource{base: base, bytes: bytes}
}

func (s *flatSource) FetchByte(vaddr uint64) (byte, bool) {
	if vaddr < s.base {
		return 0, false
	}
	off := vaddr - s.base
	if off >= uint64(len(s.bytes)) {
		return 0, false
	}
	return s.bytes[off], true
}

func (s *flatSource) Frame(vaddr uint64) rip.Frame { return rip.Frame(vaddr >> 12) }

// flatContext is a minimal extiface.Context: an identity-mapped flat
// address space and a plain register file, enough to run the demo image end
// to end without a real guest OS or MMU behind it. This is CLI scaffolding,
// not part of the simulated machine itself (spec.md §6 places Context among
// the external collaborators the core consumes).
type flatContext struct {
	regs [256]uint64
	eip  uint64
	mem  map[uint64]uint64
}

func newFlatContext(eip uint64) *flatContext {
	return &flatContext{eip: eip, mem: make(map[uint64]uint64)}
}

func (c *flatContext) ReadReg(r uop.RegID) uint64    { return c.regs[r] }
func (c *flatContext) WriteReg(r uop.RegID, v uint64) { c.regs[r] = v }
func (c *flatContext) EIP() uint64                    { return c.eip }
func (c *flatContext) SetEIP(v uint64)                { c.eip = v }

func (c *flatContext) CheckAndTranslate(virt uint64, size int, isStore, internal bool) extiface.TranslateResult {
	return extiface.TranslateResult{PhysAddr: virt}
}
func (c *flatContext) TryHandleFault(uint64, bool) bool { return true }
func (c *flatContext) LoadPhys(paddr uint64, size int) uint64 { return c.mem[paddr] }
func (c *flatContext) LoadVirt(vaddr uint64, size int) uint64 { return c.mem[vaddr] }
func (c *flatContext) StoreMaskVirt(vaddr uint64, value, mask uint64, size int) {
	c.mem[vaddr] = (c.mem[vaddr] &^ mask) | (value & mask)
}
func (c *flatContext) StoreInternal(paddr uint64, value uint64, size int) { c.mem[paddr] = value }
func (c *flatContext) PropagateException(int, extiface.PageFaultErrorCode, uint64) {}
func (c *flatContext) CheckEvents() bool                                   { return false }
func (c *flatContext) EventUpcall()                                        {}
func (c *flatContext) HandlePageFault(uint64, extiface.PageFaultErrorCode) {}
func (c *flatContext) SegmentBase(uop.RegID) uint64                        { return 0 }
func (c *flatContext) VirtToPTEPhys(virt uint64, level int) (uint64, bool) { return virt, true }
func (c *flatContext) CPUIndex() int                                       { return 0 }
func (c *flatContext) DirectionFlag() bool                                 { return false }
func (c *flatContext) KernelMode() bool                                    { return true }
func (c *flatContext) CR0() uint64                                         { return 0 }
func (c *flatContext) CR4() uint64                                         { return 0 }

var _ extiface.Context = (*flatContext)(nil)

// stubMemoryHierarchy always hits, has unlimited cache ports, and tracks
// cache-line locks in a plain per-address holder map: a demo run has no
// timing contention to model, since a real cache/DRAM
// model is an external collaborator, not part of this repository (spec.md
// §1, §6).
type stubMemoryHierarchy struct {
	locks map[uint64]int
}

func newStubMemoryHierarchy() *stubMemoryHierarchy {
	return &stubMemoryHierarchy{locks: make(map[uint64]int)}
}

func (m *stubMemoryHierarchy) GetFreeRequest(int) (extiface.Request, bool) {
	return extiface.Request{}, true
}
func (m *stubMemoryHierarchy) AccessCache(extiface.Request) extiface.AccessResult {
	return extiface.AccessResult{Hit: true}
}
func (m *stubMemoryHierarchy) IsCacheAvailable(int, int, bool) bool { return true }
func (m *stubMemoryHierarchy) ProbeLock(addr uint64, cpuIndex int) bool {
	holder, held := m.locks[addr]
	return held && holder != cpuIndex
}
func (m *stubMemoryHierarchy) GrabLock(addr uint64, cpuIndex int) bool {
	if holder, held := m.locks[addr]; held && holder != cpuIndex {
		return false
	}
	m.locks[addr] = cpuIndex
	return true
}
func (m *stubMemoryHierarchy) InvalidateLock(addr uint64, cpuIndex int) {
	if m.locks[addr] == cpuIndex {
		delete(m.locks, addr)
	}
}
func (m *stubMemoryHierarchy) AnnulRequest(extiface.Request) {}
func (m *stubMemoryHierarchy) AddEvent(int, extiface.Request, func(extiface.Request, extiface.AccessResult)) {
}

var _ extiface.MemoryHierarchy = (*stubMemoryHierarchy)(nil)

// stubAssistTable resolves every microcode assist by advancing past the
// faulting macro-instruction; real assist semantics (CPUID, syscalls, MSR
// access, ...) belong to the host model suprax-sim stands in for (spec.md
// §6: AssistTable is consumed, not implemented, by the core).
type stubAssistTable struct{}

func (stubAssistTable) RunMicrocode(id extiface.MicrocodeAssistID, ctx extiface.Context, macroRIP uint64) extiface.AssistOutcome {
	return extiface.AssistOutcome{NextRIP: macroRIP + 1}
}

func (stubAssistTable) RunLight(extiface.LightAssistID, extiface.Context, *uop.TransOp) uint64 {
	return 0
}

var _ extiface.AssistTable = stubAssistTable{}
