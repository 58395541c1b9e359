// Package extiface defines the external collaborators spec.md §6 lists as
// consumed, not implemented, by the core: the host architectural-state
// provider (Context), the memory hierarchy, the branch predictor, and the
// assist tables. Everything in this package is an interface (plus the
// small value types their methods exchange) so the pipelines can be
// driven by a real simulator's implementations or by test doubles.
package extiface

import (
	"github.com/avadhpatel/suprax-core/rip"
	"github.com/avadhpatel/suprax-core/uop"
	"github.com/google/uuid"
)

// PageFaultErrorCode carries the x86 page-fault error code bits (present,
// write, user, reserved, instruction-fetch) surfaced at commit.
type PageFaultErrorCode uint32

// TranslateResult is what Context.CheckAndTranslate returns.
type TranslateResult struct {
	PhysAddr  uint64
	Exception bool
	MMIO      bool
	ErrorCode PageFaultErrorCode
}

// Context is the host CPU architectural-state provider (spec.md §6). The
// simulator owns no architectural state of its own; every read/write of a
// register, every address translation, and every final memory access at
// commit goes through this interface.
type Context interface {
	ReadReg(arch uop.RegID) uint64
	WriteReg(arch uop.RegID, value uint64)

	EIP() uint64
	SetEIP(rip uint64)

	// CheckAndTranslate performs the virt->phys + permission check a
	// load/store or TLB walk needs before touching memory.
	CheckAndTranslate(virt uint64, size int, isStore, internal bool) TranslateResult

	// TryHandleFault attempts to demand-page virt without raising an
	// architectural exception (used by speculative loads that must not
	// commit a fault).
	TryHandleFault(virt uint64, isStore bool) bool

	LoadPhys(paddr uint64, size int) uint64
	LoadVirt(vaddr uint64, size int) uint64
	StoreMaskVirt(vaddr uint64, value uint64, mask uint64, size int)
	StoreInternal(paddr uint64, value uint64, size int)

	PropagateException(vector int, errorCode PageFaultErrorCode, faultAddr uint64)

	CheckEvents() bool
	EventUpcall()
	HandlePageFault(faultAddr uint64, errorCode PageFaultErrorCode)

	SegmentBase(seg uop.RegID) uint64
	VirtToPTEPhys(virt uint64, level int) (uint64, bool)

	CPUIndex() int
	DirectionFlag() bool
	KernelMode() bool
	CR0() uint64
	CR4() uint64
}

// RequestKind distinguishes the memory-hierarchy traffic a pipeline issues.
type RequestKind int

const (
	ReqLoad RequestKind = iota
	ReqStore
	ReqFetch
	ReqPTEWalk
)

// Request is one outstanding memory-hierarchy transaction. UUID is the
// stale-response-matching key of spec.md §5: "Every memory request is
// tagged with (core_id, thread_id, rob_id, uop_uuid, physical_addr)."
// uuid.UUID (not a recycled integer counter) guarantees a late response
// can never alias a different, since-reused ROB slot.
type Request struct {
	UUID      uuid.UUID
	Kind      RequestKind
	CoreID    int
	ThreadID  int
	RobIndex  int32
	RobGen    uint32
	PhysAddr  uint64
	Size      int
	IsICache  bool
	WalkLevel int // only meaningful for ReqPTEWalk
}

// AccessResult is what the memory hierarchy reports back, synchronously
// for a hit or via the core-signal callback for a miss.
type AccessResult struct {
	Hit   bool
	Data  uint64
	Fault bool
}

// MemoryHierarchy is the cache/DRAM/interconnect model (spec.md §6),
// consumed but not implemented here.
type MemoryHierarchy interface {
	GetFreeRequest(coreID int) (Request, bool)
	AccessCache(req Request) AccessResult
	IsCacheAvailable(coreID, threadID int, isICache bool) bool

	ProbeLock(addr uint64, cpuIndex int) bool
	GrabLock(addr uint64, cpuIndex int) bool
	InvalidateLock(addr uint64, cpuIndex int)

	AnnulRequest(req Request)

	// AddEvent schedules a future wakeup; delay is in cycles. The
	// hierarchy later invokes the supplied callback with the original
	// Request so the caller can match it by UUID against current state.
	AddEvent(delay int, req Request, callback func(Request, AccessResult))
}

// BranchInfo threads enough state through a predict/update/annul/update-ras
// call sequence for an indexed-history predictor to do its job without the
// pipelines knowing its internals. RIP identifies the branch uop itself
// (the predictor's hash key); FallthroughRIP and TakenTarget are the two
// candidate next-RIPs the decoder already computed, so the predictor's
// only job is choosing between them (or, for an indirect branch, supplying
// its own target from a BTB-style cache or the RAS).
type BranchInfo struct {
	RIP            uint64
	FallthroughRIP uint64
	TakenTarget    uint64
	ThreadID       int
	IsCall         bool
	IsReturn       bool
	IsCond         bool
}

// BranchPredictor is the branch predictor (spec.md §6), consumed but not
// implemented here; predictor/predictor.go supplies the in-repo default.
type BranchPredictor interface {
	Predict(info BranchInfo, bpType uop.BranchType) uint64
	Update(info BranchInfo, actualTarget uint64, taken bool)
	AnnulRAS(info BranchInfo)
	UpdateRAS(info BranchInfo)
}

// MicrocodeAssistID enumerates the "out-of-line" functions run atomically
// at commit (spec.md §6). Non-exhaustive: representative of the contract,
// not a transcription of the real x86 assist table (treated as data).
type MicrocodeAssistID int

const (
	AssistCPUID MicrocodeAssistID = iota
	AssistRDTSC
	AssistSyscall
	AssistSysret
	AssistIRET
	AssistWRMSR
	AssistRDMSR
	AssistWriteCR0
	AssistWriteCR2
	AssistWriteCR3
	AssistWriteCR4
	AssistLJMP
	AssistINVLPG
	AssistHalt
	AssistPause
	AssistPushf
	AssistPopf
	AssistIOPortIn
	AssistIOPortOut
	AssistInvalidOpcode
	AssistExecFault
	AssistSkipBlockRecovery
)

// LightAssistID enumerates assists integrated into execute; they never
// flush the pipeline.
type LightAssistID int

const (
	LightAssistSTI LightAssistID = iota
	LightAssistCLI
	LightAssistPushf
	LightAssistPopf
	LightAssistIOPortIn
	LightAssistIOPortOut
	LightAssistPause
	LightAssistPopcnt
	LightAssistFIST
)

// AssistOutcome is what a microcode assist reports back to commit.
type AssistOutcome struct {
	NextRIP      uint64
	NeedsFlush   bool
	RedirectRIP  uint64
	FaultVector  int
	FaultErrCode PageFaultErrorCode
	FaultAddr    uint64
}

// AssistTable runs the out-of-line helper functions by numeric id.
type AssistTable interface {
	RunMicrocode(id MicrocodeAssistID, ctx Context, macroRIP uint64) AssistOutcome
	RunLight(id LightAssistID, ctx Context, op *uop.TransOp) uint64
}

// LSAP is the load-store alias predictor: the set of load RIPs known to
// alias an earlier store (spec.md §4.5, glossary "LSAP").
type LSAP struct {
	seen map[uint64]struct{}
}

func NewLSAP() *LSAP { return &LSAP{seen: make(map[uint64]struct{})} }

func (l *LSAP) Record(loadRIP uint64) { l.seen[loadRIP] = struct{}{} }

func (l *LSAP) Contains(loadRIP uint64) bool {
	_, ok := l.seen[loadRIP]
	return ok
}

// RIPOf is a convenience for callers that only have a rip.VirtPhys handy.
func RIPOf(v rip.VirtPhys) uint64 { return v.RIP }
