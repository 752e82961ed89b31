// Package engine is the top-level controller: it owns every shadow-state
// subsystem a monitored process's instrumentation callbacks drive, and
// turns the finalized aggregator findings into a report file. One Engine
// value is constructed per traced process: an explicit orchestrator rather
// than package-level state.
package engine

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/kpellizzi/memtrace/pkg/aggregator"
	"github.com/kpellizzi/memtrace/pkg/allocator"
	"github.com/kpellizzi/memtrace/pkg/emulator"
	"github.com/kpellizzi/memtrace/pkg/pending"
	"github.com/kpellizzi/memtrace/pkg/report"
	"github.com/kpellizzi/memtrace/pkg/shadowmem"
	"github.com/kpellizzi/memtrace/pkg/shadowreg"
	"github.com/kpellizzi/memtrace/pkg/syscalladapter"
	"github.com/kpellizzi/memtrace/pkg/tagmgr"
)

// Config collects the command-line-controlled behavior the contract assigns
// to the engine, independent of cobra: a plain value struct populated by
// cmd/memtrace's flags rather than read back out of global state.
type Config struct {
	// OutputPath is the report file's destination ("-o"); defaults to
	// "overlaps.bin" when empty.
	OutputPath string
	// StringOpt scopes the string-optimization heuristic ("-u").
	StringOpt aggregator.StringOptMode
	// KeepLD keeps the dynamic linker's own image in the report's image
	// list when true ("--keep-ld"); by default it is left out. Instructions
	// are not filtered by image, so the linker's instructions are traced
	// either way.
	KeepLD bool
	// Bits is the process's pointer width, 32 or 64. Replay overwrites this
	// from the trace file's own declared width.
	Bits int
}

// reporterAdapter lets one emulator.Reporter route to either of
// Aggregator's two recording entry points, selected per call by the engine
// (the emulator itself is origin-agnostic): single-threaded execution
// means toggling fromLibrary immediately before each Dispatch is safe.
type reporterAdapter struct {
	agg *aggregator.Aggregator
	fromLibrary bool
}

func (r *reporterAdapter) Record(ev emulator.AccessEvent) {
	if r.fromLibrary {
		r.agg.RecordFromLibrary(ev)
		return
	}
	r.agg.Record(ev)
}

// Engine composes the shadow-register file, pending-read tables, tag
// manager, instruction emulator, overlap aggregator, allocator adapter,
// and syscall adapter state machine behind the callback methods a
// Pin-style instrumentation host would invoke.
type Engine struct {
	Cfg Config
	Log *zap.Logger

	regs *shadowreg.File
	regPending *pending.RegTable
	memPending *pending.MemTable
	tags *tagmgr.Manager
	reporter *reporterAdapter
	emu *emulator.Emulator
	agg *aggregator.Aggregator
	alloc *allocator.Allocator

	stack *shadowmem.Region
	stackBase uint64
	haveStack bool

	images []report.Image

	syscallState *syscalladapter.StateMachine
	syscallChain syscalladapter.Chain

	// liveBlocks remembers the HeapType AfterAlloc assigned each
	// outstanding pointer, since free() only names the pointer, not the
	// classification the allocator made when it was handed out.
	liveBlocks map[uint64]allocator.HeapType

	warnings []string
}

// New builds an engine ready to receive instrumentation callbacks. log may
// be nil, in which case diagnostics are discarded.
func New(cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Bits == 0 {
		cfg.Bits = 64
	}

	regs := shadowreg.NewX86_64()
	tags := tagmgr.New()
	regPending := pending.NewRegTable(tags)
	memPending := pending.NewMemTable(tags)
	agg := aggregator.New(aggregator.Config{StringOpt: cfg.StringOpt})
	reporter := &reporterAdapter{agg: agg}
	emuCfg := emulator.Config{}
	emu := emulator.New(regs, regPending, memPending, tags, reporter, emuCfg, log)

	return &Engine{
		Cfg: cfg,
		Log: log,
		regs: regs,
		regPending: regPending,
		memPending: memPending,
		tags: tags,
		reporter: reporter,
		emu: emu,
		agg: agg,
		alloc: allocator.New(cfg.Bits),
		syscallState: syscalladapter.NewStateMachine(),
		syscallChain: syscalladapter.Chain{syscalladapter.NewTable()},
		liveBlocks: make(map[uint64]allocator.HeapType),
	}
}

// UseExternalSyscallProvider appends an external provider to the end of the
// syscall chain, consulted only when the in-process table doesn't
// recognize a syscall number (the "external collaborator" for
// syscall semantics this engine doesn't model directly).
func (e *Engine) UseExternalSyscallProvider(p *syscalladapter.ExternalProvider) {
	e.syscallChain = append(e.syscallChain, p)
}

// OnImageLoad records a loaded image for the report header's image list.
// The dynamic linker's own image is dropped unless --keep-ld was set.
func (e *Engine) OnImageLoad(name string, base uint64, fromLib bool) {
	if fromLib && !e.Cfg.KeepLD && isDynamicLinker(name) {
		return
	}
	e.images = append(e.images, report.Image{Name: name, Base: base})
}

func isDynamicLinker(name string) bool {
	return strings.Contains(name, "ld-linux") || strings.Contains(name, "ld.so")
}

// OnThreadStart roots the stack shadow region at the thread's initial
// stack pointer. the contract keeps the thread-id map only to record this
// value; multi-threaded tracing is a non-goal, so one region suffices.
func (e *Engine) OnThreadStart(initialSP uint64) {
	e.stack = shadowmem.NewStack(initialSP, e.Cfg.Bits)
	e.stackBase = initialSP
	e.haveStack = true
}

// OnInstruction dispatches one intercepted instruction through the
// emulator, resolving its memory operand (if any) to the shadow region
// that owns it. fromLibrary marks the access as library-originated for
// the string heuristic's LIBS mode.
func (e *Engine) OnInstruction(instr emulator.Instruction, fromLibrary bool) {
	e.reporter.fromLibrary = fromLibrary

	var region *shadowmem.Region
	if instr.HasMem {
		region = e.regionFor(instr.MemAddr, instr.MemKind)
		if region == nil {
			e.warn(string(instr.Op), "memory operand at %#x has no known owning region", instr.MemAddr)
			return
		}
	}
	e.emu.Dispatch(region, instr)
}

func (e *Engine) regionFor(addr uint64, kind shadowmem.Kind) *shadowmem.Region {
	if kind == shadowmem.Stack {
		return e.stack
	}
	return e.alloc.RegionFor(addr)
}

// NoteStackAllocation forwards a "SUB rsp, N" observation to the emulator's
// stack-clash suppression bookkeeping.
func (e *Engine) NoteStackAllocation(newSP, size, pageSize uint64) {
	e.emu.NoteStackAllocation(newSP, size, pageSize)
}

// OnReturn notifies the engine that a function returned, handing back sp as
// the new (post-return) stack pointer: the callee's now-dead frame and
// everything deeper are reset to uninitialized, so a later read of a reused
// slot is correctly flagged instead of reading stale initialized bits from a
// previous call. Like NoteStackAllocation, the concrete address comes from
// the host/trace since the shadow state tracks initialization only, not
// register values.
func (e *Engine) OnReturn(sp uint64) {
	if !e.haveStack {
		return
	}
	e.stack.ResetBelow(sp)
}

// OnSyscallEntry begins tracking one syscall: its number and argument
// registers, transitioning the state machine unset -> entered.
func (e *Engine) OnSyscallEntry(sysNum uint64, args [6]uint64) {
	e.syscallState.Entry(sysNum, args)
}

// OnSyscallExit completes the syscall OnSyscallEntry began: it resolves the
// syscall's memory accesses via the adapter chain and replays each through
// the normal memory-trace pipeline at ip, the syscall instruction's own
// address. strLen/readIOVec let a live instrumentation host
// supply string lengths and scatter/gather buffer descriptors a handful of
// handlers need; the trace-replay harness has no live process to query and
// passes nil for both, so those handlers degrade to their fixed-size
// operands only.
func (e *Engine) OnSyscallExit(ip uint64, retVal int64, strLen func(uint64) int, readIOVec func(uint64, int) []syscalladapter.IOVec) {
	e.syscallState.Exit(retVal)
	ctx := syscalladapter.Context{StrLen: strLen, ReadIOVec: readIOVec}
	accesses, handled := e.syscallState.ReadsWrites(ctx, e.syscallChain)
	if !handled {
		e.warn("SYSCALL", "unrecognized syscall skipped; may yield false positives")
		return
	}
	for _, acc := range accesses {
		e.replaySyscallAccess(ip, acc)
	}
}

func (e *Engine) replaySyscallAccess(ip uint64, acc syscalladapter.MemAccess) {
	region, kind := e.resolveHeapOrStack(acc.Addr)
	if region == nil {
		e.warn("SYSCALL", "syscall touched %#x outside any known region", acc.Addr)
		return
	}
	instr := emulator.Instruction{
		Op: "SYSCALL",
		IP: ip,
		ActualIP: ip,
		Disasm: "syscall",
		HasMem: true,
		MemAddr: acc.Addr,
		MemSize: acc.Size,
		MemIsWrite: acc.Type == syscalladapter.Write,
		MemKind: kind,
	}
	e.reporter.fromLibrary = false
	e.emu.Dispatch(region, instr)
}

// resolveHeapOrStack classifies an address a syscall touched: below the
// thread's initial stack pointer is stack memory (it grows down from
// there); otherwise it's whatever heap region the allocator adapter
// assigned it.
func (e *Engine) resolveHeapOrStack(addr uint64) (*shadowmem.Region, shadowmem.Kind) {
	if e.haveStack && addr < e.stackBase {
		return e.stack, shadowmem.Stack
	}
	if r := e.alloc.RegionFor(addr); r != nil {
		return r, shadowmem.Heap
	}
	return nil, 0
}

// OnMallocBefore begins tracking an in-flight malloc/calloc/realloc/
// posix_memalign call: requestedSize is remembered 
func (e *Engine) OnMallocBefore(requestedSize int) {
	e.alloc.BeforeAlloc(requestedSize)
}

// OnHeapWrite diverts a write the allocator itself performed (zeroing,
// bookkeeping) while a call begun by OnMallocBefore is still in flight.
func (e *Engine) OnHeapWrite(addr uint64, data []byte) {
	e.alloc.DivertWrite(addr, data)
}

// OnMallocAfter finalizes the call OnMallocBefore started and remembers
// the returned pointer's HeapType for the matching OnFree call.
func (e *Engine) OnMallocAfter(ptr uint64, size int, singleChunk bool) {
	ht, _ := e.alloc.AfterAlloc(ptr, size, singleChunk)
	if ht.IsValid() {
		e.liveBlocks[ptr] = ht
	}
}

// OnFree resets the freed block's shadow state (its reinit segments only,
// preserving the header carve-out) using the HeapType OnMallocAfter
// recorded for ptr.
func (e *Engine) OnFree(ptr uint64, size int) {
	ht := e.liveBlocks[ptr]
	e.alloc.Free(ptr, size, ht)
	delete(e.liveBlocks, ptr)
}

// OnBrk handles a brk syscall lowering the heap high-water mark: last-write
// entries lying wholly or partially above the new boundary are invalidated.
func (e *Engine) OnBrk(newHighWater uint64) {
	e.alloc.OnBrk(newHighWater, e.memPending)
}

// Finalize resolves the overwrite-replay algorithm across every access
// recorded so far, returning the findings OnFini would write to the
// report. Exposed separately so tests and callers doing their own report
// handling don't have to go through file I/O.
func (e *Engine) Finalize() []aggregator.Finding {
	return e.agg.Finalize()
}

// OpcodeTable returns the non-default opcode classification the engine's
// emulator was built with, for offline review.
func (e *Engine) OpcodeTable() []emulator.Classification {
	return e.emu.Classify()
}

// OnFini finalizes the trace: resolves the overwrite-replay algorithm
// across every recorded access, writes the binary report, and flushes any
// accumulated side-log warnings to warningOpcodes.log.
func (e *Engine) OnFini() error {
	findings := e.Finalize()

	f, err := os.Create(e.outputPath())
	if err != nil {
		e.Log.Fatal("report file unwritable", zap.Error(err))
		return fmt.Errorf("engine: create report file: %w", err)
	}
	defer f.Close()

	opts := report.Options{
		RegSize: e.Cfg.Bits / 8,
		Images: e.images,
		StackBase: e.stackBase,
	}
	if err := report.WriteReport(f, opts, findings); err != nil {
		e.Log.Fatal("failed writing report", zap.Error(err))
		return fmt.Errorf("engine: write report: %w", err)
	}

	return e.flushWarnings()
}

func (e *Engine) outputPath() string {
	if e.Cfg.OutputPath != "" {
		return e.Cfg.OutputPath
	}
	return "overlaps.bin"
}

func (e *Engine) warn(opcode, format string, args...interface{}) {
	msg := fmt.Sprintf(format, args...)
	e.warnings = append(e.warnings, fmt.Sprintf("%s: %s", opcode, msg))
	e.Log.Warn(msg, zap.String("opcode", opcode))
}

func (e *Engine) flushWarnings() error {
	if len(e.warnings) == 0 {
		return nil
	}
	f, err := os.Create("warningOpcodes.log")
	if err != nil {
		return fmt.Errorf("engine: flush warnings: %w", err)
	}
	defer f.Close()
	for _, w := range e.warnings {
		fmt.Fprintln(f, w)
	}
	return nil
}
