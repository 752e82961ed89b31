// Package emulator implements the per-instruction shadow-state propagator:
// default load/store/register-propagate handlers plus a small registry of
// specialized handlers that override the defaults for instructions whose
// taint semantics don't fit the generic rules.
package emulator

import (
	"sort"

	"go.uber.org/zap"

	"github.com/kpellizzi/memtrace/pkg/pending"
	"github.com/kpellizzi/memtrace/pkg/shadowmem"
	"github.com/kpellizzi/memtrace/pkg/shadowreg"
	"github.com/kpellizzi/memtrace/pkg/tagmgr"
)

// Opcode identifies an instruction mnemonic. The disassembler that maps raw
// bytes to an Opcode lives outside this package (supplied by the
// instrumentation host); the emulator only ever sees the resolved mnemonic.
type Opcode string

// Instruction is the fully-resolved description of one intercepted
// instruction: its opcode, source/destination register lists, and (if any)
// the single memory operand it touches.
type Instruction struct {
	Op Opcode
	IP uint64
	ActualIP uint64
	Disasm string

	SrcRegs []shadowreg.RegisterID
	DstRegs []shadowreg.RegisterID

	HasMem bool
	MemAddr uint64
	MemSize int
	MemIsWrite bool
	MemKind shadowmem.Kind
	// MemContent is the raw byte content of the memory operand, when the
	// instrumentation host makes it available; nil otherwise. Only
	// consumed by the aggregator's string-optimization heuristic, which
	// needs actual bytes (not just init status) to recognize a NUL
	// terminator.
	MemContent []byte
}

// AccessContext pairs a register set with the address/size of a memory
// operand. No handler in this package takes it: handlers receive the full
// Instruction.
type AccessContext struct {
	Regs []shadowreg.RegisterID
	Addr uint64
	Size int
}

// AccessEvent is what the emulator hands to the aggregator for every
// memory access it processes.
type AccessEvent struct {
	IP uint64
	ActualIP uint64
	Disasm string
	Addr uint64
	Size int
	IsWrite bool
	Kind shadowmem.Kind
	Uninitialized bool
	Tags []tagmgr.Tag
	StackOffset int64
	BasePtrOffset int64
	Content []byte
	// Intervals are the (lo, hi) inclusive uninitialized-byte offsets
	// within this access, only populated for reads; the string heuristic
	// and the report writer both need byte-level detail the tag set alone
	// doesn't carry.
	Intervals [][2]int
}

// Reporter receives classified accesses; pkg/aggregator implements it.
type Reporter interface {
	Record(ev AccessEvent)
}

// Config tunes warning suppression and the XSAVE component mask.
type Config struct {
	// SilenceSizeMismatch lists opcodes for which mismatched source/
	// destination sizes should not be logged.
	SilenceSizeMismatch map[Opcode]bool
	// XCR0 is the extended-state enable mask consulted by XSAVE/XRSTOR to
	// decide which state components are active.
	XCR0 uint64
}

// stackClashProbe records an in-flight "SUB rsp, N" allocation awaiting its
// guard-page touch.
type stackClashProbe struct {
	start uint64
	size uint64
	requireProbe bool
}

// Emulator holds the live shadow state an instruction stream mutates. It
// has no notion of "the" memory region backing an address; callers resolve
// addresses to *shadowmem.Region and pass it in per call, the way the
// engine owns region lookup.
type Emulator struct {
	Regs *shadowreg.File
	RegPending *pending.RegTable
	MemPending *pending.MemTable
	Tags *tagmgr.Manager
	Reporter Reporter
	Config Config
	Log *zap.Logger

	specialized map[Opcode]func(*Emulator, *shadowmem.Region, Instruction)
	copyOps map[Opcode]bool
	stackClash map[uint64]stackClashProbe
}

// New builds an emulator wired to the given collaborators.
func New(regs *shadowreg.File, regPending *pending.RegTable, memPending *pending.MemTable, tags *tagmgr.Manager, reporter Reporter, cfg Config, log *zap.Logger) *Emulator {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Emulator{
		Regs: regs,
		RegPending: regPending,
		MemPending: memPending,
		Tags: tags,
		Reporter: reporter,
		Config: cfg,
		Log: log,
		stackClash: make(map[uint64]stackClashProbe),
	}
	e.copyOps = defaultCopyOpcodes()
	e.specialized = e.buildSpecializedTable()
	return e
}

// IsCopyOpcode reports whether op belongs to the enumerated copy set
// (plain move variants, push/pop, and a small additional list): an
// uninitialized load through one of these becomes a register-pending
// entry rather than an immediate report.
func (e *Emulator) IsCopyOpcode(op Opcode) bool {
	return e.copyOps[op]
}

// Classification categorizes one opcode for offline review: "copy" (taint
// propagates without an immediate report) or "comparison" (has a dedicated
// specialized handler overriding the default load/store/propagate rules —
// not all of these are actual comparison instructions, the name covers the
// whole non-default bucket). Direct-use opcodes take the default path and
// are not listed.
type Classification struct {
	Opcode Opcode `json:"opcode"`
	Kind string `json:"kind"`
}

// Classify reports every opcode this emulator treats specially, for
// `cmd/memtrace opcodes` to dump as a reviewable table. Plain default-path
// opcodes (the overwhelming majority) are not enumerated since the default
// load/store/propagate rule applies uniformly to them.
func (e *Emulator) Classify() []Classification {
	var out []Classification
	for op := range e.copyOps {
		out = append(out, Classification{Opcode: op, Kind: "copy"})
	}
	for op := range e.specialized {
		out = append(out, Classification{Opcode: op, Kind: "comparison"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Opcode < out[j].Opcode })
	return out
}

func defaultCopyOpcodes() map[Opcode]bool {
	ops := []Opcode{
		"MOV", "MOVZX", "MOVSX", "MOVSXD", "MOVAPS", "MOVAPD", "MOVUPS", "MOVUPD",
		"MOVDQA", "MOVDQU", "MOVQ", "MOVD", "LEA",
		"PUSH", "POP", "XCHG",
	}
	m := make(map[Opcode]bool, len(ops))
	for _, o := range ops {
		m[o] = true
	}
	return m
}

// Dispatch routes instr to a specialized handler if one is registered for
// its opcode, else falls through to the generic load/store/propagate path.
func (e *Emulator) Dispatch(region *shadowmem.Region, instr Instruction) {
	if h, ok := e.specialized[instr.Op]; ok {
		h(e, region, instr)
		return
	}
	e.defaultHandle(region, instr)
}

func (e *Emulator) defaultHandle(region *shadowmem.Region, instr Instruction) {
	switch {
	case instr.HasMem && instr.MemIsWrite:
		e.DefaultStore(region, instr)
	case instr.HasMem && !instr.MemIsWrite:
		e.DefaultLoad(region, instr)
	default:
		e.DefaultPropagate(instr)
	}
}

// combinedRegMask ANDs together the content masks of every register in
// regs. Width is the narrowest register's ByteSize.
func (e *Emulator) combinedRegMask(regs []shadowreg.RegisterID) []byte {
	if len(regs) == 0 {
		return nil
	}
	width := e.Regs.ByteSize(regs[0])
	for _, r := range regs[1:] {
		if sz := e.Regs.ByteSize(r); sz < width {
			width = sz
		}
	}
	combined := make([]byte, width)
	for i := range combined {
		combined[i] = 0xff
	}
	for _, r := range regs {
		m := e.Regs.ContentMask(r)
		for i := 0; i < width && i < len(m); i++ {
			combined[i] &= m[i]
		}
	}
	return combined
}

// expandSnapshot turns a packed shadow bitmap into one mask byte per
// accessed byte (0xff = initialized), the representation shadowreg's
// ContentMask already uses, so the two can be combined directly.
func expandSnapshot(snap shadowmem.Snapshot) []byte {
	out := make([]byte, snap.Size)
	for i := 0; i < snap.Size; i++ {
		if snap.Bits[i/8]&(1<<uint(i%8)) != 0 {
			out[i] = 0xff
		}
	}
	return out
}

// DefaultLoad implements the Default load rule: take the shadow
// query result, strip padding, write it into every destination register,
// truncating or zero-extending as needed; sizes that don't match emit a
// side-log warning unless the opcode is allow-listed.
func (e *Emulator) DefaultLoad(region *shadowmem.Region, instr Instruction) {
	snap := region.QueryUninitialized(instr.MemAddr, instr.MemSize)
	mask := expandSnapshot(snap)

	if len(instr.SrcRegs) > 0 {
		combined := e.combinedRegMask(instr.SrcRegs)
		for i := range mask {
			if i < len(combined) && combined[i] != 0xff {
				mask[i] = 0
			}
		}
	}

	uninit := false
	for _, b := range mask {
		if b != 0xff {
			uninit = true
			break
		}
	}

	for _, dst := range instr.DstRegs {
		dstSize := e.Regs.ByteSize(dst)
		dstMask := make([]byte, dstSize)
		for i := 0; i < dstSize; i++ {
			if i < len(mask) {
				dstMask[i] = mask[i]
			} else {
				dstMask[i] = 0xff // zero/sign-extended high bytes are always initialized
			}
		}
		if dstSize != instr.MemSize && !e.Config.SilenceSizeMismatch[instr.Op] {
			e.Log.Warn("size mismatch on load",
				zap.String("opcode", string(instr.Op)),
				zap.Int("memSize", instr.MemSize),
				zap.Int("dstSize", dstSize))
		}
		e.Regs.SetInitialized(dst, dstMask)
	}

	e.reportMemoryRead(instr, uninit, maskToIntervals(mask))
}

// maskToIntervals converts an expanded byte mask (0xff = initialized) into
// the (lo, hi) inclusive uninitialized-byte intervals the string
// heuristic and the report writer both need.
func maskToIntervals(mask []byte) [][2]int {
	var intervals [][2]int
	inRun := false
	lo := 0
	for i, b := range mask {
		if b != 0xff {
			if !inRun {
				inRun = true
				lo = i
			}
		} else if inRun {
			intervals = append(intervals, [2]int{lo, i - 1})
			inRun = false
		}
	}
	if inRun {
		intervals = append(intervals, [2]int{lo, len(mask) - 1})
	}
	return intervals
}

// DefaultStore implements the Default store rule: pack the combined
// source-register status and mark memory through the region's masked
// write. An absent source list (immediate store) marks the whole range
// initialized.
func (e *Emulator) DefaultStore(region *shadowmem.Region, instr Instruction) {
	if len(instr.SrcRegs) == 0 {
		region.MarkInitialized(instr.MemAddr, instr.MemSize)
		e.MemPending.InsertWithOverwrite(pending.Range{Start: instr.MemAddr, Size: instr.MemSize}, nil)
		e.reportMemoryWrite(instr, false, nil)
		return
	}

	combined := e.combinedRegMask(instr.SrcRegs)
	var mask uint64
	for i := 0; i < len(combined) && i < 8; i++ {
		if combined[i] == 0xff {
			mask |= 1 << uint(i)
		}
	}
	region.MarkInitializedWithMask(instr.MemAddr, instr.MemSize, mask)

	uninit := false
	var tags pending.TagSet
	for _, r := range instr.SrcRegs {
		if e.Regs.IsUninitialized(r) {
			uninit = true
			if pend := e.RegPending.Get(r); len(pend) > 0 {
				tags = tags.Union(pend)
			}
		}
	}

	rng := pending.Range{Start: instr.MemAddr, Size: instr.MemSize}
	if uninit {
		if len(tags) == 0 {
			tag := e.Tags.Alloc(tagmgr.AccessRange{Start: instr.MemAddr, Size: instr.MemSize}, nil)
			e.Tags.Retain(tag)
			tags = pending.TagSet{tag}
		}
		e.MemPending.InsertWithOverwrite(rng, tags)
		// The pending tags now live in mem_pending; drain the sources.
		for _, r := range instr.SrcRegs {
			e.RegPending.Drop(r)
		}
	} else {
		e.MemPending.InsertWithOverwrite(rng, nil)
	}

	e.reportMemoryWrite(instr, uninit, tags)
}

// DefaultPropagate implements the Default register propagate rule:
// each destination takes the narrowest source status that fits, with
// missing high bytes padded as initialized.
func (e *Emulator) DefaultPropagate(instr Instruction) {
	combined := e.combinedRegMask(instr.SrcRegs)
	for _, dst := range instr.DstRegs {
		dstSize := e.Regs.ByteSize(dst)
		mask := make([]byte, dstSize)
		for i := 0; i < dstSize; i++ {
			if i < len(combined) {
				mask[i] = combined[i]
			} else {
				mask[i] = 0xff
			}
		}
		e.Regs.SetInitialized(dst, mask)

		if len(instr.SrcRegs) == 1 && e.IsCopyOpcode(instr.Op) {
			e.RegPending.Move(instr.SrcRegs[0], dst)
		} else {
			var union pending.TagSet
			for _, s := range instr.SrcRegs {
				union = union.Union(e.RegPending.Get(s))
			}
			if len(union) > 0 {
				e.RegPending.Insert(dst, union)
			} else {
				e.RegPending.Drop(dst)
			}
		}
	}
}

// reportMemoryRead classifies an uninitialized load as copy (its tags go
// to the destination registers' reg_pending entries) or direct-use
// (reported immediately, destination pending entries dropped).
func (e *Emulator) reportMemoryRead(instr Instruction, uninit bool, intervals [][2]int) {
	var tags pending.TagSet
	if uninit {
		hits := e.MemPending.Intersect(pending.Range{Start: instr.MemAddr, Size: instr.MemSize})
		for _, h := range hits {
			tags = tags.Union(h.Tags)
		}
		if len(tags) == 0 {
			tag := e.Tags.Alloc(tagmgr.AccessRange{Start: instr.MemAddr, Size: instr.MemSize}, nil)
			e.Tags.Retain(tag)
			tags = pending.TagSet{tag}
		}
	}

	if uninit && e.IsCopyOpcode(instr.Op) {
		for _, dst := range instr.DstRegs {
			e.RegPending.Insert(dst, tags)
		}
	} else if uninit {
		for _, dst := range instr.DstRegs {
			e.RegPending.Drop(dst)
		}
	}

	if e.Reporter == nil {
		return
	}
	rawTags := make([]tagmgr.Tag, len(tags))
	copy(rawTags, tags)
	// A copy-opcode load of uninitialized bytes still reaches all_accesses
	// here, just with Uninitialized forced false: the taint moved into
	// reg_pending above instead of being reported at this site, and only
	// resurfaces if a later direct-use consumes the tainted register.
	e.Reporter.Record(AccessEvent{
		IP: instr.IP, ActualIP: instr.ActualIP, Disasm: instr.Disasm,
		Addr: instr.MemAddr, Size: instr.MemSize, IsWrite: false,
		Kind: instr.MemKind, Uninitialized: uninit && !e.IsCopyOpcode(instr.Op), Tags: rawTags,
		Content: instr.MemContent, Intervals: intervals,
	})
}

func (e *Emulator) reportMemoryWrite(instr Instruction, uninit bool, tags pending.TagSet) {
	if e.Reporter == nil {
		return
	}
	rawTags := make([]tagmgr.Tag, len(tags))
	copy(rawTags, tags)
	e.Reporter.Record(AccessEvent{
		IP: instr.IP, ActualIP: instr.ActualIP, Disasm: instr.Disasm,
		Addr: instr.MemAddr, Size: instr.MemSize, IsWrite: true,
		Kind: instr.MemKind, Uninitialized: uninit, Tags: rawTags,
	})
}

// DestinationRegisters marks every register in dstRegs (and its aliases)
// initialized and drops any now-stale reg_pending entry they held,
// restoring the "destination registers can't still owe a pending read"
// cleanup that must run before the main emulation step.
func (e *Emulator) DestinationRegisters(dstRegs []shadowreg.RegisterID, op Opcode) {
	toClear := make(map[shadowreg.RegisterID]bool)
	for _, reg := range dstRegs {
		e.Regs.SetInitialized(reg)
		toClear[reg] = true
		for _, alias := range e.Regs.Aliases(reg) {
			if !e.Regs.IsUninitialized(alias) {
				toClear[alias] = true
			}
		}
	}
	for reg := range toClear {
		e.RegPending.Drop(reg)
	}
}

// NoteStackAllocation records a "SUB rsp, N" for stack-clash suppression:
// the guard-page probe that immediately follows a one-page allocation must
// be silently dropped rather than reported as an uninitialized read.
func (e *Emulator) NoteStackAllocation(newSP, size uint64, pageSize uint64) {
	e.stackClash[newSP] = stackClashProbe{
		start: newSP,
		size: size,
		requireProbe: size == pageSize,
	}
}

// SuppressStackClashProbe reports whether a read at addr should be
// silently dropped because it is the guard-page probe of an in-flight
// single-page stack allocation.
func (e *Emulator) SuppressStackClashProbe(addr uint64) bool {
	for sp, probe := range e.stackClash {
		if !probe.requireProbe {
			continue
		}
		lo := sp - probe.size
		hi := sp - 1
		if addr >= lo && addr <= hi {
			probe.requireProbe = false
			e.stackClash[sp] = probe
			return true
		}
	}
	return false
}
