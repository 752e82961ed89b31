package emulator

import (
	"github.com/kpellizzi/memtrace/pkg/pending"
	"github.com/kpellizzi/memtrace/pkg/shadowmem"
	"github.com/kpellizzi/memtrace/pkg/shadowreg"
)

// buildSpecializedTable registers the non-exhaustive list of handlers
// the contract calls out by exact contract, keyed by opcode. A lookup miss
// falls back to defaultHandle.
func (e *Emulator) buildSpecializedTable() map[Opcode]func(*Emulator, *shadowmem.Region, Instruction) {
	t := map[Opcode]func(*Emulator, *shadowmem.Region, Instruction){
		"CWD": signZeroConversion,
		"CDQ": signZeroConversion,
		"CQO": signZeroConversion,

		"PMOVMSKB": packMaskExtraction,
		"VPMOVMSKB": packMaskExtraction,

		"VPBROADCASTB": broadcast,
		"VPBROADCASTW": broadcast,
		"VPBROADCASTD": broadcast,
		"VPBROADCASTQ": broadcast,

		"FSTP": x87NarrowStore,
		"FST": x87NarrowStore,
		"FISTP": x87NarrowStore,

		"MOVSS": moveScalar,
		"MOVSD": moveScalar,

		"XSAVE": xsave,
		"XSAVEC": xsave,
		"XSAVEOPT": xsave,
		"XSAVES": xsave,
		"FXSAVE": xsave,
		"XRSTOR": xrstor,
		"XRSTORS": xrstor,
		"FXRSTOR": xrstor,
	}
	return t
}

// signZeroConversion implements CWD/CDQ/CQO: the destination becomes fully
// initialized regardless of source status because the
// instruction's only real use is expanding an already-known-initialized
// value.
func signZeroConversion(e *Emulator, region *shadowmem.Region, instr Instruction) {
	for _, dst := range instr.DstRegs {
		e.Regs.SetInitialized(dst)
		e.RegPending.Drop(dst)
	}
}

// packMaskExtraction implements PMOVMSKB/VPMOVMSKB: source byte i yields
// destination bit i, which is initialized iff the whole source byte is.
// Register init state is byte-granular, so destination byte j is
// initialized iff source bytes 8j..8j+7 all are.
func packMaskExtraction(e *Emulator, region *shadowmem.Region, instr Instruction) {
	if len(instr.SrcRegs) == 0 || len(instr.DstRegs) == 0 {
		return
	}
	src := instr.SrcRegs[0]
	dst := instr.DstRegs[0]

	srcMask := e.Regs.ContentMask(src)
	dstSize := e.Regs.ByteSize(dst)
	mask := make([]byte, dstSize)
	for i := range mask {
		mask[i] = 1
	}
	for i, b := range srcMask {
		if b != 0xff && i/8 < dstSize {
			mask[i/8] = 0
		}
	}
	e.Regs.SetInitialized(dst, mask)
	e.RegPending.Drop(dst)
}

// broadcast implements VPBROADCASTB/W/D/Q: replicate the source's LSB
// status through the destination's full width; any uninitialized
// replicated bit marks every replicated byte uninitialized.
func broadcast(e *Emulator, region *shadowmem.Region, instr Instruction) {
	if len(instr.SrcRegs) == 0 || len(instr.DstRegs) == 0 {
		return
	}
	srcMask := e.Regs.ContentMask(instr.SrcRegs[0])
	lsbInitialized := len(srcMask) > 0 && srcMask[0] == 0xff

	dst := instr.DstRegs[0]
	dstSize := e.Regs.ByteSize(dst)
	mask := make([]byte, dstSize)
	if lsbInitialized {
		for i := range mask {
			mask[i] = 1
		}
	}
	e.Regs.SetInitialized(dst, mask)
	if lsbInitialized {
		e.RegPending.Drop(dst)
	} else {
		e.RegPending.Insert(dst, e.RegPending.Get(instr.SrcRegs[0]))
	}
}

// x87NarrowStore implements the "x87 store to smaller precision" rule: if
// the source ST register has any uninitialized bit, the entire narrower
// destination (32- or 64-bit memory, or register) is marked uninitialized.
func x87NarrowStore(e *Emulator, region *shadowmem.Region, instr Instruction) {
	srcUninit := false
	for _, s := range instr.SrcRegs {
		if e.Regs.IsUninitialized(s) {
			srcUninit = true
			break
		}
	}

	if instr.HasMem {
		rng := pending.Range{Start: instr.MemAddr, Size: instr.MemSize}
		tags := allTagsFrom(e, instr.SrcRegs)
		if srcUninit {
			e.MemPending.InsertWithOverwrite(rng, tags)
		} else {
			region.MarkInitialized(instr.MemAddr, instr.MemSize)
			e.MemPending.InsertWithOverwrite(rng, nil)
		}
		e.reportMemoryWrite(instr, srcUninit, tags)
		return
	}
	for _, dst := range instr.DstRegs {
		if srcUninit {
			mask := make([]byte, e.Regs.ByteSize(dst))
			e.Regs.SetInitialized(dst, mask)
		} else {
			e.Regs.SetInitialized(dst)
			e.RegPending.Drop(dst)
		}
	}
}

// moveScalar implements MOVSS/MOVSD: only the low 4 or 8 bytes are copied,
// the remaining destination bytes are preserved untouched.
func moveScalar(e *Emulator, region *shadowmem.Region, instr Instruction) {
	width := 4
	if instr.Op == "MOVSD" {
		width = 8
	}
	if len(instr.DstRegs) == 0 {
		return
	}
	dst := instr.DstRegs[0]

	var lowMask []byte
	if instr.HasMem && !instr.MemIsWrite {
		snap := region.QueryUninitialized(instr.MemAddr, width)
		lowMask = expandSnapshot(snap)
	} else if len(instr.SrcRegs) > 0 {
		src := e.Regs.ContentMask(instr.SrcRegs[0])
		lowMask = make([]byte, width)
		for i := 0; i < width && i < len(src); i++ {
			lowMask[i] = src[i]
		}
	}
	if lowMask == nil {
		return
	}
	full := e.Regs.ContentMask(dst)
	copy(full, lowMask)
	e.Regs.SetInitialized(dst, full)
}

// allTagsFrom unions the reg_pending tag sets of every register in regs.
func allTagsFrom(e *Emulator, regs []shadowreg.RegisterID) pending.TagSet {
	var out pending.TagSet
	for _, r := range regs {
		out = out.Union(e.RegPending.Get(r))
	}
	return out
}
