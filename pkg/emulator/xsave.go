package emulator

import (
	"github.com/kpellizzi/memtrace/pkg/shadowmem"
	"github.com/kpellizzi/memtrace/pkg/shadowreg"
)

// xsaveComponent is one entry of the legacy + extended save-area layout:
// the XCR0 bit that gates it, its offset within the save area, its byte
// size, and the registers it covers.
type xsaveComponent struct {
	bit uint
	offset int
	size int
	regs []shadowreg.RegisterID
}

// xsaveComponents mirrors XsaveHandler's per-component offset table:
// x87/legacy SSE state is always present at offset 0 (160 bytes); XMM
// state (bit 1) starts at the standard FXSAVE offset; further components
// (YMM-high, ZMM-high, ZMM-extra, K-mask) would extend this table with
// their CPUID-reported offsets, omitted here because this module has no
// XMM register above index 3 to place them against.
func xsaveComponents(regs *shadowreg.File) []xsaveComponent {
	return []xsaveComponent{
		{bit: 1, offset: 160, size: 16 * 4, regs: []shadowreg.RegisterID{
			shadowreg.XMM0, shadowreg.XMM1, shadowreg.XMM2, shadowreg.XMM3,
		}},
	}
}

// xsave implements XSAVE/XSAVEC/XSAVEOPT/XSAVES/FXSAVE: for each state
// component enabled in Config.XCR0, issue a synthetic store at the
// component's offset within the save area. The request mask in EDX:EAX is
// not consulted; Config.XCR0 alone selects the components.
func xsave(e *Emulator, region *shadowmem.Region, instr Instruction) {
	if !instr.HasMem {
		return
	}
	base := instr.MemAddr
	for _, c := range xsaveComponents(e.Regs) {
		if e.Config.XCR0&(1<<c.bit) == 0 {
			continue
		}
		addr := base + uint64(c.offset)
		synth := Instruction{
			Op: instr.Op, IP: instr.IP, ActualIP: instr.ActualIP, Disasm: instr.Disasm,
			SrcRegs: c.regs, HasMem: true, MemAddr: addr, MemSize: c.size,
			MemIsWrite: true, MemKind: instr.MemKind,
		}
		e.DefaultStore(region, synth)
	}
}

// xrstor implements XRSTOR/XRSTORS/FXRSTOR: dual to xsave. Each enabled
// component either issues a synthetic load (restoring from memory) or, if
// the restore is "init" per the header bitmap, simply marks the
// corresponding shadow registers initialized. This emulator only ever sees
// the memory-restore path, since the init-optimization bitmap is a
// hardware-internal detail the instrumentation host does not expose.
func xrstor(e *Emulator, region *shadowmem.Region, instr Instruction) {
	if !instr.HasMem {
		return
	}
	base := instr.MemAddr
	for _, c := range xsaveComponents(e.Regs) {
		if e.Config.XCR0&(1<<c.bit) == 0 {
			continue
		}
		addr := base + uint64(c.offset)
		synth := Instruction{
			Op: instr.Op, IP: instr.IP, ActualIP: instr.ActualIP, Disasm: instr.Disasm,
			DstRegs: c.regs, HasMem: true, MemAddr: addr, MemSize: c.size,
			MemIsWrite: false, MemKind: instr.MemKind,
		}
		e.DefaultLoad(region, synth)
	}
}
