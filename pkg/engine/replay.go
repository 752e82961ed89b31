package engine

import (
	"fmt"

	"github.com/kpellizzi/memtrace/pkg/emulator"
	"github.com/kpellizzi/memtrace/pkg/shadowmem"
	"github.com/kpellizzi/memtrace/pkg/shadowreg"
	"github.com/kpellizzi/memtrace/pkg/tracefile"
)

// Replay drives the engine from a trace description instead of a live
// instrumentation host: cmd/memtrace's substitute for the missing Pin-style
// host, replaying externally produced records instead of regenerating them
// in-process.
func (e *Engine) Replay(tr *tracefile.Trace) error {
	e.Cfg.Bits = tr.Bits
	for i, ev := range tr.Events {
		if err := e.replayEvent(ev); err != nil {
			return fmt.Errorf("engine: replay event %d (%s): %w", i, ev.Type, err)
		}
	}
	return nil
}

func (e *Engine) replayEvent(ev tracefile.Event) error {
	switch ev.Type {
	case tracefile.ImageLoad:
		e.OnImageLoad(ev.ImageName, ev.ImageBase, ev.FromLib)

	case tracefile.ThreadStart:
		e.OnThreadStart(ev.InitialSP)

	case tracefile.Instruction:
		instr, err := e.resolveInstruction(ev.Instr)
		if err != nil {
			return err
		}
		e.OnInstruction(instr, ev.FromLib)

	case tracefile.SyscallEntry:
		e.OnSyscallEntry(ev.SysNum, ev.SysArgs)

	case tracefile.SyscallExit:
		e.OnSyscallExit(ev.SysIP, ev.SysRet, nil, nil)

	case tracefile.MallocBefore:
		e.OnMallocBefore(ev.RequestedSize)
		for _, w := range ev.HeapWrites {
			e.OnHeapWrite(w.Addr, make([]byte, w.Size))
		}

	case tracefile.MallocAfter:
		e.OnMallocAfter(ev.Ptr, ev.BlockSize, ev.SingleChunk)

	case tracefile.FreeBefore:
		// Nothing to stage: free() performs no allocator-owned writes this
		// engine models before the pointer is released.

	case tracefile.FreeAfter:
		e.OnFree(ev.Ptr, ev.BlockSize)

	case tracefile.Return:
		e.OnReturn(ev.ReturnSP)

	case tracefile.Fini:
		return e.OnFini()

	default:
		return fmt.Errorf("unhandled event type %q", ev.Type)
	}
	return nil
}

func (e *Engine) resolveInstruction(in *tracefile.InstructionEvent) (emulator.Instruction, error) {
	src, err := e.resolveRegs(in.SrcRegs)
	if err != nil {
		return emulator.Instruction{}, err
	}
	dst, err := e.resolveRegs(in.DstRegs)
	if err != nil {
		return emulator.Instruction{}, err
	}
	content, err := in.Content()
	if err != nil {
		return emulator.Instruction{}, fmt.Errorf("decode memory content: %w", err)
	}

	instr := emulator.Instruction{
		Op: emulator.Opcode(in.Op),
		IP: in.IP,
		ActualIP: in.ActualIP,
		Disasm: in.Disasm,
		SrcRegs: src,
		DstRegs: dst,
		HasMem: in.HasMem,
		MemAddr: in.MemAddr,
		MemSize: in.MemSize,
		MemIsWrite: in.MemIsWrite,
		MemContent: content,
	}
	if in.HasMem {
		switch in.MemKind {
		case "heap":
			instr.MemKind = shadowmem.Heap
		default:
			instr.MemKind = shadowmem.Stack
		}
	}
	return instr, nil
}

func (e *Engine) resolveRegs(names []string) ([]shadowreg.RegisterID, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]shadowreg.RegisterID, len(names))
	for i, name := range names {
		id, ok := e.regs.ByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown register %q", name)
		}
		out[i] = id
	}
	return out, nil
}
