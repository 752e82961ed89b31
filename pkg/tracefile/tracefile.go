// Package tracefile defines the JSON trace-description format the engine's
// CLI replays when the real dynamic-instrumentation host is unavailable: a
// flat, ordered list of the same callbacks a Pin-style tool would invoke
// (image loads, thread starts, instructions, syscalls, malloc/free),
// replaying externally produced structured records instead of regenerating
// them in-process.
package tracefile

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// EventType names one callback in the trace.
type EventType string

const (
	ImageLoad EventType = "image_load"
	ThreadStart EventType = "thread_start"
	Instruction EventType = "instruction"
	SyscallEntry EventType = "syscall_entry"
	SyscallExit EventType = "syscall_exit"
	MallocBefore EventType = "malloc_before"
	MallocAfter EventType = "malloc_after"
	FreeBefore EventType = "free_before"
	FreeAfter EventType = "free_after"
	Return EventType = "return"
	Fini EventType = "fini"
)

// InstructionEvent carries every field pkg/emulator.Instruction needs.
// Register names are resolved against a shadowreg.File by the caller (this
// package stays independent of the register table so it can be tested
// without constructing one).
type InstructionEvent struct {
	Op string `json:"op"`
	IP uint64 `json:"ip"`
	ActualIP uint64 `json:"actual_ip"`
	Disasm string `json:"disasm"`

	SrcRegs []string `json:"src_regs,omitempty"`
	DstRegs []string `json:"dst_regs,omitempty"`

	HasMem bool `json:"has_mem,omitempty"`
	MemAddr uint64 `json:"mem_addr,omitempty"`
	MemSize int `json:"mem_size,omitempty"`
	MemIsWrite bool `json:"mem_is_write,omitempty"`
	MemKind string `json:"mem_kind,omitempty"` // "stack" | "heap"

	// MemContentHex is the memory operand's raw bytes, hex-encoded, when
	// the harness can supply them (needed only by the string-optimization
	// heuristic).
	MemContentHex string `json:"mem_content_hex,omitempty"`
}

// Content decodes MemContentHex, returning nil if empty.
func (e InstructionEvent) Content() ([]byte, error) {
	if e.MemContentHex == "" {
		return nil, nil
	}
	return hex.DecodeString(e.MemContentHex)
}

// Event is one tagged-union entry in a Trace's ordered event list.
type Event struct {
	Type EventType `json:"type"`

	// image_load
	ImageName string `json:"image_name,omitempty"`
	ImageBase uint64 `json:"image_base,omitempty"`
	FromLib bool `json:"from_lib,omitempty"`

	// thread_start
	InitialSP uint64 `json:"initial_sp,omitempty"`

	// instruction
	Instr *InstructionEvent `json:"instruction,omitempty"`

	// syscall_entry / syscall_exit. SysIP is the syscall instruction's own
	// address, carried on the exit event since that's the instruction
	// pointer every memory access the syscall performed gets attributed to
	// when replayed through the normal memory-trace pipeline.
	SysNum uint64 `json:"sys_num,omitempty"`
	SysArgs [6]uint64 `json:"sys_args,omitempty"`
	SysRet int64 `json:"sys_ret,omitempty"`
	SysIP uint64 `json:"sys_ip,omitempty"`

	// malloc_before / malloc_after / free_before / free_after
	RequestedSize int `json:"requested_size,omitempty"`
	Ptr uint64 `json:"ptr,omitempty"`
	BlockSize int `json:"block_size,omitempty"`
	SingleChunk bool `json:"single_chunk,omitempty"`

	// malloc_before: every write the allocator itself performed (zeroing,
	// bookkeeping) while the call was in flight, each diverted through
	// OnHeapWrite before AfterAlloc replays them into the decided region.
	HeapWrites []HeapWrite `json:"heap_writes,omitempty"`

	// return: the stack pointer immediately after the function returned,
	// forwarded to Engine.OnReturn to reset the freed frame's shadow state.
	ReturnSP uint64 `json:"return_sp,omitempty"`
}

// HeapWrite is one allocator-internal write staged between a
// malloc_before and its matching malloc_after.
type HeapWrite struct {
	Addr uint64 `json:"addr"`
	Size int `json:"size"`
}

// Trace is a complete trace description: the process's pointer width plus
// the ordered callback sequence (thread stack bases arrive as thread_start
// events).
type Trace struct {
	Bits int `json:"bits"`
	Events []Event `json:"events"`
}

// Decode parses a Trace from r.
func Decode(r io.Reader) (*Trace, error) {
	var tr Trace
	if err := json.NewDecoder(r).Decode(&tr); err != nil {
		return nil, fmt.Errorf("tracefile: decode: %w", err)
	}
	if tr.Bits != 32 && tr.Bits != 64 {
		return nil, fmt.Errorf("tracefile: bits must be 32 or 64, got %d", tr.Bits)
	}
	for i, ev := range tr.Events {
		if err := ev.validate(); err != nil {
			return nil, fmt.Errorf("tracefile: event %d: %w", i, err)
		}
	}
	return &tr, nil
}

// Encode writes tr as JSON to w, indented for readability — trace files are
// hand-editable test fixtures, not a hot-path format.
func Encode(w io.Writer, tr *Trace) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	return enc.Encode(tr)
}

func (e Event) validate() error {
	switch e.Type {
	case ImageLoad:
		if e.ImageName == "" {
			return fmt.Errorf("image_load requires image_name")
		}
	case ThreadStart:
		// initial_sp of 0 is suspicious but not rejected: some fixtures
		// intentionally probe the degenerate case.
	case Instruction:
		if e.Instr == nil {
			return fmt.Errorf("instruction event requires an \"instruction\" object")
		}
		if e.Instr.Op == "" {
			return fmt.Errorf("instruction requires op")
		}
		if e.Instr.MemKind != "" && e.Instr.MemKind != "stack" && e.Instr.MemKind != "heap" {
			return fmt.Errorf("instruction mem_kind must be \"stack\" or \"heap\", got %q", e.Instr.MemKind)
		}
	case SyscallEntry, SyscallExit:
		// sys_num 0 is a real syscall (read), so nothing to validate beyond
		// the type tag itself.
	case MallocBefore, FreeBefore:
		// requested_size/block_size of 0 is valid (malloc(0) is defined).
	case MallocAfter, FreeAfter:
	case Return:
		// return_sp of 0 is suspicious but not rejected, matching
		// thread_start's initial_sp leniency above.
	case Fini:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
