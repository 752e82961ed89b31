package emulator

import (
	"testing"

	"github.com/kpellizzi/memtrace/pkg/pending"
	"github.com/kpellizzi/memtrace/pkg/shadowmem"
	"github.com/kpellizzi/memtrace/pkg/shadowreg"
	"github.com/kpellizzi/memtrace/pkg/tagmgr"
)

type fakeReporter struct {
	events []AccessEvent
}

func (f *fakeReporter) Record(ev AccessEvent) { f.events = append(f.events, ev) }

func newTestEmulator() (*Emulator, *fakeReporter) {
	regs := shadowreg.NewX86_64()
	tags := tagmgr.New()
	rep := &fakeReporter{}
	e := New(regs, pending.NewRegTable(tags), pending.NewMemTable(tags), tags, rep, Config{}, nil)
	return e, rep
}

// TestDefaultLoadFromUninitializedStackReportsDirectUse verifies that
// reading a byte the stack frame never wrote is a direct use (not a copy
// opcode) and must be reported immediately.
func TestDefaultLoadFromUninitializedStackReportsDirectUse(t *testing.T) {
	e, rep := newTestEmulator()
	region := shadowmem.NewStack(0x7fff0000, 64)

	instr := Instruction{
		Op: "ADD", IP: 0x401000, HasMem: true, MemAddr: 0x7ffefff0, MemSize: 4,
		MemIsWrite: false, MemKind: shadowmem.Stack, DstRegs: []shadowreg.RegisterID{shadowreg.EAX},
	}
	e.Dispatch(region, instr)

	if len(rep.events) != 1 {
		t.Fatalf("got %d events, want 1", len(rep.events))
	}
	if !rep.events[0].Uninitialized {
		t.Error("expected direct-use read of uninitialized bytes to be reported")
	}
	if !e.Regs.IsUninitialized(shadowreg.EAX) {
		// DefaultLoad still writes the (uninitialized) mask into EAX.
		t.Error("EAX should carry the uninitialized mask after the load")
	}
}

// TestDefaultLoadCopyOpcodeBecomesPending exercises the copy classification:
// MOV from uninitialized memory must not report immediately, instead
// leaving a register-pending tag.
func TestDefaultLoadCopyOpcodeBecomesPending(t *testing.T) {
	e, rep := newTestEmulator()
	region := shadowmem.NewHeap(0x600000, 64, false)

	instr := Instruction{
		Op: "MOV", HasMem: true, MemAddr: 0x600010, MemSize: 4,
		MemKind: shadowmem.Heap, DstRegs: []shadowreg.RegisterID{shadowreg.EAX},
	}
	e.Dispatch(region, instr)

	if len(rep.events) != 1 {
		t.Fatalf("got %d events, want 1", len(rep.events))
	}
	if rep.events[0].Uninitialized {
		t.Error("a copy opcode's uninitialized load should not be reported as a direct use")
	}
	if got := e.RegPending.Get(shadowreg.EAX); len(got) == 0 {
		t.Error("expected EAX to carry a pending tag after a copy-opcode load")
	}
}

// TestDefaultStoreOfUninitializedRegisterPopulatesMemPending checks that
// storing an uninitialized register creates a mem_pending entry future
// loads can intersect.
func TestDefaultStoreOfUninitializedRegisterPopulatesMemPending(t *testing.T) {
	e, _ := newTestEmulator()
	region := shadowmem.NewStack(0x7fff0000, 64)

	store := Instruction{
		Op: "MOV", HasMem: true, MemAddr: 0x7ffefff0, MemSize: 4,
		MemIsWrite: true, MemKind: shadowmem.Stack, SrcRegs: []shadowreg.RegisterID{shadowreg.EAX},
	}
	e.Dispatch(region, store)

	entries := e.MemPending.Entries()
	if len(entries) != 1 {
		t.Fatalf("mem_pending has %d entries, want 1", len(entries))
	}
	if entries[0] != (pending.Range{Start: 0x7ffefff0, Size: 4}) {
		t.Errorf("mem_pending entry = %v", entries[0])
	}
}

// TestDestinationRegistersClearsStalePending ensures overwriting a
// register that had a pending read drops that entry (DstRegsChecker
// behavior).
func TestDestinationRegistersClearsStalePending(t *testing.T) {
	e, _ := newTestEmulator()
	tag := e.Tags.Alloc(tagmgr.AccessRange{Start: 1, Size: 4}, nil)
	e.Tags.Retain(tag)
	e.RegPending.Insert(shadowreg.EAX, pending.TagSet{tag})

	e.Regs.SetInitialized(shadowreg.EAX)
	e.DestinationRegisters([]shadowreg.RegisterID{shadowreg.EAX}, "XOR")

	if got := e.RegPending.Get(shadowreg.EAX); len(got) != 0 {
		t.Errorf("expected EAX pending to be cleared, got %v", got)
	}
}

func TestSignZeroConversionFullyInitializesDestination(t *testing.T) {
	e, _ := newTestEmulator()
	region := shadowmem.NewStack(0x7fff0000, 64)
	tag := e.Tags.Alloc(tagmgr.AccessRange{Start: 1, Size: 4}, nil)
	e.Tags.Retain(tag)
	e.RegPending.Insert(shadowreg.EAX, pending.TagSet{tag})

	instr := Instruction{Op: "CDQ", DstRegs: []shadowreg.RegisterID{shadowreg.EDX}}
	e.Dispatch(region, instr)

	if e.Regs.IsUninitialized(shadowreg.EDX) {
		t.Error("CDQ destination should be fully initialized regardless of source")
	}
}

func TestBroadcastPropagatesUninitializedLSB(t *testing.T) {
	e, _ := newTestEmulator()
	region := shadowmem.NewStack(0x7fff0000, 64)
	// XMM0 starts fully uninitialized (zero-value storage).
	instr := Instruction{
		Op: "VPBROADCASTB", SrcRegs: []shadowreg.RegisterID{shadowreg.XMM0}, DstRegs: []shadowreg.RegisterID{shadowreg.XMM1},
	}
	e.Dispatch(region, instr)

	if !e.Regs.IsUninitialized(shadowreg.XMM1) {
		t.Error("broadcast of an uninitialized LSB should leave the destination uninitialized")
	}
}

func TestStackClashProbeSuppressesOneRead(t *testing.T) {
	e, _ := newTestEmulator()
	e.NoteStackAllocation(0x7ffffff0, 4096, 4096)

	if !e.SuppressStackClashProbe(0x7fffefff) {
		t.Error("read inside the newly allocated guard page should be suppressed")
	}
	if e.SuppressStackClashProbe(0x7fffefff) {
		t.Error("the probe flag should be consumed after the first suppressed read")
	}
}

// TestSplitByteWritesLeaveStalePendingOnWiderSibling pins the accepted
// trade-off behind a pending read on bx: two separate one-byte immediate
// moves into bl and bh jointly clear bx's own uninitialized bits (the
// shared-storage alias check DestinationRegisters relies on already sees
// this), but since the live instruction path never runs that alias sweep,
// a pending tag seeded directly on bx survives both writes instead of
// being reassembled away. Conservative false retention, not a missed
// report, per the accepted design.
func TestSplitByteWritesLeaveStalePendingOnWiderSibling(t *testing.T) {
	e, _ := newTestEmulator()
	region := shadowmem.NewStack(0x7fff0000, 64)

	tag := e.Tags.Alloc(tagmgr.AccessRange{Start: 1, Size: 2}, nil)
	e.Tags.Retain(tag)
	e.RegPending.Insert(shadowreg.BX, pending.TagSet{tag})

	e.Dispatch(region, Instruction{Op: "MOV", DstRegs: []shadowreg.RegisterID{shadowreg.BL}})
	e.Dispatch(region, Instruction{Op: "MOV", DstRegs: []shadowreg.RegisterID{shadowreg.BH}})

	if e.Regs.IsUninitialized(shadowreg.BX) {
		t.Fatal("bl and bh together should fully initialize bx's storage")
	}
	if got := e.RegPending.Get(shadowreg.BX); len(got) == 0 {
		t.Error("expected bx's pending tag to remain despite both halves now being initialized (documented gap)")
	}
}
