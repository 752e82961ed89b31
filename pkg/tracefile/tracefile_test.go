package tracefile

import (
	"bytes"
	"strings"
	"testing"
)

func TestDecodeRoundTrip(t *testing.T) {
	tr := &Trace{
		Bits: 64,
		Events: []Event{
			{Type: ImageLoad, ImageName: "a.out", ImageBase: 0x400000},
			{Type: ThreadStart, InitialSP: 0x7ffd00001000},
			{Type: Instruction, Instr: &InstructionEvent{
				Op: "MOV", IP: 0x401000, ActualIP: 0x401000, Disasm: "mov eax, [rbp-4]",
				SrcRegs: nil, DstRegs: []string{"eax"},
				HasMem: true, MemAddr: 0x7ffd00000ffc, MemSize: 4, MemKind: "stack",
			}},
			{Type: Fini},
		},
	}

	var buf bytes.Buffer
	if err := Encode(&buf, tr); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Events) != len(tr.Events) {
		t.Fatalf("got %d events, want %d", len(got.Events), len(tr.Events))
	}
	if got.Events[2].Instr.Op != "MOV" {
		t.Errorf("instruction op = %q, want MOV", got.Events[2].Instr.Op)
	}
}

func TestDecodeRejectsBadBits(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"bits": 16, "events": []}`))
	if err == nil {
		t.Error("expected an error for an unsupported pointer width")
	}
}

func TestDecodeRejectsUnknownEventType(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"bits": 64, "events": [{"type": "nonsense"}]}`))
	if err == nil {
		t.Error("expected an error for an unknown event type")
	}
}

func TestDecodeRejectsInstructionWithoutOp(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"bits": 64, "events": [{"type": "instruction", "instruction": {}}]}`))
	if err == nil {
		t.Error("expected an error for an instruction event missing op")
	}
}

func TestDecodeRejectsInvalidMemKind(t *testing.T) {
	_, err := Decode(strings.NewReader(
		`{"bits": 64, "events": [{"type": "instruction", "instruction": {"op": "MOV", "mem_kind": "registerfile"}}]}`))
	if err == nil {
		t.Error("expected an error for an invalid mem_kind")
	}
}

func TestInstructionEventContentDecodesHex(t *testing.T) {
	ev := InstructionEvent{MemContentHex: "68656c6c6f"}
	content, err := ev.Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if string(content) != "hello" {
		t.Errorf("Content() = %q, want \"hello\"", content)
	}
}

func TestInstructionEventContentEmptyWhenNoHex(t *testing.T) {
	ev := InstructionEvent{}
	content, err := ev.Content()
	if err != nil || content != nil {
		t.Errorf("expected (nil, nil) for an empty hex field, got (%v, %v)", content, err)
	}
}
