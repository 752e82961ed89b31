package shadowreg

// x86-64 general-purpose register ids. Parents own 8 bytes of storage;
// sub-registers index into that storage per the Intel register-aliasing
// rules, the same structure other_examples/...IntuitionEngine__cpu_x86.go
// documents in comments next to its regs32 array.
const (
	RAX RegisterID = iota
	EAX
	AX
	AH
	AL

	RBX
	EBX
	BX
	BH
	BL

	RCX
	ECX
	CX
	CH
	CL

	RDX
	EDX
	DX
	DH
	DL

	RSI
	ESI
	SI
	SIL

	RDI
	EDI
	DI
	DIL

	RBP
	EBP
	BP
	BPL

	RSP
	ESP
	SP
	SPL

	R8
	R8D
	R8W
	R8B

	R9
	R9D
	R9W
	R9B

	// XMM0-XMM3 (low 128 bits of the corresponding YMM/ZMM register, when
	// present). Modeled as their own parents; the upper 128/384 bits are not
	// tracked, and no XMM register above index 3 is modeled.
	XMM0
	XMM1
	XMM2
	XMM3

	numRegisters
)

// NewX86_64 builds the canonical x86-64 shadow register file.
func NewX86_64() *File {
	descs := make([]Descriptor, numRegisters)

	gpr := func(parent RegisterID, name string) {
		descs[parent] = Descriptor{Name: name, Kind: KindParent, ByteSize: 8}
	}
	overwriting32 := func(id, parent RegisterID, name string) {
		descs[id] = Descriptor{Name: name, Kind: KindOverwriting, ByteSize: 4, ParentID: parent, ByteOffset: 0}
	}
	narrow16 := func(id, parent RegisterID, name string) {
		descs[id] = Descriptor{Name: name, Kind: KindNarrow, ByteSize: 2, ParentID: parent, ByteOffset: 0}
	}
	narrowLow8 := func(id, parent RegisterID, name string) {
		descs[id] = Descriptor{Name: name, Kind: KindNarrow, ByteSize: 1, ParentID: parent, ByteOffset: 0}
	}
	highByte := func(id, parent RegisterID, name string) {
		descs[id] = Descriptor{Name: name, Kind: KindHighByte, ByteSize: 1, ParentID: parent, ByteOffset: 1}
	}

	gpr(RAX, "rax")
	overwriting32(EAX, RAX, "eax")
	narrow16(AX, RAX, "ax")
	highByte(AH, RAX, "ah")
	narrowLow8(AL, RAX, "al")

	gpr(RBX, "rbx")
	overwriting32(EBX, RBX, "ebx")
	narrow16(BX, RBX, "bx")
	highByte(BH, RBX, "bh")
	narrowLow8(BL, RBX, "bl")

	gpr(RCX, "rcx")
	overwriting32(ECX, RCX, "ecx")
	narrow16(CX, RCX, "cx")
	highByte(CH, RCX, "ch")
	narrowLow8(CL, RCX, "cl")

	gpr(RDX, "rdx")
	overwriting32(EDX, RDX, "edx")
	narrow16(DX, RDX, "dx")
	highByte(DH, RDX, "dh")
	narrowLow8(DL, RDX, "dl")

	gpr(RSI, "rsi")
	overwriting32(ESI, RSI, "esi")
	narrow16(SI, RSI, "si")
	narrowLow8(SIL, RSI, "sil")

	gpr(RDI, "rdi")
	overwriting32(EDI, RDI, "edi")
	narrow16(DI, RDI, "di")
	narrowLow8(DIL, RDI, "dil")

	gpr(RBP, "rbp")
	overwriting32(EBP, RBP, "ebp")
	narrow16(BP, RBP, "bp")
	narrowLow8(BPL, RBP, "bpl")

	gpr(RSP, "rsp")
	overwriting32(ESP, RSP, "esp")
	narrow16(SP, RSP, "sp")
	narrowLow8(SPL, RSP, "spl")

	gpr(R8, "r8")
	overwriting32(R8D, R8, "r8d")
	narrow16(R8W, R8, "r8w")
	narrowLow8(R8B, R8, "r8b")

	gpr(R9, "r9")
	overwriting32(R9D, R9, "r9d")
	narrow16(R9W, R9, "r9w")
	narrowLow8(R9B, R9, "r9b")

	descs[XMM0] = Descriptor{Name: "xmm0", Kind: KindParent, ByteSize: 16}
	descs[XMM1] = Descriptor{Name: "xmm1", Kind: KindParent, ByteSize: 16}
	descs[XMM2] = Descriptor{Name: "xmm2", Kind: KindParent, ByteSize: 16}
	descs[XMM3] = Descriptor{Name: "xmm3", Kind: KindParent, ByteSize: 16}

	return NewFile(descs)
}

// Inert returns the descriptor of an unknown physical register (e.g.
// flags), whose queries always report "known initialized". The id argument
// is not used; the File treats any negative RegisterID as inert.
func Inert(id RegisterID) Descriptor {
	return Descriptor{Name: "inert", Kind: KindInert}
}
