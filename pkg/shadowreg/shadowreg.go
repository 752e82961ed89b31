// Package shadowreg models the x86 shadow-register file: a fixed table of
// named registers with an explicit aliasing graph (the 64-bit GPR and its
// 32/16/8-bit views) and byte-granular init masks.
//
// Each register is represented densely by RegisterID, indexing a parent
// array the way other_examples/...IntuitionEngine__cpu_x86.go's regs32 [8]*uint32
// indexes its general-purpose registers for O(1) lookup without a switch.
package shadowreg

import "strings"

// RegisterID is a dense index into the register file.
type RegisterID int

// Kind distinguishes the three aliasing shapes the contract describes.
type Kind int

const (
	// KindParent is a storage-owning register (e.g. RAX): its bit storage
	// is the backing array every sub-register indexes into.
	KindParent Kind = iota
	// KindOverwriting is a sub-register whose write clears the parent's
	// upper bytes to initialized (e.g. EAX on a 64-bit machine).
	KindOverwriting
	// KindNarrow is a sub-register whose write never touches bytes outside
	// its own width (e.g. AX, AL).
	KindNarrow
	// KindHighByte is the legacy 8-bit high view (AH/BH/CH/DH) that sits at
	// byte index 1 of its parent, not byte index 0.
	KindHighByte
	// KindInert covers unknown/flag registers: ad hoc negative ids that
	// always report "known initialized".
	KindInert
)

// Descriptor is the static metadata for one register.
type Descriptor struct {
	Name string
	Kind Kind
	ByteSize int // width of this view, in bytes
	ParentID RegisterID
	ByteOffset int // offset of this view's low byte within the parent's storage
}

// File is the register file: storage is owned once per parent; every
// sub-register descriptor points back into the owning parent's byte array.
type File struct {
	descs []Descriptor
	storage map[RegisterID][]byte // keyed by parent id; one mask byte per register byte (0xff = initialized)
}

// NewFile builds an empty register file from a set of descriptors. Index i
// of descs is RegisterID(i).
func NewFile(descs []Descriptor) *File {
	f := &File{descs: descs, storage: make(map[RegisterID][]byte)}
	for id, d := range descs {
		if d.Kind == KindParent {
			f.storage[RegisterID(id)] = make([]byte, d.ByteSize)
		}
	}
	return f
}

func (f *File) desc(reg RegisterID) Descriptor {
	return f.descs[reg]
}

// GetName returns the architectural name of reg.
func (f *File) GetName(reg RegisterID) string {
	if reg < 0 || int(reg) >= len(f.descs) {
		return "?"
	}
	return f.desc(reg).Name
}

// ByName resolves an architectural register name (e.g. "eax") to its
// RegisterID, case-insensitively. Used by callers that take register
// identity from outside the process (trace description files, tests).
func (f *File) ByName(name string) (RegisterID, bool) {
	for id, d := range f.descs {
		if strings.EqualFold(d.Name, name) {
			return RegisterID(id), true
		}
	}
	return 0, false
}

// ByteSize returns the width in bytes of reg's view.
func (f *File) ByteSize(reg RegisterID) int {
	if reg < 0 {
		return 0
	}
	return f.desc(reg).ByteSize
}

// ShadowSize is an alias for ByteSize: the shadow has exactly one byte of
// mask per byte of register content.
func (f *File) ShadowSize(reg RegisterID) int { return f.ByteSize(reg) }

func (f *File) parentBytes(reg RegisterID) []byte {
	d := f.desc(reg)
	pid := d.ParentID
	if d.Kind == KindParent {
		pid = reg
	}
	return f.storage[pid]
}

func (f *File) byteRange(reg RegisterID) (lo, hi int) {
	d := f.desc(reg)
	switch d.Kind {
	case KindParent:
		return 0, d.ByteSize
	case KindHighByte:
		return 1, 2
	default:
		return d.ByteOffset, d.ByteOffset + d.ByteSize
	}
}

// IsUninitialized reports whether any byte of reg's view is uninitialized.
func (f *File) IsUninitialized(reg RegisterID) bool {
	if reg < 0 || f.desc(reg).Kind == KindInert {
		return false
	}
	bytes := f.parentBytes(reg)
	lo, hi := f.byteRange(reg)
	for i := lo; i < hi; i++ {
		if bytes[i] == 0 {
			return true
		}
	}
	return false
}

// ContentMask returns a copy of reg's per-byte init mask (0xff = that byte
// is initialized, 0x00 = uninitialized). Index 0 is the view's own low
// byte, regardless of where it sits in the parent.
func (f *File) ContentMask(reg RegisterID) []byte {
	if reg < 0 || f.desc(reg).Kind == KindInert {
		size := 1
		if reg >= 0 && f.desc(reg).ByteSize > 0 {
			size = f.desc(reg).ByteSize
		}
		mask := make([]byte, size)
		for i := range mask {
			mask[i] = 0xff
		}
		return mask
	}
	bytes := f.parentBytes(reg)
	lo, hi := f.byteRange(reg)
	out := make([]byte, hi-lo)
	copy(out, bytes[lo:hi])
	return out
}

// SetInitialized marks reg fully initialized, or, if mask is given, marks
// only the bytes where mask[i] != 0 as initialized. An overwriting
// sub-register write also flips the parent's upper bytes to initialized
//; a narrow-view write never touches
// bytes outside its own range; a high-byte write touches only byte index 1.
func (f *File) SetInitialized(reg RegisterID, mask...[]byte) {
	if reg < 0 || f.desc(reg).Kind == KindInert {
		return
	}
	d := f.desc(reg)
	bytes := f.parentBytes(reg)
	lo, hi := f.byteRange(reg)

	var m []byte
	if len(mask) > 0 {
		m = mask[0]
	}
	for i := lo; i < hi; i++ {
		if m == nil || (i-lo < len(m) && m[i-lo] != 0) {
			bytes[i] = 0xff
		} else if m != nil {
			bytes[i] = 0
		}
	}

	if d.Kind == KindOverwriting {
		for i := hi; i < len(bytes); i++ {
			bytes[i] = 0xff
		}
	}
}

// Aliases returns every other RegisterID whose storage overlaps reg's
// (siblings under the same parent, plus the parent itself).
func (f *File) Aliases(reg RegisterID) []RegisterID {
	if reg < 0 || int(reg) >= len(f.descs) {
		return nil
	}
	d := f.desc(reg)
	pid := d.ParentID
	if d.Kind == KindParent {
		pid = reg
	}
	var out []RegisterID
	for id, other := range f.descs {
		if RegisterID(id) == reg {
			continue
		}
		op := other.ParentID
		if other.Kind == KindParent {
			op = RegisterID(id)
		}
		if op == pid {
			out = append(out, RegisterID(id))
		}
	}
	return out
}

// CorrespondingRegistersOf filters candidates to those that alias reg
// (including reg's parent and reg itself, if present in candidates).
func (f *File) CorrespondingRegistersOf(reg RegisterID, candidates []RegisterID) []RegisterID {
	aliasSet := make(map[RegisterID]bool)
	for _, a := range f.Aliases(reg) {
		aliasSet[a] = true
	}
	aliasSet[reg] = true

	var out []RegisterID
	for _, c := range candidates {
		if aliasSet[c] {
			out = append(out, c)
		}
	}
	return out
}
