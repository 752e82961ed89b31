// Package report writes the engine's findings in the fixed binary framing
// consumed by the external report-to-text tool: a sequence of 4-byte
// sentinel tokens and ASCII decimal fields interleaved with raw
// register-width address words.
package report

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kpellizzi/memtrace/pkg/aggregator"
	"github.com/kpellizzi/memtrace/pkg/shadowmem"
)

// Framing tokens. Each is a literal 4-byte sentinel; none of them collide
// with a valid decimal-field byte sequence because every ASCII digit, '-'
// and ';' is below 0x3c and these sentinels either start with 0x00 (never a
// leading digit byte) or use the out-of-band ab/cd/ef/ff pattern.
var (
	tokenHeaderStart = [4]byte{0x00, 0x00, 0x00, 0x00}
	tokenEndImageList = [4]byte{0x00, 0x00, 0x00, 0x05}
	tokenEndGroup = [4]byte{0x00, 0x00, 0x00, 0x01}
	tokenEndFullSection = [4]byte{0x00, 0x00, 0x00, 0x02}
	tokenEndPartialGrp = [4]byte{0x00, 0x00, 0x00, 0x03}
	tokenEndReport = [4]byte{0x00, 0x00, 0x00, 0x04}
	tokenPartialMarker = [4]byte{0xab, 0xcd, 0xef, 0xff}
)

const (
	tagUninitRead byte = 0x0a
	tagOther byte = 0x0b

	tagWrite byte = 0x1a
	tagRead byte = 0x1b

	tagStack byte = 0x1c
	tagHeap byte = 0x1d
)

// Image describes one loaded image contributing to the address space, for
// the header's image list.
type Image struct {
	Name string
	Base uint64
}

// Options parameterizes one report: the register width that sizes every
// raw address word, the loaded-image list, and the thread's initial stack
// pointer.
type Options struct {
	RegSize int // 4 or 8
	Images []Image
	StackBase uint64
}

// Writer emits the framing described in the package doc. One Writer writes
// exactly one report; create a new one per report file.
type Writer struct {
	w io.Writer
	regSize int
	err error
}

// New wraps w for a report using the given register width (4 or 8 bytes).
func New(w io.Writer, regSize int) *Writer {
	return &Writer{w: w, regSize: regSize}
}

func (rw *Writer) fail(err error) {
	if rw.err == nil {
		rw.err = err
	}
}

func (rw *Writer) raw(b []byte) {
	if rw.err != nil {
		return
	}
	if _, err := rw.w.Write(b); err != nil {
		rw.fail(fmt.Errorf("report: write: %w", err))
	}
}

func (rw *Writer) token(t [4]byte) { rw.raw(t[:]) }

func (rw *Writer) addr(v uint64) {
	if rw.err != nil {
		return
	}
	switch rw.regSize {
	case 4:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(v))
		rw.raw(buf[:])
	case 8:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		rw.raw(buf[:])
	default:
		rw.fail(fmt.Errorf("report: unsupported register size %d", rw.regSize))
	}
}

func (rw *Writer) decimalField(v int64) {
	if rw.err != nil {
		return
	}
	rw.raw([]byte(fmt.Sprintf("%d;", v)))
}

func (rw *Writer) text(s string) {
	rw.raw([]byte(s))
}

// WriteReport writes the full report: header, image list, stack base, the
// full-overlap section, then the partial-overlap section, then the
// terminating token. findings must already be the output of
// (*aggregator.Aggregator).Finalize.
func WriteReport(w io.Writer, opts Options, findings []aggregator.Finding) error {
	rw := New(w, opts.RegSize)

	rw.token(tokenHeaderStart)
	rw.decimalField(int64(opts.RegSize))
	for _, img := range opts.Images {
		rw.text(img.Name)
		rw.text(";")
		rw.addr(img.Base)
	}
	rw.token(tokenEndImageList)
	rw.addr(opts.StackBase)

	var full, partial []aggregator.Finding
	for _, f := range findings {
		if f.Partial {
			partial = append(partial, f)
		} else {
			full = append(full, f)
		}
	}

	for _, f := range full {
		rw.writeGroup(f, false)
	}
	rw.token(tokenEndFullSection)

	for _, f := range partial {
		rw.writeGroup(f, true)
	}
	rw.token(tokenEndReport)

	return rw.err
}

func (rw *Writer) writeGroup(f aggregator.Finding, partialSection bool) {
	rw.addr(f.Read.Range.Start)
	rw.decimalField(int64(f.Read.Range.Size))

	rw.writeEntry(f.Read, false)
	for _, w := range f.Writes {
		rw.writeEntry(w, partialSection && w.Range != f.Read.Range)
	}

	if partialSection {
		rw.token(tokenEndPartialGrp)
	} else {
		rw.token(tokenEndGroup)
	}
}

func (rw *Writer) writeEntry(rec *aggregator.Record, precededByPartialMarker bool) {
	if precededByPartialMarker {
		rw.token(tokenPartialMarker)
	}

	if rec.Uninitialized {
		rw.raw([]byte{tagUninitRead})
	} else {
		rw.raw([]byte{tagOther})
	}
	rw.addr(rec.IP)
	rw.addr(rec.ActualIP)
	rw.text(rec.Disasm)
	rw.text(";")

	if rec.IsWrite {
		rw.raw([]byte{tagWrite})
	} else {
		rw.raw([]byte{tagRead})
	}
	rw.decimalField(int64(rec.Range.Size))

	if rec.Kind == shadowmem.Stack {
		rw.raw([]byte{tagStack})
	} else {
		rw.raw([]byte{tagHeap})
	}
	rw.decimalField(rec.StackOffset)
	rw.decimalField(rec.BasePtrOffset)

	if rec.Uninitialized {
		ivs := rec.Intervals()
		rw.decimalField(int64(len(ivs)))
		for _, iv := range ivs {
			rw.decimalField(int64(iv[0]))
			rw.decimalField(int64(iv[1]))
		}
	}
}
