// Package allocator intercepts malloc/calloc/realloc/posix_memalign/free at
// the library boundary: it decides whether a returned pointer extends the
// normal heap or roots a fresh mmap-backed single-chunk region, replays the
// writes the allocator itself performed (zeroing, bookkeeping) once that
// decision is made, and on free resets the block's shadow state minus a
// small header carve-out glibc reuses across malloc/free/malloc cycles.
package allocator

import (
	"github.com/kpellizzi/memtrace/pkg/pending"
	"github.com/kpellizzi/memtrace/pkg/shadowmem"
)

// Kind mirrors HeapEnum: which flavor of heap memory a pointer belongs to.
type Kind int

const (
	Invalid Kind = iota
	Normal
	Mmap
)

// HeapType pairs a Kind with the mmap-region index a Mmap pointer belongs
// to; Normal/Invalid pointers carry no index, populated only for the MMAP
// case.
type HeapType struct {
	kind Kind
	shadowIndex uint64
	hasIndex bool
}

// NewHeapType builds a Normal or Invalid HeapType.
func NewHeapType(kind Kind) HeapType {
	if kind == Mmap {
		// A Mmap HeapType always carries an index; callers must use
		// NewHeapTypeMmap for that case.
		return HeapType{kind: Invalid}
	}
	return HeapType{kind: kind}
}

// NewHeapTypeMmap builds a Mmap HeapType carrying the shadow-region index
// the pointer's chunk was assigned.
func NewHeapTypeMmap(ptr uint64) HeapType {
	return HeapType{kind: Mmap, shadowIndex: ptr, hasIndex: true}
}

// ShadowIndex returns the mmap shadow-region index, valid only when
// IsMmap().
func (h HeapType) ShadowIndex() uint64 { return h.shadowIndex }

// IsValid reports whether h names a real heap kind.
func (h HeapType) IsValid() bool { return h.kind != Invalid }

// IsNormal reports whether h is a normal-heap pointer.
func (h HeapType) IsNormal() bool { return h.kind == Normal }

// IsMmap reports whether h is an mmap-backed single-chunk pointer.
func (h HeapType) IsMmap() bool { return h.kind == Mmap }

// BufferedWrite is one write the allocator performed inside a
// malloc/calloc/realloc/posix_memalign call, diverted instead of applied
// directly so the adapter can decide the destination region's shape before
// replaying it.
type BufferedWrite struct {
	Addr uint64
	Data []byte
}

// blockHeaderSize is malloc_get_block_beginning's offset: a payload pointer
// minus this many bytes reaches glibc's chunk header.
const blockHeaderSize = 16

// reinitCarveout is malloc_mem_to_reinit's skip width: free() must not
// reinitialize the first 16 bytes of a freed block's payload, since glibc
// reuses that span (its freelist pointers) across a free-then-malloc cycle
// on the same chunk.
const reinitCarveout = 16

// Allocator tracks the normal heap's [lowest, highest] extent and every
// mmap-backed single-chunk region, and stages writes made during an
// in-flight allocation call.
type Allocator struct {
	Bits int // 32 or 64, forwarded to shadowmem.NewHeap

	Normal *shadowmem.Region
	lowest uint64
	highest uint64
	hasNormal bool

	singleChunks map[uint64]*shadowmem.Region // block address -> its region
	chunkSizes map[uint64]int // block address -> its size, for RegionFor

	buffering bool
	requestedSize int
	buffer []BufferedWrite
}

// New creates an allocator adapter for a process with the given pointer
// width (32 or 64).
func New(bits int) *Allocator {
	return &Allocator{
		Bits: bits,
		singleChunks: make(map[uint64]*shadowmem.Region),
		chunkSizes: make(map[uint64]int),
	}
}

// BeforeAlloc marks the start of a malloc/calloc/realloc/posix_memalign
// call: requestedSize is remembered and subsequent writes
// are staged via DivertWrite instead of touching shadow state directly.
func (a *Allocator) BeforeAlloc(requestedSize int) {
	a.buffering = true
	a.requestedSize = requestedSize
	a.buffer = nil
}

// DivertWrite stages one write the allocator made to heap memory while a
// call begun by BeforeAlloc is still in flight.
func (a *Allocator) DivertWrite(addr uint64, data []byte) {
	if !a.buffering {
		return
	}
	a.buffer = append(a.buffer, BufferedWrite{Addr: addr, Data: append([]byte{}, data...)})
}

// AfterAlloc finalizes the call BeforeAlloc started: ptr is the pointer the
// call returned (0 on failure, in which case the buffered writes are
// discarded and a zero HeapType returned). singleChunk tells the adapter
// this allocation was satisfied via mmap (glibc's large-allocation path)
// rather than carved out of the normal heap's brk-managed arena.
//
// Returns the HeapType classifying ptr and the region the buffered writes
// were replayed into (nil if ptr was null).
func (a *Allocator) AfterAlloc(ptr uint64, size int, singleChunk bool) (HeapType, *shadowmem.Region) {
	buffered := a.buffer
	a.buffering, a.buffer = false, nil

	if ptr == 0 {
		return HeapType{}, nil
	}

	var region *shadowmem.Region
	var ht HeapType
	if singleChunk {
		region = shadowmem.NewHeap(ptr, a.Bits, true)
		a.singleChunks[ptr] = region
		a.chunkSizes[ptr] = size
		ht = NewHeapTypeMmap(ptr)
	} else {
		a.extendNormal(ptr, size)
		region = a.Normal
		ht = NewHeapType(Normal)
	}

	a.replay(region, buffered)
	return ht, region
}

func (a *Allocator) extendNormal(ptr uint64, size int) {
	end := ptr + uint64(size)
	if !a.hasNormal {
		a.Normal = shadowmem.NewHeap(ptr, a.Bits, false)
		a.lowest, a.highest = ptr, end
		a.hasNormal = true
		return
	}
	if ptr < a.lowest {
		a.lowest = ptr
	}
	if end > a.highest {
		a.highest = end
	}
}

// replay applies every buffered write through MarkInitialized — the normal
// store path's effect when, as here, the write's own source content is
// allocator-internal (already fully defined) rather than tainted data
// copied from the monitored program.
func (a *Allocator) replay(region *shadowmem.Region, buffered []BufferedWrite) {
	if region == nil {
		return
	}
	for _, w := range buffered {
		region.MarkInitialized(w.Addr, len(w.Data))
	}
}

// ReinitSegments returns the byte ranges of a freed block that should be
// reinitialized (cleared back to uninitialized), excluding the
// glibc-reused header carve-out ").
func ReinitSegments(block uint64, size int) []pending.Range {
	if size <= reinitCarveout {
		return nil
	}
	return []pending.Range{{Start: block + reinitCarveout, Size: size - reinitCarveout}}
}

// BlockBeginning returns the chunk header address for a payload pointer,
// matching malloc_get_block_beginning.
func BlockBeginning(payloadPtr uint64) uint64 {
	return payloadPtr - blockHeaderSize
}

// Free resets the shadow state of a freed block (its reinit segments only,
// preserving the header carve-out) and, for an mmap single chunk, releases
// the whole region and forgets it.
func (a *Allocator) Free(ptr uint64, size int, ht HeapType) {
	if !ht.IsValid() {
		return
	}
	if ht.IsMmap() {
		region := a.singleChunks[ptr]
		if region != nil {
			region.ResetRange(ptr, size) // SingleChunk: releases the whole shadow
		}
		delete(a.singleChunks, ptr)
		delete(a.chunkSizes, ptr)
		return
	}
	if a.Normal == nil {
		return
	}
	for _, seg := range ReinitSegments(ptr, size) {
		a.Normal.ResetRange(seg.Start, seg.Size)
	}
}

// RegionFor resolves the shadow region backing a heap address: the normal
// heap if addr falls in its extent, else whichever mmap single chunk
// contains it, else nil (an address the allocator never handed out — the
// caller falls back to treating the access as having no taint history).
func (a *Allocator) RegionFor(addr uint64) *shadowmem.Region {
	if a.hasNormal && addr >= a.lowest && addr < a.highest {
		return a.Normal
	}
	for base, size := range a.chunkSizes {
		if addr >= base && addr < base+uint64(size) {
			return a.singleChunks[base]
		}
	}
	return nil
}

// OnBrk handles a brk syscall that lowers the heap high-water mark: any
// mem_pending last-write entry lying wholly or partially above the new
// boundary is invalidated, since those bytes are no longer
// part of the process's address space and a later read there cannot have
// been "last written" by the stale entry.
func (a *Allocator) OnBrk(newHighWater uint64, memPending *pending.MemTable) {
	if a.highest <= newHighWater {
		return
	}
	end := a.highest
	for _, r := range memPending.Entries() {
		if r.End() > end {
			end = r.End()
		}
	}
	memPending.Diff(pending.Range{Start: newHighWater, Size: int(end - newHighWater)})
	a.highest = newHighWater
}
