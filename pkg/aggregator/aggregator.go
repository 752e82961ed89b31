// Package aggregator gathers the per-instruction accesses the emulator
// reports, suppresses duplicate uninitialized reads seen during tracing,
// and at finalization resolves which writes actually contributed the
// bytes a given uninitialized read consumed.
package aggregator

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kpellizzi/memtrace/pkg/emulator"
	"github.com/kpellizzi/memtrace/pkg/pending"
	"github.com/kpellizzi/memtrace/pkg/shadowmem"
	"github.com/kpellizzi/memtrace/pkg/tagmgr"
)

// StringOptMode controls the string-optimization heuristic's scope.
type StringOptMode string

const (
	StringOptOff StringOptMode = "OFF"
	StringOptOn StringOptMode = "ON"
	StringOptLibs StringOptMode = "LIBS" // default: only library-originated accesses
)

// Config tunes aggregation behavior.
type Config struct {
	StringOpt StringOptMode
}

// Record is one processed access, kept forever in execution order for the
// finalization-time overwrite replay.
type Record struct {
	Order int64
	Range pending.Range
	IsWrite bool
	Uninitialized bool
	Tags []tagmgr.Tag
	IP uint64
	ActualIP uint64
	Disasm string
	Kind shadowmem.Kind
	Content []byte
	StackOffset int64
	BasePtrOffset int64
	// FromLibrary is set by the caller (the engine knows which image an IP
	// belongs to); the string heuristic's LIBS mode consults it.
	FromLibrary bool

	duplicate bool
	intervals [][2]int
}

// Intervals returns the uninitialized byte intervals (inclusive, relative
// offsets) computed at emulation time for a read record. Empty for writes.
func (rec *Record) Intervals() [][2]int {
	return rec.intervals
}

// Finding pairs an uninitialized read with the writes that, per the
// overwrite-replay algorithm, actually contributed bytes it consumed.
type Finding struct {
	Read *Record
	Writes []*Record
	Partial bool // true when Writes' ranges don't all equal Read.Range exactly
}

// Aggregator implements emulator.Reporter and holds all_accesses,
// partial-overlap bookkeeping, and the trace-time duplicate-suppression
// table.
type Aggregator struct {
	mu sync.Mutex
	ordinal atomic.Int64
	cfg Config

	all map[pending.Range][]*Record
	lastWrite map[pending.Range]*Record
	sequence []*Record
	seenHash map[pending.Range]map[uint64]bool
}

// New creates an empty aggregator.
func New(cfg Config) *Aggregator {
	if cfg.StringOpt == "" {
		cfg.StringOpt = StringOptLibs
	}
	return &Aggregator{
		cfg: cfg,
		all: make(map[pending.Range][]*Record),
		lastWrite: make(map[pending.Range]*Record),
		seenHash: make(map[pending.Range]map[uint64]bool),
	}
}

// Record implements emulator.Reporter: classify, store, and — for
// uninitialized reads — run duplicate suppression via the context hash.
func (a *Aggregator) Record(ev emulator.AccessEvent) {
	a.recordWithOrigin(ev, false)
}

// RecordFromLibrary is identical to Record but marks the access as
// library-originated for the string heuristic's LIBS mode.
func (a *Aggregator) RecordFromLibrary(ev emulator.AccessEvent) {
	a.recordWithOrigin(ev, true)
}

func (a *Aggregator) recordWithOrigin(ev emulator.AccessEvent, fromLibrary bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	order := a.ordinal.Add(1)
	rng := pending.Range{Start: ev.Addr, Size: ev.Size}
	rec := &Record{
		Order: order, Range: rng, IsWrite: ev.IsWrite, Uninitialized: ev.Uninitialized,
		Tags: append([]tagmgr.Tag{}, ev.Tags...), IP: ev.IP, ActualIP: ev.ActualIP,
		Disasm: ev.Disasm, Kind: ev.Kind, Content: ev.Content, FromLibrary: fromLibrary,
		StackOffset: ev.StackOffset, BasePtrOffset: ev.BasePtrOffset,
		intervals: ev.Intervals,
	}

	a.all[rng] = append(a.all[rng], rec)
	a.sequence = append(a.sequence, rec)
	if rec.IsWrite {
		a.lastWrite[rng] = rec
	}

	if !rec.Uninitialized {
		return
	}
	if a.suppressStringHeuristic(rec) {
		rec.Uninitialized = false
		return
	}
	if a.isDuplicate(rec) {
		// Still recorded in all_accesses (needed for overwrite replay of
		// other reads), but not distinct for reporting purposes.
		rec.duplicate = true
	}
}

// suppressStringHeuristic implements the heuristic: a read of at
// least 16 bytes, containing an initialized NUL byte, whose uninitialized
// positions form only even-length runs, is suppressed as a probable
// strlen/strnlen-style probe rather than a genuine leak.
func (a *Aggregator) suppressStringHeuristic(rec *Record) bool {
	switch a.cfg.StringOpt {
	case StringOptOff:
		return false
	case StringOptLibs:
		if !rec.FromLibrary {
			return false
		}
	}
	if rec.Range.Size < 16 || rec.Content == nil || len(rec.Content) != rec.Range.Size {
		return false
	}
	hasNUL := false
	for _, b := range rec.Content {
		if b == 0 {
			hasNUL = true
			break
		}
	}
	if !hasNUL {
		return false
	}
	if len(rec.intervals) == 0 {
		return false
	}
	for _, iv := range rec.intervals {
		runLen := iv[1] - iv[0] + 1
		if runLen%2 != 0 {
			return false
		}
	}
	return true
}

// isDuplicate computes the context hash and reports
// whether an identical (read-range, hash) pair was already seen.
func (a *Aggregator) isDuplicate(rec *Record) bool {
	h := rangeHash(rec.Range)
	shift := uint(1)
	for rng, w := range a.lastWrite {
		if w.Order >= rec.Order {
			continue
		}
		if !rng.Overlaps(rec.Range) {
			continue
		}
		wh := rangeHash(rng)
		h ^= rotl64(wh, shift)
		shift = (shift + 1) % 64
	}

	set, ok := a.seenHash[rec.Range]
	if !ok {
		set = make(map[uint64]bool)
		a.seenHash[rec.Range] = set
	}
	if set[h] {
		return true
	}
	set[h] = true
	return false
}

func rangeHash(rng pending.Range) uint64 {
	h := fnv.New64a()
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(rng.Start >> (8 * uint(i)))
	}
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(uint64(rng.Size) >> (8 * uint(i)))
	}
	h.Write(buf[:])
	return h.Sum64()
}

func rotl64(v uint64, n uint) uint64 {
	n %= 64
	return (v << n) | (v >> (64 - n))
}

// Finalize runs the post-exit scan: for every distinct
// range holding at least one non-duplicate uninitialized read, walk
// outward through overlapping ranges (maintaining the lowest
// still-overlapping boundary across iterations, the way
// avoids rescanning from scratch for every read) to collect candidate
// writes, then apply the overwrite-replay algorithm to keep only the
// writes that actually survive to the read.
func (a *Aggregator) Finalize() []Finding {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]pending.Range, 0, len(a.all))
	for k := range a.all {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Start < keys[j].Start })

	var findings []Finding
	lowest := 0
	for i, k := range keys {
		var reads []*Record
		for _, rec := range a.all[k] {
			if !rec.IsWrite && rec.Uninitialized && !rec.duplicate {
				reads = append(reads, rec)
			}
		}
		if len(reads) == 0 {
			continue
		}

		for lowest < i && !keys[lowest].Overlaps(k) {
			lowest++
		}
		hi := i
		touched := map[pending.Range]bool{k: true}
		bound := k
		for j := lowest; j <= hi; j++ {
			if keys[j].Overlaps(bound) {
				touched[keys[j]] = true
			}
		}
		for j := i + 1; j < len(keys) && keys[j].Start < bound.End(); j++ {
			if keys[j].Overlaps(bound) {
				touched[keys[j]] = true
			}
		}

		var candidates []*Record
		for rng := range touched {
			for _, rec := range a.all[rng] {
				if rec.IsWrite {
					candidates = append(candidates, rec)
				}
			}
		}
		sort.Slice(candidates, func(x, y int) bool { return candidates[x].Order < candidates[y].Order })

		for _, read := range reads {
			var surviving []*Record
			for _, w := range candidates {
				if w.Order >= read.Order {
					continue
				}
				if a.isReadByUninit(w, read) {
					surviving = append(surviving, w)
				}
			}
			partial := false
			for _, w := range surviving {
				if w.Range != read.Range {
					partial = true
					break
				}
			}
			findings = append(findings, Finding{Read: read, Writes: surviving, Partial: partial})
		}
	}
	return findings
}

// isReadByUninit implements the overwrite-replay algorithm:
// walk execution order from just after w up to and including r, marking
// bytes of w's range that get overwritten by an intervening write; w
// survives iff at least one of its bytes is still unoverwritten when r is
// reached and r's range covers that byte.
func (a *Aggregator) isReadByUninit(w, r *Record) bool {
	overwritten := make([]bool, w.Range.Size)
	startIdx := int(w.Order) // w.Order is 1-based; sequence index w.Order == element right after w
	for idx := startIdx; idx < len(a.sequence) && a.sequence[idx].Order <= r.Order; idx++ {
		mid := a.sequence[idx]
		if mid == r || !mid.IsWrite || !mid.Range.Overlaps(w.Range) {
			continue
		}
		lo := w.Range.Start
		if mid.Range.Start > lo {
			lo = mid.Range.Start
		}
		hi := w.Range.End()
		if mid.Range.End() < hi {
			hi = mid.Range.End()
		}
		allCovered := true
		for b := lo; b < hi; b++ {
			overwritten[b-w.Range.Start] = true
		}
		for _, o := range overwritten {
			if !o {
				allCovered = false
				break
			}
		}
		if allCovered {
			return false
		}
	}

	lo := w.Range.Start
	if r.Range.Start > lo {
		lo = r.Range.Start
	}
	hi := w.Range.End()
	if r.Range.End() < hi {
		hi = r.Range.End()
	}
	for b := lo; b < hi; b++ {
		if !overwritten[b-w.Range.Start] {
			return true
		}
	}
	return false
}
