// Package pending implements the two pending-read tables: reg_pending
// (register -> set of tags for bytes loaded but not yet consumed) and
// mem_pending (memory range -> set of tags for uninitialized bytes stored
// but re-readable). Range bookkeeping follows a three-operation model:
// insert-with-overwrite, diff, intersect, with a final
// merge-adjacent-identical-tag-set sweep.
package pending

import (
	"sort"

	"github.com/kpellizzi/memtrace/pkg/shadowreg"
	"github.com/kpellizzi/memtrace/pkg/tagmgr"
)

// TagSet is a small set of tags; sequences here are short (a handful of
// bytes' worth of tags at most) so a sorted slice beats a map.
type TagSet []tagmgr.Tag

func (s TagSet) has(t tagmgr.Tag) bool {
	for _, x := range s {
		if x == t {
			return true
		}
	}
	return false
}

// Union returns a new TagSet containing every tag in s or o, deduplicated.
func (s TagSet) Union(o TagSet) TagSet {
	out := append(TagSet{}, s...)
	for _, t := range o {
		if !out.has(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Equal reports whether s and o hold the same tags (order-independent).
func (s TagSet) Equal(o TagSet) bool {
	if len(s) != len(o) {
		return false
	}
	for _, t := range s {
		if !o.has(t) {
			return false
		}
	}
	return true
}

// RegTable is reg_pending: register -> tags for bytes loaded into it but
// not yet consumed in a non-copy way.
type RegTable struct {
	tags map[shadowreg.RegisterID]TagSet
	mgr *tagmgr.Manager
}

// NewRegTable creates an empty register-pending table backed by mgr for
// reference counting.
func NewRegTable(mgr *tagmgr.Manager) *RegTable {
	return &RegTable{tags: make(map[shadowreg.RegisterID]TagSet), mgr: mgr}
}

// Insert adds tags to reg's pending set, retaining each one.
func (r *RegTable) Insert(reg shadowreg.RegisterID, tags TagSet) {
	for _, t := range tags {
		r.mgr.Retain(t)
	}
	existing := r.tags[reg]
	r.tags[reg] = existing.Union(tags)
}

// Get returns reg's current pending tag set.
func (r *RegTable) Get(reg shadowreg.RegisterID) TagSet {
	return r.tags[reg]
}

// Drop removes reg's pending set entirely, releasing every tag (used when
// an instruction reads a register in a non-copy way: the pending read is
// drained into all_accesses by the caller, and the register's taint is
// cleared here).
func (r *RegTable) Drop(reg shadowreg.RegisterID) TagSet {
	drained := r.tags[reg]
	for _, t := range drained {
		r.mgr.Release(t)
	}
	delete(r.tags, reg)
	return drained
}

// Move propagates reg's pending set onto dst, replacing whatever dst had:
// a copy, not a drop, since copying a register value propagates its tags
// to the destination without consuming src's own pending entry.
func (r *RegTable) Move(src, dst shadowreg.RegisterID) {
	tags := r.tags[src]
	if old := r.tags[dst]; old != nil {
		for _, t := range old {
			r.mgr.Release(t)
		}
	}
	for _, t := range tags {
		r.mgr.Retain(t)
	}
	if len(tags) == 0 {
		delete(r.tags, dst)
		return
	}
	r.tags[dst] = append(TagSet{}, tags...)
}

// Range is a half-open byte range [Start, Start+Size).
type Range struct {
	Start uint64
	Size int
}

func (r Range) end() uint64 { return r.Start + uint64(r.Size) }

func (r Range) overlaps(o Range) bool {
	return r.Start < o.end() && o.Start < r.end()
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.overlaps(o)
}

// End returns the exclusive end address of r.
func (r Range) End() uint64 {
	return r.end()
}

type memEntry struct {
	rng Range
	tags TagSet
}

// MemTable is mem_pending: a set of disjoint ranges, kept sorted by start,
// each mapped to the tags explaining its uninitialized bytes. Distinct
// entries never overlap.
type MemTable struct {
	entries []memEntry
	mgr *tagmgr.Manager
}

// NewMemTable creates an empty memory-pending table.
func NewMemTable(mgr *tagmgr.Manager) *MemTable {
	return &MemTable{mgr: mgr}
}

func (m *MemTable) sort() {
	sort.Slice(m.entries, func(i, j int) bool { return m.entries[i].rng.Start < m.entries[j].rng.Start })
}

// Entries returns a copy of the current disjoint range/tag-set pairs, for
// inspection and testing.
func (m *MemTable) Entries() []Range {
	out := make([]Range, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.rng
	}
	return out
}

// TagsAt returns the tag set of the entry exactly covering rng, if any.
func (m *MemTable) TagsAt(rng Range) (TagSet, bool) {
	for _, e := range m.entries {
		if e.rng == rng {
			return e.tags, true
		}
	}
	return nil, false
}

// Intersect returns every (range, tags) pair whose range overlaps query,
// clipped to the overlapping portion's tags (tags are not split per byte
// here; the whole entry's tag set is returned for the overlapping span,
// a coarse-grained re-read, not split per byte).
func (m *MemTable) Intersect(query Range) []struct {
	Range Range
	Tags TagSet
} {
	var out []struct {
		Range Range
		Tags TagSet
	}
	for _, e := range m.entries {
		if e.rng.overlaps(query) {
			lo := e.rng.Start
			if query.Start > lo {
				lo = query.Start
			}
			hi := e.rng.end()
			if query.end() < hi {
				hi = query.end()
			}
			out = append(out, struct {
				Range Range
				Tags TagSet
			}{Range{Start: lo, Size: int(hi - lo)}, e.tags})
		}
	}
	return out
}

// InsertWithOverwrite stores tags for rng. Existing entries fully covered
// by rng are removed (their tags released); entries partially overlapping
// rng are split so only the non-overwritten remainder survives. Afterward,
// contiguous entries with identical tag sets are merged.
func (m *MemTable) InsertWithOverwrite(rng Range, tags TagSet) {
	var kept []memEntry
	for _, e := range m.entries {
		if !e.rng.overlaps(rng) {
			kept = append(kept, e)
			continue
		}
		// Split off the parts of e.rng not covered by rng.
		fragments := 0
		if e.rng.Start < rng.Start {
			kept = append(kept, memEntry{Range{e.rng.Start, int(rng.Start - e.rng.Start)}, e.tags})
			fragments++
		}
		if e.rng.end() > rng.end() {
			kept = append(kept, memEntry{Range{rng.end(), int(e.rng.end() - rng.end())}, e.tags})
			fragments++
		}
		// e's single reference to each of its tags now needs to cover
		// however many surviving fragments still point at e.tags: released
		// entirely when fully overwritten (0 fragments), left alone when
		// exactly one fragment survives (the reference just transfers), and
		// retained once more per tag when both sides survive (rng carved a
		// hole out of the middle, leaving two fragments sharing one tag set).
		switch fragments {
		case 0:
			for _, t := range e.tags {
				m.mgr.Release(t)
			}
		case 2:
			for _, t := range e.tags {
				m.mgr.Retain(t)
			}
		}
	}
	for _, t := range tags {
		m.mgr.Retain(t)
	}
	if len(tags) > 0 {
		kept = append(kept, memEntry{rng, tags})
	}
	m.entries = kept
	m.sort()
	m.mergeAdjacent()
}

// Diff removes rng from the table without inserting a replacement (used
// when a region is invalidated, e.g. by a brk that lowers the heap
// high-water mark past previously recorded last-write entries).
func (m *MemTable) Diff(rng Range) {
	var kept []memEntry
	for _, e := range m.entries {
		if !e.rng.overlaps(rng) {
			kept = append(kept, e)
			continue
		}
		if e.rng.Start < rng.Start {
			kept = append(kept, memEntry{Range{e.rng.Start, int(rng.Start - e.rng.Start)}, e.tags})
		}
		if e.rng.end() > rng.end() {
			kept = append(kept, memEntry{Range{rng.end(), int(e.rng.end() - rng.end())}, e.tags})
		}
		if e.rng.Start >= rng.Start && e.rng.end() <= rng.end() {
			for _, t := range e.tags {
				m.mgr.Release(t)
			}
		}
	}
	m.entries = kept
	m.sort()
}

// mergeAdjacent merges contiguous entries that carry identical tag sets, so
// re-inserting the same range repeatedly never grows the table.
func (m *MemTable) mergeAdjacent() {
	if len(m.entries) < 2 {
		return
	}
	m.sort()
	out := m.entries[:1]
	for _, e := range m.entries[1:] {
		last := &out[len(out)-1]
		if last.rng.end() == e.rng.Start && last.tags.Equal(e.tags) {
			last.rng.Size += e.rng.Size
			// e's tags are logically the same identities as last's; release
			// the duplicate references this merge introduces.
			for _, t := range e.tags {
				m.mgr.Release(t)
			}
			continue
		}
		out = append(out, e)
	}
	m.entries = out
}

// Len returns the number of disjoint entries, for test assertions.
func (m *MemTable) Len() int {
	return len(m.entries)
}
