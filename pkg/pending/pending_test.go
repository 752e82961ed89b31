package pending

import (
	"testing"

	"github.com/kpellizzi/memtrace/pkg/shadowreg"
	"github.com/kpellizzi/memtrace/pkg/tagmgr"
)

func TestRegTableMoveReplacesDestination(t *testing.T) {
	mgr := tagmgr.New()
	rt := NewRegTable(mgr)

	tag := mgr.Alloc(tagmgr.AccessRange{Start: 0x10, Size: 4}, nil)
	rt.Insert(shadowreg.RAX, TagSet{tag})

	rt.Move(shadowreg.RAX, shadowreg.RBX)
	if got := rt.Get(shadowreg.RBX); !got.Equal(TagSet{tag}) {
		t.Errorf("RBX pending = %v, want [%v]", got, tag)
	}

	other := mgr.Alloc(tagmgr.AccessRange{Start: 0x20, Size: 4}, nil)
	rt.Insert(shadowreg.RCX, TagSet{other})
	rt.Move(shadowreg.RCX, shadowreg.RBX)
	if got := rt.Get(shadowreg.RBX); !got.Equal(TagSet{other}) {
		t.Errorf("RBX pending after second move = %v, want [%v]", got, other)
	}
}

func TestRegTableDropReleasesTags(t *testing.T) {
	mgr := tagmgr.New()
	rt := NewRegTable(mgr)

	tag := mgr.Alloc(tagmgr.AccessRange{Start: 0x10, Size: 4}, nil)
	rt.Insert(shadowreg.RAX, TagSet{tag})
	if mgr.RefCount(tag) != 1 {
		t.Fatalf("RefCount = %d, want 1", mgr.RefCount(tag))
	}

	drained := rt.Drop(shadowreg.RAX)
	if !drained.Equal(TagSet{tag}) {
		t.Errorf("Drop returned %v, want [%v]", drained, tag)
	}
	if mgr.Len() != 0 {
		t.Error("tag should be freed after Drop releases the last reference")
	}
	if got := rt.Get(shadowreg.RAX); got != nil {
		t.Errorf("RAX pending after Drop = %v, want nil", got)
	}
}

// TestInsertWithOverwriteNoOverlap verifies that inserting disjoint
// ranges must never merge into a single overlapping entry.
func TestInsertWithOverwriteNoOverlap(t *testing.T) {
	mgr := tagmgr.New()
	mt := NewMemTable(mgr)

	t1 := mgr.Alloc(tagmgr.AccessRange{Start: 0x1000, Size: 4}, nil)
	t2 := mgr.Alloc(tagmgr.AccessRange{Start: 0x2000, Size: 4}, nil)

	mt.InsertWithOverwrite(Range{0x1000, 4}, TagSet{t1})
	mt.InsertWithOverwrite(Range{0x2000, 4}, TagSet{t2})

	if mt.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", mt.Len())
	}
	for _, e := range mt.Entries() {
		for _, o := range mt.Entries() {
			if e != o && e.overlaps(o) {
				t.Errorf("entries %v and %v overlap", e, o)
			}
		}
	}
}

// TestInsertWithOverwriteSplitsPartialOverlap exercises a write that lands
// in the middle of an existing pending range, leaving the untouched head
// and tail as separate surviving entries.
func TestInsertWithOverwriteSplitsPartialOverlap(t *testing.T) {
	mgr := tagmgr.New()
	mt := NewMemTable(mgr)

	whole := mgr.Alloc(tagmgr.AccessRange{Start: 0x1000, Size: 16}, nil)
	mt.InsertWithOverwrite(Range{0x1000, 16}, TagSet{whole})

	middle := mgr.Alloc(tagmgr.AccessRange{Start: 0x1004, Size: 4}, nil)
	mt.InsertWithOverwrite(Range{0x1004, 4}, TagSet{middle})

	entries := mt.Entries()
	if len(entries) != 3 {
		t.Fatalf("Entries() = %v, want 3 disjoint ranges (head/middle/tail)", entries)
	}

	want := map[Range]bool{
		{0x1000, 4}: true,
		{0x1004, 4}: true,
		{0x1008, 8}: true,
	}
	for _, e := range entries {
		if !want[e] {
			t.Errorf("unexpected range %v after split", e)
		}
		delete(want, e)
	}
	if len(want) != 0 {
		t.Errorf("missing expected ranges: %v", want)
	}

	// whole's tag now lives in two surviving entries (head and tail), so it
	// needs two references, not one.
	if got := mgr.RefCount(whole); got != 2 {
		t.Fatalf("RefCount(whole) = %d, want 2 (head and tail fragments both hold it)", got)
	}

	// Removing one fragment must not free the tag out from under the other.
	mt.Diff(Range{0x1000, 4})
	if mgr.RefCount(whole) != 1 {
		t.Fatalf("RefCount(whole) after removing the head fragment = %d, want 1", mgr.RefCount(whole))
	}
	if _, ok := mt.TagsAt(Range{0x1008, 8}); !ok {
		t.Fatal("tail fragment should still be present and valid after the head fragment is removed")
	}
	mt.Diff(Range{0x1008, 8})
	if mgr.RefCount(whole) != 0 {
		t.Errorf("RefCount(whole) after removing both fragments = %d, want 0", mgr.RefCount(whole))
	}
}

// TestInsertWithOverwriteFullyCoveredEntryRemoved checks that an entry
// entirely inside the new write disappears and its tag is released.
func TestInsertWithOverwriteFullyCoveredEntryRemoved(t *testing.T) {
	mgr := tagmgr.New()
	mt := NewMemTable(mgr)

	inner := mgr.Alloc(tagmgr.AccessRange{Start: 0x1004, Size: 4}, nil)
	mt.InsertWithOverwrite(Range{0x1004, 4}, TagSet{inner})

	outer := mgr.Alloc(tagmgr.AccessRange{Start: 0x1000, Size: 16}, nil)
	mt.InsertWithOverwrite(Range{0x1000, 16}, TagSet{outer})

	if mt.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", mt.Len())
	}
	if mgr.RefCount(inner) != 0 {
		t.Error("inner's tag should have been released when fully overwritten")
	}
	tags, ok := mt.TagsAt(Range{0x1000, 16})
	if !ok || !tags.Equal(TagSet{outer}) {
		t.Errorf("TagsAt(outer range) = %v, %v", tags, ok)
	}
}

// TestMergeAdjacentIdenticalTagSets verifies that re-inserting the same tag
// set split across adjacent ranges coalesces back into one entry, making
// repeated merges idempotent.
func TestMergeAdjacentIdenticalTagSets(t *testing.T) {
	mgr := tagmgr.New()
	mt := NewMemTable(mgr)

	shared := mgr.Alloc(tagmgr.AccessRange{Start: 0x1000, Size: 8}, nil)
	mt.InsertWithOverwrite(Range{0x1000, 4}, TagSet{shared})
	mgr.Retain(shared)
	mt.InsertWithOverwrite(Range{0x1004, 4}, TagSet{shared})

	if mt.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after merge of adjacent identical tag sets", mt.Len())
	}
	entries := mt.Entries()
	if entries[0] != (Range{0x1000, 8}) {
		t.Errorf("merged range = %v, want {0x1000 8}", entries[0])
	}
}

func TestIntersectClipsToQueryBounds(t *testing.T) {
	mgr := tagmgr.New()
	mt := NewMemTable(mgr)

	tag := mgr.Alloc(tagmgr.AccessRange{Start: 0x1000, Size: 16}, nil)
	mt.InsertWithOverwrite(Range{0x1000, 16}, TagSet{tag})

	hits := mt.Intersect(Range{0x1008, 4})
	if len(hits) != 1 {
		t.Fatalf("Intersect() returned %d hits, want 1", len(hits))
	}
	if hits[0].Range != (Range{0x1008, 4}) {
		t.Errorf("clipped range = %v, want {0x1008 4}", hits[0].Range)
	}
	if !hits[0].Tags.Equal(TagSet{tag}) {
		t.Errorf("tags = %v, want [%v]", hits[0].Tags, tag)
	}
}

func TestDiffRemovesWithoutReplacement(t *testing.T) {
	mgr := tagmgr.New()
	mt := NewMemTable(mgr)

	tag := mgr.Alloc(tagmgr.AccessRange{Start: 0x1000, Size: 16}, nil)
	mt.InsertWithOverwrite(Range{0x1000, 16}, TagSet{tag})

	mt.Diff(Range{0x1000, 16})
	if mt.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Diff removes the sole entry", mt.Len())
	}
	if mgr.RefCount(tag) != 0 {
		t.Error("tag should be released by Diff")
	}
}

func TestInsertWithOverwriteEmptyTagsActsAsInitialize(t *testing.T) {
	mgr := tagmgr.New()
	mt := NewMemTable(mgr)

	tag := mgr.Alloc(tagmgr.AccessRange{Start: 0x1000, Size: 16}, nil)
	mt.InsertWithOverwrite(Range{0x1000, 16}, TagSet{tag})

	// Writing fully-initialized bytes (no tags) over the range should clear
	// it entirely, the same as marking it initialized in shadow memory.
	mt.InsertWithOverwrite(Range{0x1000, 16}, nil)
	if mt.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after overwriting with an empty tag set", mt.Len())
	}
}
