package allocator

import (
	"testing"

	"github.com/kpellizzi/memtrace/pkg/pending"
	"github.com/kpellizzi/memtrace/pkg/tagmgr"
)

func TestAfterAllocExtendsNormalHeapAndReplaysWrites(t *testing.T) {
	a := New(64)
	a.BeforeAlloc(24)
	a.DivertWrite(0x10000, make([]byte, 24))
	ht, region := a.AfterAlloc(0x10000, 24, false)

	if !ht.IsNormal() {
		t.Fatalf("expected a normal heap HeapType, got %+v", ht)
	}
	snap := region.QueryUninitialized(0x10000, 24)
	if !snap.AllInitialized() {
		t.Error("expected the buffered write to have initialized the returned block")
	}
}

func TestAfterAllocMmapSingleChunkGetsOwnRegion(t *testing.T) {
	a := New(64)
	a.BeforeAlloc(1 << 20)
	ht, region := a.AfterAlloc(0x700000000000, 1<<20, true)

	if !ht.IsMmap() {
		t.Fatalf("expected a mmap HeapType, got %+v", ht)
	}
	if region == nil {
		t.Fatal("expected a region for the single chunk")
	}
	if ht.ShadowIndex() != 0x700000000000 {
		t.Errorf("ShadowIndex = %#x, want the block address", ht.ShadowIndex())
	}
}

func TestAfterAllocNullPointerDiscardsBuffer(t *testing.T) {
	a := New(64)
	a.BeforeAlloc(8)
	a.DivertWrite(0x20000, make([]byte, 8))
	ht, region := a.AfterAlloc(0, 8, false)

	if ht.IsValid() {
		t.Error("a null return should produce an invalid HeapType")
	}
	if region != nil {
		t.Error("a null return should produce no region")
	}
}

func TestFreeResetsOnlyReinitSegmentsNotHeaderCarveout(t *testing.T) {
	a := New(64)
	a.BeforeAlloc(64)
	a.DivertWrite(0x30000, make([]byte, 64))
	ht, region := a.AfterAlloc(0x30000, 64, false)

	a.Free(0x30000, 64, ht)

	// The 16-byte header carve-out must still read initialized; the
	// reinit segment beyond it must read uninitialized again.
	header := region.QueryUninitialized(0x30000, reinitCarveout)
	if !header.AllInitialized() {
		t.Error("the header carve-out should not be reinitialized by Free")
	}
	rest := region.QueryUninitialized(0x30000+reinitCarveout, 64-reinitCarveout)
	if rest.AllInitialized() {
		t.Error("bytes beyond the carve-out should be reset to uninitialized by Free")
	}
}

func TestFreeMmapChunkReleasesWholeRegion(t *testing.T) {
	a := New(64)
	a.BeforeAlloc(4096)
	ht, region := a.AfterAlloc(0x800000000000, 4096, true)
	a.DivertWrite(0x800000000000, make([]byte, 4096))
	_ = region

	a.Free(0x800000000000, 4096, ht)
	if _, ok := a.singleChunks[0x800000000000]; ok {
		t.Error("expected the single-chunk region to be forgotten after Free")
	}
}

func TestReinitSegmentsSkipsHeaderCarveout(t *testing.T) {
	segs := ReinitSegments(0x1000, 64)
	if len(segs) != 1 || segs[0].Start != 0x1000+reinitCarveout || segs[0].Size != 64-reinitCarveout {
		t.Errorf("unexpected reinit segments: %+v", segs)
	}
	if got := ReinitSegments(0x1000, reinitCarveout); got != nil {
		t.Errorf("a block no larger than the carve-out should yield no reinit segments, got %v", got)
	}
}

func TestOnBrkInvalidatesMemPendingAboveNewBoundary(t *testing.T) {
	a := New(64)
	a.BeforeAlloc(256)
	ht, _ := a.AfterAlloc(0x40000, 256, false)
	_ = ht

	mgr := tagmgr.New()
	mp := pending.NewMemTable(mgr)
	tag := mgr.Alloc(tagmgr.AccessRange{Start: 0x40100, Size: 64}, nil)
	mp.InsertWithOverwrite(pending.Range{Start: 0x40100, Size: 64}, pending.TagSet{tag})

	a.OnBrk(0x40080, mp)

	if _, ok := mp.TagsAt(pending.Range{Start: 0x40100, Size: 64}); ok {
		t.Error("expected the entry above the new brk boundary to be invalidated")
	}
}

func TestBlockBeginningMatchesHeaderOffset(t *testing.T) {
	if got := BlockBeginning(0x1010); got != 0x1000 {
		t.Errorf("BlockBeginning(0x1010) = %#x, want 0x1000", got)
	}
}
