package aggregator

import (
	"testing"

	"github.com/kpellizzi/memtrace/pkg/emulator"
	"github.com/kpellizzi/memtrace/pkg/pending"
)

func TestRecordBuildsFindingForSurvivingWrite(t *testing.T) {
	a := New(Config{StringOpt: StringOptOff})

	a.Record(emulator.AccessEvent{IP: 1, Addr: 0x1000, Size: 4, IsWrite: true, Uninitialized: false})
	a.Record(emulator.AccessEvent{IP: 2, Addr: 0x1000, Size: 4, IsWrite: false, Uninitialized: true})

	findings := a.Finalize()
	if len(findings) != 1 {
		t.Fatalf("Finalize() produced %d findings, want 1", len(findings))
	}
	if len(findings[0].Writes) != 1 {
		t.Errorf("expected the prior write to survive, got %d writes", len(findings[0].Writes))
	}
}

func TestOverwriteReplayDiscardsFullyOverwrittenWrite(t *testing.T) {
	a := New(Config{StringOpt: StringOptOff})

	a.Record(emulator.AccessEvent{Addr: 0x1000, Size: 4, IsWrite: true}) // W
	a.Record(emulator.AccessEvent{Addr: 0x1000, Size: 4, IsWrite: true}) // fully overwrites W before the read
	a.Record(emulator.AccessEvent{Addr: 0x1000, Size: 4, IsWrite: false, Uninitialized: true})

	findings := a.Finalize()
	if len(findings) != 1 {
		t.Fatalf("Finalize() produced %d findings, want 1", len(findings))
	}
	for _, w := range findings[0].Writes {
		if w.Order == 1 {
			t.Error("the first write should have been discarded: fully overwritten before the read")
		}
	}
}

func TestOverwriteReplayKeepsPartialSurvivor(t *testing.T) {
	a := New(Config{StringOpt: StringOptOff})

	a.Record(emulator.AccessEvent{Addr: 0x1000, Size: 8, IsWrite: true}) // W covers [0x1000,0x1008)
	a.Record(emulator.AccessEvent{Addr: 0x1000, Size: 4, IsWrite: true}) // only overwrites the low half
	a.Record(emulator.AccessEvent{Addr: 0x1000, Size: 8, IsWrite: false, Uninitialized: true})

	findings := a.Finalize()
	if len(findings) != 1 {
		t.Fatalf("Finalize() produced %d findings, want 1", len(findings))
	}
	found := false
	for _, w := range findings[0].Writes {
		if w.Order == 1 {
			found = true
		}
	}
	if !found {
		t.Error("the 8-byte write's untouched upper half should still be attributed to the read")
	}
}

// TestDuplicateReadsInATightLoopAreSuppressed covers the
// trace-time context-hash dedup: five identical uninitialized reads with
// no intervening writes all hash the same and must collapse to one
// finding.
func TestDuplicateReadsInATightLoopAreSuppressed(t *testing.T) {
	a := New(Config{StringOpt: StringOptOff})

	ev := emulator.AccessEvent{Addr: 0x2000, Size: 4, IsWrite: false, Uninitialized: true}
	for i := 0; i < 5; i++ {
		a.Record(ev)
	}

	findings := a.Finalize()
	if len(findings) != 1 {
		t.Errorf("expected exactly one finding from 5 identical reads, got %d", len(findings))
	}
}

func TestStringHeuristicSuppressesEvenRunsWithNUL(t *testing.T) {
	a := New(Config{StringOpt: StringOptOn})

	content := make([]byte, 16)
	content[15] = 0 // NUL terminator present
	a.Record(emulator.AccessEvent{
		Addr: 0x3000, Size: 16, IsWrite: false, Uninitialized: true,
		Content: content, Intervals: [][2]int{{4, 5}},
	})

	a.mu.Lock()
	recs := a.all[pending.Range{Start: 0x3000, Size: 16}]
	a.mu.Unlock()
	if len(recs) != 1 || recs[0].Uninitialized {
		t.Error("expected the string heuristic to clear Uninitialized on this record")
	}
}

func TestStringHeuristicLeavesOddRunUnsuppressed(t *testing.T) {
	a := New(Config{StringOpt: StringOptOn})

	content := make([]byte, 16)
	content[15] = 0
	a.Record(emulator.AccessEvent{
		Addr: 0x4000, Size: 16, IsWrite: false, Uninitialized: true,
		Content: content, Intervals: [][2]int{{4, 4}}, // odd-length run
	})

	a.mu.Lock()
	recs := a.all[pending.Range{Start: 0x4000, Size: 16}]
	a.mu.Unlock()
	if len(recs) != 1 || !recs[0].Uninitialized {
		t.Error("an odd-length uninitialized run should not be suppressed")
	}
}

func TestStringHeuristicLibsModeIgnoresNonLibraryAccess(t *testing.T) {
	a := New(Config{StringOpt: StringOptLibs})

	content := make([]byte, 16)
	content[15] = 0
	a.Record(emulator.AccessEvent{
		Addr: 0x5000, Size: 16, IsWrite: false, Uninitialized: true,
		Content: content, Intervals: [][2]int{{4, 5}},
	})

	a.mu.Lock()
	recs := a.all[pending.Range{Start: 0x5000, Size: 16}]
	a.mu.Unlock()
	if len(recs) != 1 || !recs[0].Uninitialized {
		t.Error("LIBS mode should not suppress a non-library-originated access")
	}
}
