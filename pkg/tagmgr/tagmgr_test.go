package tagmgr

import "testing"

func TestAllocRetainReleaseLifecycle(t *testing.T) {
	m := New()
	tag := m.Alloc(AccessRange{Start: 0x1000, Size: 4}, "rec")
	m.Retain(tag)
	m.Retain(tag)

	if got := m.RefCount(tag); got != 2 {
		t.Fatalf("RefCount() = %d, want 2", got)
	}

	m.Release(tag)
	if got := m.RefCount(tag); got != 1 {
		t.Fatalf("RefCount() = %d, want 1", got)
	}

	m.Release(tag)
	if _, _, ok := m.Lookup(tag); ok {
		t.Error("tag should be freed once refcount reaches zero")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

// TestFreedTagsAreReused covers the "freed tags go to a reuse queue"
// lifecycle rule from the contract
func TestFreedTagsAreReused(t *testing.T) {
	m := New()
	t1 := m.Alloc(AccessRange{Start: 0, Size: 1}, nil)
	m.Retain(t1)
	m.Release(t1)

	t2 := m.Alloc(AccessRange{Start: 8, Size: 1}, nil)
	if t2 != t1 {
		t.Errorf("expected freed tag %d to be reused, got %d", t1, t2)
	}
}

// TestRefCountMatchesPendingOccurrences is a smaller-scope check that
// the full cross-table invariant is exercised in pkg/pending.
func TestRefCountMatchesPendingOccurrences(t *testing.T) {
	m := New()
	tag := m.Alloc(AccessRange{Start: 0x2000, Size: 8}, nil)
	occurrences := 3
	for i := 0; i < occurrences; i++ {
		m.Retain(tag)
	}
	if m.RefCount(tag) != occurrences {
		t.Errorf("RefCount() = %d, want %d", m.RefCount(tag), occurrences)
	}
	for i := 0; i < occurrences; i++ {
		m.Release(tag)
	}
	if m.Len() != 0 {
		t.Error("tag should be gone after releasing every retain")
	}
}
