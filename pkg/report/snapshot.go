package report

import (
	"encoding/gob"
	"os"

	"github.com/kpellizzi/memtrace/pkg/shadowmem"
)

// RecordSnapshot is a gob-friendly flattening of one aggregator.Record: only
// the fields the report writer reads, so a fixture doesn't need to carry the
// aggregator's internal bookkeeping (tags, duplicate flag).
type RecordSnapshot struct {
	Order int64
	Start uint64
	Size int
	IsWrite bool
	Uninitialized bool
	IP, ActualIP uint64
	Disasm string
	Kind shadowmem.Kind
	StackOffset, BasePtrOffset int64
	Intervals [][2]int
}

// FindingSnapshot mirrors aggregator.Finding.
type FindingSnapshot struct {
	Read RecordSnapshot
	Writes []RecordSnapshot
	Partial bool
}

// Snapshot is a round-trippable fixture: a report's inputs, saved and
// reloaded between runs without re-deriving them from scratch.
type Snapshot struct {
	Opts Options
	Findings []FindingSnapshot
}

// Save writes snap to path as gob.
func Save(path string, snap *Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(snap)
}

// Load reads a Snapshot previously written by Save.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var snap Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
