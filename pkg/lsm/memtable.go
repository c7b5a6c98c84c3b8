package lsm

import "math/rand"

// memtable is the common interface behind the two concrete
// implementations selected by Config.Weighted: arrayMemtable (a
// preallocated, atomic-tail append buffer used by the uniform
// variant) and treeMemtable (a skiplist-ordered buffer supporting
// weighted range sampling). Spec §9: "Expose both behind a common
// interface; choose at tree construction."
type memtable interface {
	// Append claims the next slot and writes rec. Returns ErrFull if
	// the memtable cannot accept it (record capacity reached, or a
	// tombstone that would exceed the tombstone capacity).
	Append(rec Record) error

	// Truncate resets counters and the tombstone filter. Callers must
	// ensure no reader is pinned (§4.1).
	Truncate()

	// CheckTombstone bloom-pre-filters, then scans the live region for
	// a matching tombstone record.
	CheckTombstone(key, val []byte) bool

	// SortedOutput returns the memtable's records in sorted (key,
	// value, header) order, the form a Run is built from.
	SortedOutput() []Record

	GetRecordCount() int
	GetTombstoneCount() int
	GetCapacity() int
	IsFull() bool
	GetTotalWeight() float64
	GetMemoryUtilization() int
	GetAuxMemoryUtilization() int

	// RecordAt supports in-memtable rejection sampling (the uniform
	// variant's LSM_REJ_SAMPLE path): direct index into the live
	// region, 0 <= idx < GetRecordCount().
	RecordAt(idx int) *Record

	// DeleteRecord flips the delete bit on a live, matching (key, val)
	// entry still sitting in the memtable. Returns false if no live
	// match is found. Tree.deleteTagged never calls this: tagged
	// deletion walks the levels first and falls back to appending a
	// tombstone record, so an in-place flip here would only ever race
	// a concurrent reader over a mutation the tree doesn't perform.
	// Kept on the interface (and exercised by its own tests) as a
	// building block a future in-memtable-tagging path could use.
	DeleteRecord(key, val []byte) bool

	// SampleWeighted draws exactly n candidates from the records in
	// [lo, hi] proportional to weight and applies validate to each;
	// rejected draws are simply omitted from the result, the same way
	// a Run's WIRS primitive returns fewer than n when candidates are
	// rejected, leaving the caller's rejection loop to redraw. Used by
	// the weighted variant in place of RecordAt + uniform index draw.
	SampleWeighted(lo, hi []byte, n int, rng *rand.Rand, validate func(*Record) bool) []Record
}

func newMemtable(cfg Config) memtable {
	if cfg.Weighted {
		return newTreeMemtable(cfg.MemtableCapacity, cfg.MemtableTombstoneCapacity, cfg.BloomFalsePositiveRate)
	}
	return newArrayMemtable(cfg.MemtableCapacity, cfg.MemtableTombstoneCapacity, cfg.BloomFalsePositiveRate)
}
