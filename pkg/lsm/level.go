package lsm

import (
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
)

// levelSlot pairs a Run with its tombstone bloom filter; nil once the
// slot has been vacated by a merge-down.
type levelSlot struct {
	run   *Run
	bloom *tombstoneFilter
}

// Level holds up to runCap runs (1 under leveling, the scale factor
// under tiering — Config.runCap()) and tracks which slots are occupied
// with a bitset, the occupancy-tracking idiom the teacher's own
// dependency set (bits-and-blooms/bitset) is built for, in place of
// original_source/include/lsm/MemoryLevel.h's hand-rolled run array +
// linear "is this slot used" scan.
type Level struct {
	runCap int
	slots  []levelSlot
	occ    *bitset.BitSet

	rejectionCount atomic.Int64
	tsCheckCount   atomic.Int64
}

func newLevel(runCap int) *Level {
	return &Level{
		runCap: runCap,
		slots:  make([]levelSlot, runCap),
		occ:    bitset.New(uint(runCap)),
	}
}

func (l *Level) RunCap() int { return l.runCap }

// RunCount returns the number of occupied run slots.
func (l *Level) RunCount() int {
	return int(l.occ.Count())
}

// IsFull reports whether every run slot is occupied — the signal the
// controller uses, under tiering, to decide a level needs to cascade
// into the one below it (spec §3, "when a level's run budget is
// exhausted"). Leveling's own "can absorb" rule is record-count based
// (Config.levelCapacity), not run-slot based, since every level holds
// at most one run under leveling regardless of how much content it's
// absorbed — IsFull is not consulted for that decision.
func (l *Level) IsFull() bool {
	return int(l.occ.Count()) == l.runCap
}

// AppendRun installs run in the first free slot. Returns false if the
// level has no free slot (callers must merge-down first).
func (l *Level) AppendRun(run *Run, bloom *tombstoneFilter) bool {
	for i := uint(0); i < uint(l.runCap); i++ {
		if !l.occ.Test(i) {
			l.slots[i] = levelSlot{run: run, bloom: bloom}
			l.occ.Set(i)
			return true
		}
	}
	return false
}

// Runs returns the occupied runs, oldest first (slot order doubles as
// recency order: AppendRun always fills the lowest free index, and
// VacateAll is the only way a slot is ever freed, so within any run of
// appends since the last vacate, a lower slot index was always filled
// earlier — slot 0 is the level's oldest resident run, not its
// newest).
func (l *Level) Runs() []*Run {
	out := make([]*Run, 0, l.runCap)
	for i := uint(0); i < uint(l.runCap); i++ {
		if l.occ.Test(i) {
			out = append(out, l.slots[i].run)
		}
	}
	return out
}

// RunWithIndex pairs a run with its slot index, so a caller that needs
// to remember a candidate's provenance (Tree.isDeleted's origin-run
// bound) can do so without re-deriving it from the run pointer.
type RunWithIndex struct {
	Index int
	Run   *Run
}

// RunsIndexed is Runs with each run's slot index attached.
func (l *Level) RunsIndexed() []RunWithIndex {
	out := make([]RunWithIndex, 0, l.runCap)
	for i := uint(0); i < uint(l.runCap); i++ {
		if l.occ.Test(i) {
			out = append(out, RunWithIndex{Index: int(i), Run: l.slots[i].run})
		}
	}
	return out
}

// VacateAll empties every slot, returning the runs and blooms that
// were in them so the caller can fold them into a merge.
func (l *Level) VacateAll() ([]*Run, []*tombstoneFilter) {
	var runs []*Run
	var blooms []*tombstoneFilter
	for i := uint(0); i < uint(l.runCap); i++ {
		if l.occ.Test(i) {
			runs = append(runs, l.slots[i].run)
			blooms = append(blooms, l.slots[i].bloom)
			l.slots[i] = levelSlot{}
			l.occ.Clear(i)
		}
	}
	return runs, blooms
}

// CheckTombstone probes the level's runs for a tombstone matching
// (key, val), restricted to slots with index > newerThan. Pass -1 to
// scan every occupied run. This is MemoryLevel.h's
// tombstone_check(run_stop, ...) adapted to this level's append-order
// convention: AppendRun always fills the lowest free slot, so a higher
// slot index was always installed later, making "index > newerThan"
// exactly "run installed after the run at slot newerThan" — the bound
// Tree.isDeleted needs to keep an older run's tombstone from shadowing
// a newer, live record re-inserted into the same level under a
// different run.
func (l *Level) CheckTombstone(newerThan int, key, val []byte) bool {
	for i := uint(newerThan + 1); i < uint(l.runCap); i++ {
		if !l.occ.Test(i) {
			continue
		}
		l.tsCheckCount.Add(1)
		if l.slots[i].run.CheckTombstone(l.slots[i].bloom, key, val) {
			return true
		}
	}
	return false
}

// DeleteRecord implements tagged deletion across the level: the
// newest run (highest slot index first) holding a live match gets its
// delete bit flipped.
func (l *Level) DeleteRecord(key, val []byte) bool {
	for i := int(l.runCap) - 1; i >= 0; i-- {
		if !l.occ.Test(uint(i)) {
			continue
		}
		if l.slots[i].run.DeleteRecord(key, val) {
			return true
		}
	}
	return false
}

// RecordCount, TombstoneCount and MemoryUtilization sum over the
// occupied runs, used by the tree controller's reporting methods and
// by tombstone-proportion enforcement (spec §4.3).
func (l *Level) RecordCount() int {
	n := 0
	for i := uint(0); i < uint(l.runCap); i++ {
		if l.occ.Test(i) {
			n += l.slots[i].run.RecordCount()
		}
	}
	return n
}

func (l *Level) TombstoneCount() int {
	n := 0
	for i := uint(0); i < uint(l.runCap); i++ {
		if l.occ.Test(i) {
			n += l.slots[i].run.TombstoneCount()
		}
	}
	return n
}

func (l *Level) MemoryUtilization() int {
	n := 0
	for i := uint(0); i < uint(l.runCap); i++ {
		if l.occ.Test(i) {
			n += l.slots[i].run.MemoryUtilization()
		}
	}
	return n
}

func (l *Level) AuxMemoryUtilization() int {
	n := 0
	for i := uint(0); i < uint(l.runCap); i++ {
		if l.occ.Test(i) && l.slots[i].bloom != nil {
			buf, err := l.slots[i].bloom.WriteToBuffer()
			if err == nil {
				n += len(buf)
			}
		}
	}
	return n
}

// descriptorRange is one (run-or-memtable, segment-bounds) handle the
// sampling orchestrator draws from; see sample.go.
type descriptorRange struct {
	run         *Run
	bloom       *tombstoneFilter
	slot        int
	start, stop int
	weight      float64
}

// SampleRanges returns one descriptorRange per run in the level whose
// [lo, hi] segment is non-empty, paired with its own total weight so
// the orchestrator's top-level alias can pick among runs proportional
// to how much weight each contributes (spec §4.2's two-stage draw:
// choose a run, then choose within it).
func (l *Level) SampleRanges(lo, hi []byte) []descriptorRange {
	var out []descriptorRange
	for i := uint(0); i < uint(l.runCap); i++ {
		if !l.occ.Test(i) {
			continue
		}
		run := l.slots[i].run
		start, stop := run.UniformIndexRange(lo, hi)
		if stop <= start {
			continue
		}
		w := 0.0
		for j := start; j < stop; j++ {
			w += run.records[j].weight()
		}
		out = append(out, descriptorRange{run: run, bloom: l.slots[i].bloom, slot: int(i), start: start, stop: stop, weight: w})
	}
	return out
}

// RejectionRate is the weighted variant's rho_max input: rejections
// observed against this level divided by tombstone checks performed,
// tracked per spec §9's "rho_max enforced per level, not globally."
func (l *Level) RejectionRate() float64 {
	checks := l.tsCheckCount.Load()
	if checks == 0 {
		return 0
	}
	return float64(l.rejectionCount.Load()) / float64(checks)
}

func (l *Level) recordRejection() { l.rejectionCount.Add(1) }
