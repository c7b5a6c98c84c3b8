package lsm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Tree is the sampling LSM controller: one memtable, a vector of
// Levels guarded by a single RWMutex, and (optionally) a WAL ahead of
// the memtable. Grounded on original_source/include/lsm/LsmTree.h,
// generalized from its fixed uniform/tombstone-cancelling design to
// the Config-selected uniform/weighted, tombstone/tagged variants.
//
// Append is synchronous end to end: when the memtable fills, the
// flush-and-merge cascade runs inline and Append only returns once the
// new record (or the record that triggered the flush) is durable in
// the tree, matching spec §4.1's single-writer/concurrent-readers
// model rather than the teacher's background-goroutine flush.
type Tree struct {
	cfg Config

	memtable memtable
	wal      *wal

	levelsMu sync.RWMutex
	levels   []*Level

	closed atomic.Bool
}

// Open constructs a Tree from cfg, optionally replaying a WAL found
// under cfg.WALDir.
func Open(cfg Config) (*Tree, error) {
	t := &Tree{
		cfg:      cfg,
		memtable: newMemtable(cfg),
	}
	if cfg.WAL {
		w, err := openWAL(cfg)
		if err != nil {
			return nil, err
		}
		t.wal = w
		if err := t.replayWAL(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tree) replayWAL() error {
	records, err := t.wal.Replay()
	if err != nil {
		return err
	}
	for i, rec := range records {
		if err := t.memtable.Append(rec); err == ErrFull {
			flushed := t.memtable.GetRecordCount() > 0
			if err := t.flushMemtable(); err != nil {
				return err
			}
			// the flush reset the log; re-log what has not been flushed yet
			for j := i; flushed && j < len(records); j++ {
				if err := t.wal.Append(records[j]); err != nil {
					return err
				}
			}
			if err := t.memtable.Append(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close marks the tree unusable and closes its WAL, if one is open.
// It does not flush the memtable into the levels; persisting the
// tree's structure is persist.go's PersistManifest, a separate call.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if t.wal != nil {
		return t.wal.Close()
	}
	return nil
}

// Append inserts a live (key, value) pair with the given sampling
// weight (ignored by the uniform variant; 0 defaults to 1 — see
// Record.weight).
func (t *Tree) Append(key, val []byte, weight float64) error {
	return t.appendRecord(Record{Key: key, Value: val, Weight: weight})
}

// Delete removes (key, val): a tombstone Append under the standard
// variant, or an in-place delete-bit flip on the first matching level
// run under Config.DeleteTagging, falling back to a tombstone Append
// if no level holds a match (see deleteTagged).
func (t *Tree) Delete(key, val []byte) error {
	if t.cfg.DeleteTagging {
		return t.deleteTagged(key, val)
	}
	rec := Record{Key: key, Value: val}
	rec.setTombstone()
	return t.appendRecord(rec)
}

func (t *Tree) appendRecord(rec Record) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.wal != nil {
		if err := t.wal.Append(rec); err != nil {
			return err
		}
	}
	if err := t.memtable.Append(rec); err == ErrFull {
		flushed := t.memtable.GetRecordCount() > 0
		if err := t.flushMemtable(); err != nil {
			return err
		}
		// the flush reset the log, discarding rec's frame with it
		if flushed && t.wal != nil {
			if err := t.wal.Append(rec); err != nil {
				return err
			}
		}
		return t.memtable.Append(rec)
	} else if err != nil {
		return err
	}
	return nil
}

// deleteTagged implements Config.DeleteTagging's tagged-delete path
// (spec §4.4): walk the levels top-down, flipping the delete bit on
// the first run that holds a live match for (key, val). If no level
// holds one, fall back to the same tombstone-append path the untagged
// variant always takes — never an in-place memtable mutation, since
// the memtable isn't covered by spec §5's "the only legal in-place
// mutation is a Run's delete bit" concurrency guarantee.
func (t *Tree) deleteTagged(key, val []byte) error {
	t.levelsMu.RLock()
	for _, lvl := range t.levels {
		if lvl.DeleteRecord(key, val) {
			t.levelsMu.RUnlock()
			return nil
		}
	}
	t.levelsMu.RUnlock()

	rec := Record{Key: key, Value: val}
	rec.setTombstone()
	return t.appendRecord(rec)
}

// flushMemtable builds a Run from the active memtable and installs it
// at level 0 via mergeDown, evacuating level 0's existing runs first
// if needed (LsmTree.h's merge_memtable / merge_down /
// merge_memtable_into_l0), run synchronously since there is no
// background compactor here.
func (t *Tree) flushMemtable() error {
	if t.memtable.GetRecordCount() == 0 {
		return nil
	}

	bloom := newTombstoneFilter(t.memtable.GetTombstoneCount()+1, t.cfg.BloomFalsePositiveRate)
	run := newRunFromMemtable(t.memtable, bloom)

	if err := t.mergeDown(run, bloom); err != nil {
		return err
	}

	t.memtable.Truncate()
	if t.wal != nil {
		if err := t.wal.Truncate(); err != nil {
			return err
		}
	}
	if err := t.enforceTombstoneMaximum(); err != nil {
		return err
	}
	if t.cfg.ValidateInvariants {
		return t.ValidateTombstoneOrdering()
	}
	return nil
}

// mergeDown installs run in level 0, following whichever "can absorb"
// rule Config.Leveling selects (spec §4.4 step 1): tiering installs
// run as its own standalone entry, evacuating level 0's existing runs
// down first only if its run budget (Config.runCap()) is exhausted;
// leveling always merges run into level 0's single resident run (if
// any) and keeps the result at level 0 only if it still fits
// Config.levelCapacity(0), cascading further down otherwise.
func (t *Tree) mergeDown(run *Run, bloom *tombstoneFilter) error {
	t.levelsMu.Lock()
	defer t.levelsMu.Unlock()

	if t.cfg.Leveling {
		return t.mergeDownLeveling(0, run, bloom)
	}

	// Tiering: mirrors LsmTree.h's two-phase merge_memtable.
	// merge_down(0) first clears room by cascading level 0's *existing*
	// runs into level 1 (and further down if needed), then
	// merge_memtable_into_l0 installs the fresh flush as its own run —
	// never folded into whatever was just evicted, so level 0 keeps
	// accumulating up to Config.ScaleFactor runs before any of them
	// merge.
	if len(t.levels) == 0 {
		t.levels = append(t.levels, newLevel(t.cfg.runCap()))
	}
	if t.levels[0].IsFull() {
		if err := t.cascadeLevel(0); err != nil {
			return err
		}
	}
	t.levels[0].AppendRun(run, bloom)
	return nil
}

// mergeDownLeveling installs run at levels[idx] under Config.Leveling:
// it merges run into whatever single run already occupies the level
// (leveling never holds more than Config.runCap()==1 resident run),
// and keeps the merged result there if its record count still fits
// Config.levelCapacity(idx) = MemtableCapacity*ScaleFactor^(idx+1)
// (spec §3/§4.4's leveling "can absorb" rule); otherwise it recurses
// one level further down with the merged result as the new incoming
// run, growing a new level on demand.
func (t *Tree) mergeDownLeveling(idx int, run *Run, bloom *tombstoneFilter) error {
	if idx >= len(t.levels) {
		t.levels = append(t.levels, newLevel(t.cfg.runCap()))
	}
	lvl := t.levels[idx]

	runs, _ := lvl.VacateAll()
	merged, mergedBloom := run, bloom
	if len(runs) > 0 {
		runs = append(runs, run)
		tombstones := 1
		for _, r := range runs {
			tombstones += r.TombstoneCount()
		}
		mergedBloom = newTombstoneFilter(tombstones, t.cfg.BloomFalsePositiveRate)
		merged = newRunFromMerge(runs, mergedBloom)
	}

	if merged.RecordCount() <= t.cfg.levelCapacity(idx) {
		lvl.AppendRun(merged, mergedBloom)
		return nil
	}
	return t.mergeDownLeveling(idx+1, merged, mergedBloom)
}

// cascadeLevel evacuates every run resident in levels[idx], merges
// them into a single run, and installs that merged run in
// levels[idx+1] — growing a new level on demand and recursing if
// idx+1 is itself already full. This is tiering's merge_down(level)
// from LsmTree.h: the run-slot-budget cascade shared by the
// fresh-flush path (mergeDown) and the correctness-bound enforcement
// paths (enforceTombstoneMaximum, enforceRejectionRatio) when
// Config.Leveling is false. Leveling mode uses mergeDownLeveling
// instead, since its "can absorb" rule is record-count based, not
// run-slot based.
func (t *Tree) cascadeLevel(idx int) error {
	runs, _ := t.levels[idx].VacateAll()
	if len(runs) == 0 {
		return nil
	}

	tombstones := 1
	for _, r := range runs {
		tombstones += r.TombstoneCount()
	}
	mergedBloom := newTombstoneFilter(tombstones, t.cfg.BloomFalsePositiveRate)
	merged := newRunFromMerge(runs, mergedBloom)

	if idx+1 >= len(t.levels) {
		t.levels = append(t.levels, newLevel(t.cfg.runCap()))
	}
	if t.levels[idx+1].IsFull() {
		if err := t.cascadeLevel(idx + 1); err != nil {
			return err
		}
	}
	t.levels[idx+1].AppendRun(merged, mergedBloom)
	return nil
}

// enforceTombstoneMaximum checks each level's tombstone count divided
// by its capacity (Config.levelCapacity) against
// Config.MaxTombstoneProportion and forces that
// level to merge into the next if it's exceeded (spec §4.3). Unlike a
// run-budget cascade this is a correctness bound, not a capacity one:
// it fires even on a level that still has free run slots.
func (t *Tree) enforceTombstoneMaximum() error {
	t.levelsMu.Lock()
	defer t.levelsMu.Unlock()

	for level := 0; level < len(t.levels); level++ {
		lvl := t.levels[level]
		recs := lvl.RecordCount()
		if recs == 0 {
			continue
		}
		proportion := float64(lvl.TombstoneCount()) / float64(t.cfg.levelCapacity(level))
		if proportion <= t.cfg.MaxTombstoneProportion {
			continue
		}

		if t.cfg.Leveling {
			runs, blooms := lvl.VacateAll()
			if len(runs) == 0 {
				continue
			}
			if err := t.mergeDownLeveling(level+1, runs[0], blooms[0]); err != nil {
				return err
			}
			continue
		}
		if err := t.cascadeLevel(level); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTombstoneProportion reports whether every level currently
// satisfies Config.MaxTombstoneProportion; exposed for tests and for
// callers that want to assert the invariant rather than merely rely
// on enforceTombstoneMaximum having run.
func (t *Tree) ValidateTombstoneProportion() bool {
	t.levelsMu.RLock()
	defer t.levelsMu.RUnlock()
	for i, lvl := range t.levels {
		recs := lvl.RecordCount()
		if recs == 0 {
			continue
		}
		if float64(lvl.TombstoneCount())/float64(t.cfg.levelCapacity(i)) > t.cfg.MaxTombstoneProportion {
			return false
		}
	}
	return true
}

// ValidateTombstoneOrdering performs the full scan spec §8 calls
// "checkable by full scan after every compaction": for every distinct
// (key, value) pair observed across the memtable and every level, it
// finds the shallowest level holding a live occurrence and the
// deepest level holding a tombstone occurrence, and reports an
// InvariantError if a tombstone exists strictly deeper than a live
// record it matches — spec §4's tombstone-ordering invariant says this
// must never happen, since a tombstone may only shadow records in
// runs older (deeper) than itself, never ones newer. The memtable is
// level -1, always shallower than every on-disk level.
func (t *Tree) ValidateTombstoneOrdering() error {
	t.levelsMu.RLock()
	defer t.levelsMu.RUnlock()

	type recKey struct{ key, val string }
	minLiveLevel := make(map[recKey]int)
	maxTombLevel := make(map[recKey]int)

	observe := func(level int, rec *Record) {
		rk := recKey{key: string(rec.Key), val: string(rec.Value)}
		if rec.IsTombstone() {
			if cur, ok := maxTombLevel[rk]; !ok || level > cur {
				maxTombLevel[rk] = level
			}
			return
		}
		if cur, ok := minLiveLevel[rk]; !ok || level < cur {
			minLiveLevel[rk] = level
		}
	}

	for _, rec := range t.memtable.SortedOutput() {
		rec := rec
		observe(-1, &rec)
	}
	for levelIdx, lvl := range t.levels {
		for _, run := range lvl.Runs() {
			for i := 0; i < run.RecordCount(); i++ {
				observe(levelIdx, run.GetAt(i))
			}
		}
	}

	for rk, liveLevel := range minLiveLevel {
		if tombLevel, ok := maxTombLevel[rk]; ok && tombLevel > liveLevel {
			return &InvariantError{
				Level: tombLevel,
				Msg: fmt.Sprintf("tombstone for key %q found at level %d, deeper than a live record of the same (key, value) at level %d",
					rk.key, tombLevel, liveLevel),
			}
		}
	}
	return nil
}

func (t *Tree) GetRecordCnt() int {
	n := t.memtable.GetRecordCount()
	t.levelsMu.RLock()
	defer t.levelsMu.RUnlock()
	for _, lvl := range t.levels {
		n += lvl.RecordCount()
	}
	return n
}

func (t *Tree) GetTombstoneCnt() int {
	n := t.memtable.GetTombstoneCount()
	t.levelsMu.RLock()
	defer t.levelsMu.RUnlock()
	for _, lvl := range t.levels {
		n += lvl.TombstoneCount()
	}
	return n
}

func (t *Tree) GetHeight() int {
	t.levelsMu.RLock()
	defer t.levelsMu.RUnlock()
	return len(t.levels)
}

func (t *Tree) GetMemoryUtilization() int {
	n := t.memtable.GetMemoryUtilization()
	t.levelsMu.RLock()
	defer t.levelsMu.RUnlock()
	for _, lvl := range t.levels {
		n += lvl.MemoryUtilization()
	}
	return n
}

func (t *Tree) GetAuxMemoryUtilization() int {
	n := t.memtable.GetAuxMemoryUtilization()
	t.levelsMu.RLock()
	defer t.levelsMu.RUnlock()
	for _, lvl := range t.levels {
		n += lvl.AuxMemoryUtilization()
	}
	return n
}

func (t *Tree) GetMemtableCapacity() int { return t.memtable.GetCapacity() }

// snapshotLevels returns a copy of the level vector (the memtable is
// not included), taken under a single read lock so a sampling call
// works from one list of levels for its whole rejection loop (spec
// §4.1: "a range_sample call operates against the state visible at
// the moment it starts").
func (t *Tree) snapshotLevels() []*Level {
	t.levelsMu.RLock()
	defer t.levelsMu.RUnlock()
	out := make([]*Level, len(t.levels))
	copy(out, t.levels)
	return out
}
