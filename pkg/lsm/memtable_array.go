package lsm

import (
	"math/rand"
	"sort"
	"sync/atomic"
)

// arrayMemtable is the uniform variant's memtable: a preallocated
// append buffer with an atomically reserved tail, grounded on
// original_source/include/lsm/MemTable.h. Append reserves a slot with
// a fetch-add on the tail counter and writes the record afterward, so
// concurrent appenders never corrupt another writer's slot; a record
// becomes visible to readers only once its ready bit is set, mirroring
// the header's "un-finalized slots are invalid" discipline (spec §4.1
// concurrency paragraph).
type arrayMemtable struct {
	capacity          int
	tombstoneCapacity int
	bfFPRate          float64

	data  []Record
	ready []atomic.Bool

	tail          atomic.Int64 // slots reserved so far (may run ahead of reccnt)
	reccnt        atomic.Int64 // slots finalized so far
	tombstonecnt  atomic.Int64
	tombstoneBloom *tombstoneFilter
}

func newArrayMemtable(capacity, tombstoneCapacity int, bfFPRate float64) *arrayMemtable {
	m := &arrayMemtable{
		capacity:          capacity,
		tombstoneCapacity: tombstoneCapacity,
		bfFPRate:          bfFPRate,
		data:              make([]Record, capacity),
		ready:             make([]atomic.Bool, capacity),
	}
	if tombstoneCapacity > 0 {
		m.tombstoneBloom = newTombstoneFilter(tombstoneCapacity, bfFPRate)
	}
	return m
}

func (m *arrayMemtable) Append(rec Record) error {
	if rec.IsTombstone() && int(m.tombstonecnt.Load())+1 > m.tombstoneCapacity {
		return ErrFull
	}

	slot := m.tail.Add(1) - 1
	if slot >= int64(m.capacity) {
		return ErrFull
	}

	m.data[slot] = rec
	m.ready[slot].Store(true)

	if rec.IsTombstone() {
		m.tombstonecnt.Add(1)
		if m.tombstoneBloom != nil {
			m.tombstoneBloom.Add(rec.Key)
		}
	}
	m.reccnt.Add(1)
	return nil
}

func (m *arrayMemtable) Truncate() {
	m.tail.Store(0)
	m.reccnt.Store(0)
	m.tombstonecnt.Store(0)
	for i := range m.ready {
		m.ready[i].Store(false)
	}
	if m.tombstoneBloom != nil {
		m.tombstoneBloom.Clear()
	}
}

// liveRegion returns the finalized prefix of m.data, skipping any
// reserved-but-not-yet-written trailing slots.
func (m *arrayMemtable) liveRegion() []Record {
	n := int(m.reccnt.Load())
	if n > len(m.data) {
		n = len(m.data)
	}
	out := make([]Record, 0, n)
	for i := 0; i < len(m.data) && len(out) < n; i++ {
		if m.ready[i].Load() {
			out = append(out, m.data[i])
		}
	}
	return out
}

func (m *arrayMemtable) CheckTombstone(key, val []byte) bool {
	if m.tombstoneBloom != nil && !m.tombstoneBloom.MayContain(key) {
		return false
	}
	for i := 0; i < len(m.data); i++ {
		if !m.ready[i].Load() {
			continue
		}
		rec := &m.data[i]
		if rec.IsTombstone() && rec.match(key, val) {
			return true
		}
	}
	return false
}

func (m *arrayMemtable) SortedOutput() []Record {
	out := m.liveRegion()
	sort.Slice(out, func(i, j int) bool { return recordLess(&out[i], &out[j]) })
	return out
}

func (m *arrayMemtable) GetRecordCount() int     { return int(m.reccnt.Load()) }
func (m *arrayMemtable) GetTombstoneCount() int  { return int(m.tombstonecnt.Load()) }
func (m *arrayMemtable) GetCapacity() int        { return m.capacity }
func (m *arrayMemtable) IsFull() bool            { return int(m.reccnt.Load()) >= m.capacity }
func (m *arrayMemtable) GetTotalWeight() float64 { return float64(m.GetRecordCount()) }

func (m *arrayMemtable) GetMemoryUtilization() int {
	return m.capacity * recordOverheadBytes
}

func (m *arrayMemtable) GetAuxMemoryUtilization() int {
	if m.tombstoneBloom == nil {
		return 0
	}
	buf, err := m.tombstoneBloom.WriteToBuffer()
	if err != nil {
		return 0
	}
	return len(buf)
}

// RecordAt indexes directly into the finalized prefix; used by the
// controller's in-memtable rejection sampling path.
func (m *arrayMemtable) RecordAt(idx int) *Record {
	n := int(m.reccnt.Load())
	if idx < 0 || idx >= n || idx >= len(m.data) {
		return nil
	}
	return &m.data[idx]
}

// DeleteRecord scans the live region for a matching record and flips
// its delete bit in place.
func (m *arrayMemtable) DeleteRecord(key, val []byte) bool {
	for i := 0; i < len(m.data); i++ {
		if !m.ready[i].Load() {
			continue
		}
		rec := &m.data[i]
		if rec.match(key, val) && !rec.IsDeleted() {
			rec.setDeleted()
			return true
		}
	}
	return false
}

// SampleWeighted is unused by the uniform variant (the controller
// uses RecordAt + a uniform index draw instead) but is kept on the
// interface so callers need no type switch; it degenerates to a
// uniform draw over the bound segment.
func (m *arrayMemtable) SampleWeighted(lo, hi []byte, n int, rng *rand.Rand, validate func(*Record) bool) []Record {
	live := m.liveRegion()
	var inRange []Record
	for _, r := range live {
		if keyInRange(r.Key, lo, hi) {
			inRange = append(inRange, r)
		}
	}
	if len(inRange) == 0 {
		return nil
	}
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		cand := inRange[rng.Intn(len(inRange))]
		if validate == nil || validate(&cand) {
			out = append(out, cand)
		}
	}
	return out
}

// recordOverheadBytes approximates per-slot memory cost the way the
// teacher's memEntryOverhead approximates skiplist boxing/GC overhead.
const recordOverheadBytes = 48
