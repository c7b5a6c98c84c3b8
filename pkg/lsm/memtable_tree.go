package lsm

import (
	"bytes"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/huandu/skiplist"
)

// addWeightBits/loadWeightBits let a running float64 total be kept in
// an atomic.Int64 (its bit pattern) without a dedicated mutex, via a
// standard compare-and-swap retry loop.
func addWeightBits(total *atomic.Int64, delta float64) {
	for {
		old := total.Load()
		next := math.Float64bits(math.Float64frombits(uint64(old)) + delta)
		if total.CompareAndSwap(old, int64(next)) {
			return
		}
	}
}

func loadWeightBits(total *atomic.Int64) float64 {
	return math.Float64frombits(uint64(total.Load()))
}

// treeOrdKey orders entries by key ascending, then by insertion
// sequence ascending, generalizing the teacher's internalOrdKey
// (userKey asc, seq desc) to the weighted variant's needs: there is no
// MVCC sequence here, only a stable insertion order for entries that
// share a key.
type treeOrdKey struct {
	key []byte
	seq uint64
}

func compareTreeOrdKey(a, b interface{}) int {
	ka := a.(treeOrdKey)
	kb := b.(treeOrdKey)
	if c := bytes.Compare(ka.key, kb.key); c != 0 {
		return c
	}
	if ka.seq < kb.seq {
		return -1
	}
	if ka.seq > kb.seq {
		return 1
	}
	return 0
}

// treeMemtable is the weighted variant's memtable: a huandu/skiplist
// ordered by key, supporting weighted range sampling directly rather
// than the uniform variant's flat-array + rejection-by-index draw.
// Grounded on the teacher's memtable.go (skiplist, GreaterThanFunc
// comparator) and original_source/include/lsm/MemTableBTree.h's
// balanced-tree contract.
type treeMemtable struct {
	mu   sync.RWMutex
	list *skiplist.SkipList

	capacity          int
	tombstoneCapacity int

	reccnt       atomic.Int64
	tombstonecnt atomic.Int64
	totalWeight  atomic.Int64 // bits of a float64, see weight helpers
	seq          atomic.Uint64

	tombstoneBloom *tombstoneFilter
}

func newTreeMemtable(capacity, tombstoneCapacity int, bfFPRate float64) *treeMemtable {
	m := &treeMemtable{
		list:              skiplist.New(skiplist.GreaterThanFunc(compareTreeOrdKey)),
		capacity:          capacity,
		tombstoneCapacity: tombstoneCapacity,
	}
	if tombstoneCapacity > 0 {
		m.tombstoneBloom = newTombstoneFilter(tombstoneCapacity, bfFPRate)
	}
	return m
}

func (m *treeMemtable) Append(rec Record) error {
	if rec.IsTombstone() && int(m.tombstonecnt.Load())+1 > m.tombstoneCapacity {
		return ErrFull
	}
	if int(m.reccnt.Load()) >= m.capacity {
		return ErrFull
	}

	seq := m.seq.Add(1)

	m.mu.Lock()
	m.list.Set(treeOrdKey{key: rec.Key, seq: seq}, rec)
	m.mu.Unlock()

	if rec.IsTombstone() {
		m.tombstonecnt.Add(1)
		if m.tombstoneBloom != nil {
			m.tombstoneBloom.Add(rec.Key)
		}
	}
	m.reccnt.Add(1)
	addWeightBits(&m.totalWeight, rec.weight())
	return nil
}

func (m *treeMemtable) Truncate() {
	m.mu.Lock()
	m.list = skiplist.New(skiplist.GreaterThanFunc(compareTreeOrdKey))
	m.mu.Unlock()

	m.reccnt.Store(0)
	m.tombstonecnt.Store(0)
	m.totalWeight.Store(0)
	if m.tombstoneBloom != nil {
		m.tombstoneBloom.Clear()
	}
}

func (m *treeMemtable) CheckTombstone(key, val []byte) bool {
	if m.tombstoneBloom != nil && !m.tombstoneBloom.MayContain(key) {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for e := m.list.Front(); e != nil; e = e.Next() {
		rec := e.Value.(Record)
		if rec.IsTombstone() && rec.match(key, val) {
			return true
		}
	}
	return false
}

func (m *treeMemtable) SortedOutput() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, m.list.Len())
	for e := m.list.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Record))
	}
	sort.Slice(out, func(i, j int) bool { return recordLess(&out[i], &out[j]) })
	return out
}

func (m *treeMemtable) GetRecordCount() int    { return int(m.reccnt.Load()) }
func (m *treeMemtable) GetTombstoneCount() int { return int(m.tombstonecnt.Load()) }
func (m *treeMemtable) GetCapacity() int       { return m.capacity }
func (m *treeMemtable) IsFull() bool           { return int(m.reccnt.Load()) >= m.capacity }

func (m *treeMemtable) GetTotalWeight() float64 {
	return loadWeightBits(&m.totalWeight)
}

func (m *treeMemtable) GetMemoryUtilization() int {
	return m.capacity * recordOverheadBytes
}

func (m *treeMemtable) GetAuxMemoryUtilization() int {
	if m.tombstoneBloom == nil {
		return 0
	}
	buf, err := m.tombstoneBloom.WriteToBuffer()
	if err != nil {
		return 0
	}
	return len(buf)
}

// RecordAt is unused by the weighted variant (the controller draws
// via SampleWeighted instead) but kept on the interface to avoid a
// type switch in the sampling path; it falls back to a linear walk.
func (m *treeMemtable) RecordAt(idx int) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := 0
	for e := m.list.Front(); e != nil; e = e.Next() {
		if i == idx {
			rec := e.Value.(Record)
			return &rec
		}
		i++
	}
	return nil
}

// DeleteRecord scans for a matching live record and flips its delete
// bit in place via the skiplist element's Value field, since Record is
// stored by value and an in-place pointer mutation would not persist.
func (m *treeMemtable) DeleteRecord(key, val []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.list.Front(); e != nil; e = e.Next() {
		rec := e.Value.(Record)
		if rec.match(key, val) && !rec.IsDeleted() {
			rec.setDeleted()
			e.Value = rec
			return true
		}
	}
	return false
}

// SampleWeighted builds an alias over the segment's weights and draws
// n candidates from it, validating each. A linear scan collects the
// segment (the teacher's own create_sampling_vector takes the same
// approach over its array memtable); memtables are capacity-bounded,
// so this stays cheap relative to the run-level WIRS primitive that
// handles the large, persistent part of the key space.
func (m *treeMemtable) SampleWeighted(lo, hi []byte, n int, rng *rand.Rand, validate func(*Record) bool) []Record {
	m.mu.RLock()
	var segment []Record
	var weights []float64
	for e := m.list.Front(); e != nil; e = e.Next() {
		rec := e.Value.(Record)
		if keyInRange(rec.Key, lo, hi) {
			segment = append(segment, rec)
			weights = append(weights, rec.weight())
		}
	}
	m.mu.RUnlock()

	if len(segment) == 0 {
		return nil
	}

	a := buildAlias(weights)
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		cand := segment[a.get(rng)]
		if validate == nil || validate(&cand) {
			out = append(out, cand)
		}
	}
	return out
}
