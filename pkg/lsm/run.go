package lsm

import (
	"bytes"
	"container/heap"
	"math/rand"
	"sync"
)

// isamNodeFanout and isamLeafFanout stand in for the original's
// cache-line-sized (256 byte) ISAM node: inmem_isam_node_size /
// sizeof(key_t/child-ptr) and inmem_isam_node_size / sizeof(record_t)
// respectively (original_source/include/lsm/InMemRun.h). Go records
// are variable-width ([]byte key/value), so there is no sizeof to
// divide by; these are simply configured to a realistic fanout for a
// byte-key workload instead.
const (
	isamNodeFanout = 32
	isamLeafFanout = 64
)

// isamNode is one block of the internal ISAM directory: up to
// isamNodeFanout (separator key, child index) pairs. At the leaf
// level, child indexes point directly into Run.records (grouped in
// isamLeafFanout-sized runs); at every level above, they index into
// the node slice one level down.
type isamNode struct {
	keys  [][]byte
	child []int
	count int
}

// maxKey is the node's own upper bound — the last filled separator,
// used by the level above when (unlike the original, which reads a
// fixed keys[fanout-1] slot even when a node is only partially
// filled) building its own separator for this child.
func (n *isamNode) maxKey() []byte {
	return n.keys[n.count-1]
}

// Run is an immutable, sorted record array plus the ISAM directory
// that answers LowerBound/UpperBound in O(log n) and a tombstone bloom
// filter. Grounded on original_source/include/lsm/InMemRun.h.
type Run struct {
	records        []Record
	levels         [][]isamNode // levels[0] = leaf level, levels[len-1] = root (len(levels[last])==1)
	tombstoneCount int
	deletedCount   int

	sampleCacheMu  sync.Mutex
	sampleCacheLo  []byte
	sampleCacheHi  []byte
	sampleCacheLow int
	sampleCacheHi_ int
	sampleAlias    *alias
}

// newRunFromMemtable builds a Run from a single memtable's sorted
// output, cancelling any adjacent live-record/tombstone pair the way
// original_source's InMemRun(MemTable*, BloomFilter*) constructor
// does (recordLess already sorts a live record immediately before its
// matching tombstone, so adjacency in sorted order is exactly the
// cancellation condition the original relies on).
func newRunFromMemtable(mt memtable, bf *tombstoneFilter) *Run {
	sorted := mt.SortedOutput()
	out := make([]Record, 0, len(sorted))
	for i := 0; i < len(sorted); i++ {
		rec := sorted[i]
		if !rec.IsTombstone() && i+1 < len(sorted) &&
			rec.match(sorted[i+1].Key, sorted[i+1].Value) && sorted[i+1].IsTombstone() {
			i++ // cancel both
			continue
		}
		out = append(out, rec)
		if rec.IsTombstone() && bf != nil {
			bf.Add(rec.Key)
		}
	}
	return buildRun(out)
}

// mergeCursor walks one input run's sorted records during a k-way
// merge, the Go-idiomatic replacement for the original's hand-rolled
// Cursor/PriorityQueue pair (see DESIGN.md).
type mergeCursor struct {
	records []Record
	pos     int
}

func (c *mergeCursor) rec() *Record { return &c.records[c.pos] }

type mergeHeap []*mergeCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return recordLess(h[i].rec(), h[j].rec())
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeCursor)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// newRunFromMerge builds a Run from the k-way merge of runs, applying
// the same adjacency cancellation rule as newRunFromMemtable across
// cursors. Grounded on InMemRun.h's two-argument constructor; the
// PriorityQueue.peek(0)/peek(1) pattern there is realized here with
// container/heap (pop the minimum, peek the new minimum, decide).
func newRunFromMerge(runs []*Run, bf *tombstoneFilter) *Run {
	h := &mergeHeap{}
	for _, r := range runs {
		if r != nil && len(r.records) > 0 {
			heap.Push(h, &mergeCursor{records: r.records, pos: 0})
		}
	}

	var totalLen int
	for _, r := range runs {
		if r != nil {
			totalLen += len(r.records)
		}
	}
	out := make([]Record, 0, totalLen)

	advance := func(c *mergeCursor) {
		c.pos++
		if c.pos < len(c.records) {
			heap.Push(h, c)
		}
	}

	for h.Len() > 0 {
		cur := heap.Pop(h).(*mergeCursor)
		curRec := *cur.rec()

		if h.Len() > 0 {
			next := (*h)[0]
			nextRec := next.rec()
			if !curRec.IsTombstone() && curRec.match(nextRec.Key, nextRec.Value) && nextRec.IsTombstone() {
				heap.Pop(h) // remove next from the heap too
				advance(cur)
				advance(next)
				continue
			}
		}

		out = append(out, curRec)
		if curRec.IsTombstone() && bf != nil {
			bf.Add(curRec.Key)
		}
		advance(cur)
	}

	return buildRun(out)
}

func buildRun(records []Record) *Run {
	r := &Run{records: records}
	for _, rec := range records {
		if rec.IsTombstone() {
			r.tombstoneCount++
		}
	}
	if len(records) > 0 {
		r.buildIndex()
	}
	return r
}

// buildIndex constructs the ISAM directory bottom-up: every
// isamLeafFanout consecutive records form one leaf group, every
// isamNodeFanout consecutive groups (or child nodes, one level up)
// form one node, until a single root remains.
func (r *Run) buildIndex() {
	var leaf []isamNode
	base := 0
	for base < len(r.records) {
		var node isamNode
		for i := 0; i < isamNodeFanout; i++ {
			recPtr := base + isamLeafFanout*i
			if recPtr >= len(r.records) {
				break
			}
			sepIdx := recPtr + isamLeafFanout - 1
			if sepIdx >= len(r.records) {
				sepIdx = len(r.records) - 1
			}
			node.keys = append(node.keys, r.records[sepIdx].Key)
			node.child = append(node.child, recPtr)
			node.count++
		}
		leaf = append(leaf, node)
		base += node.count * isamLeafFanout
	}

	levels := [][]isamNode{leaf}
	cur := leaf
	for len(cur) > 1 {
		var next []isamNode
		i := 0
		for i < len(cur) {
			var node isamNode
			for j := 0; j < isamNodeFanout && i < len(cur); j++ {
				node.keys = append(node.keys, cur[i].maxKey())
				node.child = append(node.child, i)
				node.count++
				i++
			}
			next = append(next, node)
		}
		levels = append(levels, next)
		cur = next
	}
	r.levels = levels
}

// descend walks the ISAM directory from the root to a leaf group,
// returning the record-array index that group starts at. strict
// selects the upper_bound descent rule (key < separator) instead of
// the lower_bound one (key <= separator), per InMemRun.h's two
// descent variants.
func (r *Run) descend(key []byte, strict bool) int {
	levelIdx := len(r.levels) - 1
	pos := 0
	for levelIdx > 0 {
		node := &r.levels[levelIdx][pos]
		pos = node.child[selectChild(node, key, strict)]
		levelIdx--
	}
	node := &r.levels[0][pos]
	return node.child[selectChild(node, key, strict)]
}

func selectChild(node *isamNode, key []byte, strict bool) int {
	for i := 0; i < node.count; i++ {
		c := bytes.Compare(key, node.keys[i])
		if (strict && c < 0) || (!strict && c <= 0) {
			return i
		}
	}
	return node.count - 1
}

// LowerBound returns the index of the first record with key >= key.
func (r *Run) LowerBound(key []byte) int {
	if len(r.records) == 0 {
		return 0
	}
	start := r.descend(key, false)
	idx := start
	for idx < len(r.records) && bytes.Compare(r.records[idx].Key, key) < 0 {
		idx++
	}
	return idx
}

// UpperBound returns the index of the first record with key > key.
func (r *Run) UpperBound(key []byte) int {
	if len(r.records) == 0 {
		return 0
	}
	start := r.descend(key, true)
	idx := start
	for idx < len(r.records) && bytes.Compare(r.records[idx].Key, key) <= 0 {
		idx++
	}
	return idx
}

// GetAt is an O(1) indexed access into the sorted record array.
func (r *Run) GetAt(idx int) *Record {
	if idx < 0 || idx >= len(r.records) {
		return nil
	}
	return &r.records[idx]
}

func (r *Run) RecordCount() int     { return len(r.records) }
func (r *Run) TombstoneCount() int  { return r.tombstoneCount }
func (r *Run) DeletedCount() int    { return r.deletedCount }

// CheckTombstone probes for a tombstone matching (key, val): bloom
// gate, then LowerBound, then a forward scan stopping at the first
// key greater than the target (spec §9 open question: "sufficient
// under sort invariants").
func (r *Run) CheckTombstone(bf *tombstoneFilter, key, val []byte) bool {
	if bf != nil && !bf.MayContain(key) {
		return false
	}
	idx := r.LowerBound(key)
	for idx < len(r.records) && bytes.Compare(r.records[idx].Key, key) == 0 {
		if r.records[idx].match(key, val) && r.records[idx].IsTombstone() {
			return true
		}
		idx++
	}
	return false
}

// DeleteRecord implements tagged deletion: LowerBound to the matching
// record, then flip its delete bit in place — the only legal in-place
// mutation of a Run (spec §4.2, §5).
func (r *Run) DeleteRecord(key, val []byte) bool {
	idx := r.LowerBound(key)
	for idx < len(r.records) && bytes.Compare(r.records[idx].Key, key) == 0 {
		if r.records[idx].match(key, val) && !r.records[idx].IsDeleted() {
			r.records[idx].setDeleted()
			r.deletedCount++
			return true
		}
		idx++
	}
	return false
}

// MemoryUtilization approximates the original's
// reccnt*sizeof(record_t) + internal_node_cnt*node_size.
func (r *Run) MemoryUtilization() int {
	nodeCount := 0
	for _, lvl := range r.levels {
		nodeCount += len(lvl)
	}
	return len(r.records)*recordOverheadBytes + nodeCount*isamNodeFanout*8
}

// SampleRange is the run's WIRS primitive (spec §4.2): locate the
// [lo, hi] segment via LowerBound/UpperBound, build (or reuse a cached)
// alias over the segment's weights, draw n candidates, and validate
// each. The cache covers only the exact (lo, hi) of the previous call,
// matching the simplicity of the original's per-range alias build
// without adding a general-purpose cache eviction policy nothing in
// the spec calls for.
func (r *Run) SampleRange(lo, hi []byte, n int, rng *rand.Rand, validate func(*Record) bool) []Record {
	start := r.LowerBound(lo)
	stop := r.UpperBound(hi)
	if stop <= start {
		return nil
	}

	a := r.aliasFor(lo, hi, start, stop)

	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		idx := start + a.get(rng)
		cand := r.records[idx]
		if validate == nil || validate(&cand) {
			out = append(out, cand)
		}
	}
	return out
}

func (r *Run) aliasFor(lo, hi []byte, start, stop int) *alias {
	r.sampleCacheMu.Lock()
	defer r.sampleCacheMu.Unlock()

	if r.sampleAlias != nil && bytes.Equal(r.sampleCacheLo, lo) && bytes.Equal(r.sampleCacheHi, hi) {
		return r.sampleAlias
	}

	weights := make([]float64, stop-start)
	for i := range weights {
		weights[i] = r.records[start+i].weight()
	}
	a := buildAlias(weights)

	r.sampleCacheLo = lo
	r.sampleCacheHi = hi
	r.sampleCacheLow = start
	r.sampleCacheHi_ = stop
	r.sampleAlias = a
	return a
}

// UniformIndexRange returns [LowerBound(lo), UpperBound(hi)) for the
// uniform variant, which draws a plain random index in that range
// rather than going through the weighted alias path.
func (r *Run) UniformIndexRange(lo, hi []byte) (start, stop int) {
	return r.LowerBound(lo), r.UpperBound(hi)
}
