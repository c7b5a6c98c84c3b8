package lsm

import (
	"math/rand"
	"sort"
	"testing"
)

func recs(keys ...string) []Record {
	out := make([]Record, len(keys))
	for i, k := range keys {
		out[i] = Record{Key: []byte(k), Value: []byte("v")}
	}
	return out
}

func TestBuildRunLowerUpperBound(t *testing.T) {
	r := buildRun(recs("a", "c", "e", "g", "i"))

	if idx := r.LowerBound([]byte("e")); idx != 2 {
		t.Fatalf("LowerBound(e) = %d, want 2", idx)
	}
	if idx := r.LowerBound([]byte("d")); idx != 2 {
		t.Fatalf("LowerBound(d) = %d, want 2 (first key >= d)", idx)
	}
	if idx := r.LowerBound([]byte("z")); idx != 5 {
		t.Fatalf("LowerBound(z) = %d, want 5 (past the end)", idx)
	}
	if idx := r.UpperBound([]byte("e")); idx != 3 {
		t.Fatalf("UpperBound(e) = %d, want 3", idx)
	}
	if idx := r.UpperBound([]byte("a")); idx != 1 {
		t.Fatalf("UpperBound(a) = %d, want 1", idx)
	}
}

func TestBuildRunIndexAcrossManyLeafGroups(t *testing.T) {
	// large enough to force multiple leaf groups and an internal level.
	n := isamLeafFanout*isamNodeFanout*2 + 17
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = string(rune('a')) + string(rune(i%26+'a')) + string(rune((i/26)%26+'a'))
	}
	records := make([]Record, n)
	for i, k := range keys {
		records[i] = Record{Key: []byte(k), Value: []byte("v")}
	}
	sort.Slice(records, func(i, j int) bool { return recordLess(&records[i], &records[j]) })

	r := buildRun(records)
	if len(r.levels) < 2 {
		t.Fatalf("expected multiple ISAM levels for %d records, got %d", n, len(r.levels))
	}

	for i, rec := range r.records {
		idx := r.LowerBound(rec.Key)
		if idx > i {
			t.Fatalf("LowerBound(%q) = %d, want <= %d", rec.Key, idx, i)
		}
	}
}

func TestNewRunFromMemtableCancelsAdjacentTombstone(t *testing.T) {
	m := newArrayMemtable(10, 10, 0.01)
	if err := m.Append(Record{Key: []byte("a"), Value: []byte("v")}); err != nil {
		t.Fatalf("Append live: %v", err)
	}
	tomb := Record{Key: []byte("a"), Value: []byte("v")}
	tomb.setTombstone()
	if err := m.Append(tomb); err != nil {
		t.Fatalf("Append tombstone: %v", err)
	}
	if err := m.Append(Record{Key: []byte("b"), Value: []byte("v")}); err != nil {
		t.Fatalf("Append other: %v", err)
	}

	r := newRunFromMemtable(m, nil)
	if r.RecordCount() != 1 {
		t.Fatalf("RecordCount = %d, want 1 (the cancelled pair should vanish)", r.RecordCount())
	}
	if string(r.records[0].Key) != "b" {
		t.Fatalf("surviving record key = %q, want b", r.records[0].Key)
	}
}

func TestNewRunFromMergeCancelsAcrossInputs(t *testing.T) {
	run1 := buildRun(recs("a", "c"))
	tomb := Record{Key: []byte("c"), Value: []byte("v")}
	tomb.setTombstone()
	run2 := buildRun([]Record{{Key: []byte("b"), Value: []byte("v")}, tomb})

	merged := newRunFromMerge([]*Run{run1, run2}, nil)
	for _, rec := range merged.records {
		if string(rec.Key) == "c" {
			t.Fatalf("key c should have been cancelled by its tombstone in the merge, found %+v", rec)
		}
	}
	if merged.RecordCount() != 2 {
		t.Fatalf("RecordCount = %d, want 2 (a, b)", merged.RecordCount())
	}
}

func TestRunDeleteRecordTagsInPlace(t *testing.T) {
	r := buildRun(recs("a", "b", "c"))
	if !r.DeleteRecord([]byte("b"), []byte("v")) {
		t.Fatalf("DeleteRecord returned false for a live match")
	}
	rec := r.GetAt(r.LowerBound([]byte("b")))
	if !rec.IsDeleted() {
		t.Fatalf("record b was not tagged deleted")
	}
	if r.DeleteRecord([]byte("b"), []byte("v")) {
		t.Fatalf("DeleteRecord returned true on an already-deleted record")
	}
}

func TestRunSampleRangeStaysWithinBounds(t *testing.T) {
	r := buildRun(recs("a", "b", "c", "d", "e", "f"))
	rng := rand.New(rand.NewSource(9))

	out := r.SampleRange([]byte("b"), []byte("d"), 50, rng, nil)
	if len(out) == 0 {
		t.Fatalf("SampleRange returned no candidates for a non-empty segment")
	}
	for _, rec := range out {
		if !keyInRange(rec.Key, []byte("b"), []byte("d")) {
			t.Fatalf("SampleRange returned out-of-range key %q", rec.Key)
		}
	}
}

func TestRunSampleRangeEmptySegment(t *testing.T) {
	r := buildRun(recs("a", "b"))
	rng := rand.New(rand.NewSource(1))
	out := r.SampleRange([]byte("x"), []byte("y"), 10, rng, nil)
	if out != nil {
		t.Fatalf("SampleRange on an empty segment returned %d candidates, want 0", len(out))
	}
}

func TestRunCheckTombstone(t *testing.T) {
	tomb := Record{Key: []byte("k"), Value: []byte("v")}
	tomb.setTombstone()
	other := Record{Key: []byte("m"), Value: []byte("v")}
	r := buildRun([]Record{tomb, other})

	bf := newTombstoneFilter(4, 0.01)
	bf.Add([]byte("k"))

	if !r.CheckTombstone(bf, []byte("k"), []byte("v")) {
		t.Fatalf("CheckTombstone missed a tombstone present in the run")
	}
	if r.CheckTombstone(bf, []byte("m"), []byte("v")) {
		t.Fatalf("CheckTombstone reported a tombstone for a live record")
	}
}
