package lsm

import (
	"math/rand"
	"testing"
)

func TestTreeMemtableAppendAndWeight(t *testing.T) {
	m := newTreeMemtable(100, 100, 0.01)

	if err := m.Append(Record{Key: []byte("a"), Value: []byte("1"), Weight: 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.Append(Record{Key: []byte("b"), Value: []byte("1"), Weight: 3}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := m.GetTotalWeight(); got != 5 {
		t.Fatalf("GetTotalWeight = %v, want 5", got)
	}
	if m.GetRecordCount() != 2 {
		t.Fatalf("GetRecordCount = %d, want 2", m.GetRecordCount())
	}
}

func TestTreeMemtableFullReturnsErrFull(t *testing.T) {
	m := newTreeMemtable(1, 1, 0.01)
	if err := m.Append(Record{Key: []byte("a")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.Append(Record{Key: []byte("b")}); err != ErrFull {
		t.Fatalf("Append on full treeMemtable = %v, want ErrFull", err)
	}
}

func TestTreeMemtableCheckTombstone(t *testing.T) {
	m := newTreeMemtable(100, 100, 0.01)
	tomb := Record{Key: []byte("k"), Value: []byte("v")}
	tomb.setTombstone()
	if err := m.Append(tomb); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !m.CheckTombstone([]byte("k"), []byte("v")) {
		t.Fatalf("CheckTombstone did not find the tombstone just appended")
	}
	if m.CheckTombstone([]byte("other"), []byte("v")) {
		t.Fatalf("CheckTombstone false-positived on a key never appended")
	}
}

func TestTreeMemtableSortedOutputIsOrdered(t *testing.T) {
	m := newTreeMemtable(100, 100, 0.01)
	for _, k := range []string{"z", "m", "a"} {
		if err := m.Append(Record{Key: []byte(k), Value: []byte("v")}); err != nil {
			t.Fatalf("Append %s: %v", k, err)
		}
	}
	out := m.SortedOutput()
	for i := 1; i < len(out); i++ {
		if !recordLess(&out[i-1], &out[i]) {
			t.Fatalf("SortedOutput not ascending at index %d", i)
		}
	}
}

func TestTreeMemtableSampleWeightedRespectsRange(t *testing.T) {
	m := newTreeMemtable(100, 100, 0.01)
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := m.Append(Record{Key: []byte(k), Value: []byte("v"), Weight: 1}); err != nil {
			t.Fatalf("Append %s: %v", k, err)
		}
	}

	rng := rand.New(rand.NewSource(3))
	out := m.SampleWeighted([]byte("b"), []byte("c"), 20, rng, nil)
	for _, rec := range out {
		if !keyInRange(rec.Key, []byte("b"), []byte("c")) {
			t.Fatalf("SampleWeighted returned out-of-range key %q", rec.Key)
		}
	}
}

func TestTreeMemtableDeleteRecordFlipsBitInPlace(t *testing.T) {
	m := newTreeMemtable(100, 100, 0.01)
	if err := m.Append(Record{Key: []byte("a"), Value: []byte("v")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !m.DeleteRecord([]byte("a"), []byte("v")) {
		t.Fatalf("DeleteRecord returned false for a live matching record")
	}
	out := m.SortedOutput()
	if len(out) != 1 || !out[0].IsDeleted() {
		t.Fatalf("record was not marked deleted in place: %+v", out)
	}
}

func TestCompareTreeOrdKeyOrdersByKeyThenSeq(t *testing.T) {
	a := treeOrdKey{key: []byte("a"), seq: 5}
	b := treeOrdKey{key: []byte("a"), seq: 6}
	c := treeOrdKey{key: []byte("b"), seq: 1}

	if compareTreeOrdKey(a, b) >= 0 {
		t.Fatalf("same key, lower seq should compare less")
	}
	if compareTreeOrdKey(a, c) >= 0 {
		t.Fatalf("lower key should compare less regardless of seq")
	}
}
