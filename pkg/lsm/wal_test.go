package lsm

import (
	"testing"
)

func TestWalAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{WAL: true, WALDir: dir}

	w, err := openWAL(cfg)
	if err != nil {
		t.Fatalf("openWAL: %v", err)
	}

	rec1 := Record{Key: []byte("a"), Value: []byte("1"), Weight: 2.5}
	rec2 := Record{Key: []byte("b"), Value: []byte("2")}
	rec2.setTombstone()

	if err := w.Append(rec1); err != nil {
		t.Fatalf("Append rec1: %v", err)
	}
	if err := w.Append(rec2); err != nil {
		t.Fatalf("Append rec2: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := openWAL(cfg)
	if err != nil {
		t.Fatalf("re-openWAL: %v", err)
	}
	defer w2.Close()

	records, err := w2.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Replay returned %d records, want 2", len(records))
	}

	found := map[string]Record{}
	for _, r := range records {
		found[string(r.Key)] = r
	}
	if got, ok := found["a"]; !ok || got.Weight != 2.5 {
		t.Fatalf("replayed record a = %+v, want Weight 2.5", got)
	}
	if got, ok := found["b"]; !ok || !got.IsTombstone() {
		t.Fatalf("replayed record b = %+v, want a tombstone", got)
	}
}

func TestWalTruncateRemovesSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{WAL: true, WALDir: dir}

	w, err := openWAL(cfg)
	if err != nil {
		t.Fatalf("openWAL: %v", err)
	}
	defer w.Close()

	if err := w.Append(Record{Key: []byte("a"), Value: []byte("v")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	records, err := w.Replay()
	if err != nil {
		t.Fatalf("Replay after Truncate: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("Replay after Truncate returned %d records, want 0", len(records))
	}
}

func TestWalFrameCRCRoundTrip(t *testing.T) {
	rec := &walRecord{Seq: 7, Header: headerTombstone, Weight: 1.0, Key: []byte("k"), Value: []byte("v")}
	encoded := encodeWalRecord(rec)
	decoded := decodeWalRecord(encoded)

	if decoded.Seq != rec.Seq || decoded.Header != rec.Header || decoded.Weight != rec.Weight {
		t.Fatalf("decodeWalRecord = %+v, want %+v", decoded, rec)
	}
	if string(decoded.Key) != "k" || string(decoded.Value) != "v" {
		t.Fatalf("decodeWalRecord key/value mismatch: %+v", decoded)
	}
}
