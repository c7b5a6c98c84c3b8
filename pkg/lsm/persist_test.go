package lsm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPersistAndLoadManifestRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.MemtableCapacity = 2
	tree, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tree.Close()

	for i := 0; i < 6; i++ {
		if err := tree.Append([]byte{byte('a' + i)}, []byte("v"), 1); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	dir := t.TempDir()
	if err := PersistManifest(tree, dir); err != nil {
		t.Fatalf("PersistManifest: %v", err)
	}

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.State.ScaleFactor != cfg.ScaleFactor {
		t.Fatalf("ScaleFactor = %d, want %d", m.State.ScaleFactor, cfg.ScaleFactor)
	}
	if len(m.Levels) != tree.GetHeight() {
		t.Fatalf("manifest has %d level entries, want %d", len(m.Levels), tree.GetHeight())
	}
	for i, lvl := range m.Levels {
		if lvl.Level != i {
			t.Fatalf("Levels[%d].Level = %d, want %d", i, lvl.Level, i)
		}
	}
}

func TestPersistManifestWritesPerLevelFiles(t *testing.T) {
	cfg := testConfig()
	cfg.MemtableCapacity = 2
	tree, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tree.Close()

	for i := 0; i < 6; i++ {
		if err := tree.Append([]byte{byte('a' + i)}, []byte("v"), 1); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	dir := t.TempDir()
	if err := PersistManifest(tree, dir); err != nil {
		t.Fatalf("PersistManifest: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "level-0.meta"))
	if err != nil {
		t.Fatalf("reading level-0.meta: %v", err)
	}
	want := "memory " + filepath.Join(dir, "level-0.meta")
	if got := string(data); len(got) < len(want) || got[:len(want)] != want {
		t.Fatalf("level-0.meta content = %q, want prefix %q", got, want)
	}
}

func TestLoadManifestMissingDirReturnsNotExist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	if _, err := LoadManifest(dir); !os.IsNotExist(err) {
		t.Fatalf("LoadManifest on a missing manifest = %v, want a not-exist error", err)
	}
}

func TestLoadManifestRejectsCorruptLevelLine(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, manifestFile), []byte("level-0.meta\n"), 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, stateFile), []byte("state 2 false false 0 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile state: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "level-0.meta"), []byte("memory not-a-number also-not 3\n"), 0o644); err != nil {
		t.Fatalf("WriteFile level: %v", err)
	}
	if _, err := LoadManifest(dir); err != ErrPersistence {
		t.Fatalf("LoadManifest on a corrupt level line = %v, want ErrPersistence", err)
	}
}

func TestLoadManifestRejectsMissingStateFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, manifestFile), []byte(""), 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}
	if _, err := LoadManifest(dir); err != ErrPersistence {
		t.Fatalf("LoadManifest with no state file = %v, want ErrPersistence", err)
	}
}
