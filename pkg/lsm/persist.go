package lsm

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// manifestFile is the top-level file spec.md §6 describes: it "lists
// per-level meta-file names, one per line" and nothing else — no
// config or memtable bookkeeping belongs in it.
const manifestFile = "lsmtree.dat"

// stateFile carries the Tree-level knobs the literal per-level line
// format has no room for (scale factor, leveling vs. tiering, weighted
// vs. uniform, the active memtable's own counts) but that
// reconstruction still needs. Kept as its own file rather than folded
// into lsmtree.dat, since §6 is explicit about what that file holds.
const stateFile = "lsmtree.state"

// LevelManifest is one level's persisted descriptor. This engine's
// levels are memory-resident (Config.MemoryLevels) rather than backed
// by actual on-disk ISAM runs (§1's non-goal), so every level this
// engine ever writes uses spec.md §6's memory-level line variant,
// "memory <path> <reccnt> <tscnt>" — readLevelFile still parses the
// eight-field disk-level variant
// (`<kind> <owns> <path> <version> <last_leaf_pnum> <reccnt> <tscnt>
// <root_pnum>`) defensively, since a future on-disk run extension
// would write that variant into the same per-level meta files.
type LevelManifest struct {
	Level          int
	Path           string
	RecordCount    int
	TombstoneCount int
}

// TreeState is the non-per-level part of a persisted Tree.
type TreeState struct {
	ScaleFactor    int
	Leveling       bool
	Weighted       bool
	MemtableRecCnt int
	MemtableTsCnt  int
}

// Manifest is the full persisted description of a Tree: its
// reconstruction state plus one LevelManifest per level, in level
// order.
type Manifest struct {
	State  TreeState
	Levels []LevelManifest
}

// PersistManifest writes t's current structure into dir: one meta
// file per level in spec.md §6's literal line format, a state file
// for the knobs that format has no room for, and a top-level
// lsmtree.dat listing the per-level meta-file names, one per line.
func PersistManifest(t *Tree, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeStateFile(t, filepath.Join(dir, stateFile)); err != nil {
		return err
	}

	t.levelsMu.RLock()
	levels := make([]*Level, len(t.levels))
	copy(levels, t.levels)
	t.levelsMu.RUnlock()

	names := make([]string, len(levels))
	for i, lvl := range levels {
		name := fmt.Sprintf("level-%d.meta", i)
		if err := writeLevelFile(filepath.Join(dir, name), lvl); err != nil {
			return err
		}
		names[i] = name
	}

	f, err := os.Create(filepath.Join(dir, manifestFile))
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	return w.Flush()
}

func writeStateFile(t *Tree, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "state %d %t %t %d %d\n",
		t.cfg.ScaleFactor, t.cfg.Leveling, t.cfg.Weighted,
		t.memtable.GetRecordCount(), t.memtable.GetTombstoneCount())
	return err
}

// writeLevelFile writes lvl's meta file using the memory-level
// variant of spec.md §6's line format. There is no separate on-disk
// run for a memory-resident level to name, so <path> names the meta
// file itself — the closest analogue to the original's "path to the
// persisted run this descriptor covers."
func writeLevelFile(path string, lvl *Level) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "memory %s %d %d\n", path, lvl.RecordCount(), lvl.TombstoneCount())
	return err
}

// LoadManifest parses a manifest directory previously written by
// PersistManifest. Any malformed or truncated line, or a missing
// state/level file, is reported as ErrPersistence rather than a raw
// parse error, so callers can distinguish "no manifest yet"
// (os.IsNotExist on lsmtree.dat) from "a manifest exists but is
// unreadable."
func LoadManifest(dir string) (*Manifest, error) {
	names, err := readManifestFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	state, err := readStateFile(filepath.Join(dir, stateFile))
	if err != nil {
		return nil, err
	}

	m := &Manifest{State: *state}
	for i, name := range names {
		lvl, err := readLevelFile(filepath.Join(dir, name), i)
		if err != nil {
			return nil, err
		}
		m.Levels = append(m.Levels, *lvl)
	}
	return m, nil
}

func readManifestFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, ErrPersistence
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, ErrPersistence
	}
	return names, nil
}

func readStateFile(path string) (*TreeState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrPersistence
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return nil, ErrPersistence
	}
	fields := strings.Fields(sc.Text())
	if len(fields) != 6 || fields[0] != "state" {
		return nil, ErrPersistence
	}
	sf, err1 := strconv.Atoi(fields[1])
	leveling, err2 := strconv.ParseBool(fields[2])
	weighted, err3 := strconv.ParseBool(fields[3])
	reccnt, err4 := strconv.Atoi(fields[4])
	tscnt, err5 := strconv.Atoi(fields[5])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return nil, ErrPersistence
	}
	return &TreeState{
		ScaleFactor:    sf,
		Leveling:       leveling,
		Weighted:       weighted,
		MemtableRecCnt: reccnt,
		MemtableTsCnt:  tscnt,
	}, nil
}

// readLevelFile parses one per-level meta file, accepting either the
// memory-level variant this engine writes or the eight-field disk-level
// variant spec.md §6 also names (parsed defensively; never produced by
// PersistManifest).
func readLevelFile(path string, level int) (*LevelManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrPersistence
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return nil, ErrPersistence
	}
	fields := strings.Fields(sc.Text())
	switch {
	case len(fields) == 4 && fields[0] == "memory":
		reccnt, err1 := strconv.Atoi(fields[2])
		tscnt, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil {
			return nil, ErrPersistence
		}
		return &LevelManifest{Level: level, Path: fields[1], RecordCount: reccnt, TombstoneCount: tscnt}, nil
	case len(fields) == 8:
		reccnt, err1 := strconv.Atoi(fields[5])
		tscnt, err2 := strconv.Atoi(fields[6])
		if err1 != nil || err2 != nil {
			return nil, ErrPersistence
		}
		return &LevelManifest{Level: level, Path: fields[2], RecordCount: reccnt, TombstoneCount: tscnt}, nil
	default:
		return nil, ErrPersistence
	}
}
