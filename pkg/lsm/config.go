package lsm

import "log"

// Config bundles every knob the tree, its levels, and the sampling
// engine need. It is a flat struct rather than functional options,
// matching the shape of every options/config struct in the pack
// (teacher's Options, kantadb's Configuration, sentinel's broker
// config): one literal at construction time, no builder.
type Config struct {
	// MemtableCapacity bounds the number of live records a memtable
	// holds before a flush is triggered.
	MemtableCapacity int

	// MemtableTombstoneCapacity bounds the number of tombstones a
	// memtable holds; append fails once it would be exceeded even if
	// MemtableCapacity has room left.
	MemtableTombstoneCapacity int

	// ScaleFactor is the per-level growth factor s: cap(i) = C*s^(i+1),
	// and in tiering mode also the run-cap of every level.
	ScaleFactor int

	// MemoryLevels is the number of memory-resident levels. No code
	// path reads it: levels are added on demand without a limit, and
	// the on-disk extension point (see persist.go) is not implemented
	// by this engine.
	MemoryLevels int

	// MaxTombstoneProportion is τ_max: tombstones(l)/cap(l) must not
	// exceed this after any compaction settles.
	MaxTombstoneProportion float64

	// Leveling selects leveling (run-cap=1, merge-into-one-run) over
	// tiering (run-cap=ScaleFactor, append additional runs).
	Leveling bool

	// DeleteTagging enables in-place tagged deletion in addition to
	// tombstone-append deletion.
	DeleteTagging bool

	// Weighted selects the weighted sampling variant: a balanced-tree
	// memtable and WIRS draws proportional to Record.Weight, instead
	// of uniform draws over an array memtable.
	Weighted bool

	// MaxRejectionRate is ρ_max, the weighted variant's bound on
	// rejections per tombstone check before a level is forced down.
	// Zero disables rejection-ratio enforcement.
	MaxRejectionRate float64

	// MinRejectionChecksForEnforcement is the number of tombstone
	// checks a level must accumulate before its rejection rate is
	// judged meaningful enough to trigger a merge.
	MinRejectionChecksForEnforcement int

	// WAL, when true, appends every write to a CRC-framed log ahead of
	// the memtable (see wal.go); WALDir names its directory.
	WAL    bool
	WALDir string

	// BloomFalsePositiveRate sizes every tombstone bloom filter this
	// engine allocates (the hash count follows from it).
	BloomFalsePositiveRate float64

	// ValidateInvariants enables a full-scan tombstone-ordering check
	// after every compaction (spec's "checkable by full scan after
	// every compaction"). Off by default since it's O(record count);
	// meant for tests and debug builds, matching the reference
	// implementation's "fatal assertion" stance on InvariantError
	// rather than a cost every production flush pays.
	ValidateInvariants bool

	// Logger is the logger Config.logger resolves to, log.Default()
	// when nil. No flush, compaction or replay path writes to it.
	Logger *log.Logger
}

// DefaultConfig returns the reference parameters used throughout the
// concrete scenarios in the spec's testable-properties section.
func DefaultConfig() Config {
	return Config{
		MemtableCapacity:                 1000,
		MemtableTombstoneCapacity:        1000,
		ScaleFactor:                      2,
		MemoryLevels:                     100,
		MaxTombstoneProportion:           0.05,
		Leveling:                         false,
		DeleteTagging:                    true,
		Weighted:                         false,
		MaxRejectionRate:                 0.5,
		MinRejectionChecksForEnforcement: 1000,
		BloomFalsePositiveRate:           0.01,
	}
}

func (c *Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// runCap is the number of run slots a level holds under this config:
// 1 under leveling, ScaleFactor under tiering.
func (c *Config) runCap() int {
	if c.Leveling {
		return 1
	}
	return c.ScaleFactor
}

// levelCapacity returns cap(level) = MemtableCapacity * ScaleFactor^(level+1)
// (level is 0-indexed) — the leveling-mode record budget spec §3
// defines and §4.4's "can absorb" rule checks before deciding whether
// a level's content must cascade one level further down. Tiering's
// "can absorb" rule is run-slot based instead (Level.IsFull), so for
// placement this is only consulted when Config.Leveling is true; the
// tombstone-proportion checks divide by it under both modes.
func (c *Config) levelCapacity(level int) int {
	capacity := c.MemtableCapacity
	for i := 0; i <= level; i++ {
		capacity *= c.ScaleFactor
	}
	return capacity
}
