package lsm

import "math/rand"

// SampleStats reports how a RangeSample call spent its draws: the
// rejection breakdown is the caller-visible evidence for whether the
// tree's rejection-ratio bound (Config.MaxRejectionRate) is being
// approached, not just whether the call eventually succeeded.
type SampleStats struct {
	Attempts            int
	Rejections          int
	TombstoneRejections int
	BoundsRejections    int
	DeletionRejections  int
}

// maxSampleAttemptsFactor bounds the rejection loop: if a range is
// (or has become, through deletion) too sparse to ever produce k live
// records, RangeSample must still return rather than spin forever.
const maxSampleAttemptsFactor = 2000

// sampleDescriptor is one source a top-level draw can land on: either
// the memtable (origin -1) or one run within one level (origin =
// level index). draw returns nil when the descriptor's own domain is
// momentarily exhausted for this attempt (never for the array
// memtable or a bounded run slice, but kept for uniformity).
type sampleDescriptor struct {
	origin  int
	runSlot int
	run     *Run
	draw    func(rng *rand.Rand) *Record
	weight  float64
}

// RangeSample draws k live, non-deleted, in-range records from the
// tree, weighted by Record.Weight under Config.Weighted and uniformly
// otherwise. It takes a single consistent snapshot of the level
// vector at the start of the call; rng must be supplied by the
// caller — RangeSample never touches a package-level generator.
func (t *Tree) RangeSample(lo, hi []byte, k int, rng *rand.Rand) ([]Record, SampleStats, error) {
	var stats SampleStats
	if k <= 0 {
		return nil, stats, nil
	}

	levels := t.snapshotLevels()
	descriptors := t.buildDescriptors(lo, hi, levels)
	if len(descriptors) == 0 {
		return nil, stats, ErrEmptyRange
	}

	weights := make([]float64, len(descriptors))
	anyWeight := false
	for i, d := range descriptors {
		weights[i] = d.weight
		if d.weight > 0 {
			anyWeight = true
		}
	}
	if !anyWeight {
		return nil, stats, ErrEmptyRange
	}
	picker := buildAlias(weights)

	out := make([]Record, 0, k)
	maxAttempts := k * maxSampleAttemptsFactor
	for len(out) < k && stats.Attempts < maxAttempts {
		stats.Attempts++

		d := descriptors[picker.get(rng)]
		cand := d.draw(rng)
		if cand == nil {
			stats.Rejections++
			stats.BoundsRejections++
			continue
		}

		if cand.IsTombstone() || cand.IsDeleted() || !keyInRange(cand.Key, lo, hi) {
			stats.Rejections++
			if cand.IsTombstone() || cand.IsDeleted() {
				stats.DeletionRejections++
			} else {
				stats.BoundsRejections++
			}
			if d.origin >= 0 {
				levels[d.origin].recordRejection()
			}
			continue
		}

		if t.isDeleted(cand.Key, cand.Value, levels, d.origin, d.runSlot) {
			stats.Rejections++
			stats.TombstoneRejections++
			if d.origin >= 0 {
				levels[d.origin].recordRejection()
			}
			continue
		}

		out = append(out, *cand)
	}

	if t.cfg.Weighted {
		t.enforceRejectionRatio(levels)
	}

	if len(out) < k {
		return out, stats, ErrEmptyRange
	}
	return out, stats, nil
}

// buildDescriptors assembles one sampleDescriptor per non-empty source
// visible to this call: the memtable, and one per run per level. The
// uniform variant's memtable descriptor draws a uniformly random index
// over the WHOLE memtable and relies on the caller's bounds check to
// reject out-of-range draws (the array memtable isn't key-ordered, so
// there is nothing to binary-search); the weighted variant's memtable
// descriptor instead range-filters up front since the underlying
// skiplist is ordered. Run descriptors are always pre-bounded via the
// ISAM index, for both variants.
func (t *Tree) buildDescriptors(lo, hi []byte, levels []*Level) []sampleDescriptor {
	var out []sampleDescriptor

	if t.cfg.Weighted {
		if d := t.weightedMemtableDescriptor(lo, hi); d != nil {
			out = append(out, *d)
		}
	} else if n := t.memtable.GetRecordCount(); n > 0 {
		mt := t.memtable
		out = append(out, sampleDescriptor{
			origin: -1,
			weight: float64(n),
			draw: func(rng *rand.Rand) *Record {
				return mt.RecordAt(rng.Intn(n))
			},
		})
	}

	for levelIdx, lvl := range levels {
		levelIdx := levelIdx
		if t.cfg.Weighted {
			for _, dr := range lvl.SampleRanges(lo, hi) {
				if dr.weight <= 0 {
					continue
				}
				dr := dr
				out = append(out, sampleDescriptor{
					origin:  levelIdx,
					runSlot: dr.slot,
					run:     dr.run,
					weight:  dr.weight,
					draw: func(rng *rand.Rand) *Record {
						recs := dr.run.SampleRange(lo, hi, 1, rng, nil)
						if len(recs) == 0 {
							return nil
						}
						return &recs[0]
					},
				})
			}
			continue
		}
		for _, ri := range lvl.RunsIndexed() {
			run := ri.Run
			slot := ri.Index
			start, stop := run.UniformIndexRange(lo, hi)
			if stop <= start {
				continue
			}
			out = append(out, sampleDescriptor{
				origin:  levelIdx,
				runSlot: slot,
				run:     run,
				weight:  float64(stop - start),
				draw: func(rng *rand.Rand) *Record {
					return run.GetAt(start + rng.Intn(stop-start))
				},
			})
		}
	}

	return out
}

func (t *Tree) weightedMemtableDescriptor(lo, hi []byte) *sampleDescriptor {
	mt := t.memtable
	weight := 0.0
	for _, rec := range mt.SortedOutput() {
		if keyInRange(rec.Key, lo, hi) {
			weight += rec.weight()
		}
	}
	if weight <= 0 {
		return nil
	}
	return &sampleDescriptor{
		origin: -1,
		weight: weight,
		draw: func(rng *rand.Rand) *Record {
			recs := mt.SampleWeighted(lo, hi, 1, rng, nil)
			if len(recs) == 0 {
				return nil
			}
			return &recs[0]
		},
	}
}

// isDeleted reports whether (key, val) has been shadowed by a
// tombstone somewhere newer than originLevel/originSlot. The memtable
// is always newer than every level, so it is always consulted. Every
// level strictly above originLevel is newer in its entirety and gets a
// full scan; originLevel itself can only be shadowed by a run newer
// than the candidate's own run (spec §4.4's "within origin_run_id.level,
// only the runs newer than origin_run_id.run"), so that level's scan is
// bounded to slots after originSlot. originLevel -1 (memtable-origin
// candidate) consults only the memtable, since nothing on disk can
// retroactively delete something the memtable hasn't flushed yet.
func (t *Tree) isDeleted(key, val []byte, levels []*Level, originLevel, originSlot int) bool {
	if t.memtable.CheckTombstone(key, val) {
		return true
	}
	for i := 0; i < originLevel && i < len(levels); i++ {
		if levels[i].CheckTombstone(-1, key, val) {
			return true
		}
	}
	if originLevel >= 0 && originLevel < len(levels) {
		if levels[originLevel].CheckTombstone(originSlot, key, val) {
			return true
		}
	}
	return false
}

// enforceRejectionRatio is the weighted variant's rho_max bound (spec
// §9): once a level has accumulated enough tombstone checks to judge
// meaningfully and its rejection rate exceeds Config.MaxRejectionRate,
// merge it into the level below regardless of whether its run budget
// is otherwise full, the same mechanism enforceTombstoneMaximum uses
// for tau_max.
func (t *Tree) enforceRejectionRatio(levels []*Level) {
	if t.cfg.MaxRejectionRate <= 0 {
		return
	}
	t.levelsMu.Lock()
	defer t.levelsMu.Unlock()

	for i, lvl := range levels {
		if i >= len(t.levels) || t.levels[i] != lvl {
			continue // level vector changed since the snapshot; skip
		}
		if lvl.tsCheckCount.Load() < int64(t.cfg.MinRejectionChecksForEnforcement) {
			continue
		}
		if lvl.RejectionRate() <= t.cfg.MaxRejectionRate {
			continue
		}

		if t.cfg.Leveling {
			runs, blooms := lvl.VacateAll()
			if len(runs) == 0 {
				continue
			}
			_ = t.mergeDownLeveling(i+1, runs[0], blooms[0])
			continue
		}
		_ = t.cascadeLevel(i)
	}
}
