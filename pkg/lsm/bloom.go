package lsm

import (
	"bytes"

	bloom "github.com/bits-and-blooms/bloom/v3"
)

// tombstoneFilter wraps bits-and-blooms/bloom for the engine's one
// legitimate bloom use: a membership index over tombstone keys, sized
// to the tombstone count of the memtable or run that owns it, never a
// general key-membership oracle (spec §9, "Bloom-filter sizing").
//
// False negatives are forbidden for tombstone probes, which
// bits-and-blooms/bloom already guarantees by construction (it only
// ever produces false positives); MayContain returning false is
// therefore a sound basis for skipping the bloom-gated scan.
type tombstoneFilter struct {
	filter *bloom.BloomFilter
}

func newTombstoneFilter(expectedTombstones int, fpRate float64) *tombstoneFilter {
	if expectedTombstones < 1 {
		expectedTombstones = 1
	}
	if fpRate <= 0 {
		fpRate = 0.01
	}
	return &tombstoneFilter{filter: bloom.NewWithEstimates(uint(expectedTombstones), fpRate)}
}

func (f *tombstoneFilter) Add(key []byte) {
	if f == nil {
		return
	}
	f.filter.Add(key)
}

func (f *tombstoneFilter) MayContain(key []byte) bool {
	if f == nil {
		// No filter configured (e.g. zero tombstone capacity): treat
		// as "might contain" so callers fall back to a direct scan.
		return true
	}
	return f.filter.Test(key)
}

func (f *tombstoneFilter) Clear() {
	if f == nil {
		return
	}
	f.filter.ClearAll()
}

// WriteToBuffer serializes the filter (its length is what the
// AuxMemoryUtilization getters report); ReadFromBuffer restores a
// filter from that form.
func (f *tombstoneFilter) WriteToBuffer() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.filter.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *tombstoneFilter) ReadFromBuffer(data []byte) error {
	_, err := f.filter.ReadFrom(bytes.NewReader(data))
	return err
}
