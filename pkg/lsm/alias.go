package lsm

import "math/rand"

// alias is Walker's alias method: an O(1)-per-draw weighted categorical
// sampler built in O(n) from a weight vector, used both to pick which
// descriptor (memtable or run) a sampling draw comes from and, per-run,
// which record within a weighted range a WIRS draw comes from.
//
// Built once per range_sample call (and, per-run, cached across calls
// covering the same segment — see Run.aliasFor), then queried many
// times against whatever *rand.Rand the caller supplies, since the
// engine's randomness is always caller-injected rather than owned by
// the sampler (spec: "Randomness is injected via the caller-supplied
// generator").
type alias struct {
	prob  []float64
	table []int
}

// buildAlias constructs the alias tables for n outcomes with the given
// (not necessarily normalized) weights. Panics if weights is empty;
// callers must check for a zero-weight range before calling.
func buildAlias(weights []float64) *alias {
	n := len(weights)
	if n == 0 {
		panic("lsm: buildAlias called with no weights")
	}

	total := 0.0
	for _, w := range weights {
		total += w
	}

	scaled := make([]float64, n)
	for i, w := range weights {
		scaled[i] = w * float64(n) / total
	}

	small := make([]int, 0, n)
	large := make([]int, 0, n)
	for i, p := range scaled {
		if p < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}

	prob := make([]float64, n)
	table := make([]int, n)

	for len(small) > 0 && len(large) > 0 {
		s := small[len(small)-1]
		small = small[:len(small)-1]
		l := large[len(large)-1]
		large = large[:len(large)-1]

		prob[s] = scaled[s]
		table[s] = l

		scaled[l] = scaled[l] + scaled[s] - 1
		if scaled[l] < 1 {
			small = append(small, l)
		} else {
			large = append(large, l)
		}
	}

	for len(large) > 0 {
		l := large[len(large)-1]
		large = large[:len(large)-1]
		prob[l] = 1
	}
	for len(small) > 0 {
		s := small[len(small)-1]
		small = small[:len(small)-1]
		prob[s] = 1
	}

	return &alias{prob: prob, table: table}
}

// get draws a single outcome in [0, n) proportional to the weights
// buildAlias was given.
func (a *alias) get(rng *rand.Rand) int {
	n := len(a.prob)
	i := rng.Intn(n)
	if rng.Float64() < a.prob[i] {
		return i
	}
	return a.table[i]
}
