package lsm

import (
	"math/rand"
	"testing"
)

func TestBuildAliasSingleOutcome(t *testing.T) {
	a := buildAlias([]float64{5})
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		if got := a.get(rng); got != 0 {
			t.Fatalf("get() on a single-outcome alias = %d, want 0", got)
		}
	}
}

func TestBuildAliasUniformConvergesToEqualFrequency(t *testing.T) {
	n := 5
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	a := buildAlias(weights)
	rng := rand.New(rand.NewSource(42))

	counts := make([]int, n)
	draws := 200000
	for i := 0; i < draws; i++ {
		counts[a.get(rng)]++
	}

	want := float64(draws) / float64(n)
	for i, c := range counts {
		diff := float64(c) - want
		if diff < 0 {
			diff = -diff
		}
		if diff/want > 0.05 {
			t.Errorf("outcome %d drawn %d times, want close to %.0f (within 5%%)", i, c, want)
		}
	}
}

func TestBuildAliasSkewedWeightsBiasDraws(t *testing.T) {
	// outcome 0 should be drawn roughly ten times as often as outcome 1.
	a := buildAlias([]float64{10, 1})
	rng := rand.New(rand.NewSource(7))

	var count0, count1 int
	draws := 100000
	for i := 0; i < draws; i++ {
		if a.get(rng) == 0 {
			count0++
		} else {
			count1++
		}
	}

	ratio := float64(count0) / float64(count1)
	if ratio < 8 || ratio > 12 {
		t.Errorf("observed ratio %v, want close to 10", ratio)
	}
}

func TestBuildAliasPanicsOnEmptyWeights(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("buildAlias(nil) did not panic")
		}
	}()
	buildAlias(nil)
}
