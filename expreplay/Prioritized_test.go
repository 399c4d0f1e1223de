package expreplay

import (
	"math"
	"testing"
)

func newTestPrioritized(t *testing.T, config Config) *prioritizedCache {
	t.Helper()

	buffer, err := NewPrioritized(config, 1, 1, 14)
	if err != nil {
		t.Fatalf("newPrioritized: %v", err)
	}
	return buffer.(*prioritizedCache)
}

func TestPrioritizedNewEntriesGetMaxPriority(t *testing.T) {
	buffer := newTestPrioritized(t, Config{
		MaxCapacity: 8,
		MinCapacity: 1,
		BatchSize:   2,
		NStep:       1,
	})

	for i := 0; i < 4; i++ {
		err := buffer.Add(transitionOf(float64(i), 0, 1, 0.9, float64(i+1)))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	for i := 0; i < 4; i++ {
		if buffer.priorities.Get(i) != DefaultMaxPriority {
			t.Errorf("new transition %v priority: want(%v) have(%v)", i,
				DefaultMaxPriority, buffer.priorities.Get(i))
		}
	}
}

func TestPrioritizedSamplingFollowsPriorities(t *testing.T) {
	buffer := newTestPrioritized(t, Config{
		MaxCapacity: 4,
		MinCapacity: 1,
		BatchSize:   4,
		NStep:       1,
		BetaSteps:   1,
	})

	for i := 0; i < 4; i++ {
		err := buffer.Add(transitionOf(float64(i), 0, 1, 0.9, float64(i+1)))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	// Concentrate nearly all priority mass on transition 2
	buffer.setPriority(0, 1e-9)
	buffer.setPriority(1, 1e-9)
	buffer.setPriority(2, 1.0)
	buffer.setPriority(3, 1e-9)

	counts := map[float64]int{}
	for trial := 0; trial < 20; trial++ {
		state, _, _, _, _, _, err := buffer.Sample()
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		buffer.lastIndices = nil
		for _, s := range state {
			counts[s]++
		}
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	if frac := float64(counts[2]) / float64(total); frac < 0.95 {
		t.Errorf("the dominant priority should dominate sampling: "+
			"sampled %v of the time", frac)
	}
}

func TestPrioritizedISWeights(t *testing.T) {
	buffer := newTestPrioritized(t, Config{
		MaxCapacity: 2,
		MinCapacity: 1,
		BatchSize:   2,
		NStep:       1,
	})

	for i := 0; i < 2; i++ {
		err := buffer.Add(transitionOf(float64(i), 0, 1, 0.9, float64(i+1)))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	buffer.setPriority(0, 0.25)
	buffer.setPriority(1, 1.0)

	// With betaSteps == 0, beta is fixed at 1
	state, _, _, _, _, isWeight, err := buffer.Sample()
	if err != nil {
		t.Fatalf("sample: %v", err)
	}

	for i := range state {
		var priority float64
		if state[i] == 0 {
			priority = 0.25
		} else {
			priority = 1.0
		}

		// w = (p / pMin)^-1 with pMin = 0.25
		want := math.Pow(priority/0.25, -1.0)
		if math.Abs(isWeight[i]-want) > 1e-12 {
			t.Errorf("weight %v: want(%v) have(%v)", i, want, isWeight[i])
		}
	}
}

func TestPrioritizedBetaAnneals(t *testing.T) {
	buffer := newTestPrioritized(t, Config{
		MaxCapacity: 2,
		MinCapacity: 1,
		BatchSize:   1,
		NStep:       1,
		Beta:        0.4,
		BetaSteps:   4,
	})

	wantBetas := []float64{0.4, 0.55, 0.7, 0.85, 1.0, 1.0}
	for i, want := range wantBetas {
		if have := buffer.beta(); math.Abs(have-want) > 1e-12 {
			t.Errorf("beta after %v samples: want(%v) have(%v)", i, want,
				have)
		}
		buffer.samples++
	}
}

func TestPrioritizedUpdatePriorities(t *testing.T) {
	buffer := newTestPrioritized(t, Config{
		MaxCapacity: 4,
		MinCapacity: 1,
		BatchSize:   2,
		NStep:       1,
	})

	for i := 0; i < 4; i++ {
		err := buffer.Add(transitionOf(float64(i), 0, 1, 0.9, float64(i+1)))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	// Updating without a preceding sample is an error
	err := buffer.UpdatePriorities([]float64{1.0, 1.0})
	if !IsNoSampledIndices(err) {
		t.Errorf("priority updates must follow a sample")
	}

	if _, _, _, _, _, _, err := buffer.Sample(); err != nil {
		t.Fatalf("sample: %v", err)
	}

	// A batch size mismatch is an error
	if err := buffer.UpdatePriorities([]float64{1.0}); err == nil {
		t.Errorf("updating with the wrong number of TD errors should fail")
	}

	indices := append([]int{}, buffer.lastIndices...)
	absTD := []float64{0.5, 2.0}
	if err := buffer.UpdatePriorities(absTD); err != nil {
		t.Fatalf("updatePriorities: %v", err)
	}

	for i, index := range indices {
		want := math.Pow(absTD[i]+DefaultEpsilon, DefaultAlpha)
		if want > DefaultMaxPriority {
			want = DefaultMaxPriority
		}
		if have := buffer.priorities.Get(index); math.Abs(have-want) > 1e-12 {
			t.Errorf("priority of index %v: want(%v) have(%v)", index,
				want, have)
		}
	}

	// The sampled indices are consumed by the update
	err = buffer.UpdatePriorities(absTD)
	if !IsNoSampledIndices(err) {
		t.Errorf("a second update without a sample should fail")
	}
}
