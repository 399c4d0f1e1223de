package tracker

import (
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	ts "github.com/Tubbz-alt/rljax/timestep"
)

// episode returns the timesteps of an episode with the argument
// rewards. The first timestep carries no reward.
func episode(rewards []float64) []ts.TimeStep {
	obs := mat.NewVecDense(1, []float64{0.0})

	steps := []ts.TimeStep{ts.New(ts.First, 0.0, 1.0, obs, 0)}
	for i, r := range rewards {
		stepType := ts.Mid
		discount := 1.0
		if i == len(rewards)-1 {
			stepType = ts.Last
			discount = 0.0
		}
		steps = append(steps, ts.New(stepType, r, discount, obs, i+1))
	}
	return steps
}

func TestReturnRoundTrip(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "data.bin")
	tracker := NewReturn(filename)

	episodes := [][]float64{
		{-1.0, -1.0, -1.0},
		{1.0, 0.5},
	}
	for _, rewards := range episodes {
		for _, step := range episode(rewards) {
			tracker.Track(step)
		}
	}
	tracker.Save()

	want := []float64{-3.0, 1.5}
	have := LoadData(filename)
	if len(have) != len(want) {
		t.Fatalf("wrong number of episode returns\n\twant(%v)"+
			"\n\thave(%v)", len(want), len(have))
	}
	for i := range want {
		if math.Abs(have[i]-want[i]) > 1e-12 {
			t.Errorf("episode %v: want(%v) have(%v)", i, want[i], have[i])
		}
	}
}

func TestReturnPanicsOnNonSequentialSteps(t *testing.T) {
	tracker := NewReturn("unused.bin")

	obs := mat.NewVecDense(1, []float64{0.0})
	tracker.Track(ts.New(ts.First, 0.0, 1.0, obs, 0))

	defer func() {
		if recover() == nil {
			t.Errorf("tracking a non-sequential timestep should panic")
		}
	}()
	tracker.Track(ts.New(ts.Mid, 1.0, 1.0, obs, 5))
}

func TestEpisodeLength(t *testing.T) {
	tracker := NewEpisodeLength(filepath.Join(t.TempDir(), "lengths.bin"))

	for _, rewards := range [][]float64{{1.0, 1.0, 1.0}, {1.0}} {
		for _, step := range episode(rewards) {
			tracker.Track(step)
		}
	}

	lengths := tracker.(*EpisodeLength).episodeLengths
	want := []int{3, 1}
	if len(lengths) != len(want) {
		t.Fatalf("wrong number of episode lengths\n\twant(%v)"+
			"\n\thave(%v)", len(want), len(lengths))
	}
	for i := range want {
		if lengths[i] != want[i] {
			t.Errorf("episode %v: want(%v) have(%v)", i, want[i],
				lengths[i])
		}
	}
}
