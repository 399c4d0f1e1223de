package timestep

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestTerminal(t *testing.T) {
	obs := mat.NewVecDense(2, []float64{0.0, 0.0})

	step := New(Last, -1.0, 0.0, obs, 10)
	if !step.Terminal() {
		t.Errorf("last timestep with zero discount should be terminal")
	}

	cutoff := New(Last, -1.0, 0.99, obs, 10)
	if cutoff.Terminal() {
		t.Errorf("cutoff timestep should not be terminal")
	}
	if !cutoff.Last() {
		t.Errorf("cutoff timestep should still be the last in the episode")
	}

	mid := New(Mid, -1.0, 0.99, obs, 5)
	if mid.Terminal() || mid.Last() {
		t.Errorf("mid timestep should be neither last nor terminal")
	}
}

func TestSetEnd(t *testing.T) {
	obs := mat.NewVecDense(2, []float64{0.0, 0.0})

	step := New(Mid, -1.0, 0.99, obs, 5)
	step.SetEnd(TerminalStateReached)
	if !step.Terminal() {
		t.Errorf("ending at a terminal state should zero the discount")
	}

	step = New(Mid, -1.0, 0.99, obs, 5)
	step.SetEnd(Timeout)
	if !step.Last() {
		t.Errorf("timing out should mark the timestep as last")
	}
	if step.Terminal() {
		t.Errorf("timing out should preserve the discount for " +
			"bootstrapping")
	}
}
