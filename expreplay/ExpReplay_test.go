package expreplay

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/Tubbz-alt/rljax/timestep"
)

// transitionOf returns a single-step transition with scalar state,
// action, reward and discount, convenient for testing
func transitionOf(state, action, reward, discount,
	nextState float64) timestep.Transition {
	return timestep.Transition{
		State:     mat.NewVecDense(1, []float64{state}),
		Action:    mat.NewVecDense(1, []float64{action}),
		Reward:    reward,
		Discount:  discount,
		NextState: mat.NewVecDense(1, []float64{nextState}),
	}
}

func TestSampleErrors(t *testing.T) {
	buffer, err := New(2, 4, 1, 1, 1, 1, 14)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, _, _, _, _, _, err = buffer.Sample()
	if !IsEmptyBuffer(err) {
		t.Errorf("sampling an empty buffer should report an empty cache")
	}

	if err := buffer.Add(transitionOf(0, 0, 1, 0.9, 1)); err != nil {
		t.Fatalf("add: %v", err)
	}

	_, _, _, _, _, _, err = buffer.Sample()
	if !IsInsufficientSamples(err) {
		t.Errorf("sampling below the minimum capacity should report " +
			"insufficient samples")
	}

	if err := buffer.Add(transitionOf(1, 0, 1, 0.9, 2)); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, _, _, _, _, _, err = buffer.Sample(); err != nil {
		t.Errorf("sampling at the minimum capacity should succeed: %v", err)
	}
}

func TestCircularOverwrite(t *testing.T) {
	buffer, err := New(1, 3, 1, 1, 1, 1, 14)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 5; i++ {
		err := buffer.Add(transitionOf(float64(i), 0, float64(i), 0.9,
			float64(i+1)))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	if buffer.Capacity() != 3 {
		t.Errorf("capacity: want(3) have(%v)", buffer.Capacity())
	}

	// Transitions 0 and 1 were overwritten, so only states 2, 3, 4
	// should remain in storage
	c := buffer.(*cache)
	remaining := map[float64]bool{}
	for i := 0; i < c.size; i++ {
		remaining[c.stateCache[i]] = true
	}

	for _, state := range []float64{2, 3, 4} {
		if !remaining[state] {
			t.Errorf("state %v should remain in the buffer", state)
		}
	}
	for _, state := range []float64{0, 1} {
		if remaining[state] {
			t.Errorf("state %v should have been overwritten", state)
		}
	}
}

func TestSampleBatchLayout(t *testing.T) {
	featureSize := 3
	batchSize := 4
	buffer, err := New(1, 8, batchSize, 1, featureSize, 1, 14)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 8; i++ {
		tr := timestep.Transition{
			State: mat.NewVecDense(featureSize,
				[]float64{float64(i), float64(i), float64(i)}),
			Action:   mat.NewVecDense(1, []float64{float64(i)}),
			Reward:   float64(i),
			Discount: 0.9,
			NextState: mat.NewVecDense(featureSize,
				[]float64{float64(i + 1), float64(i + 1), float64(i + 1)}),
		}
		if err := buffer.Add(tr); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	state, action, reward, discount, nextState, isWeight, err :=
		buffer.Sample()
	if err != nil {
		t.Fatalf("sample: %v", err)
	}

	if len(state) != batchSize*featureSize {
		t.Errorf("state length: want(%v) have(%v)", batchSize*featureSize,
			len(state))
	}
	if len(nextState) != batchSize*featureSize {
		t.Errorf("nextState length: want(%v) have(%v)",
			batchSize*featureSize, len(nextState))
	}
	if len(action) != batchSize || len(reward) != batchSize ||
		len(discount) != batchSize {
		t.Errorf("batch lengths should all be %v", batchSize)
	}

	for i := 0; i < batchSize; i++ {
		// Rows should be coherent: the sampled transition at row i has
		// state [k k k], action k, reward k, next state [k+1 k+1 k+1]
		k := state[i*featureSize]
		for j := 1; j < featureSize; j++ {
			if state[i*featureSize+j] != k {
				t.Errorf("row %v state features should all be %v", i, k)
			}
		}
		if action[i] != k || reward[i] != k {
			t.Errorf("row %v action and reward should be %v", i, k)
		}
		if nextState[i*featureSize] != k+1 {
			t.Errorf("row %v next state should be %v", i, k+1)
		}

		if isWeight[i] != 1.0 {
			t.Errorf("uniform buffers should weight all samples equally")
		}
	}
}

func TestNStepFolding(t *testing.T) {
	gamma := 0.9
	buffer, err := New(1, 8, 1, 3, 1, 1, 14)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Five steps of a single episode with rewards 1..5
	for i := 0; i < 5; i++ {
		err := buffer.Add(transitionOf(float64(i), 0, float64(i+1), gamma,
			float64(i+1)))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	// Only transitions whose 3-step successor is known are committed
	if buffer.Capacity() != 3 {
		t.Fatalf("capacity: want(3) have(%v)", buffer.Capacity())
	}

	c := buffer.(*cache)
	for i := 0; i < 3; i++ {
		r := float64(i+1) + gamma*float64(i+2) + gamma*gamma*float64(i+3)
		if math.Abs(c.rewardCache[i]-r) > 1e-12 {
			t.Errorf("transition %v reward: want(%v) have(%v)", i, r,
				c.rewardCache[i])
		}
		if math.Abs(c.discountCache[i]-math.Pow(gamma, 3)) > 1e-12 {
			t.Errorf("transition %v discount: want(%v) have(%v)", i,
				math.Pow(gamma, 3), c.discountCache[i])
		}
		if c.stateCache[i] != float64(i) {
			t.Errorf("transition %v state: want(%v) have(%v)", i,
				float64(i), c.stateCache[i])
		}
		if c.nextStateCache[i] != float64(i+3) {
			t.Errorf("transition %v next state: want(%v) have(%v)", i,
				float64(i+3), c.nextStateCache[i])
		}
	}
}

func TestNStepTerminalFlush(t *testing.T) {
	gamma := 0.9
	buffer, err := New(1, 8, 1, 3, 1, 1, 14)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// A two-step episode ending in a terminal state: shorter than the
	// 3-step window, so both transitions are flushed with truncated
	// returns and zero discount
	if err := buffer.Add(transitionOf(0, 0, 1, gamma, 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := buffer.Add(transitionOf(1, 0, 2, 0, 2)); err != nil {
		t.Fatalf("add: %v", err)
	}

	if buffer.Capacity() != 2 {
		t.Fatalf("capacity: want(2) have(%v)", buffer.Capacity())
	}

	c := buffer.(*cache)

	wantRewards := []float64{1 + gamma*2, 2}
	for i, want := range wantRewards {
		if math.Abs(c.rewardCache[i]-want) > 1e-12 {
			t.Errorf("transition %v reward: want(%v) have(%v)", i, want,
				c.rewardCache[i])
		}
		if c.discountCache[i] != 0 {
			t.Errorf("transitions ending at a terminal state should " +
				"have zero discount")
		}
	}

	// A new episode should not fold rewards across the boundary
	for i := 0; i < 3; i++ {
		err := buffer.Add(transitionOf(float64(10 + i), 0, 1, gamma,
			float64(11 + i)))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	if buffer.Capacity() != 3 {
		t.Fatalf("capacity: want(3) have(%v)", buffer.Capacity())
	}
	if c.stateCache[2] != 10 {
		t.Errorf("first transition of the new episode should have "+
			"state 10, have(%v)", c.stateCache[2])
	}
}

func TestNStepCutoffFlush(t *testing.T) {
	gamma := 0.9
	buffer, err := New(1, 8, 1, 3, 1, 1, 14)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Two steps of an episode cut off at a step limit: discounts stay
	// at the environment value so learners may bootstrap past the
	// cutoff
	if err := buffer.Add(transitionOf(0, 0, 1, gamma, 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := buffer.Add(transitionOf(1, 0, 2, gamma, 2)); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Nothing committed before the episode end
	if buffer.Capacity() != 0 {
		t.Fatalf("capacity: want(0) have(%v)", buffer.Capacity())
	}

	buffer.EndEpisode()

	if buffer.Capacity() != 2 {
		t.Fatalf("capacity after flush: want(2) have(%v)",
			buffer.Capacity())
	}

	c := buffer.(*cache)
	wantDiscounts := []float64{gamma * gamma, gamma}
	for i, want := range wantDiscounts {
		if math.Abs(c.discountCache[i]-want) > 1e-12 {
			t.Errorf("transition %v discount: want(%v) have(%v)", i, want,
				c.discountCache[i])
		}
		if c.nextStateCache[i] != 2 {
			t.Errorf("flushed transitions should bootstrap off of the "+
				"last observed state, have(%v)", c.nextStateCache[i])
		}
	}
}

func TestAddInvalidDimensions(t *testing.T) {
	buffer, err := New(1, 4, 1, 1, 2, 1, 14)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	badState := timestep.Transition{
		State:     mat.NewVecDense(3, nil),
		Action:    mat.NewVecDense(1, nil),
		NextState: mat.NewVecDense(3, nil),
	}
	if err := buffer.Add(badState); err == nil {
		t.Errorf("adding a transition with an invalid feature size " +
			"should fail")
	}

	badAction := timestep.Transition{
		State:     mat.NewVecDense(2, nil),
		Action:    mat.NewVecDense(2, nil),
		NextState: mat.NewVecDense(2, nil),
	}
	if err := buffer.Add(badAction); err == nil {
		t.Errorf("adding a transition with an invalid action size " +
			"should fail")
	}
}

func TestConfigCreate(t *testing.T) {
	config := Config{
		Type:        Uniform,
		MaxCapacity: 16,
		MinCapacity: 2,
		BatchSize:   4,
		NStep:       1,
	}

	buffer, err := config.Create(2, 1, 14)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if buffer.BatchSize() != 4 || buffer.MaxCapacity() != 16 {
		t.Errorf("created buffer does not match its config")
	}

	config.Type = Prioritized
	buffer, err = config.Create(2, 1, 14)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := buffer.(*prioritizedCache); !ok {
		t.Errorf("create should return a prioritized buffer")
	}

	config.Type = Type("Unknown")
	if _, err := config.Create(2, 1, 14); err == nil {
		t.Errorf("creating a buffer of an unknown type should fail")
	}
}
