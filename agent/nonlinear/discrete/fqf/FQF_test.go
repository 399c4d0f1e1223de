package fqf

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/Tubbz-alt/rljax/environment/envconfig"
	ts "github.com/Tubbz-alt/rljax/timestep"
)

// TestEndEpisodeRecordsFinalTransition checks that the transition into
// a terminal state is stored in the replay buffer. The agent holds
// each transition until the following action is known, so the last
// transition of an episode is committed by EndEpisode.
func TestEndEpisodeRecordsFinalTransition(t *testing.T) {
	envConf := envconfig.NewConfig(envconfig.Cartpole, envconfig.Balance,
		500, 0.99)
	env, firstStep := envConf.Create(14)

	agent, err := New(env, validConfig(t), 14)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	defer agent.Close()

	if err := agent.ObserveFirst(firstStep); err != nil {
		t.Fatalf("could not observe first timestep: %v", err)
	}

	action := mat.NewVecDense(1, []float64{1})
	obs := mat.NewVecDense(4, []float64{0.01, 0.0, 0.01, 0.0})

	midStep := ts.New(ts.Mid, 1.0, 0.99, obs, 1)
	if err := agent.Observe(action, midStep); err != nil {
		t.Fatalf("could not observe timestep: %v", err)
	}

	lastStep := ts.New(ts.Mid, -1.0, 0.99, obs, 2)
	lastStep.SetEnd(ts.TerminalStateReached)
	if err := agent.Observe(action, lastStep); err != nil {
		t.Fatalf("could not observe timestep: %v", err)
	}

	agent.EndEpisode()

	if stored := agent.replay.Capacity(); stored != 2 {
		t.Errorf("wrong number of stored transitions"+
			"\n\twant(%v)\n\thave(%v)", 2, stored)
	}
}

// TestWassersteinGrad checks the gradient of the 1-Wasserstein
// distance with respect to the adjustable fractions, both when the
// quantile values are monotone over the fractions and when they are
// not.
func TestWassersteinGrad(t *testing.T) {
	const (
		numTaus    = 3
		numActions = 2
		batchSize  = 2
	)

	// Per sample, quantile values at [τ₁, τ₂, τ̂₀, τ̂₁, τ̂₂] for both
	// actions. The first sample takes action 0 and its quantile
	// values dip below θ(τ̂₀) at τ₁. The second sample takes action 1
	// and its quantile values are monotone, so every gradient entry
	// is 2θ(τᵢ) - θ(τ̂ᵢ₋₁) - θ(τ̂ᵢ) = 0.
	values := []float64{
		// Sample 0: action 0 interleaved with unused action 1
		0.5, 9, 4, 9, 1, 9, 3, 9, 5, 9,
		// Sample 1: unused action 0 interleaved with action 1
		9, 2, 9, 4, 9, 1, 9, 3, 9, 5,
	}
	actions := []int{0, 1}

	grad := wassersteinGrad(values, actions, batchSize, numTaus,
		numActions)

	expected := []float64{-2.0, 0.0, 0.0, 0.0}
	if len(grad) != len(expected) {
		t.Fatalf("wrong gradient length\n\twant(%v)\n\thave(%v)",
			len(expected), len(grad))
	}
	for i := range expected {
		if math.Abs(grad[i]-expected[i]) > 1e-12 {
			t.Errorf("wrong gradient at index %d\n\twant(%v)\n\thave(%v)",
				i, expected[i], grad[i])
		}
	}
}

// TestStepUpdatesWeights drives the agent through enough
// environmental steps to trigger gradient updates, covering the
// update target computation with and without double Q-learning.
func TestStepUpdatesWeights(t *testing.T) {
	for _, doubleQ := range []bool{false, true} {
		conf := validConfig(t)
		conf.DoubleQ = doubleQ
		conf.TargetUpdateInterval = 10

		envConf := envconfig.NewConfig(envconfig.Cartpole,
			envconfig.Balance, 500, 0.99)
		env, step := envConf.Create(37)

		agent, err := New(env, conf, 37)
		if err != nil {
			t.Fatalf("could not create agent: %v", err)
		}

		if err := agent.ObserveFirst(step); err != nil {
			t.Fatalf("could not observe first timestep: %v", err)
		}
		for i := 0; i < 12; i++ {
			action := agent.SelectAction(step)
			step, _ = env.Step(action)
			if err := agent.Observe(action, step); err != nil {
				t.Fatalf("could not observe timestep: %v", err)
			}
			if err := agent.Step(); err != nil {
				t.Fatalf("could not update weights (doubleQ = %v): %v",
					doubleQ, err)
			}
			if step.Last() {
				agent.EndEpisode()
				env, step = envConf.Create(37)
				if err := agent.ObserveFirst(step); err != nil {
					t.Fatalf("could not observe first timestep: %v", err)
				}
			}
		}
		agent.Close()
	}
}
