package deepq

import (
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

// TestTargetSyncSchedule checks that the target network is synced to
// the learned weights once every TargetUpdateInterval environmental
// steps, rather than once every TargetUpdateInterval gradient steps.
func TestTargetSyncSchedule(t *testing.T) {
	conf := validConfig(t)
	conf.TargetUpdateInterval = 4

	envConf := envconfig.NewConfig(envconfig.Cartpole, envconfig.Balance,
		500, 0.99)
	env, step := envConf.Create(37)

	agent, err := New(env, conf, 37)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	defer agent.Close()

	if err := agent.ObserveFirst(step); err != nil {
		t.Fatalf("could not observe first timestep: %v", err)
	}

	// With StartSteps 8 and UpdateInterval 1, gradient updates begin
	// on the ninth environmental step. The ninth step falls between
	// sync points, so the learned weights drift from the target
	// weights until the twelfth step syncs them again.
	for i := 0; i < 12; i++ {
		action := agent.SelectAction(step)
		step, _ = env.Step(action)
		if err := agent.Observe(action, step); err != nil {
			t.Fatalf("could not observe timestep: %v", err)
		}
		if err := agent.Step(); err != nil {
			t.Fatalf("could not update weights: %v", err)
		}
		if step.Last() {
			agent.EndEpisode()
			env, step = envConf.Create(37)
			if err := agent.ObserveFirst(step); err != nil {
				t.Fatalf("could not observe first timestep: %v", err)
			}
		}

		envSteps := i + 1
		if envSteps <= 8 {
			continue
		}
		synced := sameWeights(t, agent)
		if envSteps%conf.TargetUpdateInterval == 0 && !synced {
			t.Errorf("target network was not synced on step %d", envSteps)
		}
		if envSteps%conf.TargetUpdateInterval != 0 && synced {
			t.Errorf("target network should not be synced on step %d",
				envSteps)
		}
	}
}

// sameWeights returns whether the target network weights equal the
// learned weights
func sameWeights(t *testing.T, agent *DeepQ) bool {
	t.Helper()

	trainWeights := agent.trainNet.Network().Learnables()
	targetWeights := agent.targetNet.Network().Learnables()
	if len(trainWeights) != len(targetWeights) {
		t.Fatalf("mismatched learnable counts\n\twant(%v)\n\thave(%v)",
			len(trainWeights), len(targetWeights))
	}

	for i := range trainWeights {
		trainData := trainWeights[i].Value().Data().([]float64)
		targetData := targetWeights[i].Value().Data().([]float64)
		for j := range trainData {
			if trainData[j] != targetData[j] {
				return false
			}
		}
	}
	return true
}
