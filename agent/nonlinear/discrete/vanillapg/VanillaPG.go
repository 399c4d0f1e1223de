package vanillapg

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/Tubbz-alt/rljax/agent"
	"github.com/Tubbz-alt/rljax/agent/nonlinear/discrete/policy"
	"github.com/Tubbz-alt/rljax/buffer/rollout"
	"github.com/Tubbz-alt/rljax/environment"
	"github.com/Tubbz-alt/rljax/network"
	ts "github.com/Tubbz-alt/rljax/timestep"
)

// Note: Step() is called on each timestep. When the epoch is finished
// the current episode may not be finished, but Step() will be called,
// updating the current policy. In this case, we will finish the
// episode with an updated policy, but none of this data will be
// recorded or used to update the policy. Instead, we finish the
// episode and start the next epoch from the beginning of the next
// episode.
//
// Since the data collected at the end of the last episode will be
// collected with the updated policy, we could actually keep this data
// and begin adding it to the new buffer. Then we would be updating
// using the new buffer, which contains data from the middle of an
// episode. But, since this data is collected with the current policy,
// all the data used to update will be from the same policy, and
// everything would work fine if we updated with this data. Since many
// current implementations do not do this but rather throw out the
// data remaining in the episode, we also follow this practice.

// VPG implements the Vanilla Policy Gradient algorithm with
// generalized advantage estimation. This implementation is adapted
// from:
//
// https://spinningup.openai.com/en/latest/algorithms/vpg.html
// https://github.com/openai/spinningup/blob/master/spinup/algos/tf1/vpg/vpg.py
type VPG struct {
	// Policy
	behaviour         *policy.CategoricalMLP // Has its own VM
	trainPolicy       agent.LogPdfOfer       // Policy that is learned
	trainPolicySolver G.Solver
	trainPolicyVM     G.VM
	advantages        *G.Node // For gradient construction

	buffer           *rollout.Buffer
	epochLength      int
	currentEpochStep int
	completedEpochs  int
	eval             bool

	// finishingEpisode becomes true when the number of steps recorded
	// is equal to the total number of steps allowed in the epoch.
	// In this case, the agent continues to act in the environment,
	// but we can no longer store any data in the buffer. Hence, the
	// rest of the episode is finished, but its data discarded.
	finishingEpisode bool

	// finishEpisodeOnEpochEnd denotes if the current episode should
	// be finished before starting a new epoch. If true, then the
	// agent is updated when the current epoch ends, then the current
	// episode is finished, then the next epoch starts. If false, the
	// agent is updated when the current epoch is finished, and the
	// next epoch starts at the next timestep, which may be in the
	// middle of an episode.
	finishEpisodeOnEpochEnd bool

	prevStep ts.TimeStep

	// State value critic
	vValueFn             network.NeuralNet
	vVM                  G.VM
	vTrainValueFn        network.NeuralNet
	vTrainValueFnVM      G.VM
	vTrainValueFnTargets *G.Node
	vSolver              G.Solver
	valueGradSteps       int
}

// New creates and returns a new VPG agent
func New(e environment.Environment, config Config,
	seed int64) (*VPG, error) {
	// Ensure environment has discrete actions
	if e.ActionSpec().Cardinality != environment.Discrete {
		return nil, fmt.Errorf("vanillapg: softmax policies cannot be " +
			"used with continuous actions")
	}

	// Ensure the configuration is valid
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	features := e.ObservationSpec().Shape.Len()
	init := config.InitWFn.InitWFn()

	// Create the rollout buffer. Actions are stored as indices.
	buffer := rollout.New(features, 1, config.EpochLength, config.Lambda,
		config.Gamma)

	// Create the prediction policy for selecting single actions
	behaviourPolicy, err := policy.NewCategoricalMLP(e, 1, G.NewGraph(),
		config.PolicyLayers, config.PolicyBiases, config.PolicyActivations,
		init, uint64(seed))
	if err != nil {
		return nil, fmt.Errorf("new: could not create behaviour "+
			"policy: %v", err)
	}
	behaviour, ok := behaviourPolicy.(*policy.CategoricalMLP)
	if !ok {
		return nil, fmt.Errorf("new: behaviour policy cannot compute "+
			"log probabilities: %T", behaviourPolicy)
	}

	// Create the training policy, which evaluates the log probability
	// of a full epoch of actions
	trainPolicy, err := policy.NewCategoricalMLP(e, config.EpochLength,
		G.NewGraph(), config.PolicyLayers, config.PolicyBiases,
		config.PolicyActivations, init, uint64(seed))
	if err != nil {
		return nil, fmt.Errorf("new: could not create policy: %v", err)
	}

	logProb := trainPolicy.LogPdfNode()
	advantages := G.NewVector(
		trainPolicy.Network().Graph(),
		tensor.Float64,
		G.WithName("Advantages"),
		G.WithShape(config.EpochLength),
	)

	policyLoss := G.Must(G.HadamardProd(logProb, advantages))
	policyLoss = G.Must(G.Mean(policyLoss))
	policyLoss = G.Must(G.Neg(policyLoss))

	_, err = G.Grad(policyLoss, trainPolicy.Network().Learnables()...)
	if err != nil {
		return nil, fmt.Errorf("new: could not compute policy "+
			"gradient: %v", err)
	}
	trainPolicyVM := G.NewTapeMachine(
		trainPolicy.Network().Graph(),
		G.BindDualValues(trainPolicy.Network().Learnables()...),
	)

	// Create the prediction value function
	valueFn, err := network.NewMultiHeadMLP(features, 1, 1, G.NewGraph(),
		config.ValueFnLayers, config.ValueFnBiases, init,
		config.ValueFnActivations)
	if err != nil {
		return nil, fmt.Errorf("new: could not create value "+
			"function: %v", err)
	}
	vVM := G.NewTapeMachine(valueFn.Graph())

	// Create the training value function
	trainValueFn, err := network.NewMultiHeadMLP(features,
		config.EpochLength, 1, G.NewGraph(), config.ValueFnLayers,
		config.ValueFnBiases, init, config.ValueFnActivations)
	if err != nil {
		return nil, fmt.Errorf("new: could not create train value "+
			"function: %v", err)
	}

	trainValueFnTargets := G.NewMatrix(
		trainValueFn.Graph(),
		tensor.Float64,
		G.WithShape(trainValueFn.Prediction()[0].Shape()...),
		G.WithName("Value Function Update Target"),
	)

	valueFnLoss := G.Must(G.Sub(trainValueFn.Prediction()[0],
		trainValueFnTargets))
	valueFnLoss = G.Must(G.Square(valueFnLoss))
	valueFnLoss = G.Must(G.Mean(valueFnLoss))

	_, err = G.Grad(valueFnLoss, trainValueFn.Learnables()...)
	if err != nil {
		return nil, fmt.Errorf("new: could not compute value function "+
			"gradient: %v", err)
	}
	trainValueFnVM := G.NewTapeMachine(
		trainValueFn.Graph(),
		G.BindDualValues(trainValueFn.Learnables()...),
	)

	// Prediction networks start from the training networks' weights
	if err := network.Set(behaviour.Network(),
		trainPolicy.Network()); err != nil {
		return nil, fmt.Errorf("new: could not sync behaviour "+
			"policy: %v", err)
	}
	if err := network.Set(valueFn, trainValueFn); err != nil {
		return nil, fmt.Errorf("new: could not sync value function: %v",
			err)
	}

	vpg := &VPG{
		behaviour:         behaviour,
		trainPolicy:       trainPolicy,
		trainPolicyVM:     trainPolicyVM,
		trainPolicySolver: config.PolicySolver,
		advantages:        advantages,

		vValueFn: valueFn,
		vVM:      vVM,

		vTrainValueFn:        trainValueFn,
		vTrainValueFnTargets: trainValueFnTargets,
		vTrainValueFnVM:      trainValueFnVM,
		vSolver:              config.VSolver,
		valueGradSteps:       config.ValueGradSteps,

		buffer:                  buffer,
		epochLength:             config.EpochLength,
		currentEpochStep:        0,
		completedEpochs:         0,
		eval:                    false,
		finishingEpisode:        false,
		finishEpisodeOnEpochEnd: config.FinishEpisodeOnEpochEnd,
	}

	return vpg, nil
}

// SelectAction returns an action at the given timestep.
func (v *VPG) SelectAction(t ts.TimeStep) *mat.VecDense {
	return v.behaviour.SelectAction(t)
}

// EndEpisode performs cleanup at the end of an episode.
func (v *VPG) EndEpisode() {
	// If the previous epoch finished before the episode finished, the
	// ending of the previous episode would have been thrown out. Since
	// a new episode is starting now, we can begin storing data for
	// the current epoch.
	v.finishingEpisode = false
}

// Eval sets the algorithm into evaluation mode
func (v *VPG) Eval() {
	v.eval = true
	v.behaviour.Eval()
}

// Train sets the algorithm into training mode
func (v *VPG) Train() {
	v.eval = false
	v.behaviour.Train()
}

// IsEval returns whether the agent is in evaluation mode
func (v *VPG) IsEval() bool {
	return v.eval
}

// ObserveFirst observes and records information about the first
// timestep in an episode.
func (v *VPG) ObserveFirst(t ts.TimeStep) error {
	if !t.First() {
		fmt.Fprintf(os.Stderr, "Warning: ObserveFirst() should only be "+
			"called on the first timestep (current timestep = %d)", t.Number)
	}
	v.prevStep = t
	return nil
}

// stateValue runs the prediction value function on a single
// observation
func (v *VPG) stateValue(obs []float64) (float64, error) {
	if err := v.vValueFn.SetInput(obs); err != nil {
		return 0, fmt.Errorf("could not set value function input: %v", err)
	}
	if err := v.vVM.RunAll(); err != nil {
		return 0, fmt.Errorf("could not predict state value: %v", err)
	}
	value := v.vValueFn.Output()[0].Data().([]float64)
	v.vVM.Reset()
	if len(value) != 1 {
		return 0, fmt.Errorf("multiple values predicted for state value")
	}
	return value[0], nil
}

// Observe observes and records any timestep other than the first
// timestep
func (v *VPG) Observe(action mat.Vector, nextStep ts.TimeStep) error {
	// Finish current episode to end epoch
	if v.finishingEpisode {
		v.prevStep = nextStep
		return nil
	}

	// Calculate value of the previous step
	obs := v.prevStep.Observation.RawVector().Data
	value, err := v.stateValue(obs)
	if err != nil {
		return fmt.Errorf("observe: %v", err)
	}

	a := int(action.AtVec(0))
	logProb, err := v.behaviour.LogProb(obs, a)
	if err != nil {
		return fmt.Errorf("observe: %v", err)
	}

	err = v.buffer.Store(obs, []float64{float64(a)}, nextStep.Reward,
		logProb, value)
	if err != nil {
		return fmt.Errorf("observe: %v", err)
	}

	// Update obs (critical!)
	v.prevStep = nextStep
	obs = nextStep.Observation.RawVector().Data

	v.currentEpochStep++
	terminal := nextStep.Last() || v.currentEpochStep == v.epochLength
	if terminal {
		if nextStep.Terminal() {
			v.buffer.FinishPath(0.0)
		} else {
			// Bootstrap off the value of the cutoff state
			lastVal, err := v.stateValue(obs)
			if err != nil {
				return fmt.Errorf("observe: %v", err)
			}
			v.buffer.FinishPath(lastVal)
			v.finishingEpisode = (v.currentEpochStep == v.epochLength) &&
				v.finishEpisodeOnEpochEnd
		}
	}
	return nil
}

// Step updates the agent when an epoch has completed. If the agent is
// in evaluation mode, then this function simply returns.
func (v *VPG) Step() error {
	if v.currentEpochStep < v.epochLength || v.eval {
		return nil
	}

	obs, act, _, adv, ret, err := v.buffer.Get()
	if err != nil {
		return fmt.Errorf("step: could not drain buffer: %v", err)
	}

	// Policy gradient step
	advantagesTensor := tensor.NewDense(
		tensor.Float64,
		v.advantages.Shape(),
		tensor.WithBacking(adv),
	)
	if err := G.Let(v.advantages, advantagesTensor); err != nil {
		return fmt.Errorf("step: could not set advantages: %v", err)
	}
	if _, err := v.trainPolicy.LogPdfOf(obs, act); err != nil {
		return fmt.Errorf("step: could not set policy inputs: %v", err)
	}
	if err := v.trainPolicyVM.RunAll(); err != nil {
		return fmt.Errorf("step: could not run policy gradient "+
			"step: %v", err)
	}
	err = v.trainPolicySolver.Step(v.trainPolicy.Network().Model())
	if err != nil {
		return fmt.Errorf("step: could not update policy weights: %v", err)
	}
	v.trainPolicyVM.Reset()

	// Value function update
	for i := 0; i < v.valueGradSteps; i++ {
		trainValueFnTargetsTensor := tensor.NewDense(
			tensor.Float64,
			v.vTrainValueFnTargets.Shape(),
			tensor.WithBacking(ret),
		)
		err := G.Let(v.vTrainValueFnTargets, trainValueFnTargetsTensor)
		if err != nil {
			return fmt.Errorf("step: could not set value function "+
				"targets: %v", err)
		}
		if err := v.vTrainValueFn.SetInput(obs); err != nil {
			return fmt.Errorf("step: could not set value function "+
				"input: %v", err)
		}
		if err := v.vTrainValueFnVM.RunAll(); err != nil {
			return fmt.Errorf("step: could not run value function "+
				"gradient step: %v", err)
		}
		if err := v.vSolver.Step(v.vTrainValueFn.Model()); err != nil {
			return fmt.Errorf("step: could not update value function "+
				"weights: %v", err)
		}
		v.vTrainValueFnVM.Reset()
	}

	// Update behaviour policy and prediction value function
	err = network.Set(v.behaviour.Network(), v.trainPolicy.Network())
	if err != nil {
		return fmt.Errorf("step: could not sync behaviour policy: %v", err)
	}
	if err := network.Set(v.vValueFn, v.vTrainValueFn); err != nil {
		return fmt.Errorf("step: could not sync value function: %v", err)
	}
	v.completedEpochs++
	v.currentEpochStep = 0

	return nil
}

// Close cleans up any resources the agent holds
func (v *VPG) Close() error {
	if err := v.behaviour.Close(); err != nil {
		return fmt.Errorf("close: %v", err)
	}

	v.vVM.Close()
	v.vTrainValueFnVM.Close()
	return v.trainPolicyVM.Close()
}
