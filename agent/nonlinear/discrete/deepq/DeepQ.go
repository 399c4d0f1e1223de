package deepq

import (
	"fmt"
	"os"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/Tubbz-alt/rljax/agent"
	"github.com/Tubbz-alt/rljax/agent/nonlinear/discrete/policy"
	"github.com/Tubbz-alt/rljax/environment"
	"github.com/Tubbz-alt/rljax/expreplay"
	"github.com/Tubbz-alt/rljax/network"
	ts "github.com/Tubbz-alt/rljax/timestep"
	"github.com/Tubbz-alt/rljax/utils/floatutils"
)

// DeepQ implements the deep Q-learning algorithm. This algorithm is
// conceptually similar to DQN, but uses the MSE loss.
//
// Transitions are accumulated in an experience replay buffer, which
// may aggregate multi-step returns and may be prioritized. When the
// buffer is prioritized, the priorities of sampled transitions are
// refreshed with their absolute TD errors after every gradient step.
type DeepQ struct {
	// Action selection policy
	behaviourPolicy agent.EGreedyNNPolicy

	// Policy for learning weights that takes in batches of inputs
	trainNet   agent.EGreedyNNPolicy // Policy whose weights are adapted
	trainNetVM G.VM
	solver     G.Solver // Adapts the weights of trainNet

	// Policy that provides the update target for a batch of inputs.
	// Note that this is a target network, providing the update target.
	// It is not the network for the target policy.
	targetNet   agent.EGreedyNNPolicy
	targetNetVM G.VM

	// Variables to track target network updates
	tau                  float64 // Polyak averaging constant
	targetUpdateInterval int     // Environmental steps between target updates
	gradientSteps        int

	// Update schedule
	startSteps     int // Steps before which actions are uniform random
	updateInterval int // Environmental steps between gradient updates
	envSteps       int

	selectedActions *G.Node // Actions taken at the previous states
	numActions      int

	replay expreplay.ExperienceReplayer

	// nextStateActionValues is the input node in the graph of trainNet
	// that is given the action values of the next state. For update:
	//
	// Q(s, a) <- Q(s, a) + α * (r + γᴺ max[Q(s', a')] - Q(s, a)) ∇Q(s, a)
	//
	// nextStateActionValues provides Q(s', a') for all a' in s' and is
	// computed by targetNet. The discounts already hold γᴺ for N-step
	// transitions, with terminal transitions holding 0.
	nextStateActionValues *G.Node
	rewards               *G.Node
	discounts             *G.Node
	isWeights             *G.Node // Importance sampling weights

	// absTDVal holds the absolute TD error of the last sampled batch
	// after each run of trainNetVM. It refreshes replay priorities.
	absTDVal *G.Value

	// Keep track of previous states and actions to add to replay buffer
	prevStep   ts.TimeStep
	prevAction int
	nextStep   ts.TimeStep

	batchSize int
	eval      bool // Whether or not in evaluation mode
	rng       *rand.Rand
}

// New creates and returns a new DeepQ agent
func New(e environment.Environment, config Config,
	seed int64) (*DeepQ, error) {
	// Ensure environment has discrete actions
	if e.ActionSpec().Cardinality != environment.Discrete {
		return &DeepQ{}, fmt.Errorf("deepq: cannot use non-discrete " +
			"actions")
	}

	// Ensure actions are one-dimensional
	if e.ActionSpec().LowerBound.Len() > 1 {
		return &DeepQ{}, fmt.Errorf("deepq: actions must be " +
			"1-dimensional")
	}

	// Ensure actions are enumerated from 0
	if e.ActionSpec().LowerBound.AtVec(0) != 0.0 {
		return &DeepQ{}, fmt.Errorf("deepq: actions must be " +
			"enumerated starting from 0")
	}

	// Ensure the configuration is valid
	err := config.Validate()
	if err != nil {
		return &DeepQ{}, err
	}

	// Extract configuration variables
	batchSize := config.BatchSize()
	numActions := int(e.ActionSpec().UpperBound.AtVec(0)) + 1
	hiddenSizes := config.PolicyLayers
	biases := config.Biases
	activations := config.Activations
	init := config.InitWFn.InitWFn()
	ε := config.Epsilon

	// Behaviour network for selecting actions
	g := G.NewGraph()
	behaviourPolicy, err := policy.NewMultiHeadEGreedyMLP(
		ε,
		e,
		1, // For behaviour policy, we only need to select a single action
		g,
		hiddenSizes,
		biases,
		init,
		activations,
		uint64(seed),
	)
	if err != nil {
		return &DeepQ{}, err
	}

	// Create the target network which provides the update target
	targetNetClone, err := behaviourPolicy.CloneWithBatch(batchSize)
	if err != nil {
		msg := "new: could not create target network: %v"
		return &DeepQ{}, fmt.Errorf(msg, err)
	}
	targetNet := targetNetClone.(agent.EGreedyNNPolicy)
	targetNet.SetEpsilon(0.0) // Qlearning target policy is greedy
	targetNetVM := G.NewTapeMachine(targetNet.Network().Graph())

	// Create a training network which learns the weights
	trainNetClone, err := behaviourPolicy.CloneWithBatch(batchSize)
	if err != nil {
		msg := "new: could not create learning network: %v"
		return &DeepQ{}, fmt.Errorf(msg, err)
	}
	trainNet := trainNetClone.(agent.EGreedyNNPolicy)
	gTrain := trainNet.Network().Graph()

	// Create nodes to compute the update target: r + γ * max[Q(s', a')]
	nextStateActionValues := G.NewMatrix(gTrain, tensor.Float64,
		G.WithShape(batchSize, numActions), G.WithName("targetActionVals"))
	rewards := G.NewVector(gTrain, tensor.Float64, G.WithShape(batchSize),
		G.WithName("reward"))
	discounts := G.NewVector(gTrain, tensor.Float64, G.WithShape(batchSize),
		G.WithName("discount"))
	isWeights := G.NewVector(gTrain, tensor.Float64, G.WithShape(batchSize),
		G.WithName("isWeight"))

	// Compute the update target
	updateTarget := G.Must(G.Max(nextStateActionValues, 1))
	updateTarget = G.Must(G.HadamardProd(updateTarget, discounts))
	updateTarget = G.Must(G.Add(updateTarget, rewards))

	// Action selected in the previous state. This is needed to compute
	// the loss using the correct action value since the network outputs
	// N action values, one for each environmental action
	selectedActions := G.NewMatrix(
		gTrain,
		tensor.Float64,
		G.WithName("actionSelected"),
		G.WithShape(batchSize, numActions),
	)
	selectedActionsValue := G.Must(G.HadamardProd(
		trainNet.Network().Prediction()[0], selectedActions))
	selectedActionsValue = G.Must(G.Sum(selectedActionsValue, 1))

	// Compute the importance-weighted Mean Squarred TD error
	tdErrors := G.Must(G.Sub(updateTarget, selectedActionsValue))
	absTD := G.Must(G.Abs(tdErrors))
	losses := G.Must(G.Square(tdErrors))
	losses = G.Must(G.HadamardProd(losses, isWeights))
	cost := G.Must(G.Mean(losses))

	absTDVal := new(G.Value)
	G.Read(absTD, absTDVal)

	// Compute the gradient with respect to the Mean Squarred TD error
	_, err = G.Grad(cost, trainNet.Network().Learnables()...)
	if err != nil {
		msg := fmt.Sprintf("new: could not compute gradient: %v", err)
		panic(msg)
	}

	// Compile the trainNet graph into a VM
	trainNetVM := G.NewTapeMachine(
		gTrain,
		G.BindDualValues(trainNet.Network().Learnables()...),
	)

	// Create the experience replay buffer. The replay buffer stores
	// actions selected as one-hot vectors
	numFeatures := e.ObservationSpec().Shape.Len()
	replay, err := config.ExpReplay.Create(numFeatures, numActions, seed)
	if err != nil {
		msg := "new: could not create experience replay buffer: %v"
		return &DeepQ{}, fmt.Errorf(msg, err)
	}

	return &DeepQ{
		behaviourPolicy:       behaviourPolicy,
		trainNet:              trainNet,
		trainNetVM:            trainNetVM,
		solver:                config.Solver,
		targetNet:             targetNet,
		targetNetVM:           targetNetVM,
		tau:                   config.Tau,
		targetUpdateInterval:  config.TargetUpdateInterval,
		gradientSteps:         0,
		startSteps:            config.StartSteps,
		updateInterval:        config.UpdateInterval,
		envSteps:              0,
		selectedActions:       selectedActions,
		numActions:            numActions,
		replay:                replay,
		nextStateActionValues: nextStateActionValues,
		rewards:               rewards,
		discounts:             discounts,
		isWeights:             isWeights,
		absTDVal:              absTDVal,
		prevStep:              ts.TimeStep{},
		prevAction:            0,
		nextStep:              ts.TimeStep{},
		batchSize:             batchSize,
		eval:                  false,
		rng:                   rand.New(rand.NewSource(uint64(seed))),
	}, nil
}

// ObserveFirst observes and records the first episodic timestep
func (d *DeepQ) ObserveFirst(t ts.TimeStep) error {
	if !t.First() {
		fmt.Fprintf(os.Stderr, "Warning: ObserveFirst() should only be "+
			"called on the first timestep (current timestep = %d)", t.Number)
	}
	d.prevStep = ts.TimeStep{}
	d.nextStep = t
	return nil
}

// Observe observes and records any timestep other than the first
// timestep
func (d *DeepQ) Observe(action mat.Vector, nextStep ts.TimeStep) error {
	if action.Len() != 1 {
		return fmt.Errorf("observe: value-based methods cannot "+
			"have multi-dimensional actions (action dim = %d)", action.Len())
	}
	d.envSteps++

	// Add to replay buffer
	if !d.nextStep.First() {
		prevAction := mat.NewVecDense(d.numActions, nil)
		prevAction.SetVec(d.prevAction, 1.0)

		nextAction := mat.NewVecDense(d.numActions, nil)
		nextAction.SetVec(int(action.AtVec(0)), 1.0)

		transition := ts.NewTransition(d.prevStep, prevAction, d.nextStep,
			nextAction)
		if err := d.replay.Add(transition); err != nil {
			return fmt.Errorf("observe: could not record transition: %v",
				err)
		}
	}

	// Update internal variables
	d.prevStep = d.nextStep
	d.nextStep = nextStep
	d.prevAction = int(action.AtVec(0))
	return nil
}

// Step updates the weights of the Agent's Policies. Updates are gated
// on the update schedule: no update occurs during the random action
// warmup, and thereafter a gradient step is taken once every
// updateInterval environmental steps, provided the replay buffer
// holds sufficiently many samples.
func (d *DeepQ) Step() error {
	if d.envSteps < d.startSteps || d.envSteps%d.updateInterval != 0 {
		return nil
	}

	S, A, R, discount, NextS, isWeights, err := d.replay.Sample()
	if expreplay.IsEmptyBuffer(err) || expreplay.IsInsufficientSamples(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("step: could not sample from replay buffer: %v",
			err)
	}

	// Previous action one-hot vectors
	prevActions := tensor.New(
		tensor.WithShape(d.batchSize, d.numActions),
		tensor.WithBacking(A),
	)
	if err := G.Let(d.selectedActions, prevActions); err != nil {
		return fmt.Errorf("step: could not set selected actions: %v", err)
	}

	// Predict the action values in state S
	if err := d.trainNet.Network().SetInput(S); err != nil {
		return fmt.Errorf("step: could not set trainNet input: %v", err)
	}

	// Predict the action values in the next state NextS
	if err := d.targetNet.Network().SetInput(NextS); err != nil {
		return fmt.Errorf("step: could not set target net input: %v", err)
	}

	// Compute the next state-action values
	if err := d.targetNetVM.RunAll(); err != nil {
		return fmt.Errorf("step: could not run target network: %v", err)
	}

	// Set the action values for the actions in the next state
	err = G.Let(d.nextStateActionValues, d.targetNet.Network().Output()[0])
	if err != nil {
		return fmt.Errorf("step: could not set next state-action "+
			"values: %v", err)
	}

	// Set the rewards, discounts, and importance sampling weights for
	// the sampled batch
	rewardTensor := tensor.New(tensor.WithBacking(R),
		tensor.WithShape(d.batchSize))
	if err := G.Let(d.rewards, rewardTensor); err != nil {
		return fmt.Errorf("step: could not set reward: %v", err)
	}

	discountTensor := tensor.New(tensor.WithBacking(discount),
		tensor.WithShape(d.batchSize))
	if err := G.Let(d.discounts, discountTensor); err != nil {
		return fmt.Errorf("step: could not set discount: %v", err)
	}

	isWeightTensor := tensor.New(tensor.WithBacking(isWeights),
		tensor.WithShape(d.batchSize))
	if err := G.Let(d.isWeights, isWeightTensor); err != nil {
		return fmt.Errorf("step: could not set importance sampling "+
			"weights: %v", err)
	}

	d.targetNetVM.Reset()

	// Run the learning step
	if err := d.trainNetVM.RunAll(); err != nil {
		return fmt.Errorf("step: could not run gradient step: %v", err)
	}
	if err := d.solver.Step(d.trainNet.Network().Model()); err != nil {
		return fmt.Errorf("step: could not update weights: %v", err)
	}

	// Refresh the priorities of the sampled batch before releasing
	// the VM, which owns the TD error backing
	absTD := make([]float64, d.batchSize)
	copy(absTD, (*d.absTDVal).Data().([]float64))

	d.trainNetVM.Reset()
	d.gradientSteps++

	if err := d.replay.UpdatePriorities(absTD); err != nil {
		return fmt.Errorf("step: could not update priorities: %v", err)
	}

	// Update the target network by setting its weights to the newly
	// learned weights
	if d.envSteps%d.targetUpdateInterval == 0 {
		if d.tau == 1.0 {
			err = network.Set(d.targetNet.Network(), d.trainNet.Network())
		} else {
			err = network.Polyak(d.targetNet.Network(),
				d.trainNet.Network(), d.tau)
		}
		if err != nil {
			return fmt.Errorf("step: could not sync target network: %v",
				err)
		}
	}

	err = network.Set(d.behaviourPolicy.Network(), d.trainNet.Network())
	if err != nil {
		return fmt.Errorf("step: could not sync behaviour policy: %v", err)
	}
	return nil
}

// SelectAction returns an action selected by the behaviour policy. For
// the first startSteps environmental steps in training mode, actions
// are selected uniformly at random to seed the replay buffer.
func (d *DeepQ) SelectAction(t ts.TimeStep) *mat.VecDense {
	if !d.eval && d.envSteps < d.startSteps {
		action := d.rng.Intn(d.numActions)
		return mat.NewVecDense(1, []float64{float64(action)})
	}

	return d.behaviourPolicy.SelectAction(t)
}

// TdError calculates the TD error generated by the learner on some
// transition.
func (d *DeepQ) TdError(t ts.Transition) float64 {
	behaviour, ok := d.behaviourPolicy.(*policy.MultiHeadEGreedyMLP)
	if !ok {
		panic("tderror: behaviour policy does not expose action values")
	}

	actionValues, err := behaviour.ActionValues(t.State.RawVector().Data)
	if err != nil {
		panic(fmt.Sprintf("tderror: %v", err))
	}
	action := int(t.Action.AtVec(0))
	if t.Action.Len() == d.numActions {
		action = floatutils.ArgMax(t.Action.RawVector().Data)
	}
	actionValue := actionValues[action]

	nextActionValues, err := behaviour.ActionValues(
		t.NextState.RawVector().Data)
	if err != nil {
		panic(fmt.Sprintf("tderror: %v", err))
	}
	nextActionValue, _ := floatutils.MaxSlice(nextActionValues)

	return t.Reward + t.Discount*nextActionValue - actionValue
}

// Eval sets the agent into evaluation mode
func (d *DeepQ) Eval() {
	d.eval = true
	d.behaviourPolicy.Eval()
}

// Train sets the agent into training mode
func (d *DeepQ) Train() {
	d.eval = false
	d.behaviourPolicy.Train()
}

// IsEval returns whether the agent is in evaluation mode
func (d *DeepQ) IsEval() bool {
	return d.eval
}

// EndEpisode performs cleanup at the end of an episode. The
// transition into the final state is committed to the replay buffer
// before any transitions whose multi-step returns were cut off by the
// episode ending are flushed.
func (d *DeepQ) EndEpisode() {
	if d.nextStep.Last() {
		prevAction := mat.NewVecDense(d.numActions, nil)
		prevAction.SetVec(d.prevAction, 1.0)

		// No action is selected at the final state
		nextAction := mat.NewVecDense(d.numActions, nil)

		transition := ts.NewTransition(d.prevStep, prevAction, d.nextStep,
			nextAction)
		if err := d.replay.Add(transition); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not record final "+
				"transition: %v", err)
		}
	}
	d.replay.EndEpisode()
}

// Close cleans up any resources the agent holds
func (d *DeepQ) Close() error {
	if err := d.behaviourPolicy.Close(); err != nil {
		return fmt.Errorf("close: %v", err)
	}

	d.targetNetVM.Close()
	return d.trainNetVM.Close()
}
