package fqf

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"os"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/Tubbz-alt/rljax/environment"
	"github.com/Tubbz-alt/rljax/expreplay"
	"github.com/Tubbz-alt/rljax/network"
	ts "github.com/Tubbz-alt/rljax/timestep"
	"github.com/Tubbz-alt/rljax/utils/floatutils"
)

// FQF implements the fully parameterized quantile function algorithm.
// A quantile network predicts the quantile values of the return
// distribution of each action, and a fraction proposal network learns
// at which fractions those quantiles should be evaluated. Action
// values are the quantile values weighted by the width of each
// proposed fraction interval.
//
// The quantile network is trained by quantile regression against a
// target quantile network evaluated at the same proposed fractions as
// the current quantiles. The fraction proposal network is trained
// with the gradient of the 1-Wasserstein distance with respect to
// each adjustable fraction, holding the quantile network fixed.
// Because the two updates hold different parts of the model fixed,
// each network is trained on its own computational graph, and weights
// are copied between graphs when needed.
type FQF struct {
	// Network for selecting single actions
	behaviourNet network.FQFNet
	behaviourVM  G.VM

	// Quantile network whose weights are adapted. The fractions at
	// which quantiles are evaluated are an input to this graph so
	// that the regression loss treats them as constant.
	quantileTrain   network.QuantileNet
	quantileTrainVM G.VM
	quantileSolver  G.Solver

	// Quantile network evaluated at both the adjustable fractions and
	// their midpoints to compute the fraction proposal gradient. Its
	// weights are copied from quantileTrain before each update.
	quantileEval   network.QuantileNet
	quantileEvalVM G.VM

	// Fraction proposal network whose weights are adapted
	fractionTrain  network.FractionNet
	fractionVM     G.VM
	fractionSolver G.Solver
	fractionGrad   *G.Node // Surrogate gradient input ∂W₁/∂τᵢ

	// Quantile network providing the update target, with weights
	// frozen at the last hard sync. The fractions it is evaluated at
	// always come from the current fraction proposal network.
	targetQuantile   network.QuantileNet
	targetQuantileVM G.VM

	// Online network at batch size used to select next actions when
	// double Q-learning is used. Nil otherwise.
	onlineNet network.FQFNet
	onlineVM  G.VM

	// Input nodes of the quantile regression loss
	targetQuantiles *G.Node // Update targets, one per fraction
	selectedActions *G.Node // Actions taken at the previous states
	isWeights       *G.Node // Importance sampling weights

	// absTDVal holds the absolute TD error of the last sampled batch
	// after each run of quantileTrainVM. It refreshes replay
	// priorities.
	absTDVal *G.Value

	// Variables to track target network updates
	targetUpdateInterval int // Environmental steps between target updates
	gradientSteps        int

	// Update schedule
	startSteps     int // Steps before which actions are uniform random
	updateInterval int // Environmental steps between gradient updates
	envSteps       int

	epsilon     float64 // Behaviour policy epsilon
	epsilonEval float64 // Evaluation mode epsilon

	numActions int
	numTaus    int
	doubleQ    bool

	replay expreplay.ExperienceReplayer

	// Keep track of previous states and actions to add to replay buffer
	prevStep   ts.TimeStep
	prevAction int
	nextStep   ts.TimeStep

	batchSize int
	features  int
	hidden    int
	eval      bool // Whether or not in evaluation mode
	rng       *rand.Rand
}

// New creates and returns a new FQF agent
func New(e environment.Environment, config Config,
	seed int64) (*FQF, error) {
	// Ensure environment has discrete actions
	if e.ActionSpec().Cardinality != environment.Discrete {
		return &FQF{}, fmt.Errorf("fqf: cannot use non-discrete actions")
	}

	// Ensure actions are one-dimensional
	if e.ActionSpec().LowerBound.Len() > 1 {
		return &FQF{}, fmt.Errorf("fqf: actions must be 1-dimensional")
	}

	// Ensure actions are enumerated from 0
	if e.ActionSpec().LowerBound.AtVec(0) != 0.0 {
		return &FQF{}, fmt.Errorf("fqf: actions must be enumerated " +
			"starting from 0")
	}

	// Ensure the configuration is valid
	if err := config.Validate(); err != nil {
		return &FQF{}, err
	}

	// Extract configuration variables
	batchSize := config.BatchSize()
	numActions := int(e.ActionSpec().UpperBound.AtVec(0)) + 1
	features := e.ObservationSpec().Shape.Len()
	hiddenSizes := config.PolicyLayers
	biases := config.Biases
	activations := config.Activations
	init := config.InitWFn.InitWFn()
	numTaus := config.Taus
	cosines := config.Cosines

	hidden := features
	if len(hiddenSizes) > 0 {
		hidden = hiddenSizes[len(hiddenSizes)-1]
	}

	// Behaviour network for selecting single actions
	behaviourNet, err := network.NewFQFMLP(features, 1, numActions,
		numTaus, cosines, G.NewGraph(), hiddenSizes, biases, init,
		activations)
	if err != nil {
		return &FQF{}, fmt.Errorf("new: could not create behaviour "+
			"network: %v", err)
	}
	behaviourVM := G.NewTapeMachine(behaviourNet.Graph())

	// Target quantile network providing the update target
	targetQuantile, err := network.NewQuantileMLP(features, batchSize,
		numActions, numTaus, cosines, G.NewGraph(), hiddenSizes, biases,
		init, activations)
	if err != nil {
		return &FQF{}, fmt.Errorf("new: could not create target "+
			"network: %v", err)
	}
	targetQuantileVM := G.NewTapeMachine(targetQuantile.Graph())

	// Online network at batch size for double Q next-action selection
	var onlineNet network.FQFNet
	var onlineVM G.VM
	if config.DoubleQ {
		onlineNet, err = network.NewFQFMLP(features, batchSize,
			numActions, numTaus, cosines, G.NewGraph(), hiddenSizes,
			biases, init, activations)
		if err != nil {
			return &FQF{}, fmt.Errorf("new: could not create online "+
				"network: %v", err)
		}
		onlineVM = G.NewTapeMachine(onlineNet.Graph())
	}

	// Quantile network trained by quantile regression. The fractions
	// at which quantiles are evaluated are fed as inputs.
	gTrain := G.NewGraph()
	quantileTrain, err := network.NewQuantileMLP(features, batchSize,
		numActions, numTaus, cosines, gTrain, hiddenSizes, biases, init,
		activations)
	if err != nil {
		return &FQF{}, fmt.Errorf("new: could not create quantile "+
			"network: %v", err)
	}

	targetQuantiles := G.NewMatrix(gTrain, tensor.Float64,
		G.WithShape(batchSize, numTaus), G.WithName("targetQuantiles"))
	selectedActions := G.NewMatrix(gTrain, tensor.Float64,
		G.WithShape(batchSize, numActions), G.WithName("actionSelected"))
	isWeights := G.NewVector(gTrain, tensor.Float64,
		G.WithShape(batchSize), G.WithName("isWeight"))

	absTDVal, err := quantileRegressionLoss(quantileTrain, targetQuantiles,
		selectedActions, isWeights, config.Loss, config.Kappa, batchSize,
		numTaus, numActions)
	if err != nil {
		return &FQF{}, fmt.Errorf("new: could not compute quantile "+
			"regression loss: %v", err)
	}

	quantileTrainVM := G.NewTapeMachine(
		gTrain,
		G.BindDualValues(quantileTrain.Learnables()...),
	)

	// Quantile network evaluated at the adjustable fractions and
	// their midpoints jointly
	quantileEval, err := network.NewQuantileMLP(features, batchSize,
		numActions, 2*numTaus-1, cosines, G.NewGraph(), hiddenSizes,
		biases, init, activations)
	if err != nil {
		return &FQF{}, fmt.Errorf("new: could not create quantile "+
			"evaluation network: %v", err)
	}
	quantileEvalVM := G.NewTapeMachine(quantileEval.Graph())

	// Fraction proposal network with a surrogate loss whose gradient
	// with respect to each adjustable fraction equals the externally
	// computed ∂W₁/∂τᵢ
	gFraction := G.NewGraph()
	fractionTrain, err := network.NewFractionMLP(hidden, batchSize,
		numTaus, gFraction, init)
	if err != nil {
		return &FQF{}, fmt.Errorf("new: could not create fraction "+
			"proposal network: %v", err)
	}
	fractionGrad := G.NewMatrix(gFraction, tensor.Float64,
		G.WithShape(batchSize, numTaus-1), G.WithName("fractionGrad"))
	surrogate := G.Must(G.HadamardProd(fractionTrain.InnerTaus(),
		fractionGrad))
	fractionCost := G.Must(G.Mean(G.Must(G.Sum(surrogate, 1))))
	if _, err := G.Grad(fractionCost,
		fractionTrain.Learnables()...); err != nil {
		return &FQF{}, fmt.Errorf("new: could not compute fraction "+
			"gradient: %v", err)
	}
	fractionVM := G.NewTapeMachine(
		gFraction,
		G.BindDualValues(fractionTrain.Learnables()...),
	)

	// All networks start from the training networks' weights
	if err := behaviourNet.SyncFrom(quantileTrain, fractionTrain); err != nil {
		return &FQF{}, fmt.Errorf("new: could not sync behaviour "+
			"network: %v", err)
	}
	if err := network.Set(targetQuantile, quantileTrain); err != nil {
		return &FQF{}, fmt.Errorf("new: could not sync target "+
			"network: %v", err)
	}
	if onlineNet != nil {
		err := onlineNet.SyncFrom(quantileTrain, fractionTrain)
		if err != nil {
			return &FQF{}, fmt.Errorf("new: could not sync online "+
				"network: %v", err)
		}
	}
	if err := network.Set(quantileEval, quantileTrain); err != nil {
		return &FQF{}, fmt.Errorf("new: could not sync quantile "+
			"evaluation network: %v", err)
	}

	// Create the experience replay buffer. The replay buffer stores
	// actions selected as one-hot vectors
	replay, err := config.ExpReplay.Create(features, numActions, seed)
	if err != nil {
		return &FQF{}, fmt.Errorf("new: could not create experience "+
			"replay buffer: %v", err)
	}

	return &FQF{
		behaviourNet:         behaviourNet,
		behaviourVM:          behaviourVM,
		quantileTrain:        quantileTrain,
		quantileTrainVM:      quantileTrainVM,
		quantileSolver:       config.QuantileSolver,
		quantileEval:         quantileEval,
		quantileEvalVM:       quantileEvalVM,
		fractionTrain:        fractionTrain,
		fractionVM:           fractionVM,
		fractionSolver:       config.FractionSolver,
		fractionGrad:         fractionGrad,
		targetQuantile:       targetQuantile,
		targetQuantileVM:     targetQuantileVM,
		onlineNet:            onlineNet,
		onlineVM:             onlineVM,
		targetQuantiles:      targetQuantiles,
		selectedActions:      selectedActions,
		isWeights:            isWeights,
		absTDVal:             absTDVal,
		targetUpdateInterval: config.TargetUpdateInterval,
		gradientSteps:        0,
		startSteps:           config.StartSteps,
		updateInterval:       config.UpdateInterval,
		envSteps:             0,
		epsilon:              config.Epsilon,
		epsilonEval:          config.EpsilonEval,
		numActions:           numActions,
		numTaus:              numTaus,
		doubleQ:              config.DoubleQ,
		replay:               replay,
		prevStep:             ts.TimeStep{},
		prevAction:           0,
		nextStep:             ts.TimeStep{},
		batchSize:            batchSize,
		features:             features,
		hidden:               hidden,
		eval:                 false,
		rng:                  rand.New(rand.NewSource(uint64(seed))),
	}, nil
}

// quantileRegressionLoss adds the quantile regression loss of net to
// its computational graph, computes the gradient of the loss with
// respect to the network's learnables, and returns a value populated
// with the absolute TD error of each sample on every run of the graph.
//
// The loss pairs every predicted quantile i with every target quantile
// j. With δᵢⱼ the pairwise TD error, each pair contributes
// ρ(δᵢⱼ) * |τ̂ᵢ - 1{δᵢⱼ < 0}| where ρ is the squared or Huber loss.
// Pair losses are averaged over targets, summed over predictions, and
// averaged over the batch with importance sampling weights.
func quantileRegressionLoss(net network.QuantileNet, targetQuantiles,
	selectedActions, isWeights *G.Node, loss LossType, kappa float64,
	batchSize, numTaus, numActions int) (*G.Value, error) {
	// Quantile values of the actions taken
	prediction := net.Prediction()[0]
	actions3 := G.Must(G.Reshape(selectedActions,
		tensor.Shape{batchSize, 1, numActions}))
	chosen, err := G.BroadcastHadamardProd(prediction, actions3, nil,
		[]byte{1})
	if err != nil {
		return nil, fmt.Errorf("could not select action quantiles: %v", err)
	}
	currentQuantiles := G.Must(G.Sum(chosen, 2)) // (batch, taus)

	// Pairwise TD errors δᵢⱼ = target_j - current_i
	current3 := G.Must(G.Reshape(currentQuantiles,
		tensor.Shape{batchSize, numTaus, 1}))
	target3 := G.Must(G.Reshape(targetQuantiles,
		tensor.Shape{batchSize, 1, numTaus}))
	delta, err := G.BroadcastSub(target3, current3, []byte{1}, []byte{2})
	if err != nil {
		return nil, fmt.Errorf("could not compute pairwise TD errors: %v",
			err)
	}
	absDelta := G.Must(G.Abs(delta))

	// 1{δ < 0} = (1 - sign(δ)) / 2
	one := G.NewConstant(1.0)
	half := G.NewConstant(0.5)
	indicator := G.Must(G.Mul(G.Must(G.Sub(one, G.Must(G.Sign(delta)))),
		half))

	// |τ̂ᵢ - 1{δᵢⱼ < 0}|
	tauHat3 := G.Must(G.Reshape(net.Taus(),
		tensor.Shape{batchSize, numTaus, 1}))
	pairWeight, err := G.BroadcastSub(tauHat3, indicator, []byte{2}, nil)
	if err != nil {
		return nil, fmt.Errorf("could not compute pair weights: %v", err)
	}
	pairWeight = G.Must(G.Abs(pairWeight))

	var element *G.Node
	switch loss {
	case L2Loss:
		element = G.Must(G.Square(delta))

	case HuberLoss:
		// min(|δ|, κ) = κ - relu(κ - |δ|)
		kappaC := G.NewConstant(kappa)
		clipped := G.Must(G.Sub(kappaC,
			G.Must(G.Rectify(G.Must(G.Sub(kappaC, absDelta))))))
		quadratic := G.Must(G.Mul(G.Must(G.Square(clipped)), half))
		linear := G.Must(G.Mul(G.Must(G.Sub(absDelta, clipped)), kappaC))
		element = G.Must(G.Add(quadratic, linear))
		element = G.Must(G.Mul(element, G.NewConstant(1.0/kappa)))

	default:
		return nil, fmt.Errorf("no such loss type %v", loss)
	}
	element = G.Must(G.HadamardProd(pairWeight, element))

	perSample := G.Must(G.Sum(G.Must(G.Mean(element, 2)), 1))
	cost := G.Must(G.Mean(G.Must(G.HadamardProd(perSample, isWeights))))

	// Priorities are the absolute TD errors summed over predicted
	// quantiles and averaged over target quantiles
	absTD := G.Must(G.Mean(G.Must(G.Sum(absDelta, 1)), 1))
	absTDVal := new(G.Value)
	G.Read(absTD, absTDVal)

	if _, err := G.Grad(cost, net.Learnables()...); err != nil {
		return nil, fmt.Errorf("could not compute gradient: %v", err)
	}
	return absTDVal, nil
}

// ObserveFirst observes and records the first episodic timestep
func (f *FQF) ObserveFirst(t ts.TimeStep) error {
	if !t.First() {
		fmt.Fprintf(os.Stderr, "Warning: ObserveFirst() should only be "+
			"called on the first timestep (current timestep = %d)", t.Number)
	}
	f.prevStep = ts.TimeStep{}
	f.nextStep = t
	return nil
}

// Observe observes and records any timestep other than the first
// timestep
func (f *FQF) Observe(action mat.Vector, nextStep ts.TimeStep) error {
	if action.Len() != 1 {
		return fmt.Errorf("observe: value-based methods cannot "+
			"have multi-dimensional actions (action dim = %d)", action.Len())
	}
	f.envSteps++

	// Add to replay buffer
	if !f.nextStep.First() {
		prevAction := mat.NewVecDense(f.numActions, nil)
		prevAction.SetVec(f.prevAction, 1.0)

		nextAction := mat.NewVecDense(f.numActions, nil)
		nextAction.SetVec(int(action.AtVec(0)), 1.0)

		transition := ts.NewTransition(f.prevStep, prevAction, f.nextStep,
			nextAction)
		if err := f.replay.Add(transition); err != nil {
			return fmt.Errorf("observe: could not record transition: %v",
				err)
		}
	}

	// Update internal variables
	f.prevStep = f.nextStep
	f.nextStep = nextStep
	f.prevAction = int(action.AtVec(0))
	return nil
}

// Step updates the weights of the agent's networks. Updates are gated
// on the update schedule: no update occurs during the random action
// warmup, and thereafter a gradient step is taken once every
// updateInterval environmental steps, provided the replay buffer
// holds sufficiently many samples.
func (f *FQF) Step() error {
	if f.envSteps < f.startSteps || f.envSteps%f.updateInterval != 0 {
		return nil
	}

	S, A, R, discount, NextS, isWeights, err := f.replay.Sample()
	if expreplay.IsEmptyBuffer(err) || expreplay.IsInsufficientSamples(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("step: could not sample from replay buffer: %v",
			err)
	}

	// Indices of the actions taken at the sampled states
	actions := make([]int, f.batchSize)
	for b := 0; b < f.batchSize; b++ {
		actions[b] = floatutils.ArgMax(A[b*f.numActions : (b+1)*
			f.numActions])
	}

	// Propose fractions for the sampled states with the current
	// weights
	taus, tauHats, features, err := f.proposeFractions(S)
	if err != nil {
		return fmt.Errorf("step: %v", err)
	}

	// Gradient of the 1-Wasserstein distance with respect to each
	// adjustable fraction, using quantile values at the current
	// weights
	fracGrad, err := f.fractionGradient(S, taus, tauHats, actions)
	if err != nil {
		return fmt.Errorf("step: %v", err)
	}

	// Update targets from the target network, evaluated at the same
	// proposed fractions as the current quantiles
	targets, err := f.updateTargets(NextS, R, discount, tauHats)
	if err != nil {
		return fmt.Errorf("step: %v", err)
	}

	// Quantile regression step at the proposed fraction midpoints
	absTD, err := f.quantileStep(S, A, tauHats, targets, isWeights)
	if err != nil {
		return fmt.Errorf("step: %v", err)
	}

	// Fraction proposal step
	if err := f.fractionStep(features, fracGrad); err != nil {
		return fmt.Errorf("step: %v", err)
	}
	f.gradientSteps++

	if err := f.replay.UpdatePriorities(absTD); err != nil {
		return fmt.Errorf("step: could not update priorities: %v", err)
	}

	// Propagate the new weights to the behaviour network and, on the
	// sync schedule, to the target network
	err = f.behaviourNet.SyncFrom(f.quantileTrain, f.fractionTrain)
	if err != nil {
		return fmt.Errorf("step: could not sync behaviour network: %v", err)
	}
	if f.envSteps%f.targetUpdateInterval == 0 {
		err := network.Set(f.targetQuantile, f.quantileTrain)
		if err != nil {
			return fmt.Errorf("step: could not sync target network: %v",
				err)
		}
	}
	return nil
}

// proposeFractions runs the fraction proposal network on the state
// features of a batch of states, returning the proposed fraction
// sequences of shape (batch, taus+1), their midpoints of shape
// (batch, taus), and the state features the fractions were proposed
// from.
func (f *FQF) proposeFractions(states []float64) (taus, tauHats,
	features []float64, err error) {
	// The state features are read off the trunk of the quantile
	// evaluation network, synced to the current weights
	if err := network.Set(f.quantileEval, f.quantileTrain); err != nil {
		return nil, nil, nil, fmt.Errorf("could not sync quantile "+
			"evaluation network: %v", err)
	}
	if err := f.quantileEval.SetInput(states); err != nil {
		return nil, nil, nil, fmt.Errorf("could not set state input: %v",
			err)
	}
	evalTaus := make([]float64, f.batchSize*(2*f.numTaus-1))
	if err := f.quantileEval.SetTaus(evalTaus); err != nil {
		return nil, nil, nil, fmt.Errorf("could not zero fractions: %v",
			err)
	}
	if err := f.quantileEvalVM.RunAll(); err != nil {
		return nil, nil, nil, fmt.Errorf("could not compute state "+
			"features: %v", err)
	}
	features = make([]float64, f.batchSize*f.hidden)
	copy(features, f.quantileEval.Feature().Data().([]float64))
	f.quantileEvalVM.Reset()

	taus, tauHats, err = f.proposeFromFeatures(features)
	if err != nil {
		return nil, nil, nil, err
	}
	return taus, tauHats, features, nil
}

// proposeFromFeatures runs the fraction proposal network forward on a
// batch of state features. The surrogate loss input is zeroed as only
// the proposed fractions are needed.
func (f *FQF) proposeFromFeatures(features []float64) (taus,
	tauHats []float64, err error) {
	if err := f.fractionTrain.SetInput(features); err != nil {
		return nil, nil, fmt.Errorf("could not set fraction input: "+
			"%v", err)
	}
	zeroGrad := tensor.New(
		tensor.WithBacking(make([]float64, f.batchSize*(f.numTaus-1))),
		tensor.WithShape(f.batchSize, f.numTaus-1),
	)
	if err := G.Let(f.fractionGrad, zeroGrad); err != nil {
		return nil, nil, fmt.Errorf("could not zero the surrogate "+
			"gradient: %v", err)
	}
	if err := f.fractionVM.RunAll(); err != nil {
		return nil, nil, fmt.Errorf("could not propose fractions: %v",
			err)
	}
	taus = make([]float64, f.batchSize*(f.numTaus+1))
	copy(taus, f.fractionTrain.Output()[0].Data().([]float64))
	tauHats = make([]float64, f.batchSize*f.numTaus)
	copy(tauHats, f.fractionTrain.Output()[1].Data().([]float64))
	f.fractionVM.Reset()

	return taus, tauHats, nil
}

// fractionGradient evaluates the quantile network at the adjustable
// fractions and their midpoints, and returns the gradient of the
// 1-Wasserstein distance with respect to each adjustable fraction.
//
// Each adjustable fraction τᵢ contributes |θ(τᵢ) - θ(τ̂ᵢ₋₁)| +
// |θ(τᵢ) - θ(τ̂ᵢ)| to the distance. The sign of each term is decided
// by comparing θ(τᵢ) against its neighbouring quantile values, which
// need not be monotone over the fractions.
func (f *FQF) fractionGradient(states, taus, tauHats []float64,
	actions []int) ([]float64, error) {
	n := f.numTaus
	m := 2*n - 1

	// Per sample, evaluate at [τ₁, ..., τₙ₋₁, τ̂₀, ..., τ̂ₙ₋₁]
	evalTaus := make([]float64, f.batchSize*m)
	for b := 0; b < f.batchSize; b++ {
		copy(evalTaus[b*m:b*m+n-1], taus[b*(n+1)+1:b*(n+1)+n])
		copy(evalTaus[b*m+n-1:(b+1)*m], tauHats[b*n:(b+1)*n])
	}

	if err := f.quantileEval.SetInput(states); err != nil {
		return nil, fmt.Errorf("could not set state input: %v", err)
	}
	if err := f.quantileEval.SetTaus(evalTaus); err != nil {
		return nil, fmt.Errorf("could not set fractions: %v", err)
	}
	if err := f.quantileEvalVM.RunAll(); err != nil {
		return nil, fmt.Errorf("could not evaluate quantiles: %v", err)
	}
	values := f.quantileEval.Output()[0].Data().([]float64)

	grad := wassersteinGrad(values, actions, f.batchSize, f.numTaus,
		f.numActions)
	f.quantileEvalVM.Reset()

	return grad, nil
}

// wassersteinGrad computes the gradient of the 1-Wasserstein distance
// with respect to each adjustable fraction. Per sample, values holds
// the quantile values of every action at the fractions
// [τ₁, ..., τₙ₋₁, τ̂₀, ..., τ̂ₙ₋₁], and actions holds the index of the
// action whose quantile values are used.
func wassersteinGrad(values []float64, actions []int, batchSize, numTaus,
	numActions int) []float64 {
	n := numTaus
	m := 2*n - 1

	grad := make([]float64, batchSize*(n-1))
	for b := 0; b < batchSize; b++ {
		sample := values[b*m*numActions : (b+1)*m*numActions]
		action := actions[b]
		for i := 0; i < n-1; i++ {
			atTau := sample[i*numActions+action]
			atHatBelow := sample[(n-1+i)*numActions+action]
			atHatAbove := sample[(n+i)*numActions+action]

			// Neighbouring quantile values of θ(τᵢ)
			below := atHatBelow
			if i > 0 {
				below = sample[(i-1)*numActions+action]
			}
			above := atHatAbove
			if i < n-2 {
				above = sample[(i+1)*numActions+action]
			}

			left := atTau - atHatBelow
			if atTau <= below {
				left = -left
			}
			right := atTau - atHatAbove
			if atTau >= above {
				right = -right
			}
			grad[b*(n-1)+i] = left + right
		}
	}
	return grad
}

// updateTargets computes the quantile regression targets
// r + γᴺ θ'(τ̂ⱼ, a*) for the sampled batch. The target quantiles are
// evaluated at the same fraction midpoints τ̂ⱼ as the current
// quantiles, proposed by the fraction network at the sampled states.
//
// The greedy action a* is selected from the target quantiles at
// fractions proposed for the next states or, when double Q-learning
// is used, with the online network.
func (f *FQF) updateTargets(nextStates, rewards, discounts,
	tauHats []float64) ([]float64, error) {
	n := f.numTaus

	var nextActions []int
	if f.doubleQ {
		err := f.onlineNet.SyncFrom(f.quantileTrain, f.fractionTrain)
		if err != nil {
			return nil, fmt.Errorf("could not sync online network: %v",
				err)
		}
		if err := f.onlineNet.SetInput(nextStates); err != nil {
			return nil, fmt.Errorf("could not set online input: %v", err)
		}
		if err := f.onlineVM.RunAll(); err != nil {
			return nil, fmt.Errorf("could not run online network: %v", err)
		}
		actionValues := f.onlineNet.Output()[0].Data().([]float64)

		nextActions = make([]int, f.batchSize)
		for b := 0; b < f.batchSize; b++ {
			row := actionValues[b*f.numActions : (b+1)*f.numActions]
			nextActions[b] = floatutils.ArgMax(row)
		}
		f.onlineVM.Reset()
	} else {
		var err error
		if nextActions, err = f.greedyTargetActions(nextStates); err != nil {
			return nil, err
		}
	}

	// Target quantiles at the fraction midpoints proposed for the
	// sampled states
	if err := f.targetQuantile.SetInput(nextStates); err != nil {
		return nil, fmt.Errorf("could not set target input: %v", err)
	}
	if err := f.targetQuantile.SetTaus(tauHats); err != nil {
		return nil, fmt.Errorf("could not set target fractions: %v", err)
	}
	if err := f.targetQuantileVM.RunAll(); err != nil {
		return nil, fmt.Errorf("could not run target network: %v", err)
	}
	quantiles := f.targetQuantile.Output()[0].Data().([]float64)

	targets := make([]float64, f.batchSize*n)
	for b := 0; b < f.batchSize; b++ {
		action := nextActions[b]
		for j := 0; j < n; j++ {
			next := quantiles[b*n*f.numActions+j*f.numActions+action]
			targets[b*n+j] = rewards[b] + discounts[b]*next
		}
	}
	f.targetQuantileVM.Reset()

	return targets, nil
}

// greedyTargetActions selects the greedy action at each of a batch of
// next states using the target quantile network, at fractions
// proposed for those states by the fraction network. The value of
// each action is its quantile values weighted by the width of each
// proposed fraction interval.
func (f *FQF) greedyTargetActions(nextStates []float64) ([]int, error) {
	n := f.numTaus

	// State features of the next states under the target network
	if err := f.targetQuantile.SetInput(nextStates); err != nil {
		return nil, fmt.Errorf("could not set target input: %v", err)
	}
	zeroTaus := make([]float64, f.batchSize*n)
	if err := f.targetQuantile.SetTaus(zeroTaus); err != nil {
		return nil, fmt.Errorf("could not zero target fractions: %v", err)
	}
	if err := f.targetQuantileVM.RunAll(); err != nil {
		return nil, fmt.Errorf("could not compute target features: %v",
			err)
	}
	nextFeatures := make([]float64, f.batchSize*f.hidden)
	copy(nextFeatures, f.targetQuantile.Feature().Data().([]float64))
	f.targetQuantileVM.Reset()

	nextTaus, nextTauHats, err := f.proposeFromFeatures(nextFeatures)
	if err != nil {
		return nil, err
	}

	if err := f.targetQuantile.SetInput(nextStates); err != nil {
		return nil, fmt.Errorf("could not set target input: %v", err)
	}
	if err := f.targetQuantile.SetTaus(nextTauHats); err != nil {
		return nil, fmt.Errorf("could not set target fractions: %v", err)
	}
	if err := f.targetQuantileVM.RunAll(); err != nil {
		return nil, fmt.Errorf("could not run target network: %v", err)
	}
	quantiles := f.targetQuantile.Output()[0].Data().([]float64)

	actions := make([]int, f.batchSize)
	for b := 0; b < f.batchSize; b++ {
		best, bestValue := 0, math.Inf(-1)
		for a := 0; a < f.numActions; a++ {
			value := 0.0
			for j := 0; j < n; j++ {
				width := nextTaus[b*(n+1)+j+1] - nextTaus[b*(n+1)+j]
				value += width * quantiles[b*n*f.numActions+
					j*f.numActions+a]
			}
			if value > bestValue {
				best, bestValue = a, value
			}
		}
		actions[b] = best
	}
	f.targetQuantileVM.Reset()

	return actions, nil
}

// quantileStep performs one quantile regression gradient step at the
// given fraction midpoints and returns the absolute TD error of each
// sample in the batch.
func (f *FQF) quantileStep(states, actions, tauHats, targets,
	isWeights []float64) ([]float64, error) {
	if err := f.quantileTrain.SetInput(states); err != nil {
		return nil, fmt.Errorf("could not set state input: %v", err)
	}
	if err := f.quantileTrain.SetTaus(tauHats); err != nil {
		return nil, fmt.Errorf("could not set fractions: %v", err)
	}

	actionTensor := tensor.New(
		tensor.WithShape(f.batchSize, f.numActions),
		tensor.WithBacking(actions),
	)
	if err := G.Let(f.selectedActions, actionTensor); err != nil {
		return nil, fmt.Errorf("could not set selected actions: %v", err)
	}

	targetTensor := tensor.New(
		tensor.WithShape(f.batchSize, f.numTaus),
		tensor.WithBacking(targets),
	)
	if err := G.Let(f.targetQuantiles, targetTensor); err != nil {
		return nil, fmt.Errorf("could not set update targets: %v", err)
	}

	isWeightTensor := tensor.New(
		tensor.WithShape(f.batchSize),
		tensor.WithBacking(isWeights),
	)
	if err := G.Let(f.isWeights, isWeightTensor); err != nil {
		return nil, fmt.Errorf("could not set importance sampling "+
			"weights: %v", err)
	}

	if err := f.quantileTrainVM.RunAll(); err != nil {
		return nil, fmt.Errorf("could not run gradient step: %v", err)
	}
	if err := f.quantileSolver.Step(f.quantileTrain.Model()); err != nil {
		return nil, fmt.Errorf("could not update weights: %v", err)
	}

	absTD := make([]float64, f.batchSize)
	copy(absTD, (*f.absTDVal).Data().([]float64))
	f.quantileTrainVM.Reset()

	return absTD, nil
}

// fractionStep performs one gradient step on the fraction proposal
// network given the state features of the sampled batch and the
// gradient of the 1-Wasserstein distance with respect to each
// adjustable fraction.
func (f *FQF) fractionStep(features, grad []float64) error {
	if err := f.fractionTrain.SetInput(features); err != nil {
		return fmt.Errorf("could not set fraction input: %v", err)
	}
	gradTensor := tensor.New(
		tensor.WithShape(f.batchSize, f.numTaus-1),
		tensor.WithBacking(grad),
	)
	if err := G.Let(f.fractionGrad, gradTensor); err != nil {
		return fmt.Errorf("could not set the surrogate gradient: %v", err)
	}
	if err := f.fractionVM.RunAll(); err != nil {
		return fmt.Errorf("could not run fraction gradient step: %v", err)
	}
	if err := f.fractionSolver.Step(f.fractionTrain.Model()); err != nil {
		return fmt.Errorf("could not update fraction weights: %v", err)
	}
	f.fractionVM.Reset()
	return nil
}

// actionValues runs the behaviour network on a single observation and
// returns the expected value of each action
func (f *FQF) actionValues(obs []float64) ([]float64, error) {
	if err := f.behaviourNet.SetInput(obs); err != nil {
		return nil, fmt.Errorf("actionvalues: %v", err)
	}
	if err := f.behaviourVM.RunAll(); err != nil {
		return nil, fmt.Errorf("actionvalues: %v", err)
	}
	values := f.behaviourNet.Output()[0].Data().([]float64)
	out := make([]float64, len(values))
	copy(out, values)
	f.behaviourVM.Reset()
	return out, nil
}

// SelectAction returns an ε-greedy action with respect to the
// expected action values of the behaviour network. For the first
// startSteps environmental steps in training mode, actions are
// selected uniformly at random to seed the replay buffer.
func (f *FQF) SelectAction(t ts.TimeStep) *mat.VecDense {
	if !f.eval && f.envSteps < f.startSteps {
		action := f.rng.Intn(f.numActions)
		return mat.NewVecDense(1, []float64{float64(action)})
	}

	actionValues, err := f.actionValues(t.Observation.RawVector().Data)
	if err != nil {
		panic(fmt.Sprintf("selectaction: %v", err))
	}

	epsilon := f.epsilon
	if f.eval {
		epsilon = f.epsilonEval
	}
	if probability := f.rng.Float64(); probability < epsilon {
		action := f.rng.Intn(f.numActions)
		return mat.NewVecDense(1, []float64{float64(action)})
	}

	_, maxIndices := floatutils.MaxSlice(actionValues)
	action := maxIndices[f.rng.Intn(len(maxIndices))]
	return mat.NewVecDense(1, []float64{float64(action)})
}

// TdError calculates the TD error generated by the learner on some
// transition, using expected action values.
func (f *FQF) TdError(t ts.Transition) float64 {
	actionValues, err := f.actionValues(t.State.RawVector().Data)
	if err != nil {
		panic(fmt.Sprintf("tderror: %v", err))
	}
	action := int(t.Action.AtVec(0))
	if t.Action.Len() == f.numActions {
		max := 0
		for i := 1; i < t.Action.Len(); i++ {
			if t.Action.AtVec(i) > t.Action.AtVec(max) {
				max = i
			}
		}
		action = max
	}
	actionValue := actionValues[action]

	nextActionValues, err := f.actionValues(t.NextState.RawVector().Data)
	if err != nil {
		panic(fmt.Sprintf("tderror: %v", err))
	}
	nextActionValue, _ := floatutils.MaxSlice(nextActionValues)

	return t.Reward + t.Discount*nextActionValue - actionValue
}

// Eval sets the agent into evaluation mode
func (f *FQF) Eval() { f.eval = true }

// Train sets the agent into training mode
func (f *FQF) Train() { f.eval = false }

// IsEval returns whether the agent is in evaluation mode
func (f *FQF) IsEval() bool { return f.eval }

// EndEpisode performs cleanup at the end of an episode. The
// transition into the final state is committed to the replay buffer
// before any transitions whose multi-step returns were cut off by the
// episode ending are flushed.
func (f *FQF) EndEpisode() {
	if f.nextStep.Last() {
		prevAction := mat.NewVecDense(f.numActions, nil)
		prevAction.SetVec(f.prevAction, 1.0)

		// No action is selected at the final state
		nextAction := mat.NewVecDense(f.numActions, nil)

		transition := ts.NewTransition(f.prevStep, prevAction, f.nextStep,
			nextAction)
		if err := f.replay.Add(transition); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not record final "+
				"transition: %v", err)
		}
	}
	f.replay.EndEpisode()
}

// Close cleans up any resources the agent holds
func (f *FQF) Close() error {
	f.behaviourVM.Close()
	f.quantileEvalVM.Close()
	f.fractionVM.Close()
	f.targetQuantileVM.Close()
	if f.onlineVM != nil {
		f.onlineVM.Close()
	}
	return f.quantileTrainVM.Close()
}

// fqfState holds the serializable state of an FQF agent
type fqfState struct {
	QuantileWeights []weight
	FractionWeights []weight
	EnvSteps        int
	GradientSteps   int
}

// weight holds the flattened value of a single learnable node
type weight struct {
	Name  string
	Shape []int
	Data  []float64
}

// weightsOf flattens the values of a set of learnable nodes
func weightsOf(learnables G.Nodes) []weight {
	weights := make([]weight, len(learnables))
	for i, node := range learnables {
		backing := node.Value().Data().([]float64)
		data := make([]float64, len(backing))
		copy(data, backing)
		weights[i] = weight{
			Name:  node.Name(),
			Shape: []int(node.Shape()),
			Data:  data,
		}
	}
	return weights
}

// restoreWeights sets the values of a set of learnable nodes from
// their flattened form
func restoreWeights(learnables G.Nodes, weights []weight) error {
	if len(learnables) != len(weights) {
		return fmt.Errorf("restoreweights: invalid number of weights"+
			"\n\twant(%v)\n\thave(%v)", len(learnables), len(weights))
	}
	for i, node := range learnables {
		value := tensor.New(
			tensor.WithShape(weights[i].Shape...),
			tensor.WithBacking(weights[i].Data),
		)
		if err := G.Let(node, value); err != nil {
			return fmt.Errorf("restoreweights: could not set %v: %v",
				weights[i].Name, err)
		}
	}
	return nil
}

// GobEncode implements the gob.GobEncoder interface. The weights of
// both training networks are encoded along with the update schedule
// position.
func (f *FQF) GobEncode() ([]byte, error) {
	state := fqfState{
		QuantileWeights: weightsOf(f.quantileTrain.Learnables()),
		FractionWeights: weightsOf(f.fractionTrain.Learnables()),
		EnvSteps:        f.envSteps,
		GradientSteps:   f.gradientSteps,
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(state); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode agent: %v", err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface
func (f *FQF) GobDecode(in []byte) error {
	var state fqfState
	dec := gob.NewDecoder(bytes.NewReader(in))
	if err := dec.Decode(&state); err != nil {
		return fmt.Errorf("gobdecode: could not decode agent: %v", err)
	}

	err := restoreWeights(f.quantileTrain.Learnables(),
		state.QuantileWeights)
	if err != nil {
		return fmt.Errorf("gobdecode: %v", err)
	}
	err = restoreWeights(f.fractionTrain.Learnables(),
		state.FractionWeights)
	if err != nil {
		return fmt.Errorf("gobdecode: %v", err)
	}
	f.envSteps = state.EnvSteps
	f.gradientSteps = state.GradientSteps

	// Propagate the restored weights to the derived networks
	err = f.behaviourNet.SyncFrom(f.quantileTrain, f.fractionTrain)
	if err != nil {
		return fmt.Errorf("gobdecode: could not sync behaviour "+
			"network: %v", err)
	}
	err = network.Set(f.targetQuantile, f.quantileTrain)
	if err != nil {
		return fmt.Errorf("gobdecode: could not sync target network: %v",
			err)
	}
	if f.onlineNet != nil {
		err := f.onlineNet.SyncFrom(f.quantileTrain, f.fractionTrain)
		if err != nil {
			return fmt.Errorf("gobdecode: could not sync online "+
				"network: %v", err)
		}
	}
	return nil
}
