// Package policy implements policies for agents with discrete action
// spaces using function approximation with Gorgonia.
package policy

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"

	"github.com/Tubbz-alt/rljax/agent"
	env "github.com/Tubbz-alt/rljax/environment"
	"github.com/Tubbz-alt/rljax/network"
	"github.com/Tubbz-alt/rljax/timestep"
	"github.com/Tubbz-alt/rljax/utils/floatutils"
)

// MultiHeadEGreedyMLP implements an epsilon greedy policy using a
// feedforward neural network. Given an environment with N actions, the
// network produces N outputs, each predicting the value of a distinct
// action.
//
// A MultiHeadEGreedyMLP populates a gorgonia.ExprGraph with its
// network function approximator. When constructed with a batch size
// of 1, the policy owns a VM for its graph and can select actions
// directly with SelectAction() or evaluate action values with
// ActionValues(). When constructed with a larger batch size, the
// policy is a training network: an external VM should run its graph,
// and SelectAction() may not be used.
type MultiHeadEGreedyMLP struct {
	network.NeuralNet
	vm      G.VM
	epsilon float64
	eval    bool

	rng  *rand.Rand
	seed uint64
}

// NewMultiHeadEGreedyMLP creates and returns a new
// MultiHeadEGreedyMLP. The hiddenSizes parameter defines the number of
// nodes in each hidden layer, the biases parameter outlines which
// layers should include bias units, and the activations parameter
// determines the activation function for each layer. The batch
// parameter determines the number of inputs in a batch.
//
// Note that this constructor will always add an additional final
// linear layer (with a bias unit and no activation) such that the
// number of network outputs equals the number of actions in the
// environment.
func NewMultiHeadEGreedyMLP(epsilon float64, e env.Environment,
	batch int, g *G.ExprGraph, hiddenSizes []int, biases []bool,
	init G.InitWFn, activations []*network.Activation,
	seed uint64) (agent.EGreedyNNPolicy, error) {
	numActions := int(e.ActionSpec().UpperBound.AtVec(0)) + 1
	features := e.ObservationSpec().Shape.Len()

	net, err := network.NewMultiHeadMLP(features, batch, numActions, g,
		hiddenSizes, biases, init, activations)
	if err != nil {
		return &MultiHeadEGreedyMLP{},
			fmt.Errorf("new: could not create policy: %v", err)
	}

	return newMultiHeadEGreedyMLP(epsilon, net, seed)
}

// newMultiHeadEGreedyMLP wraps an existing value network as an epsilon
// greedy policy.
func newMultiHeadEGreedyMLP(epsilon float64, net network.NeuralNet,
	seed uint64) (*MultiHeadEGreedyMLP, error) {
	if predictions := len(net.Prediction()); predictions != 1 {
		msg := "new: egreedy policy expects function approximator to output " +
			"a single prediction node\n\twant(1)\n\thave(%v)"
		return &MultiHeadEGreedyMLP{}, fmt.Errorf(msg, predictions)
	}

	source := rand.NewSource(seed)
	rng := rand.New(source)

	nn := MultiHeadEGreedyMLP{
		epsilon:   epsilon,
		rng:       rng,
		seed:      seed,
		NeuralNet: net,
	}

	// Single-sample policies select actions and so own a VM
	if net.BatchSize() == 1 {
		nn.vm = G.NewTapeMachine(net.Graph())
	}

	return &nn, nil
}

// Network returns the neural network function approximator that the
// policy uses.
func (e *MultiHeadEGreedyMLP) Network() network.NeuralNet {
	return e.NeuralNet
}

// Clone clones a MultiHeadEGreedyMLP
func (e *MultiHeadEGreedyMLP) Clone() (agent.NNPolicy, error) {
	return e.CloneWithBatch(e.BatchSize())
}

// CloneWithBatch clones a MultiHeadEGreedyMLP with a new input batch
// size.
func (e *MultiHeadEGreedyMLP) CloneWithBatch(
	batchSize int) (agent.NNPolicy, error) {
	net, err := e.Network().CloneWithBatch(batchSize)
	if err != nil {
		return &MultiHeadEGreedyMLP{},
			fmt.Errorf("clonewithbatch: could not clone policy: %v", err)
	}

	cloned, err := newMultiHeadEGreedyMLP(e.epsilon, net, e.seed)
	if err != nil {
		return &MultiHeadEGreedyMLP{},
			fmt.Errorf("clonewithbatch: could not clone policy: %v", err)
	}
	cloned.eval = e.eval
	return cloned, nil
}

// SetEpsilon sets the value for epsilon in the epsilon greedy policy.
func (e *MultiHeadEGreedyMLP) SetEpsilon(epsilon float64) {
	e.epsilon = epsilon
}

// Epsilon gets the value of epsilon for the policy.
func (e *MultiHeadEGreedyMLP) Epsilon() float64 {
	return e.epsilon
}

// Eval sets the policy to evaluation mode, in which action selection
// is greedy.
func (e *MultiHeadEGreedyMLP) Eval() { e.eval = true }

// Train sets the policy to training mode
func (e *MultiHeadEGreedyMLP) Train() { e.eval = false }

// IsEval returns whether the policy is in evaluation mode
func (e *MultiHeadEGreedyMLP) IsEval() bool { return e.eval }

// Close closes the policy's VM, if it owns one
func (e *MultiHeadEGreedyMLP) Close() error {
	if e.vm == nil {
		return nil
	}
	return e.vm.Close()
}

// ActionValues runs the policy's network on a single observation and
// returns the predicted value of each action. The policy must have
// been constructed with a batch size of 1.
func (e *MultiHeadEGreedyMLP) ActionValues(obs []float64) ([]float64,
	error) {
	if e.vm == nil {
		return nil, fmt.Errorf("actionvalues: policy has no VM, batch "+
			"size %v != 1", e.BatchSize())
	}

	if err := e.SetInput(obs); err != nil {
		return nil, fmt.Errorf("actionvalues: %v", err)
	}
	if err := e.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("actionvalues: %v", err)
	}
	values := e.Output()[0].Data().([]float64)
	e.vm.Reset()

	out := make([]float64, len(values))
	copy(out, values)
	return out, nil
}

// SelectAction selects an action from the epsilon greedy policy at
// the argument timestep.
func (e *MultiHeadEGreedyMLP) SelectAction(t timestep.TimeStep) *mat.VecDense {
	actionValues, err := e.ActionValues(t.Observation.RawVector().Data)
	if err != nil {
		panic(fmt.Sprintf("selectaction: %v", err))
	}

	// With probability epsilon select a random action
	epsilon := e.epsilon
	if e.eval {
		epsilon = 0.0
	}
	if probability := e.rng.Float64(); probability < epsilon {
		action := e.rng.Intn(e.numActions())
		return mat.NewVecDense(1, []float64{float64(action)})
	}

	// Get the actions of maximum value
	_, maxIndices := floatutils.MaxSlice(actionValues)

	// If multiple actions have max value, return a random max-valued
	// action
	action := maxIndices[e.rng.Intn(len(maxIndices))]
	return mat.NewVecDense(1, []float64{float64(action)})
}

// numActions returns the number of actions that the policy chooses
// between.
func (e *MultiHeadEGreedyMLP) numActions() int {
	return e.Outputs()
}

// GobDecode implements the gob.GobDecoder interface
func (e *MultiHeadEGreedyMLP) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	net := network.NewEmptyMultiHeadMLP()
	err := dec.Decode(net)
	if err != nil {
		return fmt.Errorf("gobdecode: could not decode network: %v", err)
	}

	err = dec.Decode(&e.epsilon)
	if err != nil {
		return fmt.Errorf("gobdecode: could not decode epsilon: %v", err)
	}

	err = dec.Decode(&e.seed)
	if err != nil {
		return fmt.Errorf("gobdecode: could not decode seed: %v", err)
	}

	e.NeuralNet = net
	e.rng = rand.New(rand.NewSource(e.seed))
	if e.NeuralNet.BatchSize() == 1 {
		e.vm = G.NewTapeMachine(e.NeuralNet.Graph())
	}

	return nil
}

// GobEncode implements the gob.GobEncoder interface
func (e *MultiHeadEGreedyMLP) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	serializableNet, ok := e.NeuralNet.(gob.GobEncoder)
	if !ok {
		return nil, fmt.Errorf("gobencode: neural network not serializable")
	}

	err := enc.Encode(serializableNet)
	if err != nil {
		return nil, fmt.Errorf("gobencode: could not encode network: %v", err)
	}

	err = enc.Encode(e.epsilon)
	if err != nil {
		return nil, fmt.Errorf("gobencode: could not encode epsilon: %v", err)
	}

	err = enc.Encode(e.seed)
	if err != nil {
		return nil, fmt.Errorf("gobencode: could not encode seed: %v", err)
	}

	return buf.Bytes(), nil
}
