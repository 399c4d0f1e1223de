package policy

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/Tubbz-alt/rljax/agent"
	env "github.com/Tubbz-alt/rljax/environment"
	"github.com/Tubbz-alt/rljax/network"
	"github.com/Tubbz-alt/rljax/timestep"
	"github.com/Tubbz-alt/rljax/utils/floatutils"
)

// CategoricalMLP implements a softmax policy over discrete actions
// parameterized by a feedforward neural network. The network outputs
// one logit per action, and actions are sampled from the softmax
// distribution over these logits.
//
// When constructed with a batch size of 1, the policy owns a VM for
// its graph and selects actions with SelectAction(). When constructed
// with a larger batch size, the policy is a training network: LogPdfOf
// sets up the log probability computation for a batch of states and
// actions, and an external VM runs the graph.
type CategoricalMLP struct {
	network.NeuralNet
	vm   G.VM
	eval bool

	logits    *G.Node
	logitsVal G.Value

	actionIndices *G.Node
	logPdf        *G.Node
	logPdfVal     G.Value

	batchSize  int
	numActions int

	seed uint64
	rng  *rand.Rand
	src  rand.Source
}

// NewCategoricalMLP creates and returns a new CategoricalMLP policy
// for the argument environment, which must have discrete actions.
func NewCategoricalMLP(e env.Environment, batch int, g *G.ExprGraph,
	hiddenSizes []int, biases []bool, activations []*network.Activation,
	init G.InitWFn, seed uint64) (agent.LogPdfOfer, error) {
	if e.ActionSpec().Cardinality == env.Continuous {
		return &CategoricalMLP{}, fmt.Errorf("newcategoricalmlp: softmax " +
			"policy cannot be used with continuous actions")
	}

	features := e.ObservationSpec().Shape.Len()
	numActions := int(e.ActionSpec().UpperBound.AtVec(0)) + 1

	net, err := network.NewMultiHeadMLP(features, batch, numActions, g,
		hiddenSizes, biases, init, activations)
	if err != nil {
		return &CategoricalMLP{}, fmt.Errorf("newcategoricalmlp: could "+
			"not create policy network: %v", err)
	}

	return newCategoricalMLP(net, batch, numActions, seed)
}

// newCategoricalMLP wraps an existing network as a categorical policy
func newCategoricalMLP(net network.NeuralNet, batch, numActions int,
	seed uint64) (*CategoricalMLP, error) {
	logits := net.Prediction()[0]

	// Log probability of actions inputted with LogPdfOf(). Actions are
	// provided as one-hot rows, so the logit of each selected action
	// is the row sum of the masked logits.
	actionIndices := G.NewMatrix(
		net.Graph(),
		tensor.Float64,
		G.WithShape(logits.Shape()...),
		G.WithInit(G.Zeroes()),
		G.WithName(fmt.Sprintf("actionIndices_%d", batch)),
	)
	selectedLogits := G.Must(G.HadamardProd(actionIndices, logits))
	selectedLogits = G.Must(G.Sum(selectedLogits, 1))
	logPdf := G.Must(G.Sub(selectedLogits, logSumExp(logits, 1)))

	src := rand.NewSource(seed)

	pol := &CategoricalMLP{
		NeuralNet:     net,
		logits:        logits,
		actionIndices: actionIndices,
		logPdf:        logPdf,
		batchSize:     batch,
		numActions:    numActions,
		seed:          seed,
		rng:           rand.New(src),
		src:           src,
	}
	G.Read(pol.logits, &pol.logitsVal)
	G.Read(pol.logPdf, &pol.logPdfVal)

	if batch == 1 {
		pol.vm = G.NewTapeMachine(net.Graph())
	}

	return pol, nil
}

// logSumExp computes the numerically stable log of the sum of
// exponentials of logits along the given axis.
func logSumExp(logits *G.Node, along int) *G.Node {
	max := G.Must(G.Max(logits, along))

	exponent := G.Must(G.BroadcastSub(logits, max, nil, []byte{1}))
	exponent = G.Must(G.Exp(exponent))

	sum := G.Must(G.Sum(exponent, along))
	log := G.Must(G.Log(sum))

	return G.Must(G.Add(max, log))
}

// Network returns the neural network function approximator that the
// policy uses.
func (c *CategoricalMLP) Network() network.NeuralNet {
	return c.NeuralNet
}

// Clone clones a CategoricalMLP
func (c *CategoricalMLP) Clone() (agent.NNPolicy, error) {
	return c.CloneWithBatch(c.batchSize)
}

// CloneWithBatch clones a CategoricalMLP with a new input batch size
func (c *CategoricalMLP) CloneWithBatch(batch int) (agent.NNPolicy, error) {
	net, err := c.Network().CloneWithBatch(batch)
	if err != nil {
		return &CategoricalMLP{},
			fmt.Errorf("clonewithbatch: could not clone policy: %v", err)
	}

	cloned, err := newCategoricalMLP(net, batch, c.numActions, c.seed)
	if err != nil {
		return &CategoricalMLP{},
			fmt.Errorf("clonewithbatch: could not clone policy: %v", err)
	}
	cloned.eval = c.eval
	return cloned, nil
}

// Eval sets the policy to evaluation mode, in which action selection
// is greedy.
func (c *CategoricalMLP) Eval() { c.eval = true }

// Train sets the policy to training mode
func (c *CategoricalMLP) Train() { c.eval = false }

// IsEval returns whether the policy is in evaluation mode
func (c *CategoricalMLP) IsEval() bool { return c.eval }

// Close closes the policy's VM, if it owns one
func (c *CategoricalMLP) Close() error {
	if c.vm == nil {
		return nil
	}
	return c.vm.Close()
}

// LogPdfNode returns the node that computes the log probability of
// the actions set with LogPdfOf()
func (c *CategoricalMLP) LogPdfNode() *G.Node {
	return c.logPdf
}

// LogPdfVal returns the value of the node returned by LogPdfNode()
func (c *CategoricalMLP) LogPdfVal() G.Value {
	return c.logPdfVal
}

// LogPdfOf sets the inputs to the policy's graph so that, on the next
// run of the graph, the node returned by LogPdfNode() computes the
// log probability of taking each argument action in the corresponding
// argument state. Inputs are constructed in row major order.
func (c *CategoricalMLP) LogPdfOf(states, actions []float64) (*G.Node,
	error) {
	if err := c.SetInput(states); err != nil {
		return nil, fmt.Errorf("logpdfof: could not set states: %v", err)
	}

	if len(actions) != c.batchSize {
		return nil, fmt.Errorf("logpdfof: invalid number of actions"+
			"\n\twant(%v)\n\thave(%v)", c.batchSize, len(actions))
	}

	// One-hot encode the actions taken
	actionIndices := make([]float64, c.batchSize*c.numActions)
	for i := range actions {
		actionIndices[i*c.numActions+int(actions[i])] = 1.0
	}
	actionIndicesTensor := tensor.NewDense(
		tensor.Float64,
		[]int{c.batchSize, c.numActions},
		tensor.WithBacking(actionIndices),
	)
	if err := G.Let(c.actionIndices, actionIndicesTensor); err != nil {
		return nil, fmt.Errorf("logpdfof: could not set actions: %v", err)
	}

	return c.logPdf, nil
}

// LogProb returns the log probability of taking the argument action
// at the argument observation. The policy must have been constructed
// with a batch size of 1.
func (c *CategoricalMLP) LogProb(obs []float64, action int) (float64,
	error) {
	if c.vm == nil {
		return 0, fmt.Errorf("logprob: policy has no VM, batch size "+
			"%v != 1", c.batchSize)
	}
	if action < 0 || action >= c.numActions {
		return 0, fmt.Errorf("logprob: no such action %v", action)
	}

	if err := c.SetInput(obs); err != nil {
		return 0, fmt.Errorf("logprob: %v", err)
	}
	if err := c.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("logprob: %v", err)
	}
	logits := c.logitsVal.Data().([]float64)

	max := floatutils.Max(logits...)
	var total float64
	for _, logit := range logits {
		total += math.Exp(logit - max)
	}
	logProb := logits[action] - max - math.Log(total)
	c.vm.Reset()

	return logProb, nil
}

// SelectAction samples an action from the policy at the argument
// timestep. In evaluation mode, the most probable action is returned
// instead.
func (c *CategoricalMLP) SelectAction(t timestep.TimeStep) *mat.VecDense {
	if c.vm == nil {
		panic(fmt.Sprintf("selectaction: policy has no VM, batch size "+
			"%v != 1", c.batchSize))
	}

	obs := t.Observation.RawVector().Data
	if err := c.SetInput(obs); err != nil {
		panic(fmt.Sprintf("selectaction: %v", err))
	}
	if err := c.vm.RunAll(); err != nil {
		panic(fmt.Sprintf("selectaction: %v", err))
	}
	logits := c.logitsVal.Data().([]float64)
	c.vm.Reset()

	if c.eval {
		_, actions := floatutils.MaxSlice(logits)
		action := actions[c.rng.Intn(len(actions))]
		return mat.NewVecDense(1, []float64{float64(action)})
	}

	// Sample from the softmax distribution over the logits
	probs := make([]float64, len(logits))
	max := floatutils.Max(logits...)
	var total float64
	for i, logit := range logits {
		probs[i] = math.Exp(logit - max)
		total += probs[i]
	}
	for i := range probs {
		probs[i] /= total
	}

	dist := distuv.NewCategorical(probs, c.src)
	return mat.NewVecDense(1, []float64{dist.Rand()})
}
