package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/Tubbz-alt/rljax/utils/tensorutils"
)

// FractionNet implements a fraction proposal network for distributional
// value function approximation. Given a batch of state features, the
// network proposes, for each sample in the batch, a monotonically
// increasing sequence of quantile fractions in (0, 1) at which a
// quantile network should be evaluated.
//
// The network's input is a batch of state features, not raw
// observations. Prediction() and Output() return two output layers:
// the full fraction sequence including the 0 and 1 endpoints, with
// shape (batch, quantiles+1), and the fraction midpoints, with shape
// (batch, quantiles).
type FractionNet interface {
	NeuralNet

	// NumTaus returns the number of quantile fractions proposed per
	// sample
	NumTaus() int

	// Taus returns the graph node holding the full fraction sequence,
	// of shape (batch, quantiles+1)
	Taus() *G.Node

	// TauHats returns the graph node holding the fraction midpoints,
	// of shape (batch, quantiles)
	TauHats() *G.Node

	// InnerTaus returns the graph node holding the proposed fractions
	// strictly between 0 and 1, of shape (batch, quantiles-1). These
	// are the only fractions that gradients should adjust.
	InnerTaus() *G.Node
}

// fractionMLP implements a FractionNet as a single linear layer
// followed by a softmax and a cumulative sum.
type fractionMLP struct {
	g         *G.ExprGraph
	layer     Layer
	input     *G.Node
	features  int
	batchSize int
	quantiles int
	init      G.InitWFn

	taus      *G.Node
	tauHats   *G.Node
	innerTaus *G.Node
	tausVal   G.Value
	tauHatVal G.Value

	learnables G.Nodes
	model      []G.ValueGrad
}

// NewFractionMLP returns a new fraction proposal network populating
// the graph g. The features parameter is the dimensionality of the
// state feature vectors the network takes as input, and quantiles is
// the number of fractions proposed per sample. At least two quantiles
// are required so that at least one fraction is adjustable.
func NewFractionMLP(features, batch, quantiles int, g *G.ExprGraph,
	init G.InitWFn) (FractionNet, error) {
	if quantiles < 2 {
		return nil, fmt.Errorf("newfractionmlp: at least 2 quantiles "+
			"required\n\thave(%v)", quantiles)
	}

	input := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, features),
		G.WithName(fmt.Sprintf("fractionInput_%d", batch)),
		G.WithInit(G.Zeroes()))

	layer := newFCLayer(g, features, quantiles, true, Identity(), init,
		"fraction")

	net := fractionMLP{
		g:         g,
		layer:     layer,
		input:     input,
		features:  features,
		batchSize: batch,
		quantiles: quantiles,
		init:      init,
	}
	if err := net.fwd(input); err != nil {
		return nil, fmt.Errorf("newfractionmlp: could not compute forward "+
			"pass: %v", err)
	}

	return &net, nil
}

// fwd adds the forward pass of the fractionMLP to the computational
// graph
func (f *fractionMLP) fwd(input *G.Node) error {
	logits, err := f.layer.fwd(input)
	if err != nil {
		return err
	}

	probs := G.Must(G.SoftMax(logits, 1))

	taus, tauHats, err := cumulativeFractions(f.g, probs, f.batchSize,
		f.quantiles)
	if err != nil {
		return err
	}
	f.taus = taus
	f.tauHats = tauHats

	// Fractions strictly inside (0, 1)
	f.innerTaus = G.Must(G.Slice(taus, nil,
		tensorutils.NewSlice(1, f.quantiles, 1)))

	G.Read(f.taus, &f.tausVal)
	G.Read(f.tauHats, &f.tauHatVal)
	return nil
}

// cumulativeFractions converts a batch of probability vectors into
// monotonically increasing fraction sequences. The returned taus node
// has shape (batch, quantiles+1) with taus[:, 0] = 0 and
// taus[:, quantiles] = 1, and the returned tauHats node holds the
// midpoints of consecutive fractions, with shape (batch, quantiles).
func cumulativeFractions(g *G.ExprGraph, probs *G.Node, batch,
	quantiles int) (*G.Node, *G.Node, error) {
	// Cumulative sum along the fraction dimension as a matrix product
	// with an upper triangular matrix of ones
	triBacking := make([]float64, quantiles*quantiles)
	for i := 0; i < quantiles; i++ {
		for j := i; j < quantiles; j++ {
			triBacking[i*quantiles+j] = 1.0
		}
	}
	tri := G.NewMatrix(g, tensor.Float64, G.WithShape(quantiles, quantiles),
		G.WithName(fmt.Sprintf("cumsum%d_%d", quantiles, batch)),
		G.WithValue(tensor.New(
			tensor.WithBacking(triBacking),
			tensor.WithShape(quantiles, quantiles),
		)))

	cumsum, err := G.Mul(probs, tri)
	if err != nil {
		return nil, nil, err
	}

	zeros := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, 1),
		G.WithName(fmt.Sprintf("zeroFraction_%d_%d", quantiles, batch)),
		G.WithValue(tensor.New(
			tensor.WithBacking(make([]float64, batch)),
			tensor.WithShape(batch, 1),
		)))

	taus, err := G.Concat(1, zeros, cumsum)
	if err != nil {
		return nil, nil, err
	}

	lower := G.Must(G.Slice(taus, nil, tensorutils.NewSlice(0, quantiles, 1)))
	upper := G.Must(G.Slice(taus, nil,
		tensorutils.NewSlice(1, quantiles+1, 1)))
	sum, err := G.Add(lower, upper)
	if err != nil {
		return nil, nil, err
	}
	half := G.NewConstant(0.5)
	tauHats, err := G.Mul(sum, half)
	if err != nil {
		return nil, nil, err
	}

	return taus, tauHats, nil
}

// Graph returns the computational graph of the fractionMLP
func (f *fractionMLP) Graph() *G.ExprGraph {
	return f.g
}

// Clone clones a fractionMLP to a new computational graph
func (f *fractionMLP) Clone() (NeuralNet, error) {
	return f.CloneWithBatch(f.batchSize)
}

// CloneWithBatch clones a fractionMLP to a new computational graph
// with a new input batch size
func (f *fractionMLP) CloneWithBatch(batch int) (NeuralNet, error) {
	cloned, err := NewFractionMLP(f.features, batch, f.quantiles,
		G.NewGraph(), f.init)
	if err != nil {
		return nil, fmt.Errorf("clonewithbatch: %v", err)
	}
	if err := cloned.Set(f); err != nil {
		return nil, fmt.Errorf("clonewithbatch: could not copy weights: %v",
			err)
	}
	return cloned, nil
}

// BatchSize returns the number of rows in the network's input
func (f *fractionMLP) BatchSize() int {
	return f.batchSize
}

// Features returns the dimensionality of the state features that the
// network takes as input
func (f *fractionMLP) Features() int {
	return f.features
}

// Outputs returns the number of fractions proposed per sample
func (f *fractionMLP) Outputs() int {
	return f.quantiles
}

// OutputLayers returns the number of output layers of the network
func (f *fractionMLP) OutputLayers() int {
	return len(f.Prediction())
}

// NumTaus returns the number of fractions proposed per sample
func (f *fractionMLP) NumTaus() int {
	return f.quantiles
}

// Taus returns the node holding the full fraction sequence
func (f *fractionMLP) Taus() *G.Node {
	return f.taus
}

// TauHats returns the node holding the fraction midpoints
func (f *fractionMLP) TauHats() *G.Node {
	return f.tauHats
}

// InnerTaus returns the node holding the adjustable fractions
func (f *fractionMLP) InnerTaus() *G.Node {
	return f.innerTaus
}

// SetInput sets the state features to propose fractions for
func (f *fractionMLP) SetInput(input []float64) error {
	if len(input) != f.features*f.batchSize {
		return fmt.Errorf("setinput: invalid number of inputs\n\twant(%v)"+
			"\n\thave(%v)", f.features*f.batchSize, len(input))
	}
	inputTensor := tensor.New(
		tensor.WithBacking(input),
		tensor.WithShape(f.batchSize, f.features),
	)
	return G.Let(f.input, inputTensor)
}

// Set sets the weights of the fractionMLP to those of another
// NeuralNet of the same architecture
func (f *fractionMLP) Set(source NeuralNet) error {
	return setWeights(f.Learnables(), source.Learnables())
}

// Polyak updates the weights of the fractionMLP as a moving average
// between its current weights and those of another NeuralNet
func (f *fractionMLP) Polyak(source NeuralNet, tau float64) error {
	return polyakWeights(f.Learnables(), source.Learnables(), tau)
}

// Learnables returns the learnable nodes of the fractionMLP
func (f *fractionMLP) Learnables() G.Nodes {
	if f.learnables == nil {
		f.learnables = learnablesOf([]Layer{f.layer})
	}
	return f.learnables
}

// Model returns the learnable nodes with their gradients
func (f *fractionMLP) Model() []G.ValueGrad {
	if f.model == nil {
		f.model = modelOf(f.Learnables())
	}
	return f.model
}

// Output returns the fraction sequence and midpoints from the last
// run of the network's graph
func (f *fractionMLP) Output() []G.Value {
	return []G.Value{f.tausVal, f.tauHatVal}
}

// Prediction returns the fraction sequence and midpoint nodes
func (f *fractionMLP) Prediction() []*G.Node {
	return []*G.Node{f.taus, f.tauHats}
}
