package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/Tubbz-alt/rljax/utils/tensorutils"
)

// FQFNet implements a fully parameterized quantile function: a
// quantile network whose evaluation fractions are proposed by an
// internal fraction proposal network rather than given as input.
//
// Prediction() and Output() return a single output layer of expected
// action values, of shape (batch, actions), computed as the sum of
// predicted quantiles weighted by the width of each proposed fraction
// interval. The underlying quantiles and fractions from the last run
// of the graph are available through Quantiles() and TauHats().
type FQFNet interface {
	NeuralNet

	// NumTaus returns the number of fractions proposed per sample
	NumTaus() int

	// Quantiles returns the value of the predicted quantiles from the
	// last run of the network's graph, of shape
	// (batch, taus, actions)
	Quantiles() G.Value

	// TauHats returns the value of the fraction midpoints from the
	// last run of the network's graph, of shape (batch, taus)
	TauHats() G.Value

	// SyncFrom sets the network's weights from a QuantileNet holding
	// the trunk, embedding, and output layer weights and a
	// FractionNet holding the fraction proposal weights. The networks
	// must share the architecture the FQFNet was constructed with.
	SyncFrom(quantile, fraction NeuralNet) error
}

// fqfMLP implements an FQFNet by composing the trunk, fraction
// proposal, cosine embedding, and output layers on a single graph.
type fqfMLP struct {
	g        *G.ExprGraph
	trunk    []Layer
	fraction Layer
	embed    Layer
	head     Layer

	input *G.Node

	features   int
	hidden     int
	batchSize  int
	numActions int
	numTaus    int
	cosines    int
	init       G.InitWFn

	hiddenSizes []int
	biases      []bool
	activations []*Activation

	prediction  *G.Node
	predVal     G.Value
	quantiles   *G.Node
	quantileVal G.Value
	tauHats     *G.Node
	tauHatVal   G.Value

	learnables G.Nodes
	model      []G.ValueGrad
}

// NewFQFMLP returns a new fully parameterized quantile function
// network populating the graph g. Parameters follow NewQuantileMLP,
// except that fractions are proposed internally so the network's only
// input is a batch of observations.
func NewFQFMLP(features, batch, actions, taus, cosines int,
	g *G.ExprGraph, hiddenSizes []int, biases []bool, init G.InitWFn,
	activations []*Activation) (FQFNet, error) {
	if len(hiddenSizes) != len(activations) {
		msg := "newfqfmlp: invalid number of activations\n\twant(%d)" +
			"\n\thave(%d)"
		return nil, fmt.Errorf(msg, len(hiddenSizes), len(activations))
	}
	if len(hiddenSizes) != len(biases) {
		msg := "newfqfmlp: invalid number of biases\n\twant(%d)\n\thave(%d)"
		return nil, fmt.Errorf(msg, len(hiddenSizes), len(biases))
	}
	if taus < 2 {
		return nil, fmt.Errorf("newfqfmlp: at least 2 fractions required"+
			"\n\thave(%v)", taus)
	}

	hidden := features
	if len(hiddenSizes) > 0 {
		hidden = hiddenSizes[len(hiddenSizes)-1]
	}

	input := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, features),
		G.WithName(fmt.Sprintf("fqfInput_%d", batch)),
		G.WithInit(G.Zeroes()))

	trunk := addFCLayers(g, features, hiddenSizes, biases, activations,
		init, "trunk")
	fraction := newFCLayer(g, hidden, taus, true, Identity(), init,
		"fraction")
	embed := newFCLayer(g, cosines, hidden, true, ReLU(), init, "embed")
	head := newFCLayer(g, hidden, actions, true, Identity(), init, "head")

	net := fqfMLP{
		g:           g,
		trunk:       trunk,
		fraction:    fraction,
		embed:       embed,
		head:        head,
		input:       input,
		features:    features,
		hidden:      hidden,
		batchSize:   batch,
		numActions:  actions,
		numTaus:     taus,
		cosines:     cosines,
		init:        init,
		hiddenSizes: hiddenSizes,
		biases:      biases,
		activations: activations,
	}
	if err := net.fwd(input); err != nil {
		return nil, fmt.Errorf("newfqfmlp: could not compute forward "+
			"pass: %v", err)
	}

	return &net, nil
}

// fwd adds the forward pass of the fqfMLP to the computational graph
func (f *fqfMLP) fwd(input *G.Node) error {
	feature := input
	var err error
	for i, l := range f.trunk {
		if feature, err = l.fwd(feature); err != nil {
			return fmt.Errorf("fwd: could not compute forward pass of "+
				"trunk layer %v: %v", i, err)
		}
	}

	logits, err := f.fraction.fwd(feature)
	if err != nil {
		return fmt.Errorf("fwd: could not propose fractions: %v", err)
	}
	probs := G.Must(G.SoftMax(logits, 1))
	taus, tauHats, err := cumulativeFractions(f.g, probs, f.batchSize,
		f.numTaus)
	if err != nil {
		return fmt.Errorf("fwd: could not accumulate fractions: %v", err)
	}
	f.tauHats = tauHats
	G.Read(f.tauHats, &f.tauHatVal)

	psi, err := cosineEmbedding(f.g, tauHats, f.embed, f.batchSize,
		f.numTaus, f.cosines)
	if err != nil {
		return fmt.Errorf("fwd: could not embed fractions: %v", err)
	}

	feature3 := G.Must(G.Reshape(feature, tensor.Shape{f.batchSize, 1,
		f.hidden}))
	psi3 := G.Must(G.Reshape(psi, tensor.Shape{f.batchSize, f.numTaus,
		f.hidden}))
	fused, err := G.BroadcastHadamardProd(psi3, feature3, nil, []byte{1})
	if err != nil {
		return fmt.Errorf("fwd: could not fuse features with fraction "+
			"embeddings: %v", err)
	}
	fusedFlat := G.Must(G.Reshape(fused, tensor.Shape{
		f.batchSize * f.numTaus, f.hidden}))

	out, err := f.head.fwd(fusedFlat)
	if err != nil {
		return fmt.Errorf("fwd: could not compute forward pass of output "+
			"layer: %v", err)
	}
	f.quantiles = G.Must(G.Reshape(out, tensor.Shape{f.batchSize,
		f.numTaus, f.numActions}))
	G.Read(f.quantiles, &f.quantileVal)

	// Expected action values as quantiles weighted by the width of
	// each fraction interval
	lower := G.Must(G.Slice(taus, nil,
		tensorutils.NewSlice(0, f.numTaus, 1)))
	upper := G.Must(G.Slice(taus, nil,
		tensorutils.NewSlice(1, f.numTaus+1, 1)))
	widths := G.Must(G.Sub(upper, lower))
	widths3 := G.Must(G.Reshape(widths, tensor.Shape{f.batchSize,
		f.numTaus, 1}))
	weighted, err := G.BroadcastHadamardProd(f.quantiles, widths3, nil,
		[]byte{2})
	if err != nil {
		return fmt.Errorf("fwd: could not weight quantiles: %v", err)
	}
	f.prediction = G.Must(G.Sum(weighted, 1))
	G.Read(f.prediction, &f.predVal)

	return nil
}

// Graph returns the computational graph of the fqfMLP
func (f *fqfMLP) Graph() *G.ExprGraph {
	return f.g
}

// Clone clones an fqfMLP to a new computational graph
func (f *fqfMLP) Clone() (NeuralNet, error) {
	return f.CloneWithBatch(f.batchSize)
}

// CloneWithBatch clones an fqfMLP to a new computational graph with a
// new input batch size
func (f *fqfMLP) CloneWithBatch(batch int) (NeuralNet, error) {
	cloned, err := NewFQFMLP(f.features, batch, f.numActions, f.numTaus,
		f.cosines, G.NewGraph(), f.hiddenSizes, f.biases, f.init,
		f.activations)
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
func (f *fqfMLP) BatchSize() int {
	return f.batchSize
}

// Features returns the number of features in a single observation
// vector that the network takes as input
func (f *fqfMLP) Features() int {
	return f.features
}

// Outputs returns the number of actions whose values are predicted
func (f *fqfMLP) Outputs() int {
	return f.numActions
}

// OutputLayers returns the number of output layers of the network
func (f *fqfMLP) OutputLayers() int {
	return len(f.Prediction())
}

// NumTaus returns the number of fractions proposed per sample
func (f *fqfMLP) NumTaus() int {
	return f.numTaus
}

// Quantiles returns the value of the predicted quantiles from the
// last run of the network's graph
func (f *fqfMLP) Quantiles() G.Value {
	return f.quantileVal
}

// TauHats returns the value of the fraction midpoints from the last
// run of the network's graph
func (f *fqfMLP) TauHats() G.Value {
	return f.tauHatVal
}

// SetInput sets the value of the network's input node
func (f *fqfMLP) SetInput(input []float64) error {
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

// Set sets the weights of the fqfMLP to those of another NeuralNet of
// the same architecture
func (f *fqfMLP) Set(source NeuralNet) error {
	return setWeights(f.Learnables(), source.Learnables())
}

// Polyak updates the weights of the fqfMLP as a moving average
// between its current weights and those of another NeuralNet
func (f *fqfMLP) Polyak(source NeuralNet, tau float64) error {
	return polyakWeights(f.Learnables(), source.Learnables(), tau)
}

// SyncFrom sets the fqfMLP's weights from separate quantile and
// fraction proposal networks
func (f *fqfMLP) SyncFrom(quantile, fraction NeuralNet) error {
	trunkLearnables := learnablesOf(f.trunk)
	quantileLearnables := quantile.Learnables()
	if len(quantileLearnables) < len(trunkLearnables) {
		return fmt.Errorf("syncfrom: quantile network has too few "+
			"learnables\n\twant(at least %v)\n\thave(%v)",
			len(trunkLearnables), len(quantileLearnables))
	}

	err := setWeights(trunkLearnables,
		quantileLearnables[:len(trunkLearnables)])
	if err != nil {
		return fmt.Errorf("syncfrom: could not set trunk weights: %v", err)
	}

	embedHead := learnablesOf([]Layer{f.embed, f.head})
	err = setWeights(embedHead, quantileLearnables[len(trunkLearnables):])
	if err != nil {
		return fmt.Errorf("syncfrom: could not set embedding and output "+
			"weights: %v", err)
	}

	err = setWeights(learnablesOf([]Layer{f.fraction}),
		fraction.Learnables())
	if err != nil {
		return fmt.Errorf("syncfrom: could not set fraction weights: %v",
			err)
	}

	return nil
}

// Learnables returns the learnable nodes of the fqfMLP in trunk,
// fraction proposal, embedding, output layer order
func (f *fqfMLP) Learnables() G.Nodes {
	if f.learnables == nil {
		layers := append([]Layer{}, f.trunk...)
		layers = append(layers, f.fraction, f.embed, f.head)
		f.learnables = learnablesOf(layers)
	}
	return f.learnables
}

// Model returns the learnable nodes with their gradients
func (f *fqfMLP) Model() []G.ValueGrad {
	if f.model == nil {
		f.model = modelOf(f.Learnables())
	}
	return f.model
}

// Output returns the expected action values from the last run of the
// network's graph, of shape (batch, actions)
func (f *fqfMLP) Output() []G.Value {
	return []G.Value{f.predVal}
}

// Prediction returns the node holding the expected action values
func (f *fqfMLP) Prediction() []*G.Node {
	return []*G.Node{f.prediction}
}

// GobEncode implements the gob.GobEncoder interface
func (f *fqfMLP) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	config := []int{f.features, f.batchSize, f.numActions, f.numTaus,
		f.cosines}
	if err := enc.Encode(config); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode configuration")
	}
	if err := enc.Encode(f.hiddenSizes); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode hidden sizes")
	}
	if err := enc.Encode(f.biases); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode biases")
	}
	if err := enc.Encode(f.activations); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode activations")
	}

	layers := append([]Layer{}, f.trunk...)
	layers = append(layers, f.fraction, f.embed, f.head)
	for i := range layers {
		if err := enc.Encode(layers[i].(*fcLayer)); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode layer "+
				"%v: %v", i, err)
		}
	}

	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface
func (f *fqfMLP) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	var config []int
	if err := dec.Decode(&config); err != nil {
		return fmt.Errorf("gobdecode: could not decode configuration")
	}
	if len(config) != 5 {
		return fmt.Errorf("gobdecode: invalid configuration length"+
			"\n\twant(5)\n\thave(%v)", len(config))
	}

	var hiddenSizes []int
	if err := dec.Decode(&hiddenSizes); err != nil {
		return fmt.Errorf("gobdecode: could not decode hidden sizes")
	}
	var biases []bool
	if err := dec.Decode(&biases); err != nil {
		return fmt.Errorf("gobdecode: could not decode biases")
	}
	var activations []*Activation
	if err := dec.Decode(&activations); err != nil {
		return fmt.Errorf("gobdecode: could not decode activations")
	}

	g := G.NewGraph()
	newNet, err := NewFQFMLP(config[0], config[1], config[2], config[3],
		config[4], g, hiddenSizes, biases, G.Zeroes(), activations)
	if err != nil {
		return fmt.Errorf("gobdecode: could not construct new network: %v",
			err)
	}
	newFQF := newNet.(*fqfMLP)

	layers := append([]Layer{}, newFQF.trunk...)
	layers = append(layers, newFQF.fraction, newFQF.embed, newFQF.head)
	for i := range layers {
		if err := dec.Decode(layers[i].(*fcLayer)); err != nil {
			return fmt.Errorf("gobdecode: could not decode layer %v: %v", i,
				err)
		}
	}

	*f = *newFQF
	return nil
}
