package network

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// QuantileNet implements a quantile network for distributional value
// function approximation. Given a batch of observations and, for each
// sample, a sequence of quantile fractions, the network predicts the
// value of each action at each fraction.
//
// The fractions are an input to the network, set with SetTaus().
// Prediction() and Output() return a single output layer of shape
// (batch, taus, actions).
type QuantileNet interface {
	NeuralNet

	// NumTaus returns the number of quantile fractions evaluated per
	// sample
	NumTaus() int

	// Taus returns the graph node holding the quantile fractions, of
	// shape (batch, taus)
	Taus() *G.Node

	// SetTaus sets the quantile fractions to evaluate, as a flattened
	// (batch, taus) matrix in row-major order
	SetTaus([]float64) error

	// Feature returns the value of the state feature layer from the
	// last run of the network's graph, of shape (batch, features)
	Feature() G.Value
}

// quantileMLP implements a QuantileNet. Observations pass through a
// fully connected trunk to produce state features. Quantile fractions
// are embedded with a cosine basis followed by a linear layer, fused
// with the state features by an elementwise product, and passed
// through a final linear layer with one output unit per action.
type quantileMLP struct {
	g     *G.ExprGraph
	trunk []Layer
	embed Layer
	head  Layer

	input *G.Node
	taus  *G.Node

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

	prediction *G.Node
	predVal    G.Value
	feature    *G.Node
	featureVal G.Value

	learnables G.Nodes
	model      []G.ValueGrad
}

// NewQuantileMLP returns a new quantile network populating the graph
// g. The network evaluates quantiles of the value distribution of each
// of actions actions at taus fractions per sample. The cosines
// parameter is the size of the cosine basis used to embed fractions.
// The hiddenSizes, biases, and activations parameters configure the
// fully connected trunk in the same way as NewMultiHeadMLP, except
// that no final linear layer is added: the last hidden layer is the
// state feature layer.
func NewQuantileMLP(features, batch, actions, taus, cosines int,
	g *G.ExprGraph, hiddenSizes []int, biases []bool, init G.InitWFn,
	activations []*Activation) (QuantileNet, error) {
	if len(hiddenSizes) != len(activations) {
		msg := "newquantilemlp: invalid number of activations\n\twant(%d)" +
			"\n\thave(%d)"
		return nil, fmt.Errorf(msg, len(hiddenSizes), len(activations))
	}
	if len(hiddenSizes) != len(biases) {
		msg := "newquantilemlp: invalid number of biases\n\twant(%d)" +
			"\n\thave(%d)"
		return nil, fmt.Errorf(msg, len(hiddenSizes), len(biases))
	}
	if taus < 1 {
		return nil, fmt.Errorf("newquantilemlp: at least 1 fraction "+
			"required\n\thave(%v)", taus)
	}
	if cosines < 1 {
		return nil, fmt.Errorf("newquantilemlp: at least 1 cosine basis "+
			"function required\n\thave(%v)", cosines)
	}

	hidden := features
	if len(hiddenSizes) > 0 {
		hidden = hiddenSizes[len(hiddenSizes)-1]
	}

	input := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, features),
		G.WithName(fmt.Sprintf("quantileInput_%d", batch)),
		G.WithInit(G.Zeroes()))
	tausNode := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, taus),
		G.WithName(fmt.Sprintf("taus_%d_%d", batch, taus)),
		G.WithInit(G.Zeroes()))

	trunk := addFCLayers(g, features, hiddenSizes, biases, activations,
		init, "trunk")
	embed := newFCLayer(g, cosines, hidden, true, ReLU(), init, "embed")
	head := newFCLayer(g, hidden, actions, true, Identity(), init, "head")

	net := quantileMLP{
		g:           g,
		trunk:       trunk,
		embed:       embed,
		head:        head,
		input:       input,
		taus:        tausNode,
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
	if err := net.fwd(input, tausNode); err != nil {
		return nil, fmt.Errorf("newquantilemlp: could not compute forward "+
			"pass: %v", err)
	}

	return &net, nil
}

// fwd adds the forward pass of the quantileMLP to the computational
// graph
func (q *quantileMLP) fwd(input, taus *G.Node) error {
	feature := input
	var err error
	for i, l := range q.trunk {
		if feature, err = l.fwd(feature); err != nil {
			return fmt.Errorf("fwd: could not compute forward pass of "+
				"trunk layer %v: %v", i, err)
		}
	}
	q.feature = feature
	G.Read(q.feature, &q.featureVal)

	psi, err := cosineEmbedding(q.g, taus, q.embed, q.batchSize, q.numTaus,
		q.cosines)
	if err != nil {
		return fmt.Errorf("fwd: could not embed fractions: %v", err)
	}

	// Fuse state features with fraction embeddings by an elementwise
	// product, broadcasting features across fractions
	feature3 := G.Must(G.Reshape(feature, tensor.Shape{q.batchSize, 1,
		q.hidden}))
	psi3 := G.Must(G.Reshape(psi, tensor.Shape{q.batchSize, q.numTaus,
		q.hidden}))
	fused, err := G.BroadcastHadamardProd(psi3, feature3, nil, []byte{1})
	if err != nil {
		return fmt.Errorf("fwd: could not fuse features with fraction "+
			"embeddings: %v", err)
	}
	fusedFlat := G.Must(G.Reshape(fused, tensor.Shape{
		q.batchSize * q.numTaus, q.hidden}))

	out, err := q.head.fwd(fusedFlat)
	if err != nil {
		return fmt.Errorf("fwd: could not compute forward pass of output "+
			"layer: %v", err)
	}
	q.prediction = G.Must(G.Reshape(out, tensor.Shape{q.batchSize,
		q.numTaus, q.numActions}))
	G.Read(q.prediction, &q.predVal)

	return nil
}

// cosineEmbedding embeds a (batch, taus) node of quantile fractions
// into a (batch*taus, hidden) node using a cosine basis followed by
// the given linear layer: for fraction t, the basis is
// cos(pi*i*t) for i = 1, ..., cosines.
func cosineEmbedding(g *G.ExprGraph, taus *G.Node, embed Layer, batch,
	numTaus, cosines int) (*G.Node, error) {
	flat, err := G.Reshape(taus, tensor.Shape{batch * numTaus, 1})
	if err != nil {
		return nil, err
	}

	rangeBacking := make([]float64, cosines)
	for i := range rangeBacking {
		rangeBacking[i] = math.Pi * float64(i+1)
	}
	piRange := G.NewMatrix(g, tensor.Float64, G.WithShape(1, cosines),
		G.WithName(fmt.Sprintf("cosineRange_%d_%d", batch, numTaus)),
		G.WithValue(tensor.New(
			tensor.WithBacking(rangeBacking),
			tensor.WithShape(1, cosines),
		)))

	angles, err := G.BroadcastHadamardProd(flat, piRange, []byte{1},
		[]byte{0})
	if err != nil {
		return nil, err
	}
	basis, err := G.Cos(angles)
	if err != nil {
		return nil, err
	}

	return embed.fwd(basis)
}

// Graph returns the computational graph of the quantileMLP
func (q *quantileMLP) Graph() *G.ExprGraph {
	return q.g
}

// Clone clones a quantileMLP to a new computational graph
func (q *quantileMLP) Clone() (NeuralNet, error) {
	return q.CloneWithBatch(q.batchSize)
}

// CloneWithBatch clones a quantileMLP to a new computational graph
// with a new input batch size
func (q *quantileMLP) CloneWithBatch(batch int) (NeuralNet, error) {
	cloned, err := NewQuantileMLP(q.features, batch, q.numActions,
		q.numTaus, q.cosines, G.NewGraph(), q.hiddenSizes, q.biases, q.init,
		q.activations)
	if err != nil {
		return nil, fmt.Errorf("clonewithbatch: %v", err)
	}
	if err := cloned.Set(q); err != nil {
		return nil, fmt.Errorf("clonewithbatch: could not copy weights: %v",
			err)
	}
	return cloned, nil
}

// BatchSize returns the number of rows in the network's input
func (q *quantileMLP) BatchSize() int {
	return q.batchSize
}

// Features returns the number of features in a single observation
// vector that the network takes as input
func (q *quantileMLP) Features() int {
	return q.features
}

// Outputs returns the number of actions whose values are predicted
func (q *quantileMLP) Outputs() int {
	return q.numActions
}

// OutputLayers returns the number of output layers of the network
func (q *quantileMLP) OutputLayers() int {
	return len(q.Prediction())
}

// NumTaus returns the number of fractions evaluated per sample
func (q *quantileMLP) NumTaus() int {
	return q.numTaus
}

// Taus returns the node holding the quantile fractions
func (q *quantileMLP) Taus() *G.Node {
	return q.taus
}

// Feature returns the value of the state feature layer from the last
// run of the network's graph
func (q *quantileMLP) Feature() G.Value {
	return q.featureVal
}

// SetInput sets the value of the network's input node
func (q *quantileMLP) SetInput(input []float64) error {
	if len(input) != q.features*q.batchSize {
		return fmt.Errorf("setinput: invalid number of inputs\n\twant(%v)"+
			"\n\thave(%v)", q.features*q.batchSize, len(input))
	}
	inputTensor := tensor.New(
		tensor.WithBacking(input),
		tensor.WithShape(q.batchSize, q.features),
	)
	return G.Let(q.input, inputTensor)
}

// SetTaus sets the quantile fractions to evaluate
func (q *quantileMLP) SetTaus(taus []float64) error {
	if len(taus) != q.numTaus*q.batchSize {
		return fmt.Errorf("settaus: invalid number of fractions"+
			"\n\twant(%v)\n\thave(%v)", q.numTaus*q.batchSize, len(taus))
	}
	tausTensor := tensor.New(
		tensor.WithBacking(taus),
		tensor.WithShape(q.batchSize, q.numTaus),
	)
	return G.Let(q.taus, tausTensor)
}

// Set sets the weights of the quantileMLP to those of another
// NeuralNet of the same architecture
func (q *quantileMLP) Set(source NeuralNet) error {
	return setWeights(q.Learnables(), source.Learnables())
}

// Polyak updates the weights of the quantileMLP as a moving average
// between its current weights and those of another NeuralNet
func (q *quantileMLP) Polyak(source NeuralNet, tau float64) error {
	return polyakWeights(q.Learnables(), source.Learnables(), tau)
}

// Learnables returns the learnable nodes of the quantileMLP in trunk,
// embedding, output layer order
func (q *quantileMLP) Learnables() G.Nodes {
	if q.learnables == nil {
		layers := append([]Layer{}, q.trunk...)
		layers = append(layers, q.embed, q.head)
		q.learnables = learnablesOf(layers)
	}
	return q.learnables
}

// Model returns the learnable nodes with their gradients
func (q *quantileMLP) Model() []G.ValueGrad {
	if q.model == nil {
		q.model = modelOf(q.Learnables())
	}
	return q.model
}

// Output returns the predicted quantiles from the last run of the
// network's graph, of shape (batch, taus, actions)
func (q *quantileMLP) Output() []G.Value {
	return []G.Value{q.predVal}
}

// Prediction returns the node holding the predicted quantiles
func (q *quantileMLP) Prediction() []*G.Node {
	return []*G.Node{q.prediction}
}
