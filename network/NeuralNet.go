// Package network provides neural network function approximators
// implemented with Gorgonia. Networks in this package hold nodes in
// an external computational graph and do not own a VM. To use a
// network, set its input with SetInput(), run a VM on the network's
// graph, then read the network's Output().
package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// NeuralNet implements a neural network which populates some
// computational graph. Networks may have multiple output layers, in
// which case Prediction() and Output() return one node and one value
// per output layer respectively.
type NeuralNet interface {
	// Graph returns the computational graph that the network
	// populates
	Graph() *G.ExprGraph

	// Clone clones the network to a new computational graph
	Clone() (NeuralNet, error)

	// CloneWithBatch clones the network to a new computational graph,
	// changing the batch size of the network's input
	CloneWithBatch(int) (NeuralNet, error)

	// BatchSize returns the number of rows in the network's input
	BatchSize() int

	// Features returns the number of features in a single input
	// observation
	Features() int

	// Outputs returns the number of output units per output layer
	Outputs() int

	// OutputLayers returns the number of output layers of the
	// network
	OutputLayers() int

	// SetInput sets the value of the network's input node. The input
	// is a flattened batch of observations in row-major order.
	SetInput([]float64) error

	// Set sets the weights of the network to those of another
	// network of the same architecture
	Set(NeuralNet) error

	// Polyak updates the weights of the network as an exponential
	// average between its current weights and those of another
	// network of the same architecture
	Polyak(NeuralNet, float64) error

	// Learnables returns the learnable nodes of the network in a
	// deterministic order
	Learnables() G.Nodes

	// Model returns the learnable nodes with their gradients
	Model() []G.ValueGrad

	// Output returns the value of each output layer from the last
	// run of the network's graph
	Output() []G.Value

	// Prediction returns the node of each output layer
	Prediction() []*G.Node
}

// Layer implements a single layer of a NeuralNet
type Layer interface {
	fwd(*G.Node) (*G.Node, error)
	CloneTo(g *G.ExprGraph) Layer

	Weights() *G.Node
	Bias() *G.Node
	Activation() *Activation
}

// Set sets the weights of dest to the weights of source. The networks
// must share the same architecture.
func Set(dest, source NeuralNet) error {
	return setWeights(dest.Learnables(), source.Learnables())
}

// Polyak sets the weights of dest to a moving average between the
// weights of dest and source. The networks must share the same
// architecture.
func Polyak(dest, source NeuralNet, tau float64) error {
	return polyakWeights(dest.Learnables(), source.Learnables(), tau)
}

// setWeights sets the values of dest to the values of source. The
// node slices must have the same length with matching shapes at each
// index.
func setWeights(dest, source G.Nodes) error {
	if len(dest) != len(source) {
		return fmt.Errorf("set: invalid number of learnables\n\twant(%d)"+
			"\n\thave(%d)", len(dest), len(source))
	}
	for i := range dest {
		cloned := source[i].Clone()
		err := G.Let(dest[i], cloned.(*G.Node).Value())
		if err != nil {
			return err
		}
	}
	return nil
}

// polyakWeights sets the values of dest to a moving average between
// the values of dest and source: dest = (1 - tau) * dest + tau * source
func polyakWeights(dest, source G.Nodes, tau float64) error {
	if len(dest) != len(source) {
		return fmt.Errorf("polyak: invalid number of learnables\n\twant(%d)"+
			"\n\thave(%d)", len(dest), len(source))
	}
	for i := range dest {
		weights := dest[i].Value().(*tensor.Dense)
		sourceWeights := source[i].Value().(*tensor.Dense)

		weights, err := weights.MulScalar(1-tau, true)
		if err != nil {
			return err
		}

		sourceWeights, err = sourceWeights.MulScalar(tau, true)
		if err != nil {
			return err
		}

		newWeights, err := weights.Add(sourceWeights)
		if err != nil {
			return err
		}

		err = G.Let(dest[i], newWeights)
		if err != nil {
			return err
		}
	}
	return nil
}
