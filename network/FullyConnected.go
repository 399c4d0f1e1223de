package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// fcLayer implements a fully connected layer of a feed forward neural
// network
type fcLayer struct {
	weights *G.Node
	bias    *G.Node
	act     *Activation
}

// newFCLayer adds a new fully connected layer to the graph g with
// the given fan-in and fan-out. The name parameter disambiguates the
// weight nodes of networks sharing a single graph.
func newFCLayer(g *G.ExprGraph, in, out int, useBias bool,
	act *Activation, init G.InitWFn, name string) *fcLayer {
	weights := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(in, out),
		G.WithName(fmt.Sprintf("%vW", name)),
		G.WithInit(init),
	)

	var bias *G.Node
	if useBias {
		bias = G.NewVector(
			g,
			tensor.Float64,
			G.WithShape(out),
			G.WithName(fmt.Sprintf("%vB", name)),
			G.WithInit(G.Zeroes()),
		)
	}

	return &fcLayer{
		weights: weights,
		bias:    bias,
		act:     act,
	}
}

// addFCLayers creates a stack of fully connected layers on the graph
// g. For index i, hiddenSizes[i] is the fan-out of layer i, biases[i]
// determines whether layer i has a bias unit, and activations[i] is
// the activation function of layer i.
func addFCLayers(g *G.ExprGraph, features int, hiddenSizes []int,
	biases []bool, activations []*Activation, init G.InitWFn,
	prefix string) []Layer {
	layers := make([]Layer, len(hiddenSizes))

	in := features
	for i := range hiddenSizes {
		name := fmt.Sprintf("%vL%d", prefix, i)
		layers[i] = newFCLayer(g, in, hiddenSizes[i], biases[i],
			activations[i], init, name)
		in = hiddenSizes[i]
	}
	return layers
}

// fwd adds the forward pass of the fcLayer to the computational graph
func (f *fcLayer) fwd(x *G.Node) (*G.Node, error) {
	if f.Weights() != nil {
		x = G.Must(G.Mul(x, f.Weights()))
	}
	if f.Bias() != nil {
		// Broadcast the bias weights to all samples along the batch
		// dimension
		x = G.Must(G.BroadcastAdd(x, f.Bias(), nil, []byte{0}))
	}
	if f.Activation() == nil || f.Activation().IsNil() {
		return x, nil
	}
	return f.Activation().fwd(x)
}

// CloneTo clones an fcLayer to a new computational graph
func (f *fcLayer) CloneTo(g *G.ExprGraph) Layer {
	var newWeights, newBias *G.Node

	if f.Weights() != nil {
		newWeights = f.Weights().CloneTo(g)
	}
	if f.Bias() != nil {
		newBias = f.Bias().CloneTo(g)
	}

	return &fcLayer{
		weights: newWeights,
		bias:    newBias,
		act:     f.act,
	}
}

func (f *fcLayer) Activation() *Activation {
	return f.act
}

func (f *fcLayer) Bias() *G.Node {
	return f.bias
}

func (f *fcLayer) Weights() *G.Node {
	return f.weights
}

// GobEncode implements the gob.GobEncoder interface. Only the layer
// weight values are encoded, not the graph nodes themselves.
func (f *fcLayer) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	hasWeights := f.weights != nil
	if err := enc.Encode(hasWeights); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode weights flag")
	}
	if hasWeights {
		data := f.weights.Value().Data().([]float64)
		if err := enc.Encode(data); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode weights: %v",
				err)
		}
	}

	hasBias := f.bias != nil
	if err := enc.Encode(hasBias); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode bias flag")
	}
	if hasBias {
		data := f.bias.Value().Data().([]float64)
		if err := enc.Encode(data); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode bias: %v", err)
		}
	}

	if err := enc.Encode(f.act); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode activation: %v",
			err)
	}

	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. The layer must
// already exist on a graph with the correct shapes; decoding fills in
// the weight values.
func (f *fcLayer) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	var hasWeights bool
	if err := dec.Decode(&hasWeights); err != nil {
		return fmt.Errorf("gobdecode: could not decode weights flag")
	}
	if hasWeights {
		if f.weights == nil {
			return fmt.Errorf("gobdecode: layer has no weights node")
		}
		var data []float64
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("gobdecode: could not decode weights: %v", err)
		}
		weights := tensor.New(
			tensor.WithBacking(data),
			tensor.WithShape(f.weights.Shape()...),
		)
		if err := G.Let(f.weights, weights); err != nil {
			return fmt.Errorf("gobdecode: could not set weights: %v", err)
		}
	}

	var hasBias bool
	if err := dec.Decode(&hasBias); err != nil {
		return fmt.Errorf("gobdecode: could not decode bias flag")
	}
	if hasBias {
		if f.bias == nil {
			return fmt.Errorf("gobdecode: layer has no bias node")
		}
		var data []float64
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("gobdecode: could not decode bias: %v", err)
		}
		bias := tensor.New(
			tensor.WithBacking(data),
			tensor.WithShape(f.bias.Shape()...),
		)
		if err := G.Let(f.bias, bias); err != nil {
			return fmt.Errorf("gobdecode: could not set bias: %v", err)
		}
	}

	var act Activation
	if err := dec.Decode(&act); err != nil {
		return fmt.Errorf("gobdecode: could not decode activation: %v", err)
	}
	f.act = &act

	return nil
}
