// Package fqf implements an agent that learns a fully parameterized
// quantile function of the return distribution. Both the quantile
// values and the fractions at which they are evaluated are learned,
// the latter by a separate fraction proposal network.
package fqf

import (
	"fmt"
	"reflect"

	"github.com/Tubbz-alt/rljax/agent"
	env "github.com/Tubbz-alt/rljax/environment"
	"github.com/Tubbz-alt/rljax/expreplay"
	"github.com/Tubbz-alt/rljax/initwfn"
	"github.com/Tubbz-alt/rljax/network"
	"github.com/Tubbz-alt/rljax/solver"
)

func init() {
	// Register ConfigList type so that it can be typed using
	// agent.TypedConfigList to help with serialization/deserialization.
	agent.Register(agent.EGreedyFQFMLP, ConfigList{})
}

// LossType determines which per-quantile regression loss the agent
// minimizes
type LossType string

// Available quantile regression losses
const (
	HuberLoss LossType = "Huber"
	L2Loss    LossType = "L2"
)

// ConfigList implements a list of Config's in a more efficient manner
// than simply using a slice of Config's.
type ConfigList struct {
	PolicyLayers [][]int                 // Hidden layer sizes of trunk
	Biases       [][]bool                // Whether each layer should have a bias
	Activations  [][]*network.Activation // Activation of each layer

	QuantileSolver []*solver.Solver // Solver for the quantile network
	FractionSolver []*solver.Solver // Solver for the fraction network

	// Initialization algorithm for weights
	InitWFn []*initwfn.InitWFn

	Taus    []int // Number of fractions proposed per state
	Cosines []int // Size of the cosine embedding basis

	Epsilon     []float64 // Behaviour policy epsilon
	EpsilonEval []float64 // Evaluation mode epsilon

	Loss  []LossType // Quantile regression loss
	Kappa []float64  // Huber loss threshold

	DoubleQ []bool // Whether to select next actions with the online net

	// Experience replay parameters
	ExpReplay []expreplay.Config

	// Target net updates
	TargetUpdateInterval []int // Environmental steps between target updates

	// Update schedule
	StartSteps     []int // Steps of uniform random action warmup
	UpdateInterval []int // Environment steps between gradient updates
}

// NewConfigList returns a new ConfigList as an agent.TypedConfigList.
// Because the returned value is a TypedList, it can safely be JSON
// serialized and deserialized without specifying what the type of
// the ConfigList is.
func NewConfigList(
	PolicyLayers [][]int,
	Biases [][]bool,
	Activations [][]*network.Activation,
	QuantileSolver []*solver.Solver,
	FractionSolver []*solver.Solver,
	InitWFn []*initwfn.InitWFn,
	Taus []int,
	Cosines []int,
	Epsilon []float64,
	EpsilonEval []float64,
	Loss []LossType,
	Kappa []float64,
	DoubleQ []bool,
	ExpReplay []expreplay.Config,
	TargetUpdateInterval []int,
	StartSteps []int,
	UpdateInterval []int,
) agent.TypedConfigList {
	configs := ConfigList{
		PolicyLayers:         PolicyLayers,
		Biases:               Biases,
		Activations:          Activations,
		QuantileSolver:       QuantileSolver,
		FractionSolver:       FractionSolver,
		InitWFn:              InitWFn,
		Taus:                 Taus,
		Cosines:              Cosines,
		Epsilon:              Epsilon,
		EpsilonEval:          EpsilonEval,
		Loss:                 Loss,
		Kappa:                Kappa,
		DoubleQ:              DoubleQ,
		ExpReplay:            ExpReplay,
		TargetUpdateInterval: TargetUpdateInterval,
		StartSteps:           StartSteps,
		UpdateInterval:       UpdateInterval,
	}

	return agent.NewTypedConfigList(configs)
}

// Type returns the type of Config stored in the list
func (c ConfigList) Type() agent.Type {
	return c.Config().Type()
}

// NumFields returns the number of settable fields in a Config
func (c ConfigList) NumFields() int {
	rValue := reflect.ValueOf(c)
	return rValue.NumField()
}

// Config returns an empty Config of the same type as that stored
// by the ConfigList
func (c ConfigList) Config() agent.Config {
	return Config{}
}

// Len returns the number of Config's in the list
func (c ConfigList) Len() int {
	return len(c.PolicyLayers) * len(c.Biases) * len(c.Activations) *
		len(c.QuantileSolver) * len(c.FractionSolver) * len(c.InitWFn) *
		len(c.Taus) * len(c.Cosines) * len(c.Epsilon) *
		len(c.EpsilonEval) * len(c.Loss) * len(c.Kappa) * len(c.DoubleQ) *
		len(c.ExpReplay) * len(c.TargetUpdateInterval) *
		len(c.StartSteps) * len(c.UpdateInterval)
}

// Config implements a configuration for an FQF agent
type Config struct {
	PolicyLayers []int                 // Hidden layer sizes of trunk
	Biases       []bool                // Whether each layer should have a bias
	Activations  []*network.Activation // Activation of each layer

	QuantileSolver *solver.Solver // Solver for the quantile network
	FractionSolver *solver.Solver // Solver for the fraction network

	// Initialization algorithm for weights
	InitWFn *initwfn.InitWFn

	Taus    int // Number of fractions proposed per state
	Cosines int // Size of the cosine embedding basis

	Epsilon     float64 // Behaviour policy epsilon
	EpsilonEval float64 // Evaluation mode epsilon

	Loss  LossType // Quantile regression loss
	Kappa float64  // Huber loss threshold

	DoubleQ bool // Whether to select next actions with the online net

	// Experience replay parameters
	ExpReplay expreplay.Config

	// Target net updates
	TargetUpdateInterval int // Environmental steps between target updates

	// StartSteps determines the number of environmental steps over
	// which actions are selected uniformly at random before learning
	// begins. UpdateInterval determines the number of environmental
	// steps between gradient updates.
	StartSteps     int
	UpdateInterval int
}

// BatchSize returns the batch size of the agent constructed using this
// Config
func (c Config) BatchSize() int {
	return c.ExpReplay.BatchSize
}

// Type returns the type of the configuration
func (c Config) Type() agent.Type {
	return agent.EGreedyFQFMLP
}

// Validate checks a Config to ensure it is a valid configuration of an
// FQF agent.
func (c Config) Validate() error {
	if len(c.PolicyLayers) != len(c.Biases) {
		return fmt.Errorf("new: invalid number of biases\n\twant(%v)"+
			"\n\thave(%v)", len(c.PolicyLayers), len(c.Biases))
	}

	if len(c.PolicyLayers) != len(c.Activations) {
		return fmt.Errorf("new: invalid number of activations\n\twant(%v)"+
			"\n\thave(%v)", len(c.PolicyLayers), len(c.Activations))
	}

	if c.Taus < 2 {
		return fmt.Errorf("new: at least 2 fractions must be proposed "+
			"per state \n\twant(>1) \n\thave(%v)", c.Taus)
	}

	if c.Cosines < 1 {
		return fmt.Errorf("new: at least 1 cosine basis function "+
			"required \n\twant(>0) \n\thave(%v)", c.Cosines)
	}

	if c.Epsilon < 0 || c.Epsilon > 1 {
		return fmt.Errorf("new: epsilon must be in [0, 1]\n\thave(%v)",
			c.Epsilon)
	}

	if c.EpsilonEval < 0 || c.EpsilonEval > 1 {
		return fmt.Errorf("new: evaluation epsilon must be in [0, 1]"+
			"\n\thave(%v)", c.EpsilonEval)
	}

	if c.Loss != HuberLoss && c.Loss != L2Loss {
		return fmt.Errorf("new: no such loss type %v", c.Loss)
	}

	if c.Loss == HuberLoss && c.Kappa <= 0 {
		return fmt.Errorf("new: huber threshold must be positive "+
			"\n\twant(>0) \n\thave(%v)", c.Kappa)
	}

	if c.TargetUpdateInterval < 1 {
		return fmt.Errorf("new: target networks must be updated at positive "+
			"gradient step intervals \n\twant(>0) \n\thave(%v)",
			c.TargetUpdateInterval)
	}

	if c.UpdateInterval < 1 {
		return fmt.Errorf("new: gradient updates must occur at positive "+
			"timestep intervals \n\twant(>0) \n\thave(%v)", c.UpdateInterval)
	}

	if c.StartSteps < 0 {
		return fmt.Errorf("new: warmup steps cannot be negative "+
			"\n\thave(%v)", c.StartSteps)
	}

	return nil
}

// ValidAgent returns whether the agent is valid for the configuration.
// That is, whether Agent a can be constructed with Config c.
func (c Config) ValidAgent(a agent.Agent) bool {
	_, ok := a.(*FQF)
	return ok
}

// CreateAgent creates a new FQF agent based on the configuration
func (c Config) CreateAgent(e env.Environment, s uint64) (agent.Agent,
	error) {
	return New(e, c, int64(s))
}
