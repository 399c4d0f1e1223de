// Package deepq implements a deep Q-learning agent with experience
// replay and target networks.
package deepq

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
	agent.Register(agent.EGreedyDeepQMLP, ConfigList{})
}

// ConfigList implements a list of Config's in a more efficient manner
// than simply using a slice of Config's.
type ConfigList struct {
	PolicyLayers [][]int                 // Layer sizes in neural net
	Biases       [][]bool                // Whether each layer should have a bias
	Activations  [][]*network.Activation // Activation of each layer
	Solver       []*solver.Solver        // Solver for learning weights

	// Initialization algorithm for weights
	InitWFn []*initwfn.InitWFn

	Epsilon []float64 // Behaviour policy epsilon

	// Experience replay parameters
	ExpReplay []expreplay.Config

	// Target net updates
	Tau                  []float64 // Polyak averaging constant
	TargetUpdateInterval []int     // Environmental steps between target updates

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
	Solver []*solver.Solver,
	InitWFn []*initwfn.InitWFn,
	Epsilon []float64,
	ExpReplay []expreplay.Config,
	Tau []float64,
	TargetUpdateInterval []int,
	StartSteps []int,
	UpdateInterval []int,
) agent.TypedConfigList {
	configs := ConfigList{
		PolicyLayers:         PolicyLayers,
		Biases:               Biases,
		Activations:          Activations,
		Solver:               Solver,
		InitWFn:              InitWFn,
		Epsilon:              Epsilon,
		ExpReplay:            ExpReplay,
		Tau:                  Tau,
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
		len(c.Solver) * len(c.InitWFn) * len(c.Epsilon) * len(c.ExpReplay) *
		len(c.Tau) * len(c.TargetUpdateInterval) * len(c.StartSteps) *
		len(c.UpdateInterval)
}

// Config implements a configuration for a DeepQ agent
type Config struct {
	PolicyLayers []int                 // Layer sizes in neural net
	Biases       []bool                // Whether each layer should have a bias
	Activations  []*network.Activation // Activation of each layer
	Solver       *solver.Solver        // Solver for learning weights

	// Initialization algorithm for weights
	InitWFn *initwfn.InitWFn

	Epsilon float64 // Behaviour policy epsilon

	// Experience replay parameters
	ExpReplay expreplay.Config

	// Target net updates
	Tau                  float64 // Polyak averaging constant
	TargetUpdateInterval int     // Environmental steps between target updates

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
	return agent.EGreedyDeepQMLP
}

// Validate checks a Config to ensure it is a valid configuration of a
// DeepQ agent.
func (c Config) Validate() error {
	if len(c.PolicyLayers) != len(c.Biases) {
		return fmt.Errorf("new: invalid number of biases\n\twant(%v)"+
			"\n\thave(%v)", len(c.PolicyLayers), len(c.Biases))
	}

	if len(c.PolicyLayers) != len(c.Activations) {
		return fmt.Errorf("new: invalid number of activations\n\twant(%v)"+
			"\n\thave(%v)", len(c.PolicyLayers), len(c.Activations))
	}

	if c.Epsilon < 0 || c.Epsilon > 1 {
		return fmt.Errorf("new: epsilon must be in [0, 1]\n\thave(%v)",
			c.Epsilon)
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

	if c.Tau <= 0 || c.Tau > 1 {
		return fmt.Errorf("new: tau must be in (0, 1]\n\thave(%v)", c.Tau)
	}

	return nil
}

// ValidAgent returns whether the agent is valid for the configuration.
// That is, whether Agent a can be constructed with Config c.
func (c Config) ValidAgent(a agent.Agent) bool {
	_, ok := a.(*DeepQ)
	return ok
}

// CreateAgent creates a new DeepQ agent based on the configuration
func (c Config) CreateAgent(e env.Environment, s uint64) (agent.Agent,
	error) {
	return New(e, c, int64(s))
}
