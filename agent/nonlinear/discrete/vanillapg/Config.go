// Package vanillapg implements the Vanilla Policy Gradient algorithm
// with generalized advantage estimation for discrete action spaces.
package vanillapg

import (
	"fmt"
	"reflect"

	"github.com/Tubbz-alt/rljax/agent"
	env "github.com/Tubbz-alt/rljax/environment"
	"github.com/Tubbz-alt/rljax/initwfn"
	"github.com/Tubbz-alt/rljax/network"
	"github.com/Tubbz-alt/rljax/solver"
)

func init() {
	// Register ConfigList type so that it can be typed using
	// agent.TypedConfigList to help with serialization/deserialization.
	agent.Register(agent.CategoricalVanillaPGMLP, ConfigList{})
}

// ConfigList implements functionality for storing a list of Config's
// in a simple way. Instead of storing a slice of Configs, the
// ConfigList stores each field's values and constructs the list by
// every combination of field values.
type ConfigList struct {
	// Policy neural net
	PolicyLayers      [][]int
	PolicyBiases      [][]bool
	PolicyActivations [][]*network.Activation

	// State value function neural net
	ValueFnLayers      [][]int
	ValueFnBiases      [][]bool
	ValueFnActivations [][]*network.Activation

	// Weight init function for all neural nets
	InitWFn []*initwfn.InitWFn

	PolicySolver []*solver.Solver
	VSolver      []*solver.Solver

	// Number of gradient steps to take for the value functions per
	// epoch
	ValueGradSteps []int
	EpochLength    []int

	// FinishEpisodeOnEpochEnd denotes if the current episode should
	// be finished before starting a new epoch
	FinishEpisodeOnEpochEnd []bool

	// Generalized Advantage Estimation
	Lambda []float64
	Gamma  []float64
}

// NewConfigList returns a new ConfigList as an agent.TypedConfigList.
// Because the returned value is a TypedList, it can safely be JSON
// serialized and deserialized without specifying what the type of
// the ConfigList is.
func NewConfigList(
	PolicyLayers [][]int,
	PolicyBiases [][]bool,
	PolicyActivations [][]*network.Activation,
	ValueFnLayers [][]int,
	ValueFnBiases [][]bool,
	ValueFnActivations [][]*network.Activation,
	InitWFn []*initwfn.InitWFn,
	PolicySolver []*solver.Solver,
	VSolver []*solver.Solver,
	ValueGradSteps []int,
	EpochLength []int,
	FinishEpisodeOnEpochEnd []bool,
	Lambda []float64,
	Gamma []float64,
) agent.TypedConfigList {
	config := ConfigList{
		PolicyLayers:      PolicyLayers,
		PolicyBiases:      PolicyBiases,
		PolicyActivations: PolicyActivations,

		ValueFnLayers:      ValueFnLayers,
		ValueFnBiases:      ValueFnBiases,
		ValueFnActivations: ValueFnActivations,

		InitWFn: InitWFn,

		PolicySolver: PolicySolver,
		VSolver:      VSolver,

		ValueGradSteps:          ValueGradSteps,
		EpochLength:             EpochLength,
		FinishEpisodeOnEpochEnd: FinishEpisodeOnEpochEnd,

		Lambda: Lambda,
		Gamma:  Gamma,
	}

	return agent.NewTypedConfigList(config)
}

// Config returns an empty Config that is of the type stored by the
// ConfigList
func (c ConfigList) Config() agent.Config {
	return Config{}
}

// Type returns the type of Config stored in the list
func (c ConfigList) Type() agent.Type {
	return c.Config().Type()
}

// Len returns the number of configurations stored in the list
func (c ConfigList) Len() int {
	return len(c.PolicyLayers) * len(c.PolicyBiases) *
		len(c.PolicyActivations) * len(c.ValueFnLayers) *
		len(c.ValueFnBiases) * len(c.ValueFnActivations) *
		len(c.InitWFn) * len(c.PolicySolver) * len(c.VSolver) *
		len(c.ValueGradSteps) * len(c.EpochLength) *
		len(c.FinishEpisodeOnEpochEnd) * len(c.Lambda) * len(c.Gamma)
}

// NumFields gets the total number of settable fields/hyperparameters
// for the agent configuration
func (c ConfigList) NumFields() int {
	rValue := reflect.ValueOf(c)
	return rValue.NumField()
}

// Config implements a configuration for a categorical policy vanilla
// policy gradient agent. The policy is parameterized by a neural
// network outputting one logit per action, and actions are sampled
// from the softmax distribution over the logits.
type Config struct {
	// Policy neural net
	PolicyLayers      []int
	PolicyBiases      []bool
	PolicyActivations []*network.Activation

	// State value function neural net
	ValueFnLayers      []int
	ValueFnBiases      []bool
	ValueFnActivations []*network.Activation

	// Weight init function for all neural nets
	InitWFn *initwfn.InitWFn

	PolicySolver *solver.Solver
	VSolver      *solver.Solver

	// Number of gradient steps to take for the value functions per
	// epoch
	ValueGradSteps int
	EpochLength    int

	// FinishEpisodeOnEpochEnd denotes if the current episode should
	// be finished before starting a new epoch. If true, then the
	// agent is updated when the current epoch ends, then the current
	// episode is finished, then the next epoch starts. If false, the
	// agent is updated when the current epoch is finished, and the
	// next epoch starts at the next timestep, which may be in the
	// middle of an episode.
	FinishEpisodeOnEpochEnd bool

	// Generalized Advantage Estimation
	Lambda float64
	Gamma  float64
}

// BatchSize gets the batch size for the policy generated by this
// config
func (c Config) BatchSize() int {
	return c.EpochLength
}

// Validate checks a Config to ensure it is a valid configuration
func (c Config) Validate() error {
	if len(c.PolicyLayers) != len(c.PolicyBiases) {
		return fmt.Errorf("new: invalid number of policy biases"+
			"\n\twant(%v)\n\thave(%v)", len(c.PolicyLayers),
			len(c.PolicyBiases))
	}

	if len(c.PolicyLayers) != len(c.PolicyActivations) {
		return fmt.Errorf("new: invalid number of policy activations"+
			"\n\twant(%v)\n\thave(%v)", len(c.PolicyLayers),
			len(c.PolicyActivations))
	}

	if len(c.ValueFnLayers) != len(c.ValueFnBiases) {
		return fmt.Errorf("new: invalid number of value function biases"+
			"\n\twant(%v)\n\thave(%v)", len(c.ValueFnLayers),
			len(c.ValueFnBiases))
	}

	if len(c.ValueFnLayers) != len(c.ValueFnActivations) {
		return fmt.Errorf("new: invalid number of value function "+
			"activations\n\twant(%v)\n\thave(%v)", len(c.ValueFnLayers),
			len(c.ValueFnActivations))
	}

	if c.EpochLength <= 0 {
		return fmt.Errorf("new: cannot have epoch length < 1")
	}

	if c.ValueGradSteps <= 0 {
		return fmt.Errorf("new: at least one value function gradient "+
			"step per epoch required \n\twant(>0) \n\thave(%v)",
			c.ValueGradSteps)
	}

	if c.Lambda < 0 || c.Lambda > 1 {
		return fmt.Errorf("new: lambda must be in [0, 1]\n\thave(%v)",
			c.Lambda)
	}

	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("new: gamma must be in [0, 1]\n\thave(%v)",
			c.Gamma)
	}

	return nil
}

// ValidAgent returns true if the argument agent can be constructed
// from the Config and false otherwise.
func (c Config) ValidAgent(a agent.Agent) bool {
	_, ok := a.(*VPG)
	return ok
}

// Type returns the type of agent constructed by the Config
func (c Config) Type() agent.Type {
	return agent.CategoricalVanillaPGMLP
}

// CreateAgent creates and returns the agent determined by the
// configuration
func (c Config) CreateAgent(e env.Environment, seed uint64) (agent.Agent,
	error) {
	return New(e, c, int64(seed))
}
