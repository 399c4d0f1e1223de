// Package environment outlines the interfaces and structs needed to
// implement concrete environments
package environment

import (
	"gonum.org/v1/gonum/mat"

	"github.com/Tubbz-alt/rljax/timestep"
)

// Starter implements a distribution of starting states and samples
// starting states for environments
type Starter interface {
	Start() *mat.VecDense
}

// Ender determines when episodes end. Enders modify the StepType and
// Discount of TimeSteps which end episodes.
type Ender interface {
	// End checks whether the argument TimeStep is the last in an
	// episode. If so, End modifies the TimeStep appropriately and
	// returns true.
	End(*timestep.TimeStep) bool
}

// Cardinality indicates whether the associated type is continuous or
// discrete
type Cardinality int

const (
	Discrete Cardinality = iota
	Continuous
)

// SpecType determines what kind of specification a Spec is. A Spec can
// specify the layout of an action, an observation, a discount, or a
// reward
type SpecType int

const (
	Action SpecType = iota
	Observation
	Discount
	Reward
)

// Spec implements a specification, which tells the type, shape, and
// bounds of an action, observation, discount, or reward
type Spec struct {
	Shape      mat.Vector
	Type       SpecType
	LowerBound mat.Vector
	UpperBound mat.Vector
	Cardinality
}

// NewSpec constructs a new environment specification
func NewSpec(shape mat.Vector, t SpecType, lowerBound, upperBound mat.Vector,
	c Cardinality) Spec {
	return Spec{shape, t, lowerBound, upperBound, c}
}

// Task implements the reward scheme and ending conditions for taking
// actions in some environment
type Task interface {
	Starter
	Ender

	// GetReward returns the reward for taking an action in some state,
	// resulting in a transition to nextState
	GetReward(state, action, nextState mat.Vector) float64

	// AtGoal returns whether the argument state is a goal state
	AtGoal(state mat.Matrix) bool

	// Min and Max return the minimum and maximum attainable rewards
	Min() float64
	Max() float64

	RewardSpec() Spec
}

// Environment implements a simulated environment, which includes a
// Task to complete
type Environment interface {
	Task

	// Reset resets the environment between episodes, returning the
	// first TimeStep of the new episode
	Reset() timestep.TimeStep

	// Step takes one environmental step given an action, returning the
	// next TimeStep and whether that step is the last in the episode
	Step(action *mat.VecDense) (timestep.TimeStep, bool)

	// LastTimeStep returns the last TimeStep generated by the
	// environment
	LastTimeStep() timestep.TimeStep

	DiscountSpec() Spec
	ObservationSpec() Spec
	ActionSpec() Spec
}
