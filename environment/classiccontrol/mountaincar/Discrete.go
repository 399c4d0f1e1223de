package mountaincar

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	env "github.com/Tubbz-alt/rljax/environment"
	ts "github.com/Tubbz-alt/rljax/timestep"
)

const (
	// Discrete actions
	MinDiscreteAction int = 0
	MaxDiscreteAction int = 2
)

// Discrete implements the classic control environment Mountain Car
// with discrete actions. Actions determine the direction of the
// engine force. Legal actions are in {0, 1, 2}:
//
//	Action		Meaning
//	  0			Accelerate backwards
//	  1			Do nothing
//	  2			Accelerate forwards
//
// Illegal actions will cause the environment to panic.
//
// Discrete implements the environment.Environment interface.
type Discrete struct {
	*base
}

// NewDiscrete constructs a new Mountain Car environment with discrete
// actions
func NewDiscrete(t env.Task, discount float64) (*Discrete, ts.TimeStep) {
	base, firstStep := newBase(t, discount)
	return &Discrete{base}, firstStep
}

// ActionSpec returns the action specification of the environment
func (m *Discrete) ActionSpec() env.Spec {
	shape := mat.NewVecDense(ActionDims, nil)
	lowerBound := mat.NewVecDense(ActionDims,
		[]float64{float64(MinDiscreteAction)})
	upperBound := mat.NewVecDense(ActionDims,
		[]float64{float64(MaxDiscreteAction)})

	return env.NewSpec(shape, env.Action, lowerBound, upperBound,
		env.Discrete)
}

// Step takes one environmental step given action a and returns the
// next timestep and a bool indicating whether or not the episode has
// ended. Legal actions are in the set {0, 1, 2}; actions outside this
// range will cause the environment to panic.
func (m *Discrete) Step(a *mat.VecDense) (ts.TimeStep, bool) {
	if a.Len() > ActionDims {
		panic("step: actions should be 1-dimensional")
	}

	intAction := int(a.AtVec(0))
	if intAction < MinDiscreteAction || intAction > MaxDiscreteAction {
		panic(fmt.Sprintf("step: illegal action %v ∉ (0, 1, 2)",
			intAction))
	}

	// Convert action (0, 1, 2) to a force direction (-1, 0, 1)
	force := float64(intAction - 1)

	nextState := m.nextState(force)

	return m.update(a, nextState)
}
