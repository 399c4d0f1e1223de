package cartpole

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

// Discrete implements the classic control environment Cartpole with
// discrete actions. Actions consist of the direction to apply
// horizontal force to the cart. Legal actions are in {0, 1, 2}:
//
//	Action		Meaning
//	  0			Apply force left
//	  1			Do nothing
//	  2			Apply force right
//
// Illegal actions will cause the environment to panic.
//
// Discrete implements the environment.Environment interface.
type Discrete struct {
	*base
}

// NewDiscrete constructs a new Cartpole environment with discrete
// actions
func NewDiscrete(t env.Task, discount float64) (*Discrete, ts.TimeStep) {
	base, firstStep := newBase(t, discount)
	return &Discrete{base}, firstStep
}

// ActionSpec returns the action specification of the environment
func (c *Discrete) ActionSpec() env.Spec {
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
func (c *Discrete) Step(a *mat.VecDense) (ts.TimeStep, bool) {
	if a.Len() > ActionDims {
		panic("step: actions should be 1-dimensional")
	}

	intAction := int(a.AtVec(0))
	if intAction < MinDiscreteAction || intAction > MaxDiscreteAction {
		panic(fmt.Sprintf("step: illegal action %v ∉ (0, 1, 2)",
			intAction))
	}

	// Convert action (0, 1, 2) to a direction (-1, 0, 1)
	direction := float64(intAction - 1)

	nextState := c.nextState(direction)

	return c.update(a, nextState)
}
