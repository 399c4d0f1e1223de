// Package mountaincar implements the Mountain Car classic control
// environment
package mountaincar

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"

	env "github.com/Tubbz-alt/rljax/environment"
	ts "github.com/Tubbz-alt/rljax/timestep"
	"github.com/Tubbz-alt/rljax/utils/floatutils"
)

const (
	MinPosition float64 = -1.2
	MaxPosition float64 = 0.6
	MaxSpeed    float64 = 0.07
	Power       float64 = 0.0015 // Engine power
	Gravity     float64 = 0.0025

	ObservationDims int = 2
	ActionDims      int = 1
)

// base implements the underlying Mountain Car environment. In Mountain
// Car, an underpowered car must rock back and forth from hill to hill
// to gain enough momentum to drive up the rightmost hill.
//
// The environment state is continuous and consists of the car's x
// position and velocity, both bounded by the constants defined in this
// package.
//
// base does not itself implement the environment.Environment
// interface. The Discrete struct embeds a base and converts its
// actions into engine forces.
type base struct {
	env.Task
	positionBounds r1.Interval
	speedBounds    r1.Interval
	lastStep       ts.TimeStep
	discount       float64
	power          float64
	gravity        float64
}

// newBase creates a new base environment with the argument task
func newBase(t env.Task, discount float64) (*base, ts.TimeStep) {
	positionBounds := r1.Interval{Min: MinPosition, Max: MaxPosition}
	speedBounds := r1.Interval{Min: -MaxSpeed, Max: MaxSpeed}

	state := t.Start()
	validateState(state, positionBounds, speedBounds)

	firstStep := ts.New(ts.First, 0.0, discount, state, 0)

	mountainCar := base{t, positionBounds, speedBounds, firstStep,
		discount, Power, Gravity}

	return &mountainCar, firstStep
}

// Reset resets the environment and returns a starting state drawn from
// the environment Starter
func (m *base) Reset() ts.TimeStep {
	state := m.Start()
	validateState(state, m.positionBounds, m.speedBounds)
	startStep := ts.New(ts.First, 0, m.discount, state, 0)
	m.lastStep = startStep

	return startStep
}

// LastTimeStep returns the last TimeStep generated by the environment
func (m *base) LastTimeStep() ts.TimeStep {
	return m.lastStep
}

// nextState calculates the next state of the environment given an
// engine force
func (m *base) nextState(force float64) *mat.VecDense {
	state := m.lastStep.Observation
	position, velocity := state.AtVec(0), state.AtVec(1)

	velocity += force*m.power - m.gravity*math.Cos(3*position)
	velocity = floatutils.ClipInterval(velocity, m.speedBounds)

	position += velocity
	position = floatutils.ClipInterval(position, m.positionBounds)

	// Inelastic collision with the leftmost wall
	if position <= m.positionBounds.Min && velocity < 0 {
		velocity = 0
	}

	return mat.NewVecDense(2, []float64{position, velocity})
}

// update updates the base environment to reflect a transition to
// newState after taking action a, returning the next TimeStep and
// whether or not it is the last in the episode
func (m *base) update(a, newState *mat.VecDense) (ts.TimeStep,
	bool) {
	reward := m.GetReward(m.lastStep.Observation, a, newState)
	nextStep := ts.New(ts.Mid, reward, m.discount, newState,
		m.lastStep.Number+1)

	m.End(&nextStep)

	m.lastStep = nextStep
	return nextStep, nextStep.Last()
}

// ObservationSpec returns the observation specification of the
// environment
func (m *base) ObservationSpec() env.Spec {
	shape := mat.NewVecDense(ObservationDims, nil)
	lowerBound := mat.NewVecDense(ObservationDims,
		[]float64{m.positionBounds.Min, m.speedBounds.Min})
	upperBound := mat.NewVecDense(ObservationDims,
		[]float64{m.positionBounds.Max, m.speedBounds.Max})

	return env.NewSpec(shape, env.Observation, lowerBound, upperBound,
		env.Continuous)
}

// DiscountSpec returns the discounting specification of the
// environment
func (m *base) DiscountSpec() env.Spec {
	shape := mat.NewVecDense(1, nil)
	bound := mat.NewVecDense(1, []float64{m.discount})

	return env.NewSpec(shape, env.Discount, bound, bound, env.Continuous)
}

func (m *base) String() string {
	state := m.lastStep.Observation
	return fmt.Sprintf("Mountain Car  |  Position: %v  |  Speed: %v",
		state.AtVec(0), state.AtVec(1))
}

// validateState ensures that a state observation is within the
// physical bounds of the Mountain Car environment
func validateState(obs mat.Vector, positionBounds, speedBounds r1.Interval) {
	position, velocity := obs.AtVec(0), obs.AtVec(1)

	if position < positionBounds.Min || position > positionBounds.Max {
		panic(fmt.Sprintf("position is not within bounds %v",
			positionBounds))
	}
	if velocity < speedBounds.Min || velocity > speedBounds.Max {
		panic(fmt.Sprintf("velocity is not within bounds %v", speedBounds))
	}
}
