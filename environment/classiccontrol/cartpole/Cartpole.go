// Package cartpole implements the Cartpole classic control environment
package cartpole

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
	// Physical constants
	Gravity        float64 = 9.8
	CartMass       float64 = 1.0
	PoleMass       float64 = 0.1
	HalfPoleLength float64 = 0.5  // Half of the pole's length
	ForceMag       float64 = 10.0 // Magnitude of force applied to the cart
	Dt             float64 = 0.02 // Seconds between state updates

	// Bounds (+/-) on state variables
	PositionBounds        float64 = 4.8
	SpeedBounds           float64 = math.MaxFloat64
	AngleBounds           float64 = math.Pi
	AngularVelocityBounds float64 = math.MaxFloat64

	ObservationDims int = 4
	ActionDims      int = 1
)

// base implements the underlying Cartpole environment. In this
// environment, a pole is attached to a cart which can move
// horizontally. Gravity pulls the pole downwards so that balancing it
// in an upright position is very difficult.
//
// The state features are continuous and consist of the cart's x
// position and speed, as well as the pole's angle from the positive
// y-axis and the pole's angular velocity. All state features are
// bounded by the constants defined in this package. For the position,
// speed, and angular velocity features, extreme values are clipped to
// within the legal ranges. For the pole's angle feature, extreme
// values are normalized so that all angles stay in the range (-π, π].
//
// base does not itself implement the environment.Environment
// interface. The Discrete struct embeds a base and converts its
// actions into forces on the cart.
type base struct {
	env.Task
	lastStep              ts.TimeStep
	discount              float64
	gravity               float64
	forceMag              float64
	poleMass              float64
	halfPoleLength        float64
	cartMass              float64
	dt                    float64
	positionBounds        r1.Interval
	speedBounds           r1.Interval
	angleBounds           r1.Interval
	angularVelocityBounds r1.Interval
}

// newBase creates a new base Cartpole environment with the argument
// task
func newBase(t env.Task, discount float64) (*base, ts.TimeStep) {
	positionBounds := r1.Interval{Min: -PositionBounds, Max: PositionBounds}
	speedBounds := r1.Interval{Min: -SpeedBounds, Max: SpeedBounds}
	angleBounds := r1.Interval{Min: -AngleBounds, Max: AngleBounds}
	angularVelocityBounds := r1.Interval{Min: -AngularVelocityBounds,
		Max: AngularVelocityBounds}

	state := t.Start()
	validateState(state, positionBounds, speedBounds, angleBounds,
		angularVelocityBounds)

	firstStep := ts.New(ts.First, 0.0, discount, state, 0)

	cartpole := base{t, firstStep, discount, Gravity, ForceMag, PoleMass,
		HalfPoleLength, CartMass, Dt, positionBounds, speedBounds,
		angleBounds, angularVelocityBounds}

	return &cartpole, firstStep
}

// Reset resets the environment and returns a starting state drawn from
// the environment Starter
func (c *base) Reset() ts.TimeStep {
	state := c.Start()
	validateState(state, c.positionBounds, c.speedBounds, c.angleBounds,
		c.angularVelocityBounds)

	startStep := ts.New(ts.First, 0, c.discount, state, 0)
	c.lastStep = startStep

	return startStep
}

// LastTimeStep returns the last TimeStep generated by the environment
func (c *base) LastTimeStep() ts.TimeStep {
	return c.lastStep
}

// nextState computes the next state of the environment given a
// direction in {-1, 0, 1} of horizontal force to apply to the cart
func (c *base) nextState(direction float64) *mat.VecDense {
	force := direction * c.forceMag

	state := c.lastStep.Observation
	x, xDot := state.AtVec(0), state.AtVec(1)
	th, thDot := state.AtVec(2), state.AtVec(3)

	cosTheta := math.Cos(th)
	sinTheta := math.Sin(th)

	totalMass := c.poleMass + c.cartMass
	poleMassLength := c.poleMass * c.halfPoleLength

	temp := (force + poleMassLength*thDot*thDot*sinTheta) / totalMass
	thAcc := (c.gravity*sinTheta - cosTheta*temp) / (c.halfPoleLength *
		(4.0/3.0 - c.poleMass*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thAcc*cosTheta/totalMass

	// Euler kinematic integration
	x += (c.dt * xDot)
	x = floatutils.ClipInterval(x, c.positionBounds)

	xDot += (c.dt * xAcc)
	xDot = floatutils.ClipInterval(xDot, c.speedBounds)

	th += (c.dt * thDot)
	th = normalizeAngle(th, c.angleBounds)

	thDot += (c.dt * thAcc)
	thDot = floatutils.ClipInterval(thDot, c.angularVelocityBounds)

	// Reaching a position boundary stops the cart
	if x <= c.positionBounds.Min || x >= c.positionBounds.Max {
		xDot = 0
	}

	return mat.NewVecDense(4, []float64{x, xDot, th, thDot})
}

// update updates the base environment to reflect a transition to
// newState after taking action a. The reward for the transition is
// calculated by the environment Task, and the Task's Ender determines
// whether the new TimeStep is the last in the episode.
func (c *base) update(a, newState *mat.VecDense) (ts.TimeStep,
	bool) {
	reward := c.GetReward(c.lastStep.Observation, a, newState)
	nextStep := ts.New(ts.Mid, reward, c.discount, newState,
		c.lastStep.Number+1)

	c.End(&nextStep)

	c.lastStep = nextStep
	return nextStep, nextStep.Last()
}

// ObservationSpec returns the observation specification of the
// environment
func (c *base) ObservationSpec() env.Spec {
	shape := mat.NewVecDense(ObservationDims, nil)

	lower := []float64{c.positionBounds.Min, c.speedBounds.Min,
		c.angleBounds.Min, c.angularVelocityBounds.Min}
	lowerBound := mat.NewVecDense(ObservationDims, lower)

	upper := []float64{c.positionBounds.Max, c.speedBounds.Max,
		c.angleBounds.Max, c.angularVelocityBounds.Max}
	upperBound := mat.NewVecDense(ObservationDims, upper)

	return env.NewSpec(shape, env.Observation, lowerBound, upperBound,
		env.Continuous)
}

// DiscountSpec returns the discounting specification of the
// environment
func (c *base) DiscountSpec() env.Spec {
	shape := mat.NewVecDense(1, nil)
	bound := mat.NewVecDense(1, []float64{c.discount})

	return env.NewSpec(shape, env.Discount, bound, bound, env.Continuous)
}

func (c *base) String() string {
	msg := "Cartpole  |  Position: %v  |  Speed: %v  |  Angle: %v" +
		"  |  Angular Velocity: %v"

	state := c.lastStep.Observation
	position, speed := state.AtVec(0), state.AtVec(1)
	angle, velocity := state.AtVec(2), state.AtVec(3)

	return fmt.Sprintf(msg, position, speed, angle, velocity)
}

// validateState ensures that a state observation is within the
// physical bounds of the Cartpole environment
func validateState(obs mat.Vector, positionBounds, speedBounds, angleBounds,
	angularVelocityBounds r1.Interval) {
	bounds := []r1.Interval{positionBounds, speedBounds, angleBounds,
		angularVelocityBounds}
	names := []string{"position", "speed", "angle", "angular velocity"}

	for i, bound := range bounds {
		if obs.AtVec(i) < bound.Min || obs.AtVec(i) > bound.Max {
			panic(fmt.Sprintf("%v is not within bounds %v", names[i], bound))
		}
	}
}

// normalizeAngle normalizes the pole angle to within the appropriate
// limits. Angle bounds must be centered around 0.
func normalizeAngle(th float64, angleBounds r1.Interval) float64 {
	if angleBounds.Max != -angleBounds.Min {
		panic("angle bounds should be centered around 0")
	}

	if th > angleBounds.Max {
		divisor := int(th / angleBounds.Max)
		return -math.Pi + th - (angleBounds.Max * float64(divisor))
	} else if th < angleBounds.Min {
		divisor := int(th / angleBounds.Min)
		return math.Pi + th - (angleBounds.Min * float64(divisor))
	}
	return th
}
