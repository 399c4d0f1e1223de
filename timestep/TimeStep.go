// Package timestep implements timesteps of the agent-environment interaction
package timestep

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// StepType denotes the type of step that a TimeStep can be, either the first
// environmental step, a middle step, or a last step
type StepType int

const (
	First StepType = iota
	Mid
	Last
)

func (s StepType) String() string {
	switch s {
	case First:
		return "First"
	case Last:
		return "Last"
	default:
		return "Mid"
	}
}

// EndType describes the way in which an episode ended, either by
// reaching a terminal state or by being cut off at a step limit
type EndType int

const (
	// TerminalStateReached indicates that an episode ended because the
	// agent reached an environmental terminal state. No bootstrapping
	// should be performed off of the last observation.
	TerminalStateReached EndType = iota

	// Timeout indicates that an episode was cut off at a step limit.
	// The last state is not terminal, so learners should still
	// bootstrap off of the last observation.
	Timeout
)

// TimeStep packages together a single timestep in an environment.
//
// The Discount field holds the discount to apply when bootstrapping
// off of the next state. An environment that terminates an episode
// sets Discount to 0 on the terminal step. An episode that is cut off
// at a step limit keeps the environment discount so that learners
// still bootstrap past the cutoff.
type TimeStep struct {
	StepType
	Reward      float64
	Discount    float64
	Observation *mat.VecDense
	Number      int
}

// New constructs a new TimeStep
func New(t StepType, r, d float64, o *mat.VecDense, n int) TimeStep {
	return TimeStep{t, r, d, o, n}
}

// First returns whether a TimeStep is the first in an environment
func (t *TimeStep) First() bool {
	return t.StepType == First
}

// Mid returns whether a TimeStep is a middle step in an environment
func (t *TimeStep) Mid() bool {
	return t.StepType == Mid
}

// Last returns whether a TimeStep is the last step in an environment
func (t *TimeStep) Last() bool {
	return t.StepType == Last
}

// Terminal returns whether a TimeStep ended its episode by reaching
// a terminal state, as opposed to being cut off at a step limit
func (t *TimeStep) Terminal() bool {
	return t.Last() && t.Discount == 0.0
}

// SetEnd marks a TimeStep as the last in its episode. Terminal ends
// zero the Discount so that no bootstrapping occurs off of the
// terminal observation; Timeout ends keep the environment discount.
func (t *TimeStep) SetEnd(end EndType) {
	t.StepType = Last
	if end == TerminalStateReached {
		t.Discount = 0.0
	}
}

func (t TimeStep) String() string {
	str := "TimeStep | Type: %v  |  Reward:  %.2f  |  Discount: %.2f  |  " +
		"Step Number:  %v"

	return fmt.Sprintf(str, t.StepType, t.Reward, t.Discount, t.Number)
}
