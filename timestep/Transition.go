package timestep

import "gonum.org/v1/gonum/mat"

// Transition packages together a SARSA tuple of environment experience.
//
// The Reward field may hold a multi-step return if the transition was
// aggregated over multiple environmental steps, in which case Discount
// holds the product of the per-step discounts over those steps.
type Transition struct {
	State  *mat.VecDense
	Action *mat.VecDense

	Reward   float64
	Discount float64

	NextState  *mat.VecDense
	NextAction *mat.VecDense
}

// NewTransition packages two sequential TimeSteps and the actions taken
// at each into a Transition
func NewTransition(step TimeStep, action *mat.VecDense, nextStep TimeStep,
	nextAction *mat.VecDense) Transition {
	return Transition{
		State:      step.Observation,
		Action:     action,
		Reward:     nextStep.Reward,
		Discount:   nextStep.Discount,
		NextState:  nextStep.Observation,
		NextAction: nextAction,
	}
}
