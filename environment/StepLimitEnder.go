package environment

import "github.com/Tubbz-alt/rljax/timestep"

// StepLimit implements the Ender interface to cut episodes off at a
// fixed timestep limit. Episodes ended by a StepLimit are cutoffs, not
// terminations, so the ended TimeStep keeps its Discount and learners
// may still bootstrap off of the final observation.
type StepLimit struct {
	episodeSteps int
}

// NewStepLimit creates and returns a new step limit
func NewStepLimit(episodeSteps int) *StepLimit {
	return &StepLimit{episodeSteps}
}

// End determines whether or not the current episode should be ended,
// returning a boolean to indicate episode termination. If the episode
// should be ended, End modifies the TimeStep to be a Timeout ending.
func (s *StepLimit) End(t *timestep.TimeStep) bool {
	if t.Number >= s.episodeSteps {
		t.SetEnd(timestep.Timeout)
		return true
	}
	return false
}
