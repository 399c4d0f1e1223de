package experiment

import (
	"fmt"

	"github.com/Tubbz-alt/rljax/agent"
	env "github.com/Tubbz-alt/rljax/environment"
	"github.com/Tubbz-alt/rljax/experiment/checkpointer"
	"github.com/Tubbz-alt/rljax/experiment/tracker"
	ts "github.com/Tubbz-alt/rljax/timestep"
	"github.com/Tubbz-alt/rljax/utils/progressbar"
)

// progressBarWidth is the width in characters of the progress bar
// displayed while an Online experiment runs
const progressBarWidth int = 50

// Online is an Experiment that runs an agent online only. No offline
// evaluation is performed.
type Online struct {
	env.Environment
	agent.Agent
	maxSteps      uint
	currentSteps  uint
	trackers      []tracker.Tracker
	checkpointers []checkpointer.Checkpointer
	progress      *progressbar.ProgressBar
}

// NewOnline creates and returns a new online experiment on a given
// environment with a given agent. The steps parameter determines how
// many timesteps the experiment is run for. The t parameter is a slice
// of tracker.Tracker which determine what data is saved, and the c
// parameter is a slice of checkpointer.Checkpointer which determine
// when the agent's state is saved to disk.
func NewOnline(e env.Environment, a agent.Agent, steps uint,
	t []tracker.Tracker, c []checkpointer.Checkpointer) *Online {
	progress := progressbar.New(progressBarWidth, int(steps))

	return &Online{e, a, steps, 0, t, c, progress}
}

// Register registers a tracker.Tracker with an Experiment so that data
// generated during the experiment can be tracked and saved
func (o *Online) Register(t tracker.Tracker) {
	o.trackers = append(o.trackers, t)
}

// RunEpisode runs a single episode of the experiment
func (o *Online) RunEpisode() bool {
	step := o.Environment.Reset()
	if err := o.Agent.ObserveFirst(step); err != nil {
		panic(fmt.Sprintf("runEpisode: could not observe first "+
			"timestep: %v", err))
	}
	o.track(step)
	o.checkpoint(step)

	// Run the next timestep
	for !step.Last() && o.currentSteps < o.maxSteps {
		o.currentSteps++

		// Select action, step in environment
		action := o.Agent.SelectAction(step)
		step, _ = o.Environment.Step(action)

		// Cache the environment step in each Tracker
		o.track(step)
		o.checkpoint(step)

		// Observe the timestep and step the agent
		if err := o.Agent.Observe(action, step); err != nil {
			panic(fmt.Sprintf("runEpisode: could not observe "+
				"timestep: %v", err))
		}
		if err := o.Agent.Step(); err != nil {
			panic(fmt.Sprintf("runEpisode: could not step agent: %v", err))
		}

		o.progress.Increment()
		o.progress.Display()
	}

	if step.Last() {
		o.Agent.EndEpisode()
	}

	// Return whether or not the max timestep limit has been reached
	return o.currentSteps >= o.maxSteps
}

// Run runs the entire experiment for all timesteps
func (o *Online) Run() {
	ended := false

	for !ended {
		ended = o.RunEpisode()
	}
	o.progress.Close()

	if closer, ok := o.Agent.(agent.Closer); ok {
		if err := closer.Close(); err != nil {
			panic(fmt.Sprintf("run: could not close agent: %v", err))
		}
	}
}

// Save saves all the data cached by the Trackers to disk
func (o *Online) Save() {
	for _, t := range o.trackers {
		t.Save()
	}
}

// track tracks the current timestep by caching its data in each
// Tracker
func (o *Online) track(t ts.TimeStep) {
	for _, tracker := range o.trackers {
		tracker.Track(t)
	}
}

// checkpoint saves the state of the agent with each Checkpointer
func (o *Online) checkpoint(t ts.TimeStep) {
	for _, c := range o.checkpointers {
		if err := c.Checkpoint(t); err != nil {
			panic(fmt.Sprintf("checkpoint: could not checkpoint "+
				"agent: %v", err))
		}
	}
}
