package expreplay

import (
	"container/list"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/Tubbz-alt/rljax/timestep"
)

// pendingTransition is a transition whose multi-step return is still
// being accumulated. Reward holds the return folded so far and
// discount the product of the per-step discounts over the folded
// steps, so that discount is exactly the factor to apply when
// bootstrapping off of nextState.
type pendingTransition struct {
	state  []float64
	action []float64

	reward   float64
	discount float64

	nextState []float64

	// age counts the number of environmental steps folded into the
	// pending transition so far
	age int
}

// nStepWindow accumulates multi-step returns over a window of the last
// n single-step transitions. A transition enters the window when it is
// pushed and leaves it, ready for storage, once rewards from n
// successive steps have been folded into it.
//
// A terminal step zeroes the folded discounts of every pending
// transition, so transitions committed across an episode boundary
// never bootstrap past it.
type nStepWindow struct {
	n       int
	pending *list.List

	// Observation of the most recent pushed step, used to close out
	// pending transitions when an episode is cut off
	lastNextState []float64
}

func newNStepWindow(n int) *nStepWindow {
	return &nStepWindow{n: n, pending: list.New()}
}

// push folds a single-step transition into the window, returning the
// pending transitions whose n-step returns are now complete, in the
// order they should be stored.
func (w *nStepWindow) push(t timestep.Transition, featureSize,
	actionSize int) ([]pendingTransition, error) {
	if t.State.Len() != featureSize || t.NextState.Len() != featureSize {
		return nil, fmt.Errorf("invalid feature size \n\twant(%v)"+
			"\n\thave(%v)", featureSize, t.State.Len())
	}
	if t.Action.Len() != actionSize {
		return nil, fmt.Errorf("invalid action size \n\twant(%v)"+
			"\n\thave(%v)", actionSize, t.Action.Len())
	}

	// Fold the new reward into every pending transition
	for e := w.pending.Front(); e != nil; e = e.Next() {
		p := e.Value.(*pendingTransition)
		p.reward += p.discount * t.Reward
		p.discount *= t.Discount
		p.age++
	}

	w.pending.PushBack(&pendingTransition{
		state:    vecData(t.State),
		action:   vecData(t.Action),
		reward:   t.Reward,
		discount: t.Discount,
		age:      1,
	})

	w.lastNextState = vecData(t.NextState)

	// Commit transitions whose n-step successor is now known. Only
	// the oldest pending transitions can have reached age n.
	var ready []pendingTransition
	for w.pending.Len() > 0 {
		front := w.pending.Front().Value.(*pendingTransition)
		if front.age < w.n {
			break
		}
		front.nextState = w.lastNextState
		ready = append(ready, *front)
		w.pending.Remove(w.pending.Front())
	}

	// A terminal step ends the episode, so the remaining shorter
	// windows can never grow and are committed with their truncated
	// returns
	if t.Discount == 0.0 {
		ready = append(ready, w.flush()...)
	}

	return ready, nil
}

// flush commits all pending transitions with their truncated returns,
// bootstrapping off of the last observed state, and resets the window.
// flush is called automatically on terminal steps; it must be called
// explicitly when an episode is cut off at a step limit.
func (w *nStepWindow) flush() []pendingTransition {
	var ready []pendingTransition
	for e := w.pending.Front(); e != nil; e = e.Next() {
		p := e.Value.(*pendingTransition)
		p.nextState = w.lastNextState
		ready = append(ready, *p)
	}
	w.pending.Init()
	return ready
}

// EndEpisode commits the pending transitions of an episode that was
// cut off before their n-step returns completed. It should be called
// at the end of every episode; episodes ended by terminal states have
// already been flushed, in which case this is a no-op.
func (c *cache) EndEpisode() {
	for _, r := range c.nstep.flush() {
		c.write(r)
	}
}

// vecData copies the contents of a vector into a new []float64
func vecData(v mat.Vector) []float64 {
	data := make([]float64, v.Len())
	for i := range data {
		data[i] = v.AtVec(i)
	}
	return data
}
