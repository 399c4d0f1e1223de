// Package rollout implements a fixed-length on-policy trajectory
// buffer with forward view generalized advantage estimation - GAE(λ) -
// following https://arxiv.org/abs/1506.02438
package rollout

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/Tubbz-alt/rljax/utils/matutils"
)

// Buffer implements a fixed-length on-policy trajectory store. An
// agent stores one timestep of experience per environmental step, and
// the buffer is drained with Get once full, so that one gradient
// update is performed per bufferSize environmental steps.
//
// Advantages are computed per trajectory with GAE(λ) when a path is
// finished, and standardized across the whole buffer when drained.
type Buffer struct {
	obsSize    int // Size of state observations
	actionSize int // Number of action dimensions
	maxSize    int // Max buffer size

	currentPos   int // Current position in the buffer
	pathStartIdx int // Position in the buffer where current trajectory starts

	lambda float64 // λ for GAE(λ) calculation
	gamma  float64 // Discount factor ℽ

	obsBuffer    []float64
	actBuffer    []float64
	logProbs     []float64
	advBuffer    []float64
	rewBuffer    []float64
	retBuffer    []float64
	valBuffer    []float64
}

// New creates and returns a new rollout Buffer
func New(obsDim, actDim, size int, lambda, gamma float64) *Buffer {
	return &Buffer{
		obsSize:      obsDim,
		actionSize:   actDim,
		maxSize:      size,
		currentPos:   0,
		pathStartIdx: 0,
		lambda:       lambda,
		gamma:        gamma,
		obsBuffer:    make([]float64, size*obsDim),
		actBuffer:    make([]float64, size*actDim),
		logProbs:     make([]float64, size),
		advBuffer:    make([]float64, size),
		rewBuffer:    make([]float64, size),
		retBuffer:    make([]float64, size),
		valBuffer:    make([]float64, size),
	}
}

// Store stores a single timestep's state, action, reward, log
// probability of the action under the behaviour policy, and value
// estimate to the Buffer
func (v *Buffer) Store(obs, act []float64, rew, logProb,
	val float64) error {
	if v.currentPos >= v.maxSize {
		return fmt.Errorf("store: cannot add new transition, buffer at " +
			"maximum capacity")
	}
	if len(obs) != v.obsSize {
		return fmt.Errorf("store: illegal obs length \n\twant(%v)"+
			"\n\thave(%v)", v.obsSize, len(obs))
	}
	if len(act) != v.actionSize {
		return fmt.Errorf("store: illegal act length \n\twant(%v)"+
			"\n\thave(%v)", v.actionSize, len(act))
	}

	start := v.currentPos * v.obsSize
	copy(v.obsBuffer[start:start+v.obsSize], obs)

	start = v.currentPos * v.actionSize
	copy(v.actBuffer[start:start+v.actionSize], act)

	v.rewBuffer[v.currentPos] = rew
	v.logProbs[v.currentPos] = logProb
	v.valBuffer[v.currentPos] = val
	v.currentPos++
	return nil
}

// Full returns whether the buffer holds maxSize timesteps and should
// be drained
func (v *Buffer) Full() bool {
	return v.currentPos >= v.maxSize
}

// FinishPath computes advantage estimates using GAE(λ) and
// rewards-to-go estimates for each state of the current trajectory.
// This should be called at the end of a trajectory or when one gets
// cut off by an epoch ending.
//
// The lastVal argument should be 0 if the trajectory ended because the
// agent reached a terminal state, and otherwise it should be v(s), the
// value estimate of the final state. This bootstraps the
// rewards-to-go calculation to account for timesteps beyond the
// episode cutoff.
func (v *Buffer) FinishPath(lastVal float64) {
	start := v.pathStartIdx
	stop := v.currentPos

	rews := make([]float64, stop-start+1)
	copy(rews, v.rewBuffer[start:stop])
	rews[len(rews)-1] = lastVal

	vals := make([]float64, stop-start+1)
	copy(vals, v.valBuffer[start:stop])
	vals[len(vals)-1] = lastVal

	// GAE(λ) advantage calculation
	stateVals := mat.NewVecDense(len(vals)-1, vals[:len(vals)-1])
	nextStateVals := mat.NewVecDense(len(vals)-1, vals[1:])
	rewards := mat.NewVecDense(len(rews)-1, rews[:len(rews)-1])

	deltas := mat.NewVecDense(stateVals.Len(), nil)
	deltas.AddScaledVec(rewards, v.gamma, nextStateVals)
	deltas.SubVec(deltas, stateVals)

	copy(v.advBuffer[start:stop], discountCumSum(deltas, v.gamma*v.lambda))

	// Rewards-to-go
	rewards = mat.NewVecDense(len(rews), rews)
	rewsToGo := discountCumSum(rewards, v.gamma)

	copy(v.retBuffer[start:stop], rewsToGo[:len(rewsToGo)-1])

	v.pathStartIdx = v.currentPos
}

// Get returns the observations, actions, log probabilities,
// advantages, and rewards-to-go stored in the buffer, and resets the
// buffer. Advantages are first standardized to mean 0 and standard
// deviation 1. The buffer must be full before it is drained.
func (v *Buffer) Get() ([]float64, []float64, []float64, []float64,
	[]float64, error) {
	if !v.Full() {
		err := fmt.Errorf("get: buffer must be full before sampling")
		return nil, nil, nil, nil, nil, err
	}

	v.currentPos = 0
	v.pathStartIdx = 0

	// Advantage standardization
	adv := mat.NewVecDense(len(v.advBuffer), v.advBuffer)
	ones := matutils.VecOnes(adv.Len())
	mean := stat.Mean(v.advBuffer, nil)
	std := stat.StdDev(v.advBuffer, nil) + 1e-8
	stdVec := mat.NewVecDense(adv.Len(), nil)
	stdVec.AddScaledVec(stdVec, std, ones)

	adv.AddScaledVec(adv, -mean, ones)
	adv.DivElemVec(adv, stdVec)

	return v.obsBuffer, v.actBuffer, v.logProbs, adv.RawVector().Data,
		v.retBuffer, nil
}

// discountCumSum computes and returns the discounted cumulative sum
// of all elements of a vector. Given a vector v = [x0 x1 x2 ... xN]
// and discount ℽ, this function computes and returns:
//
//	[
//		x0 + ℽ x1 + ℽ^2 x2 + ... + ℽ^N xN
//		x1 + ℽ^1 x2 + ... + ℽ^(N-1) xN
//		x2 + ℽ^1 x3 + ... + ℽ^(N-2) xN
//		...
//		xN
//	]
func discountCumSum(x *mat.VecDense, discount float64) []float64 {
	discounts := mat.NewVecDense(x.Len(), nil)
	cumSums := make([]float64, x.Len())
	nextScaledRews := mat.NewVecDense(x.Len(), nil)
	backing := nextScaledRews.RawVector().Data

	for i := 0; i < x.Len(); i++ {
		discounts.ScaleVec(discount, discounts)
		discounts.SetVec(x.Len()-i-1, 1)

		nextScaledRews.MulElemVec(discounts, x)
		cumSums[x.Len()-i-1] = floats.Sum(backing[x.Len()-i-1:])
	}

	return cumSums
}
