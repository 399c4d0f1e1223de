package expreplay

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/Tubbz-alt/rljax/timestep"
	"github.com/Tubbz-alt/rljax/utils/floatutils"
)

// Default prioritized replay hyperparameters
const (
	DefaultAlpha       float64 = 0.6
	DefaultBeta        float64 = 0.4
	DefaultEpsilon     float64 = 0.01
	DefaultMinPriority float64 = 0.0
	DefaultMaxPriority float64 = 1.0
)

// prioritizedCache implements an ExperienceReplayer which samples
// transitions with probability proportional to a priority score,
// following https://arxiv.org/abs/1511.05952. Priorities are held in a
// sum tree for O(log n) proportional sampling, with a parallel min
// tree providing the minimum priority needed to normalize importance
// sampling weights.
//
// New transitions enter the buffer with the maximum priority seen so
// far, so that every transition is sampled at least once before its
// priority is refreshed from its TD error.
type prioritizedCache struct {
	*cache

	priorities *sumTree
	minimums   *minTree

	alpha       float64
	epsilon     float64
	minPriority float64
	maxPriority float64

	// maxRecorded is the largest priority currently assigned, used to
	// initialize the priorities of incoming transitions
	maxRecorded float64

	// Importance sampling exponent, annealed linearly from beta0 to 1
	// over betaSteps calls to Sample
	beta0     float64
	betaSteps int
	samples   int

	// Indices of the last sampled batch, consumed by the next call to
	// UpdatePriorities
	lastIndices []int

	rng *rand.Rand
}

// NewPrioritized creates and returns a new prioritized experience
// replay buffer with the argument Config. Zero-valued prioritized
// hyperparameters in the Config are replaced by their defaults.
func NewPrioritized(c Config, featureSize, actionSize int,
	seed int64) (ExperienceReplayer, error) {
	storage, err := newCache(c.MinCapacity, c.MaxCapacity, c.BatchSize,
		c.NStep, featureSize, actionSize, seed)
	if err != nil {
		return nil, err
	}

	alpha := c.Alpha
	if alpha == 0 {
		alpha = DefaultAlpha
	}
	beta := c.Beta
	if beta == 0 {
		beta = DefaultBeta
	}
	epsilon := c.Epsilon
	if epsilon == 0 {
		epsilon = DefaultEpsilon
	}
	maxPriority := c.MaxPriority
	if maxPriority == 0 {
		maxPriority = DefaultMaxPriority
	}
	if c.MinPriority > maxPriority {
		return nil, fmt.Errorf("newPrioritized: min priority (%v) > max "+
			"priority (%v)", c.MinPriority, maxPriority)
	}
	if c.BetaSteps < 0 {
		return nil, fmt.Errorf("newPrioritized: beta steps must be "+
			"non-negative \n\thave(%v)", c.BetaSteps)
	}

	source := rand.NewSource(uint64(seed))

	return &prioritizedCache{
		cache:       storage,
		priorities:  newSumTree(c.MaxCapacity),
		minimums:    newMinTree(c.MaxCapacity),
		alpha:       alpha,
		epsilon:     epsilon,
		minPriority: c.MinPriority,
		maxPriority: maxPriority,
		maxRecorded: maxPriority,
		beta0:       beta,
		betaSteps:   c.BetaSteps,
		rng:         rand.New(source),
	}, nil
}

// Add adds a transition to the buffer. Newly committed transitions
// receive the maximum priority currently assigned.
func (p *prioritizedCache) Add(t timestep.Transition) error {
	ready, err := p.nstep.push(t, p.featureSize, p.actionSize)
	if err != nil {
		return fmt.Errorf("add: %v", err)
	}

	for _, r := range ready {
		index := p.write(r)
		p.setPriority(index, p.maxRecorded)
	}
	return nil
}

// EndEpisode commits the pending transitions of an episode that was
// cut off before their n-step returns completed
func (p *prioritizedCache) EndEpisode() {
	for _, r := range p.nstep.flush() {
		index := p.write(r)
		p.setPriority(index, p.maxRecorded)
	}
}

// setPriority records the priority of the transition stored at index
// in both trees
func (p *prioritizedCache) setPriority(index int, priority float64) {
	p.priorities.Set(index, priority)
	p.minimums.Set(index, priority)
	if priority > p.maxRecorded {
		p.maxRecorded = priority
	}
}

// beta returns the current importance sampling exponent
func (p *prioritizedCache) beta() float64 {
	if p.betaSteps == 0 {
		return 1.0
	}

	progress := math.Min(1.0, float64(p.samples)/float64(p.betaSteps))
	return p.beta0 + (1.0-p.beta0)*progress
}

// Sample samples a batch of transitions with probability proportional
// to their priorities, using stratified proportional sampling: the
// priority mass is split into batchSize equal segments and one
// transition is drawn from each.
//
// The importance sampling weights returned are normalized by the
// maximum weight in the buffer, computed from the minimum priority.
func (p *prioritizedCache) Sample() ([]float64, []float64, []float64,
	[]float64, []float64, []float64, error) {
	if err := p.sampleErr(); err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	total := p.priorities.Total()
	segment := total / float64(p.batchSize)

	indices := make([]int, p.batchSize)
	for i := range indices {
		target := (float64(i) + p.rng.Float64()) * segment
		index := p.priorities.Retrieve(target)

		// Guard against float round-off selecting an unset leaf
		if index >= p.size {
			index = p.size - 1
		}
		indices[i] = index
	}

	state, action, reward, discount, nextState := p.gather(indices)

	beta := p.beta()
	minPriority := p.minimums.Min()
	isWeight := make([]float64, p.batchSize)
	for i, index := range indices {
		priority := p.priorities.Get(index)
		isWeight[i] = math.Pow(priority/minPriority, -beta)
	}

	p.lastIndices = indices
	p.samples++

	return state, action, reward, discount, nextState, isWeight, nil
}

// UpdatePriorities refreshes the priorities of the last sampled batch
// from the absolute TD error of each of its transitions. A call to
// Sample must precede every call to UpdatePriorities.
func (p *prioritizedCache) UpdatePriorities(absTD []float64) error {
	if p.lastIndices == nil {
		return &ExpReplayError{Op: "updatePriorities",
			Err: errNoSampledIndices}
	}
	if len(absTD) != len(p.lastIndices) {
		return fmt.Errorf("updatePriorities: invalid number of TD errors "+
			"\n\twant(%v)\n\thave(%v)", len(p.lastIndices), len(absTD))
	}

	for i, index := range p.lastIndices {
		priority := math.Pow(math.Abs(absTD[i])+p.epsilon, p.alpha)
		priority = floatutils.Clip(priority, p.minPriority, p.maxPriority)
		p.setPriority(index, priority)
	}

	p.lastIndices = nil
	return nil
}
