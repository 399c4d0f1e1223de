// Package expreplay implements experience replay buffers for off-policy
// learning. Both uniform and prioritized buffers are provided, and both
// support multi-step return aggregation before storage.
package expreplay

import (
	"fmt"
	"math/rand"

	"github.com/Tubbz-alt/rljax/timestep"
)

// ExperienceReplayer implements an experience replay buffer
type ExperienceReplayer interface {
	// Add adds a transition to the buffer. When multi-step returns are
	// used, the transition is held in a pending window and committed
	// to storage only once its n-step successor state is known.
	Add(t timestep.Transition) error

	// Sample samples a batch of experience from the buffer, returning
	// flat row-major batches of states, actions, rewards, discounts,
	// and next states, along with the importance sampling weight of
	// each transition in the batch. Uniform buffers weight all
	// transitions equally.
	Sample() (state, action, reward, discount, nextState,
		isWeight []float64, err error)

	// EndEpisode performs end-of-episode cleanup, committing any
	// transitions whose multi-step returns were cut off by the
	// episode ending
	EndEpisode()

	// UpdatePriorities refreshes the priorities of the batch returned
	// by the last call to Sample using the absolute TD error of each
	// transition in that batch. Uniform buffers treat this as a no-op.
	UpdatePriorities(absTD []float64) error

	// Capacity returns the current number of samples in the buffer
	Capacity() int

	// MaxCapacity returns the maximum allowable samples in the buffer
	MaxCapacity() int

	// MinCapacity returns the number of samples required to be in
	// the buffer before the buffer can be sampled
	MinCapacity() int

	// BatchSize returns the number of samples returned by Sample()
	BatchSize() int
}

// Type describes the types of experience replay buffers that are
// available
type Type string

// Available buffer types
const (
	Uniform     Type = "Uniform"
	Prioritized Type = "Prioritized"
)

// Config implements a specific configuration of an experience replay
// buffer
type Config struct {
	Type
	MaxCapacity int
	MinCapacity int
	BatchSize   int

	// NStep determines the number of environmental steps over which
	// rewards are aggregated before a transition is stored. NStep <= 1
	// stores single-step transitions.
	NStep int

	// Prioritized replay hyperparameters. Alpha is the priority
	// exponent, Beta the initial importance sampling exponent, which
	// is annealed linearly to 1 over BetaSteps calls to Sample.
	// Epsilon is added to absolute TD errors before exponentiation,
	// and priorities are clipped to [MinPriority, MaxPriority].
	Alpha       float64
	Beta        float64
	BetaSteps   int
	Epsilon     float64
	MinPriority float64
	MaxPriority float64
}

// Create creates and returns the experience replay buffer with the
// specified Config. The featureSize and actionSize parameters define
// the sizes of the feature and action vectors of stored transitions.
func (c Config) Create(featureSize, actionSize int,
	seed int64) (ExperienceReplayer, error) {
	switch c.Type {
	case Uniform:
		return New(c.MinCapacity, c.MaxCapacity, c.BatchSize, c.NStep,
			featureSize, actionSize, seed)

	case Prioritized:
		return NewPrioritized(c, featureSize, actionSize, seed)
	}

	return nil, fmt.Errorf("create: no such buffer type %v", c.Type)
}

// cache implements a concrete uniform ExperienceReplayer backed by a
// fixed-capacity circular store. Once the store is full, the oldest
// transition is overwritten on each Add.
type cache struct {
	stateCache     []float64
	actionCache    []float64
	rewardCache    []float64
	discountCache  []float64
	nextStateCache []float64

	insertPos int // Next index to write to, wraps at maxCapacity
	size      int // Number of stored transitions

	nstep *nStepWindow

	rng *rand.Rand

	minCapacity int
	maxCapacity int
	batchSize   int
	featureSize int
	actionSize  int
}

// New creates and returns a new uniform experience replay buffer
// storing at most maxCapacity transitions and sampling batchSize
// transitions at a time. Sampling is permitted only once minCapacity
// transitions are stored. Rewards are aggregated over nstep
// environmental steps before storage.
//
// Pixel observations should be flattened before adding to the buffer.
func New(minCapacity, maxCapacity, batchSize, nstep, featureSize,
	actionSize int, seed int64) (ExperienceReplayer, error) {
	c, err := newCache(minCapacity, maxCapacity, batchSize, nstep,
		featureSize, actionSize, seed)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newCache(minCapacity, maxCapacity, batchSize, nstep, featureSize,
	actionSize int, seed int64) (*cache, error) {
	if minCapacity <= 0 {
		return nil, fmt.Errorf("new: minCapacity must be > 0")
	}
	if maxCapacity < 1 {
		return nil, fmt.Errorf("new: maxCapacity must be >= 1")
	}
	if maxCapacity < batchSize {
		return nil, fmt.Errorf("new: cannot have batch size(%v) > max "+
			"buffer capacity (%v)", batchSize, maxCapacity)
	}
	if nstep < 1 {
		nstep = 1
	}

	source := rand.NewSource(seed)

	return &cache{
		stateCache:     make([]float64, maxCapacity*featureSize),
		actionCache:    make([]float64, maxCapacity*actionSize),
		rewardCache:    make([]float64, maxCapacity),
		discountCache:  make([]float64, maxCapacity),
		nextStateCache: make([]float64, maxCapacity*featureSize),

		nstep: newNStepWindow(nstep),
		rng:   rand.New(source),

		minCapacity: minCapacity,
		maxCapacity: maxCapacity,
		batchSize:   batchSize,
		featureSize: featureSize,
		actionSize:  actionSize,
	}, nil
}

// Add adds a transition to the cache
func (c *cache) Add(t timestep.Transition) error {
	ready, err := c.nstep.push(t, c.featureSize, c.actionSize)
	if err != nil {
		return fmt.Errorf("add: %v", err)
	}

	for _, r := range ready {
		c.write(r)
	}
	return nil
}

// write commits a single n-step aggregated transition to the circular
// store, overwriting the oldest transition when at capacity. The index
// written to is returned.
func (c *cache) write(t pendingTransition) int {
	index := c.insertPos

	stateInd := index * c.featureSize
	copy(c.stateCache[stateInd:stateInd+c.featureSize], t.state)
	copy(c.nextStateCache[stateInd:stateInd+c.featureSize], t.nextState)

	actionInd := index * c.actionSize
	copy(c.actionCache[actionInd:actionInd+c.actionSize], t.action)

	c.rewardCache[index] = t.reward
	c.discountCache[index] = t.discount

	c.insertPos = (c.insertPos + 1) % c.maxCapacity
	if c.size < c.maxCapacity {
		c.size++
	}
	return index
}

// sampleErr returns the error to report for a Sample call, or nil if
// sampling may proceed
func (c *cache) sampleErr() error {
	if c.size == 0 {
		return &ExpReplayError{Op: "sample", Err: errEmptyCache}
	}
	if c.size < c.minCapacity {
		return &ExpReplayError{Op: "sample", Err: errInsufficientSamples}
	}
	return nil
}

// Sample samples and returns a batch of transitions from the replay
// buffer, chosen uniformly at random with replacement
func (c *cache) Sample() ([]float64, []float64, []float64, []float64,
	[]float64, []float64, error) {
	if err := c.sampleErr(); err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	indices := make([]int, c.batchSize)
	for i := range indices {
		indices[i] = c.rng.Intn(c.size)
	}

	state, action, reward, discount, nextState := c.gather(indices)

	isWeight := make([]float64, c.batchSize)
	for i := range isWeight {
		isWeight[i] = 1.0
	}

	return state, action, reward, discount, nextState, isWeight, nil
}

// gather copies the transitions at the argument indices into flat
// row-major batches
func (c *cache) gather(indices []int) (state, action, reward, discount,
	nextState []float64) {
	state = make([]float64, len(indices)*c.featureSize)
	nextState = make([]float64, len(indices)*c.featureSize)
	for i, index := range indices {
		batchStart := i * c.featureSize
		expStart := index * c.featureSize
		copy(state[batchStart:batchStart+c.featureSize],
			c.stateCache[expStart:expStart+c.featureSize])
		copy(nextState[batchStart:batchStart+c.featureSize],
			c.nextStateCache[expStart:expStart+c.featureSize])
	}

	action = make([]float64, len(indices)*c.actionSize)
	for i, index := range indices {
		batchStart := i * c.actionSize
		expStart := index * c.actionSize
		copy(action[batchStart:batchStart+c.actionSize],
			c.actionCache[expStart:expStart+c.actionSize])
	}

	reward = make([]float64, len(indices))
	discount = make([]float64, len(indices))
	for i, index := range indices {
		reward[i] = c.rewardCache[index]
		discount[i] = c.discountCache[index]
	}

	return state, action, reward, discount, nextState
}

// UpdatePriorities implements the ExperienceReplayer interface. All
// transitions in a uniform buffer are weighted equally, so priority
// updates are a no-op.
func (c *cache) UpdatePriorities([]float64) error {
	return nil
}

// Capacity returns the current number of elements in the cache that
// are available for sampling
func (c *cache) Capacity() int {
	return c.size
}

// MaxCapacity returns the maximum number of elements allowed in the
// cache
func (c *cache) MaxCapacity() int {
	return c.maxCapacity
}

// MinCapacity returns the minimum number of elements required in the
// cache before sampling is allowed
func (c *cache) MinCapacity() int {
	return c.minCapacity
}

// BatchSize returns the number of samples returned by Sample()
func (c *cache) BatchSize() int {
	return c.batchSize
}

// String returns the string representation of the cache
func (c *cache) String() string {
	baseStr := "Size: %v \nStates: %v \nActions: %v \nRewards: %v " +
		"\nDiscounts: %v \nNext States: %v"
	return fmt.Sprintf(baseStr, c.size, c.stateCache, c.actionCache,
		c.rewardCache, c.discountCache, c.nextStateCache)
}
