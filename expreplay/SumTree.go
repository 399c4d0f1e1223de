package expreplay

import (
	"fmt"
	"math"

	"github.com/Tubbz-alt/rljax/utils/intutils"
)

// sumTree implements a complete binary tree over a fixed number of
// priority leaves, where each internal node holds the sum of its
// children. Point updates and prefix-sum queries both take O(log n).
//
// The tree is stored as an array with the root at index 1, so that the
// children of node i are at 2i and 2i+1, and leaf i is at index
// leafCount + i.
type sumTree struct {
	nodes     []float64
	leafCount int
}

// newSumTree returns a new sumTree with capacity for at least size
// leaves. The leaf count is rounded up to the next power of two so
// that the tree is complete.
func newSumTree(size int) *sumTree {
	leafCount := intutils.NextPowOf2(size)
	return &sumTree{
		nodes:     make([]float64, 2*leafCount),
		leafCount: leafCount,
	}
}

// Set sets the priority of leaf i, updating the sums along the path
// to the root
func (s *sumTree) Set(i int, priority float64) {
	node := s.leafCount + i
	s.nodes[node] = priority

	for node > 1 {
		node /= 2
		s.nodes[node] = s.nodes[2*node] + s.nodes[2*node+1]
	}
}

// Get returns the priority of leaf i
func (s *sumTree) Get(i int) float64 {
	return s.nodes[s.leafCount+i]
}

// Total returns the sum of all leaf priorities
func (s *sumTree) Total() float64 {
	return s.nodes[1]
}

// Retrieve returns the index of the first leaf at which the prefix sum
// of leaf priorities exceeds target. The target should be in
// [0, Total()).
func (s *sumTree) Retrieve(target float64) int {
	if s.Total() <= 0 {
		panic(fmt.Sprintf("retrieve: no positive priorities in tree "+
			"(total = %v)", s.Total()))
	}

	node := 1
	for node < s.leafCount {
		left := 2 * node
		if target < s.nodes[left] {
			node = left
		} else {
			target -= s.nodes[left]
			node = left + 1
		}
	}
	return node - s.leafCount
}

// minTree implements a complete binary tree over a fixed number of
// priority leaves, where each internal node holds the minimum of its
// children. Unset leaves hold +Inf so that they never participate in
// the minimum.
type minTree struct {
	nodes     []float64
	leafCount int
}

// newMinTree returns a new minTree with capacity for at least size
// leaves
func newMinTree(size int) *minTree {
	leafCount := intutils.NextPowOf2(size)
	nodes := make([]float64, 2*leafCount)
	for i := range nodes {
		nodes[i] = math.Inf(1)
	}

	return &minTree{
		nodes:     nodes,
		leafCount: leafCount,
	}
}

// Set sets the priority of leaf i, updating the minima along the path
// to the root
func (m *minTree) Set(i int, priority float64) {
	node := m.leafCount + i
	m.nodes[node] = priority

	for node > 1 {
		node /= 2
		m.nodes[node] = math.Min(m.nodes[2*node], m.nodes[2*node+1])
	}
}

// Min returns the minimum leaf priority
func (m *minTree) Min() float64 {
	return m.nodes[1]
}
