package expreplay

import (
	"math"
	"testing"
)

func TestSumTreeTotal(t *testing.T) {
	tree := newSumTree(5)

	priorities := []float64{0.5, 1.0, 0.25, 2.0, 0.75}
	for i, p := range priorities {
		tree.Set(i, p)
	}

	want := 4.5
	if math.Abs(tree.Total()-want) > 1e-12 {
		t.Errorf("total: want(%v) have(%v)", want, tree.Total())
	}

	// Overwriting a leaf should adjust the total
	tree.Set(3, 1.0)
	want = 3.5
	if math.Abs(tree.Total()-want) > 1e-12 {
		t.Errorf("total after update: want(%v) have(%v)", want,
			tree.Total())
	}
}

func TestSumTreeRetrieve(t *testing.T) {
	tree := newSumTree(4)

	priorities := []float64{1.0, 2.0, 3.0, 4.0}
	for i, p := range priorities {
		tree.Set(i, p)
	}

	// The prefix sums are [1, 3, 6, 10], so targets within each
	// interval should select the corresponding leaf
	targets := map[float64]int{
		0.0: 0,
		0.9: 0,
		1.0: 1,
		2.9: 1,
		3.0: 2,
		5.9: 2,
		6.0: 3,
		9.9: 3,
	}

	for target, want := range targets {
		if have := tree.Retrieve(target); have != want {
			t.Errorf("retrieve(%v): want(%v) have(%v)", target, want, have)
		}
	}
}

func TestSumTreeInternalSums(t *testing.T) {
	tree := newSumTree(8)

	for i := 0; i < 8; i++ {
		tree.Set(i, float64(i)+1.0)
	}
	tree.Set(3, 0.5)
	tree.Set(6, 10.0)

	// Every internal node should equal the sum of its children
	for node := 1; node < tree.leafCount; node++ {
		sum := tree.nodes[2*node] + tree.nodes[2*node+1]
		if math.Abs(tree.nodes[node]-sum) > 1e-12 {
			t.Errorf("node %v: want(%v) have(%v)", node, sum,
				tree.nodes[node])
		}
	}
}

func TestMinTree(t *testing.T) {
	tree := newMinTree(5)

	if !math.IsInf(tree.Min(), 1) {
		t.Errorf("empty tree should have +Inf minimum, have(%v)",
			tree.Min())
	}

	tree.Set(0, 3.0)
	tree.Set(1, 1.5)
	tree.Set(2, 2.0)

	if tree.Min() != 1.5 {
		t.Errorf("min: want(1.5) have(%v)", tree.Min())
	}

	tree.Set(1, 5.0)
	if tree.Min() != 2.0 {
		t.Errorf("min after update: want(2.0) have(%v)", tree.Min())
	}
}
