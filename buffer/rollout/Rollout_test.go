package rollout

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestDiscountCumSum(t *testing.T) {
	x := mat.NewVecDense(4, []float64{1, 2, 3, 4})
	gamma := 0.5

	have := discountCumSum(x, gamma)
	want := []float64{
		1 + 0.5*2 + 0.25*3 + 0.125*4,
		2 + 0.5*3 + 0.25*4,
		3 + 0.5*4,
		4,
	}

	for i := range want {
		if math.Abs(have[i]-want[i]) > 1e-12 {
			t.Errorf("element %v: want(%v) have(%v)", i, want[i], have[i])
		}
	}
}

func TestStoreErrors(t *testing.T) {
	buffer := New(2, 1, 2, 0.95, 0.99)

	if err := buffer.Store([]float64{1}, []float64{0}, 0, 0, 0); err == nil {
		t.Errorf("storing an observation of the wrong size should fail")
	}
	if err := buffer.Store([]float64{1, 2}, []float64{0, 1}, 0, 0,
		0); err == nil {
		t.Errorf("storing an action of the wrong size should fail")
	}

	for i := 0; i < 2; i++ {
		err := buffer.Store([]float64{1, 2}, []float64{0}, 0, 0, 0)
		if err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	if !buffer.Full() {
		t.Errorf("buffer should be full after maxSize stores")
	}
	if err := buffer.Store([]float64{1, 2}, []float64{0}, 0, 0,
		0); err == nil {
		t.Errorf("storing to a full buffer should fail")
	}
}

func TestGetRequiresFullBuffer(t *testing.T) {
	buffer := New(1, 1, 3, 0.95, 0.99)

	if _, _, _, _, _, err := buffer.Get(); err == nil {
		t.Errorf("draining a non-full buffer should fail")
	}
}

func TestFinishPathRewardsToGo(t *testing.T) {
	gamma := 0.5
	buffer := New(1, 1, 3, 1.0, gamma)

	rewards := []float64{1, 2, 3}
	for _, r := range rewards {
		err := buffer.Store([]float64{0}, []float64{0}, r, 0, 0)
		if err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	// Terminal end: no bootstrapping
	buffer.FinishPath(0)

	want := []float64{
		1 + gamma*2 + gamma*gamma*3,
		2 + gamma*3,
		3,
	}
	for i := range want {
		if math.Abs(buffer.retBuffer[i]-want[i]) > 1e-12 {
			t.Errorf("return %v: want(%v) have(%v)", i, want[i],
				buffer.retBuffer[i])
		}
	}
}

func TestFinishPathBootstrapsCutoff(t *testing.T) {
	gamma := 0.5
	buffer := New(1, 1, 2, 1.0, gamma)

	for i := 0; i < 2; i++ {
		err := buffer.Store([]float64{0}, []float64{0}, 1, 0, 0)
		if err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	// Cutoff end: the last value estimate seeds the rewards-to-go
	lastVal := 4.0
	buffer.FinishPath(lastVal)

	want := []float64{
		1 + gamma*1 + gamma*gamma*lastVal,
		1 + gamma*lastVal,
	}
	for i := range want {
		if math.Abs(buffer.retBuffer[i]-want[i]) > 1e-12 {
			t.Errorf("return %v: want(%v) have(%v)", i, want[i],
				buffer.retBuffer[i])
		}
	}
}

func TestGetStandardizesAdvantages(t *testing.T) {
	buffer := New(1, 1, 4, 0.95, 0.99)

	for i := 0; i < 4; i++ {
		err := buffer.Store([]float64{float64(i)}, []float64{0},
			float64(i), 0.1, float64(i))
		if err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	buffer.FinishPath(0)

	obs, _, logProbs, adv, _, err := buffer.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	mean := 0.0
	for _, a := range adv {
		mean += a
	}
	mean /= float64(len(adv))
	if math.Abs(mean) > 1e-8 {
		t.Errorf("advantages should have mean 0, have(%v)", mean)
	}

	variance := 0.0
	for _, a := range adv {
		variance += (a - mean) * (a - mean)
	}
	std := math.Sqrt(variance / float64(len(adv)-1))
	if math.Abs(std-1.0) > 1e-4 {
		t.Errorf("advantages should have standard deviation 1, have(%v)",
			std)
	}

	if len(obs) != 4 || len(logProbs) != 4 {
		t.Errorf("drained buffers should return all stored timesteps")
	}

	// The buffer is reset by Get
	if buffer.Full() {
		t.Errorf("buffer should be empty after a drain")
	}
}
