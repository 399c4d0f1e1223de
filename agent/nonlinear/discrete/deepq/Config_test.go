package deepq

import (
	"testing"

	"github.com/Tubbz-alt/rljax/expreplay"
	"github.com/Tubbz-alt/rljax/initwfn"
	"github.com/Tubbz-alt/rljax/network"
	"github.com/Tubbz-alt/rljax/solver"
)

// validConfig returns a Config that should pass validation
func validConfig(t *testing.T) Config {
	t.Helper()

	sol, err := solver.NewDefaultAdam(0.001, 8)
	if err != nil {
		t.Fatalf("could not create solver: %v", err)
	}
	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		t.Fatalf("could not create weight initializer: %v", err)
	}

	return Config{
		PolicyLayers: []int{16, 16},
		Biases:       []bool{true, true},
		Activations: []*network.Activation{network.ReLU(),
			network.ReLU()},
		Solver:  sol,
		InitWFn: init,
		Epsilon: 0.1,
		ExpReplay: expreplay.Config{
			Type:        expreplay.Uniform,
			MaxCapacity: 100,
			MinCapacity: 8,
			BatchSize:   8,
			NStep:       1,
		},
		Tau:                  1.0,
		TargetUpdateInterval: 10,
		StartSteps:           8,
		UpdateInterval:       1,
	}
}

func TestConfigValidate(t *testing.T) {
	if err := validConfig(t).Validate(); err != nil {
		t.Errorf("valid config failed validation: %v", err)
	}

	c := validConfig(t)
	c.Biases = []bool{true}
	if err := c.Validate(); err == nil {
		t.Errorf("mismatched bias count should fail validation")
	}

	c = validConfig(t)
	c.Activations = []*network.Activation{network.ReLU()}
	if err := c.Validate(); err == nil {
		t.Errorf("mismatched activation count should fail validation")
	}

	c = validConfig(t)
	c.Epsilon = 1.5
	if err := c.Validate(); err == nil {
		t.Errorf("epsilon outside [0, 1] should fail validation")
	}

	c = validConfig(t)
	c.TargetUpdateInterval = 0
	if err := c.Validate(); err == nil {
		t.Errorf("non-positive target update interval should fail " +
			"validation")
	}

	c = validConfig(t)
	c.UpdateInterval = 0
	if err := c.Validate(); err == nil {
		t.Errorf("non-positive update interval should fail validation")
	}

	c = validConfig(t)
	c.StartSteps = -1
	if err := c.Validate(); err == nil {
		t.Errorf("negative warmup steps should fail validation")
	}

	c = validConfig(t)
	c.Tau = 0.0
	if err := c.Validate(); err == nil {
		t.Errorf("tau outside (0, 1] should fail validation")
	}
}

func TestConfigBatchSize(t *testing.T) {
	c := validConfig(t)
	if c.BatchSize() != c.ExpReplay.BatchSize {
		t.Errorf("config batch size should equal the replay batch size"+
			"\n\twant(%v)\n\thave(%v)", c.ExpReplay.BatchSize,
			c.BatchSize())
	}
}

func TestConfigListLen(t *testing.T) {
	base := validConfig(t)

	list := ConfigList{
		PolicyLayers:         [][]int{base.PolicyLayers},
		Biases:               [][]bool{base.Biases},
		Activations:          [][]*network.Activation{base.Activations},
		Solver:               []*solver.Solver{base.Solver},
		InitWFn:              []*initwfn.InitWFn{base.InitWFn},
		Epsilon:              []float64{0.1, 0.01},
		ExpReplay:            []expreplay.Config{base.ExpReplay},
		Tau:                  []float64{1.0},
		TargetUpdateInterval: []int{10, 100},
		StartSteps:           []int{0},
		UpdateInterval:       []int{1},
	}

	want := 4 // 2 epsilons x 2 target update intervals
	if list.Len() != want {
		t.Errorf("wrong number of configurations in list"+
			"\n\twant(%v)\n\thave(%v)", want, list.Len())
	}
}
