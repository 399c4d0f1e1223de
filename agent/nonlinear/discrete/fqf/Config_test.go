package fqf

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

	quantileSolver, err := solver.NewDefaultAdam(0.001, 8)
	if err != nil {
		t.Fatalf("could not create quantile solver: %v", err)
	}
	fractionSolver, err := solver.NewDefaultRMSProp(0.0001, 8)
	if err != nil {
		t.Fatalf("could not create fraction solver: %v", err)
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
		QuantileSolver: quantileSolver,
		FractionSolver: fractionSolver,
		InitWFn:        init,
		Taus:           8,
		Cosines:        16,
		Epsilon:        0.01,
		EpsilonEval:    0.001,
		Loss:           HuberLoss,
		Kappa:          1.0,
		DoubleQ:        true,
		ExpReplay: expreplay.Config{
			Type:        expreplay.Uniform,
			MaxCapacity: 100,
			MinCapacity: 8,
			BatchSize:   8,
			NStep:       1,
		},
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
	c.Taus = 1
	if err := c.Validate(); err == nil {
		t.Errorf("fewer than 2 proposed fractions should fail validation")
	}

	c = validConfig(t)
	c.Cosines = 0
	if err := c.Validate(); err == nil {
		t.Errorf("empty cosine basis should fail validation")
	}

	c = validConfig(t)
	c.Loss = LossType("NoSuchLoss")
	if err := c.Validate(); err == nil {
		t.Errorf("unknown loss type should fail validation")
	}

	c = validConfig(t)
	c.Kappa = 0.0
	if err := c.Validate(); err == nil {
		t.Errorf("non-positive huber threshold should fail validation")
	}

	c = validConfig(t)
	c.Loss = L2Loss
	c.Kappa = 0.0
	if err := c.Validate(); err != nil {
		t.Errorf("huber threshold should be ignored for the squared "+
			"loss: %v", err)
	}

	c = validConfig(t)
	c.EpsilonEval = -0.5
	if err := c.Validate(); err == nil {
		t.Errorf("evaluation epsilon outside [0, 1] should fail validation")
	}

	c = validConfig(t)
	c.TargetUpdateInterval = 0
	if err := c.Validate(); err == nil {
		t.Errorf("non-positive target update interval should fail " +
			"validation")
	}
}

func TestConfigListLen(t *testing.T) {
	base := validConfig(t)

	list := ConfigList{
		PolicyLayers:         [][]int{base.PolicyLayers},
		Biases:               [][]bool{base.Biases},
		Activations:          [][]*network.Activation{base.Activations},
		QuantileSolver:       []*solver.Solver{base.QuantileSolver},
		FractionSolver:       []*solver.Solver{base.FractionSolver},
		InitWFn:              []*initwfn.InitWFn{base.InitWFn},
		Taus:                 []int{8, 16, 32},
		Cosines:              []int{16},
		Epsilon:              []float64{0.01},
		EpsilonEval:          []float64{0.001},
		Loss:                 []LossType{HuberLoss, L2Loss},
		Kappa:                []float64{1.0},
		DoubleQ:              []bool{true},
		ExpReplay:            []expreplay.Config{base.ExpReplay},
		TargetUpdateInterval: []int{10},
		StartSteps:           []int{0},
		UpdateInterval:       []int{1},
	}

	want := 6 // 3 fraction counts x 2 losses
	if list.Len() != want {
		t.Errorf("wrong number of configurations in list"+
			"\n\twant(%v)\n\thave(%v)", want, list.Len())
	}
}
