package vanillapg

import (
	"testing"

	"github.com/Tubbz-alt/rljax/initwfn"
	"github.com/Tubbz-alt/rljax/network"
	"github.com/Tubbz-alt/rljax/solver"
)

// validConfig returns a Config that should pass validation
func validConfig(t *testing.T) Config {
	t.Helper()

	policySolver, err := solver.NewDefaultAdam(0.001, 1)
	if err != nil {
		t.Fatalf("could not create policy solver: %v", err)
	}
	vSolver, err := solver.NewDefaultAdam(0.001, 1)
	if err != nil {
		t.Fatalf("could not create value function solver: %v", err)
	}
	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		t.Fatalf("could not create weight initializer: %v", err)
	}

	return Config{
		PolicyLayers: []int{16, 16},
		PolicyBiases: []bool{true, true},
		PolicyActivations: []*network.Activation{network.ReLU(),
			network.ReLU()},

		ValueFnLayers: []int{16, 16},
		ValueFnBiases: []bool{true, true},
		ValueFnActivations: []*network.Activation{network.ReLU(),
			network.ReLU()},

		InitWFn:      init,
		PolicySolver: policySolver,
		VSolver:      vSolver,

		ValueGradSteps:          5,
		EpochLength:             100,
		FinishEpisodeOnEpochEnd: true,
		Lambda:                  0.95,
		Gamma:                   0.99,
	}
}

func TestConfigValidate(t *testing.T) {
	if err := validConfig(t).Validate(); err != nil {
		t.Errorf("valid config failed validation: %v", err)
	}

	c := validConfig(t)
	c.PolicyBiases = []bool{true}
	if err := c.Validate(); err == nil {
		t.Errorf("mismatched policy bias count should fail validation")
	}

	c = validConfig(t)
	c.ValueFnActivations = []*network.Activation{network.ReLU()}
	if err := c.Validate(); err == nil {
		t.Errorf("mismatched value function activation count should " +
			"fail validation")
	}

	c = validConfig(t)
	c.EpochLength = 0
	if err := c.Validate(); err == nil {
		t.Errorf("non-positive epoch length should fail validation")
	}

	c = validConfig(t)
	c.ValueGradSteps = 0
	if err := c.Validate(); err == nil {
		t.Errorf("non-positive value gradient steps should fail validation")
	}

	c = validConfig(t)
	c.Lambda = 1.5
	if err := c.Validate(); err == nil {
		t.Errorf("lambda outside [0, 1] should fail validation")
	}

	c = validConfig(t)
	c.Gamma = -0.1
	if err := c.Validate(); err == nil {
		t.Errorf("gamma outside [0, 1] should fail validation")
	}
}

func TestConfigBatchSize(t *testing.T) {
	c := validConfig(t)
	if c.BatchSize() != c.EpochLength {
		t.Errorf("config batch size should equal the epoch length"+
			"\n\twant(%v)\n\thave(%v)", c.EpochLength, c.BatchSize())
	}
}
