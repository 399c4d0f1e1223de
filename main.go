package main

import (
	"fmt"
	"log"

	"github.com/Tubbz-alt/rljax/agent/nonlinear/discrete/fqf"
	"github.com/Tubbz-alt/rljax/environment/envconfig"
	"github.com/Tubbz-alt/rljax/experiment"
	"github.com/Tubbz-alt/rljax/experiment/tracker"
	"github.com/Tubbz-alt/rljax/expreplay"
	"github.com/Tubbz-alt/rljax/initwfn"
	"github.com/Tubbz-alt/rljax/network"
	"github.com/Tubbz-alt/rljax/solver"
)

func main() {
	var seed uint64 = 192382

	// Create the environment
	envConf := envconfig.NewConfig(envconfig.Cartpole, envconfig.Balance,
		500, 0.99)
	e, _ := envConf.Create(seed)

	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		log.Fatalf("could not create weight initializer: %v", err)
	}

	batchSize := 32
	quantileSolver, err := solver.NewAdam(5e-5, 0.0003125, 0.9, 0.999,
		batchSize)
	if err != nil {
		log.Fatalf("could not create quantile solver: %v", err)
	}
	fractionSolver, err := solver.NewRMSProp(2.5e-9, 1e-5, 0.95, batchSize,
		-1.0)
	if err != nil {
		log.Fatalf("could not create fraction solver: %v", err)
	}

	conf := fqf.Config{
		PolicyLayers: []int{64, 64},
		Biases:       []bool{true, true},
		Activations: []*network.Activation{network.ReLU(),
			network.ReLU()},

		QuantileSolver: quantileSolver,
		FractionSolver: fractionSolver,
		InitWFn:        init,

		Taus:    32,
		Cosines: 64,

		Epsilon:     0.01,
		EpsilonEval: 0.001,

		Loss:  fqf.HuberLoss,
		Kappa: 1.0,

		DoubleQ: true,

		ExpReplay: expreplay.Config{
			Type:        expreplay.Uniform,
			MaxCapacity: 100_000,
			MinCapacity: 1_000,
			BatchSize:   batchSize,
			NStep:       1,
		},

		TargetUpdateInterval: 400,
		StartSteps:           1_000,
		UpdateInterval:       4,
	}

	a, err := conf.CreateAgent(e, seed)
	if err != nil {
		log.Fatalf("could not create agent: %v", err)
	}

	// Experiment
	var returns tracker.Tracker = tracker.NewReturn("./data.bin")
	exp := experiment.NewOnline(e, a, 100_000,
		[]tracker.Tracker{returns}, nil)
	exp.Run()
	exp.Save()

	data := tracker.LoadData("./data.bin")
	if len(data) >= 10 {
		fmt.Println(data[len(data)-10:])
	} else {
		fmt.Println(data)
	}
}
