// Package envconfig provides configuration structs for configuring
// environments with default physical parameters and tasks. Environment
// configurations in this package are JSON serializable.
package envconfig

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r1"

	env "github.com/Tubbz-alt/rljax/environment"
	"github.com/Tubbz-alt/rljax/environment/classiccontrol/cartpole"
	"github.com/Tubbz-alt/rljax/environment/classiccontrol/mountaincar"
	ts "github.com/Tubbz-alt/rljax/timestep"
)

// EnvName stores the name of environments that can be configured with
// this package
type EnvName string

// Environments available for configuration
const (
	MountainCar EnvName = "MountainCar"
	Cartpole    EnvName = "Cartpole"
)

// TaskName stores the tasks that can be configured with this package.
// Note that not all tasks can be used with all environments. The tasks
// that can be used with each environment are as follows:
//
//	Environment			Task
//	MountainCar			Goal
//	Cartpole			Balance
type TaskName string

// Tasks available for configuration
const (
	Goal    TaskName = "Goal"
	Balance TaskName = "Balance"
)

// Config implements a specific configuration of a specific environment
// and specific task. Not all environments can have all tasks.
type Config struct {
	Environment   EnvName
	Task          TaskName
	EpisodeCutoff uint
	Discount      float64
}

// NewConfig returns a new environment Config
func NewConfig(envName EnvName, taskName TaskName, episodeCutoff uint,
	discount float64) Config {
	return Config{
		Environment:   envName,
		Task:          taskName,
		EpisodeCutoff: episodeCutoff,
		Discount:      discount,
	}
}

// Create returns the environment described by the Config as well as
// the first timestep of the environment.
func (c Config) Create(seed uint64) (env.Environment, ts.TimeStep) {
	switch c.Environment {
	case MountainCar:
		return CreateMountainCar(c.Task, int(c.EpisodeCutoff), seed,
			c.Discount)

	case Cartpole:
		return CreateCartpole(c.Task, int(c.EpisodeCutoff), seed,
			c.Discount)
	}

	panic(fmt.Sprintf("create: cannot create environment %v, no such "+
		"environment", c.Environment))
}

// CreateMountainCar is a factory for creating the MountainCar
// environment with default physical parameters and default task
// parameters.
func CreateMountainCar(taskName TaskName, cutoff int, seed uint64,
	discount float64) (env.Environment, ts.TimeStep) {
	position := r1.Interval{Min: -0.6, Max: -0.4}
	velocity := r1.Interval{Min: 0.0, Max: 0.0}

	s := env.NewUniformStarter([]r1.Interval{position, velocity}, seed)

	var task env.Task
	switch taskName {
	case Goal:
		task = mountaincar.NewGoal(s, cutoff, mountaincar.GoalPosition)

	default:
		panic(fmt.Sprintf("createMountainCar: MountainCar environment has "+
			"no task %v", taskName))
	}

	return mountaincar.NewDiscrete(task, discount)
}

// CreateCartpole is a factory for creating the Cartpole environment
// with default physical parameters and default task parameters.
func CreateCartpole(taskName TaskName, cutoff int, seed uint64,
	discount float64) (env.Environment, ts.TimeStep) {
	bounds := r1.Interval{Min: -0.05, Max: 0.05}
	s := env.NewUniformStarter([]r1.Interval{
		bounds,
		bounds,
		bounds,
		bounds,
	}, seed)

	var task env.Task
	switch taskName {
	case Balance:
		task = cartpole.NewBalance(s, cutoff, cartpole.FailAngle)

	default:
		panic(fmt.Sprintf("createCartpole: Cartpole environment has "+
			"no task %v", taskName))
	}

	return cartpole.NewDiscrete(task, discount)
}
