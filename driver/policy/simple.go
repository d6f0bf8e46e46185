// Package policy holds the built-in parameter evolution policies.
package policy

import (
	"fmt"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/fsm"
	"github.com/inference-sim/perfdriver/driver/registry"
)

// State names shared by the built-in policies.
const (
	stateReady = "ready"
	stateWait  = "wait"
	stateRun   = "run"
	stateEnd   = "end"
)

// startEdges leave the ready state when a run starts.
func startEdges(target string) []fsm.Edge {
	return []fsm.Edge{
		{On: driver.StartEventName + ":notrace", Target: target},
		{On: driver.RestartEventName + ":notrace", Target: target},
	}
}

// taskDone matches the completion of the named task.
func taskDone(task string) string {
	return fmt.Sprintf("%s[task='%s']:notrace", driver.RunTaskCompletedEventName, task)
}

type simpleConfig struct {
	Parameters map[string]any `yaml:"parameters"`
	Events     struct {
		Start string `yaml:"start"`
		End   string `yaml:"end"`
	} `yaml:"events"`
	// Timeout ends the run when no end event arrived in time.
	Timeout config.Duration `yaml:"timeout"`
}

// newSimple builds a policy that submits one batch of parameters and ends
// when the end event is seen.
func newSimple(spec config.ComponentSpec, env *registry.Env) (*fsm.Definition, error) {
	var cfg simpleConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	for name := range cfg.Parameters {
		if !env.IsParameter(name) {
			return nil, fmt.Errorf("parameters: %q is not a declared parameter", name)
		}
	}

	wait := &fsm.State{
		Name: stateWait,
		Enter: func(c *fsm.Context) {
			if cfg.Events.Start == "" {
				c.Goto(stateRun)
				return
			}
			c.Logger().Info("waiting until the system is ready")
		},
	}
	if cfg.Events.Start != "" {
		wait.Edges = []fsm.Edge{{On: cfg.Events.Start, Target: stateRun}}
	}

	run := &fsm.State{
		Name: stateRun,
		Enter: func(c *fsm.Context) {
			scope := env.Scope(c.Parameters())
			for name, raw := range cfg.Parameters {
				v := raw
				if s, ok := raw.(string); ok {
					rendered, err := scope.Value(s)
					if err != nil {
						c.Logger().Errorf("parameter %s: %v", name, err)
						continue
					}
					v = rendered
				}
				c.SetParameter(name, v)
			}
		},
		Timeout: cfg.Timeout.Std(),
		OnTimeout: func(c *fsm.Context) {
			c.Logger().Warnf("no end event after %s", cfg.Timeout.Std())
			c.SetStatus("timeout")
			c.Goto(stateEnd)
		},
	}
	if cfg.Events.End != "" {
		run.Edges = []fsm.Edge{{
			On: cfg.Events.End,
			Do: func(c *fsm.Context, _ driver.Event) {
				c.Logger().Info("end event matched")
				c.SetStatus("ok")
			},
			Target: stateEnd,
		}}
	}

	return &fsm.Definition{
		Name:    spec.Label(),
		Initial: stateReady,
		States: []*fsm.State{
			{Name: stateReady, Edges: startEdges(stateWait)},
			wait,
			run,
			{Name: stateEnd, Terminal: true},
		},
	}, nil
}
