package policy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/fsm"
	"github.com/inference-sim/perfdriver/driver/registry"
)

// DefaultEvolveInterval is used when an evolution sets no interval.
const DefaultEvolveInterval = time.Second

type timeEvolutionConfig struct {
	Evolve []evolveConfig `yaml:"evolve"`
	Events struct {
		Start string `yaml:"start"`
		End   string `yaml:"end"`
	} `yaml:"events"`
}

type evolveConfig struct {
	Parameter string          `yaml:"parameter"`
	Interval  config.Duration `yaml:"interval"`
	Min       float64         `yaml:"min"`
	Step      *float64        `yaml:"step"`
	Max       *float64        `yaml:"max"`
}

// evolution is the runtime state of one evolving parameter. The value is
// held for a full interval, including the last one before max.
type evolution struct {
	cfg      evolveConfig
	step     float64
	interval float64
	integral bool

	value   float64
	elapsed float64
	active  bool
}

func (e *evolution) reset() {
	e.value = e.cfg.Min
	e.elapsed = 0
	e.active = true
}

func (e *evolution) scalar() driver.Scalar {
	if e.integral {
		return int(e.value)
	}
	return e.value
}

// advance accounts for delta seconds and reports whether the value moved.
func (e *evolution) advance(delta float64) bool {
	if !e.active {
		return false
	}
	e.elapsed += delta
	if e.elapsed < e.interval {
		return false
	}
	e.elapsed = 0
	if e.cfg.Max != nil && e.value >= *e.cfg.Max-1e-9 {
		e.active = false
		return false
	}
	e.value += e.step
	return true
}

// newTimeEvolution builds a policy that moves parameters monotonically as
// ticks arrive. It ends on the end event, or once every bounded evolution
// has held its max for one interval.
func newTimeEvolution(spec config.ComponentSpec, env *registry.Env) (*fsm.Definition, error) {
	var cfg timeEvolutionConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Evolve) == 0 {
		return nil, errors.New("evolve: at least one parameter is required")
	}
	var evs []*evolution
	bounded := true
	for i, c := range cfg.Evolve {
		field := fmt.Sprintf("evolve[%d]", i)
		if !env.IsParameter(c.Parameter) {
			return nil, fmt.Errorf("%s: %q is not a declared parameter", field, c.Parameter)
		}
		e := &evolution{cfg: c, step: 1, interval: DefaultEvolveInterval.Seconds()}
		if c.Step != nil {
			e.step = *c.Step
		}
		if e.step <= 0 {
			return nil, fmt.Errorf("%s: step must be positive, got %v", field, e.step)
		}
		if c.Interval < 0 {
			return nil, fmt.Errorf("%s: interval must not be negative", field)
		}
		if c.Interval > 0 {
			e.interval = c.Interval.Std().Seconds()
		}
		if c.Max != nil && *c.Max < c.Min {
			return nil, fmt.Errorf("%s: max %v is below min %v", field, *c.Max, c.Min)
		}
		bounded = bounded && c.Max != nil
		e.integral = c.Min == math.Trunc(c.Min) && e.step == math.Trunc(e.step)
		evs = append(evs, e)
	}
	if !bounded && cfg.Events.End == "" {
		return nil, errors.New("events.end is required when an evolution has no max")
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
			c.Logger().Infof("evolving %d parameter(s)", len(evs))
			values := driver.Values{}
			for _, e := range evs {
				e.reset()
				values[e.cfg.Parameter] = e.scalar()
			}
			c.SetParameters(values)
		},
		Edges: []fsm.Edge{{
			On: driver.TickEventName + ":notrace",
			Do: func(c *fsm.Context, ev driver.Event) {
				delta, _ := ev.Field("delta")
				d, _ := delta.(float64)
				active := false
				for _, e := range evs {
					if e.advance(d) {
						c.SetParameter(e.cfg.Parameter, e.scalar())
					}
					active = active || e.active
				}
				if !active {
					c.Logger().Info("all evolutions completed")
					c.SetStatus("ok")
					c.Goto(stateEnd)
				}
			},
		}},
	}
	if cfg.Events.End != "" {
		run.Edges = append(run.Edges, fsm.Edge{
			On: cfg.Events.End,
			Do: func(c *fsm.Context, _ driver.Event) {
				c.Logger().Info("end event matched")
				c.SetStatus("ok")
			},
			Target: stateEnd,
		})
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
