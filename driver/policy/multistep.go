package policy

import (
	"errors"
	"fmt"
	"math"

	"github.com/expr-lang/expr"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/fsm"
	"github.com/inference-sim/perfdriver/driver/registry"
)

// DefaultTimeoutStatus flags a value whose advance condition timed out.
const DefaultTimeoutStatus = "timeout"

// DefaultPostValueTask is the task requested after every value.
const DefaultPostValueTask = "intertest"

type multiStepConfig struct {
	Steps []stepConfig `yaml:"steps"`
}

type stepConfig struct {
	Name   string        `yaml:"name"`
	Values []valueConfig `yaml:"values"`
	Events struct {
		Start   string `yaml:"start"`
		End     string `yaml:"end"`
		Fail    string `yaml:"fail"`
		Advance string `yaml:"advance"`
	} `yaml:"events"`
	Tasks struct {
		Start     string  `yaml:"start"`
		End       string  `yaml:"end"`
		PreValue  string  `yaml:"pre_value"`
		PostValue *string `yaml:"post_value"`
	} `yaml:"tasks"`
	EndCondition *struct {
		Events int `yaml:"events"`
	} `yaml:"end_condition"`
	AdvanceCondition struct {
		Events        string          `yaml:"events"`
		Timeout       config.Duration `yaml:"timeout"`
		TimeoutStatus string          `yaml:"timeout_status"`
	} `yaml:"advance_condition"`
}

// valueConfig is one axis of a step: a fixed value, a list, or a range.
type valueConfig struct {
	Parameter string   `yaml:"parameter"`
	Value     any      `yaml:"value"`
	Values    []any    `yaml:"values"`
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	Step      *float64 `yaml:"step"`
	Inclusive *bool    `yaml:"inclusive"`
}

// expand returns the values of a list or range axis.
func (v valueConfig) expand() ([]any, error) {
	if v.Values != nil {
		if len(v.Values) == 0 {
			return nil, errors.New("values is empty")
		}
		return v.Values, nil
	}
	lo, hi, step := 0.0, 1.0, 1.0
	if v.Min != nil {
		lo = *v.Min
	}
	if v.Max != nil {
		hi = *v.Max
	}
	if v.Step != nil {
		step = *v.Step
	}
	if step <= 0 {
		return nil, fmt.Errorf("step must be positive, got %v", step)
	}
	if hi < lo {
		return nil, fmt.Errorf("max %v is below min %v", hi, lo)
	}
	inclusive := v.Inclusive == nil || *v.Inclusive
	integral := lo == math.Trunc(lo) && step == math.Trunc(step)
	n := int(math.Floor((hi-lo)/step + 1e-9))
	var out []any
	for i := 0; i <= n; i++ {
		x := lo + float64(i)*step
		if !inclusive && x >= hi-1e-9 {
			break
		}
		if integral {
			out = append(out, int(x))
		} else {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("range is empty")
	}
	return out, nil
}

// step is the runtime state of one configured step.
type step struct {
	cfg    stepConfig
	prefix string
	names  []string
	lists  [][]any
	fixed  []valueConfig

	combos    [][]any
	pos       int
	remaining int

	current       driver.Values
	advanced      bool
	postRequested bool
	postPending   bool
}

func (s *step) state(name string) string { return s.prefix + "." + name }

func (s *step) endEvents() int {
	if s.cfg.EndCondition != nil && s.cfg.EndCondition.Events > 0 {
		return s.cfg.EndCondition.Events
	}
	return 1
}

func (s *step) postTask() string {
	if s.cfg.Tasks.PostValue == nil {
		return DefaultPostValueTask
	}
	return *s.cfg.Tasks.PostValue
}

// begin computes the cartesian product of the step axes, first axis
// varying slowest.
func (s *step) begin() {
	s.combos = [][]any{{}}
	for _, list := range s.lists {
		var next [][]any
		for _, prefix := range s.combos {
			for _, v := range list {
				combo := append(append([]any(nil), prefix...), v)
				next = append(next, combo)
			}
		}
		s.combos = next
	}
	s.pos = 0
	s.remaining = s.endEvents()
}

// next returns the parameters of the next combination. Fixed values that
// are strings are evaluated as expressions over definitions and the
// combination; a string that does not evaluate is used as is.
func (s *step) next(defs driver.Values) (driver.Values, bool) {
	if s.pos >= len(s.combos) {
		return nil, false
	}
	combo := s.combos[s.pos]
	s.pos++
	out := driver.Values{}
	for i, name := range s.names {
		out[name] = combo[i]
	}
	env := map[string]any{}
	for k, v := range defs {
		env[k] = v
	}
	for k, v := range out {
		env[k] = v
	}
	for _, f := range s.fixed {
		v := f.Value
		if src, ok := v.(string); ok {
			if res, err := expr.Eval(src, env); err == nil {
				v = res
			}
		}
		out[f.Parameter] = v
	}
	return out, true
}

// multiStep walks every step's value matrix in order.
type multiStep struct {
	steps []*step
	defs  driver.Values
}

// newMultiStep builds a policy evolving parameters through steps of value
// matrices.
func newMultiStep(spec config.ComponentSpec, env *registry.Env) (*fsm.Definition, error) {
	var cfg multiStepConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Steps) == 0 {
		return nil, errors.New("steps: at least one step is required")
	}
	p := &multiStep{defs: env.Definitions.Merged()}
	for i, sc := range cfg.Steps {
		if len(sc.Values) == 0 {
			return nil, fmt.Errorf("steps[%d].values: at least one value is required", i)
		}
		st := &step{cfg: sc, prefix: fmt.Sprintf("s%d", i)}
		if st.cfg.Name == "" {
			st.cfg.Name = fmt.Sprintf("step %d", i+1)
		}
		if st.cfg.AdvanceCondition.TimeoutStatus == "" {
			st.cfg.AdvanceCondition.TimeoutStatus = DefaultTimeoutStatus
		}
		for j, v := range sc.Values {
			field := fmt.Sprintf("steps[%d].values[%d]", i, j)
			if v.Parameter == "" {
				return nil, fmt.Errorf("%s: missing parameter", field)
			}
			if !env.IsParameter(v.Parameter) {
				return nil, fmt.Errorf("%s: %q is not a declared parameter", field, v.Parameter)
			}
			if v.Value != nil {
				st.fixed = append(st.fixed, v)
				continue
			}
			list, err := v.expand()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", field, err)
			}
			st.names = append(st.names, v.Parameter)
			st.lists = append(st.lists, list)
		}
		p.steps = append(p.steps, st)
	}

	states := []*fsm.State{
		{Name: stateReady, Edges: startEdges(p.steps[0].state("wait"))},
	}
	for i, st := range p.steps {
		nextStep := stateEnd
		if i+1 < len(p.steps) {
			nextStep = p.steps[i+1].state("wait")
		}
		states = append(states, p.stepStates(st, nextStep)...)
	}
	states = append(states, &fsm.State{Name: stateEnd, Terminal: true, Enter: func(c *fsm.Context) {
		c.Logger().Info("all steps completed")
	}})

	return &fsm.Definition{
		Name:    spec.Label(),
		Initial: stateReady,
		States:  states,
	}, nil
}

// stepStates builds the states of one step:
//
//	wait -> run -> next -> send -> next ... -> complete -> nextStep
func (p *multiStep) stepStates(st *step, nextStep string) []*fsm.State {
	ev := st.cfg.Events
	tasks := st.cfg.Tasks

	endFail := func() []fsm.Edge {
		var edges []fsm.Edge
		if ev.End != "" {
			edges = append(edges, fsm.Edge{On: ev.End, Do: func(c *fsm.Context, _ driver.Event) {
				c.Logger().Infof("step %q completed", st.cfg.Name)
				c.SetStatus("ok")
				p.countEnd(c, st)
			}})
		}
		if ev.Fail != "" {
			edges = append(edges, fsm.Edge{On: ev.Fail, Do: func(c *fsm.Context, _ driver.Event) {
				c.Logger().Warnf("step %q failed", st.cfg.Name)
				c.SetStatus("failure")
				p.countEnd(c, st)
			}})
		}
		return edges
	}

	wait := &fsm.State{
		Name: st.state("wait"),
		Enter: func(c *fsm.Context) {
			c.Logger().Infof("executing step %q", st.cfg.Name)
			if ev.Start == "" {
				c.Goto(st.state("run"))
				return
			}
			c.Logger().Info("waiting for start event")
		},
	}
	if ev.Start != "" {
		wait.Edges = []fsm.Edge{{On: ev.Start, Target: st.state("run")}}
	}

	run := &fsm.State{
		Name: st.state("run"),
		Enter: func(c *fsm.Context) {
			st.begin()
			if tasks.Start != "" && c.RunTask(tasks.Start) {
				return
			}
			c.Goto(st.state("next"))
		},
	}
	if tasks.Start != "" {
		run.Edges = []fsm.Edge{{On: taskDone(tasks.Start), Target: st.state("next")}}
	}

	next := &fsm.State{
		Name: st.state("next"),
		Enter: func(c *fsm.Context) {
			params, ok := st.next(p.defs)
			if !ok {
				c.Logger().Infof("no more values for step %q", st.cfg.Name)
				if st.cfg.EndCondition != nil && (ev.End != "" || ev.Fail != "") {
					c.Logger().Info("waiting for custom end condition")
					return
				}
				c.Goto(st.state("complete"))
				return
			}
			st.current = params
			if tasks.PreValue != "" && c.RunTask(tasks.PreValue) {
				return
			}
			c.Goto(st.state("send"))
		},
		Edges: endFail(),
	}
	if tasks.PreValue != "" {
		next.Edges = append(next.Edges, fsm.Edge{On: taskDone(tasks.PreValue), Target: st.state("send")})
	}

	advanceOn := ev.Advance
	if advanceOn == "" {
		advanceOn = driver.ParameterUpdateEventName
	}
	send := &fsm.State{
		Name: st.state("send"),
		Enter: func(c *fsm.Context) {
			st.advanced = false
			st.postRequested = false
			st.postPending = false
			c.Logger().Debugf("setting %s", st.current.Key())
			c.SetParameters(st.current)
		},
		Edges: append([]fsm.Edge{
			{
				On:    advanceOn,
				Count: st.cfg.AdvanceCondition.Events,
				Do: func(c *fsm.Context, _ driver.Event) {
					if st.advanced {
						return
					}
					st.advanced = true
					p.valueCompleted(c, st)
				},
			},
		}, endFail()...),
		Timeout: st.cfg.AdvanceCondition.Timeout.Std(),
		OnTimeout: func(c *fsm.Context) {
			if st.advanced {
				return
			}
			c.Logger().Warnf("step %q timed out after %s", st.cfg.Name, st.cfg.AdvanceCondition.Timeout.Std())
			c.SetStatus(st.cfg.AdvanceCondition.TimeoutStatus)
			st.advanced = true
			p.valueCompleted(c, st)
		},
	}
	if post := st.postTask(); post != "" {
		send.Edges = append(send.Edges, fsm.Edge{On: taskDone(post), Do: func(c *fsm.Context, _ driver.Event) {
			if !st.postPending {
				return
			}
			st.postPending = false
			if st.advanced {
				c.Goto(st.state("next"))
			}
		}})
	}

	complete := &fsm.State{
		Name: st.state("complete"),
		Enter: func(c *fsm.Context) {
			if tasks.End != "" && c.RunTask(tasks.End) {
				return
			}
			c.Goto(nextStep)
		},
	}
	if tasks.End != "" {
		complete.Edges = []fsm.Edge{{On: taskDone(tasks.End), Target: nextStep}}
	}

	return []*fsm.State{wait, run, next, send, complete}
}

// valueCompleted runs once the advance condition of the current value is
// met. The post-value task, when bound, must complete before the next value.
func (p *multiStep) valueCompleted(c *fsm.Context, st *step) {
	if post := st.postTask(); post != "" && !st.postRequested {
		st.postRequested = true
		if c.RunTask(post) {
			st.postPending = true
			return
		}
	}
	if !st.postPending {
		c.Goto(st.state("next"))
	}
}

func (p *multiStep) countEnd(c *fsm.Context, st *step) {
	st.remaining--
	if st.remaining > 0 {
		c.Logger().Infof("waiting for %d more events before completion", st.remaining)
		return
	}
	c.Goto(st.state("complete"))
}
