// Package fsm is the policy state-machine framework. A policy is described
// by a Definition, a graph of named states whose edges fire on filtered bus
// events, and is run by a Machine attached to the session bus.
package fsm

import (
	"errors"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/filter"
)

// Definition is the state graph of a policy.
type Definition struct {
	Name    string
	Initial string
	States  []*State
	// OnReset runs whenever the machine is reset to its initial state,
	// before the initial state is entered. Policies clear their own
	// counters here.
	OnReset func()
}

// State is one named node of the graph.
type State struct {
	Name     string
	Terminal bool
	// Enter runs every time the state is entered. It may call Goto to
	// chain straight into another state.
	Enter func(*Context)
	// Edges are evaluated in order against every event while the state is
	// current. The first edge to complete wins.
	Edges []Edge
	// Timeout, when positive, calls OnTimeout once if the state is still
	// current that long after it was entered, measured on event time.
	Timeout   time.Duration
	OnTimeout func(*Context)
}

// Edge is a transition that completes after Count matches of On.
type Edge struct {
	// On is a filter expression. :last is not allowed on edges.
	On string
	// Count is an expression over parameters and definitions giving the
	// number of matches needed. Empty means 1.
	Count string
	// Do runs when the edge completes, before moving to Target.
	Do func(*Context, driver.Event)
	// Target is the next state. Empty keeps the current state unless Do
	// called Goto.
	Target string
}

type compiledEdge struct {
	Edge
	filter *filter.Filter
	count  *vm.Program
}

type compiledState struct {
	*State
	edges []compiledEdge
}

// compile validates the definition and compiles every pattern and count.
func (d *Definition) compile() (map[string]*compiledState, *compiledState, error) {
	if d.Name == "" {
		return nil, nil, errors.New("policy definition has no name")
	}
	states := make(map[string]*compiledState, len(d.States))
	var terminal *compiledState
	for i, s := range d.States {
		if s.Name == "" {
			return nil, nil, fmt.Errorf("states[%d] has no name", i)
		}
		if _, dup := states[s.Name]; dup {
			return nil, nil, fmt.Errorf("duplicate state %q", s.Name)
		}
		cs := &compiledState{State: s}
		for j, e := range s.Edges {
			f, err := filter.Compile(e.On)
			if err != nil {
				return nil, nil, fmt.Errorf("state %q edge %d: %w", s.Name, j, err)
			}
			if f.Last() {
				return nil, nil, fmt.Errorf("state %q edge %d: :last cannot drive a transition", s.Name, j)
			}
			ce := compiledEdge{Edge: e, filter: f}
			if e.Count != "" {
				prog, err := expr.Compile(e.Count, expr.AllowUndefinedVariables())
				if err != nil {
					return nil, nil, fmt.Errorf("state %q edge %d count %q: %w", s.Name, j, e.Count, err)
				}
				ce.count = prog
			}
			cs.edges = append(cs.edges, ce)
		}
		states[s.Name] = cs
		if s.Terminal && terminal == nil {
			terminal = cs
		}
	}
	if _, ok := states[d.Initial]; !ok {
		return nil, nil, fmt.Errorf("initial state %q is not defined", d.Initial)
	}
	if terminal == nil {
		return nil, nil, errors.New("no terminal state defined")
	}
	for _, cs := range states {
		for j, e := range cs.edges {
			if e.Target == "" {
				continue
			}
			if _, ok := states[e.Target]; !ok {
				return nil, nil, fmt.Errorf("state %q edge %d targets undefined state %q", cs.Name, j, e.Target)
			}
		}
	}
	return states, terminal, nil
}
