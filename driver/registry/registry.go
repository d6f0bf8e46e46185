// Package registry maps component class names to factories.
//
// Policies, channels, observers, trackers, reporters and tasks live in their
// own packages and register themselves from an init() in register.go. The
// session and the CLI only see the interfaces declared here. A binary
// enables the built-in classes by blank-importing those packages.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/fsm"
	"github.com/inference-sim/perfdriver/driver/indicator"
	"github.com/inference-sim/perfdriver/driver/macro"
	"github.com/inference-sim/perfdriver/driver/metrics"
)

// Env is what a factory may use while building a component.
type Env struct {
	Bus   *driver.Bus
	Store *metrics.Store
	// Parameters are the declared parameter names.
	Parameters []string
	// Definitions are the file and command-line definitions.
	Definitions macro.Definitions
	Meta        driver.Values
}

// IsParameter reports whether name is a declared parameter.
func (e *Env) IsParameter(name string) bool {
	for _, p := range e.Parameters {
		if p == name {
			return true
		}
	}
	return false
}

// Scope returns a macro scope over params and the environment.
func (e *Env) Scope(params driver.Values) *macro.Scope {
	return macro.NewScope(params, e.Definitions, e.Meta)
}

// Snapshot is the immutable view of one parameter update handed to a
// channel worker.
type Snapshot struct {
	Run        int
	Parameters driver.Values
	Changes    driver.Values
	Traces     driver.TraceSet
	Scope      *macro.Scope
}

// Channel applies parameter values to the target.
type Channel interface {
	Apply(ctx context.Context, snap Snapshot, pub driver.Publisher) error
}

// Observer watches the target and posts domain events until ctx is done.
type Observer interface {
	Start(ctx context.Context, pub driver.Publisher) error
}

// Tracker turns events into metric samples. It subscribes to the bus when
// built and is told when phases begin and end.
type Tracker interface {
	BeginPhase(p *metrics.Phase)
	EndPhase(p *metrics.Phase)
}

// Reporter publishes the results of a session.
type Reporter interface {
	Report(ctx context.Context, res *metrics.Results) error
}

// Task is a side action run at a named point of the session.
type Task interface {
	Run(ctx context.Context, scope *macro.Scope) error
}

// Factory signatures, one per capability.
type (
	PolicyFactory   func(spec config.ComponentSpec, env *Env) (*fsm.Definition, error)
	ChannelFactory  func(spec config.ComponentSpec, env *Env) (Channel, error)
	ObserverFactory func(spec config.ComponentSpec, env *Env) (Observer, error)
	TrackerFactory  func(spec config.ComponentSpec, env *Env) (Tracker, error)
	ReporterFactory func(spec config.ComponentSpec, env *Env) (Reporter, error)
	TaskFactory     func(spec config.ComponentSpec, env *Env) (Task, error)
)

type classes[F any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]F
}

func (c *classes[F]) register(class string, f F) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.m[class]; dup {
		panic(fmt.Sprintf("%s class %q registered twice", c.kind, class))
	}
	c.m[class] = f
}

func (c *classes[F]) lookup(class string, index int) (F, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.m[class]
	if !ok {
		var zero F
		return zero, driver.NewConfigError(fmt.Sprintf("%s[%d].class", c.kind, index),
			"unknown class %q, expected one of %v", class, c.namesLocked())
	}
	return f, nil
}

func (c *classes[F]) names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.namesLocked()
}

func (c *classes[F]) namesLocked() []string {
	out := make([]string, 0, len(c.m))
	for k := range c.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var (
	policies  = &classes[PolicyFactory]{kind: "policies", m: map[string]PolicyFactory{}}
	channels  = &classes[ChannelFactory]{kind: "channels", m: map[string]ChannelFactory{}}
	observers = &classes[ObserverFactory]{kind: "observers", m: map[string]ObserverFactory{}}
	trackers  = &classes[TrackerFactory]{kind: "trackers", m: map[string]TrackerFactory{}}
	reporters = &classes[ReporterFactory]{kind: "reporters", m: map[string]ReporterFactory{}}
	tasks     = &classes[TaskFactory]{kind: "tasks", m: map[string]TaskFactory{}}
)

// RegisterPolicy makes a policy class available. It panics on duplicates.
func RegisterPolicy(class string, f PolicyFactory) { policies.register(class, f) }

// RegisterChannel makes a channel class available.
func RegisterChannel(class string, f ChannelFactory) { channels.register(class, f) }

// RegisterObserver makes an observer class available.
func RegisterObserver(class string, f ObserverFactory) { observers.register(class, f) }

// RegisterTracker makes a tracker class available.
func RegisterTracker(class string, f TrackerFactory) { trackers.register(class, f) }

// RegisterReporter makes a reporter class available.
func RegisterReporter(class string, f ReporterFactory) { reporters.register(class, f) }

// RegisterTask makes a task class available.
func RegisterTask(class string, f TaskFactory) { tasks.register(class, f) }

// RegisterIndicator makes an indicator class available.
func RegisterIndicator(class string, r indicator.Reducer) { indicator.Register(class, r) }

// wrap tags a factory error with the component's configuration path.
func wrap(kind string, index int, err error) error {
	if err == nil || driver.IsConfigError(err) {
		return err
	}
	return &driver.ConfigError{Field: fmt.Sprintf("%s[%d]", kind, index), Err: err}
}

// NewPolicy builds the definition of the index-th policy.
func NewPolicy(index int, spec config.ComponentSpec, env *Env) (*fsm.Definition, error) {
	f, err := policies.lookup(spec.Class, index)
	if err != nil {
		return nil, err
	}
	def, err := f(spec, env)
	if err != nil {
		return nil, wrap("policies", index, err)
	}
	if def.Name == "" {
		def.Name = spec.Label()
	}
	return def, nil
}

// NewChannel builds the index-th channel.
func NewChannel(index int, spec config.ComponentSpec, env *Env) (Channel, error) {
	f, err := channels.lookup(spec.Class, index)
	if err != nil {
		return nil, err
	}
	ch, err := f(spec, env)
	return ch, wrap("channels", index, err)
}

// NewObserver builds the index-th observer.
func NewObserver(index int, spec config.ComponentSpec, env *Env) (Observer, error) {
	f, err := observers.lookup(spec.Class, index)
	if err != nil {
		return nil, err
	}
	o, err := f(spec, env)
	return o, wrap("observers", index, err)
}

// NewTracker builds the index-th tracker.
func NewTracker(index int, spec config.ComponentSpec, env *Env) (Tracker, error) {
	f, err := trackers.lookup(spec.Class, index)
	if err != nil {
		return nil, err
	}
	t, err := f(spec, env)
	return t, wrap("trackers", index, err)
}

// NewReporter builds the index-th reporter.
func NewReporter(index int, spec config.ComponentSpec, env *Env) (Reporter, error) {
	f, err := reporters.lookup(spec.Class, index)
	if err != nil {
		return nil, err
	}
	r, err := f(spec, env)
	return r, wrap("reporters", index, err)
}

// NewTask builds the index-th task.
func NewTask(index int, spec config.ComponentSpec, env *Env) (Task, error) {
	f, err := tasks.lookup(spec.Class, index)
	if err != nil {
		return nil, err
	}
	t, err := f(spec, env)
	return t, wrap("tasks", index, err)
}

// Classes lists the registered class names of every capability.
func Classes() map[string][]string {
	return map[string][]string{
		"policies":   policies.names(),
		"channels":   channels.names(),
		"observers":  observers.names(),
		"trackers":   trackers.names(),
		"reporters":  reporters.names(),
		"tasks":      tasks.names(),
		"indicators": indicator.Classes(),
	}
}

// Interest computes the parameter names a component reacts to: its
// explicit parameters list plus every declared parameter its body refers
// to through a macro.
func Interest(spec config.ComponentSpec, env *Env) []string {
	set := map[string]bool{}
	for _, p := range spec.Parameters {
		set[p] = true
	}
	for _, ref := range macro.NodeReferences(spec.Node()) {
		if env.IsParameter(ref) {
			set[ref] = true
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TriggerOf builds the trigger of a component.
func TriggerOf(spec config.ComponentSpec, env *Env) (driver.Trigger, error) {
	mode, err := driver.ParseTriggerMode(spec.Trigger)
	if err != nil {
		return driver.Trigger{}, err
	}
	return driver.NewTrigger(mode, Interest(spec, env), spec.AtStart), nil
}
