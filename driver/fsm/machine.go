package fsm

import (
	"fmt"
	"math"
	"time"

	"github.com/expr-lang/expr"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/filter"
)

// maxChain bounds Goto chains started by a single event.
const maxChain = 256

// Options are the session services a Machine works with.
type Options struct {
	// Parameters receives the values a policy sets.
	Parameters *driver.Parameters
	// Definitions are user-provided values visible to count expressions.
	Definitions driver.Values
	// StaleTimeout forces the terminal state when no transition happened
	// for that long. Zero disables the watchdog.
	StaleTimeout time.Duration
	// HasTask reports whether any task is bound to a trigger name.
	HasTask func(name string) bool
}

// Machine runs one policy instance.
type Machine struct {
	def      *Definition
	opts     Options
	states   map[string]*compiledState
	terminal *compiledState
	log      *logrus.Entry

	bus *driver.Bus
	sub *driver.Subscription

	current    *compiledState
	generation int
	sessions   []*filter.Session
	counts     []int
	needed     []int

	scope          driver.TraceSet
	now            float64
	enteredAt      float64
	lastTransition float64
	timedOut       bool

	stale       bool
	interrupted bool
	status      string

	errs []error
}

// New validates def and builds a machine for it. The machine does nothing
// until it is attached to a bus and reset.
func New(def *Definition, opts Options) (*Machine, error) {
	states, terminal, err := def.compile()
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", def.Name, err)
	}
	return &Machine{
		def:            def,
		opts:           opts,
		states:         states,
		terminal:       terminal,
		log:            logrus.WithField("policy", def.Name),
		enteredAt:      -1,
		lastTransition: -1,
	}, nil
}

// Name returns the policy name.
func (m *Machine) Name() string { return m.def.Name }

// Attach subscribes the machine to every event on bus.
func (m *Machine) Attach(bus *driver.Bus) {
	m.bus = bus
	m.sub = bus.Subscribe("*", m.HandleEvent, driver.WithLabel("policy:"+m.def.Name))
}

// Detach removes the machine's subscription.
func (m *Machine) Detach() {
	if m.bus != nil {
		m.bus.Unsubscribe(m.sub)
	}
	m.sub = nil
}

// Reset drives the machine to its initial state and clears all per-run
// flags.
func (m *Machine) Reset() error {
	if m.def.OnReset != nil {
		m.def.OnReset()
	}
	m.scope = driver.TraceSet{}
	m.stale = false
	m.interrupted = false
	m.status = ""
	m.enteredAt = -1
	m.lastTransition = -1
	return m.transition(m.def.Initial, nil)
}

// CurrentState returns the name of the current state, or "" before Reset.
func (m *Machine) CurrentState() string {
	if m.current == nil {
		return ""
	}
	return m.current.Name
}

// Terminal reports whether the machine sits in a terminal state.
func (m *Machine) Terminal() bool { return m.current != nil && m.current.Terminal }

// Stale reports whether the watchdog forced this run to terminate.
func (m *Machine) Stale() bool { return m.stale }

// Interrupted reports whether an InterruptEvent ended this run.
func (m *Machine) Interrupted() bool { return m.interrupted }

// Status returns the last status the policy set.
func (m *Machine) Status() string { return m.status }

// Scope returns the root trace the machine currently matches against.
func (m *Machine) Scope() driver.TraceSet { return m.scope }

// HandleEvent feeds one bus event to the machine. Only the edges of the
// current state are considered.
func (m *Machine) HandleEvent(ev driver.Event) error {
	if m.current == nil {
		return nil
	}
	m.now = ev.Timestamp()
	if m.lastTransition < 0 {
		m.lastTransition = m.now
	}
	if m.enteredAt < 0 {
		m.enteredAt = m.now
	}

	switch e := ev.(type) {
	case *driver.ParameterUpdateEvent:
		m.scope = driver.NewTraceSet(e.Root)
	case *driver.InterruptEvent:
		if !m.Terminal() {
			m.interrupted = true
			m.log.Infof("interrupted in state %q", m.current.Name)
			return m.transition(m.terminal.Name, ev)
		}
		return nil
	}
	if m.Terminal() {
		return nil
	}

	if m.opts.StaleTimeout > 0 && m.now-m.lastTransition >= m.opts.StaleTimeout.Seconds() {
		state := m.current.Name
		m.stale = true
		m.log.Warnf("no transition for %s in state %q, forcing %q", m.opts.StaleTimeout, state, m.terminal.Name)
		if err := m.transition(m.terminal.Name, ev); err != nil {
			return err
		}
		m.publish(&driver.StalledEvent{Policy: m.def.Name, State: state})
		return m.pendingErr()
	}

	if st := m.current; st.Timeout > 0 && !m.timedOut && m.now-m.enteredAt >= st.Timeout.Seconds() {
		m.timedOut = true
		m.log.Debugf("state %q timed out after %s", st.Name, st.Timeout)
		if st.OnTimeout != nil {
			ctx := m.context(ev)
			st.OnTimeout(ctx)
			if ctx.next != "" {
				return m.transition(ctx.next, ev)
			}
		}
		return nil
	}

	gen := m.generation
	var firstErr error
	for i := range m.current.edges {
		if m.generation != gen {
			break
		}
		m.sessions[i].Handle(ev)
		if err := m.pendingErr(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// edgeMatched is the session callback for edge i of generation gen.
func (m *Machine) edgeMatched(gen, i int, ev driver.Event) {
	if gen != m.generation {
		return
	}
	m.counts[i]++
	if m.needed[i] < 0 {
		n, err := m.evalCount(m.current.edges[i])
		if err != nil {
			m.errs = append(m.errs, err)
			m.needed[i] = math.MaxInt
			return
		}
		m.needed[i] = n
	}
	if m.counts[i] < m.needed[i] {
		return
	}

	e := m.current.edges[i]
	ctx := m.context(ev)
	if e.Do != nil {
		e.Do(ctx, ev)
	}
	target := e.Target
	if ctx.next != "" {
		target = ctx.next
	}
	if target == "" {
		m.counts[i] = 0
		return
	}
	if err := m.transition(target, ev); err != nil {
		m.errs = append(m.errs, err)
	}
}

func (m *Machine) pendingErr() error {
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	m.errs = nil
	return err
}

func (m *Machine) evalCount(e compiledEdge) (int, error) {
	if e.count == nil {
		return 1, nil
	}
	out, err := expr.Run(e.count, m.env())
	if err != nil {
		return 0, fmt.Errorf("evaluating count %q: %w", e.Count, err)
	}
	f, ok := driver.ToFloat(out)
	if !ok {
		return 0, fmt.Errorf("count %q evaluated to non-number %v", e.Count, out)
	}
	if f < 1 {
		return 1, nil
	}
	return int(math.Ceil(f)), nil
}

func (m *Machine) env() map[string]any {
	env := make(map[string]any, len(m.opts.Definitions))
	for k, v := range m.opts.Definitions {
		env[k] = v
	}
	if m.opts.Parameters != nil {
		for k, v := range m.opts.Parameters.Current() {
			env[k] = v
		}
		for k, v := range m.opts.Parameters.Staged() {
			env[k] = v
		}
	}
	return env
}

// transition enters target and follows any Goto chain started by Enter.
func (m *Machine) transition(target string, ev driver.Event) error {
	for hops := 0; ; hops++ {
		if hops >= maxChain {
			return fmt.Errorf("policy %s: state chain longer than %d at %q", m.def.Name, maxChain, target)
		}
		next, ok := m.states[target]
		if !ok {
			return fmt.Errorf("policy %s: goto undefined state %q", m.def.Name, target)
		}
		if m.current != nil {
			m.log.Debugf("%s -> %s", m.current.Name, next.Name)
		}
		m.enter(next)
		if next.Enter == nil {
			return nil
		}
		ctx := m.context(ev)
		next.Enter(ctx)
		if ctx.next == "" {
			return nil
		}
		target = ctx.next
	}
}

func (m *Machine) enter(s *compiledState) {
	m.current = s
	m.generation++
	if m.lastTransition >= 0 {
		m.lastTransition = m.now
		m.enteredAt = m.now
	}
	m.timedOut = false

	gen := m.generation
	m.sessions = make([]*filter.Session, len(s.edges))
	m.counts = make([]int, len(s.edges))
	m.needed = make([]int, len(s.edges))
	for i, e := range s.edges {
		i := i
		m.needed[i] = -1
		m.sessions[i] = e.filter.Start(m.Scope, func(ev driver.Event) { m.edgeMatched(gen, i, ev) })
	}
}

func (m *Machine) publish(ev driver.Event) {
	if m.bus == nil {
		m.log.Warnf("not attached, dropping %s", ev.Name())
		return
	}
	if err := m.bus.Publish(ev); err != nil {
		m.errs = append(m.errs, err)
	}
}

func (m *Machine) context(ev driver.Event) *Context {
	return &Context{m: m, ev: ev}
}
