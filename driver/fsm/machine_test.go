package fsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/internal/testutil"
)

type harness struct {
	bus    *driver.Bus
	clock  *testutil.Clock
	params *driver.Parameters
	rec    *testutil.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus, clock := testutil.NewBus(t)
	params := driver.NewParameters(bus, driver.Values{"n": 2})
	return &harness{bus: bus, clock: clock, params: params, rec: testutil.Record(bus)}
}

func (h *harness) start(t *testing.T, def *Definition, opts Options) *Machine {
	t.Helper()
	opts.Parameters = h.params
	m, err := New(def, opts)
	require.NoError(t, err)
	m.Attach(h.bus)
	require.NoError(t, m.Reset())
	return m
}

// doneInScope publishes a Done event in the trace scope of the last update.
func (h *harness) doneInScope(t *testing.T, fields map[string]any) {
	t.Helper()
	ev := driver.NewDomainEvent("Done", fields)
	ev.SetTraces(h.bus.LastRootTraces())
	testutil.MustPublish(t, h.bus, ev)
}

func countingDef(count string) *Definition {
	return &Definition{
		Name:    "counting",
		Initial: "ready",
		States: []*State{
			{Name: "ready", Edges: []Edge{{On: "StartEvent:notrace", Target: "run"}}},
			{
				Name:  "run",
				Enter: func(c *Context) { c.SetParameter("x", 1) },
				Edges: []Edge{{On: "Done", Count: count, Target: "end"}},
			},
			{Name: "end", Terminal: true},
		},
	}
}

func TestNew_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
		msg  string
	}{
		{"no name", &Definition{Initial: "a", States: []*State{{Name: "a", Terminal: true}}}, "no name"},
		{"missing initial", &Definition{Name: "p", Initial: "x", States: []*State{{Name: "a", Terminal: true}}}, "initial state \"x\""},
		{"no terminal", &Definition{Name: "p", Initial: "a", States: []*State{{Name: "a"}}}, "no terminal"},
		{"duplicate", &Definition{Name: "p", Initial: "a", States: []*State{{Name: "a", Terminal: true}, {Name: "a"}}}, "duplicate state"},
		{"bad target", &Definition{Name: "p", Initial: "a", States: []*State{{Name: "a", Terminal: true, Edges: []Edge{{On: "Done", Target: "zz"}}}}}, "undefined state \"zz\""},
		{"bad filter", &Definition{Name: "p", Initial: "a", States: []*State{{Name: "a", Terminal: true, Edges: []Edge{{On: "Done[", Target: "a"}}}}}, "invalid filter"},
		{"last on edge", &Definition{Name: "p", Initial: "a", States: []*State{{Name: "a", Terminal: true, Edges: []Edge{{On: "Done:last", Target: "a"}}}}}, ":last"},
		{"bad count", &Definition{Name: "p", Initial: "a", States: []*State{{Name: "a", Terminal: true, Edges: []Edge{{On: "Done", Count: "1 +", Target: "a"}}}}}, "count"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.def, Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestMachine_AdvanceCondition_CountFromParameters(t *testing.T) {
	// GIVEN an edge that needs "n * 2" Done events with n=2
	h := newHarness(t)
	m := h.start(t, countingDef("n * 2"), Options{})
	assert.Equal(t, "ready", m.CurrentState())

	// WHEN the machine starts and receives three Done events
	testutil.MustPublish(t, h.bus, &driver.StartEvent{})
	assert.Equal(t, "run", m.CurrentState())
	for i := 0; i < 3; i++ {
		h.doneInScope(t, nil)
	}

	// THEN it is still waiting, and the fourth one completes the edge
	assert.Equal(t, "run", m.CurrentState())
	h.doneInScope(t, nil)
	assert.Equal(t, "end", m.CurrentState())
	assert.True(t, m.Terminal())
}

func TestMachine_AdvanceCondition_DefinitionsVisible(t *testing.T) {
	h := newHarness(t)
	m := h.start(t, countingDef("k"), Options{Definitions: driver.Values{"k": 2}})

	testutil.MustPublish(t, h.bus, &driver.StartEvent{})
	h.doneInScope(t, nil)
	assert.False(t, m.Terminal())
	h.doneInScope(t, nil)
	assert.True(t, m.Terminal())
}

func TestMachine_IgnoresEventsOutsideScope(t *testing.T) {
	// GIVEN a running machine scoped to the update it caused
	h := newHarness(t)
	m := h.start(t, countingDef(""), Options{})
	testutil.MustPublish(t, h.bus, &driver.StartEvent{})
	require.Len(t, h.rec.Updates(), 1)

	// WHEN a Done with an unrelated trace arrives
	stray := driver.NewDomainEvent("Done", nil)
	stray.SetTraces(driver.NewTraceSet(h.bus.Registry().Mint("elsewhere")))
	testutil.MustPublish(t, h.bus, stray)

	// THEN it is ignored, and a Done in scope advances
	assert.Equal(t, "run", m.CurrentState())
	h.doneInScope(t, nil)
	assert.Equal(t, "end", m.CurrentState())
}

func TestMachine_CountsResetOnReentry(t *testing.T) {
	// GIVEN a state that loops back to itself after one Ping and needs two Done
	h := newHarness(t)
	def := &Definition{
		Name:    "loop",
		Initial: "wait",
		States: []*State{
			{Name: "wait", Edges: []Edge{
				{On: "Ping:notrace", Target: "wait"},
				{On: "Done:notrace", Count: "2", Target: "end"},
			}},
			{Name: "end", Terminal: true},
		},
	}
	m := h.start(t, def, Options{})

	// WHEN Done, Ping (re-entry), Done arrive
	testutil.MustPublish(t, h.bus, driver.NewDomainEvent("Done", nil))
	testutil.MustPublish(t, h.bus, driver.NewDomainEvent("Ping", nil))
	testutil.MustPublish(t, h.bus, driver.NewDomainEvent("Done", nil))

	// THEN the count restarted after re-entry
	assert.Equal(t, "wait", m.CurrentState())
	testutil.MustPublish(t, h.bus, driver.NewDomainEvent("Done", nil))
	assert.Equal(t, "end", m.CurrentState())
}

func TestMachine_GotoFromEnterChains(t *testing.T) {
	h := newHarness(t)
	var visited []string
	def := &Definition{
		Name:    "chain",
		Initial: "a",
		States: []*State{
			{Name: "a", Enter: func(c *Context) { visited = append(visited, "a"); c.Goto("b") }},
			{Name: "b", Enter: func(c *Context) { visited = append(visited, "b"); c.Goto("c") }},
			{Name: "c", Terminal: true, Enter: func(c *Context) { visited = append(visited, "c") }},
		},
	}
	m := h.start(t, def, Options{})

	assert.Equal(t, []string{"a", "b", "c"}, visited)
	assert.True(t, m.Terminal())
}

func TestMachine_GotoLoopIsAnError(t *testing.T) {
	h := newHarness(t)
	def := &Definition{
		Name:    "spin",
		Initial: "a",
		States: []*State{
			{Name: "a", Enter: func(c *Context) { c.Goto("a") }},
			{Name: "end", Terminal: true},
		},
	}
	m, err := New(def, Options{Parameters: h.params})
	require.NoError(t, err)
	assert.ErrorContains(t, m.Reset(), "state chain")
}

func TestMachine_EdgeWithoutTargetStaysAndRearms(t *testing.T) {
	h := newHarness(t)
	fired := 0
	def := &Definition{
		Name:    "stay",
		Initial: "a",
		States: []*State{
			{Name: "a", Edges: []Edge{{On: "Ping:notrace", Count: "2", Do: func(*Context, driver.Event) { fired++ }}}},
			{Name: "end", Terminal: true},
		},
	}
	h.start(t, def, Options{})
	for i := 0; i < 5; i++ {
		testutil.MustPublish(t, h.bus, driver.NewDomainEvent("Ping", nil))
	}
	assert.Equal(t, 2, fired)
}

func TestMachine_Interrupt_ForcesTerminal(t *testing.T) {
	h := newHarness(t)
	m := h.start(t, countingDef(""), Options{})
	testutil.MustPublish(t, h.bus, &driver.StartEvent{})

	testutil.MustPublish(t, h.bus, &driver.InterruptEvent{Reason: "user"})

	assert.True(t, m.Terminal())
	assert.True(t, m.Interrupted())
	assert.False(t, m.Stale())
}

// TestMachine_StaleTimeout_ExactlyOnce drives ticks past the stale timeout
// and checks the machine is forced terminal once, with one StalledEvent.
func TestMachine_StaleTimeout_ExactlyOnce(t *testing.T) {
	// GIVEN a machine waiting for a Done that never comes
	h := newHarness(t)
	m := h.start(t, countingDef(""), Options{StaleTimeout: 10 * time.Second})
	testutil.MustPublish(t, h.bus, &driver.StartEvent{})
	require.Equal(t, "run", m.CurrentState())

	// WHEN ticks keep arriving for a minute
	for i := 0; i < 60; i++ {
		h.clock.Advance(1)
		tick := &driver.TickEvent{Count: i + 1}
		tick.MarkNoTrace()
		testutil.MustPublish(t, h.bus, tick)
	}

	// THEN the watchdog fired exactly once
	assert.True(t, m.Terminal())
	assert.True(t, m.Stale())
	stalled := h.rec.Named(driver.StalledEventName)
	require.Len(t, stalled, 1)
	assert.Equal(t, "run", stalled[0].(*driver.StalledEvent).State)
	assert.Equal(t, "counting", stalled[0].(*driver.StalledEvent).Policy)

	// AND a reset clears the stale flag for the next run
	require.NoError(t, m.Reset())
	assert.False(t, m.Stale())
}

func TestMachine_StateTimeout_CallsOnTimeoutOnce(t *testing.T) {
	h := newHarness(t)
	timeouts := 0
	def := &Definition{
		Name:    "timed",
		Initial: "wait",
		States: []*State{
			{
				Name:    "wait",
				Timeout: 5 * time.Second,
				OnTimeout: func(c *Context) {
					timeouts++
					c.SetStatus("timeout")
					c.Goto("end")
				},
				Edges: []Edge{{On: "Done:notrace", Target: "end"}},
			},
			{Name: "end", Terminal: true},
		},
	}
	m := h.start(t, def, Options{})

	for i := 0; i < 10; i++ {
		h.clock.Advance(1)
		testutil.MustPublish(t, h.bus, &driver.TickEvent{Count: i})
	}

	assert.Equal(t, 1, timeouts)
	assert.True(t, m.Terminal())
	assert.Equal(t, "timeout", m.Status())
	flags := h.rec.Named(driver.FlagUpdateEventName)
	require.Len(t, flags, 1)
	assert.Equal(t, "timeout", flags[0].(*driver.FlagUpdateEvent).Value)
}

func TestContext_RunTask_OnlyWhenBound(t *testing.T) {
	h := newHarness(t)
	var results []bool
	def := &Definition{
		Name:    "tasks",
		Initial: "a",
		States: []*State{
			{Name: "a", Enter: func(c *Context) {
				results = append(results, c.RunTask("intertest"), c.RunTask("unbound"))
			}, Terminal: true},
		},
	}
	h.start(t, def, Options{HasTask: func(name string) bool { return name == "intertest" }})

	assert.Equal(t, []bool{true, false}, results)
	tasks := h.rec.Named(driver.RunTaskEventName)
	require.Len(t, tasks, 1)
	assert.Equal(t, "intertest", tasks[0].(*driver.RunTaskEvent).Task)
}
