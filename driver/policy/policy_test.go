package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/fsm"
	"github.com/inference-sim/perfdriver/driver/internal/testutil"
	"github.com/inference-sim/perfdriver/driver/registry"
)

type harness struct {
	bus    *driver.Bus
	clock  *testutil.Clock
	params *driver.Parameters
	rec    *testutil.Recorder
	tasks  map[string]bool
}

// build loads one policy from YAML and attaches it to a fresh bus.
func build(t *testing.T, doc string, defaults driver.Values, defs driver.Values) (*harness, *fsm.Machine) {
	t.Helper()
	cfg, err := config.Parse([]byte(doc), nil)
	require.NoError(t, err)
	require.Len(t, cfg.Policies, 1)

	bus, clock := testutil.NewBus(t)
	h := &harness{bus: bus, clock: clock, params: driver.NewParameters(bus, defaults), rec: testutil.Record(bus), tasks: map[string]bool{}}
	env := &registry.Env{Bus: bus, Parameters: cfg.ParameterNames()}
	env.Definitions.File = defs

	def, err := registry.NewPolicy(0, cfg.Policies[0], env)
	require.NoError(t, err)
	m, err := fsm.New(def, fsm.Options{
		Parameters:  h.params,
		Definitions: defs,
		HasTask:     func(name string) bool { return h.tasks[name] },
	})
	require.NoError(t, err)
	m.Attach(bus)
	require.NoError(t, m.Reset())
	return h, m
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ev := &driver.StartEvent{}
	ev.MarkNoTrace()
	testutil.MustPublish(t, h.bus, ev)
}

// done publishes a Done event caused by the latest parameter update.
func (h *harness) done(t *testing.T) {
	t.Helper()
	ev := driver.NewDomainEvent("Done", nil)
	ev.SetTraces(h.bus.LastRootTraces())
	testutil.MustPublish(t, h.bus, ev)
}

func (h *harness) taskCompleted(t *testing.T, task string) {
	t.Helper()
	testutil.MustPublish(t, h.bus, &driver.RunTaskCompletedEvent{Task: task})
}

func updatedValues(h *harness, name string) []driver.Scalar {
	var out []driver.Scalar
	for _, u := range h.rec.Updates() {
		out = append(out, u.Parameters[name])
	}
	return out
}

const scenarioA = `
config:
  parameters:
    - name: instances
      default: 0
policies:
  - class: multistep
    steps:
      - name: scale
        values:
          - parameter: instances
            values: [1, 2, 4]
        events:
          advance: Done
`

// TestMultiStep_AdvancesOnEveryDone walks a three value step where each
// value advances on one Done event of its own trace.
func TestMultiStep_AdvancesOnEveryDone(t *testing.T) {
	// GIVEN a multistep policy over instances [1,2,4]
	h, m := build(t, scenarioA, driver.Values{"instances": 0}, nil)
	h.start(t)
	require.Len(t, h.rec.Updates(), 1)

	// WHEN three Done events arrive, each in the trace of the current update
	for i := 0; i < 3; i++ {
		require.False(t, m.Terminal(), "terminal after %d Done events", i)
		h.done(t)
	}

	// THEN exactly three batches were submitted, in order, and the policy ended
	assert.Equal(t, []driver.Scalar{1, 2, 4}, updatedValues(h, "instances"))
	assert.True(t, m.Terminal())
	roots := map[driver.TraceID]bool{}
	for _, u := range h.rec.Updates() {
		roots[u.Root] = true
	}
	assert.Len(t, roots, 3, "every batch has its own root trace")
}

func TestMultiStep_IgnoresDoneFromOtherTraces(t *testing.T) {
	h, m := build(t, scenarioA, driver.Values{"instances": 0}, nil)
	h.start(t)

	stray := driver.NewDomainEvent("Done", nil)
	stray.SetTraces(driver.NewTraceSet(999))
	testutil.MustPublish(t, h.bus, stray)

	assert.Len(t, h.rec.Updates(), 1)
	assert.Equal(t, "s0.send", m.CurrentState())
}

func TestMultiStep_RangesFixedValuesAndSteps(t *testing.T) {
	// GIVEN two steps: a range crossed with a list, then a computed fixed value
	h, m := build(t, `
config:
  parameters: [{name: a}, {name: b}, {name: c}]
policies:
  - class: multistep
    steps:
      - values:
          - {parameter: a, min: 1, max: 2, step: 1}
          - {parameter: b, values: [x, y]}
      - values:
          - {parameter: c, value: "base * 10"}
          - {parameter: a, min: 0, max: 3, step: 1, inclusive: no}
`, nil, driver.Values{"base": 4})

	// WHEN the run starts with no advance events configured
	h.start(t)

	// THEN every value advances on its own parameter update
	updates := h.rec.Updates()
	require.Len(t, updates, 7)
	var got []string
	for _, u := range updates {
		got = append(got, u.Changes.Key())
	}
	assert.Equal(t, []string{
		"a=1,b=x", "a=1,b=y", "a=2,b=x", "a=2,b=y",
		"a=0,c=40", "a=1,c=40", "a=2,c=40",
	}, got)
	assert.True(t, m.Terminal())
}

func TestMultiStep_WaitsForPostValueTask(t *testing.T) {
	// GIVEN an intertest task bound in the session
	h, m := build(t, scenarioA, driver.Values{"instances": 0}, nil)
	h.tasks["intertest"] = true
	h.start(t)

	// WHEN the advance event arrives
	h.done(t)

	// THEN the task is requested and the policy waits for it
	require.Len(t, h.rec.Named(driver.RunTaskEventName), 1)
	assert.Len(t, h.rec.Updates(), 1)

	// AND its completion moves to the next value
	h.taskCompleted(t, "intertest")
	assert.Len(t, h.rec.Updates(), 2)
	assert.False(t, m.Terminal())
}

func TestMultiStep_AdvanceTimeoutFlagsStatus(t *testing.T) {
	h, m := build(t, `
config:
  parameters: [{name: n}]
policies:
  - class: multistep
    steps:
      - values: [{parameter: n, values: [1, 2]}]
        events: {advance: Done}
        advance_condition: {timeout: 5s}
`, nil, nil)
	h.start(t)

	for i := 0; i < 12; i++ {
		h.clock.Advance(1)
		tick := &driver.TickEvent{Count: i + 1}
		tick.MarkNoTrace()
		testutil.MustPublish(t, h.bus, tick)
	}

	assert.True(t, m.Terminal())
	assert.Equal(t, DefaultTimeoutStatus, m.Status())
	assert.Len(t, h.rec.Updates(), 2)
}

func TestMultiStep_FailEventEndsStep(t *testing.T) {
	h, m := build(t, `
config:
  parameters: [{name: n}]
policies:
  - class: multistep
    steps:
      - values: [{parameter: n, values: [1, 2, 3]}]
        events: {advance: Done, fail: Crash}
`, nil, nil)
	h.start(t)

	crash := driver.NewDomainEvent("Crash", nil)
	crash.SetTraces(h.bus.LastRootTraces())
	testutil.MustPublish(t, h.bus, crash)

	assert.True(t, m.Terminal())
	assert.Equal(t, "failure", m.Status())
	assert.Len(t, h.rec.Updates(), 1)
}

func TestMultiStep_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		msg  string
	}{
		{"no steps", map[string]any{}, "at least one step"},
		{"no values", map[string]any{"steps": []any{map[string]any{"name": "x"}}}, "at least one value"},
		{"undeclared", map[string]any{"steps": []any{map[string]any{"values": []any{map[string]any{"parameter": "zz", "values": []any{1}}}}}}, "not a declared parameter"},
		{"bad range", map[string]any{"steps": []any{map[string]any{"values": []any{map[string]any{"parameter": "n", "min": 5, "max": 1}}}}}, "below min"},
		{"unknown key", map[string]any{"stepz": 1}, "stepz"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec, err := config.NewComponentSpec("multistep", tc.body)
			require.NoError(t, err)
			_, err = registry.NewPolicy(0, spec, &registry.Env{Parameters: []string{"n"}})
			require.Error(t, err)
			assert.True(t, driver.IsConfigError(err))
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestSimple_SubmitsRenderedParametersAndEndsOnEvent(t *testing.T) {
	// GIVEN a simple policy with a templated parameter value
	h, m := build(t, `
config:
  parameters: [{name: instances}]
policies:
  - class: simple
    parameters:
      instances: "{{eval(base * 2)}}"
    events:
      end: Done
`, nil, driver.Values{"base": 3})

	// WHEN the run starts and the end event arrives
	h.start(t)
	require.Equal(t, stateRun, m.CurrentState())
	h.done(t)

	// THEN one batch with the evaluated value was submitted
	assert.Equal(t, []driver.Scalar{6}, updatedValues(h, "instances"))
	assert.True(t, m.Terminal())
	assert.Equal(t, "ok", m.Status())
}

func TestSimple_WaitsForStartEvent(t *testing.T) {
	h, m := build(t, `
config:
  parameters: [{name: n}]
policies:
  - class: simple
    parameters: {n: 1}
    events: {start: "Ready:notrace", end: Done}
    timeout: 3s
`, nil, nil)
	h.start(t)
	assert.Equal(t, stateWait, m.CurrentState())
	assert.Empty(t, h.rec.Updates())

	testutil.MustPublish(t, h.bus, driver.NewDomainEvent("Ready", nil))
	assert.Equal(t, stateRun, m.CurrentState())
	assert.Len(t, h.rec.Updates(), 1)

	// no end event: the timeout ends the run
	for i := 0; i < 5; i++ {
		h.clock.Advance(1)
		testutil.MustPublish(t, h.bus, driver.NewDomainEvent("Noise", nil))
	}
	assert.True(t, m.Terminal())
	assert.Equal(t, "timeout", m.Status())
}

// tick publishes one tick that is delta seconds after the previous one.
func (h *harness) tick(t *testing.T, count int, delta float64) {
	t.Helper()
	h.clock.Advance(delta)
	ev := &driver.TickEvent{Count: count, Delta: delta}
	ev.MarkNoTrace()
	testutil.MustPublish(t, h.bus, ev)
}

func TestTimeEvolution_StepsEveryIntervalUntilMax(t *testing.T) {
	// GIVEN a parameter evolving from 1 to 3 every two seconds
	h, m := build(t, `
config:
  parameters: [{name: rate}]
policies:
  - class: timeevolution
    evolve:
      - {parameter: rate, min: 1, max: 3, step: 1, interval: 2s}
`, nil, nil)

	// WHEN the run starts and one second ticks arrive
	h.start(t)
	require.Equal(t, []driver.Scalar{1}, updatedValues(h, "rate"))
	for i := 1; i <= 5; i++ {
		h.tick(t, i, 1)
	}

	// THEN the value moved once per interval and the max is still held
	assert.Equal(t, []driver.Scalar{1, 2, 3}, updatedValues(h, "rate"))
	assert.False(t, m.Terminal())

	// WHEN the max was held for a full interval
	h.tick(t, 6, 1)

	// THEN the policy ended
	assert.True(t, m.Terminal())
	assert.Equal(t, "ok", m.Status())
	assert.Len(t, h.rec.Updates(), 3)
}

func TestTimeEvolution_UnboundedEndsOnEvent(t *testing.T) {
	h, m := build(t, `
config:
  parameters: [{name: load}]
policies:
  - class: timeevolution
    evolve:
      - {parameter: load, min: 0.5, step: 0.25}
    events: {start: "Ready:notrace", end: Done}
`, nil, nil)
	h.start(t)
	assert.Equal(t, stateWait, m.CurrentState())
	testutil.MustPublish(t, h.bus, driver.NewDomainEvent("Ready", nil))
	require.Equal(t, stateRun, m.CurrentState())

	for i := 1; i <= 3; i++ {
		h.tick(t, i, 1)
	}
	assert.Equal(t, []driver.Scalar{0.5, 0.75, 1.0, 1.25}, updatedValues(h, "load"))

	h.done(t)
	assert.True(t, m.Terminal())
}

func TestTimeEvolution_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		msg  string
	}{
		{"nothing to evolve", map[string]any{}, "at least one parameter"},
		{"undeclared", map[string]any{"evolve": []any{map[string]any{"parameter": "zz", "max": 2}}}, "not a declared parameter"},
		{"bad step", map[string]any{"evolve": []any{map[string]any{"parameter": "n", "max": 2, "step": 0}}}, "step must be positive"},
		{"bad range", map[string]any{"evolve": []any{map[string]any{"parameter": "n", "min": 5, "max": 1}}}, "below min"},
		{"never ends", map[string]any{"evolve": []any{map[string]any{"parameter": "n"}}}, "events.end is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec, err := config.NewComponentSpec("timeevolution", tc.body)
			require.NoError(t, err)
			_, err = registry.NewPolicy(0, spec, &registry.Env{Parameters: []string{"n"}})
			require.Error(t, err)
			assert.True(t, driver.IsConfigError(err))
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}
