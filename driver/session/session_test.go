package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/fsm"
	"github.com/inference-sim/perfdriver/driver/registry"

	_ "github.com/inference-sim/perfdriver/driver/channel"
	_ "github.com/inference-sim/perfdriver/driver/observer"
	_ "github.com/inference-sim/perfdriver/driver/policy"
	_ "github.com/inference-sim/perfdriver/driver/reporter"
	_ "github.com/inference-sim/perfdriver/driver/task"
	_ "github.com/inference-sim/perfdriver/driver/tracker"
)

func init() {
	// A policy whose start edge jumps to a state that does not exist.
	registry.RegisterPolicy("test-broken", func(config.ComponentSpec, *registry.Env) (*fsm.Definition, error) {
		return &fsm.Definition{
			Initial: "ready",
			States: []*fsm.State{
				{Name: "ready", Edges: []fsm.Edge{{
					On: driver.StartEventName + ":notrace",
					Do: func(c *fsm.Context, _ driver.Event) { c.Goto("nowhere") },
				}}},
				{Name: "end", Terminal: true},
			},
		}, nil
	})
}

func newSession(t *testing.T, doc string, defines driver.Values) *Session {
	t.Helper()
	cfg, err := config.Parse([]byte(doc), defines)
	require.NoError(t, err)
	s, err := New(cfg, Options{})
	require.NoError(t, err)
	return s
}

func run(t *testing.T, s *Session, timeout time.Duration) (*driver.Bus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := s.Run(ctx)
	return s.Bus(), err
}

// scaleServer answers /scale?n=N with {"replicas": N}.
func scaleServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"replicas": %s}`, r.URL.Query().Get("n"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const scaleJob = `
config:
  title: scale
  tick_interval: 10ms
  parameters:
    - name: instances
      default: 0
  metrics:
    - name: replicas
      summarize:
        - class: sum
          outliers: false
  indicators:
    - name: replicasPerInstance
      class: normalized_mean
      metric: replicas.sum
      normalizeto: instances
policies:
  - class: multistep
    steps:
      - name: scale
        values:
          - parameter: instances
            values: [1, 2, 4]
        events:
          advance: "HTTPResponseEvent[status='200']"
channels:
  - class: http
    url: "{{endpoint}}/scale?n={{instances}}"
trackers:
  - class: event
    events: HTTPResponseEvent
    extract:
      - field: json.replicas
        metric: replicas
reporters:
  - class: json
    filename: "{{dir}}/results.json"
`

// TestSession_ScaleJob runs a three value step against a live endpoint: each
// update is applied by the http channel, whose response both advances the
// policy and feeds the tracker of its phase.
func TestSession_ScaleJob(t *testing.T) {
	// GIVEN a multistep job over instances [1,2,4] and a scaling endpoint
	srv := scaleServer(t)
	dir := t.TempDir()
	s := newSession(t, scaleJob, driver.Values{"endpoint": srv.URL, "dir": dir})

	// WHEN the session runs
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := s.Run(ctx)

	// THEN three phases were recorded, one per value, each with its own sample
	require.NoError(t, err)
	require.Len(t, res.Phases, 3)
	for i, want := range []float64{1, 2, 4} {
		p := res.Phases[i]
		assert.EqualValues(t, want, p.Parameters["instances"])
		v, ok := p.Value("replicas", "sum")
		require.True(t, ok)
		assert.Equal(t, want, v, "phase %d", i)
	}
	require.Len(t, res.Indicators, 1)
	assert.InDelta(t, 1.0, res.Indicators[0].Value, 1e-9)
	assert.False(t, res.Aborted)
	require.Len(t, res.Runs, 1)
	assert.False(t, res.Runs[0].Degraded)

	// AND the reporter wrote the results
	data, err := os.ReadFile(filepath.Join(dir, "results.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"replicasPerInstance"`)
}

func TestSession_TasksRunAtEveryTrigger(t *testing.T) {
	// GIVEN exec tasks on every trigger, appending their name to a log
	dir := t.TempDir()
	var tasks []string
	for _, at := range []string{AtSetup, AtPretest, AtIntertest, AtPosttest, AtTeardown} {
		tasks = append(tasks, fmt.Sprintf("  - {class: exec, at: %s, cmdline: 'echo %s >> {{dir}}/log'}", at, at))
	}
	s := newSession(t, `
config:
  runs: 2
  tick_interval: 10ms
  parameters: [{name: n, default: 0}]
policies:
  - class: multistep
    steps:
      - values: [{parameter: n, values: [1, 2]}]
tasks:
`+strings.Join(tasks, "\n")+"\n", driver.Values{"dir": dir})

	// WHEN the session runs
	_, err := run(t, s, 10*time.Second)
	require.NoError(t, err)

	// THEN intertest ran after every value and the rest at their stage
	data, err := os.ReadFile(filepath.Join(dir, "log"))
	require.NoError(t, err)
	perRun := []string{"pretest", "intertest", "intertest", "posttest"}
	want := append([]string{"setup"}, perRun...)
	want = append(want, perRun...)
	want = append(want, "teardown")
	assert.Equal(t, want, strings.Fields(string(data)))
}

func TestSession_StaleRunsAreDegraded(t *testing.T) {
	// GIVEN a policy that never ends and a short stale timeout
	s := newSession(t, `
config:
  runs: 2
  tick_interval: 10ms
  stale_timeout: 100ms
  parameters: [{name: n, default: 0}]
policies:
  - class: simple
    parameters: {n: 1}
`, nil)

	// WHEN the session runs
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := s.Run(ctx)

	// THEN both runs finished degraded and the job itself succeeded
	require.NoError(t, err)
	require.Len(t, res.Runs, 2)
	for _, r := range res.Runs {
		assert.True(t, r.Degraded)
		assert.Len(t, r.Stalled, 1)
		assert.Contains(t, r.Error, driver.ErrStalePhase.Error())
	}
	require.Len(t, res.Phases, 2)
	assert.Contains(t, res.Phases[0].Flags, "stalled")
}

func TestSession_InterruptAbortsAndTearsDown(t *testing.T) {
	dir := t.TempDir()
	s := newSession(t, `
config:
  tick_interval: 10ms
  parameters: [{name: n, default: 0}]
policies:
  - class: simple
    parameters: {n: 1}
tasks:
  - {class: exec, at: teardown, cmdline: "touch {{dir}}/teardown"}
`, driver.Values{"dir": dir})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := s.Run(ctx)

	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrAborted))
	assert.True(t, res.Aborted)
	assert.Len(t, res.Phases, 1, "the open phase is completed on interrupt")
	assert.FileExists(t, filepath.Join(dir, "teardown"))
}

func TestSession_HandlerFailureIsFatal(t *testing.T) {
	s := newSession(t, `
policies:
  - class: test-broken
`, nil)

	_, err := run(t, s, 5*time.Second)

	require.Error(t, err)
	assert.False(t, errors.Is(err, driver.ErrAborted))
	var he *driver.HandlerError
	require.True(t, errors.As(err, &he))
	assert.Contains(t, err.Error(), "nowhere")
}

func TestSession_ChannelFailureIsAnEvent(t *testing.T) {
	// GIVEN a channel whose target is down and a policy ending on ErrorEvent
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	s := newSession(t, `
config:
  tick_interval: 10ms
  parameters: [{name: n, default: 0}]
policies:
  - class: simple
    parameters: {n: 1}
    events: {end: ErrorEvent}
channels:
  - {class: http, url: "`+url+`/?n={{n}}"}
`, nil)

	// WHEN the session runs
	_, err := run(t, s, 10*time.Second)

	// THEN the unreachable target only produced a domain event
	require.NoError(t, err)
}

func TestNew_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{"no policy", `config: {}`, "at least one policy"},
		{"unknown class", `policies: [{class: nope}]`, "unknown class"},
		{"idle channel", `
policies: [{class: simple}]
channels: [{class: http, url: "http://localhost"}]`, "reacts to no parameter"},
		{"task without trigger", `
policies: [{class: simple}]
tasks: [{class: delay, duration: 1s}]`, "tasks[0].at"},
		{"bad indicator", `
config:
  indicators: [{name: x, metric: nodot}]
policies: [{class: simple}]`, "config.indicators[0]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.Parse([]byte(tc.doc), nil)
			require.NoError(t, err)
			_, err = New(cfg, Options{})
			require.Error(t, err)
			assert.True(t, driver.IsConfigError(err), "%v", err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestNew_OptionsOverrideRunsAndMeta(t *testing.T) {
	cfg, err := config.Parse([]byte(`
config:
  runs: 5
  meta: {owner: perf, env: dev}
  tick_interval: 10ms
  stale_timeout: 10ms
policies: [{class: simple}]
`), nil)
	require.NoError(t, err)
	s, err := New(cfg, Options{Runs: 1, Meta: driver.Values{"env": "ci"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Runs, 1)
	assert.Equal(t, driver.Values{"owner": "perf", "env": "ci"}, res.Meta)
}
