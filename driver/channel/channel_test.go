package channel

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/internal/testutil"
	"github.com/inference-sim/perfdriver/driver/macro"
	"github.com/inference-sim/perfdriver/driver/registry"
)

func newChannel(t *testing.T, class string, body map[string]any) registry.Channel {
	t.Helper()
	spec, err := config.NewComponentSpec(class, body)
	require.NoError(t, err)
	ch, err := registry.NewChannel(0, spec, &registry.Env{})
	require.NoError(t, err)
	return ch
}

func snapshot(params driver.Values) registry.Snapshot {
	defs := macro.Definitions{File: driver.Values{"token": "s3cr3t"}}
	return registry.Snapshot{
		Run:        0,
		Parameters: params,
		Changes:    params,
		Traces:     driver.NewTraceSet(7),
		Scope:      macro.NewScope(params, defs, nil),
	}
}

func TestHTTPChannel_SendsRenderedRequest(t *testing.T) {
	// GIVEN a server that records what it receives
	type seen struct{ method, path, query, auth, body string }
	var mu sync.Mutex
	var got []seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, seen{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization"), string(body)})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ready": true, "replicas": 3}`))
	}))
	defer srv.Close()

	ch := newChannel(t, "http", map[string]any{
		"url":     srv.URL + "/scale?n={{instances}}",
		"method":  "put",
		"body":    `{"instances": {{instances}}}`,
		"headers": map[string]any{"Authorization": "Bearer {{token}}"},
		"repeat":  2,
	})
	pub := &testutil.Posted{}

	// WHEN an update is applied
	require.NoError(t, ch.Apply(context.Background(), snapshot(driver.Values{"instances": 3}), pub))

	// THEN two rendered requests were sent and two response events posted
	want := seen{"PUT", "/scale", "n=3", "Bearer s3cr3t", `{"instances": 3}`}
	assert.Equal(t, []seen{want, want}, got)
	events := pub.Named("HTTPResponseEvent")
	require.Len(t, events, 2)
	status, _ := events[0].Field("status")
	assert.Equal(t, 200, status)
	replicas, ok := events[0].Field("json.replicas")
	require.True(t, ok)
	assert.EqualValues(t, 3, replicas)
	assert.Equal(t, driver.NewTraceSet(7), events[0].Traces())
}

func TestHTTPChannel_UnreachablePostsErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ch := newChannel(t, "http", map[string]any{"url": url})
	pub := &testutil.Posted{}
	require.NoError(t, ch.Apply(context.Background(), snapshot(driver.Values{}), pub))

	errs := pub.Named(driver.ErrorEventName)
	require.Len(t, errs, 1)
	src, _ := errs[0].Field("source")
	assert.Equal(t, "http", src)
}

func TestHTTPChannel_NonSuccessStatusIsAnEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ch := newChannel(t, "http", map[string]any{"url": srv.URL})
	pub := &testutil.Posted{}
	require.NoError(t, ch.Apply(context.Background(), snapshot(nil), pub))

	require.Len(t, pub.Events(), 1)
	status, _ := pub.Events()[0].Field("status")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestCmdlineChannel_StreamsOutputAndExitCode(t *testing.T) {
	// GIVEN a command writing to both streams and exiting non-zero
	ch := newChannel(t, "cmdline", map[string]any{
		"cmdline": "echo scale to {{instances}}; echo $MODE 1>&2; read x; echo got $x; exit 3",
		"env":     map[string]any{"MODE": "fast"},
		"stdin":   "hello\n",
	})
	pub := &testutil.Posted{}

	// WHEN it is applied
	require.NoError(t, ch.Apply(context.Background(), snapshot(driver.Values{"instances": 4}), pub))

	// THEN every line and the exit code were posted under the update's traces
	var stdout, stderr []string
	for _, ev := range pub.Named(driver.LogLineEventName) {
		line := ev.(*driver.LogLineEvent)
		if line.Kind == "stdout" {
			stdout = append(stdout, line.Line)
		} else {
			stderr = append(stderr, line.Line)
		}
		assert.Equal(t, driver.NewTraceSet(7), ev.Traces())
	}
	assert.Equal(t, []string{"scale to 4", "got hello"}, stdout)
	assert.Equal(t, []string{"fast"}, stderr)

	exits := pub.Named(ExitEventName)
	require.Len(t, exits, 1)
	code, _ := exits[0].Field("code")
	assert.Equal(t, 3, code)
}

func TestCmdlineChannel_RelaunchReplacesProcess(t *testing.T) {
	ch := newChannel(t, "cmdline", map[string]any{"cmdline": "exec sleep 30", "relaunch": true})
	pub := &testutil.Posted{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, ch.Apply(ctx, snapshot(nil), pub))
	assert.Empty(t, pub.Named(ExitEventName), "first process still running")

	// the second launch kills the first and waits for it
	require.NoError(t, ch.Apply(ctx, snapshot(nil), pub))
	assert.Len(t, pub.Named(ExitEventName), 1)

	ch.(*cmdlineChannel).stop()
	assert.Len(t, pub.Named(ExitEventName), 2)
}

func TestChannels_ConfigErrors(t *testing.T) {
	tests := []struct {
		class string
		body  map[string]any
		msg   string
	}{
		{"http", map[string]any{}, "url is required"},
		{"http", map[string]any{"url": "x", "repeat": -1}, "repeat"},
		{"http", map[string]any{"url": "x", "verb": "GET"}, "verb"},
		{"cmdline", map[string]any{}, "cmdline is required"},
	}
	for _, tc := range tests {
		spec, err := config.NewComponentSpec(tc.class, tc.body)
		require.NoError(t, err)
		_, err = registry.NewChannel(0, spec, &registry.Env{})
		require.Error(t, err, tc.class)
		assert.True(t, driver.IsConfigError(err))
		assert.Contains(t, err.Error(), tc.msg)
	}
}
