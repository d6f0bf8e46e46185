package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/perfdriver/driver"
)

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	defines, metas, runs = nil, nil, 0
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--log", "error"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeJob(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitConfig, ExitCode(driver.NewConfigError("policies", "missing")))
	assert.Equal(t, ExitConfig, ExitCode(&usageError{errors.New("bad flag")}))
	assert.Equal(t, ExitRuntime, ExitCode(fmt.Errorf("%w: signal", driver.ErrAborted)))
	assert.Equal(t, ExitRuntime, ExitCode(&driver.HandlerError{Event: "StartEvent", Handler: "p", Err: errors.New("boom")}))
}

func TestRun_CompletesJob(t *testing.T) {
	// GIVEN a job that stops on its stale timeout and writes its results
	out := t.TempDir()
	path := writeJob(t, `
config:
  runs: 3
  tick_interval: 10ms
  stale_timeout: 50ms
  parameters: [{name: n, default: 0}]
policies:
  - class: simple
    parameters: {n: 1}
reporters:
  - class: json
    filename: "{{out}}/{{meta:build}}.json"
`)

	// WHEN it is run with definitions, metadata and a run count override
	_, err := execute(t, "run", path, "-D", "out="+out, "-M", "build=b42", "--runs", "1")

	// THEN the job succeeds and the reporter used both
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(out, "b42.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"build": "b42"`)
	assert.NotNil(t, traces)
}

func TestCheck(t *testing.T) {
	path := writeJob(t, `
config:
  parameters: [{name: n}]
policies:
  - class: simple
`)
	out, err := execute(t, "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
}

func TestCheck_ConfigErrorsExitWithTwo(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		args []string
	}{
		{"unknown class", "policies: [{class: nope}]", nil},
		{"missing definition", `
config:
  definitions: [{name: target, required: true}]
policies: [{class: simple}]`, nil},
		{"bad define", "policies: [{class: simple}]", []string{"-D", "novalue"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeJob(t, tc.doc)
			_, err := execute(t, append([]string{"check", path}, tc.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitConfig, ExitCode(err), "%v", err)
		})
	}
}

func TestRoot_InvalidLogLevel(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"classes", "--log", "loud"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitConfig, ExitCode(err))
}

func TestClasses(t *testing.T) {
	out, err := execute(t, "classes")
	require.NoError(t, err)
	for _, want := range []string{"simple", "multistep", "timeevolution", "cmdline", "httppoll", "logline", "influxdb", "exec", "normalized_mean"} {
		assert.Contains(t, out, want)
	}
}
