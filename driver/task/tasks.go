package task

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/internal/webclient"
	"github.com/inference-sim/perfdriver/driver/macro"
	"github.com/inference-sim/perfdriver/driver/registry"
)

type execConfig struct {
	Cmdline string            `yaml:"cmdline"`
	Shell   string            `yaml:"shell"`
	Env     map[string]string `yaml:"env"`
	Cwd     string            `yaml:"cwd"`
	Timeout config.Duration   `yaml:"timeout"`
}

// execTask runs a shell command to completion. A non-zero exit fails the
// task.
type execTask struct {
	cfg execConfig
	log *logrus.Entry
}

func newExec(spec config.ComponentSpec, _ *registry.Env) (registry.Task, error) {
	cfg := execConfig{Shell: "/bin/sh"}
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Cmdline) == "" {
		return nil, errors.New("cmdline is required")
	}
	return &execTask{cfg: cfg, log: logrus.WithField("task", spec.Label())}, nil
}

func (t *execTask) Run(ctx context.Context, scope *macro.Scope) error {
	line, err := scope.Render(t.cfg.Cmdline)
	if err != nil {
		return fmt.Errorf("cmdline: %w", err)
	}
	env, err := scope.RenderMap(t.cfg.Env)
	if err != nil {
		return fmt.Errorf("env: %w", err)
	}
	cwd, err := scope.Render(t.cfg.Cwd)
	if err != nil {
		return fmt.Errorf("cwd: %w", err)
	}
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout.Std())
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, t.cfg.Shell, "-c", line)
	cmd.Dir = cwd
	cmd.WaitDelay = time.Second
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}

	t.log.Infof("running: %s", line)
	out, err := cmd.CombinedOutput()
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		t.log.Debug(scanner.Text())
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%q: %w", line, ctx.Err())
		}
		return fmt.Errorf("%q: %w", line, err)
	}
	return nil
}

type httpConfig struct {
	webclient.Request `yaml:",inline"`
	// ExpectStatus is the required status code. Zero accepts any 2xx.
	ExpectStatus int             `yaml:"expect_status"`
	Timeout      config.Duration `yaml:"timeout"`
}

// httpTask sends one request and fails on an unexpected status.
type httpTask struct {
	cfg    httpConfig
	client *webclient.Client
	log    *logrus.Entry
}

func newHTTP(spec config.ComponentSpec, _ *registry.Env) (registry.Task, error) {
	var cfg httpConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &httpTask{cfg: cfg, client: webclient.New(cfg.Timeout.Std()), log: logrus.WithField("task", spec.Label())}, nil
}

func (t *httpTask) Run(ctx context.Context, scope *macro.Scope) error {
	req, err := t.cfg.Render(scope)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(ctx, req)
	if err != nil {
		return err
	}
	t.log.Debugf("%s %s: %d in %.3fs", resp.Request.Method, req.URL, resp.Status, resp.Latency)
	switch {
	case t.cfg.ExpectStatus != 0 && resp.Status != t.cfg.ExpectStatus:
		return fmt.Errorf("%s: status %d, expected %d: %s", req.URL, resp.Status, t.cfg.ExpectStatus, resp.Body)
	case t.cfg.ExpectStatus == 0 && !resp.OK():
		return fmt.Errorf("%s: status %d: %s", req.URL, resp.Status, resp.Body)
	}
	return nil
}

type delayConfig struct {
	Duration config.Duration `yaml:"duration"`
}

// delayTask waits for a fixed time, for example to let the target settle
// between values.
type delayTask struct {
	d time.Duration
}

func newDelay(spec config.ComponentSpec, _ *registry.Env) (registry.Task, error) {
	var cfg delayConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.Duration <= 0 {
		return nil, errors.New("duration must be positive")
	}
	return &delayTask{d: cfg.Duration.Std()}, nil
}

func (t *delayTask) Run(ctx context.Context, _ *macro.Scope) error {
	timer := time.NewTimer(t.d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
