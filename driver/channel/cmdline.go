package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/registry"
)

// ExitEventName is the kind posted when a launched process exits.
const ExitEventName = "CmdlineExitEvent"

func init() {
	driver.RegisterEventKind(ExitEventName, "code", "source")
}

type cmdlineConfig struct {
	Cmdline string            `yaml:"cmdline"`
	Shell   string            `yaml:"shell"`
	Env     map[string]string `yaml:"env"`
	Cwd     string            `yaml:"cwd"`
	Stdin   string            `yaml:"stdin"`
	// Relaunch keeps the process running in the background; every update
	// kills the previous process and starts a new one.
	Relaunch bool `yaml:"relaunch"`
}

// cmdlineChannel launches a shell command per parameter update.
type cmdlineChannel struct {
	name string
	cfg  cmdlineConfig
	log  *logrus.Entry

	mu      sync.Mutex
	running *exec.Cmd
	exited  chan struct{}
}

func newCmdline(spec config.ComponentSpec, _ *registry.Env) (registry.Channel, error) {
	var cfg cmdlineConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Cmdline) == "" {
		return nil, errors.New("cmdline is required")
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &cmdlineChannel{name: spec.Label(), cfg: cfg, log: logrus.WithField("channel", spec.Label())}, nil
}

func (c *cmdlineChannel) Apply(ctx context.Context, snap registry.Snapshot, pub driver.Publisher) error {
	line, err := snap.Scope.Render(c.cfg.Cmdline)
	if err != nil {
		return fmt.Errorf("cmdline: %w", err)
	}
	env, err := snap.Scope.RenderMap(c.cfg.Env)
	if err != nil {
		return fmt.Errorf("env: %w", err)
	}
	cwd, err := snap.Scope.Render(c.cfg.Cwd)
	if err != nil {
		return fmt.Errorf("cwd: %w", err)
	}
	stdin, err := snap.Scope.Render(c.cfg.Stdin)
	if err != nil {
		return fmt.Errorf("stdin: %w", err)
	}

	if c.cfg.Relaunch {
		c.stop()
	}
	cmd := exec.CommandContext(ctx, c.cfg.Shell, "-c", line)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	c.log.Infof("launching: %s", line)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launching %q: %w", line, err)
	}

	post := func(ev driver.Event, set func(driver.TraceSet)) {
		set(snap.Traces)
		pub.Post(ev)
	}
	var readers sync.WaitGroup
	stream := func(r io.Reader, kind string) {
		defer readers.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			ev := &driver.LogLineEvent{Line: scanner.Text(), Source: c.name, Kind: kind}
			post(ev, ev.SetTraces)
		}
	}
	readers.Add(2)
	go stream(stdout, "stdout")
	go stream(stderr, "stderr")

	exited := make(chan struct{})
	wait := func() {
		defer close(exited)
		readers.Wait()
		code := 0
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				c.log.Warnf("waiting for process: %v", err)
			}
			if cmd.ProcessState != nil {
				code = cmd.ProcessState.ExitCode()
			} else {
				code = -1
			}
		}
		c.log.Debugf("process exited with code %d", code)
		ev := driver.NewDomainEvent(ExitEventName, map[string]any{"code": code, "source": c.name})
		post(ev, ev.SetTraces)
	}

	if !c.cfg.Relaunch {
		wait()
		return nil
	}
	c.mu.Lock()
	c.running, c.exited = cmd, exited
	c.mu.Unlock()
	go wait()
	return nil
}

// stop kills the background process, if any, and waits for it to exit.
func (c *cmdlineChannel) stop() {
	c.mu.Lock()
	cmd, exited := c.running, c.exited
	c.running, c.exited = nil, nil
	c.mu.Unlock()
	if cmd == nil {
		return
	}
	select {
	case <-exited:
		return
	default:
	}
	c.log.Infof("stopping previous process %d", cmd.Process.Pid)
	_ = cmd.Process.Kill()
	<-exited
}
