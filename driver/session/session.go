// Package session runs a configured job. It builds every component from a
// config.Config, drives the event loop through each run and hands the
// collected results to the reporters.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/fsm"
	"github.com/inference-sim/perfdriver/driver/indicator"
	"github.com/inference-sim/perfdriver/driver/metrics"
	"github.com/inference-sim/perfdriver/driver/registry"
)

// Task trigger names the session runs on its own. Any other name is run
// when a policy asks for it.
const (
	AtSetup     = "setup"
	AtPretest   = "pretest"
	AtIntertest = "intertest"
	AtPosttest  = "posttest"
	AtTeardown  = "teardown"
)

// Options adjust a session beyond its configuration file.
type Options struct {
	// Runs overrides config.runs when positive.
	Runs int
	// Meta is merged over config.meta.
	Meta driver.Values
	// Clock replaces the wall clock. It returns seconds.
	Clock func() float64
}

type named[T any] struct {
	name string
	impl T
}

// Session owns the bus and every component of one job. It is not safe
// for concurrent use; Run must be called once.
type Session struct {
	cfg  *config.Config
	runs int

	bus    *driver.Bus
	loop   *driver.Loop
	params *driver.Parameters
	store  *metrics.Store
	env    *registry.Env

	machines   []*fsm.Machine
	channels   []*channelWorker
	observers  []named[registry.Observer]
	trackers   []named[registry.Tracker]
	tasks      map[string][]named[registry.Task]
	reporters  []named[registry.Reporter]
	indicators []*indicator.Indicator

	run     int
	results []metrics.RunResult
	workers *errgroup.Group
	wctx    context.Context
}

// New builds a session from cfg. Every error it returns is a
// driver.ConfigError naming the offending field.
func New(cfg *config.Config, opts Options) (*Session, error) {
	if len(cfg.Policies) == 0 {
		return nil, driver.NewConfigError("policies", "at least one policy is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = driver.WallClock
	}
	store, err := metrics.NewStore(cfg.Global.Metrics)
	if err != nil {
		return nil, &driver.ConfigError{Field: "config.metrics", Err: err}
	}
	meta := cfg.Meta()
	for k, v := range opts.Meta {
		meta[k] = v
	}
	runs := cfg.Global.Runs
	if opts.Runs > 0 {
		runs = opts.Runs
	}

	bus := driver.NewBus(driver.WithClock(clock))
	s := &Session{
		cfg:    cfg,
		runs:   runs,
		bus:    bus,
		loop:   driver.NewLoop(bus, cfg.Global.TickInterval.Std()),
		params: driver.NewParameters(bus, cfg.ParameterDefaults()),
		store:  store,
		tasks:  map[string][]named[registry.Task]{},
	}
	s.env = &registry.Env{
		Bus:         bus,
		Store:       store,
		Parameters:  cfg.ParameterNames(),
		Definitions: cfg.Definitions,
		Meta:        meta,
	}

	// Phases open before trackers and policies see an update.
	bus.Subscribe(driver.ParameterUpdateEventName, s.onParameterUpdate, driver.WithLabel("session:update"))
	bus.Subscribe(driver.FlagUpdateEventName, s.onFlag, driver.WithLabel("session:flag"))
	bus.Subscribe(driver.StalledEventName, s.onStalled, driver.WithLabel("session:stalled"))
	bus.Subscribe(driver.RunTaskEventName, s.onRunTask, driver.WithLabel("session:tasks"))

	for _, build := range []func() error{
		s.buildTasks, s.buildTrackers, s.buildChannels, s.buildObservers,
		s.buildPolicies, s.buildReporters, s.buildIndicators,
	} {
		if err := build(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) buildTasks() error {
	for i, spec := range s.cfg.Tasks {
		if spec.At == "" {
			return driver.NewConfigError(fmt.Sprintf("tasks[%d].at", i), "a trigger name is required")
		}
		t, err := registry.NewTask(i, spec, s.env)
		if err != nil {
			return err
		}
		s.tasks[spec.At] = append(s.tasks[spec.At], named[registry.Task]{spec.Label(), t})
	}
	return nil
}

func (s *Session) buildTrackers() error {
	for i, spec := range s.cfg.Trackers {
		t, err := registry.NewTracker(i, spec, s.env)
		if err != nil {
			return err
		}
		s.store.OnPhaseBegin(t.BeginPhase)
		s.store.OnPhaseEnd(t.EndPhase)
		s.trackers = append(s.trackers, named[registry.Tracker]{spec.Label(), t})
	}
	return nil
}

func (s *Session) buildChannels() error {
	for i, spec := range s.cfg.Channels {
		ch, err := registry.NewChannel(i, spec, s.env)
		if err != nil {
			return err
		}
		trigger, err := registry.TriggerOf(spec, s.env)
		if err != nil {
			return &driver.ConfigError{Field: fmt.Sprintf("channels[%d].trigger", i), Err: err}
		}
		if !trigger.Automatic() && !trigger.AtStart {
			return driver.NewConfigError(fmt.Sprintf("channels[%d]", i),
				"%s reacts to no parameter: list parameters, reference one in a macro or set atstart", spec.Label())
		}
		logrus.Debugf("channel %s: trigger %s on %v", spec.Label(), trigger.Mode, trigger.InterestNames())
		s.channels = append(s.channels, newChannelWorker(spec.Label(), ch, trigger))
	}
	return nil
}

func (s *Session) buildObservers() error {
	for i, spec := range s.cfg.Observers {
		o, err := registry.NewObserver(i, spec, s.env)
		if err != nil {
			return err
		}
		s.observers = append(s.observers, named[registry.Observer]{spec.Label(), o})
	}
	return nil
}

func (s *Session) buildPolicies() error {
	for i, spec := range s.cfg.Policies {
		def, err := registry.NewPolicy(i, spec, s.env)
		if err != nil {
			return err
		}
		m, err := fsm.New(def, fsm.Options{
			Parameters:   s.params,
			Definitions:  s.env.Definitions.Merged(),
			StaleTimeout: s.cfg.Global.StaleTimeout.Std(),
			HasTask:      func(name string) bool { return len(s.tasks[name]) > 0 },
		})
		if err != nil {
			return &driver.ConfigError{Field: fmt.Sprintf("policies[%d]", i), Err: err}
		}
		m.Attach(s.bus)
		s.machines = append(s.machines, m)
	}
	return nil
}

func (s *Session) buildReporters() error {
	for i, spec := range s.cfg.Reporters {
		r, err := registry.NewReporter(i, spec, s.env)
		if err != nil {
			return err
		}
		s.reporters = append(s.reporters, named[registry.Reporter]{spec.Label(), r})
	}
	return nil
}

func (s *Session) buildIndicators() error {
	for i, c := range s.cfg.Global.Indicators {
		ind, err := indicator.New(c)
		if err != nil {
			return &driver.ConfigError{Field: fmt.Sprintf("config.indicators[%d]", i), Err: err}
		}
		s.indicators = append(s.indicators, ind)
	}
	return nil
}

// Bus returns the session bus.
func (s *Session) Bus() *driver.Bus { return s.bus }

// Run executes every run of the job and reports the results. It returns
// the results even when it fails. The error wraps driver.ErrAborted when
// the session was interrupted, or the fatal handler error that stopped it.
func (s *Session) Run(ctx context.Context) (*metrics.Results, error) {
	start := time.Now()
	logrus.Infof("session %q: %d run(s), %d policies, %d channels, %d observers, %d trackers",
		s.cfg.Global.Title, s.runs, len(s.machines), len(s.channels), len(s.observers), len(s.trackers))

	wctx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	s.workers, s.wctx = errgroup.WithContext(wctx)

	aborted := false
	var fatal error
	if err := s.runTasks(ctx, AtSetup); err != nil {
		fatal = fmt.Errorf("setup: %w", err)
	}

	if fatal == nil {
		s.startWorkers()
		s.applyAtStart(ctx)
		for s.run = 0; s.run < s.runs; s.run++ {
			res, err := s.runOnce(ctx)
			s.results = append(s.results, res)
			if err != nil {
				if ctx.Err() != nil {
					aborted = true
				} else {
					fatal = err
				}
				break
			}
		}
	}

	if aborted {
		s.interrupt()
	}
	if err := s.teardown(ctx, aborted, stopWorkers); err != nil {
		if errors.Is(err, driver.ErrAborted) {
			aborted = true
		} else if fatal == nil {
			fatal = err
		}
	}

	res := s.collect(aborted)
	if err := s.report(ctx, res); err != nil && fatal == nil {
		fatal = err
	}
	logrus.Infof("session done in %s: %d phases", time.Since(start).Round(time.Millisecond), len(res.Phases))

	switch {
	case fatal != nil:
		return res, fatal
	case aborted:
		return res, fmt.Errorf("%w: %v", driver.ErrAborted, context.Cause(ctx))
	}
	return res, nil
}

// runOnce drives one run until every policy is terminal.
func (s *Session) runOnce(ctx context.Context) (metrics.RunResult, error) {
	res := metrics.RunResult{Index: s.run}
	log := logrus.WithField("run", s.run)
	log.Info("run starting")

	s.params.Reset()
	for _, m := range s.machines {
		if err := m.Reset(); err != nil {
			res.Error = err.Error()
			return res, err
		}
	}
	if err := s.runTasks(ctx, AtPretest); err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("pretest: %w", err)
	}

	var start driver.Event
	if s.run == 0 {
		ev := &driver.StartEvent{Run: s.run}
		ev.MarkNoTrace()
		start = ev
	} else {
		ev := &driver.RestartEvent{Run: s.run}
		ev.MarkNoTrace()
		start = ev
	}

	err := s.bus.Publish(start)
	if err == nil {
		err = s.loop.Run(ctx, s.allTerminal)
	}
	if cerr := s.store.CompleteActive(s.bus.Now()); cerr != nil {
		log.Debugf("completing phase: %v", cerr)
	}
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	for _, m := range s.machines {
		if m.Stale() {
			res.Degraded = true
			res.Stalled = append(res.Stalled, m.Name())
		}
	}
	if res.Degraded {
		res.Error = fmt.Errorf("%w: %v", driver.ErrStalePhase, res.Stalled).Error()
		log.Warnf("run degraded: %s", res.Error)
	}

	if err := s.runTasks(ctx, AtPosttest); err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("posttest: %w", err)
	}
	log.Info("run finished")
	return res, nil
}

func (s *Session) allTerminal() bool {
	for _, m := range s.machines {
		if !m.Terminal() {
			return false
		}
	}
	return true
}

// interrupt tells every component that the session is being aborted.
func (s *Session) interrupt() {
	logrus.Warn("interrupted, stopping")
	ev := &driver.InterruptEvent{Reason: "interrupted"}
	ev.MarkNoTrace()
	if err := s.bus.Publish(ev); err != nil {
		logrus.Errorf("publishing interrupt: %v", err)
	}
	if err := s.store.CompleteActive(s.bus.Now()); err != nil {
		logrus.Debugf("completing phase: %v", err)
	}
}

// teardown stops the workers and runs the teardown tasks. It returns
// driver.ErrAborted when workers do not stop within the grace period.
func (s *Session) teardown(ctx context.Context, aborted bool, stopWorkers context.CancelFunc) error {
	grace := s.cfg.Global.InterruptGrace.Std()
	ev := &driver.TeardownEvent{}
	ev.MarkNoTrace()
	var errs []error
	if err := s.bus.Publish(ev); err != nil {
		errs = append(errs, err)
	}

	tctx := context.WithoutCancel(ctx)
	if aborted {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(tctx, grace)
		defer cancel()
	}
	if err := s.runTasks(tctx, AtTeardown); err != nil {
		errs = append(errs, fmt.Errorf("teardown: %w", err))
	}

	stopWorkers()
	done := make(chan error, 1)
	go func() { done <- s.workers.Wait() }()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.Warnf("worker stopped with: %v", err)
		}
	case <-timer.C:
		logrus.Errorf("workers did not stop within %s, forcing teardown", grace)
		errs = append(errs, fmt.Errorf("%w: workers did not stop within %s", driver.ErrAborted, grace))
	}
	// Flush what the workers posted on their way out.
	if err := s.loop.Drain(); err != nil {
		logrus.Debugf("late events: %v", err)
	}
	return errors.Join(errs...)
}

func (s *Session) collect(aborted bool) *metrics.Results {
	res := s.store.Results()
	res.Title = s.cfg.Global.Title
	res.Meta = s.env.Meta.Clone()
	res.Parameters = s.cfg.ParameterNames()
	res.Runs = s.results
	res.Aborted = aborted
	for _, ind := range s.indicators {
		res.Indicators = append(res.Indicators, ind.Evaluate(res))
	}
	return res
}

// report runs every reporter even after a failure; reporting is not
// cancelled by an interrupt.
func (s *Session) report(ctx context.Context, res *metrics.Results) error {
	rctx := context.WithoutCancel(ctx)
	var errs []error
	for _, r := range s.reporters {
		if err := r.impl.Report(rctx, res); err != nil {
			logrus.Errorf("reporter %s: %v", r.name, err)
			errs = append(errs, fmt.Errorf("reporter %s: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}

// runTasks runs the tasks bound to at, in declaration order, and stops at
// the first failure.
func (s *Session) runTasks(ctx context.Context, at string) error {
	tasks := s.tasks[at]
	if len(tasks) == 0 {
		return nil
	}
	scope := s.env.Scope(s.params.Current())
	for _, t := range tasks {
		logrus.Debugf("task %s (%s)", t.name, at)
		if err := t.impl.Run(ctx, scope); err != nil {
			return fmt.Errorf("task %s: %w", t.name, err)
		}
	}
	return nil
}
