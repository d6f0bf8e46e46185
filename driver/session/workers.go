package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/registry"
)

// channelWorker applies snapshots to one channel, in dispatch order, on
// its own goroutine.
type channelWorker struct {
	name    string
	channel registry.Channel
	trigger driver.Trigger
	log     *logrus.Entry

	mu    sync.Mutex
	queue []registry.Snapshot
	wake  chan struct{}
}

func newChannelWorker(name string, ch registry.Channel, trigger driver.Trigger) *channelWorker {
	return &channelWorker{
		name:    name,
		channel: ch,
		trigger: trigger,
		log:     logrus.WithField("channel", name),
		wake:    make(chan struct{}, 1),
	}
}

// enqueue never blocks; it is called from the loop goroutine.
func (w *channelWorker) enqueue(snap registry.Snapshot) {
	w.mu.Lock()
	w.queue = append(w.queue, snap)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *channelWorker) run(ctx context.Context, pub driver.Publisher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		}
		for {
			w.mu.Lock()
			batch := w.queue
			w.queue = nil
			w.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, snap := range batch {
				if ctx.Err() != nil {
					return nil
				}
				w.apply(ctx, snap, pub)
			}
		}
	}
}

// apply turns a failure into an ErrorEvent of the update's trace.
func (w *channelWorker) apply(ctx context.Context, snap registry.Snapshot, pub driver.Publisher) {
	w.log.Debugf("applying %s", snap.Changes.Key())
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return w.channel.Apply(ctx, snap, pub)
	}()
	if err == nil || ctx.Err() != nil {
		return
	}
	w.log.Warnf("apply failed: %v", err)
	ev := &driver.ErrorEvent{Source: w.name, Message: err.Error()}
	ev.SetTraces(snap.Traces)
	pub.Post(ev)
}

// startWorkers launches the channel workers and the observers.
func (s *Session) startWorkers() {
	for _, w := range s.channels {
		w := w
		s.workers.Go(func() error { return w.run(s.wctx, s.loop) })
	}
	for _, o := range s.observers {
		o := o
		s.workers.Go(func() error {
			logrus.Debugf("observer %s starting", o.name)
			if err := o.impl.Start(s.wctx, s.loop); err != nil && s.wctx.Err() == nil {
				logrus.Warnf("observer %s stopped: %v", o.name, err)
				s.loop.Post(&driver.ErrorEvent{Source: o.name, Message: err.Error()})
			}
			return nil
		})
	}
}

// applyAtStart applies the atstart channels once, with the default
// values, before the first run.
func (s *Session) applyAtStart(ctx context.Context) {
	current := s.params.Current()
	snap := s.snapshot(current, current, driver.TraceSet{})
	for _, w := range s.channels {
		if w.trigger.AtStart {
			w.apply(ctx, snap, s.loop)
		}
	}
}

func (s *Session) snapshot(params, changes driver.Values, traces driver.TraceSet) registry.Snapshot {
	return registry.Snapshot{
		Run:        s.run,
		Parameters: params.Clone(),
		Changes:    changes.Clone(),
		Traces:     traces,
		Scope:      s.env.Scope(params),
	}
}

// onParameterUpdate opens the phase of the new values and dispatches one
// shared snapshot to every channel whose trigger fires.
func (s *Session) onParameterUpdate(ev driver.Event) error {
	pu := ev.(*driver.ParameterUpdateEvent)
	s.store.BeginPhase(s.run, pu.Parameters, pu.Root, pu.Timestamp())

	var snap *registry.Snapshot
	for _, w := range s.channels {
		if !w.trigger.ShouldFire(pu) {
			continue
		}
		if snap == nil {
			sn := s.snapshot(pu.Parameters, pu.Changes, pu.Traces())
			snap = &sn
		}
		w.enqueue(*snap)
	}
	return nil
}

func (s *Session) onFlag(ev driver.Event) error {
	fu := ev.(*driver.FlagUpdateEvent)
	p := s.store.Active()
	if p == nil {
		logrus.Debugf("flag %s outside any phase", fu.Flag)
		return nil
	}
	return s.store.SetFlag(p.ID, fu.Flag, fu.Value)
}

// onStalled marks the phase that was active when a policy went stale.
func (s *Session) onStalled(ev driver.Event) error {
	st := ev.(*driver.StalledEvent)
	if p := s.store.Active(); p != nil {
		return s.store.SetFlag(p.ID, "stalled", st.Policy)
	}
	return nil
}

// onRunTask runs the tasks bound to the requested name on a worker and
// answers with a RunTaskCompletedEvent in the request's trace.
func (s *Session) onRunTask(ev driver.Event) error {
	rt := ev.(*driver.RunTaskEvent)
	if s.workers == nil {
		return fmt.Errorf("task %s requested outside a running session", rt.Task)
	}
	tasks := s.tasks[rt.Task]
	traces := rt.Traces()
	scope := s.env.Scope(s.params.Current())
	s.workers.Go(func() error {
		var err error
		for _, t := range tasks {
			if err = t.impl.Run(s.wctx, scope); err != nil {
				logrus.Warnf("task %s (%s): %v", t.name, rt.Task, err)
				err = fmt.Errorf("task %s: %w", t.name, err)
				break
			}
		}
		done := &driver.RunTaskCompletedEvent{Task: rt.Task, Err: err}
		done.SetTraces(traces)
		s.loop.Post(done)
		return nil
	})
	return nil
}
