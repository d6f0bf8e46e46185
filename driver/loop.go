package driver

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Publisher is how worker goroutines hand events to the kernel.
type Publisher interface {
	Post(ev Event)
}

// Loop is the single goroutine that owns a Bus. Workers Post events into
// its inbox; the loop publishes them one at a time, together with a
// periodic TickEvent.
type Loop struct {
	bus  *Bus
	tick time.Duration

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}

	ticks    int
	lastTick float64
}

// NewLoop creates a loop for bus. A non-positive tick disables TickEvents.
func NewLoop(bus *Bus, tick time.Duration) *Loop {
	return &Loop{bus: bus, tick: tick, wake: make(chan struct{}, 1)}
}

// Bus returns the bus owned by the loop.
func (l *Loop) Bus() *Bus { return l.bus }

// Post queues ev for publication on the loop goroutine. It never blocks
// and is safe to call from any goroutine.
func (l *Loop) Post(ev Event) {
	l.mu.Lock()
	l.pending = append(l.pending, ev)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run publishes posted events and ticks until done reports true, ctx is
// cancelled, or a handler fails. done is checked after every event.
func (l *Loop) Run(ctx context.Context, done func() bool) error {
	var tickC <-chan time.Time
	if l.tick > 0 {
		ticker := time.NewTicker(l.tick)
		defer ticker.Stop()
		tickC = ticker.C
	}

	if err := l.Drain(); err != nil {
		return err
	}
	for {
		if done != nil && done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			if err := l.Drain(); err != nil {
				return err
			}
		case <-tickC:
			if err := l.Tick(); err != nil {
				return err
			}
		}
	}
}

// Drain publishes every event posted so far. It must be called on the loop
// goroutine. Events posted without traces are stamped with the traces of
// the latest parameter update, unless they opted out with MarkNoTrace.
func (l *Loop) Drain() error {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return nil
		}
		for _, ev := range batch {
			base := ev.base()
			if !base.noTrace && base.traces.IsEmpty() {
				base.traces = l.bus.LastRootTraces()
			}
			if err := l.bus.Publish(ev); err != nil {
				return err
			}
		}
	}
}

// Tick publishes one TickEvent.
func (l *Loop) Tick() error {
	now := l.bus.Now()
	delta := 0.0
	if l.ticks > 0 {
		delta = now - l.lastTick
	}
	l.ticks++
	l.lastTick = now
	ev := &TickEvent{Count: l.ticks, Delta: delta}
	ev.MarkNoTrace()
	ev.SetTimestamp(now)
	logrus.Tracef("tick %d", l.ticks)
	return l.bus.Publish(ev)
}
