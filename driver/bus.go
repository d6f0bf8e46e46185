package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler receives one delivered event. A returned error (or a panic) is
// logged and reported to the publisher after every other handler ran.
type Handler func(Event) error

// Subscription is the handle returned by Bus.Subscribe.
type Subscription struct {
	id         uint64
	name       string
	label      string
	bestEffort bool
	handler    Handler
	closed     bool
}

// Label returns the diagnostic name of the subscription.
func (s *Subscription) Label() string { return s.label }

// SubscribeOption customizes a subscription.
type SubscribeOption func(*Subscription)

// BestEffort marks a handler whose failures are logged but never surfaced
// to the publisher.
func BestEffort() SubscribeOption {
	return func(s *Subscription) { s.bestEffort = true }
}

// WithLabel names the handler in logs and errors.
func WithLabel(label string) SubscribeOption {
	return func(s *Subscription) { s.label = label }
}

// Bus is the synchronous publish/subscribe channel at the center of a
// session. It is not safe for concurrent use: it belongs to the goroutine
// running the Loop.
type Bus struct {
	registry *TraceRegistry
	clock    func() float64

	subs   []*Subscription
	nextID uint64

	queue       []Event
	dispatching bool
	current     Event
	settle      []func(cause Event)

	lastRoot TraceSet
}

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithClock replaces the wall clock used to stamp event timestamps.
func WithClock(clock func() float64) BusOption {
	return func(b *Bus) { b.clock = clock }
}

// WallClock returns the current Unix time in seconds.
func WallClock() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// NewBus creates a Bus with its own trace registry.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{registry: NewTraceRegistry(), clock: WallClock}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the trace registry owned by the bus.
func (b *Bus) Registry() *TraceRegistry { return b.registry }

// Now reads the bus clock.
func (b *Bus) Now() float64 { return b.clock() }

// LastRootTraces returns the traces of the most recently delivered
// ParameterUpdateEvent.
func (b *Bus) LastRootTraces() TraceSet { return b.lastRoot }

// Subscribe registers h for events named name, or for every event when
// name is "*". Handlers run in registration order.
func (b *Bus) Subscribe(name string, h Handler, opts ...SubscribeOption) *Subscription {
	b.nextID++
	s := &Subscription{id: b.nextID, name: name, handler: h}
	for _, opt := range opts {
		opt(s)
	}
	if s.label == "" {
		s.label = fmt.Sprintf("%s#%d", name, s.id)
	}
	b.subs = append(b.subs, s)
	return s
}

// Unsubscribe removes s. It is safe to call from inside a handler, and the
// removed handler is not called again even for the event being delivered.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// OnSettle registers fn to run after each event has been delivered to all
// of its handlers. Events fn publishes are caused by that event.
func (b *Bus) OnSettle(fn func(cause Event)) {
	b.settle = append(b.settle, fn)
}

// Publish stamps ev and delivers it. When called from inside a handler the
// event is queued and delivered once the current event is done, so
// handlers are never pre-empted; the returned error is then always nil
// and failures surface from the outermost Publish.
//
// An event published while another is being delivered inherits the traces
// of that event unless it was marked NoTrace.
func (b *Bus) Publish(ev Event) error {
	if err := b.stamp(ev); err != nil {
		return err
	}
	b.queue = append(b.queue, ev)
	if b.dispatching {
		return nil
	}

	b.dispatching = true
	defer func() {
		b.dispatching = false
		b.current = nil
	}()

	var errs []error
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]

		b.current = next
		if pu, ok := next.(*ParameterUpdateEvent); ok {
			b.lastRoot = pu.Traces()
		}
		errs = append(errs, b.deliver(next)...)
		for _, fn := range b.settle {
			fn(next)
		}
		b.current = nil
	}
	return errors.Join(errs...)
}

func (b *Bus) stamp(ev Event) error {
	base := ev.base()
	if base.stamped {
		return fmt.Errorf("event %s published twice", ev.Name())
	}
	base.stamped = true
	if base.ts == 0 {
		base.ts = b.clock()
	}
	if !base.noTrace && b.current != nil {
		base.traces = base.traces.Union(b.current.Traces())
	}
	b.registry.observe(base.traces)
	return nil
}

func (b *Bus) deliver(ev Event) []error {
	subs := append([]*Subscription(nil), b.subs...)
	var errs []error
	for _, s := range subs {
		if s.closed || (s.name != "*" && s.name != ev.Name()) {
			continue
		}
		err := b.invoke(s, ev)
		if err == nil {
			continue
		}
		herr := &HandlerError{Event: ev.Name(), Handler: s.label, Traces: ev.Traces(), Err: err}
		entry := logrus.WithFields(logrus.Fields{"handler": s.label, "event": ev.Name()})
		if s.bestEffort {
			entry.Warnf("best-effort handler failed: %v", err)
			continue
		}
		entry.Errorf("handler failed: %v", err)
		errs = append(errs, herr)
	}
	return errs
}

func (b *Bus) invoke(s *Subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(ev)
}
