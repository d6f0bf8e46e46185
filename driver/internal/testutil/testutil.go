// Package testutil provides shared test infrastructure for the driver
// packages: a controllable clock, an event recorder and a bus wired to both.
package testutil

import (
	"sync"
	"testing"

	"github.com/inference-sim/perfdriver/driver"
)

// Clock is a manually advanced session clock.
type Clock struct {
	mu  sync.Mutex
	now float64
}

// NewClock starts a clock at t seconds.
func NewClock(t float64) *Clock { return &Clock{now: t} }

// Now returns the current time; it is the bus clock function.
func (c *Clock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d seconds.
func (c *Clock) Advance(d float64) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// Set moves the clock to t seconds.
func (c *Clock) Set(t float64) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Recorder captures every event delivered on a bus.
type Recorder struct {
	Events []driver.Event
}

// Record subscribes a new recorder to every event on bus.
func Record(bus *driver.Bus) *Recorder {
	r := &Recorder{}
	bus.Subscribe("*", func(ev driver.Event) error {
		r.Events = append(r.Events, ev)
		return nil
	}, driver.WithLabel("recorder"))
	return r
}

// Named returns the recorded events of one kind, in delivery order.
func (r *Recorder) Named(name string) []driver.Event {
	var out []driver.Event
	for _, ev := range r.Events {
		if ev.Name() == name {
			out = append(out, ev)
		}
	}
	return out
}

// Updates returns the recorded parameter updates.
func (r *Recorder) Updates() []*driver.ParameterUpdateEvent {
	var out []*driver.ParameterUpdateEvent
	for _, ev := range r.Events {
		if pu, ok := ev.(*driver.ParameterUpdateEvent); ok {
			out = append(out, pu)
		}
	}
	return out
}

// Names returns the names of all recorded events.
func (r *Recorder) Names() []string {
	out := make([]string, len(r.Events))
	for i, ev := range r.Events {
		out[i] = ev.Name()
	}
	return out
}

// NewBus returns a bus on a manual clock starting at t=1000.
func NewBus(t *testing.T) (*driver.Bus, *Clock) {
	t.Helper()
	clock := NewClock(1000)
	return driver.NewBus(driver.WithClock(clock.Now)), clock
}

// MustPublish publishes ev and fails the test on error.
func MustPublish(t *testing.T, bus *driver.Bus, ev driver.Event) {
	t.Helper()
	if err := bus.Publish(ev); err != nil {
		t.Fatalf("publish %s: %v", ev.Name(), err)
	}
}

// Domain builds a domain event with fixed traces and timestamp.
func Domain(kind string, ts float64, traces driver.TraceSet, fields map[string]any) *driver.DomainEvent {
	ev := driver.NewDomainEvent(kind, fields)
	ev.SetTraces(traces)
	if ts != 0 {
		ev.SetTimestamp(ts)
	}
	return ev
}

// Posted is a driver.Publisher that keeps what workers post.
type Posted struct {
	mu     sync.Mutex
	events []driver.Event
}

// Post records ev.
func (p *Posted) Post(ev driver.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

// Events returns a copy of the posted events.
func (p *Posted) Events() []driver.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]driver.Event(nil), p.events...)
}

// Named returns the posted events of one kind.
func (p *Posted) Named(name string) []driver.Event {
	var out []driver.Event
	for _, ev := range p.Events() {
		if ev.Name() == name {
			out = append(out, ev)
		}
	}
	return out
}
