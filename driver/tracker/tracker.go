// Package tracker holds the built-in trackers, which turn bus events into
// metric samples of the active phase.
package tracker

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/filter"
	"github.com/inference-sim/perfdriver/driver/metrics"
	"github.com/inference-sim/perfdriver/driver/registry"
)

// binding is a filter whose sessions are restarted for every phase.
type binding struct {
	filter  *filter.Filter
	onMatch func(p *metrics.Phase, ev driver.Event)
	session *filter.Session
}

// phased is the common part of every tracker: it follows the store's
// phases and feeds bus events to per-phase filter sessions.
type phased struct {
	name     string
	store    *metrics.Store
	log      *logrus.Entry
	bindings []*binding
	phase    *metrics.Phase
	onEnd    func(p *metrics.Phase)
}

func newPhased(name string, env *registry.Env) *phased {
	return &phased{name: name, store: env.Store, log: logrus.WithField("tracker", name)}
}

// bind compiles expr and calls onMatch for every selected event of the
// active phase.
func (t *phased) bind(expr string, onMatch func(p *metrics.Phase, ev driver.Event)) error {
	f, err := filter.Compile(expr)
	if err != nil {
		return err
	}
	t.bindings = append(t.bindings, &binding{filter: f, onMatch: onMatch})
	return nil
}

// attach subscribes the tracker to every event. Tracker failures never
// stop the session.
func (t *phased) attach(bus *driver.Bus) {
	bus.Subscribe("*", t.handle, driver.BestEffort(), driver.WithLabel("tracker:"+t.name))
}

func (t *phased) handle(ev driver.Event) error {
	if t.phase == nil {
		return nil
	}
	for _, b := range t.bindings {
		b.session.Handle(ev)
	}
	return nil
}

// BeginPhase opens sessions scoped to the phase's root trace.
func (t *phased) BeginPhase(p *metrics.Phase) {
	t.phase = p
	for _, b := range t.bindings {
		b := b
		b.session = b.filter.StartIn(p.Scope(), func(ev driver.Event) { b.onMatch(p, ev) })
	}
}

// EndPhase delivers pending :last matches and runs the tracker's own end
// of phase work.
func (t *phased) EndPhase(p *metrics.Phase) {
	if t.phase != p {
		return
	}
	for _, b := range t.bindings {
		b.session.Finalize()
	}
	if t.onEnd != nil {
		t.onEnd(p)
	}
	t.phase = nil
}

func (t *phased) record(p *metrics.Phase, metric string, ts, value float64) {
	if err := t.store.Record(p.ID, metric, ts, value); err != nil {
		t.log.Warnf("recording %s: %v", metric, err)
	}
}

func checkMetric(store *metrics.Store, name string) error {
	if name == "" {
		return fmt.Errorf("metric is required")
	}
	if store == nil {
		return nil
	}
	for _, m := range store.Metrics() {
		if m.Name == name {
			return nil
		}
	}
	return fmt.Errorf("metric %q is not declared in config.metrics", name)
}
