package driver

import "github.com/sirupsen/logrus"

// Parameters is the current parameter-value map together with the batch
// of values staged since the last flush. Values set while the bus is
// delivering an event are published as one ParameterUpdateEvent once that
// event settles.
type Parameters struct {
	bus      *Bus
	defaults Values
	current  Values
	staged   Values
}

// NewParameters creates the parameter map for bus, starting from defaults.
func NewParameters(bus *Bus, defaults Values) *Parameters {
	p := &Parameters{
		bus:      bus,
		defaults: defaults.Clone(),
		current:  defaults.Clone(),
		staged:   Values{},
	}
	bus.OnSettle(func(Event) {
		if len(p.staged) == 0 {
			return
		}
		// Publish only queues here; failures surface from the outer Publish.
		_ = p.Commit()
	})
	return p
}

// Current returns a copy of the current values. Staged values are not
// included until they are flushed.
func (p *Parameters) Current() Values { return p.current.Clone() }

// Get returns the current value of one parameter.
func (p *Parameters) Get(name string) (Scalar, bool) {
	v, ok := p.current[name]
	return v, ok
}

// Staged returns a copy of the values waiting for the next flush.
func (p *Parameters) Staged() Values { return p.staged.Clone() }

// Set stages one value for the next flush.
func (p *Parameters) Set(name string, value Scalar) {
	p.staged[name] = value
}

// SetAll stages several values for the next flush.
func (p *Parameters) SetAll(values Values) {
	for k, v := range values {
		p.staged[k] = v
	}
}

// Reset discards staged values and restores the defaults without
// publishing anything. Sessions call it between runs.
func (p *Parameters) Reset() {
	p.current = p.defaults.Clone()
	p.staged = Values{}
}

// Commit flushes the staged values as a ParameterUpdateEvent with a new
// root trace. It is a no-op when nothing is staged.
func (p *Parameters) Commit() error {
	if len(p.staged) == 0 {
		return nil
	}
	previous := p.current
	next := previous.Clone()
	for k, v := range p.staged {
		next[k] = v
	}
	changes := p.staged
	p.staged = Values{}
	p.current = next

	root := p.bus.Registry().Mint(ParameterUpdateEventName)
	ev := &ParameterUpdateEvent{
		Parameters: next.Clone(),
		Previous:   previous.Clone(),
		Changes:    changes,
		Root:       root,
	}
	ev.SetTraces(NewTraceSet(root))
	logrus.Debugf("parameter update #%d: %s", root, changes.Key())
	return p.bus.Publish(ev)
}
