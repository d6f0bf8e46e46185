package tracker

import (
	"errors"
	"fmt"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/metrics"
	"github.com/inference-sim/perfdriver/driver/registry"
)

// extract maps one event field to a metric.
type extract struct {
	Field  string `yaml:"field"`
	Metric string `yaml:"metric"`
}

type eventConfig struct {
	Events  string    `yaml:"events"`
	Extract []extract `yaml:"extract"`
}

// newEvent builds a tracker that records fields of matching events.
func newEvent(spec config.ComponentSpec, env *registry.Env) (registry.Tracker, error) {
	var cfg eventConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Extract) == 0 {
		return nil, errors.New("extract: at least one field is required")
	}
	for i, x := range cfg.Extract {
		if x.Field == "" {
			return nil, fmt.Errorf("extract[%d]: field is required", i)
		}
		if err := checkMetric(env.Store, x.Metric); err != nil {
			return nil, fmt.Errorf("extract[%d]: %w", i, err)
		}
	}
	t := newPhased(spec.Label(), env)
	err := t.bind(cfg.Events, func(p *metrics.Phase, ev driver.Event) {
		for _, x := range cfg.Extract {
			raw, ok := ev.Field(x.Field)
			if !ok {
				t.log.Debugf("%s has no field %s", ev.Name(), x.Field)
				continue
			}
			v, ok := driver.ToFloat(raw)
			if !ok {
				t.log.Warnf("%s.%s is not a number: %v", ev.Name(), x.Field, raw)
				continue
			}
			t.record(p, x.Metric, ev.Timestamp(), v)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	t.attach(env.Bus)
	return t, nil
}

type countConfig struct {
	Events string `yaml:"events"`
	Metric string `yaml:"metric"`
}

// newCount builds a tracker recording how many events matched per phase.
func newCount(spec config.ComponentSpec, env *registry.Env) (registry.Tracker, error) {
	var cfg countConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := checkMetric(env.Store, cfg.Metric); err != nil {
		return nil, err
	}
	t := newPhased(spec.Label(), env)
	count := 0
	if err := t.bind(cfg.Events, func(*metrics.Phase, driver.Event) { count++ }); err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	t.onEnd = func(p *metrics.Phase) {
		t.record(p, cfg.Metric, p.Started, float64(count))
		count = 0
	}
	t.attach(env.Bus)
	return t, nil
}

type durationConfig struct {
	Metric string `yaml:"metric"`
	Events struct {
		Start string `yaml:"start"`
		End   string `yaml:"end"`
	} `yaml:"events"`
}

// newDuration builds a tracker recording the time between a start match
// and an end match. Starts and ends pair first-in, first-out, so
// overlapping requests each get their own duration. Without a start filter
// the phase start is used.
func newDuration(spec config.ComponentSpec, env *registry.Env) (registry.Tracker, error) {
	var cfg durationConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := checkMetric(env.Store, cfg.Metric); err != nil {
		return nil, err
	}
	if cfg.Events.End == "" {
		return nil, errors.New("events.end is required")
	}
	t := newPhased(spec.Label(), env)
	var pending []float64
	if cfg.Events.Start != "" {
		err := t.bind(cfg.Events.Start, func(_ *metrics.Phase, ev driver.Event) {
			pending = append(pending, ev.Timestamp())
		})
		if err != nil {
			return nil, fmt.Errorf("events.start: %w", err)
		}
	}
	err := t.bind(cfg.Events.End, func(p *metrics.Phase, ev driver.Event) {
		switch {
		case len(pending) > 0:
			t.record(p, cfg.Metric, ev.Timestamp(), ev.Timestamp()-pending[0])
			pending = pending[1:]
		case cfg.Events.Start == "":
			t.record(p, cfg.Metric, ev.Timestamp(), ev.Timestamp()-p.Started)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("events.end: %w", err)
	}
	t.onEnd = func(*metrics.Phase) { pending = nil }
	t.attach(env.Bus)
	return t, nil
}
