// Package metrics holds the per-phase metric timeseries of a session and
// reduces them to summaries once a phase completes.
package metrics

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/perfdriver/driver"
)

var (
	ErrUnknownPhase  = errors.New("unknown phase")
	ErrUnknownMetric = errors.New("unknown metric")
	ErrPhaseComplete = errors.New("phase already complete")
)

// MetricSpec declares one measured output axis.
type MetricSpec struct {
	Name      string           `yaml:"name"`
	UUID      string           `yaml:"uuid"`
	Units     string           `yaml:"units"`
	Desc      string           `yaml:"desc"`
	Summarize []SummarizerSpec `yaml:"summarize"`
}

// Summarizers returns the configured summarizers, defaulting to mean.
func (m MetricSpec) Summarizers() []SummarizerSpec {
	if len(m.Summarize) == 0 {
		return []SummarizerSpec{{Class: "mean"}}
	}
	return m.Summarize
}

// Validate checks the metric name and its summarizers.
func (m MetricSpec) Validate() error {
	if m.Name == "" {
		return errors.New("metric has no name")
	}
	seen := map[string]bool{}
	for i, s := range m.Summarizers() {
		if !IsValidSummarizer(s.Class) {
			return fmt.Errorf("summarize[%d]: unknown summarizer %q, expected one of %v", i, s.Class, SummarizerClasses())
		}
		if s.Threshold < 0 {
			return fmt.Errorf("summarize[%d]: threshold must be non-negative, got %f", i, s.Threshold)
		}
		if s.Class == "percentile" && (s.P < 0 || s.P > 100) {
			return fmt.Errorf("summarize[%d]: p must be within [0, 100], got %f", i, s.P)
		}
		name := s.DisplayName()
		if seen[name] {
			return fmt.Errorf("summarize[%d]: duplicate summarizer name %q", i, name)
		}
		seen[name] = true
	}
	return nil
}

// Sample is one recorded value.
type Sample struct {
	Timestamp float64 `json:"ts"`
	Value     float64 `json:"value"`
}

// Timeseries is the append-only sample buffer of one metric in one phase.
type Timeseries struct {
	samples []Sample
}

// Len returns the number of samples.
func (t *Timeseries) Len() int { return len(t.samples) }

// Samples returns a copy of the samples in insertion order.
func (t *Timeseries) Samples() []Sample { return append([]Sample(nil), t.samples...) }

// Values returns the sample values in insertion order.
func (t *Timeseries) Values() []float64 {
	out := make([]float64, len(t.samples))
	for i, s := range t.samples {
		out[i] = s.Value
	}
	return out
}

// PhaseID identifies a phase within a Store.
type PhaseID int

// Phase is the interval during which one parameter snapshot is active in
// one run.
type Phase struct {
	ID         PhaseID
	Run        int
	Parameters driver.Values
	Root       driver.TraceID
	Flags      driver.Values
	Started    float64
	Ended      float64

	series    map[string]*Timeseries
	complete  bool
	summaries map[string]map[string]Summary
}

// Complete reports whether the phase was completed.
func (p *Phase) Complete() bool { return p.complete }

// Scope is the trace set events of this phase carry.
func (p *Phase) Scope() driver.TraceSet {
	if p.Root == 0 {
		return driver.TraceSet{}
	}
	return driver.NewTraceSet(p.Root)
}

// Series returns the timeseries of metric, or nil if it is not declared.
func (p *Phase) Series(metric string) *Timeseries { return p.series[metric] }

// Summary returns a computed summary. It is only available once the phase
// is complete.
func (p *Phase) Summary(metric, summarizer string) (Summary, bool) {
	s, ok := p.summaries[metric][summarizer]
	return s, ok
}

// Store owns every phase of a session. Like the bus it belongs to the
// loop goroutine.
type Store struct {
	metrics []MetricSpec
	known   map[string]bool
	phases  []*Phase
	index   map[string]*Phase
	active  *Phase

	onBegin []func(*Phase)
	onEnd   []func(*Phase)
}

// NewStore validates the metric declarations and creates an empty store.
func NewStore(metrics []MetricSpec) (*Store, error) {
	s := &Store{known: map[string]bool{}, index: map[string]*Phase{}}
	for i, m := range metrics {
		if err := m.Validate(); err != nil {
			return nil, &driver.ConfigError{Field: fmt.Sprintf("config.metrics[%d]", i), Err: err}
		}
		if s.known[m.Name] {
			return nil, driver.NewConfigError(fmt.Sprintf("config.metrics[%d]", i), "duplicate metric %q", m.Name)
		}
		s.known[m.Name] = true
		s.metrics = append(s.metrics, m)
	}
	return s, nil
}

// Metrics returns the declared metrics.
func (s *Store) Metrics() []MetricSpec { return s.metrics }

// OnPhaseBegin registers fn to run right after a phase begins.
func (s *Store) OnPhaseBegin(fn func(*Phase)) { s.onBegin = append(s.onBegin, fn) }

// OnPhaseEnd registers fn to run right before a phase completes, while
// samples can still be recorded on it.
func (s *Store) OnPhaseEnd(fn func(*Phase)) { s.onEnd = append(s.onEnd, fn) }

// Active returns the phase currently collecting samples, or nil.
func (s *Store) Active() *Phase { return s.active }

// Phases returns every phase in creation order.
func (s *Store) Phases() []*Phase { return s.phases }

// Phase looks a phase up by id.
func (s *Store) Phase(id PhaseID) (*Phase, bool) {
	if id < 1 || int(id) > len(s.phases) {
		return nil, false
	}
	return s.phases[id-1], true
}

// BeginPhase completes the active phase and opens the phase of (run,
// params). If that phase existed already it is reopened: its samples are
// kept, its summaries are dropped and root becomes its scope.
func (s *Store) BeginPhase(run int, params driver.Values, root driver.TraceID, ts float64) *Phase {
	key := fmt.Sprintf("%d|%s", run, params.Key())
	if s.active != nil {
		if err := s.CompletePhase(s.active.ID, ts); err != nil {
			logrus.Warnf("completing phase %d: %v", s.active.ID, err)
		}
	}

	p, ok := s.index[key]
	if ok {
		logrus.Debugf("reopening phase %d (%s)", p.ID, key)
		p.complete = false
		p.summaries = nil
		p.Root = root
	} else {
		p = &Phase{
			ID:         PhaseID(len(s.phases) + 1),
			Run:        run,
			Parameters: params.Clone(),
			Root:       root,
			Flags:      driver.Values{},
			Started:    ts,
			series:     make(map[string]*Timeseries, len(s.metrics)),
		}
		for _, m := range s.metrics {
			p.series[m.Name] = &Timeseries{}
		}
		s.phases = append(s.phases, p)
		s.index[key] = p
	}
	s.active = p
	for _, fn := range s.onBegin {
		fn(p)
	}
	return p
}

// Record appends a sample to a metric of an open phase.
func (s *Store) Record(id PhaseID, metric string, ts, value float64) error {
	p, ok := s.Phase(id)
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownPhase, id)
	}
	if p.complete {
		return fmt.Errorf("recording %s on phase %d: %w", metric, id, ErrPhaseComplete)
	}
	series, ok := p.series[metric]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownMetric, metric)
	}
	series.samples = append(series.samples, Sample{Timestamp: ts, Value: value})
	return nil
}

// SetFlag sets a flag, such as the policy status, on a phase.
func (s *Store) SetFlag(id PhaseID, name string, value driver.Scalar) error {
	p, ok := s.Phase(id)
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownPhase, id)
	}
	p.Flags[name] = value
	return nil
}

// CompletePhase runs the phase-end listeners, marks the phase complete and
// computes its summaries. Completing a complete phase is a no-op.
func (s *Store) CompletePhase(id PhaseID, ts float64) error {
	p, ok := s.Phase(id)
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownPhase, id)
	}
	if p.complete {
		return nil
	}
	for _, fn := range s.onEnd {
		fn(p)
	}
	p.complete = true
	p.Ended = ts
	if s.active == p {
		s.active = nil
	}

	var errs []error
	p.summaries = make(map[string]map[string]Summary, len(s.metrics))
	for _, m := range s.metrics {
		values := p.series[m.Name].Values()
		byName := make(map[string]Summary, len(m.Summarizers()))
		for _, spec := range m.Summarizers() {
			sum, err := Summarize(values, spec)
			if err != nil {
				errs = append(errs, fmt.Errorf("metric %s: %w", m.Name, err))
				continue
			}
			byName[spec.DisplayName()] = sum
		}
		p.summaries[m.Name] = byName
	}
	logrus.Debugf("phase %d complete (%s)", p.ID, p.Parameters.Key())
	return errors.Join(errs...)
}

// CompleteActive completes the active phase, if any.
func (s *Store) CompleteActive(ts float64) error {
	if s.active == nil {
		return nil
	}
	return s.CompletePhase(s.active.ID, ts)
}
