package metrics

import (
	"encoding/json"
	"sort"

	"github.com/inference-sim/perfdriver/driver"
)

// PhaseResult is the reported view of a completed phase.
type PhaseResult struct {
	ID         PhaseID                       `json:"id"`
	Run        int                           `json:"run"`
	Parameters driver.Values                 `json:"parameters"`
	Flags      driver.Values                 `json:"flags,omitempty"`
	Started    float64                       `json:"started"`
	Ended      float64                       `json:"ended"`
	Summaries  map[string]map[string]Summary `json:"summaries"`
	Samples    map[string][]Sample           `json:"samples,omitempty"`
}

// Value returns the summarized value of metric.summarizer, and false when
// the phase has no such summary.
func (p PhaseResult) Value(metric, summarizer string) (float64, bool) {
	s, ok := p.Summaries[metric][summarizer]
	if !ok {
		return 0, false
	}
	return s.Value, true
}

// RunResult records how one run ended.
type RunResult struct {
	Index    int      `json:"index"`
	Degraded bool     `json:"degraded"`
	Stalled  []string `json:"stalled,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// IndicatorResult is one indicator value for the job and for each run.
type IndicatorResult struct {
	Name  string
	Class string
	Value float64
	Runs  []float64
}

// MarshalJSON renders NaN values as null.
func (r IndicatorResult) MarshalJSON() ([]byte, error) {
	runs := make([]any, len(r.Runs))
	for i, v := range r.Runs {
		runs[i] = jsonFloat(v)
	}
	return json.Marshal(map[string]any{
		"name":  r.Name,
		"class": r.Class,
		"value": jsonFloat(r.Value),
		"runs":  runs,
	})
}

// Results is everything reporters receive at the end of a session.
type Results struct {
	Title      string            `json:"title,omitempty"`
	Meta       driver.Values     `json:"meta,omitempty"`
	Parameters []string          `json:"parameters"`
	Metrics    []MetricSpec      `json:"-"`
	Phases     []PhaseResult     `json:"phases"`
	Runs       []RunResult       `json:"runs"`
	Indicators []IndicatorResult `json:"indicators"`
	Aborted    bool              `json:"aborted"`
}

// Results collects the completed phases. Phases still open are left out.
func (s *Store) Results() *Results {
	res := &Results{Metrics: s.metrics}
	for _, p := range s.phases {
		if !p.complete {
			continue
		}
		pr := PhaseResult{
			ID:         p.ID,
			Run:        p.Run,
			Parameters: p.Parameters.Clone(),
			Flags:      p.Flags.Clone(),
			Started:    p.Started,
			Ended:      p.Ended,
			Summaries:  p.summaries,
			Samples:    make(map[string][]Sample, len(p.series)),
		}
		for name, ts := range p.series {
			pr.Samples[name] = ts.Samples()
		}
		res.Phases = append(res.Phases, pr)
	}
	return res
}

// RunIndices returns the distinct run indices of the phases, ascending.
func (r *Results) RunIndices() []int {
	seen := map[int]bool{}
	var out []int
	for _, p := range r.Phases {
		if !seen[p.Run] {
			seen[p.Run] = true
			out = append(out, p.Run)
		}
	}
	sort.Ints(out)
	return out
}

// PhasesOfRun returns the phases of one run in order.
func (r *Results) PhasesOfRun(run int) []PhaseResult {
	var out []PhaseResult
	for _, p := range r.Phases {
		if p.Run == run {
			out = append(out, p)
		}
	}
	return out
}

// SummaryColumns lists every metric.summarizer pair, in declaration order.
func (r *Results) SummaryColumns() [][2]string {
	var out [][2]string
	for _, m := range r.Metrics {
		for _, s := range m.Summarizers() {
			out = append(out, [2]string{m.Name, s.DisplayName()})
		}
	}
	return out
}
