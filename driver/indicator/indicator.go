// Package indicator reduces the summaries of a metric across all phases of
// a run, or of a whole job, to one normalized scalar.
package indicator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/metrics"
)

// Config declares one indicator.
type Config struct {
	Name  string `yaml:"name"`
	Class string `yaml:"class"`
	// Metric is "metric.summarizer".
	Metric string `yaml:"metric"`
	// NormalizeTo is an expression over the phase parameters, usually just
	// a parameter name. Empty means no normalization.
	NormalizeTo string `yaml:"normalizeto"`
	Units       string `yaml:"units"`
}

// Reducer folds per-phase ratios into the indicator value. It is never
// called with an empty slice.
type Reducer func(values []float64) float64

type reducer = Reducer

var reducers = map[string]reducer{
	"normalized_mean": func(v []float64) float64 {
		sum := 0.0
		for _, x := range v {
			sum += x
		}
		return sum / float64(len(v))
	},
	"normalized_min": func(v []float64) float64 {
		out := math.Inf(1)
		for _, x := range v {
			if math.IsNaN(x) {
				return x
			}
			out = math.Min(out, x)
		}
		return out
	},
	"normalized_max": func(v []float64) float64 {
		out := math.Inf(-1)
		for _, x := range v {
			if math.IsNaN(x) {
				return x
			}
			out = math.Max(out, x)
		}
		return out
	},
}

// Register adds an indicator class. It panics when the class exists.
func Register(class string, r Reducer) {
	if _, ok := reducers[class]; ok {
		panic(fmt.Sprintf("indicator class %q registered twice", class))
	}
	reducers[class] = r
}

// Classes returns the registered indicator classes.
func Classes() []string {
	out := make([]string, 0, len(reducers))
	for k := range reducers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Indicator is a compiled indicator.
type Indicator struct {
	cfg        Config
	metric     string
	summarizer string
	normalize  *vm.Program
	reduce     reducer
}

// New compiles cfg. The class defaults to normalized_mean.
func New(cfg Config) (*Indicator, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("indicator has no name")
	}
	if cfg.Class == "" {
		cfg.Class = "normalized_mean"
	}
	red, ok := reducers[cfg.Class]
	if !ok {
		return nil, fmt.Errorf("indicator %s: unknown class %q, expected one of %v", cfg.Name, cfg.Class, Classes())
	}
	metric, summarizer, ok := strings.Cut(cfg.Metric, ".")
	if !ok || metric == "" || summarizer == "" {
		return nil, fmt.Errorf("indicator %s: metric must be <metric>.<summarizer>, got %q", cfg.Name, cfg.Metric)
	}
	ind := &Indicator{cfg: cfg, metric: metric, summarizer: summarizer, reduce: red}
	if cfg.NormalizeTo != "" {
		prog, err := expr.Compile(cfg.NormalizeTo, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("indicator %s: normalizeto %q: %w", cfg.Name, cfg.NormalizeTo, err)
		}
		ind.normalize = prog
	}
	return ind, nil
}

// Name returns the indicator name.
func (ind *Indicator) Name() string { return ind.cfg.Name }

// Class returns the indicator class.
func (ind *Indicator) Class() string { return ind.cfg.Class }

// Metric returns the metric and summarizer the indicator reads.
func (ind *Indicator) Metric() (metric, summarizer string) { return ind.metric, ind.summarizer }

// Compute reduces the normalized value of every phase. A phase without the
// summary, or whose normalization is zero, missing or not a number, makes
// the result NaN. No phases also yields NaN.
func (ind *Indicator) Compute(phases []metrics.PhaseResult) float64 {
	if len(phases) == 0 {
		return math.NaN()
	}
	ratios := make([]float64, len(phases))
	for i, p := range phases {
		ratios[i] = ind.ratio(p)
	}
	return ind.reduce(ratios)
}

func (ind *Indicator) ratio(p metrics.PhaseResult) float64 {
	v, ok := p.Value(ind.metric, ind.summarizer)
	if !ok {
		return math.NaN()
	}
	if ind.normalize == nil {
		return v
	}
	env := make(map[string]any, len(p.Parameters))
	for k, val := range p.Parameters {
		env[k] = val
	}
	out, err := expr.Run(ind.normalize, env)
	if err != nil || out == nil {
		return math.NaN()
	}
	d, ok := driver.ToFloat(out)
	if !ok || d == 0 {
		return math.NaN()
	}
	return v / d
}

// Evaluate computes the indicator for every run and for the whole job.
// The job value reduces the per-run values.
func (ind *Indicator) Evaluate(res *metrics.Results) metrics.IndicatorResult {
	out := metrics.IndicatorResult{Name: ind.cfg.Name, Class: ind.cfg.Class}
	for _, run := range res.RunIndices() {
		out.Runs = append(out.Runs, ind.Compute(res.PhasesOfRun(run)))
	}
	if len(out.Runs) == 0 {
		out.Value = math.NaN()
		return out
	}
	out.Value = ind.reduce(out.Runs)
	return out
}
