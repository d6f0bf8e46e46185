package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Summary is the reduction of one timeseries by one summarizer.
type Summary struct {
	Value    float64
	Error    float64
	HasError bool
	Min      float64
	Max      float64
	Count    int
	Rejected int
}

// MarshalJSON renders NaN values as null.
func (s Summary) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"value":    jsonFloat(s.Value),
		"min":      jsonFloat(s.Min),
		"max":      jsonFloat(s.Max),
		"count":    s.Count,
		"rejected": s.Rejected,
	}
	if s.HasError {
		out["error"] = jsonFloat(s.Error)
	}
	return json.Marshal(out)
}

func jsonFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// SummarizerSpec configures one summarizer of a metric. In YAML it is
// either a bare class name or a mapping.
type SummarizerSpec struct {
	Class string `yaml:"class"`
	// Name is the key the summary is stored under; defaults to Class.
	Name string `yaml:"name"`
	// Outliers toggles outlier rejection; nil means enabled.
	Outliers *bool `yaml:"outliers"`
	// Threshold overrides DefaultOutlierThreshold.
	Threshold float64 `yaml:"threshold"`
	// P is the percentile for the percentile class.
	P float64 `yaml:"p"`
}

// UnmarshalYAML accepts "mean" as shorthand for {class: mean}.
func (s *SummarizerSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Class = node.Value
		return nil
	}
	type plain SummarizerSpec
	return node.Decode((*plain)(s))
}

// DisplayName is the key the summary is stored and reported under.
func (s SummarizerSpec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Class == "percentile" {
		return "p" + strconv.FormatFloat(s.P, 'g', -1, 64)
	}
	return s.Class
}

// OutliersEnabled reports whether outlier rejection applies.
func (s SummarizerSpec) OutliersEnabled() bool { return s.Outliers == nil || *s.Outliers }

// OutlierThreshold returns the configured MAD multiplier.
func (s SummarizerSpec) OutlierThreshold() float64 {
	if s.Threshold > 0 {
		return s.Threshold
	}
	return DefaultOutlierThreshold
}

// SummarizerFunc reduces sorted, outlier-filtered values. Count, Rejected,
// Min and Max are filled in by Summarize.
type SummarizerFunc func(sorted []float64, spec SummarizerSpec) Summary

var (
	summarizersMu sync.RWMutex
	summarizers   = map[string]SummarizerFunc{
		"mean": func(x []float64, _ SummarizerSpec) Summary {
			return Summary{Value: Mean(x)}
		},
		"mean_err": func(x []float64, _ SummarizerSpec) Summary {
			m, e := MeanError(x)
			return Summary{Value: m, Error: e, HasError: true}
		},
		"min": func(x []float64, _ SummarizerSpec) Summary {
			if len(x) == 0 {
				return Summary{Value: math.NaN()}
			}
			return Summary{Value: x[0]}
		},
		"max": func(x []float64, _ SummarizerSpec) Summary {
			if len(x) == 0 {
				return Summary{Value: math.NaN()}
			}
			return Summary{Value: x[len(x)-1]}
		},
		"sum": func(x []float64, _ SummarizerSpec) Summary {
			total := 0.0
			for _, v := range x {
				total += v
			}
			return Summary{Value: total}
		},
		"median": func(x []float64, _ SummarizerSpec) Summary {
			return Summary{Value: Median(x)}
		},
		"percentile": func(x []float64, spec SummarizerSpec) Summary {
			return Summary{Value: Percentile(x, spec.P)}
		},
	}
)

// RegisterSummarizer adds a custom summarizer class.
func RegisterSummarizer(class string, fn SummarizerFunc) {
	summarizersMu.Lock()
	defer summarizersMu.Unlock()
	if _, dup := summarizers[class]; dup {
		panic(fmt.Sprintf("summarizer %q registered twice", class))
	}
	summarizers[class] = fn
}

// IsValidSummarizer reports whether class is a known summarizer.
func IsValidSummarizer(class string) bool {
	summarizersMu.RLock()
	defer summarizersMu.RUnlock()
	_, ok := summarizers[class]
	return ok
}

// SummarizerClasses returns the known classes in sorted order.
func SummarizerClasses() []string {
	summarizersMu.RLock()
	defer summarizersMu.RUnlock()
	out := make([]string, 0, len(summarizers))
	for k := range summarizers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Summarize reduces values with spec. It does not modify values and its
// result does not depend on their order.
func Summarize(values []float64, spec SummarizerSpec) (Summary, error) {
	summarizersMu.RLock()
	fn, ok := summarizers[spec.Class]
	summarizersMu.RUnlock()
	if !ok {
		return Summary{}, fmt.Errorf("unknown summarizer %q", spec.Class)
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	kept := sorted
	if spec.OutliersEnabled() {
		kept = RejectOutliers(sorted, spec.OutlierThreshold())
	}
	s := fn(kept, spec)
	s.Count = len(kept)
	s.Rejected = len(sorted) - len(kept)
	if len(kept) == 0 {
		s.Value, s.Min, s.Max = math.NaN(), math.NaN(), math.NaN()
		if s.HasError {
			s.Error = math.NaN()
		}
		return s, nil
	}
	s.Min, s.Max = kept[0], kept[len(kept)-1]
	return s, nil
}
