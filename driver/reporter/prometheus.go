package reporter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/metrics"
	"github.com/inference-sim/perfdriver/driver/registry"
)

// DefaultJob is the Pushgateway job name.
const DefaultJob = "perfdriver"

type promConfig struct {
	URL      string            `yaml:"url"`
	Job      string            `yaml:"job"`
	Grouping map[string]string `yaml:"grouping"`
}

// promReporter pushes summaries and indicators to a Pushgateway.
type promReporter struct {
	cfg promConfig
	env *registry.Env
	log *logrus.Entry
}

func newPrometheus(spec config.ComponentSpec, env *registry.Env) (registry.Reporter, error) {
	cfg := promConfig{Job: DefaultJob}
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	return &promReporter{cfg: cfg, env: env, log: logrus.WithField("reporter", spec.Label())}, nil
}

func (r *promReporter) Report(ctx context.Context, res *metrics.Results) error {
	scope := r.env.Scope(nil)
	url, err := scope.Render(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	reg, err := r.gather(res)
	if err != nil {
		return err
	}
	pusher := push.New(url, r.cfg.Job).Gatherer(reg)
	keys := make([]string, 0, len(r.cfg.Grouping))
	for k := range r.cfg.Grouping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := scope.Render(r.cfg.Grouping[k])
		if err != nil {
			return fmt.Errorf("grouping.%s: %w", k, err)
		}
		pusher = pusher.Grouping(k, v)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("pushing to %s: %w", url, err)
	}
	r.log.Infof("pushed results to %s", url)
	return nil
}

// gather fills a fresh registry so that nothing leaks between sessions.
func (r *promReporter) gather(res *metrics.Results) (*prometheus.Registry, error) {
	labels := []string{"run", "phase", "metric", "summarizer"}
	for _, name := range res.Parameters {
		if !validLabel(name) {
			return nil, fmt.Errorf("parameter %q is not a valid label name", name)
		}
		labels = append(labels, name)
	}
	summary := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perfdriver_summary",
		Help: "Summarized metric value of one phase.",
	}, labels)
	summaryErr := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perfdriver_summary_error",
		Help: "Error bound of a summarized metric value.",
	}, labels)
	indicator := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perfdriver_indicator",
		Help: "Indicator value over the whole session.",
	}, []string{"name", "class"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(summary, summaryErr, indicator)

	for _, p := range res.Phases {
		for _, c := range res.SummaryColumns() {
			s, ok := p.Summaries[c[0]][c[1]]
			if !ok || math.IsNaN(s.Value) {
				continue
			}
			values := []string{strconv.Itoa(p.Run), strconv.Itoa(int(p.ID)), c[0], c[1]}
			for _, name := range res.Parameters {
				values = append(values, driver.FormatScalar(p.Parameters[name]))
			}
			summary.WithLabelValues(values...).Set(s.Value)
			if s.HasError && !math.IsNaN(s.Error) {
				summaryErr.WithLabelValues(values...).Set(s.Error)
			}
		}
	}
	for _, ind := range res.Indicators {
		if !math.IsNaN(ind.Value) {
			indicator.WithLabelValues(ind.Name, ind.Class).Set(ind.Value)
		}
	}
	return reg, nil
}

// validLabel reports whether name is a valid Prometheus label name.
func validLabel(name string) bool {
	if name == "" || name == "run" || name == "phase" || name == "metric" || name == "summarizer" {
		return false
	}
	for i, c := range name {
		ok := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return true
}
