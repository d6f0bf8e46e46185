package reporter

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/metrics"
	"github.com/inference-sim/perfdriver/driver/registry"
)

type logConfig struct {
	Level string `yaml:"level"`
}

// logReporter prints one line per phase and one per indicator.
type logReporter struct {
	level logrus.Level
	log   *logrus.Entry
}

func newLog(spec config.ComponentSpec, _ *registry.Env) (registry.Reporter, error) {
	cfg := logConfig{Level: "info"}
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("level: %w", err)
	}
	return &logReporter{level: level, log: logrus.WithField("reporter", spec.Label())}, nil
}

func (r *logReporter) Report(_ context.Context, res *metrics.Results) error {
	if res.Title != "" {
		r.log.Logf(r.level, "=== %s ===", res.Title)
	}
	for _, p := range res.Phases {
		var cols []string
		for _, c := range res.SummaryColumns() {
			s, ok := p.Summaries[c[0]][c[1]]
			if !ok {
				continue
			}
			cols = append(cols, fmt.Sprintf("%s.%s=%s", c[0], c[1], formatSummary(s)))
		}
		r.log.Logf(r.level, "run %d phase %d [%s]: %s", p.Run, p.ID, p.Parameters.Key(), strings.Join(cols, " "))
	}
	for _, ind := range res.Indicators {
		r.log.Logf(r.level, "indicator %s (%s) = %s", ind.Name, ind.Class, formatFloat(ind.Value))
	}
	for _, run := range res.Runs {
		if run.Degraded {
			r.log.Warnf("run %d degraded: %s", run.Index, run.Error)
		}
	}
	if res.Aborted {
		r.log.Warn("session was aborted, results are partial")
	}
	return nil
}

func formatSummary(s metrics.Summary) string {
	if s.HasError {
		return formatFloat(s.Value) + "±" + formatFloat(s.Error)
	}
	return formatFloat(s.Value)
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return driver.FormatScalar(v)
}
