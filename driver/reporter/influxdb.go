package reporter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/metrics"
	"github.com/inference-sim/perfdriver/driver/registry"
)

// DefaultMeasurement prefixes the measurements written to InfluxDB.
const DefaultMeasurement = "perfdriver"

type influxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// reservedTags are the tags the reporter sets itself. Meta keys and
// parameters with these names are written as meta_<name> and param_<name>.
var reservedTags = map[string]bool{
	"title": true, "run": true, "phase": true, "metric": true,
	"summarizer": true, "name": true, "class": true,
}

func tagKey(prefix, name string) string {
	if reservedTags[name] {
		return prefix + name
	}
	return name
}

// influxReporter writes one point per phase summary and one per
// indicator. Phase parameters and the session meta become tags.
type influxReporter struct {
	cfg influxConfig
	env *registry.Env
	log *logrus.Entry
}

func newInflux(spec config.ComponentSpec, env *registry.Env) (registry.Reporter, error) {
	cfg := influxConfig{Measurement: DefaultMeasurement}
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("org and bucket are required")
	}
	return &influxReporter{cfg: cfg, env: env, log: logrus.WithField("reporter", spec.Label())}, nil
}

func (r *influxReporter) Report(ctx context.Context, res *metrics.Results) error {
	scope := r.env.Scope(nil)
	url, err := scope.Render(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	token, err := scope.Render(r.cfg.Token)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	client := influxdb2.NewClient(url, token)
	defer client.Close()
	writeAPI := client.WriteAPIBlocking(r.cfg.Org, r.cfg.Bucket)

	points := r.points(res)
	if len(points) == 0 {
		return nil
	}
	if err := writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("writing %d points to %s: %w", len(points), url, err)
	}
	r.log.Infof("wrote %d points to %s/%s", len(points), r.cfg.Org, r.cfg.Bucket)
	return nil
}

func (r *influxReporter) points(res *metrics.Results) []*write.Point {
	base := map[string]string{}
	for k, v := range res.Meta {
		base[tagKey("meta_", k)] = driver.FormatScalar(v)
	}
	if res.Title != "" {
		base["title"] = res.Title
	}

	var points []*write.Point
	now := time.Now()
	for _, p := range res.Phases {
		ts := secondsToTime(p.Ended)
		for _, c := range res.SummaryColumns() {
			s, ok := p.Summaries[c[0]][c[1]]
			if !ok || math.IsNaN(s.Value) {
				continue
			}
			tags := copyTags(base)
			tags["run"] = strconv.Itoa(p.Run)
			tags["phase"] = strconv.Itoa(int(p.ID))
			tags["metric"] = c[0]
			tags["summarizer"] = c[1]
			for _, name := range res.Parameters {
				if v, ok := p.Parameters[name]; ok {
					tags[tagKey("param_", name)] = driver.FormatScalar(v)
				}
			}
			fields := map[string]any{"value": s.Value, "count": s.Count, "rejected": s.Rejected}
			if s.HasError && !math.IsNaN(s.Error) {
				fields["error"] = s.Error
			}
			points = append(points, influxdb2.NewPoint(r.cfg.Measurement, tags, fields, ts))
		}
	}
	for _, ind := range res.Indicators {
		if math.IsNaN(ind.Value) {
			continue
		}
		tags := copyTags(base)
		tags["name"] = ind.Name
		tags["class"] = ind.Class
		points = append(points, influxdb2.NewPoint(r.cfg.Measurement+"_indicator", tags,
			map[string]any{"value": ind.Value}, now))
	}
	return points
}

func copyTags(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+8)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func secondsToTime(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9))
}
