package reporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/metrics"
	"github.com/inference-sim/perfdriver/driver/registry"
)

type fileConfig struct {
	// Filename may hold macros such as {{date(%Y%m%d)}}. "-" is stdout.
	Filename string `yaml:"filename"`
	// Raw includes every sample, not only the summaries.
	Raw bool `yaml:"raw"`
}

// output resolves the target file of one report.
type output struct {
	filename string
	env      *registry.Env
	stdout   io.Writer
}

func newOutput(cfg fileConfig, env *registry.Env) (output, error) {
	if cfg.Filename == "" {
		return output{}, errors.New("filename is required")
	}
	return output{filename: cfg.Filename, env: env, stdout: os.Stdout}, nil
}

// write renders the filename and hands an open file to fn.
func (o output) write(fn func(w io.Writer) error) (string, error) {
	name, err := o.env.Scope(nil).Render(o.filename)
	if err != nil {
		return "", fmt.Errorf("filename: %w", err)
	}
	if name == "-" {
		return name, fn(o.stdout)
	}
	if dir := filepath.Dir(name); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return name, err
		}
	}
	f, err := os.Create(name)
	if err != nil {
		return name, err
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return name, err
	}
	return name, f.Close()
}

type jsonReporter struct {
	out output
	raw bool
}

func newJSON(spec config.ComponentSpec, env *registry.Env) (registry.Reporter, error) {
	var cfg fileConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	out, err := newOutput(cfg, env)
	if err != nil {
		return nil, err
	}
	return &jsonReporter{out: out, raw: cfg.Raw}, nil
}

func (r *jsonReporter) Report(_ context.Context, res *metrics.Results) error {
	dump := *res
	dump.Phases = make([]metrics.PhaseResult, len(res.Phases))
	for i, p := range res.Phases {
		if r.raw {
			p.Samples = finiteSamples(p.Samples)
		} else {
			p.Samples = nil
		}
		dump.Phases[i] = p
	}
	_, err := r.out.write(func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(&dump)
	})
	return err
}

// finiteSamples drops samples JSON cannot carry.
func finiteSamples(in map[string][]metrics.Sample) map[string][]metrics.Sample {
	out := make(map[string][]metrics.Sample, len(in))
	for name, samples := range in {
		kept := make([]metrics.Sample, 0, len(samples))
		for _, s := range samples {
			if !math.IsNaN(s.Value) && !math.IsInf(s.Value, 0) {
				kept = append(kept, s)
			}
		}
		out[name] = kept
	}
	return out
}

// csvReporter writes one row per phase: run, parameters, then value and
// error columns for every metric.summarizer pair.
type csvReporter struct {
	out output
}

func newCSV(spec config.ComponentSpec, env *registry.Env) (registry.Reporter, error) {
	var cfg fileConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.Raw {
		return nil, errors.New("raw is not supported by the csv reporter")
	}
	out, err := newOutput(cfg, env)
	if err != nil {
		return nil, err
	}
	return &csvReporter{out: out}, nil
}

func (r *csvReporter) Report(_ context.Context, res *metrics.Results) error {
	columns := res.SummaryColumns()
	header := []string{"run", "phase"}
	header = append(header, res.Parameters...)
	for _, c := range columns {
		header = append(header, c[0]+"."+c[1], c[0]+"."+c[1]+".err")
	}
	_, err := r.out.write(func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, p := range res.Phases {
			row := []string{strconv.Itoa(p.Run), strconv.Itoa(int(p.ID))}
			for _, name := range res.Parameters {
				row = append(row, driver.FormatScalar(p.Parameters[name]))
			}
			for _, c := range columns {
				s, ok := p.Summaries[c[0]][c[1]]
				switch {
				case !ok:
					row = append(row, "", "")
				case s.HasError:
					row = append(row, csvFloat(s.Value), csvFloat(s.Error))
				default:
					row = append(row, csvFloat(s.Value), "")
				}
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	return err
}

func csvFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
