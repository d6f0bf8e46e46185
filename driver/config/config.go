// Package config loads perfdriver configuration files.
//
// A configuration is one or more YAML (or TOML) files merged in order.
// Every file may pull in others through a top-level include list, resolved
// relative to the including file. Mappings merge key by key with later
// files winning; lists concatenate.
package config

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/indicator"
	"github.com/inference-sim/perfdriver/driver/macro"
	"github.com/inference-sim/perfdriver/driver/metrics"
)

// Defaults for the global section.
const (
	DefaultTickInterval   = time.Second
	DefaultInterruptGrace = 5 * time.Second
)

// Config is a fully merged configuration.
type Config struct {
	Global    GlobalConfig    `yaml:"config"`
	Policies  []ComponentSpec `yaml:"policies"`
	Channels  []ComponentSpec `yaml:"channels"`
	Observers []ComponentSpec `yaml:"observers"`
	Trackers  []ComponentSpec `yaml:"trackers"`
	Tasks     []ComponentSpec `yaml:"tasks"`
	Reporters []ComponentSpec `yaml:"reporters"`

	// Sources lists every file that contributed, includes first.
	Sources []string `yaml:"-"`
	// Definitions are the file and command-line definitions.
	Definitions macro.Definitions `yaml:"-"`
}

// GlobalConfig is the config: section.
type GlobalConfig struct {
	Title          string               `yaml:"title"`
	Runs           int                  `yaml:"runs"`
	Repeat         int                  `yaml:"repeat"`
	StaleTimeout   Duration             `yaml:"stale_timeout"`
	TickInterval   Duration             `yaml:"tick_interval"`
	InterruptGrace Duration             `yaml:"interrupt_grace"`
	Meta           map[string]any       `yaml:"meta"`
	Define         map[string]any       `yaml:"define"`
	Definitions    []DefinitionSpec     `yaml:"definitions"`
	Parameters     []ParameterSpec      `yaml:"parameters"`
	Metrics        []metrics.MetricSpec `yaml:"metrics"`
	Indicators     []indicator.Config   `yaml:"indicators"`
}

// DefinitionSpec declares a user-provided value.
type DefinitionSpec struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Desc     string `yaml:"desc"`
	Default  any    `yaml:"default"`
}

// ParameterSpec declares one axis of the parameter space.
type ParameterSpec struct {
	Name    string `yaml:"name"`
	UUID    string `yaml:"uuid"`
	Units   string `yaml:"units"`
	Desc    string `yaml:"desc"`
	Default any    `yaml:"default"`
}

// Duration accepts "1m30s" style strings or a plain number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a duration", node.Line)
	}
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and merges paths, applies defaults and validates the result.
// defines are the command-line definitions, which override define: values.
func Load(paths []string, defines driver.Values) (*Config, error) {
	if len(paths) == 0 {
		return nil, driver.NewConfigError("", "no configuration file given")
	}
	var (
		merged  *yaml.Node
		sources []string
	)
	for _, p := range paths {
		node, files, err := loadTree(p, map[string]bool{})
		if err != nil {
			return nil, err
		}
		merged = mergeNodes(merged, node)
		sources = append(sources, files...)
	}
	cfg, err := decode(merged)
	if err != nil {
		return nil, err
	}
	cfg.Sources = sources
	cfg.Definitions = macro.Definitions{File: driver.Values(cfg.Global.Define).Clone(), CLI: defines.Clone()}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a single in-memory YAML document without includes.
func Parse(data []byte, defines driver.Values) (*Config, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, &driver.ConfigError{Err: fmt.Errorf("parsing configuration: %w", err)}
	}
	root := documentRoot(&node)
	stripInclude(root)
	cfg, err := decode(root)
	if err != nil {
		return nil, err
	}
	cfg.Definitions = macro.Definitions{File: driver.Values(cfg.Global.Define).Clone(), CLI: defines.Clone()}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(root *yaml.Node) (*Config, error) {
	cfg := &Config{}
	if root == nil {
		return cfg, nil
	}
	data, err := yaml.Marshal(root)
	if err != nil {
		return nil, &driver.ConfigError{Err: err}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, &driver.ConfigError{Err: fmt.Errorf("parsing configuration: %w", err)}
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	g := &c.Global
	if g.Runs == 0 {
		g.Runs = g.Repeat
	}
	if g.Runs == 0 {
		g.Runs = 1
	}
	if g.TickInterval == 0 {
		g.TickInterval = Duration(DefaultTickInterval)
	}
	if g.InterruptGrace == 0 {
		g.InterruptGrace = Duration(DefaultInterruptGrace)
	}
	if c.Definitions.File == nil {
		c.Definitions.File = driver.Values{}
	}
	for _, d := range g.Definitions {
		if _, ok := c.Definitions.File[d.Name]; !ok && d.Default != nil {
			c.Definitions.File[d.Name] = d.Default
		}
	}
	for i := range c.Policies {
		c.Policies[i].defaultName("policy", i)
	}
	for i := range c.Channels {
		c.Channels[i].defaultName("channel", i)
	}
	for i := range c.Observers {
		c.Observers[i].defaultName("observer", i)
	}
	for i := range c.Trackers {
		c.Trackers[i].defaultName("tracker", i)
	}
	for i := range c.Tasks {
		c.Tasks[i].defaultName("task", i)
	}
	for i := range c.Reporters {
		c.Reporters[i].defaultName("reporter", i)
	}
}

// Validate checks the global section and the common keys of components.
// Class names and component bodies are checked by the registry.
func (c *Config) Validate() error {
	g := &c.Global
	if g.Runs < 0 {
		return driver.NewConfigError("config.runs", "must be positive, got %d", g.Runs)
	}
	if g.StaleTimeout < 0 {
		return driver.NewConfigError("config.stale_timeout", "must not be negative")
	}
	defs := c.Definitions.Merged()
	seen := map[string]bool{}
	for i, d := range g.Definitions {
		field := fmt.Sprintf("config.definitions[%d]", i)
		if d.Name == "" {
			return driver.NewConfigError(field, "definition has no name")
		}
		if seen[d.Name] {
			return driver.NewConfigError(field, "duplicate definition %q", d.Name)
		}
		seen[d.Name] = true
		if _, ok := defs[d.Name]; d.Required && !ok {
			msg := fmt.Sprintf("required definition %q is missing, pass it with -D %s=...", d.Name, d.Name)
			if d.Desc != "" {
				msg += " (" + d.Desc + ")"
			}
			return driver.NewConfigError(field, "%s", msg)
		}
	}
	seen = map[string]bool{}
	for i, p := range g.Parameters {
		field := fmt.Sprintf("config.parameters[%d]", i)
		if p.Name == "" {
			return driver.NewConfigError(field, "parameter has no name")
		}
		if seen[p.Name] {
			return driver.NewConfigError(field, "duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
	}
	for _, group := range []struct {
		kind  string
		specs []ComponentSpec
	}{
		{"policies", c.Policies}, {"channels", c.Channels}, {"observers", c.Observers},
		{"trackers", c.Trackers}, {"tasks", c.Tasks}, {"reporters", c.Reporters},
	} {
		for i, s := range group.specs {
			field := fmt.Sprintf("%s[%d]", group.kind, i)
			if s.Class == "" {
				return driver.NewConfigError(field+".class", "missing class")
			}
			if _, err := driver.ParseTriggerMode(s.Trigger); err != nil {
				return driver.NewConfigError(field+".trigger", "%v", err)
			}
			for _, name := range s.Parameters {
				if !seen[name] {
					return driver.NewConfigError(field+".parameters", "undeclared parameter %q", name)
				}
			}
		}
	}
	return nil
}

// ParameterNames returns the declared parameter names in order.
func (c *Config) ParameterNames() []string {
	out := make([]string, len(c.Global.Parameters))
	for i, p := range c.Global.Parameters {
		out[i] = p.Name
	}
	return out
}

// ParameterDefaults returns the default value of every declared parameter.
func (c *Config) ParameterDefaults() driver.Values {
	out := driver.Values{}
	for _, p := range c.Global.Parameters {
		out[p.Name] = p.Default
	}
	return out
}

// Meta returns the metadata values.
func (c *Config) Meta() driver.Values { return driver.Values(c.Global.Meta).Clone() }

// ParseAssignments parses "name=value" pairs from the command line. Values
// are read as YAML scalars so numbers and booleans keep their type.
func ParseAssignments(pairs []string) (driver.Values, error) {
	out := driver.Values{}
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		switch v.(type) {
		case string, bool, int, int64, float64:
		default:
			v = raw
		}
		out[name] = v
	}
	return out, nil
}
