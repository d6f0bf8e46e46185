package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// commonKeys are the component keys understood by the session rather than
// by the component itself.
var commonKeys = map[string]bool{
	"class":       true,
	"name":        true,
	"trigger":     true,
	"parameters":  true,
	"atstart":     true,
	"at":          true,
	"best_effort": true,
}

// ComponentSpec is one entry of a policies, channels, observers, trackers,
// tasks or reporters list. The common keys are decoded here; the rest of
// the mapping is kept for the component's factory.
type ComponentSpec struct {
	Class      string   `yaml:"class"`
	Name       string   `yaml:"name"`
	Trigger    string   `yaml:"trigger"`
	Parameters []string `yaml:"parameters"`
	AtStart    bool     `yaml:"atstart"`
	At         string   `yaml:"at"`
	BestEffort bool     `yaml:"best_effort"`

	body *yaml.Node
	line int
}

// NewComponentSpec builds a spec programmatically. body is marshalled to
// YAML and becomes the component body.
func NewComponentSpec(class string, body any) (ComponentSpec, error) {
	spec := ComponentSpec{Class: class}
	if body == nil {
		return spec, nil
	}
	var node yaml.Node
	if err := node.Encode(body); err != nil {
		return spec, err
	}
	spec.body = &node
	return spec, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *ComponentSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: component must be a mapping", node.Line)
	}
	common := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	body := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Line: node.Line}
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		// A parameters mapping is a policy body key, not the trigger list.
		if commonKeys[k.Value] && !(k.Value == "parameters" && v.Kind == yaml.MappingNode) {
			common.Content = append(common.Content, k, v)
		} else {
			body.Content = append(body.Content, k, v)
		}
	}
	type plain ComponentSpec
	var p plain
	if err := common.Decode(&p); err != nil {
		return err
	}
	*c = ComponentSpec(p)
	c.body = body
	c.line = node.Line
	return nil
}

// Decode strictly decodes the component body into v. Keys v does not
// declare are errors.
func (c ComponentSpec) Decode(v any) error {
	if c.body == nil || len(c.body.Content) == 0 {
		return nil
	}
	data, err := yaml.Marshal(c.body)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%s (line %d): %w", c.Class, c.line, err)
	}
	return nil
}

// Node returns the component body, or nil.
func (c ComponentSpec) Node() *yaml.Node { return c.body }

// Label is the name used in logs and subscription labels.
func (c ComponentSpec) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Class
}

func (c *ComponentSpec) defaultName(kind string, i int) {
	if c.Name == "" {
		c.Name = fmt.Sprintf("%s-%d-%s", kind, i, c.Class)
	}
}
