package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/perfdriver/driver"
)

// loadTree reads path and everything it includes, returning the merged
// document root and the files read in merge order.
func loadTree(path string, visiting map[string]bool) (*yaml.Node, []string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, &driver.ConfigError{Field: path, Err: err}
	}
	if visiting[abs] {
		return nil, nil, driver.NewConfigError(path, "include cycle")
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	root, err := readFile(abs)
	if err != nil {
		return nil, nil, &driver.ConfigError{Field: path, Err: err}
	}
	includes, err := stripInclude(root)
	if err != nil {
		return nil, nil, &driver.ConfigError{Field: path + ": include", Err: err}
	}

	var (
		merged *yaml.Node
		files  []string
	)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		node, sub, err := loadTree(inc, visiting)
		if err != nil {
			return nil, nil, err
		}
		merged = mergeNodes(merged, node)
		files = append(files, sub...)
	}
	logrus.Debugf("loaded configuration %s", abs)
	return mergeNodes(merged, root), append(files, abs), nil
}

// readFile parses one YAML or TOML file into a mapping node.
func readFile(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		var tree map[string]any
		if _, err := toml.Decode(string(data), &tree); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
		}
		// Re-encode through YAML so both formats share one merge and
		// decode path.
		if data, err = yaml.Marshal(tree); err != nil {
			return nil, err
		}
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	root := documentRoot(&doc)
	if root == nil {
		return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s: top level must be a mapping", filepath.Base(path))
	}
	return root, nil
}

func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			return nil
		}
		return doc.Content[0]
	}
	return doc
}

// stripInclude removes the include key from root and returns its values.
func stripInclude(root *yaml.Node) ([]string, error) {
	if root == nil || root.Kind != yaml.MappingNode {
		return nil, nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "include" {
			continue
		}
		val := root.Content[i+1]
		root.Content = append(root.Content[:i], root.Content[i+2:]...)
		switch val.Kind {
		case yaml.ScalarNode:
			return []string{val.Value}, nil
		case yaml.SequenceNode:
			var out []string
			if err := val.Decode(&out); err != nil {
				return nil, err
			}
			return out, nil
		default:
			return nil, fmt.Errorf("line %d: expected a file name or a list", val.Line)
		}
	}
	return nil, nil
}

// mergeNodes merges over into base. Mappings merge recursively, sequences
// concatenate, anything else is replaced by over.
func mergeNodes(base, over *yaml.Node) *yaml.Node {
	switch {
	case base == nil:
		return over
	case over == nil:
		return base
	case base.Kind == yaml.MappingNode && over.Kind == yaml.MappingNode:
		out := &yaml.Node{Kind: yaml.MappingNode, Tag: base.Tag, Line: base.Line}
		out.Content = append(out.Content, base.Content...)
		for i := 0; i+1 < len(over.Content); i += 2 {
			key, val := over.Content[i], over.Content[i+1]
			found := false
			for j := 0; j+1 < len(out.Content); j += 2 {
				if out.Content[j].Value == key.Value {
					out.Content[j+1] = mergeNodes(out.Content[j+1], val)
					found = true
					break
				}
			}
			if !found {
				out.Content = append(out.Content, key, val)
			}
		}
		return out
	case base.Kind == yaml.SequenceNode && over.Kind == yaml.SequenceNode:
		out := &yaml.Node{Kind: yaml.SequenceNode, Tag: base.Tag, Line: base.Line}
		out.Content = append(append(out.Content, base.Content...), over.Content...)
		return out
	default:
		return over
	}
}
