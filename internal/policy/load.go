package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a policy file.
type File struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads rules from a YAML policy file. An empty path yields no rules.
func Load(path string) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a policy document. Both a top-level "rules:" key and a bare
// list of rules are accepted.
func Parse(data []byte) ([]Rule, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var rules []Rule
		if err := root.Decode(&rules); err != nil {
			return nil, fmt.Errorf("failed to parse policy file: %w", err)
		}
		return rules, nil
	}
	var f File
	if err := root.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return f.Rules, nil
}

// LoadEngine loads every file in order, appends the inline rules and builds
// an Engine over the combined list.
func LoadEngine(inline []Rule, files ...string) (*Engine, error) {
	var rules []Rule
	for _, path := range files {
		r, err := Load(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		rules = append(rules, r...)
	}
	rules = append(rules, inline...)
	return NewEngine(rules)
}
