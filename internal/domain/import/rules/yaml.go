package rules

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var embeddedRules []byte

// RuleSet is the top-level YAML document.
type RuleSet struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Parse builds a snapshot from YAML. Rule order in the document is the
// snapshot order.
func Parse(data []byte) (*Snapshot, error) {
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse YAML rules: %w", err)
	}
	return NewSnapshot(set.Version, set.Rules)
}

// LoadFromFile parses a rule set from disk.
func LoadFromFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	return Parse(data)
}

// LoadEmbedded parses the default rule set compiled into the binary.
func LoadEmbedded() (*Snapshot, error) {
	return Parse(embeddedRules)
}

// Marshal renders a snapshot back to the YAML document form.
func Marshal(s *Snapshot) ([]byte, error) {
	out, err := yaml.Marshal(RuleSet{Version: s.Version(), Rules: s.Rules()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rules: %w", err)
	}
	return out, nil
}
