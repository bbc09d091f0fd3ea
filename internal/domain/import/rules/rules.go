// Package rules evaluates versioned, immutable category rule snapshots
// against normalized records.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MatchType is the closed set of ways a rule can match a record.
type MatchType int

const (
	MatchMerchantExact MatchType = iota + 1
	MatchKeyword
	MatchRegex
)

// ParseMatchType converts the stored form of a match type.
func ParseMatchType(s string) (MatchType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "merchant_exact":
		return MatchMerchantExact, nil
	case "keyword":
		return MatchKeyword, nil
	case "regex":
		return MatchRegex, nil
	}
	return 0, fmt.Errorf("unknown match_type %q (must be merchant_exact, keyword or regex)", s)
}

func (m MatchType) String() string {
	switch m {
	case MatchMerchantExact:
		return "merchant_exact"
	case MatchKeyword:
		return "keyword"
	case MatchRegex:
		return "regex"
	}
	return fmt.Sprintf("MatchType(%d)", int(m))
}

func (m MatchType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *MatchType) UnmarshalText(text []byte) error {
	parsed, err := ParseMatchType(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m *MatchType) UnmarshalYAML(value *yaml.Node) error {
	return m.UnmarshalText([]byte(value.Value))
}

// Rule is a single categorization rule.
type Rule struct {
	ID              string    `yaml:"id" json:"rule_id"`
	MatchType       MatchType `yaml:"match_type" json:"match_type"`
	Pattern         string    `yaml:"pattern" json:"pattern"`
	CategoryCode    string    `yaml:"category" json:"category_code"`
	SubcategoryCode *string   `yaml:"subcategory" json:"subcategory_code,omitempty"`
	Priority        int       `yaml:"priority" json:"priority"`
	BaseConfidence  float64   `yaml:"base_confidence" json:"base_confidence"`
	// Source records provenance (seed, ops, learned). Informational only.
	Source string `yaml:"source" json:"source,omitempty"`
}

// Snapshot is an ordered, versioned rule set. It is never mutated after
// NewSnapshot returns, so one snapshot can be shared by every worker of a batch.
type Snapshot struct {
	version  string
	rules    []Rule
	compiled []*regexp.Regexp
	keywords []string
}

// NewSnapshot validates the rules and precompiles their patterns. The
// position of a rule in the slice is its ordinal for tie-breaking.
func NewSnapshot(version string, rules []Rule) (*Snapshot, error) {
	if strings.TrimSpace(version) == "" {
		return nil, fmt.Errorf("rule snapshot needs a version")
	}

	s := &Snapshot{
		version:  version,
		rules:    make([]Rule, len(rules)),
		compiled: make([]*regexp.Regexp, len(rules)),
		keywords: make([]string, len(rules)),
	}
	seen := make(map[string]int, len(rules))

	for i, rule := range rules {
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.ID, err)
		}
		if prev, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("rule %d (%s): duplicate id, first seen at %d", i, rule.ID, prev)
		}
		seen[rule.ID] = i

		switch rule.MatchType {
		case MatchRegex:
			re, err := regexp.Compile("(?i)" + rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): invalid regex: %w", i, rule.ID, err)
			}
			s.compiled[i] = re
		case MatchKeyword:
			s.keywords[i] = strings.Join(strings.Fields(strings.ToLower(rule.Pattern)), " ")
		}

		if rule.SubcategoryCode != nil {
			sub := *rule.SubcategoryCode
			rule.SubcategoryCode = &sub
		}
		s.rules[i] = rule
	}

	return s, nil
}

func validateRule(rule Rule) error {
	switch {
	case strings.TrimSpace(rule.ID) == "":
		return fmt.Errorf("rule_id cannot be empty")
	case strings.TrimSpace(rule.Pattern) == "":
		return fmt.Errorf("pattern cannot be empty")
	case strings.TrimSpace(rule.CategoryCode) == "":
		return fmt.Errorf("category cannot be empty")
	case rule.BaseConfidence < 0 || rule.BaseConfidence > 1:
		return fmt.Errorf("base_confidence must be in [0,1], got %f", rule.BaseConfidence)
	case rule.Priority < 0:
		return fmt.Errorf("priority must be non-negative, got %d", rule.Priority)
	}
	switch rule.MatchType {
	case MatchMerchantExact, MatchKeyword, MatchRegex:
		return nil
	}
	return fmt.Errorf("invalid match_type %d", int(rule.MatchType))
}

func (s *Snapshot) Version() string { return s.version }

func (s *Snapshot) Len() int { return len(s.rules) }

// Rules returns a copy of the rules in snapshot order.
func (s *Snapshot) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}
