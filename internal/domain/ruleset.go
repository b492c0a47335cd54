package domain

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const RulesetSchemaV1 = "sluice.quality.ruleset.v1"

// RuleKind selects which report metric a rule is checked against.
type RuleKind string

const (
	RuleKindCompleteness RuleKind = "completeness"
	RuleKindUniqueness   RuleKind = "uniqueness"
	RuleKindRange        RuleKind = "range"
	RuleKindRowCount     RuleKind = "row_count"
)

// Ruleset is the versioned quality contract loaded at startup. Runs record
// the version they were evaluated against.
type Ruleset struct {
	Schema  string `json:"schema" yaml:"schema"`
	Version string `json:"version" yaml:"version"`
	Rules   []Rule `json:"rules" yaml:"rules"`
}

type Rule struct {
	Name      string   `json:"name" yaml:"name"`
	Kind      RuleKind `json:"kind" yaml:"kind"`
	Field     string   `json:"field,omitempty" yaml:"field,omitempty"`
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

func ParseRuleset(input []byte) (Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(input, &rs); err != nil {
		return Ruleset{}, fmt.Errorf("decode ruleset: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return Ruleset{}, err
	}
	return rs, nil
}

func (rs Ruleset) Validate() error {
	if strings.TrimSpace(rs.Schema) != RulesetSchemaV1 {
		return fmt.Errorf("ruleset.schema must be %q", RulesetSchemaV1)
	}
	if strings.TrimSpace(rs.Version) == "" {
		return errors.New("ruleset.version is required")
	}
	if len(rs.Rules) == 0 {
		return errors.New("ruleset.rules must be non-empty")
	}

	seen := make(map[string]struct{}, len(rs.Rules))
	for i, rule := range rs.Rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return fmt.Errorf("ruleset.rules[%d].name is required", i)
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("ruleset.rules[%d].name must be unique (duplicate %q)", i, name)
		}
		seen[key] = struct{}{}

		kind := NormalizeRuleKind(string(rule.Kind))
		if kind == "" {
			return fmt.Errorf("ruleset.rules[%d].kind unsupported: %q", i, rule.Kind)
		}

		field := strings.TrimSpace(rule.Field)
		switch kind {
		case RuleKindRowCount:
			if field != "" {
				return fmt.Errorf("ruleset.rules[%d].field must be empty for %s", i, kind)
			}
		default:
			if field == "" {
				return fmt.Errorf("ruleset.rules[%d].field is required for %s", i, kind)
			}
		}

		switch kind {
		case RuleKindCompleteness, RuleKindUniqueness:
			if rule.Threshold == nil {
				return fmt.Errorf("ruleset.rules[%d].threshold is required for %s", i, kind)
			}
			if *rule.Threshold < 0 || *rule.Threshold > 1 {
				return fmt.Errorf("ruleset.rules[%d].threshold must be in [0, 1]", i)
			}
		case RuleKindRange:
			if rule.Min == nil && rule.Max == nil {
				return fmt.Errorf("ruleset.rules[%d] must set min or max", i)
			}
			if rule.Min != nil && rule.Max != nil && *rule.Min > *rule.Max {
				return fmt.Errorf("ruleset.rules[%d].min must not exceed max", i)
			}
		}
	}
	return nil
}

// NormalizeRuleKind maps free-form kind values to canonical rule kinds.
func NormalizeRuleKind(value string) RuleKind {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RuleKindCompleteness):
		return RuleKindCompleteness
	case string(RuleKindUniqueness):
		return RuleKindUniqueness
	case string(RuleKindRange):
		return RuleKindRange
	case string(RuleKindRowCount):
		return RuleKindRowCount
	default:
		return ""
	}
}
