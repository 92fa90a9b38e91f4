package threat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	IncludeDefaults bool    `yaml:"includeDefaults"`
	Rules           []*Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rule set. With includeDefaults the built-in rules come
// first and file rules with the same id replace them in place.
func ParseRules(data []byte, predicates *PredicateRegistry) ([]*Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	var rules []*Rule
	if file.IncludeDefaults {
		rules = DefaultRules()
	}
	for _, rule := range file.Rules {
		if rule == nil {
			continue
		}
		replaced := false
		for i, existing := range rules {
			if existing.ID == rule.ID {
				rules[i] = rule
				replaced = true
				break
			}
		}
		if !replaced {
			rules = append(rules, rule)
		}
	}
	return ValidateRules(rules, predicates)
}

func LoadRules(filename string, predicates *PredicateRegistry) ([]*Rule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseRules(data, predicates)
}

// ValidateRules validates every rule and drops disabled ones, keeping order.
func ValidateRules(rules []*Rule, predicates *PredicateRegistry) ([]*Rule, error) {
	seen := make(map[string]bool, len(rules))
	enabled := make([]*Rule, 0, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(predicates); err != nil {
			return nil, err
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
		}
		seen[rule.ID] = true
		if !rule.Disabled {
			enabled = append(enabled, rule)
		}
	}
	return enabled, nil
}
