package alert

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"taskpilot/internal/pipeline"
)

// RuleSpec is one entry of the rules file.
type RuleSpec struct {
	Name        string `yaml:"name"`
	Stage       string `yaml:"stage"`
	MaxAgeHours int    `yaml:"max_age_hours"`
	Enabled     *bool  `yaml:"enabled"`
}

type rulesFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// LoadRules reads alert rules from a YAML file of the form
//
//	rules:
//	  - name: stuck-waiting
//	    stage: WAITING_FOR_CONTRACTS
//	    max_age_hours: 72
func LoadRules(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alert rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates rule definitions.
func ParseRules(data []byte) ([]*Rule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode alert rules: %w", err)
	}
	seen := make(map[string]bool, len(file.Rules))
	rules := make([]*Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		if spec.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("rule %q: duplicate name", spec.Name)
		}
		seen[spec.Name] = true
		stage, err := pipeline.ParseStage(spec.Stage)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", spec.Name, err)
		}
		if spec.MaxAgeHours <= 0 {
			return nil, fmt.Errorf("rule %q: max_age_hours must be positive", spec.Name)
		}
		enabled := true
		if spec.Enabled != nil {
			enabled = *spec.Enabled
		}
		rules = append(rules, &Rule{
			Name:        spec.Name,
			Stage:       stage,
			MaxAgeHours: spec.MaxAgeHours,
			Enabled:     enabled,
		})
	}
	return rules, nil
}
