// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kodiak-ai/kodiak/services/knowledge/triple"
)

// ruleFile is the on-disk YAML layout.
//
//	rules:
//	  - id: failed-agents
//	    mode: must_not_match
//	    description: No agent may stay in status failed.
//	    query:
//	      subject: "?agent"
//	      predicate: "kodiak:status"
//	      object: "failed"
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID          string    `yaml:"id"`
	Mode        Mode      `yaml:"mode"`
	Description string    `yaml:"description"`
	Query       querySpec `yaml:"query"`
}

type querySpec struct {
	Subject   string       `yaml:"subject"`
	Predicate string       `yaml:"predicate"`
	Object    string       `yaml:"object"`
	Filters   []filterSpec `yaml:"filters"`
}

type filterSpec struct {
	Var    string `yaml:"var"`
	Equals string `yaml:"equals"`
}

func (s ruleSpec) toRule() (Rule, error) {
	rule := Rule{
		ID:          s.ID,
		Mode:        s.Mode,
		Description: s.Description,
		Query: triple.Query{
			Pattern: triple.Pattern{
				Subject:   s.Query.Subject,
				Predicate: s.Query.Predicate,
				Object:    s.Query.Object,
			},
		},
	}
	for _, f := range s.Query.Filters {
		if !triple.IsVariable(f.Var) {
			return Rule{}, fmt.Errorf("%w: rule %q filter var %q is not a variable",
				ErrInvalidRule, s.ID, f.Var)
		}
		rule.Query.Filters = append(rule.Query.Filters, triple.Filter{
			Var:    triple.VarName(f.Var),
			Equals: f.Equals,
		})
	}
	if err := rule.validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// ParseRules decodes a YAML rule document.
func ParseRules(data []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	seen := make(map[string]struct{}, len(file.Rules))
	for _, spec := range file.Rules {
		rule, err := spec.toRule()
		if err != nil {
			return nil, err
		}
		if _, ok := seen[rule.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRule, rule.ID)
		}
		seen[rule.ID] = struct{}{}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadRules reads and parses a YAML rule file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// LoadInto parses a rule file and registers every rule on the engine.
func LoadInto(engine *Engine, path string) error {
	rules, err := LoadRules(path)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if err := engine.Register(rule); err != nil {
			return err
		}
	}
	return nil
}
