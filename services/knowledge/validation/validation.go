// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation evaluates declarative consistency rules against
// the knowledge graph.
//
// A rule is a pattern query plus a mode. must_match rules assert the
// query returns at least one row; must_not_match rules assert it
// returns none. Rules are read-only and evaluated concurrently.
package validation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kodiak-ai/kodiak/services/knowledge/triple"
)

// Mode selects how a rule's query result is interpreted.
type Mode string

// Modes.
const (
	// MustMatch fails (an error finding) when the query returns zero
	// rows.
	MustMatch Mode = "must_match"

	// MustNotMatch fails (a violation finding) when the query returns
	// any rows.
	MustNotMatch Mode = "must_not_match"
)

// Validation errors.
var (
	// ErrDuplicateRule is returned when a rule ID is registered twice.
	ErrDuplicateRule = errors.New("duplicate rule id")

	// ErrInvalidRule is returned for rules with a missing ID or an
	// unknown mode.
	ErrInvalidRule = errors.New("invalid rule")
)

// Rule is one declarative consistency check.
type Rule struct {
	// ID uniquely identifies the rule.
	ID string `yaml:"id"`

	// Query is the pattern the rule evaluates.
	Query triple.Query `yaml:"-"`

	// Mode is must_match or must_not_match.
	Mode Mode `yaml:"mode"`

	// Description explains what the rule protects, for reports.
	Description string `yaml:"description"`
}

func (r Rule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRule)
	}
	if r.Mode != MustMatch && r.Mode != MustNotMatch {
		return fmt.Errorf("%w: rule %q has unknown mode %q", ErrInvalidRule, r.ID, r.Mode)
	}
	return nil
}

// Finding is one failed rule in a report.
type Finding struct {
	// RuleID is the failed rule.
	RuleID string `json:"rule_id"`

	// Description is carried from the rule.
	Description string `json:"description"`

	// Rows holds the offending bindings for must_not_match findings.
	// Empty for must_match findings.
	Rows []triple.Row `json:"rows,omitempty"`
}

// Report is the outcome of one validation pass.
type Report struct {
	// Errors are must_match rules that matched nothing.
	Errors []Finding `json:"errors"`

	// Violations are must_not_match rules that matched something.
	Violations []Finding `json:"violations"`
}

// Clean reports whether the pass produced no findings.
func (r Report) Clean() bool {
	return len(r.Errors) == 0 && len(r.Violations) == 0
}

// QueryReader is the read surface the engine evaluates rules against.
// The graph manager satisfies it with an uncached path so validation
// traffic does not pollute the query cache.
type QueryReader interface {
	// Query returns all rows matching q.
	Query(ctx context.Context, q triple.Query) ([]triple.Row, error)
}

// evalConcurrency bounds how many rules run at once.
const evalConcurrency = 4

// Engine holds the registered rule set.
//
// # Thread Safety
//
// Safe for concurrent use. Validate takes a snapshot of the rules and
// evaluates without holding the lock.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewEngine creates an empty Engine.
func NewEngine() *Engine {
	return &Engine{rules: make(map[string]Rule)}
}

// Register adds a rule. Rule IDs must be unique.
func (e *Engine) Register(rule Rule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[rule.ID]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateRule, rule.ID)
	}
	e.rules[rule.ID] = rule
	return nil
}

// Rules returns the registered rules sorted by ID.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate evaluates every rule against reader and collects findings.
//
// # Description
//
//	Rules run concurrently with bounded parallelism. A query error on
//	any rule aborts the pass and is returned; findings are not partial
//	results in that case.
//
// # Outputs
//
//	Report - Findings grouped into errors and violations, sorted by
//	rule ID for stable output.
//	error - Non-nil when a rule query fails or ctx is cancelled.
func (e *Engine) Validate(ctx context.Context, reader QueryReader) (Report, error) {
	rules := e.Rules()

	var mu sync.Mutex
	var report Report

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(evalConcurrency)

	for _, rule := range rules {
		g.Go(func() error {
			rows, err := reader.Query(ctx, rule.Query)
			if err != nil {
				return fmt.Errorf("rule %q: %w", rule.ID, err)
			}

			switch rule.Mode {
			case MustMatch:
				if len(rows) == 0 {
					mu.Lock()
					report.Errors = append(report.Errors, Finding{
						RuleID:      rule.ID,
						Description: rule.Description,
					})
					mu.Unlock()
				}
			case MustNotMatch:
				if len(rows) > 0 {
					mu.Lock()
					report.Violations = append(report.Violations, Finding{
						RuleID:      rule.ID,
						Description: rule.Description,
						Rows:        rows,
					})
					mu.Unlock()
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	sort.Slice(report.Errors, func(i, j int) bool {
		return report.Errors[i].RuleID < report.Errors[j].RuleID
	})
	sort.Slice(report.Violations, func(i, j int) bool {
		return report.Violations[i].RuleID < report.Violations[j].RuleID
	})
	return report, nil
}
