// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package triple defines the atomic fact model shared by the knowledge
// graph components: triples, match patterns, pattern queries with
// variable bindings, cache fingerprints, and the line-oriented codec
// used by the "triples" export format.
//
// A triple is a set member: (subject, predicate, object) with exact
// string identity. Patterns match triples; fields may be bound values,
// the empty-string wildcard, or "?name" variables which both match and
// bind.
package triple

import (
	"sort"
	"strings"
)

// Triple is an atomic fact (subject, predicate, object).
//
// Triples are comparable and used as map keys; two triples are the same
// fact iff all three fields are equal.
type Triple struct {
	Subject   string
	Predicate string
	Object    string
}

// Pattern matches triples. A field is one of:
//
//   - a bound value: matches only that exact string
//   - "" (wildcard): matches anything, binds nothing
//   - "?name" (variable): matches anything, binds the value to name
type Pattern struct {
	Subject   string
	Predicate string
	Object    string
}

// Filter is a simple equality constraint on a bound variable.
type Filter struct {
	// Var is the variable name without the leading "?".
	Var string

	// Equals is the value the variable must bind to.
	Equals string
}

// Query is a single triple pattern with optional equality filters.
type Query struct {
	Pattern Pattern
	Filters []Filter
}

// Row is one result binding: variable name -> bound value. Results are
// an ordered slice of rows; ordering is the store's canonical triple
// order.
type Row map[string]string

// IsVariable reports whether a pattern field is a "?name" variable.
func IsVariable(field string) bool {
	return strings.HasPrefix(field, "?")
}

// IsWildcard reports whether a pattern field matches any value
// (empty string or a variable).
func IsWildcard(field string) bool {
	return field == "" || IsVariable(field)
}

// VarName returns the variable name without the "?" prefix, or "" if
// the field is not a variable.
func VarName(field string) string {
	if !IsVariable(field) {
		return ""
	}
	return field[1:]
}

// IsFullWildcard reports whether all three fields are wildcards. A full
// wildcard is legal for queries but refused by removal APIs.
func (p Pattern) IsFullWildcard() bool {
	return IsWildcard(p.Subject) && IsWildcard(p.Predicate) && IsWildcard(p.Object)
}

// Matches reports whether the pattern matches the triple, honoring
// repeated variables: (?x, knows, ?x) only matches triples whose
// subject equals their object.
func (p Pattern) Matches(t Triple) bool {
	_, ok := p.bind(t)
	return ok
}

// bind attempts to match and returns the variable bindings.
func (p Pattern) bind(t Triple) (Row, bool) {
	bindings := Row{}

	fields := [3]struct {
		pat string
		val string
	}{
		{p.Subject, t.Subject},
		{p.Predicate, t.Predicate},
		{p.Object, t.Object},
	}

	for _, f := range fields {
		switch {
		case f.pat == "":
			// wildcard, no binding
		case IsVariable(f.pat):
			name := VarName(f.pat)
			if prev, bound := bindings[name]; bound {
				if prev != f.val {
					return nil, false
				}
			} else {
				bindings[name] = f.val
			}
		default:
			if f.pat != f.val {
				return nil, false
			}
		}
	}
	return bindings, true
}

// Bind matches the query against a triple and applies its filters.
// Returns the binding row and whether the triple qualifies.
func (q Query) Bind(t Triple) (Row, bool) {
	row, ok := q.Pattern.bind(t)
	if !ok {
		return nil, false
	}
	for _, f := range q.Filters {
		val, bound := row[f.Var]
		if !bound || val != f.Equals {
			return nil, false
		}
	}
	return row, true
}

// Fingerprint returns a canonical cache key for the query. Variable
// names are normalized positionally so that (?a, status, ?b) and
// (?x, status, ?y) share a key; filters are rewritten against the
// normalized names and sorted.
func (q Query) Fingerprint() string {
	rename := map[string]string{}
	next := 0

	canon := func(field string) string {
		if field == "" {
			return "*"
		}
		if IsVariable(field) {
			name := VarName(field)
			if _, ok := rename[name]; !ok {
				rename[name] = "?v" + string(rune('0'+next))
				next++
			}
			return rename[name]
		}
		return quoteField(field)
	}

	parts := []string{
		canon(q.Pattern.Subject),
		canon(q.Pattern.Predicate),
		canon(q.Pattern.Object),
	}

	filters := make([]string, 0, len(q.Filters))
	for _, f := range q.Filters {
		name, ok := rename[f.Var]
		if !ok {
			// Filter on an unbound variable can never match; keep it
			// in the key so the empty result is cached separately.
			name = "?" + f.Var
		}
		filters = append(filters, name+"="+quoteField(f.Equals))
	}
	sort.Strings(filters)

	key := strings.Join(parts, " ")
	if len(filters) > 0 {
		key += " | " + strings.Join(filters, ",")
	}
	return key
}

// TouchPair identifies the (subject, predicate) surface a pattern can
// reach. "*" marks a wildcard position.
type TouchPair struct {
	Subject   string
	Predicate string
}

// TouchSet returns the touch pairs for the pattern. A single pattern
// yields a single pair; wildcard positions are recorded as "*" so the
// cache can match them against any mutation.
func (p Pattern) TouchSet() []TouchPair {
	pair := TouchPair{Subject: "*", Predicate: "*"}
	if !IsWildcard(p.Subject) {
		pair.Subject = p.Subject
	}
	if !IsWildcard(p.Predicate) {
		pair.Predicate = p.Predicate
	}
	return []TouchPair{pair}
}

// Touches reports whether a mutation of (subject, predicate) can affect
// results computed from this pair.
func (tp TouchPair) Touches(subject, predicate string) bool {
	if tp.Subject != "*" && tp.Subject != subject {
		return false
	}
	if tp.Predicate != "*" && tp.Predicate != predicate {
		return false
	}
	return true
}

// Sort orders triples canonically: subject, then predicate, then
// object. Used for deterministic query results and exports.
func Sort(triples []Triple) {
	sort.Slice(triples, func(i, j int) bool {
		a, b := triples[i], triples[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Predicate != b.Predicate {
			return a.Predicate < b.Predicate
		}
		return a.Object < b.Object
	})
}
