// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package triple

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternMatches(t *testing.T) {
	fact := Triple{Subject: "agent:1", Predicate: "status", Object: "error"}

	tests := []struct {
		name    string
		pattern Pattern
		want    bool
	}{
		{"exact match", Pattern{"agent:1", "status", "error"}, true},
		{"exact mismatch", Pattern{"agent:1", "status", "healthy"}, false},
		{"wildcard object", Pattern{"agent:1", "status", ""}, true},
		{"variable object", Pattern{"agent:1", "status", "?s"}, true},
		{"full wildcard", Pattern{}, true},
		{"wrong subject", Pattern{"agent:2", "", ""}, false},
		{"repeated variable mismatch", Pattern{"?x", "status", "?x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pattern.Matches(fact))
		})
	}
}

func TestRepeatedVariableBinds(t *testing.T) {
	self := Triple{Subject: "node:a", Predicate: "links", Object: "node:a"}
	row, ok := Pattern{"?x", "links", "?x"}.bind(self)
	require.True(t, ok)
	assert.Equal(t, "node:a", row["x"])
}

func TestQueryBindAppliesFilters(t *testing.T) {
	fact := Triple{Subject: "agent:1", Predicate: "status", Object: "error"}

	q := Query{
		Pattern: Pattern{Subject: "?a", Predicate: "status", Object: "?s"},
		Filters: []Filter{{Var: "s", Equals: "error"}},
	}
	row, ok := q.Bind(fact)
	require.True(t, ok)
	assert.Equal(t, "agent:1", row["a"])
	assert.Equal(t, "error", row["s"])

	q.Filters = []Filter{{Var: "s", Equals: "healthy"}}
	_, ok = q.Bind(fact)
	assert.False(t, ok)

	// Filter on a variable the pattern never binds matches nothing.
	q.Filters = []Filter{{Var: "missing", Equals: "x"}}
	_, ok = q.Bind(fact)
	assert.False(t, ok)
}

func TestFingerprintNormalizesVariables(t *testing.T) {
	a := Query{Pattern: Pattern{"?x", "status", "?y"}}
	b := Query{Pattern: Pattern{"?agent", "status", "?state"}}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := Query{Pattern: Pattern{"?x", "status", ""}}
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	// Filters participate in the key.
	d := Query{
		Pattern: Pattern{"?x", "status", "?y"},
		Filters: []Filter{{Var: "y", Equals: "error"}},
	}
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}

func TestFingerprintFilterOrderIndependent(t *testing.T) {
	a := Query{
		Pattern: Pattern{"?x", "?p", "?y"},
		Filters: []Filter{{Var: "y", Equals: "1"}, {Var: "p", Equals: "status"}},
	}
	b := Query{
		Pattern: Pattern{"?x", "?p", "?y"},
		Filters: []Filter{{Var: "p", Equals: "status"}, {Var: "y", Equals: "1"}},
	}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestTouchSet(t *testing.T) {
	pairs := Pattern{Subject: "agent:1", Predicate: "status", Object: "?s"}.TouchSet()
	require.Len(t, pairs, 1)
	assert.Equal(t, TouchPair{Subject: "agent:1", Predicate: "status"}, pairs[0])

	pairs = Pattern{Subject: "?a", Predicate: "status"}.TouchSet()
	assert.Equal(t, TouchPair{Subject: "*", Predicate: "status"}, pairs[0])

	assert.True(t, pairs[0].Touches("agent:1", "status"))
	assert.True(t, pairs[0].Touches("agent:2", "status"))
	assert.False(t, pairs[0].Touches("agent:1", "owner"))
}

func TestLineRoundTrip(t *testing.T) {
	tests := []Triple{
		{"agent:1", "status", "error"},
		{"doc:1", "title", "a title with spaces"},
		{"doc:2", "body", `quotes "inside" and \ backslash`},
		{"s", "p", ""},
	}

	for _, tt := range tests {
		line := FormatLine(tt)
		got, err := ParseLine(line)
		require.NoError(t, err, "line %q", line)
		assert.Equal(t, tt, got)
	}
}

func TestParseLineErrors(t *testing.T) {
	for _, line := range []string{
		"only two",
		"one two three four",
		`broken "quote`,
	} {
		_, err := ParseLine(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestSort(t *testing.T) {
	triples := []Triple{
		{"b", "p", "1"},
		{"a", "q", "2"},
		{"a", "p", "2"},
		{"a", "p", "1"},
	}
	Sort(triples)
	assert.Equal(t, []Triple{
		{"a", "p", "1"},
		{"a", "p", "2"},
		{"a", "q", "2"},
		{"b", "p", "1"},
	}, triples)
}
