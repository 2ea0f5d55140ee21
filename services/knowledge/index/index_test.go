// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package index

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodiak-ai/kodiak/services/knowledge/triple"
)

func fact(s, p, o string) triple.Triple {
	return triple.Triple{Subject: s, Predicate: p, Object: o}
}

func TestCandidatesBoundSubject(t *testing.T) {
	m := NewManager()
	m.OnAdd(fact("agent:1", "status", "error"))

	subjects, ok := m.CandidatesFor(triple.Pattern{Subject: "agent:1"})
	require.True(t, ok)
	assert.Equal(t, []string{"agent:1"}, subjects)

	// Unknown subject narrows to the empty candidate set, not a scan.
	subjects, ok = m.CandidatesFor(triple.Pattern{Subject: "agent:404"})
	require.True(t, ok)
	assert.Empty(t, subjects)
}

func TestCandidatesBoundPredicate(t *testing.T) {
	m := NewManager()
	m.OnAdd(fact("agent:1", "status", "error"))
	m.OnAdd(fact("agent:2", "status", "healthy"))
	m.OnAdd(fact("agent:2", "owner", "ops"))

	subjects, ok := m.CandidatesFor(triple.Pattern{Predicate: "status", Object: "?o"})
	require.True(t, ok)
	sort.Strings(subjects)
	assert.Equal(t, []string{"agent:1", "agent:2"}, subjects)
}

func TestCandidatesFullWildcardNeedsScan(t *testing.T) {
	m := NewManager()
	m.OnAdd(fact("a", "p", "o"))

	_, ok := m.CandidatesFor(triple.Pattern{Subject: "?s", Predicate: "?p", Object: "?o"})
	assert.False(t, ok)
}

func TestOnRemoveKeepsPredicateWhileObjectsRemain(t *testing.T) {
	m := NewManager()
	m.OnAdd(fact("agent:1", "tag", "a"))
	m.OnAdd(fact("agent:1", "tag", "b"))

	m.OnRemove(fact("agent:1", "tag", "a"))
	subjects, ok := m.CandidatesFor(triple.Pattern{Predicate: "tag"})
	require.True(t, ok)
	assert.Equal(t, []string{"agent:1"}, subjects, "second object still indexed")

	m.OnRemove(fact("agent:1", "tag", "b"))
	subjects, ok = m.CandidatesFor(triple.Pattern{Predicate: "tag"})
	require.True(t, ok)
	assert.Empty(t, subjects)
	assert.Equal(t, 0, m.SubjectCount())
}

func TestRebuild(t *testing.T) {
	m := NewManager()
	m.OnAdd(fact("stale", "p", "o"))

	m.Rebuild([]triple.Triple{
		fact("agent:1", "status", "error"),
		fact("agent:2", "status", "healthy"),
	})

	subjects, ok := m.CandidatesFor(triple.Pattern{Subject: "stale"})
	require.True(t, ok)
	assert.Empty(t, subjects)

	subjects, ok = m.CandidatesFor(triple.Pattern{Predicate: "status"})
	require.True(t, ok)
	assert.Len(t, subjects, 2)
}
