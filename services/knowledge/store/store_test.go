// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodiak-ai/kodiak/services/knowledge/triple"
)

func fact(s, p, o string) triple.Triple {
	return triple.Triple{Subject: s, Predicate: p, Object: o}
}

func TestAddIsIdempotent(t *testing.T) {
	s := New()

	v1 := s.Add(fact("agent:1", "status", "healthy"))
	assert.Equal(t, uint64(1), v1)

	// Re-adding the same fact is a no-op: no version bump.
	v2 := s.Add(fact("agent:1", "status", "healthy"))
	assert.Equal(t, uint64(1), v2)
	assert.Equal(t, 1, s.Len())
}

func TestRemoveByPattern(t *testing.T) {
	s := New()
	s.Add(fact("agent:1", "status", "healthy"))
	s.Add(fact("agent:1", "owner", "ops"))
	s.Add(fact("agent:2", "status", "error"))

	count, v, err := s.Remove(triple.Pattern{Subject: "agent:1"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, uint64(4), v)
	assert.Equal(t, 1, s.Len())

	// No-match removal does not advance the version.
	count, v, err = s.Remove(triple.Pattern{Subject: "agent:404"})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, uint64(4), v)
}

func TestRemoveRefusesFullWildcard(t *testing.T) {
	s := New()
	s.Add(fact("a", "b", "c"))

	_, _, err := s.Remove(triple.Pattern{})
	assert.ErrorIs(t, err, ErrInvalidPattern)
	assert.Equal(t, 1, s.Len(), "refused removal must not touch content")

	// Variables count as wildcards too.
	_, _, err = s.Remove(triple.Pattern{Subject: "?s", Predicate: "?p", Object: "?o"})
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestClearIsExplicit(t *testing.T) {
	s := New()
	s.Add(fact("a", "b", "c"))
	v := s.Clear()
	assert.Equal(t, uint64(2), v)
	assert.Equal(t, 0, s.Len())
}

func TestQueryPatterns(t *testing.T) {
	s := New()
	s.Add(fact("agent:1", "status", "error"))
	s.Add(fact("agent:2", "status", "healthy"))
	s.Add(fact("agent:1", "owner", "ops"))

	got := s.Query(triple.Pattern{Predicate: "status"})
	require.Len(t, got, 2)
	assert.Equal(t, "agent:1", got[0].Subject)
	assert.Equal(t, "agent:2", got[1].Subject)

	got = s.Query(triple.Pattern{Subject: "agent:1", Predicate: "status", Object: "?x"})
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0].Object)
}

func TestApplyBatchSingleVersionBump(t *testing.T) {
	s := New()
	s.Add(fact("agent:1", "status", "healthy"))
	before := s.Version()

	v, changed := s.ApplyBatch(
		[]triple.Triple{fact("agent:1", "status", "error"), fact("agent:1", "owner", "ops")},
		[]triple.Triple{fact("agent:1", "status", "healthy")},
	)
	assert.True(t, changed)
	assert.Equal(t, before+1, v)
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains(fact("agent:1", "status", "error")))
	assert.False(t, s.Contains(fact("agent:1", "status", "healthy")))

	// An effect-free batch does not advance the version.
	v2, changed := s.ApplyBatch([]triple.Triple{fact("agent:1", "owner", "ops")}, nil)
	assert.False(t, changed)
	assert.Equal(t, v, v2)
}

func TestRollbackRestoresContent(t *testing.T) {
	s := New()
	s.Add(fact("a", "p", "1")) // v1
	s.Add(fact("b", "p", "2")) // v2
	_, atV2 := s.Snapshot()
	s.Add(fact("c", "p", "3"))                        // v3
	s.Remove(triple.Pattern{Subject: "a"})            // v4
	require.Equal(t, uint64(4), s.Version())

	newV, err := s.Rollback(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), newV, "rollback is itself a new version")

	_, now := s.Snapshot()
	assert.Equal(t, atV2, now)

	// History above the rollback target is still reachable.
	v3Content, err := s.ContentAt(3)
	require.NoError(t, err)
	assert.Len(t, v3Content, 3)
}

func TestRollbackToVersionZero(t *testing.T) {
	s := New()
	s.Add(fact("a", "p", "1"))
	newV, err := s.Rollback(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), newV)
	assert.Equal(t, 0, s.Len())
}

func TestRollbackUnknownVersion(t *testing.T) {
	s := New()
	s.Add(fact("a", "p", "1"))

	_, err := s.Rollback(99)
	assert.ErrorIs(t, err, ErrUnknownVersion)

	var uv *UnknownVersionError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, uint64(99), uv.Requested)
	assert.Equal(t, uint64(1), uv.Newest)
}

func TestCompactPrunesHistory(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		s.Add(fact("s", "p", fmt.Sprintf("o%d", i)))
	}
	require.Equal(t, uint64(5), s.Version())

	require.NoError(t, s.Compact(3))
	assert.Equal(t, uint64(3), s.OldestVersion())

	// Versions below the horizon are gone.
	_, err := s.ContentAt(2)
	assert.ErrorIs(t, err, ErrUnknownVersion)
	_, err = s.Rollback(2)
	assert.ErrorIs(t, err, ErrUnknownVersion)

	// Versions at and above the horizon still reconstruct.
	content, err := s.ContentAt(3)
	require.NoError(t, err)
	assert.Len(t, content, 3)

	// Compacting at or below the horizon is a no-op.
	require.NoError(t, s.Compact(1))
	assert.Equal(t, uint64(3), s.OldestVersion())

	// Compacting past the newest version is an error.
	err = s.Compact(42)
	assert.True(t, errors.Is(err, ErrUnknownVersion))
}

func TestReplaceAllDiffsAgainstCurrent(t *testing.T) {
	s := New()
	s.Add(fact("a", "p", "1"))
	s.Add(fact("b", "p", "2"))

	v := s.ReplaceAll([]triple.Triple{fact("b", "p", "2"), fact("c", "p", "3")})
	assert.Equal(t, uint64(3), v)
	assert.False(t, s.Contains(fact("a", "p", "1")))
	assert.True(t, s.Contains(fact("c", "p", "3")))

	// The surviving triple must not appear in the delta churn: rolling
	// back across the replace restores exactly the prior set.
	_, err := s.Rollback(2)
	require.NoError(t, err)
	_, now := s.Snapshot()
	assert.Equal(t, []triple.Triple{fact("a", "p", "1"), fact("b", "p", "2")}, now)
}
