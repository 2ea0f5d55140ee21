// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodiak-ai/kodiak/services/knowledge/security"
	"github.com/kodiak-ai/kodiak/services/knowledge/store"
	"github.com/kodiak-ai/kodiak/services/knowledge/telemetry"
	"github.com/kodiak-ai/kodiak/services/knowledge/triple"
	"github.com/kodiak-ai/kodiak/services/knowledge/validation"
)

func adminManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{
		WithAuthorizer(security.NewAuthorizer(
			security.AccessRule{Role: "admin", Operation: security.OpWrite, PredicatePattern: "*", Effect: security.Allow},
		)),
	}, opts...)
	return NewManager(opts...)
}

func TestAddTripleIdempotent(t *testing.T) {
	m := adminManager(t)
	ctx := context.Background()

	v1, err := m.AddTriple(ctx, "agent:a1", "kodiak:status", "healthy", "admin")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	v2, err := m.AddTriple(ctx, "agent:a1", "kodiak:status", "healthy", "admin")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v2, "re-adding an existing fact must not bump the version")
}

func TestAddTripleDeniedWithoutRule(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	_, err := m.AddTriple(ctx, "agent:a1", "kodiak:status", "healthy", "viewer")
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrAuthorization)

	assert.Equal(t, int64(1), m.Metrics().SecurityViolations)
	assert.Equal(t, 0, len(mustQuery(t, m, "?s", "kodiak:status", "?o")))
}

func TestRemoveTripleNoOpWhenAbsent(t *testing.T) {
	m := adminManager(t)
	ctx := context.Background()

	v, err := m.RemoveTriple(ctx, "agent:missing", "kodiak:status", "healthy", "admin")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestRemovePatternWildcards(t *testing.T) {
	m := adminManager(t)
	ctx := context.Background()

	_, err := m.AddTriple(ctx, "agent:a1", "kodiak:status", "healthy", "admin")
	require.NoError(t, err)
	_, err = m.AddTriple(ctx, "agent:a2", "kodiak:status", "degraded", "admin")
	require.NoError(t, err)
	_, err = m.AddTriple(ctx, "agent:a1", "kodiak:owner", "team-core", "admin")
	require.NoError(t, err)

	_, err = m.RemovePattern(ctx, triple.Pattern{
		Subject: "?a", Predicate: "kodiak:status", Object: "?o",
	}, "admin")
	require.NoError(t, err)

	assert.Empty(t, mustQuery(t, m, "?s", "kodiak:status", "?o"))
	assert.Len(t, mustQuery(t, m, "?s", "kodiak:owner", "?o"), 1)
}

func TestRemovePatternRefusesFullWildcard(t *testing.T) {
	m := adminManager(t)
	_, err := m.RemovePattern(context.Background(), triple.Pattern{
		Subject: "?s", Predicate: "?p", Object: "?o",
	}, "admin")
	assert.ErrorIs(t, err, store.ErrInvalidPattern)
}

func TestUpdateGraphAtomicVersionBump(t *testing.T) {
	m := adminManager(t)
	ctx := context.Background()

	v, err := m.UpdateGraph(ctx, map[string]map[string]any{
		"agent:a1": {
			"kodiak:status": "healthy",
			"kodiak:tags":   []string{"gpu", "spot"},
		},
		"agent:a2": {
			"kodiak:status": "degraded",
		},
	}, "admin")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v, "one bump for the whole batch")

	assert.Len(t, mustQuery(t, m, "?s", "kodiak:status", "?o"), 2)
	assert.Len(t, mustQuery(t, m, "agent:a1", "kodiak:tags", "?o"), 2)
}

func TestUpdateGraphReplacesPair(t *testing.T) {
	m := adminManager(t)
	ctx := context.Background()

	_, err := m.UpdateGraph(ctx, map[string]map[string]any{
		"agent:a1": {"kodiak:status": "healthy"},
	}, "admin")
	require.NoError(t, err)

	_, err = m.UpdateGraph(ctx, map[string]map[string]any{
		"agent:a1": {"kodiak:status": "degraded"},
	}, "admin")
	require.NoError(t, err)

	rows := mustQuery(t, m, "agent:a1", "kodiak:status", "?o")
	require.Len(t, rows, 1, "a batch pair replaces that pair's prior objects")
	assert.Equal(t, "degraded", rows[0]["o"])
}

func TestUpdateGraphDenialAbortsWholeBatch(t *testing.T) {
	m := NewManager(WithAuthorizer(security.NewAuthorizer(
		security.AccessRule{Role: "agent", Operation: security.OpWrite, PredicatePattern: "kodiak:status", Effect: security.Allow},
	)))
	ctx := context.Background()

	_, err := m.UpdateGraph(ctx, map[string]map[string]any{
		"agent:a1": {
			"kodiak:status": "healthy",
			"secret:key":    "hunter2",
		},
	}, "agent")
	require.ErrorIs(t, err, security.ErrAuthorization)

	assert.Empty(t, mustQuery(t, m, "?s", "?p", "?o"), "no partial writes on denial")
	assert.Equal(t, uint64(0), m.Version())
}

func TestUpdateGraphRejectsBadValueType(t *testing.T) {
	m := adminManager(t)
	_, err := m.UpdateGraph(context.Background(), map[string]map[string]any{
		"agent:a1": {"kodiak:weight": 42},
	}, "admin")
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestQueryGraphCachesAndInvalidates(t *testing.T) {
	rec := telemetry.NewNoOpRecorder()
	m := adminManager(t, WithRecorder(rec))
	ctx := context.Background()

	_, err := m.AddTriple(ctx, "agent:a1", "kodiak:status", "healthy", "admin")
	require.NoError(t, err)

	q := triple.Query{Pattern: triple.Pattern{Subject: "?a", Predicate: "kodiak:status", Object: "?s"}}

	rows, err := m.QueryGraph(ctx, q)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = m.QueryGraph(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.CacheHits(), "second identical query hits the cache")

	// A mutation touching the queried predicate must drop the entry.
	_, err = m.AddTriple(ctx, "agent:a2", "kodiak:status", "degraded", "admin")
	require.NoError(t, err)

	rows, err = m.QueryGraph(ctx, q)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "post-mutation query sees fresh state")
}

func TestQueryGraphEquivalentQueriesShareEntry(t *testing.T) {
	rec := telemetry.NewNoOpRecorder()
	m := adminManager(t, WithRecorder(rec))
	ctx := context.Background()

	_, err := m.AddTriple(ctx, "agent:a1", "kodiak:status", "healthy", "admin")
	require.NoError(t, err)

	q1 := triple.Query{Pattern: triple.Pattern{Subject: "?x", Predicate: "kodiak:status", Object: "?y"}}
	q2 := triple.Query{Pattern: triple.Pattern{Subject: "?agent", Predicate: "kodiak:status", Object: "?status"}}

	_, err = m.QueryGraph(ctx, q1)
	require.NoError(t, err)
	_, err = m.QueryGraph(ctx, q2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.CacheHits(), "alpha-equivalent queries share one fingerprint")
}

func TestValidateGraphSurfacesFindings(t *testing.T) {
	engine := validation.NewEngine()
	require.NoError(t, engine.Register(validation.Rule{
		ID:   "no-failed-agents",
		Mode: validation.MustNotMatch,
		Query: triple.Query{Pattern: triple.Pattern{
			Subject: "?a", Predicate: "kodiak:status", Object: "failed",
		}},
	}))

	m := adminManager(t, WithValidationEngine(engine))
	ctx := context.Background()

	_, err := m.AddTriple(ctx, "agent:a1", "kodiak:status", "failed", "admin")
	require.NoError(t, err)

	report, err := m.ValidateGraph(ctx)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, int64(1), m.Metrics().ValidationErrors)
}

func TestRollbackRestoresContentAsNewVersion(t *testing.T) {
	m := adminManager(t)
	ctx := context.Background()

	v1, err := m.AddTriple(ctx, "agent:a1", "kodiak:status", "healthy", "admin")
	require.NoError(t, err)
	_, err = m.AddTriple(ctx, "agent:a2", "kodiak:status", "degraded", "admin")
	require.NoError(t, err)

	// Warm the cache so rollback's flush is observable.
	q := triple.Query{Pattern: triple.Pattern{Subject: "?a", Predicate: "kodiak:status", Object: "?s"}}
	rows, err := m.QueryGraph(ctx, q)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	newVersion, err := m.Rollback(ctx, v1, "admin")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), newVersion, "rollback is a new version, not history rewrite")

	rows, err = m.QueryGraph(ctx, q)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "agent:a1", rows[0]["a"])
}

func TestRollbackUnknownVersion(t *testing.T) {
	m := adminManager(t)
	_, err := m.Rollback(context.Background(), 99, "admin")
	require.Error(t, err)

	var unknownErr *store.UnknownVersionError
	assert.ErrorAs(t, err, &unknownErr)
}

func TestRollbackRequiresBroadWrite(t *testing.T) {
	m := NewManager(WithAuthorizer(security.NewAuthorizer(
		security.AccessRule{Role: "agent", Operation: security.OpWrite, PredicatePattern: "kodiak:status", Effect: security.Allow},
	)))
	_, err := m.Rollback(context.Background(), 1, "agent")
	assert.ErrorIs(t, err, security.ErrAuthorization)
}

func TestMetricsSnapshot(t *testing.T) {
	m := adminManager(t)
	ctx := context.Background()

	_, err := m.AddTriple(ctx, "agent:a1", "kodiak:status", "healthy", "admin")
	require.NoError(t, err)

	q := triple.Query{Pattern: triple.Pattern{Subject: "?a", Predicate: "kodiak:status", Object: "?s"}}
	_, err = m.QueryGraph(ctx, q)
	require.NoError(t, err)
	_, err = m.QueryGraph(ctx, q)
	require.NoError(t, err)

	snap := m.Metrics()
	assert.Equal(t, int64(2), snap.QueryCount)
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(1), snap.MutationCount)
	assert.Equal(t, 1, snap.TripleCount)
	assert.Equal(t, uint64(1), snap.Version)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	m := adminManager(t)
	ctx := context.Background()
	q := triple.Query{Pattern: triple.Pattern{Subject: "?a", Predicate: "kodiak:status", Object: "?s"}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			subject := "agent:a" + string(rune('0'+n))
			for j := 0; j < 20; j++ {
				_, err := m.AddTriple(ctx, subject, "kodiak:status", "healthy", "admin")
				assert.NoError(t, err)
				_, err = m.QueryGraph(ctx, q)
				assert.NoError(t, err)
				_, err = m.RemoveTriple(ctx, subject, "kodiak:status", "healthy", "admin")
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestQueryAfterMutationNeverServesStaleRows(t *testing.T) {
	m := adminManager(t)
	ctx := context.Background()
	q := triple.Query{Pattern: triple.Pattern{
		Subject: "agent:a1", Predicate: "kodiak:status", Object: "?o",
	}}

	// A racing reader's cache insert must never outlive a removal that
	// completed after the rows were computed.
	for i := 0; i < 200; i++ {
		_, err := m.AddTriple(ctx, "agent:a1", "kodiak:status", "old", "admin")
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = m.QueryGraph(ctx, q)
		}()

		_, err = m.RemoveTriple(ctx, "agent:a1", "kodiak:status", "old", "admin")
		require.NoError(t, err)

		rows, err := m.QueryGraph(ctx, q)
		require.NoError(t, err)
		assert.Empty(t, rows, "query issued after the removal completed sees it")
		<-done
	}
}

// mustQuery resolves a simple pattern and fails the test on error.
func mustQuery(t *testing.T, m *Manager, s, p, o string) []triple.Row {
	t.Helper()
	rows, err := m.QueryGraph(context.Background(), triple.Query{
		Pattern: triple.Pattern{Subject: s, Predicate: p, Object: o},
	})
	require.NoError(t, err)
	return rows
}
