// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph provides the Manager, the single entry point to the
// shared knowledge graph.
//
// The Manager owns the versioned triple store, the predicate index,
// the query cache, the authorizer, and the audit log. Callers never
// touch those components directly. Every mutation runs under one write
// section and is all-or-nothing across store, index, cache, and audit;
// reads run concurrently through the cache.
package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kodiak-ai/kodiak/pkg/logging"
	"github.com/kodiak-ai/kodiak/services/knowledge/cache"
	"github.com/kodiak-ai/kodiak/services/knowledge/index"
	"github.com/kodiak-ai/kodiak/services/knowledge/security"
	"github.com/kodiak-ai/kodiak/services/knowledge/store"
	"github.com/kodiak-ai/kodiak/services/knowledge/telemetry"
	"github.com/kodiak-ai/kodiak/services/knowledge/triple"
	"github.com/kodiak-ai/kodiak/services/knowledge/validation"
)

var tracer = otel.Tracer("kodiak.knowledge.graph")

// Snapshot is a point-in-time view of manager counters.
type Snapshot struct {
	QueryCount         int64  `json:"query_count"`
	CacheHits          int64  `json:"cache_hits"`
	CacheMisses        int64  `json:"cache_misses"`
	MutationCount      int64  `json:"mutation_count"`
	ValidationErrors   int64  `json:"validation_errors"`
	SecurityViolations int64  `json:"security_violations"`
	TripleCount        int    `json:"triple_count"`
	Version            uint64 `json:"version"`
	OldestVersion      uint64 `json:"oldest_version"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuthorizer replaces the default (empty rule set) authorizer.
func WithAuthorizer(a *security.Authorizer) Option {
	return func(m *Manager) { m.auth = a }
}

// WithAuditJournal attaches a persistent journal behind the audit log.
func WithAuditJournal(j security.Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithValidationEngine replaces the default empty engine.
func WithValidationEngine(e *validation.Engine) Option {
	return func(m *Manager) { m.engine = e }
}

// WithRecorder sets the telemetry recorder. Defaults to a NoOpRecorder.
func WithRecorder(r telemetry.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithLogger sets the logger. Defaults to logging.Default().
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithQueryTTL sets the cache TTL applied to query results.
func WithQueryTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.queryTTL = ttl }
}

// WithCacheOptions forwards options to the query cache.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(m *Manager) { m.cacheOpts = opts }
}

// Manager is the shared knowledge graph.
//
// # Thread Safety
//
// Safe for concurrent use. Reads take the read lock and run
// concurrently; mutations take the write lock and are observably
// atomic across the store, index, cache, and audit log.
type Manager struct {
	mu sync.RWMutex

	store  *store.TripleStore
	index  *index.Manager
	cache  *cache.QueryCache
	auth   *security.Authorizer
	audit  *security.AuditLog
	engine *validation.Engine

	recorder telemetry.Recorder
	logger   *logging.Logger
	journal  security.Journal

	queryTTL  time.Duration
	cacheOpts []cache.Option

	queryCount       atomic.Int64
	mutationCount    atomic.Int64
	validationErrors atomic.Int64
}

// NewManager creates a Manager with an empty graph.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		store:    store.New(),
		index:    index.NewManager(),
		queryTTL: cache.DefaultTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.auth == nil {
		m.auth = security.NewAuthorizer()
	}
	if m.engine == nil {
		m.engine = validation.NewEngine()
	}
	if m.recorder == nil {
		m.recorder = telemetry.NewNoOpRecorder()
	}
	if m.logger == nil {
		m.logger = logging.Default()
	}
	m.audit = security.NewAuditLog(m.journal)
	m.cache = cache.New(m.cacheOpts...)
	return m
}

// Engine returns the validation engine for rule registration.
func (m *Manager) Engine() *validation.Engine { return m.engine }

// Audit returns the audit log.
func (m *Manager) Audit() *security.AuditLog { return m.audit }

// AddTriple adds one fact under role's authority.
//
// # Description
//
//	Authorization, store and index mutation, selective cache
//	invalidation, and the audit entry all happen under the write
//	section. Adding a fact that already exists is a no-op and does not
//	bump the version.
//
// # Outputs
//
//	uint64 - The graph version after the call.
//	error - *security.AuthorizationError when role may not write the
//	predicate; ctx errors surfaced as-is.
func (m *Manager) AddTriple(ctx context.Context, subject, predicate, object, role string) (uint64, error) {
	ctx, span := tracer.Start(ctx, "graph.Manager.AddTriple",
		trace.WithAttributes(
			attribute.String("predicate", predicate),
			attribute.String("role", role),
		),
	)
	defer span.End()

	t := triple.Triple{Subject: subject, Predicate: predicate, Object: object}
	if err := m.authorizeWrite(role, "add_triple", t, span); err != nil {
		return m.store.Version(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store.Contains(t) {
		m.recordOK(role, "add_triple", t)
		return m.store.Version(), nil
	}

	version := m.store.Add(t)
	m.index.OnAdd(t)
	m.cache.InvalidateFor(subject, predicate)
	m.recordOK(role, "add_triple", t)
	m.mutationCount.Add(1)
	m.recorder.RecordMutation()

	m.logger.Debug("triple added",
		"subject", subject, "predicate", predicate, "version", version)
	return version, nil
}

// RemoveTriple removes one exact fact. Absent facts are a no-op, not
// an error.
func (m *Manager) RemoveTriple(ctx context.Context, subject, predicate, object, role string) (uint64, error) {
	return m.RemovePattern(ctx, triple.Pattern{
		Subject:   subject,
		Predicate: predicate,
		Object:    object,
	}, role)
}

// RemovePattern removes every fact matching the pattern.
//
// # Description
//
//	Pattern fields may be variables or empty (wildcards); the fully
//	wildcard pattern is refused with store.ErrInvalidPattern. For
//	patterns with a variable or wildcard predicate, authorization is
//	checked against each matched fact's predicate and any denial
//	aborts the whole removal.
//
// # Outputs
//
//	uint64 - The graph version after the call.
//	error - Authorization or pattern errors; nil on a no-match no-op.
func (m *Manager) RemovePattern(ctx context.Context, p triple.Pattern, role string) (uint64, error) {
	ctx, span := tracer.Start(ctx, "graph.Manager.RemovePattern",
		trace.WithAttributes(
			attribute.String("predicate", p.Predicate),
			attribute.String("role", role),
		),
	)
	defer span.End()

	if triple.IsWildcard(p.Subject) && triple.IsWildcard(p.Predicate) && triple.IsWildcard(p.Object) {
		return m.store.Version(), store.ErrInvalidPattern
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	matches := m.store.Query(p)
	for _, t := range matches {
		if err := m.auth.Check(role, security.OpWrite, t.Predicate); err != nil {
			m.recordDenied(role, "remove_pattern", t)
			span.SetStatus(codes.Error, "authorization denied")
			return m.store.Version(), err
		}
	}
	if len(matches) == 0 {
		// Still authorize against the literal predicate so a denied
		// role cannot probe for absence.
		if !triple.IsWildcard(p.Predicate) {
			if err := m.auth.Check(role, security.OpWrite, p.Predicate); err != nil {
				m.recordDenied(role, "remove_pattern", triple.Triple{Predicate: p.Predicate})
				span.SetStatus(codes.Error, "authorization denied")
				return m.store.Version(), err
			}
		}
		m.recordOK(role, "remove_pattern", triple.Triple{Predicate: p.Predicate})
		return m.store.Version(), nil
	}

	version, _ := m.store.ApplyBatch(nil, matches)
	for _, t := range matches {
		m.index.OnRemove(t)
		m.cache.InvalidateFor(t.Subject, t.Predicate)
		m.recordOK(role, "remove_pattern", t)
	}
	m.mutationCount.Add(1)
	m.recorder.RecordMutation()

	m.logger.Debug("pattern removed",
		"predicate", p.Predicate, "matched", len(matches), "version", version)
	return version, nil
}

// UpdateGraph applies a batch of facts as one atomic version bump.
//
// # Description
//
//	batch maps subject to predicate to value, where value is a string
//	or a []string for multi-object predicates. Each (subject,
//	predicate) pair in the batch replaces that pair's existing
//	objects. Authorization for every touched predicate is checked
//	before any write; a single denial aborts the whole batch with no
//	partial writes and one audit entry per denial.
//
// # Outputs
//
//	uint64 - The graph version after the call.
//	error - ErrInvalidBatch for bad value types; authorization errors.
func (m *Manager) UpdateGraph(ctx context.Context, batch map[string]map[string]any, role string) (uint64, error) {
	ctx, span := tracer.Start(ctx, "graph.Manager.UpdateGraph",
		trace.WithAttributes(
			attribute.Int("subjects", len(batch)),
			attribute.String("role", role),
		),
	)
	defer span.End()

	type pair struct{ subject, predicate string }
	adds := make([]triple.Triple, 0, len(batch))
	pairs := make([]pair, 0, len(batch))

	for subject, predicates := range batch {
		for predicate, value := range predicates {
			var objects []string
			switch v := value.(type) {
			case string:
				objects = []string{v}
			case []string:
				objects = v
			default:
				return m.store.Version(), fmt.Errorf(
					"%w: %s/%s has type %T", ErrInvalidBatch, subject, predicate, value)
			}
			pairs = append(pairs, pair{subject, predicate})
			for _, object := range objects {
				adds = append(adds, triple.Triple{
					Subject:   subject,
					Predicate: predicate,
					Object:    object,
				})
			}
		}
	}

	// Authorize the whole batch before touching anything.
	for _, p := range pairs {
		if err := m.auth.Check(role, security.OpWrite, p.predicate); err != nil {
			m.recordDenied(role, "update_graph", triple.Triple{Subject: p.subject, Predicate: p.predicate})
			span.SetStatus(codes.Error, "authorization denied")
			return m.store.Version(), err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var removes []triple.Triple
	for _, p := range pairs {
		removes = append(removes, m.store.Query(triple.Pattern{
			Subject:   p.subject,
			Predicate: p.predicate,
			Object:    "?o",
		})...)
	}

	version, changed := m.store.ApplyBatch(adds, removes)
	if changed {
		for _, t := range removes {
			m.index.OnRemove(t)
		}
		for _, t := range adds {
			m.index.OnAdd(t)
		}
		for _, p := range pairs {
			m.cache.InvalidateFor(p.subject, p.predicate)
		}
		m.mutationCount.Add(1)
		m.recorder.RecordMutation()
	}
	m.audit.Record(security.AuditEntry{
		ActorRole: role,
		Operation: "update_graph",
		Object:    fmt.Sprintf("%d facts across %d subjects", len(adds), len(batch)),
		Outcome:   security.OutcomeOK,
	})

	m.logger.Debug("graph batch applied",
		"subjects", len(batch), "facts", len(adds), "version", version)
	return version, nil
}

// QueryGraph resolves a pattern query through the cache.
//
// # Description
//
//	The query is normalized to a fingerprint; concurrent misses on the
//	same fingerprint compute once. The miss path narrows candidates
//	through the index before scanning, binds variables, applies
//	filters, and caches the rows with the pattern's touch set, all
//	under the read lock: a mutation that completes after the compute
//	cannot have its invalidation overwritten by the insert. Rows are
//	sorted by their variable bindings for stable output.
//
//	ctx is checked on entry; acquisition of the internal read lock does
//	not watch ctx, so a caller's deadline bounds the call only once the
//	lock is held.
func (m *Manager) QueryGraph(ctx context.Context, q triple.Query) ([]triple.Row, error) {
	ctx, span := tracer.Start(ctx, "graph.Manager.QueryGraph")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fp := q.Fingerprint()
	rows, hit, err := m.cache.GetOrCompute(fp, func() ([]triple.Row, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		rows := m.queryUncachedLocked(q)
		m.cache.Put(fp, rows, q.Pattern.TouchSet(), m.queryTTL)
		return rows, nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Bool("cache_hit", hit), attribute.Int("rows", len(rows)))
	m.queryCount.Add(1)
	m.recorder.RecordQuery(hit)
	return rows, nil
}

// queryUncached resolves a query against the store without the cache.
func (m *Manager) queryUncached(q triple.Query) []triple.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryUncachedLocked(q)
}

// queryUncachedLocked is queryUncached's body. Caller holds m.mu.
func (m *Manager) queryUncachedLocked(q triple.Query) []triple.Row {
	var matched []triple.Triple
	if subjects, ok := m.index.CandidatesFor(q.Pattern); ok {
		matched = m.store.QuerySubjects(q.Pattern, subjects)
	} else {
		matched = m.store.Query(q.Pattern)
	}

	rows := make([]triple.Row, 0, len(matched))
	for _, t := range matched {
		if row, ok := q.Bind(t); ok {
			rows = append(rows, row)
		}
	}
	sortRows(rows)
	return rows
}

// uncachedReader satisfies validation.QueryReader without touching the
// query cache, so validation passes do not evict live entries.
type uncachedReader struct {
	m *Manager
}

func (r uncachedReader) Query(ctx context.Context, q triple.Query) ([]triple.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.m.queryUncached(q), nil
}

// ValidateGraph runs every registered rule against the current content.
//
// # Outputs
//
//	validation.Report - Findings plus nothing else; the security
//	violation count is surfaced through Metrics.
//	error - Non-nil when a rule evaluation fails or ctx is cancelled.
func (m *Manager) ValidateGraph(ctx context.Context) (validation.Report, error) {
	ctx, span := tracer.Start(ctx, "graph.Manager.ValidateGraph")
	defer span.End()

	report, err := m.engine.Validate(ctx, uncachedReader{m})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return validation.Report{}, err
	}

	m.validationErrors.Add(int64(len(report.Errors) + len(report.Violations)))
	m.recorder.RecordValidation(len(report.Errors), len(report.Violations))
	span.SetAttributes(
		attribute.Int("errors", len(report.Errors)),
		attribute.Int("violations", len(report.Violations)),
	)
	return report, nil
}

// Rollback restores the content of an earlier version as a new
// version.
//
// # Description
//
//	Requires write authority across all predicates (an allow rule with
//	PredicatePattern "*"). The cache is fully flushed rather than
//	selectively invalidated; the delta between two versions can span
//	arbitrary pairs. The index is rebuilt from the restored snapshot.
//
// # Outputs
//
//	uint64 - The new version holding the restored content.
//	error - *store.UnknownVersionError when version is outside
//	retained history; authorization errors.
func (m *Manager) Rollback(ctx context.Context, version uint64, role string) (uint64, error) {
	ctx, span := tracer.Start(ctx, "graph.Manager.Rollback",
		trace.WithAttributes(attribute.Int64("target_version", int64(version))),
	)
	defer span.End()

	if err := m.auth.Check(role, security.OpWrite, "*"); err != nil {
		m.recordDenied(role, "rollback", triple.Triple{})
		span.SetStatus(codes.Error, "authorization denied")
		return m.store.Version(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newVersion, err := m.store.Rollback(version)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return m.store.Version(), err
	}

	_, snapshot := m.store.Snapshot()
	m.index.Rebuild(snapshot)
	m.cache.Flush()
	m.audit.Record(security.AuditEntry{
		ActorRole: role,
		Operation: "rollback",
		Object:    fmt.Sprintf("restored version %d as version %d", version, newVersion),
		Outcome:   security.OutcomeOK,
	})
	m.mutationCount.Add(1)
	m.recorder.RecordMutation()

	m.logger.Info("graph rolled back", "target", version, "version", newVersion)
	return newVersion, nil
}

// Compact drops version history older than before. Content is
// unaffected.
func (m *Manager) Compact(ctx context.Context, before uint64, role string) error {
	_, span := tracer.Start(ctx, "graph.Manager.Compact")
	defer span.End()

	if err := m.auth.Check(role, security.OpWrite, "*"); err != nil {
		m.recordDenied(role, "compact", triple.Triple{})
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Compact(before); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	m.audit.Record(security.AuditEntry{
		ActorRole: role,
		Operation: "compact",
		Object:    fmt.Sprintf("history before version %d", before),
		Outcome:   security.OutcomeOK,
	})
	return nil
}

// Version returns the current graph version.
func (m *Manager) Version() uint64 {
	return m.store.Version()
}

// Metrics returns a snapshot of manager counters.
func (m *Manager) Metrics() Snapshot {
	stats := m.cache.Snapshot()
	return Snapshot{
		QueryCount:         m.queryCount.Load(),
		CacheHits:          stats.Hits,
		CacheMisses:        stats.Misses,
		MutationCount:      m.mutationCount.Load(),
		ValidationErrors:   m.validationErrors.Load(),
		SecurityViolations: m.audit.DeniedCount(),
		TripleCount:        m.store.Len(),
		Version:            m.store.Version(),
		OldestVersion:      m.store.OldestVersion(),
	}
}

// authorizeWrite checks role against t's predicate and audits denial.
func (m *Manager) authorizeWrite(role, operation string, t triple.Triple, span trace.Span) error {
	if err := m.auth.Check(role, security.OpWrite, t.Predicate); err != nil {
		m.recordDenied(role, operation, t)
		span.SetStatus(codes.Error, "authorization denied")
		return err
	}
	return nil
}

func (m *Manager) recordOK(role, operation string, t triple.Triple) {
	m.audit.Record(security.AuditEntry{
		ActorRole: role,
		Operation: operation,
		Subject:   t.Subject,
		Predicate: t.Predicate,
		Object:    t.Object,
		Outcome:   security.OutcomeOK,
	})
}

func (m *Manager) recordDenied(role, operation string, t triple.Triple) {
	m.audit.Record(security.AuditEntry{
		ActorRole: role,
		Operation: operation,
		Subject:   t.Subject,
		Predicate: t.Predicate,
		Object:    t.Object,
		Outcome:   security.OutcomeDenied,
	})
	m.recorder.RecordSecurityViolation()
	m.logger.Warn("operation denied", "role", role, "operation", operation, "predicate", t.Predicate)
}

// sortRows orders rows by their bindings for deterministic output.
func sortRows(rows []triple.Row) {
	sort.Slice(rows, func(i, j int) bool {
		return rowKey(rows[i]) < rowKey(rows[j])
	})
}

func rowKey(r triple.Row) string {
	vars := make([]string, 0, len(r))
	for v := range r {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	key := ""
	for _, v := range vars {
		key += v + "=" + r[v] + ";"
	}
	return key
}
