// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry provides the metrics recorder used by the graph
// manager and the recovery coordinator.
//
// Two implementations ship:
//
//   - NoOpRecorder: counts in memory, no export. Development, tests,
//     air-gapped deployments.
//   - PrometheusRecorder: full Prometheus export for dashboards and
//     alerting.
//
// The interface is the contract; callers never depend on the concrete
// type.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric namespace and subsystems.
const (
	metricsNamespace         = "kodiak"
	metricsSubsystemGraph    = "graph"
	metricsSubsystemRecovery = "recovery"
)

// Recorder receives metric events from the knowledge graph core.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Recorder interface {
	// RecordQuery counts one query and whether it hit the cache.
	RecordQuery(hit bool)

	// RecordMutation counts one committed mutation batch.
	RecordMutation()

	// RecordValidation counts a validation run's error and violation
	// totals.
	RecordValidation(errors, violations int)

	// RecordSecurityViolation counts one denied operation.
	RecordSecurityViolation()

	// RecordRecovery observes one finished recovery attempt.
	RecordRecovery(strategy, outcome string, duration time.Duration)
}

// NoOpRecorder tracks totals in memory without export.
//
// # Thread Safety
//
// Safe for concurrent use.
type NoOpRecorder struct {
	queries            atomic.Int64
	cacheHits          atomic.Int64
	mutations          atomic.Int64
	validationErrors   atomic.Int64
	securityViolations atomic.Int64

	mu       sync.Mutex
	attempts map[string]int64
}

// NewNoOpRecorder creates an in-memory recorder.
func NewNoOpRecorder() *NoOpRecorder {
	return &NoOpRecorder{attempts: make(map[string]int64)}
}

// RecordQuery implements Recorder.
func (r *NoOpRecorder) RecordQuery(hit bool) {
	r.queries.Add(1)
	if hit {
		r.cacheHits.Add(1)
	}
}

// RecordMutation implements Recorder.
func (r *NoOpRecorder) RecordMutation() {
	r.mutations.Add(1)
}

// RecordValidation implements Recorder.
func (r *NoOpRecorder) RecordValidation(errors, violations int) {
	r.validationErrors.Add(int64(errors + violations))
}

// RecordSecurityViolation implements Recorder.
func (r *NoOpRecorder) RecordSecurityViolation() {
	r.securityViolations.Add(1)
}

// RecordRecovery implements Recorder.
func (r *NoOpRecorder) RecordRecovery(strategy, outcome string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[strategy+"/"+outcome]++
}

// Queries returns the total query count.
func (r *NoOpRecorder) Queries() int64 { return r.queries.Load() }

// CacheHits returns the cache hit count.
func (r *NoOpRecorder) CacheHits() int64 { return r.cacheHits.Load() }

// Mutations returns the committed mutation count.
func (r *NoOpRecorder) Mutations() int64 { return r.mutations.Load() }

// SecurityViolations returns the denied-operation count.
func (r *NoOpRecorder) SecurityViolations() int64 { return r.securityViolations.Load() }

// RecoveryAttempts returns the attempt count for a strategy/outcome
// pair.
func (r *NoOpRecorder) RecoveryAttempts(strategy, outcome string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[strategy+"/"+outcome]
}

var _ Recorder = (*NoOpRecorder)(nil)

// PrometheusRecorder exports metrics through a prometheus.Registerer.
//
// Exported series:
//
//   - kodiak_graph_queries_total{cache}
//   - kodiak_graph_mutations_total
//   - kodiak_graph_validation_findings_total{kind}
//   - kodiak_graph_security_violations_total
//   - kodiak_recovery_attempts_total{strategy,outcome}
//   - kodiak_recovery_duration_seconds{strategy}
type PrometheusRecorder struct {
	queries            *prometheus.CounterVec
	mutations          prometheus.Counter
	validationFindings *prometheus.CounterVec
	securityViolations prometheus.Counter
	recoveryAttempts   *prometheus.CounterVec
	recoveryDuration   *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a recorder with all series registered
// on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemGraph,
			Name:      "queries_total",
			Help:      "Pattern queries served, labeled by cache outcome.",
		}, []string{"cache"}),
		mutations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemGraph,
			Name:      "mutations_total",
			Help:      "Committed mutation batches.",
		}),
		validationFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemGraph,
			Name:      "validation_findings_total",
			Help:      "Validation findings by kind (error or violation).",
		}, []string{"kind"}),
		securityViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemGraph,
			Name:      "security_violations_total",
			Help:      "Operations denied by the authorizer.",
		}),
		recoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemRecovery,
			Name:      "attempts_total",
			Help:      "Recovery attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		recoveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemRecovery,
			Name:      "duration_seconds",
			Help:      "Recovery attempt duration by strategy.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
	}

	reg.MustRegister(
		r.queries,
		r.mutations,
		r.validationFindings,
		r.securityViolations,
		r.recoveryAttempts,
		r.recoveryDuration,
	)
	return r
}

// RecordQuery implements Recorder.
func (r *PrometheusRecorder) RecordQuery(hit bool) {
	label := "miss"
	if hit {
		label = "hit"
	}
	r.queries.WithLabelValues(label).Inc()
}

// RecordMutation implements Recorder.
func (r *PrometheusRecorder) RecordMutation() {
	r.mutations.Inc()
}

// RecordValidation implements Recorder.
func (r *PrometheusRecorder) RecordValidation(errors, violations int) {
	if errors > 0 {
		r.validationFindings.WithLabelValues("error").Add(float64(errors))
	}
	if violations > 0 {
		r.validationFindings.WithLabelValues("violation").Add(float64(violations))
	}
}

// RecordSecurityViolation implements Recorder.
func (r *PrometheusRecorder) RecordSecurityViolation() {
	r.securityViolations.Inc()
}

// RecordRecovery implements Recorder.
func (r *PrometheusRecorder) RecordRecovery(strategy, outcome string, duration time.Duration) {
	r.recoveryAttempts.WithLabelValues(strategy, outcome).Inc()
	r.recoveryDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

var _ Recorder = (*PrometheusRecorder)(nil)
