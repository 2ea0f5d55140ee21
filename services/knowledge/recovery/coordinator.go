// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package recovery drives failed agents back to health.
//
// Each managed agent carries a state machine (Healthy -> Degraded ->
// Recovering -> Healthy or Failed) and a three-tier lock chain. A
// reported failure selects a strategy by kind, runs it under the
// recovery timeout, validates the result, and retries with backoff
// until success or exhaustion. Failed is terminal until an explicit
// Reset.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kodiak-ai/kodiak/pkg/logging"
	"github.com/kodiak-ai/kodiak/services/knowledge/graph"
	"github.com/kodiak-ai/kodiak/services/knowledge/projector"
	"github.com/kodiak-ai/kodiak/services/knowledge/telemetry"
)

var tracer = otel.Tracer("kodiak.knowledge.recovery")

// AgentState is one state in the per-agent machine.
type AgentState string

// Agent states.
const (
	StateHealthy    AgentState = "healthy"
	StateDegraded   AgentState = "degraded"
	StateRecovering AgentState = "recovering"
	StateFailed     AgentState = "failed"
)

// Attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Attempt failure causes.
const (
	CauseLockTimeout      = "lock_timeout"
	CauseCancelled        = "cancelled"
	CauseStrategyError    = "strategy_error"
	CauseValidationFailed = "validation_failed"
)

// RecoveryAttempt is one entry in an agent's recovery history.
type RecoveryAttempt struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Strategy   string    `json:"strategy"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Outcome    string    `json:"outcome"`
	Cause      string    `json:"cause,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// StrategyMetrics aggregates outcomes per strategy.
type StrategyMetrics struct {
	Attempts      int64   `json:"attempts"`
	Successes     int64   `json:"successes"`
	Failures      int64   `json:"failures"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// observe folds one attempt into the running mean.
func (m *StrategyMetrics) observe(success bool, duration time.Duration) {
	m.Attempts++
	if success {
		m.Successes++
	} else {
		m.Failures++
	}
	ms := float64(duration.Milliseconds())
	m.AvgDurationMS += (ms - m.AvgDurationMS) / float64(m.Attempts)
}

// registry enforces one coordinator per agent process-wide.
var registry = struct {
	mu     sync.Mutex
	owners map[string]*Coordinator
}{owners: make(map[string]*Coordinator)}

// agentRecord is the coordinator's per-agent bookkeeping.
type agentRecord struct {
	id       string
	state    AgentState
	locks    *lockChain
	attempts []RecoveryAttempt
}

// Coordinator manages recovery for a set of registered agents.
//
// # Thread Safety
//
// Safe for concurrent use. Recoveries for distinct agents run
// concurrently; the per-agent lock chain serializes work on one agent.
type Coordinator struct {
	mu     sync.RWMutex
	agents map[string]*agentRecord

	cfg        Config
	projector  *projector.StateProjector
	graph      *graph.Manager
	role       string
	strategies map[FailureKind]Strategy
	metrics    map[string]*StrategyMetrics
	recorder   telemetry.Recorder
	logger     *logging.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithStrategy replaces the strategy for one failure kind.
func WithStrategy(kind FailureKind, s Strategy) CoordinatorOption {
	return func(c *Coordinator) { c.strategies[kind] = s }
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r telemetry.Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a Coordinator.
//
// # Inputs
//
//	cfg - Validated at construction; invalid configuration is refused.
//	proj - Agent state projector. Must not be nil.
//	mgr - Knowledge graph. Must not be nil.
//	role - Security role for graph writes performed by strategies.
func NewCoordinator(cfg Config, proj *projector.StateProjector, mgr *graph.Manager, role string, opts ...CoordinatorOption) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if proj == nil || mgr == nil {
		return nil, fmt.Errorf("%w: projector and graph are required", ErrInvalidConfig)
	}

	c := &Coordinator{
		agents:     make(map[string]*agentRecord),
		cfg:        cfg,
		projector:  proj,
		graph:      mgr,
		role:       role,
		strategies: defaultStrategies(),
		metrics:    make(map[string]*StrategyMetrics),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.recorder == nil {
		c.recorder = telemetry.NewNoOpRecorder()
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	return c, nil
}

// Register claims an agent for this coordinator.
//
// # Outputs
//
//	error - ErrAgentAlreadyManaged when any coordinator (including
//	this one) already owns the agent.
func (c *Coordinator) Register(agentID string) error {
	registry.mu.Lock()
	if _, ok := registry.owners[agentID]; ok {
		registry.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentAlreadyManaged, agentID)
	}
	registry.owners[agentID] = c
	registry.mu.Unlock()

	c.mu.Lock()
	c.agents[agentID] = &agentRecord{
		id:    agentID,
		state: StateHealthy,
		locks: newLockChain(),
	}
	c.mu.Unlock()

	c.logger.Info("agent registered for recovery", "agent", agentID)
	return nil
}

// Deregister releases an agent. Its history is discarded.
func (c *Coordinator) Deregister(agentID string) error {
	c.mu.Lock()
	_, ok := c.agents[agentID]
	delete(c.agents, agentID)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	registry.mu.Lock()
	if registry.owners[agentID] == c {
		delete(registry.owners, agentID)
	}
	registry.mu.Unlock()
	return nil
}

// State returns the agent's current state.
func (c *Coordinator) State(agentID string) (AgentState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.agents[agentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return rec.state, nil
}

// History returns a copy of the agent's recovery attempts, oldest
// first. Available in every state, including Failed.
func (c *Coordinator) History(agentID string) ([]RecoveryAttempt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	out := make([]RecoveryAttempt, len(rec.attempts))
	copy(out, rec.attempts)
	return out, nil
}

// Metrics returns a copy of per-strategy aggregates.
func (c *Coordinator) Metrics() map[string]StrategyMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]StrategyMetrics, len(c.metrics))
	for name, m := range c.metrics {
		out[name] = *m
	}
	return out
}

// Reset returns a Failed agent to Healthy. History is retained.
func (c *Coordinator) Reset(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	rec.state = StateHealthy
	c.logger.Info("agent reset", "agent", agentID)
	return nil
}

// ReportFailure marks the agent Degraded and drives recovery.
//
// # Description
//
//	Runs up to MaxAttempts strategy executions with backoff between
//	attempts. Each attempt acquires the agent's full lock chain; an
//	acquisition timeout is itself a failed attempt with cause
//	lock_timeout. After a strategy succeeds, the result is validated
//	(divergence check plus rule pass) under ValidationTimeout before
//	the agent is declared Healthy. Exhaustion moves the agent to
//	Failed, projects its last known status under CleanupTimeout, and
//	is terminal until Reset.
//
// # Outputs
//
//	error - ErrAgentNotFound, ErrAgentFailed for an already-failed
//	agent, ctx errors on cancellation, ErrRecoveryExhausted after the
//	final failed attempt.
func (c *Coordinator) ReportFailure(ctx context.Context, agentID string, kind FailureKind) error {
	ctx, span := tracer.Start(ctx, "recovery.Coordinator.ReportFailure",
		trace.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("failure_kind", string(kind)),
		),
	)
	defer span.End()

	c.mu.Lock()
	rec, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if rec.state == StateFailed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentFailed, agentID)
	}
	rec.state = StateDegraded
	c.mu.Unlock()

	strategy := c.strategyFor(kind)
	c.logger.Warn("agent failure reported",
		"agent", agentID, "kind", string(kind), "strategy", strategy.Name())

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.waitBackoff(ctx, attempt); err != nil {
			c.setState(agentID, StateDegraded)
			span.SetStatus(codes.Error, "cancelled during backoff")
			return err
		}

		err := c.attemptRecovery(ctx, rec, strategy)
		if err == nil {
			c.setState(agentID, StateHealthy)
			c.logger.Info("agent recovered",
				"agent", agentID, "strategy", strategy.Name(), "attempt", attempt)
			return nil
		}

		if ctx.Err() != nil {
			// The attempt was recorded as a failure; the agent stays
			// Degraded so a later report can retry.
			c.setState(agentID, StateDegraded)
			span.SetStatus(codes.Error, "cancelled")
			return ctx.Err()
		}

		c.setState(agentID, StateDegraded)
		c.logger.Warn("recovery attempt failed",
			"agent", agentID, "attempt", attempt, "error", err.Error())
	}

	c.setState(agentID, StateFailed)
	c.cleanupFailed(ctx, agentID)
	span.SetStatus(codes.Error, "exhausted")
	return fmt.Errorf("%w: agent %s after %d attempts", ErrRecoveryExhausted, agentID, c.cfg.MaxAttempts)
}

// cleanupFailed projects the agent's in-memory status one last time so
// state queries against the graph show the terminal state. Best
// effort, bounded by CleanupTimeout; recovery already failed, so a
// cleanup error only logs.
func (c *Coordinator) cleanupFailed(ctx context.Context, agentID string) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CleanupTimeout)
	defer cancel()

	if err := c.projector.SyncStatus(cctx, agentID); err != nil {
		c.logger.Warn("post-failure cleanup failed", "agent", agentID, "error", err.Error())
	}
}

// attemptRecovery runs one locked strategy execution plus validation.
func (c *Coordinator) attemptRecovery(ctx context.Context, rec *agentRecord, strategy Strategy) error {
	started := time.Now()

	release, err := rec.locks.acquire(ctx, c.cfg.LockTimeout)
	if err != nil {
		cause := CauseLockTimeout
		if !errors.Is(err, ErrLockTimeout) {
			cause = CauseCancelled
		}
		c.recordAttempt(rec, strategy.Name(), started, OutcomeFailure, cause)
		return err
	}
	defer release()

	c.setState(rec.id, StateRecovering)

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.RecoveryTimeout)
	err = strategy.Recover(runCtx, Target{
		AgentID:   rec.id,
		Projector: c.projector,
		Graph:     c.graph,
		Role:      c.role,
	})
	cancel()
	if err != nil {
		// A deadline from the attempt's own recovery timeout is a
		// strategy failure and retriable; only the caller's context
		// counts as cancellation.
		cause := CauseStrategyError
		if ctx.Err() != nil {
			cause = CauseCancelled
		}
		c.recordAttempt(rec, strategy.Name(), started, OutcomeFailure, cause)
		return err
	}

	if err := c.validateRecovery(ctx, rec.id); err != nil {
		cause := CauseValidationFailed
		if errors.Is(err, context.Canceled) {
			cause = CauseCancelled
		}
		c.recordAttempt(rec, strategy.Name(), started, OutcomeFailure, cause)
		return err
	}

	c.recordAttempt(rec, strategy.Name(), started, OutcomeSuccess, "")
	return nil
}

// validateRecovery confirms the repaired agent is consistent: no
// divergence between memory and graph, and no rule violations
// involving the graph content.
func (c *Coordinator) validateRecovery(ctx context.Context, agentID string) error {
	vctx, cancel := context.WithTimeout(ctx, c.cfg.ValidationTimeout)
	defer cancel()

	diverged, err := c.projector.DetectDivergence(vctx, agentID)
	if err != nil {
		return fmt.Errorf("post-recovery divergence check: %w", err)
	}
	if diverged {
		return errors.New("post-recovery state still diverged")
	}

	report, err := c.graph.ValidateGraph(vctx)
	if err != nil {
		return fmt.Errorf("post-recovery validation: %w", err)
	}
	if len(report.Violations) > 0 {
		return fmt.Errorf("post-recovery validation found %d violations", len(report.Violations))
	}
	return nil
}

// waitBackoff sleeps the configured delay before attempt, honoring
// cancellation.
func (c *Coordinator) waitBackoff(ctx context.Context, attempt int) error {
	delay := c.cfg.delayFor(attempt)
	if delay <= 0 {
		// Let the attempt itself observe cancellation so it is
		// recorded in history.
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// strategyFor resolves the dispatch table, falling back to default.
func (c *Coordinator) strategyFor(kind FailureKind) Strategy {
	if s, ok := c.strategies[kind]; ok {
		return s
	}
	return c.strategies[FailureDefault]
}

func (c *Coordinator) setState(agentID string, state AgentState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.agents[agentID]; ok {
		rec.state = state
	}
}

// recordAttempt appends history and folds metrics under the
// coordinator lock. Mirrored into the telemetry recorder.
func (c *Coordinator) recordAttempt(rec *agentRecord, strategy string, started time.Time, outcome, cause string) {
	ended := time.Now()
	duration := ended.Sub(started)

	attempt := RecoveryAttempt{
		ID:         uuid.NewString(),
		AgentID:    rec.id,
		Strategy:   strategy,
		StartedAt:  started.UTC(),
		EndedAt:    ended.UTC(),
		Outcome:    outcome,
		Cause:      cause,
		DurationMS: duration.Milliseconds(),
	}

	c.mu.Lock()
	rec.attempts = append(rec.attempts, attempt)
	m, ok := c.metrics[strategy]
	if !ok {
		m = &StrategyMetrics{}
		c.metrics[strategy] = m
	}
	m.observe(outcome == OutcomeSuccess, duration)
	c.mu.Unlock()

	c.recorder.RecordRecovery(strategy, outcome, duration)
}
