// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recovery

import (
	"context"
	"fmt"

	"github.com/kodiak-ai/kodiak/services/knowledge/graph"
	"github.com/kodiak-ai/kodiak/services/knowledge/projector"
	"github.com/kodiak-ai/kodiak/services/knowledge/triple"
)

// FailureKind classifies a reported failure and selects the recovery
// strategy. The set is closed: adding a kind means adding a strategy
// and a metrics bucket, not changing dispatch.
type FailureKind string

// Failure kinds.
const (
	FailureTimeout         FailureKind = "timeout"
	FailureStateCorruption FailureKind = "state_corruption"
	FailureDefault         FailureKind = "default"
)

// Target is what a strategy operates on. Strategies receive handles,
// never coordinator internals, and must respect ctx deadlines on every
// graph call.
type Target struct {
	// AgentID is the agent under recovery.
	AgentID string

	// Projector holds the agent's authoritative state.
	Projector *projector.StateProjector

	// Graph is the shared knowledge graph.
	Graph *graph.Manager

	// Role is the security role graph writes run under.
	Role string
}

// Strategy is one recovery behavior.
type Strategy interface {
	// Name identifies the strategy in metrics and attempt history.
	Name() string

	// Recover repairs the target. A nil return means the repair
	// completed; the coordinator still validates before declaring the
	// agent healthy.
	Recover(ctx context.Context, target Target) error
}

// defaultStrategies returns the built-in dispatch table.
func defaultStrategies() map[FailureKind]Strategy {
	return map[FailureKind]Strategy{
		FailureTimeout:         timeoutStrategy{},
		FailureStateCorruption: stateCorruptionStrategy{},
		FailureDefault:         resyncStrategy{},
	}
}

// timeoutStrategy handles agents that stalled mid-operation. The
// in-memory record survived, so re-projecting it into the graph is
// sufficient.
type timeoutStrategy struct{}

func (timeoutStrategy) Name() string { return "timeout" }

func (timeoutStrategy) Recover(ctx context.Context, target Target) error {
	if err := target.Projector.SyncStatus(ctx, target.AgentID); err != nil {
		return fmt.Errorf("resync after timeout: %w", err)
	}
	return nil
}

// stateCorruptionStrategy handles agents whose graph projection can no
// longer be trusted. It drops every fact under the agent's subject and
// rebuilds the projection from the in-memory record.
type stateCorruptionStrategy struct{}

func (stateCorruptionStrategy) Name() string { return "state_corruption" }

func (stateCorruptionStrategy) Recover(ctx context.Context, target Target) error {
	rec, err := target.Projector.Record(target.AgentID)
	if err != nil {
		return fmt.Errorf("read agent record: %w", err)
	}

	_, err = target.Graph.RemovePattern(ctx, triple.Pattern{
		Subject:   "agent:" + target.AgentID,
		Predicate: "?p",
		Object:    "?o",
	}, target.Role)
	if err != nil {
		return fmt.Errorf("drop corrupted projection: %w", err)
	}

	// Restore only the status fact; anything else under the subject
	// was untrusted.
	target.Projector.SetStatus(target.AgentID, rec.InMemoryStatus)
	if err := target.Projector.SyncStatus(ctx, target.AgentID); err != nil {
		return fmt.Errorf("rebuild projection: %w", err)
	}
	return nil
}

// resyncStrategy is the fallback for unclassified failures.
type resyncStrategy struct{}

func (resyncStrategy) Name() string { return "default" }

func (resyncStrategy) Recover(ctx context.Context, target Target) error {
	diverged, err := target.Projector.DetectDivergence(ctx, target.AgentID)
	if err != nil {
		return fmt.Errorf("check divergence: %w", err)
	}
	if !diverged {
		return nil
	}
	if err := target.Projector.SyncStatus(ctx, target.AgentID); err != nil {
		return fmt.Errorf("resync diverged state: %w", err)
	}
	return nil
}
