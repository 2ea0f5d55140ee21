// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package projector mirrors in-memory agent status into the knowledge
// graph and detects divergence between the two.
//
// The in-memory record is authoritative. The graph projection exists
// so other agents can query status through the normal read path;
// DetectDivergence reports drift but never corrects it, leaving repair
// to the recovery coordinator.
package projector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kodiak-ai/kodiak/pkg/logging"
	"github.com/kodiak-ai/kodiak/services/knowledge/graph"
	"github.com/kodiak-ai/kodiak/services/knowledge/triple"
)

// StatusPredicate is the predicate holding an agent's projected
// status.
const StatusPredicate = "kodiak:status"

// ErrAgentUnknown is returned for agents the projector has never seen.
var ErrAgentUnknown = errors.New("agent not registered with projector")

// AgentStateRecord tracks one agent's authoritative and projected
// status.
type AgentStateRecord struct {
	// AgentID identifies the agent.
	AgentID string `json:"agent_id"`

	// InMemoryStatus is the authoritative status.
	InMemoryStatus string `json:"in_memory_status"`

	// GraphStatus is the last status written to the graph.
	GraphStatus string `json:"graph_status"`

	// LastSyncedVersion is the graph version produced by the last
	// SyncStatus call.
	LastSyncedVersion uint64 `json:"last_synced_version"`
}

// StateProjector keeps agent status records and their graph
// projection.
//
// # Thread Safety
//
// Safe for concurrent use.
type StateProjector struct {
	mu      sync.RWMutex
	records map[string]*AgentStateRecord

	graph  *graph.Manager
	role   string
	logger *logging.Logger
}

// New creates a StateProjector writing through mgr under role.
func New(mgr *graph.Manager, role string, logger *logging.Logger) *StateProjector {
	if logger == nil {
		logger = logging.Default()
	}
	return &StateProjector{
		records: make(map[string]*AgentStateRecord),
		graph:   mgr,
		role:    role,
		logger:  logger,
	}
}

// SetStatus updates the authoritative in-memory status, registering
// the agent on first use. The graph is not touched; call SyncStatus to
// project.
func (p *StateProjector) SetStatus(agentID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[agentID]
	if !ok {
		rec = &AgentStateRecord{AgentID: agentID}
		p.records[agentID] = rec
	}
	rec.InMemoryStatus = status
}

// Record returns a copy of the agent's state record.
func (p *StateProjector) Record(agentID string) (AgentStateRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.records[agentID]
	if !ok {
		return AgentStateRecord{}, fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}
	return *rec, nil
}

// SyncStatus writes the agent's in-memory status into the graph,
// replacing any prior status triple, and records the produced version.
//
// # Outputs
//
//	error - Authorization errors from the graph write; ErrAgentUnknown
//	when the agent was never registered via SetStatus.
func (p *StateProjector) SyncStatus(ctx context.Context, agentID string) error {
	p.mu.RLock()
	rec, ok := p.records[agentID]
	if !ok {
		p.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}
	status := rec.InMemoryStatus
	p.mu.RUnlock()

	version, err := p.graph.UpdateGraph(ctx, map[string]map[string]any{
		subjectFor(agentID): {StatusPredicate: status},
	}, p.role)
	if err != nil {
		return fmt.Errorf("project status for %s: %w", agentID, err)
	}

	p.mu.Lock()
	if rec, ok := p.records[agentID]; ok {
		rec.GraphStatus = status
		rec.LastSyncedVersion = version
	}
	p.mu.Unlock()

	p.logger.Debug("status projected", "agent", agentID, "status", status, "version", version)
	return nil
}

// DetectDivergence compares the graph's view of the agent against the
// in-memory status.
//
// # Description
//
//	The graph is read through the normal cached query path, so a
//	divergence report reflects what other agents actually observe. A
//	missing status triple counts as divergence unless the in-memory
//	status is also empty. Reports only; never corrects.
//
// # Outputs
//
//	bool - True when graph and memory disagree.
//	error - ErrAgentUnknown or query errors.
func (p *StateProjector) DetectDivergence(ctx context.Context, agentID string) (bool, error) {
	p.mu.RLock()
	rec, ok := p.records[agentID]
	if !ok {
		p.mu.RUnlock()
		return false, fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}
	want := rec.InMemoryStatus
	p.mu.RUnlock()

	rows, err := p.graph.QueryGraph(ctx, triple.Query{Pattern: triple.Pattern{
		Subject:   subjectFor(agentID),
		Predicate: StatusPredicate,
		Object:    "?status",
	}})
	if err != nil {
		return false, fmt.Errorf("read projected status for %s: %w", agentID, err)
	}

	var got string
	if len(rows) > 0 {
		got = rows[0]["status"]
	}

	diverged := got != want
	if diverged {
		p.logger.Warn("agent state divergence",
			"agent", agentID, "memory", want, "graph", got)
	}
	return diverged, nil
}

// Deregister removes the agent's record and its status triple.
func (p *StateProjector) Deregister(ctx context.Context, agentID string) error {
	p.mu.Lock()
	_, ok := p.records[agentID]
	delete(p.records, agentID)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}

	_, err := p.graph.RemovePattern(ctx, triple.Pattern{
		Subject:   subjectFor(agentID),
		Predicate: StatusPredicate,
		Object:    "?status",
	}, p.role)
	if err != nil {
		return fmt.Errorf("remove projected status for %s: %w", agentID, err)
	}
	return nil
}

// Agents returns the IDs of all registered agents.
func (p *StateProjector) Agents() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.records))
	for id := range p.records {
		out = append(out, id)
	}
	return out
}

func subjectFor(agentID string) string {
	return "agent:" + agentID
}
