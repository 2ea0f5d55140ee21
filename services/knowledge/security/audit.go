// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome records how an audited operation ended.
type Outcome string

// Outcomes.
const (
	OutcomeOK     Outcome = "ok"
	OutcomeDenied Outcome = "denied"
	OutcomeError  Outcome = "error"
)

// AuditEntry is one append-only audit record. Entries are never
// mutated or deleted.
type AuditEntry struct {
	// ID is a generated UUID.
	ID string `json:"id"`

	// ActorRole is the role that performed (or attempted) the
	// operation.
	ActorRole string `json:"actor_role"`

	// Operation names the graph operation ("add_triple",
	// "remove_triple", "update_graph", "import", "rollback", ...).
	Operation string `json:"operation"`

	// Subject, Predicate, Object identify the affected fact. Batch
	// operations may leave Subject empty and describe the batch in
	// Object.
	Subject   string `json:"subject,omitempty"`
	Predicate string `json:"predicate,omitempty"`
	Object    string `json:"object,omitempty"`

	// Timestamp is when the entry was recorded (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Outcome is ok, denied, or error.
	Outcome Outcome `json:"outcome"`
}

// Journal is an optional persistent sink for audit entries. The
// badger-backed implementation lives in storage/badgerstore; tests use
// the in-memory log alone.
//
// Append failures must not block graph operations; the log records
// them and continues.
type Journal interface {
	// Append persists one entry.
	Append(entry AuditEntry) error
}

// AuditLog is the append-only in-memory audit log with an optional
// persistent journal behind it.
//
// # Thread Safety
//
// Safe for concurrent use.
type AuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
	journal Journal

	deniedCount int64
}

// NewAuditLog creates an AuditLog. journal may be nil for in-memory
// only operation.
func NewAuditLog(journal Journal) *AuditLog {
	return &AuditLog{journal: journal}
}

// Record appends an entry, assigning its ID and timestamp. Returns the
// stored entry.
func (l *AuditLog) Record(entry AuditEntry) AuditEntry {
	entry.ID = uuid.NewString()
	entry.Timestamp = time.Now().UTC()

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if entry.Outcome == OutcomeDenied {
		l.deniedCount++
	}
	journal := l.journal
	l.mu.Unlock()

	if journal != nil {
		// Journal failures are deliberately swallowed: persistence is
		// best-effort, the in-memory log is the source of truth for
		// the running process.
		_ = journal.Append(entry)
	}
	return entry
}

// Entries returns a copy of all entries in append order.
func (l *AuditLog) Entries() []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of recorded entries.
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// DeniedCount returns how many entries recorded a denial. Surfaced by
// the graph manager as the security violation count.
func (l *AuditLog) DeniedCount() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.deniedCount
}
