// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package index maintains the secondary indices over the triple store:
// predicate -> subjects and subject -> (predicate, object) pairs.
//
// The index is updated in the same critical section as the store
// mutation it reflects; the graph manager guarantees that, so a reader
// never observes an indexed triple that is absent from the store or
// vice versa.
package index

import (
	"sync"

	"github.com/kodiak-ai/kodiak/services/knowledge/triple"
)

// poPair is a (predicate, object) entry under a subject.
type poPair struct {
	predicate string
	object    string
}

// Manager holds the secondary indices.
//
// # Thread Safety
//
// Safe for concurrent use. Consistency with the store is the graph
// manager's responsibility (shared critical section).
type Manager struct {
	mu          sync.RWMutex
	byPredicate map[string]map[string]struct{}
	bySubject   map[string]map[poPair]struct{}
}

// NewManager creates an empty index.
func NewManager() *Manager {
	return &Manager{
		byPredicate: make(map[string]map[string]struct{}),
		bySubject:   make(map[string]map[poPair]struct{}),
	}
}

// OnAdd indexes a newly stored triple.
func (m *Manager) OnAdd(t triple.Triple) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subjects, ok := m.byPredicate[t.Predicate]
	if !ok {
		subjects = make(map[string]struct{})
		m.byPredicate[t.Predicate] = subjects
	}
	subjects[t.Subject] = struct{}{}

	pairs, ok := m.bySubject[t.Subject]
	if !ok {
		pairs = make(map[poPair]struct{})
		m.bySubject[t.Subject] = pairs
	}
	pairs[poPair{t.Predicate, t.Object}] = struct{}{}
}

// OnRemove unindexes a removed triple. The predicate entry for the
// subject is dropped only when no other triple of that subject carries
// the predicate.
func (m *Manager) OnRemove(t triple.Triple) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pairs, ok := m.bySubject[t.Subject]; ok {
		delete(pairs, poPair{t.Predicate, t.Object})
		if len(pairs) == 0 {
			delete(m.bySubject, t.Subject)
		}

		// Keep predicate -> subject while another object remains.
		stillHas := false
		for pair := range pairs {
			if pair.predicate == t.Predicate {
				stillHas = true
				break
			}
		}
		if !stillHas {
			if subjects, ok := m.byPredicate[t.Predicate]; ok {
				delete(subjects, t.Subject)
				if len(subjects) == 0 {
					delete(m.byPredicate, t.Predicate)
				}
			}
		}
	}
}

// CandidatesFor narrows a pattern to candidate subjects. Returns
// (subjects, true) when the pattern has a bound subject or predicate;
// (nil, false) means the index cannot help and the caller must scan.
func (m *Manager) CandidatesFor(p triple.Pattern) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !triple.IsWildcard(p.Subject) {
		if _, ok := m.bySubject[p.Subject]; !ok {
			return []string{}, true
		}
		return []string{p.Subject}, true
	}

	if !triple.IsWildcard(p.Predicate) {
		subjects, ok := m.byPredicate[p.Predicate]
		if !ok {
			return []string{}, true
		}
		out := make([]string, 0, len(subjects))
		for s := range subjects {
			out = append(out, s)
		}
		return out, true
	}

	return nil, false
}

// SubjectCount returns the number of indexed subjects.
func (m *Manager) SubjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySubject)
}

// Rebuild replaces the indices with ones computed from the full triple
// set. Used after rollback and import, where a delta walk would cost
// more than a rebuild.
func (m *Manager) Rebuild(triples []triple.Triple) {
	byPredicate := make(map[string]map[string]struct{})
	bySubject := make(map[string]map[poPair]struct{})

	for _, t := range triples {
		subjects, ok := byPredicate[t.Predicate]
		if !ok {
			subjects = make(map[string]struct{})
			byPredicate[t.Predicate] = subjects
		}
		subjects[t.Subject] = struct{}{}

		pairs, ok := bySubject[t.Subject]
		if !ok {
			pairs = make(map[poPair]struct{})
			bySubject[t.Subject] = pairs
		}
		pairs[poPair{t.Predicate, t.Object}] = struct{}{}
	}

	m.mu.Lock()
	m.byPredicate = byPredicate
	m.bySubject = bySubject
	m.mu.Unlock()
}
