// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the versioned in-memory triple store.
//
// The store keeps the current triple set plus a delta log: a base
// snapshot at the oldest retained version and one (adds, removes) delta
// per committed version after it. Any retained version can be
// reconstructed by replaying deltas from the base, which is what
// Rollback does before committing the reconstructed set as a new
// version. History below the base is gone; reaching for it returns
// ErrUnknownVersion.
//
// # Thread Safety
//
// TripleStore is safe for concurrent use on its own. Observable
// atomicity across store, index, and cache is the graph manager's job:
// it serializes mutations of all three under one write lock.
package store

import (
	"sync"

	"github.com/kodiak-ai/kodiak/services/knowledge/triple"
)

// delta records one committed version transition.
type delta struct {
	added   []triple.Triple
	removed []triple.Triple
}

// TripleStore is a durable-in-memory fact store with version history.
type TripleStore struct {
	mu      sync.RWMutex
	current map[triple.Triple]struct{}

	version      uint64
	baseVersion  uint64
	baseSnapshot []triple.Triple
	deltas       []delta
}

// New creates an empty TripleStore at version 0.
func New() *TripleStore {
	return &TripleStore{
		current: make(map[triple.Triple]struct{}),
	}
}

// Version returns the current version counter.
func (s *TripleStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// OldestVersion returns the oldest version still reconstructable.
func (s *TripleStore) OldestVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseVersion
}

// Len returns the number of triples currently stored.
func (s *TripleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.current)
}

// Contains reports whether the exact triple is present.
func (s *TripleStore) Contains(t triple.Triple) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.current[t]
	return ok
}

// Add inserts a triple and returns the resulting version. Re-adding an
// existing triple is a no-op and does not advance the version.
func (s *TripleStore) Add(t triple.Triple) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.current[t]; exists {
		return s.version
	}
	s.current[t] = struct{}{}
	s.commit(delta{added: []triple.Triple{t}})
	return s.version
}

// Remove deletes all triples matching the pattern and returns the
// removed count and resulting version. A no-match removal does not
// advance the version. A pattern with all three fields wildcarded is
// refused with ErrInvalidPattern; use Clear for a full wipe.
func (s *TripleStore) Remove(p triple.Pattern) (int, uint64, error) {
	if p.IsFullWildcard() {
		return 0, 0, ErrInvalidPattern
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []triple.Triple
	for t := range s.current {
		if p.Matches(t) {
			removed = append(removed, t)
		}
	}
	if len(removed) == 0 {
		return 0, s.version, nil
	}

	for _, t := range removed {
		delete(s.current, t)
	}
	s.commit(delta{removed: removed})
	return len(removed), s.version, nil
}

// ApplyBatch commits a set of removals and additions as one version
// bump. Removals apply before additions; triples both removed and
// re-added survive. Returns the resulting version and whether anything
// changed (no change, no bump).
func (s *TripleStore) ApplyBatch(adds, removes []triple.Triple) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d delta
	for _, t := range removes {
		if _, ok := s.current[t]; ok {
			delete(s.current, t)
			d.removed = append(d.removed, t)
		}
	}
	for _, t := range adds {
		if _, ok := s.current[t]; !ok {
			s.current[t] = struct{}{}
			d.added = append(d.added, t)
		}
	}

	if len(d.added) == 0 && len(d.removed) == 0 {
		return s.version, false
	}
	s.commit(d)
	return s.version, true
}

// ReplaceAll swaps the entire content for the given triple set as one
// new version. Used by import and rollback paths.
func (s *TripleStore) ReplaceAll(triples []triple.Triple) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(triples)
	return s.version
}

// Clear removes every triple as one new version.
func (s *TripleStore) Clear() uint64 {
	return s.ReplaceAll(nil)
}

// Query returns all triples matching the pattern in canonical order.
func (s *TripleStore) Query(p triple.Pattern) []triple.Triple {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []triple.Triple
	for t := range s.current {
		if p.Matches(t) {
			out = append(out, t)
		}
	}
	triple.Sort(out)
	return out
}

// QuerySubjects is the index-assisted variant of Query: only triples of
// the given subjects are considered. The graph manager uses it when the
// index produced a candidate set.
func (s *TripleStore) QuerySubjects(p triple.Pattern, subjects []string) []triple.Triple {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []triple.Triple
	for _, subj := range subjects {
		probe := p
		probe.Subject = subj
		for t := range s.current {
			if t.Subject == subj && probe.Matches(t) {
				out = append(out, t)
			}
		}
	}
	triple.Sort(out)
	return out
}

// Snapshot returns the current version and the full triple set in
// canonical order.
func (s *TripleStore) Snapshot() (uint64, []triple.Triple) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]triple.Triple, 0, len(s.current))
	for t := range s.current {
		out = append(out, t)
	}
	triple.Sort(out)
	return s.version, out
}

// ContentAt reconstructs the triple set as of the target version.
func (s *TripleStore) ContentAt(version uint64) ([]triple.Triple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contentAtLocked(version)
}

// Rollback replaces the current content with the set as-of the target
// version and commits it as a new version. History is never rewritten:
// rolling back from version 9 to 4 produces version 10 whose content
// equals version 4's.
func (s *TripleStore) Rollback(version uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.contentAtLocked(version)
	if err != nil {
		return 0, err
	}
	s.replaceLocked(content)
	return s.version, nil
}

// Compact prunes history below the given version, making it the new
// retention horizon. Compacting above the current version is an error;
// compacting at or below the current base is a no-op.
func (s *TripleStore) Compact(before uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if before > s.version {
		return &UnknownVersionError{Requested: before, Oldest: s.baseVersion, Newest: s.version}
	}
	if before <= s.baseVersion {
		return nil
	}

	content, err := s.contentAtLocked(before)
	if err != nil {
		return err
	}
	s.deltas = s.deltas[before-s.baseVersion:]
	s.baseVersion = before
	s.baseSnapshot = content
	return nil
}

// commit appends a delta and advances the version. Caller holds the
// write lock.
func (s *TripleStore) commit(d delta) {
	s.deltas = append(s.deltas, d)
	s.version++
}

// replaceLocked swaps content for the given set and commits the diff as
// one version. Caller holds the write lock.
func (s *TripleStore) replaceLocked(triples []triple.Triple) {
	next := make(map[triple.Triple]struct{}, len(triples))
	for _, t := range triples {
		next[t] = struct{}{}
	}

	var d delta
	for t := range s.current {
		if _, keep := next[t]; !keep {
			d.removed = append(d.removed, t)
		}
	}
	for t := range next {
		if _, had := s.current[t]; !had {
			d.added = append(d.added, t)
		}
	}

	s.current = next
	s.commit(d)
}

// contentAtLocked replays deltas from the base snapshot up to the
// target version. Caller holds at least the read lock.
func (s *TripleStore) contentAtLocked(version uint64) ([]triple.Triple, error) {
	if version < s.baseVersion || version > s.version {
		return nil, &UnknownVersionError{Requested: version, Oldest: s.baseVersion, Newest: s.version}
	}

	set := make(map[triple.Triple]struct{}, len(s.baseSnapshot))
	for _, t := range s.baseSnapshot {
		set[t] = struct{}{}
	}
	for i := uint64(0); i < version-s.baseVersion; i++ {
		d := s.deltas[i]
		for _, t := range d.removed {
			delete(set, t)
		}
		for _, t := range d.added {
			set[t] = struct{}{}
		}
	}

	out := make([]triple.Triple, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	triple.Sort(out)
	return out, nil
}
