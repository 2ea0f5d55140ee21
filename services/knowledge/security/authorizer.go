// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package security provides role-based write authorization and the
// append-only audit log for the knowledge graph.
//
// Policy model: an ordered rule list evaluated first-match-wins, with
// default-deny for writes and default-allow for reads. Every mutating
// operation (and every sensitive read) passes through Authorize before
// touching the store; denials are audited with outcome "denied".
package security

import (
	"strings"
	"sync"
)

// Operation is the access class a rule governs.
type Operation string

// Operations.
const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// Effect is a rule's verdict.
type Effect string

// Effects.
const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// AccessRule grants or denies one (role, operation) pair on a
// predicate pattern. PredicatePattern is an exact predicate, "*" for
// all predicates, or a "prefix*" wildcard. Role may also be "*".
type AccessRule struct {
	Role             string
	Operation        Operation
	PredicatePattern string
	Effect           Effect
}

// matches reports whether the rule covers the request.
func (r AccessRule) matches(role string, op Operation, predicate string) bool {
	if r.Operation != op {
		return false
	}
	if r.Role != "*" && r.Role != role {
		return false
	}
	switch {
	case r.PredicatePattern == "*":
		return true
	case strings.HasSuffix(r.PredicatePattern, "*"):
		return strings.HasPrefix(predicate, strings.TrimSuffix(r.PredicatePattern, "*"))
	default:
		return r.PredicatePattern == predicate
	}
}

// Authorizer evaluates access rules.
//
// # Thread Safety
//
// Safe for concurrent use; rule mutation takes the write lock.
type Authorizer struct {
	mu    sync.RWMutex
	rules []AccessRule
}

// NewAuthorizer creates an Authorizer with the given initial rules.
func NewAuthorizer(rules ...AccessRule) *Authorizer {
	return &Authorizer{rules: append([]AccessRule(nil), rules...)}
}

// AddRule appends a rule. Rules are evaluated in insertion order,
// first match wins.
func (a *Authorizer) AddRule(rule AccessRule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, rule)
}

// Authorize reports whether the role may perform the operation on the
// predicate. With no matching rule, writes are denied and reads are
// allowed.
func (a *Authorizer) Authorize(role string, op Operation, predicate string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, rule := range a.rules {
		if rule.matches(role, op, predicate) {
			return rule.Effect == Allow
		}
	}
	return op == OpRead
}

// Check returns nil when authorized, or an *AuthorizationError.
func (a *Authorizer) Check(role string, op Operation, predicate string) error {
	if a.Authorize(role, op, predicate) {
		return nil
	}
	return &AuthorizationError{Role: role, Operation: op, Predicate: predicate}
}
