// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"errors"
	"fmt"
)

// ErrAuthorization indicates a role was denied an operation.
var ErrAuthorization = errors.New("operation not authorized")

// AuthorizationError wraps ErrAuthorization with the denied request so
// callers can report who was refused what.
type AuthorizationError struct {
	// Role is the actor role that was denied.
	Role string

	// Operation is the denied operation ("read" or "write").
	Operation Operation

	// Predicate is the predicate the operation targeted.
	Predicate string
}

// Error returns a human-readable error message.
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("role %q denied %s on predicate %q", e.Role, e.Operation, e.Predicate)
}

// Unwrap returns ErrAuthorization for errors.Is support.
func (e *AuthorizationError) Unwrap() error {
	return ErrAuthorization
}
