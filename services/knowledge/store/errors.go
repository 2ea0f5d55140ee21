// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	// ErrUnknownVersion indicates the target version is newer than the
	// store or has been pruned below the retention horizon.
	ErrUnknownVersion = errors.New("unknown graph version")

	// ErrInvalidPattern indicates a removal pattern with all three
	// fields wildcarded. A full wipe requires an explicit Clear call.
	ErrInvalidPattern = errors.New("invalid removal pattern")
)

// UnknownVersionError wraps ErrUnknownVersion with the requested
// version and the retained range, so callers can report what is still
// reachable.
type UnknownVersionError struct {
	// Requested is the version the caller asked for.
	Requested uint64

	// Oldest is the oldest version still retained.
	Oldest uint64

	// Newest is the current version.
	Newest uint64
}

// Error returns a human-readable error message.
func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("version %d outside retained range [%d, %d]",
		e.Requested, e.Oldest, e.Newest)
}

// Unwrap returns ErrUnknownVersion for errors.Is support.
func (e *UnknownVersionError) Unwrap() error {
	return ErrUnknownVersion
}
