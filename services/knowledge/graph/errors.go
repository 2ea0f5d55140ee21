// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"errors"
	"fmt"

	"github.com/kodiak-ai/kodiak/services/knowledge/validation"
)

// Graph errors.
var (
	// ErrUnsupportedFormat is returned by Export and Import for a
	// format name that is not registered.
	ErrUnsupportedFormat = errors.New("unsupported serialization format")

	// ErrImportRejected indicates an import was refused because its
	// content carried rule violations.
	ErrImportRejected = errors.New("import rejected by validation")

	// ErrInvalidBatch is returned by UpdateGraph for batch values that
	// are neither string nor []string.
	ErrInvalidBatch = errors.New("invalid batch value")
)

// ImportRejectedError wraps ErrImportRejected with the violations that
// caused the refusal. The committed content is untouched.
type ImportRejectedError struct {
	// Violations are the must_not_match findings the import carried.
	Violations []validation.Finding

	// RestoredVersion is the version still in effect after rejection.
	RestoredVersion uint64
}

// Error returns a human-readable error message.
func (e *ImportRejectedError) Error() string {
	return fmt.Sprintf("import rejected: %d rule violations, content kept at version %d",
		len(e.Violations), e.RestoredVersion)
}

// Unwrap returns ErrImportRejected for errors.Is support.
func (e *ImportRejectedError) Unwrap() error {
	return ErrImportRejected
}
