// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package triple

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// quoteField quotes a field when it contains whitespace, quotes, or is
// empty, so a line always splits back into exactly three fields.
func quoteField(field string) string {
	if field == "" || strings.ContainsFunc(field, unicode.IsSpace) || strings.ContainsAny(field, `"\`) {
		return strconv.Quote(field)
	}
	return field
}

// FormatLine renders a triple as one line of the "triples" format:
// three whitespace-separated fields, quoted as needed.
func FormatLine(t Triple) string {
	return quoteField(t.Subject) + " " + quoteField(t.Predicate) + " " + quoteField(t.Object)
}

// ParseLine parses one line of the "triples" format. Blank lines and
// lines starting with '#' are rejected by the caller, not here.
func ParseLine(line string) (Triple, error) {
	fields, err := splitFields(line)
	if err != nil {
		return Triple{}, err
	}
	if len(fields) != 3 {
		return Triple{}, fmt.Errorf("expected 3 fields, got %d in %q", len(fields), line)
	}
	return Triple{Subject: fields[0], Predicate: fields[1], Object: fields[2]}, nil
}

// splitFields splits a line on whitespace, honoring Go-style quoted
// fields.
func splitFields(line string) ([]string, error) {
	var fields []string
	i := 0
	for i < len(line) {
		// Skip whitespace.
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) {
			break
		}

		if line[i] == '"' {
			end := findClosingQuote(line, i)
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote in %q", line)
			}
			unquoted, err := strconv.Unquote(line[i : end+1])
			if err != nil {
				return nil, fmt.Errorf("bad quoted field in %q: %w", line, err)
			}
			fields = append(fields, unquoted)
			i = end + 1
			continue
		}

		start := i
		for i < len(line) && line[i] != ' ' && line[i] != '\t' {
			i++
		}
		fields = append(fields, line[start:i])
	}
	return fields, nil
}

// findClosingQuote returns the index of the closing quote for the
// quoted field starting at start, or -1.
func findClosingQuote(line string, start int) int {
	escaped := false
	for i := start + 1; i < len(line); i++ {
		if escaped {
			escaped = false
			continue
		}
		switch line[i] {
		case '\\':
			escaped = true
		case '"':
			return i
		}
	}
	return -1
}
