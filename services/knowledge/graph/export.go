// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/kodiak-ai/kodiak/services/knowledge/security"
	"github.com/kodiak-ai/kodiak/services/knowledge/triple"
)

// Serialization formats.
const (
	// FormatTriples is the line-oriented format, one
	// "subject predicate object" fact per line with quoting for fields
	// containing whitespace.
	FormatTriples = "triples"

	// FormatYAML is a YAML document with a top-level triples list.
	FormatYAML = "yaml"
)

// yamlDoc is the FormatYAML layout.
type yamlDoc struct {
	Version uint64       `yaml:"version"`
	Triples []yamlTriple `yaml:"triples"`
}

type yamlTriple struct {
	Subject   string `yaml:"subject"`
	Predicate string `yaml:"predicate"`
	Object    string `yaml:"object"`
}

// Export serializes the full graph content.
//
// # Outputs
//
//	[]byte - The serialized content, triples sorted for stable output.
//	error - ErrUnsupportedFormat for unknown format names.
func (m *Manager) Export(ctx context.Context, format string) ([]byte, error) {
	_, span := tracer.Start(ctx, "graph.Manager.Export",
		trace.WithAttributes(attribute.String("format", format)),
	)
	defer span.End()

	m.mu.RLock()
	version, snapshot := m.store.Snapshot()
	m.mu.RUnlock()
	triple.Sort(snapshot)

	switch format {
	case FormatTriples:
		var buf bytes.Buffer
		for _, t := range snapshot {
			buf.WriteString(triple.FormatLine(t))
			buf.WriteByte('\n')
		}
		return buf.Bytes(), nil

	case FormatYAML:
		doc := yamlDoc{Version: version, Triples: make([]yamlTriple, 0, len(snapshot))}
		for _, t := range snapshot {
			doc.Triples = append(doc.Triples, yamlTriple{
				Subject:   t.Subject,
				Predicate: t.Predicate,
				Object:    t.Object,
			})
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("marshal graph: %w", err)
		}
		return out, nil

	default:
		span.SetStatus(codes.Error, "unsupported format")
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Import replaces the graph content from serialized data.
//
// # Description
//
//	Every registered rule runs against the parsed content before any
//	of it is committed. If the incoming content carries must_not_match
//	violations the import is rejected with an *ImportRejectedError and
//	the current content is untouched; concurrent readers never observe
//	rejected facts. must_match errors do not reject; they describe
//	missing facts, not forbidden ones, and are reported by
//	ValidateGraph. An accepted import replaces the content as one new
//	version.
//
//	Requires write authority across all predicates.
//
// # Outputs
//
//	uint64 - The graph version after the call (the import's version,
//	or the unchanged current version on rejection).
//	error - Parse, authorization, or *ImportRejectedError.
func (m *Manager) Import(ctx context.Context, data []byte, format, role string) (uint64, error) {
	ctx, span := tracer.Start(ctx, "graph.Manager.Import",
		trace.WithAttributes(attribute.String("format", format)),
	)
	defer span.End()

	if err := m.auth.Check(role, security.OpWrite, "*"); err != nil {
		m.recordDenied(role, "import", triple.Triple{})
		span.SetStatus(codes.Error, "authorization denied")
		return m.store.Version(), err
	}

	incoming, err := parseContent(data, format)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return m.store.Version(), err
	}

	report, err := m.engine.Validate(ctx, candidateReader{incoming})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return m.store.Version(), err
	}

	if len(report.Violations) > 0 {
		current := m.store.Version()
		m.audit.Record(security.AuditEntry{
			ActorRole: role,
			Operation: "import",
			Object:    fmt.Sprintf("%d facts rejected, version %d unchanged", len(incoming), current),
			Outcome:   security.OutcomeError,
		})
		span.SetStatus(codes.Error, "import rejected by validation")
		m.logger.Warn("import rejected",
			"violations", len(report.Violations), "version", current)
		return current, &ImportRejectedError{
			Violations:      report.Violations,
			RestoredVersion: current,
		}
	}

	m.mu.Lock()
	importVersion := m.store.ReplaceAll(incoming)
	m.index.Rebuild(incoming)
	m.cache.Flush()
	m.mu.Unlock()

	m.audit.Record(security.AuditEntry{
		ActorRole: role,
		Operation: "import",
		Object:    fmt.Sprintf("%d facts as version %d", len(incoming), importVersion),
		Outcome:   security.OutcomeOK,
	})
	m.mutationCount.Add(1)
	m.recorder.RecordMutation()
	m.logger.Info("graph imported", "facts", len(incoming), "version", importVersion)
	return importVersion, nil
}

// candidateReader evaluates rules against a triple set that is not the
// committed store content. Used by Import to screen incoming facts.
type candidateReader struct {
	triples []triple.Triple
}

func (r candidateReader) Query(ctx context.Context, q triple.Query) ([]triple.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := make([]triple.Row, 0)
	for _, t := range r.triples {
		if row, ok := q.Bind(t); ok {
			rows = append(rows, row)
		}
	}
	sortRows(rows)
	return rows, nil
}

// parseContent decodes serialized graph content.
func parseContent(data []byte, format string) ([]triple.Triple, error) {
	switch format {
	case FormatTriples:
		var triples []triple.Triple
		scanner := bufio.NewScanner(bytes.NewReader(data))
		line := 0
		for scanner.Scan() {
			line++
			text := strings.TrimSpace(scanner.Text())
			if text == "" || strings.HasPrefix(text, "#") {
				continue
			}
			t, err := triple.ParseLine(text)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			triples = append(triples, t)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		return triples, nil

	case FormatYAML:
		var doc yamlDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml content: %w", err)
		}
		triples := make([]triple.Triple, 0, len(doc.Triples))
		for _, t := range doc.Triples {
			triples = append(triples, triple.Triple{
				Subject:   t.Subject,
				Predicate: t.Predicate,
				Object:    t.Object,
			})
		}
		return triples, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
