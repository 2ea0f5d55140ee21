// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "kodiak.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "admin", cfg.Role)
	assert.NotEmpty(t, cfg.GraphFile)
	assert.NotEmpty(t, cfg.AuditDir, "audit persistence is on by default")
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kodiak.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"graph_file: facts.triples\nrules_file: rules.yaml\naudit_dir: audit\nrole: operator\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "facts.triples"), cfg.GraphFile)
	assert.Equal(t, filepath.Join(dir, "rules.yaml"), cfg.RulesFile)
	assert.Equal(t, filepath.Join(dir, "audit"), cfg.AuditDir)
	assert.Equal(t, "operator", cfg.Role)
}

func TestLoadAllowsDisablingAuditJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kodiak.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"graph_file: facts.triples\naudit_dir: \"\"\nrole: admin\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.AuditDir)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kodiak.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"graph_file: facts.triples\nrole: admin\nlog_level: loud\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kodiak.yaml")
	require.NoError(t, os.WriteFile(path, []byte("graph_file: [\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
