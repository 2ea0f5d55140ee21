// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the CLI configuration from ~/.kodiak/kodiak.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration.
type Config struct {
	// GraphFile is the file holding the serialized graph, in the
	// line-oriented triples format.
	GraphFile string `yaml:"graph_file" validate:"required"`

	// RulesFile optionally points at a YAML validation rule file.
	RulesFile string `yaml:"rules_file"`

	// AuditDir is the BadgerDB directory persisting the audit journal.
	// Empty disables persistence; entries then live only in memory for
	// the life of the command.
	AuditDir string `yaml:"audit_dir"`

	// Role is the security role CLI operations run under.
	Role string `yaml:"role" validate:"required"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

var configValidator = validator.New()

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		GraphFile: filepath.Join(baseDir(), "graph.triples"),
		AuditDir:  filepath.Join(baseDir(), "audit"),
		Role:      "admin",
		LogLevel:  "warn",
	}
}

// Path returns the default configuration file location.
func Path() string {
	return filepath.Join(baseDir(), "kodiak.yaml")
}

// Load reads the configuration at path, falling back to defaults when
// the file does not exist. Relative GraphFile, RulesFile, and AuditDir
// entries resolve against the config file's directory.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if cfg.GraphFile != "" && !filepath.IsAbs(cfg.GraphFile) {
		cfg.GraphFile = filepath.Join(dir, cfg.GraphFile)
	}
	if cfg.RulesFile != "" && !filepath.IsAbs(cfg.RulesFile) {
		cfg.RulesFile = filepath.Join(dir, cfg.RulesFile)
	}
	if cfg.AuditDir != "" && !filepath.IsAbs(cfg.AuditDir) {
		cfg.AuditDir = filepath.Join(dir, cfg.AuditDir)
	}

	if err := configValidator.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kodiak"
	}
	return filepath.Join(home, ".kodiak")
}
