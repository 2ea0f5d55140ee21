// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badgerstore provides factory functions for the embedded
// BadgerDB instance backing durable audit storage.
//
// BadgerDB gives low-latency local persistence without an external
// database process. The knowledge service uses it for the append-only
// audit journal; the triple store itself stays in memory.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badgerstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless
	// InMemory is true.
	Path string

	// InMemory enables in-memory mode with no disk persistence.
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. Nil disables
	// BadgerDB logging entirely.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: synchronous writes, no
// internal logging.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

// InMemoryConfig returns a configuration for tests. Data is lost on
// close.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates and opens a BadgerDB instance.
//
// # Description
//
//	Opens the database at cfg.Path, creating the directory if needed,
//	or in memory when cfg.InMemory is set.
//
// # Outputs
//
//	*badger.DB - The opened database. Caller must call Close.
//	error - Non-nil if the path is invalid or the open fails.
//
// Thread Safety: the returned *badger.DB is safe for concurrent use.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// OpenInMemory opens an in-memory BadgerDB for testing.
func OpenInMemory() (*badger.DB, error) {
	return Open(InMemoryConfig())
}
