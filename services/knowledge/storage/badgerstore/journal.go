// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badgerstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/kodiak-ai/kodiak/services/knowledge/security"
)

// Journal errors.
var (
	// ErrJournalClosed is returned when operations are called on a
	// closed journal.
	ErrJournalClosed = errors.New("audit journal is closed")
)

// auditKeyPrefix namespaces journal keys inside a shared database.
const auditKeyPrefix = "audit/"

// AuditJournal persists audit entries to BadgerDB under monotonically
// increasing sequence keys. It implements security.Journal.
//
// Key layout: "audit/" + 8-byte big-endian sequence number, so a
// prefix iteration yields entries in append order.
//
// # Thread Safety
//
// Safe for concurrent use.
type AuditJournal struct {
	db     *badger.DB
	seq    atomic.Uint64
	mu     sync.Mutex
	closed bool
}

// NewAuditJournal creates a journal on an open database. The sequence
// counter resumes from the highest key already present, so restarts
// never reuse sequence numbers.
func NewAuditJournal(db *badger.DB) (*AuditJournal, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	j := &AuditJournal{db: db}

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the whole prefix range, then step back to the
		// newest audit key.
		seek := append([]byte(auditKeyPrefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.ValidForPrefix([]byte(auditKeyPrefix)); it.Next() {
			key := it.Item().Key()
			if len(key) == len(auditKeyPrefix)+8 {
				j.seq.Store(binary.BigEndian.Uint64(key[len(auditKeyPrefix):]))
			}
			break
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit journal: %w", err)
	}
	return j, nil
}

// Append implements security.Journal.
func (j *AuditJournal) Append(entry security.AuditEntry) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrJournalClosed
	}
	j.mu.Unlock()

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	seq := j.seq.Add(1)
	key := journalKey(seq)

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("append audit entry %d: %w", seq, err)
	}
	return nil
}

// Entries replays all persisted entries in append order.
func (j *AuditJournal) Entries() ([]security.AuditEntry, error) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil, ErrJournalClosed
	}
	j.mu.Unlock()

	var out []security.AuditEntry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var entry security.AuditEntry
				if err := json.Unmarshal(val, &entry); err != nil {
					return fmt.Errorf("decode audit entry %s: %w", it.Item().Key(), err)
				}
				out = append(out, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of persisted entries.
func (j *AuditJournal) Len() (int, error) {
	entries, err := j.Entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Close marks the journal closed. The underlying database is owned by
// the caller and is not closed here.
func (j *AuditJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func journalKey(seq uint64) []byte {
	key := make([]byte, len(auditKeyPrefix)+8)
	copy(key, auditKeyPrefix)
	binary.BigEndian.PutUint64(key[len(auditKeyPrefix):], seq)
	return key
}

var _ security.Journal = (*AuditJournal)(nil)
