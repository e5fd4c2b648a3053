// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

// Package store provides storage implementations.
package store

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v2"
)

// recordPrefix namespaces registry records inside the database.
const recordPrefix = "extension:"

// RegistryRecord is one installed extension as persisted in the registry
// table.
type RegistryRecord struct {
	ID        string
	Name      string
	Contract  string
	Runtime   string
	State     string
	Fault     string
	UpdatedAt time.Time
}

// RegistryStore persists the extension registry table in BadgerDB.
type RegistryStore struct {
	db *badger.DB
}

// OpenRegistryStore opens the registry table at dir, creating it if absent.
// An existing store that cannot be opened is fatal to the caller: the
// registry must not run against state it cannot trust.
func OpenRegistryStore(dir string) (*RegistryStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry store at %s: %w", dir, err)
	}
	return &RegistryStore{db: db}, nil
}

// Close releases the database.
func (s *RegistryStore) Close() error {
	return s.db.Close()
}

// Put writes one record, stamping UpdatedAt.
func (s *RegistryStore) Put(rec RegistryRecord) error {
	if rec.ID == "" {
		return errors.New("record id is empty")
	}
	rec.UpdatedAt = time.Now().UTC()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordPrefix+rec.ID), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("failed to persist record %s: %w", rec.ID, err)
	}
	return nil
}

// Get reads one record. The boolean reports whether it exists.
func (s *RegistryStore) Get(id string) (RegistryRecord, bool, error) {
	var rec RegistryRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return RegistryRecord{}, false, nil
	}
	if err != nil {
		return RegistryRecord{}, false, fmt.Errorf("failed to read record %s: %w", id, err)
	}
	return rec, true, nil
}

// List returns every record ordered by id.
func (s *RegistryStore) List() ([]RegistryRecord, error) {
	var recs []RegistryRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec RegistryRecord
			err := it.Item().Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&rec)
			})
			if err != nil {
				return fmt.Errorf("failed to decode record %s: %w", it.Item().Key(), err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

// Delete removes one record. Deleting an absent record is not an error.
func (s *RegistryStore) Delete(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}
