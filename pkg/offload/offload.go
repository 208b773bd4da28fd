// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package offload defines the pluggable persisted-state module API of spec
// §6.5 and provides a default badgerhold-backed implementation, grounded
// on the teacher's own pkg/storage/store.go (same badgerhold.Open/Options
// idiom, same badgerDir-under-a-base-dir layout). Contents handed to a
// Store are opaque; the cache never interprets them.
package offload

import (
	"fmt"
	"os"
	"path"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold/v4"
)

// StorageID is the opaque handle a Store returns for an offloaded blob.
type StorageID uint64

// Store is the pluggable persisted-state module API of spec §6.5.
type Store interface {
	// Offload durably persists data and returns a handle to restore it by.
	Offload(data []byte) (StorageID, error)

	// Restore returns the bytes previously offloaded under id.
	Restore(id StorageID) ([]byte, error)

	// Release discards the persisted copy; id becomes invalid.
	Release(id StorageID) error
}

// record is the badgerhold-indexed wrapper around one offloaded blob.
type record struct {
	ID   uint64 `badgerholdKey:"ID"`
	Data []byte
}

// BadgerStore is the default on-disk Store, an embedded badgerhold database
// exactly as the teacher's pkg/storage.Store opens one.
type BadgerStore struct {
	bh      *badgerhold.Store
	nextID  uint64
	baseDir string
}

// NewBadgerStore opens (or creates) a BadgerStore rooted at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	badgerDir := path.Join(dir, "offload")

	if err := os.MkdirAll(badgerDir, 0700); err != nil {
		return nil, err
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"dir": badgerDir}).Debug("offload: badger store opened")
	return &BadgerStore{bh: bh, baseDir: badgerDir}, nil
}

// Close the Store. It must not be used afterwards.
func (s *BadgerStore) Close() error {
	return s.bh.Close()
}

// Offload persists data under a freshly allocated StorageID.
func (s *BadgerStore) Offload(data []byte) (StorageID, error) {
	id := atomic.AddUint64(&s.nextID, 1)

	cp := append([]byte(nil), data...)
	if err := s.bh.Insert(id, record{ID: id, Data: cp}); err != nil {
		return 0, fmt.Errorf("offload: insert failed: %v", err)
	}

	return StorageID(id), nil
}

// Restore returns the bytes previously offloaded under id.
func (s *BadgerStore) Restore(id StorageID) ([]byte, error) {
	var rec record
	if err := s.bh.Get(uint64(id), &rec); err != nil {
		return nil, fmt.Errorf("offload: restore %d failed: %v", id, err)
	}
	return rec.Data, nil
}

// Release discards the persisted copy; id becomes invalid.
func (s *BadgerStore) Release(id StorageID) error {
	if err := s.bh.Delete(uint64(id), record{}); err != nil {
		return fmt.Errorf("offload: release %d failed: %v", id, err)
	}
	return nil
}
