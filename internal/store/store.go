// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package store implements the on-disk block-assembly format: .crinfo
// info files and .crtemp partial-block files, and the directory layout
// that makes block-wise download resumable and concurrent-safe (spec §3,
// §4.2). It is grounded on the teacher's storage.Storage interface
// (src/storage/storage.go), generalized from "a block in a chain" to
// "a block of a shared file" and backed by plain files instead of MySQL.
package store

import (
	"os"
	"path/filepath"
	"sync"
)

// Store roots a single directory tree holding finalized files, their
// .crinfo descriptors, and in-progress .crtemp downloads (spec §6).
type Store struct {
	root string

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex
}

// New returns a Store rooted at root. Call EnsureLayout before using it
// on a fresh directory.
func New(root string) *Store {
	return &Store{
		root:  root,
		locks: make(map[string]*sync.RWMutex),
	}
}

// EnsureLayout creates the fixed directories a Store needs (spec §6) and
// is idempotent, so it doubles as startup salvage of a directory that
// already has finalized files, crinfo, or crtemp entries from a prior run
// (spec §3 Ownership model).
func EnsureLayout(root string) error {
	for _, sub := range []string{"", "crinfo", "crtemp"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return err
		}
	}

	return nil
}

// fileLock returns the per-file reader/writer lock for filename, creating
// it on first use (spec §5: "Info/temp store: per-file reader-writer
// lock; a file is never read while being finalized").
func (s *Store) fileLock(filename string) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[filename]
	if !ok {
		lock = new(sync.RWMutex)
		s.locks[filename] = lock
	}

	return lock
}
