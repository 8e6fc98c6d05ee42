// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package manifest implements the cluster-wide file list and its digest
// (spec §3, §4.3): an ordered, append-only list of filenames, stored on
// disk as manifest/.crmanifest with a reserved path for its own .crinfo.
// The list is not transferred through BLOCK_REQUEST: the sync engine pulls
// it from the control server and merges it here.
package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dblokhin/ctpeer/internal/digest"
)

// Filename is the manifest's own pseudo-filename within the shared tree
// (spec §4.3: "manifest/.crmanifest").
const Filename = ".crmanifest"

// Manifest is the in-memory, append-only list of filenames known to the
// cluster, backed by manifest/.crmanifest on disk.
type Manifest struct {
	mu      sync.RWMutex
	root    string // {shared_dir}/manifest
	entries []string
	known   map[string]bool
}

// New returns a Manifest rooted at filepath.Join(sharedDir, "manifest"),
// loading any existing .crmanifest from disk.
func New(sharedDir string) (*Manifest, error) {
	root := filepath.Join(sharedDir, "manifest")
	if err := os.MkdirAll(filepath.Join(root, "crinfo"), 0o755); err != nil {
		return nil, err
	}

	m := &Manifest{root: root, known: make(map[string]bool)}

	raw, err := os.ReadFile(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}

	for _, entry := range splitEntries(raw) {
		m.entries = append(m.entries, entry)
		m.known[entry] = true
	}

	return m, nil
}

func (m *Manifest) path() string {
	return filepath.Join(m.root, Filename)
}

// CrinfoPath is where the manifest's own .crinfo lives (spec §4.3:
// "manifest/crinfo/.crmanifest.crinfo").
func (m *Manifest) CrinfoPath() string {
	return filepath.Join(m.root, "crinfo", Filename+".crinfo")
}

func splitEntries(raw []byte) []string {
	s := strings.TrimRight(string(raw), "\r\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\r\n")
}

// Entries returns a point-in-time copy of the manifest's filenames, in
// manifest order.
func (m *Manifest) Entries() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.entries))
	copy(out, m.entries)
	return out
}

// Bytes serializes the manifest to its on-disk ASCII form: filenames
// separated by \r\n (spec §3).
func (m *Manifest) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return []byte(strings.Join(m.entries, "\r\n"))
}

// Hash returns the digest of the manifest's serialized bytes (spec §3
// ManifestHash).
func (m *Manifest) Hash() digest.Digest {
	return digest.Sum(m.Bytes())
}

// Merge appends entries from incoming that are not already present
// locally, persists the result, and returns the filenames that were newly
// added. Merge never removes entries and is idempotent: merge(m);
// merge(m) equals merge(m) (spec §4.3, §8 invariant 5).
func (m *Manifest) Merge(incoming []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var added []string
	for _, filename := range incoming {
		if m.known[filename] {
			continue
		}

		m.known[filename] = true
		m.entries = append(m.entries, filename)
		added = append(added, filename)
	}

	if len(added) == 0 {
		return nil, nil
	}

	if err := m.persistLocked(); err != nil {
		return nil, err
	}

	// The manifest's own .crinfo no longer describes the merged list, so
	// it is removed; nothing in this module writes a new one.
	_ = os.Remove(m.CrinfoPath())

	return added, nil
}

func (m *Manifest) persistLocked() error {
	tmp := m.path() + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(m.entries, "\r\n")), 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, m.path())
}

// MergeFromBytes parses the \r\n-separated ASCII form (as delivered by a
// MANIFEST_RESPONSE) and merges it.
func (m *Manifest) MergeFromBytes(raw []byte) ([]string, error) {
	return m.Merge(splitEntries(raw))
}
